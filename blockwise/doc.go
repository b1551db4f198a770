// Copyright 2026 go-bitgrad Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blockwise compresses float32 tensors to 8-bit codebook
// indices, one absolute-max scale per fixed-size block.
//
// Splitting the tensor into blocks keeps one outlier from flattening
// the quantization resolution of everything else: each block is
// normalized by its own absmax before its values are matched to the
// nearest entry of a shared 256-value codebook.
//
// # Codebooks
//
//   - NewDynamicCodebook: precomputed distribution, densest near zero,
//     matching how trained weights concentrate
//   - NewQuantileCodebook: estimated from the data's own empirical
//     quantiles, for tensors the dynamic map fits poorly
//
// # Core Functions
//
//   - Quantize / Dequantize: the blockwise codec
//   - QuantizeStochastic: unbiased code selection for repeated
//     round-trips during training
//   - QuantizeWithMax / DequantizeWithMax: keep each block's top-K
//     magnitude values exact, quantize the rest
//   - RoundTrip: in-place quantize-then-reconstruct, simulating 8-bit
//     weight storage between optimizer steps
//   - Pack / Unpack: byte serialization with float16 block scales
//
// # Example Usage
//
//	cb, _ := blockwise.NewDynamicCodebook(7)
//	b, err := blockwise.Quantize(w, cb, blockwise.DefaultBlockSize)
//	if err != nil {
//		return err
//	}
//	out := make([]float32, len(w))
//	err = blockwise.Dequantize(b, cb, out)
package blockwise
