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

// Package quant converts float32 matrices to int8 codes plus scale metadata
// and reconstructs float32 results from int8 matmul accumulators.
//
// Three quantization schemes are supported, selected by Scheme:
//
//   - linear: one absolute-max scale for the whole tensor.
//     q = clamp(round(x/scale*127), -127, 127)
//   - vector: one absolute-max scale per row or per column.
//   - min-max: one (min, halfrange) pair per row or per column, capturing
//     asymmetric value distributions that symmetric schemes waste range on.
//     q = round(127*(x - min - halfrange)/halfrange)
//
// Every scheme has an elementwise inverse (DequantizeLinearValues and
// friends) satisfying the round-trip bound |x - dequant(quant(x))| <=
// scale/127 per element, and a matmul scale-recovery form (DequantizeLinear,
// DequantizeVector, DequantizeMinMax) that rescales the int32 accumulator of
// an integer matmul of two quantized operands back to float32.
//
// Stochastic rounding variants round magnitudes up with probability equal to
// their fractional part, trading per-call determinism for unbiasedness
// across many training steps. Draws come from a caller-provided seedable
// source, so results are reproducible.
//
// Degenerate all-zero tensors or slices quantize with a substitute scale of
// 1.0 rather than emitting NaN or Inf.
//
// # Example Usage
//
//	import "github.com/ajroetker/go-bitgrad/quant"
//
//	x := []float32{0.5, -1.0, 2.0, 0.25}
//	codes := make([]int8, len(x))
//	scales := quant.QuantizeVector(x, codes, 2, 2, quant.PerRow)
//
//	out := make([]float32, len(x))
//	quant.DequantizeVectorValues(codes, out, 2, 2, quant.PerRow, scales)
package quant
