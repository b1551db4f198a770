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

// Package nn provides training-capable layers that run their matrix
// products through int8 kernels.
//
// # Layers
//
//   - Linear8bit - fully connected layer with quantized forward and
//     backward products, selectable per PrecisionMode
//   - StableEmbedding - embedding table with a LayerNorm output stage
//
// # Precision Modes
//
// PrecisionOff keeps every product in float32 and is the accuracy
// reference. PrecisionForwardWgrad quantizes the forward product and the
// weight gradient, the two products whose operands tolerate int8 well.
// PrecisionFull also quantizes the input gradient, trading a little
// more error for the last third of the compute.
//
// # Weight State
//
// Weight codes are cached in a MatmulState and reused across forward
// calls; anything that mutates a layer's weights must invalidate the
// cache. QuantizedWeight is the storage form: an explicitly materialized
// int8 weight that can drop its float32 data entirely.
//
// # Example Usage
//
//	import "github.com/ajroetker/go-bitgrad/nn"
//
//	func TrainStep(layer *nn.Linear8bit, x, target []float32, batch, seq int) error {
//	    out, err := layer.Forward(x, batch, seq)
//	    if err != nil {
//	        return err
//	    }
//	    gradOut := make([]float32, len(out))
//	    for i := range out {
//	        gradOut[i] = 2 * (out[i] - target[i]) / float32(len(out))
//	    }
//	    _, err = layer.Backward(gradOut)
//	    return err
//	}
package nn
