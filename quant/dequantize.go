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

package quant

import (
	"github.com/ajroetker/go-highway/hwy"
)

// DequantizeLinearValues reconstructs values quantized by QuantizeLinear.
//
//	output[i] = float32(input[i]) * scale / 127
func DequantizeLinearValues(input []int8, output []float32, scale float32) {
	lanes := hwy.NumLanes[float32]()
	sVec := hwy.Set(scale / 127.0)
	buf := make([]float32, lanes)

	i := 0
	for ; i+lanes <= len(input); i += lanes {
		for j := range lanes {
			buf[j] = float32(input[i+j])
		}
		hwy.Store(hwy.Mul(hwy.Load(buf), sVec), output[i:])
	}
	s := scale / 127.0
	for ; i < len(input); i++ {
		output[i] = float32(input[i]) * s
	}
}

// DequantizeVectorValues reconstructs a rows x cols matrix quantized by
// QuantizeVector with the given per-row or per-column scales.
func DequantizeVectorValues(input []int8, output []float32, rows, cols int, axis Axis, scales []float32) error {
	if len(scales) != axis.sliceCount(rows, cols) {
		return &ShapeMismatchError{What: "vector scales", Got: len(scales), Want: axis.sliceCount(rows, cols)}
	}
	if axis == PerCol {
		for r := range rows {
			base := r * cols
			for c := range cols {
				output[base+c] = float32(input[base+c]) * scales[c] / 127.0
			}
		}
		return nil
	}
	for r := range rows {
		base := r * cols
		s := scales[r] / 127.0
		for c := range cols {
			output[base+c] = float32(input[base+c]) * s
		}
	}
	return nil
}

// DequantizeMinMaxValues reconstructs a rows x cols matrix quantized by
// QuantizeMinMax.
//
//	output = float32(code)*halfrange/127 + min + halfrange
func DequantizeMinMaxValues(input []int8, output []float32, rows, cols int, axis Axis, mins, halfranges []float32) error {
	want := axis.sliceCount(rows, cols)
	if len(mins) != want {
		return &ShapeMismatchError{What: "min-max mins", Got: len(mins), Want: want}
	}
	if len(halfranges) != want {
		return &ShapeMismatchError{What: "min-max halfranges", Got: len(halfranges), Want: want}
	}
	if axis == PerCol {
		for r := range rows {
			base := r * cols
			for c := range cols {
				output[base+c] = float32(input[base+c])*halfranges[c]/127.0 + mins[c] + halfranges[c]
			}
		}
		return nil
	}
	for r := range rows {
		base := r * cols
		h := halfranges[r] / 127.0
		shift := mins[r] + halfranges[r]
		for c := range cols {
			output[base+c] = float32(input[base+c])*h + shift
		}
	}
	return nil
}

// DequantizeLinear rescales an int32 matmul accumulator whose operands were
// both quantized with tensor-wide linear scales.
//
//	output[i] = float32(acc[i]) * scaleA * scaleB / 127^2
//
// The rescale reads the full int32 accumulator before narrowing to float32,
// so no intermediate value can overflow.
func DequantizeLinear(acc []int32, output []float32, size int, scaleA, scaleB float32) {
	norm := scaleA * scaleB / (127.0 * 127.0)
	for i := range size {
		output[i] = float32(acc[i]) * norm
	}
}

// DequantizeVector rescales an M x N int32 matmul accumulator whose first
// operand carried per-row scales and whose second carried per-column scales.
//
//	output[m,n] = float32(acc[m,n]) * rowScales[m]/127 * colScales[n]/127
//
// This single row/column form covers the original broadcast variants: a
// per-token activation scale is a row scale of the flattened batch, and a
// per-output-feature weight scale is a column scale of the result.
func DequantizeVector(acc []int32, output []float32, m, n int, rowScales, colScales []float32) error {
	if len(rowScales) != m {
		return &ShapeMismatchError{What: "row scales", Got: len(rowScales), Want: m}
	}
	if len(colScales) != n {
		return &ShapeMismatchError{What: "col scales", Got: len(colScales), Want: n}
	}
	colNorm := make([]float32, n)
	for j := range n {
		colNorm[j] = colScales[j] / 127.0
	}
	for i := range m {
		rs := rowScales[i] / 127.0
		base := i * n
		for j := range n {
			output[base+j] = float32(acc[base+j]) * rs * colNorm[j]
		}
	}
	return nil
}

// DequantizeMinMax rescales an M x N int32 matmul accumulator whose first
// operand was min-max quantized per row and whose second operand was
// symmetrically quantized per column of the result.
//
// A min-max code reconstructs as q*half/127 + (min+half), so the matmul
// accumulator recovers the true product only after adding the zero-point
// shift carried through the contraction by the second operand's code sums:
//
//	output[m,n] = float32(acc[m,n]) * halfranges[m]/127 * colScales[n]/127
//	            + (mins[m]+halfranges[m]) * colScales[n]/127 * float32(colSums[n])
//
// colSums[n] is the sum over the contraction dimension of the second
// operand's int8 codes (igemm.ColSums of the [K,N] operand, or
// igemm.RowSums of its stored [N,K] transpose).
func DequantizeMinMax(acc []int32, output []float32, m, n int, mins, halfranges, colScales []float32, colSums []int32) error {
	if len(mins) != m {
		return &ShapeMismatchError{What: "min-max mins", Got: len(mins), Want: m}
	}
	if len(halfranges) != m {
		return &ShapeMismatchError{What: "min-max halfranges", Got: len(halfranges), Want: m}
	}
	if len(colScales) != n {
		return &ShapeMismatchError{What: "col scales", Got: len(colScales), Want: n}
	}
	if len(colSums) != n {
		return &ShapeMismatchError{What: "col sums", Got: len(colSums), Want: n}
	}
	colNorm := make([]float32, n)
	for j := range n {
		colNorm[j] = colScales[j] / 127.0
	}
	for i := range m {
		h := halfranges[i] / 127.0
		shift := mins[i] + halfranges[i]
		base := i * n
		for j := range n {
			output[base+j] = float32(acc[base+j])*h*colNorm[j] + shift*colNorm[j]*float32(colSums[j])
		}
	}
	return nil
}
