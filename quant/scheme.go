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

import "fmt"

// Scheme selects how scales are derived during quantization.
type Scheme int

const (
	// SchemeLinear uses a single tensor-wide absolute-max scale.
	SchemeLinear Scheme = iota
	// SchemeVector uses one absolute-max scale per row or per column.
	SchemeVector
	// SchemeMinMax uses a (min, halfrange) pair per row or per column.
	SchemeMinMax
)

// ParseScheme maps a scheme name to its Scheme value. Recognized names are
// "linear", "vector", and "min-max"; anything else fails with
// *InvalidSchemeError.
func ParseScheme(name string) (Scheme, error) {
	switch name {
	case "linear":
		return SchemeLinear, nil
	case "vector":
		return SchemeVector, nil
	case "min-max":
		return SchemeMinMax, nil
	}
	return 0, &InvalidSchemeError{Name: name}
}

func (s Scheme) String() string {
	switch s {
	case SchemeLinear:
		return "linear"
	case SchemeVector:
		return "vector"
	case SchemeMinMax:
		return "min-max"
	}
	return fmt.Sprintf("scheme(%d)", int(s))
}

// Axis selects the direction a per-slice scale applies to. PerRow derives
// one scale per row by reducing over columns; PerCol the reverse.
type Axis int

const (
	PerRow Axis = iota
	PerCol
)

func (a Axis) String() string {
	if a == PerCol {
		return "per-col"
	}
	return "per-row"
}

// sliceCount returns the number of scale slices the axis induces on a
// rows x cols matrix.
func (a Axis) sliceCount(rows, cols int) int {
	if a == PerCol {
		return cols
	}
	return rows
}

// Scale is the metadata needed to reconstruct float values from int8 codes.
//
// For SchemeLinear, Absmax holds a single entry. For SchemeVector it holds
// one absolute-max per row or column. For SchemeMinMax, Absmax holds the
// per-slice halfrange (max-min)/2 and Min the per-slice minimum.
type Scale struct {
	Scheme Scheme
	Axis   Axis
	Absmax []float32
	Min    []float32
}

// QuantizedTensor pairs int8 codes with the Scale that produced them.
// Codes are row-major Rows x Cols.
type QuantizedTensor struct {
	Codes []int8
	Rows  int
	Cols  int
	Scale Scale
}

// Quantize converts a rows x cols float32 matrix to int8 codes under the
// given scheme. axis selects the scale direction for the vector and min-max
// schemes and is ignored for linear. Higher-rank activations are quantized
// by viewing them as 2-D: a [batch, seq, features] tensor quantized per
// token is the (batch*seq) x features matrix with axis PerRow.
func Quantize(x []float32, rows, cols int, scheme Scheme, axis Axis) (QuantizedTensor, error) {
	if len(x) != rows*cols {
		return QuantizedTensor{}, &ShapeMismatchError{What: "input", Got: len(x), Want: rows * cols}
	}
	qt := QuantizedTensor{
		Codes: make([]int8, rows*cols),
		Rows:  rows,
		Cols:  cols,
		Scale: Scale{Scheme: scheme, Axis: axis},
	}
	switch scheme {
	case SchemeLinear:
		qt.Scale.Absmax = []float32{QuantizeLinear(x, qt.Codes, rows*cols)}
	case SchemeVector:
		qt.Scale.Absmax = QuantizeVector(x, qt.Codes, rows, cols, axis)
	case SchemeMinMax:
		qt.Scale.Min, qt.Scale.Absmax = QuantizeMinMax(x, qt.Codes, rows, cols, axis)
	default:
		return QuantizedTensor{}, &InvalidSchemeError{Name: scheme.String()}
	}
	return qt, nil
}

// Dequantize reconstructs float32 values from a quantized tensor. It is the
// elementwise inverse of Quantize up to rounding: each element deviates from
// the original by at most its slice's scale/127.
func Dequantize(q QuantizedTensor) ([]float32, error) {
	size := q.Rows * q.Cols
	if len(q.Codes) != size {
		return nil, &ShapeMismatchError{What: "codes", Got: len(q.Codes), Want: size}
	}
	out := make([]float32, size)
	switch q.Scale.Scheme {
	case SchemeLinear:
		if len(q.Scale.Absmax) != 1 {
			return nil, &ShapeMismatchError{What: "linear scale", Got: len(q.Scale.Absmax), Want: 1}
		}
		DequantizeLinearValues(q.Codes, out, q.Scale.Absmax[0])
	case SchemeVector:
		if err := DequantizeVectorValues(q.Codes, out, q.Rows, q.Cols, q.Scale.Axis, q.Scale.Absmax); err != nil {
			return nil, err
		}
	case SchemeMinMax:
		if err := DequantizeMinMaxValues(q.Codes, out, q.Rows, q.Cols, q.Scale.Axis, q.Scale.Min, q.Scale.Absmax); err != nil {
			return nil, err
		}
	default:
		return nil, &InvalidSchemeError{Name: q.Scale.Scheme.String()}
	}
	return out, nil
}
