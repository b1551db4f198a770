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

// QuantizeLinear quantizes size values to int8 with a single tensor-wide
// absolute-max scale.
//
//	scale = max(|input|)
//	output[i] = clamp(round(input[i]/scale*127), -127, 127)
//
// An all-zero input substitutes scale 1.0 so reconstruction stays finite.
// The output slice must be pre-allocated with at least size elements.
func QuantizeLinear(input []float32, output []int8, size int) float32 {
	if size == 0 {
		return 1.0
	}
	scale := absMax(input[:size])
	if scale == 0 {
		scale = 1.0
	}
	quantizeSymmetric(input[:size], output[:size], 127.0/scale)
	return scale
}

// QuantizeVector quantizes a rows x cols matrix to int8 with one
// absolute-max scale per row (PerRow) or per column (PerCol). The returned
// scales have length rows or cols respectively. All-zero slices substitute
// scale 1.0.
func QuantizeVector(input []float32, output []int8, rows, cols int, axis Axis) []float32 {
	if axis == PerCol {
		return quantizeVectorPerCol(input, output, rows, cols)
	}
	scales := make([]float32, rows)
	for r := range rows {
		row := input[r*cols : (r+1)*cols]
		s := absMax(row)
		if s == 0 {
			s = 1.0
		}
		scales[r] = s
		quantizeSymmetric(row, output[r*cols:(r+1)*cols], 127.0/s)
	}
	return scales
}

func quantizeVectorPerCol(input []float32, output []int8, rows, cols int) []float32 {
	scales := make([]float32, cols)
	if rows == 0 || cols == 0 {
		for c := range scales {
			scales[c] = 1.0
		}
		return scales
	}

	// Column absolute maxima, accumulated in the scales slice itself so the
	// row-major sweep stays sequential.
	lanes := hwy.NumLanes[float32]()
	for r := range rows {
		base := r * cols
		var c int
		for c = 0; c+lanes <= cols; c += lanes {
			cur := hwy.Load(scales[c:])
			av := hwy.Abs(hwy.Load(input[base+c:]))
			hwy.Store(hwy.Max(cur, av), scales[c:])
		}
		for ; c < cols; c++ {
			av := input[base+c]
			if av < 0 {
				av = -av
			}
			if av > scales[c] {
				scales[c] = av
			}
		}
	}

	inv := make([]float32, cols)
	for c := range cols {
		if scales[c] == 0 {
			scales[c] = 1.0
		}
		inv[c] = 127.0 / scales[c]
	}

	minVec := hwy.Set[float32](-127.0)
	maxVec := hwy.Set[float32](127.0)
	buf := make([]float32, lanes)
	for r := range rows {
		base := r * cols
		var c int
		for c = 0; c+lanes <= cols; c += lanes {
			v := hwy.Mul(hwy.Load(input[base+c:]), hwy.Load(inv[c:]))
			clamped := hwy.Clamp(hwy.Round(v), minVec, maxVec)
			hwy.Store(clamped, buf)
			for j := range lanes {
				output[base+c+j] = int8(buf[j])
			}
		}
		for ; c < cols; c++ {
			output[base+c] = roundClampInt8(input[base+c] * inv[c])
		}
	}
	return scales
}

// QuantizeMinMax quantizes a rows x cols matrix to int8 with one
// (min, halfrange) pair per row (PerRow) or per column (PerCol).
//
//	halfrange = (max - min) / 2
//	output = round(127*(x - min - halfrange)/halfrange)
//
// A constant slice (max == min) substitutes halfrange 1.0; its values still
// reconstruct exactly since they all map to code -127.
func QuantizeMinMax(input []float32, output []int8, rows, cols int, axis Axis) (mins, halfranges []float32) {
	if axis == PerCol {
		return quantizeMinMaxPerCol(input, output, rows, cols)
	}
	mins = make([]float32, rows)
	halfranges = make([]float32, rows)
	if cols == 0 {
		for r := range halfranges {
			halfranges[r] = 1.0
		}
		return mins, halfranges
	}
	for r := range rows {
		row := input[r*cols : (r+1)*cols]
		lo, hi := minMax(row)
		half := (hi - lo) / 2
		if half == 0 {
			half = 1.0
		}
		mins[r] = lo
		halfranges[r] = half
		center := lo + half
		quantizeShifted(row, output[r*cols:(r+1)*cols], center, 127.0/half)
	}
	return mins, halfranges
}

func quantizeMinMaxPerCol(input []float32, output []int8, rows, cols int) (mins, halfranges []float32) {
	mins = make([]float32, cols)
	halfranges = make([]float32, cols)
	if rows == 0 || cols == 0 {
		for c := range halfranges {
			halfranges[c] = 1.0
		}
		return mins, halfranges
	}

	maxs := make([]float32, cols)
	copy(mins, input[:cols])
	copy(maxs, input[:cols])
	lanes := hwy.NumLanes[float32]()
	for r := 1; r < rows; r++ {
		base := r * cols
		var c int
		for c = 0; c+lanes <= cols; c += lanes {
			v := hwy.Load(input[base+c:])
			hwy.Store(hwy.Min(hwy.Load(mins[c:]), v), mins[c:])
			hwy.Store(hwy.Max(hwy.Load(maxs[c:]), v), maxs[c:])
		}
		for ; c < cols; c++ {
			v := input[base+c]
			if v < mins[c] {
				mins[c] = v
			}
			if v > maxs[c] {
				maxs[c] = v
			}
		}
	}

	centers := make([]float32, cols)
	inv := make([]float32, cols)
	for c := range cols {
		half := (maxs[c] - mins[c]) / 2
		if half == 0 {
			half = 1.0
		}
		halfranges[c] = half
		centers[c] = mins[c] + half
		inv[c] = 127.0 / half
	}

	minVec := hwy.Set[float32](-127.0)
	maxVec := hwy.Set[float32](127.0)
	buf := make([]float32, lanes)
	for r := range rows {
		base := r * cols
		var c int
		for c = 0; c+lanes <= cols; c += lanes {
			v := hwy.Sub(hwy.Load(input[base+c:]), hwy.Load(centers[c:]))
			scaled := hwy.Mul(v, hwy.Load(inv[c:]))
			clamped := hwy.Clamp(hwy.Round(scaled), minVec, maxVec)
			hwy.Store(clamped, buf)
			for j := range lanes {
				output[base+c+j] = int8(buf[j])
			}
		}
		for ; c < cols; c++ {
			output[base+c] = roundClampInt8((input[base+c] - centers[c]) * inv[c])
		}
	}
	return mins, halfranges
}

// absMax returns max(|x|) over the slice.
func absMax(x []float32) float32 {
	lanes := hwy.NumLanes[float32]()
	buf := make([]float32, lanes)
	amax := float32(0)
	i := 0
	if len(x) >= lanes {
		acc := hwy.Zero[float32]()
		for ; i+lanes <= len(x); i += lanes {
			acc = hwy.Max(acc, hwy.Abs(hwy.Load(x[i:])))
		}
		hwy.Store(acc, buf)
		for j := range lanes {
			if buf[j] > amax {
				amax = buf[j]
			}
		}
	}
	for ; i < len(x); i++ {
		av := x[i]
		if av < 0 {
			av = -av
		}
		if av > amax {
			amax = av
		}
	}
	return amax
}

// minMax returns the minimum and maximum of x. x must be non-empty.
func minMax(x []float32) (lo, hi float32) {
	lo = x[0]
	hi = x[0]
	lanes := hwy.NumLanes[float32]()
	i := 0
	if len(x) >= lanes {
		minAcc := hwy.Load(x)
		maxAcc := minAcc
		for i = lanes; i+lanes <= len(x); i += lanes {
			v := hwy.Load(x[i:])
			minAcc = hwy.Min(minAcc, v)
			maxAcc = hwy.Max(maxAcc, v)
		}
		buf := make([]float32, lanes)
		hwy.Store(minAcc, buf)
		for j := range lanes {
			if buf[j] < lo {
				lo = buf[j]
			}
		}
		hwy.Store(maxAcc, buf)
		for j := range lanes {
			if buf[j] > hi {
				hi = buf[j]
			}
		}
	}
	for ; i < len(x); i++ {
		if x[i] < lo {
			lo = x[i]
		}
		if x[i] > hi {
			hi = x[i]
		}
	}
	return lo, hi
}

// quantizeSymmetric maps input to round(input*invScale) clamped to
// [-127, 127] and narrows to int8.
func quantizeSymmetric(input []float32, output []int8, invScale float32) {
	lanes := hwy.NumLanes[float32]()
	scaleVec := hwy.Set(invScale)
	minVec := hwy.Set[float32](-127.0)
	maxVec := hwy.Set[float32](127.0)
	buf := make([]float32, lanes)

	i := 0
	for ; i+lanes <= len(input); i += lanes {
		v := hwy.Mul(hwy.Load(input[i:]), scaleVec)
		clamped := hwy.Clamp(hwy.Round(v), minVec, maxVec)
		hwy.Store(clamped, buf)
		for j := range lanes {
			output[i+j] = int8(buf[j])
		}
	}
	for ; i < len(input); i++ {
		output[i] = roundClampInt8(input[i] * invScale)
	}
}

// quantizeShifted maps input to round((input-center)*invScale) clamped to
// [-127, 127], the min-max mapping for a single slice.
func quantizeShifted(input []float32, output []int8, center, invScale float32) {
	lanes := hwy.NumLanes[float32]()
	centerVec := hwy.Set(center)
	scaleVec := hwy.Set(invScale)
	minVec := hwy.Set[float32](-127.0)
	maxVec := hwy.Set[float32](127.0)
	buf := make([]float32, lanes)

	i := 0
	for ; i+lanes <= len(input); i += lanes {
		v := hwy.Mul(hwy.Sub(hwy.Load(input[i:]), centerVec), scaleVec)
		clamped := hwy.Clamp(hwy.Round(v), minVec, maxVec)
		hwy.Store(clamped, buf)
		for j := range lanes {
			output[i+j] = int8(buf[j])
		}
	}
	for ; i < len(input); i++ {
		output[i] = roundClampInt8((input[i] - center) * invScale)
	}
}

// roundClampInt8 rounds half away from zero and clamps to [-127, 127].
func roundClampInt8(val float32) int8 {
	var q int32
	if val >= 0 {
		q = int32(val + 0.5)
	} else {
		q = int32(val - 0.5)
	}
	if q > 127 {
		q = 127
	} else if q < -127 {
		q = -127
	}
	return int8(q)
}
