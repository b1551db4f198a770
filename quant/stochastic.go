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
	"math/rand"

	"github.com/chewxy/math32"
)

// RoundStochastic rounds x to an integral float32, away from zero with
// probability equal to the fractional part of |x|. Over many draws
// E[RoundStochastic(x)] = x, which removes the systematic bias that
// round-to-nearest accumulates across repeated quantized training steps.
//
// Draws come from rng, so a fixed seed yields a fixed result.
func RoundStochastic(x float32, rng *rand.Rand) float32 {
	sign := float32(1)
	if x < 0 {
		sign = -1
	}
	ax := math32.Abs(x)
	fl := math32.Floor(ax)
	if rng.Float32() < ax-fl {
		fl++
	}
	return sign * fl
}

// QuantizeLinearStochastic is QuantizeLinear with stochastic rounding.
// The loop is scalar: each element consumes one draw from rng in order, so
// results are reproducible for a fixed seed.
func QuantizeLinearStochastic(input []float32, output []int8, size int, rng *rand.Rand) float32 {
	if size == 0 {
		return 1.0
	}
	scale := absMax(input[:size])
	if scale == 0 {
		scale = 1.0
	}
	inv := 127.0 / scale
	for i := range size {
		output[i] = clampInt8(RoundStochastic(input[i]*inv, rng))
	}
	return scale
}

// QuantizeVectorStochastic is QuantizeVector with stochastic rounding.
func QuantizeVectorStochastic(input []float32, output []int8, rows, cols int, axis Axis, rng *rand.Rand) []float32 {
	scales := vectorAbsMaxScales(input, rows, cols, axis)
	if axis == PerCol {
		inv := make([]float32, cols)
		for c := range cols {
			inv[c] = 127.0 / scales[c]
		}
		for r := range rows {
			base := r * cols
			for c := range cols {
				output[base+c] = clampInt8(RoundStochastic(input[base+c]*inv[c], rng))
			}
		}
		return scales
	}
	for r := range rows {
		base := r * cols
		inv := 127.0 / scales[r]
		for c := range cols {
			output[base+c] = clampInt8(RoundStochastic(input[base+c]*inv, rng))
		}
	}
	return scales
}

// vectorAbsMaxScales computes the per-slice absolute-max scales of the
// vector scheme with the zero-slice guard applied.
func vectorAbsMaxScales(input []float32, rows, cols int, axis Axis) []float32 {
	if axis == PerCol {
		scales := make([]float32, cols)
		for r := range rows {
			base := r * cols
			for c := range cols {
				av := input[base+c]
				if av < 0 {
					av = -av
				}
				if av > scales[c] {
					scales[c] = av
				}
			}
		}
		for c := range scales {
			if scales[c] == 0 {
				scales[c] = 1.0
			}
		}
		return scales
	}
	scales := make([]float32, rows)
	for r := range rows {
		s := absMax(input[r*cols : (r+1)*cols])
		if s == 0 {
			s = 1.0
		}
		scales[r] = s
	}
	return scales
}

func clampInt8(v float32) int8 {
	if v > 127 {
		return 127
	}
	if v < -127 {
		return -127
	}
	return int8(v)
}
