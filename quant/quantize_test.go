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
	"errors"
	"math"
	"math/rand"
	"testing"
)

func testRNGQuant() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func randomNormal(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func TestQuantizeLinearRoundTrip(t *testing.T) {
	rng := testRNGQuant()
	for _, size := range []int{1, 3, 7, 16, 17, 100, 256, 257} {
		t.Run("", func(t *testing.T) {
			input := randomNormal(rng, size)
			codes := make([]int8, size)
			scale := QuantizeLinear(input, codes, size)

			output := make([]float32, size)
			DequantizeLinearValues(codes, output, scale)

			bound := float64(scale)/127.0 + 1e-6
			for i := range input {
				if err := math.Abs(float64(input[i] - output[i])); err > bound {
					t.Errorf("size=%d index %d: error %v exceeds %v (x=%v got=%v)",
						size, i, err, bound, input[i], output[i])
				}
			}
		})
	}
}

func TestQuantizeLinearScaleInvariance(t *testing.T) {
	rng := testRNGQuant()
	input := randomNormal(rng, 64)
	doubled := make([]float32, len(input))
	for i := range input {
		doubled[i] = 2 * input[i]
	}

	codes := make([]int8, len(input))
	codes2 := make([]int8, len(input))
	s1 := QuantizeLinear(input, codes, len(input))
	s2 := QuantizeLinear(doubled, codes2, len(doubled))

	if s2 != 2*s1 {
		t.Errorf("scale not doubled: s1=%v s2=%v", s1, s2)
	}
	for i := range codes {
		if codes[i] != codes2[i] {
			t.Errorf("index %d: codes differ, got=%d doubled=%d", i, codes[i], codes2[i])
		}
	}
}

func TestQuantizeLinearAllZeros(t *testing.T) {
	input := make([]float32, 33)
	codes := make([]int8, len(input))
	scale := QuantizeLinear(input, codes, len(input))

	if scale != 1.0 {
		t.Errorf("zero input scale: got %v, want 1.0", scale)
	}
	for i, c := range codes {
		if c != 0 {
			t.Errorf("index %d: code %d, want 0", i, c)
		}
	}

	output := make([]float32, len(input))
	DequantizeLinearValues(codes, output, scale)
	for i, v := range output {
		if v != 0 || math.IsNaN(float64(v)) {
			t.Errorf("index %d: reconstructed %v, want 0", i, v)
		}
	}
}

func TestQuantizeVectorPerRowMatchesLinearPerRow(t *testing.T) {
	rng := testRNGQuant()
	rows, cols := 5, 33
	input := randomNormal(rng, rows*cols)

	codes := make([]int8, rows*cols)
	scales := QuantizeVector(input, codes, rows, cols, PerRow)
	if len(scales) != rows {
		t.Fatalf("scales length: got %d, want %d", len(scales), rows)
	}

	for r := range rows {
		row := input[r*cols : (r+1)*cols]
		rowCodes := make([]int8, cols)
		rowScale := QuantizeLinear(row, rowCodes, cols)
		if scales[r] != rowScale {
			t.Errorf("row %d: scale %v, want %v", r, scales[r], rowScale)
		}
		for c := range cols {
			if codes[r*cols+c] != rowCodes[c] {
				t.Errorf("row %d col %d: code %d, want %d", r, c, codes[r*cols+c], rowCodes[c])
			}
		}
	}
}

func TestQuantizeVectorPerColRoundTrip(t *testing.T) {
	rng := testRNGQuant()
	rows, cols := 37, 19
	input := randomNormal(rng, rows*cols)

	codes := make([]int8, rows*cols)
	scales := QuantizeVector(input, codes, rows, cols, PerCol)
	if len(scales) != cols {
		t.Fatalf("scales length: got %d, want %d", len(scales), cols)
	}

	output := make([]float32, rows*cols)
	if err := DequantizeVectorValues(codes, output, rows, cols, PerCol, scales); err != nil {
		t.Fatal(err)
	}
	for r := range rows {
		for c := range cols {
			i := r*cols + c
			bound := float64(scales[c])/127.0 + 1e-6
			if err := math.Abs(float64(input[i] - output[i])); err > bound {
				t.Errorf("row %d col %d: error %v exceeds %v", r, c, err, bound)
			}
		}
	}
}

func TestQuantizeVectorZeroRow(t *testing.T) {
	rng := testRNGQuant()
	rows, cols := 3, 16
	input := randomNormal(rng, rows*cols)
	for c := range cols {
		input[cols+c] = 0 // middle row all zero
	}

	codes := make([]int8, rows*cols)
	scales := QuantizeVector(input, codes, rows, cols, PerRow)

	if scales[1] != 1.0 {
		t.Errorf("zero row scale: got %v, want 1.0", scales[1])
	}
	for c := range cols {
		if codes[cols+c] != 0 {
			t.Errorf("zero row col %d: code %d, want 0", c, codes[cols+c])
		}
	}
}

func TestQuantizeMinMaxTwoValues(t *testing.T) {
	// A slice holding only its two extremes must reconstruct exactly: the
	// extremes map to codes -127 and +127.
	rows, cols := 2, 24
	input := make([]float32, rows*cols)
	for c := range cols {
		if c%2 == 0 {
			input[c] = -0.75
		} else {
			input[c] = 1.25
		}
		input[cols+c] = 3.5 // constant second row
	}

	codes := make([]int8, rows*cols)
	mins, halves := QuantizeMinMax(input, codes, rows, cols, PerRow)

	output := make([]float32, rows*cols)
	if err := DequantizeMinMaxValues(codes, output, rows, cols, PerRow, mins, halves); err != nil {
		t.Fatal(err)
	}
	for i := range input {
		if err := math.Abs(float64(input[i] - output[i])); err > 1e-5 {
			t.Errorf("index %d: got %v, want %v", i, output[i], input[i])
		}
	}
	for c := range cols {
		want := int8(127)
		if c%2 == 0 {
			want = -127
		}
		if codes[c] != want {
			t.Errorf("col %d: code %d, want %d", c, codes[c], want)
		}
	}
}

func TestQuantizeMinMaxRoundTrip(t *testing.T) {
	rng := testRNGQuant()
	for _, axis := range []Axis{PerRow, PerCol} {
		t.Run(axis.String(), func(t *testing.T) {
			rows, cols := 23, 41
			input := randomNormal(rng, rows*cols)
			// Shift to an asymmetric range, the case min-max exists for.
			for i := range input {
				input[i] += 2.5
			}

			codes := make([]int8, rows*cols)
			mins, halves := QuantizeMinMax(input, codes, rows, cols, axis)

			output := make([]float32, rows*cols)
			if err := DequantizeMinMaxValues(codes, output, rows, cols, axis, mins, halves); err != nil {
				t.Fatal(err)
			}
			for r := range rows {
				for c := range cols {
					i := r*cols + c
					slice := r
					if axis == PerCol {
						slice = c
					}
					bound := float64(halves[slice])/127.0 + 1e-5
					if err := math.Abs(float64(input[i] - output[i])); err > bound {
						t.Errorf("row %d col %d: error %v exceeds %v", r, c, err, bound)
					}
				}
			}
		})
	}
}

func TestParseScheme(t *testing.T) {
	tests := []struct {
		name string
		want Scheme
	}{
		{"linear", SchemeLinear},
		{"vector", SchemeVector},
		{"min-max", SchemeMinMax},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseScheme(tt.name)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if got.String() != tt.name {
				t.Errorf("String(): got %q, want %q", got.String(), tt.name)
			}
		})
	}

	t.Run("unknown", func(t *testing.T) {
		_, err := ParseScheme("dynamic")
		var schemeErr *InvalidSchemeError
		if !errors.As(err, &schemeErr) {
			t.Fatalf("got %v, want *InvalidSchemeError", err)
		}
		if schemeErr.Name != "dynamic" {
			t.Errorf("error name: got %q, want %q", schemeErr.Name, "dynamic")
		}
	})
}

func TestQuantizeShapeMismatch(t *testing.T) {
	_, err := Quantize(make([]float32, 10), 3, 4, SchemeVector, PerRow)
	var shapeErr *ShapeMismatchError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("got %v, want *ShapeMismatchError", err)
	}
}

func TestQuantizeDequantizeAllSchemes(t *testing.T) {
	rng := testRNGQuant()
	rows, cols := 9, 31
	input := randomNormal(rng, rows*cols)

	for _, scheme := range []Scheme{SchemeLinear, SchemeVector, SchemeMinMax} {
		for _, axis := range []Axis{PerRow, PerCol} {
			t.Run(scheme.String()+"_"+axis.String(), func(t *testing.T) {
				qt, err := Quantize(input, rows, cols, scheme, axis)
				if err != nil {
					t.Fatal(err)
				}
				output, err := Dequantize(qt)
				if err != nil {
					t.Fatal(err)
				}
				// Coarse bound: every scheme's error is below its largest
				// slice scale divided by 127.
				var worst float32
				for _, s := range qt.Scale.Absmax {
					if s > worst {
						worst = s
					}
				}
				bound := float64(worst)/127.0 + 1e-5
				for i := range input {
					if err := math.Abs(float64(input[i] - output[i])); err > bound {
						t.Errorf("index %d: error %v exceeds %v", i, err, bound)
					}
				}
			})
		}
	}
}

func BenchmarkQuantizeVectorPerRow(b *testing.B) {
	rng := testRNGQuant()
	for _, size := range []struct{ rows, cols int }{{64, 256}, {256, 1024}} {
		b.Run("", func(b *testing.B) {
			input := randomNormal(rng, size.rows*size.cols)
			codes := make([]int8, len(input))

			b.SetBytes(int64(len(input)) * 4)
			b.ResetTimer()
			for range b.N {
				QuantizeVector(input, codes, size.rows, size.cols, PerRow)
			}
		})
	}
}

func BenchmarkQuantizeMinMaxPerRow(b *testing.B) {
	rng := testRNGQuant()
	input := randomNormal(rng, 256*1024)
	codes := make([]int8, len(input))

	b.SetBytes(int64(len(input)) * 4)
	b.ResetTimer()
	for range b.N {
		QuantizeMinMax(input, codes, 256, 1024, PerRow)
	}
}
