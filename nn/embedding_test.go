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

package nn

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/chewxy/math32"
)

// testRNGEmbedding returns a seeded random number generator for reproducible tests.
func testRNGEmbedding() *rand.Rand {
	return rand.New(rand.NewSource(77))
}

// TestStableEmbeddingForwardNormalized verifies every output row is
// normalized before the affine stage, which starts as the identity.
func TestStableEmbeddingForwardNormalized(t *testing.T) {
	const vocab, dim = 50, 64
	e := NewStableEmbedding(vocab, dim, -1, rand.New(rand.NewSource(1)))

	indices := []int{3, 17, 3, 49, 0}
	out, err := e.Forward(indices)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if len(out) != len(indices)*dim {
		t.Fatalf("Output length = %d, want %d", len(out), len(indices)*dim)
	}

	for r := range indices {
		row := out[r*dim : (r+1)*dim]
		var mean float32
		for _, v := range row {
			mean += v
		}
		mean /= dim
		var variance float32
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= dim
		if math32.Abs(mean) > 1e-4 {
			t.Errorf("Row %d mean = %g, want 0", r, mean)
		}
		if math32.Abs(variance-1) > 5e-3 {
			t.Errorf("Row %d variance = %g, want 1", r, variance)
		}
	}

	// Repeated indices gather the same table row.
	for d := range dim {
		if out[0*dim+d] != out[2*dim+d] {
			t.Errorf("Rows for repeated index differ at dim %d", d)
			return
		}
	}
}

// TestStableEmbeddingPaddingRow verifies the padding row starts zero, maps
// to a zero output, and never receives gradient.
func TestStableEmbeddingPaddingRow(t *testing.T) {
	const vocab, dim, pad = 20, 16, 4
	e := NewStableEmbedding(vocab, dim, pad, rand.New(rand.NewSource(2)))

	for d := range dim {
		if e.Weight[pad*dim+d] != 0 {
			t.Fatalf("Padding row nonzero at dim %d: %g", d, e.Weight[pad*dim+d])
		}
	}

	out, err := e.Forward([]int{pad, 7})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	for d := range dim {
		if out[d] != 0 {
			t.Errorf("Padding output nonzero at dim %d: %g", d, out[d])
			return
		}
	}

	rng := testRNGEmbedding()
	g := randomNormal(rng, 2*dim)
	if err := e.Backward(g); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	for d := range dim {
		if e.GradWeight[pad*dim+d] != 0 {
			t.Errorf("Padding row gradient nonzero at dim %d: %g", d, e.GradWeight[pad*dim+d])
			return
		}
	}
	var sum float32
	for d := range dim {
		sum += math32.Abs(e.GradWeight[7*dim+d])
	}
	if sum == 0 {
		t.Error("Gathered row received no gradient")
	}
	// Gamma and beta see every position, padding included.
	if e.GradBeta[0] != g[0]+g[dim] {
		t.Errorf("GradBeta[0] = %g, want %g", e.GradBeta[0], g[0]+g[dim])
	}
}

// TestStableEmbeddingGradCheck verifies the analytic backward against
// central finite differences of a linear functional of the output.
func TestStableEmbeddingGradCheck(t *testing.T) {
	const vocab, dim = 7, 6
	indices := []int{1, 3, 5, 1}

	rng := testRNGEmbedding()
	c := randomNormal(rng, len(indices)*dim)

	e := NewStableEmbedding(vocab, dim, -1, rand.New(rand.NewSource(4)))

	loss := func() float64 {
		out, err := e.Forward(indices)
		if err != nil {
			t.Fatalf("Forward failed: %v", err)
		}
		var sum float64
		for i, v := range out {
			sum += float64(v) * float64(c[i])
		}
		return sum
	}

	if _, err := e.Forward(indices); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := e.Backward(c); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const h = 1e-3
	check := func(name string, params, grads []float32) {
		for i := range params {
			orig := params[i]
			params[i] = orig + h
			up := loss()
			params[i] = orig - h
			down := loss()
			params[i] = orig

			numeric := float32((up - down) / (2 * h))
			analytic := grads[i]
			tol := 1e-3 + 1e-2*math32.Abs(analytic)
			if math32.Abs(numeric-analytic) > tol {
				t.Errorf("%s[%d]: analytic=%g numeric=%g", name, i, analytic, numeric)
				return
			}
		}
	}

	check("GradWeight", e.Weight, e.GradWeight)
	check("GradGamma", e.Gamma, e.GradGamma)
	check("GradBeta", e.Beta, e.GradBeta)
}

// TestStableEmbeddingAccumulateAndZero verifies gradients add across
// Backward calls and ZeroGrad clears them.
func TestStableEmbeddingAccumulateAndZero(t *testing.T) {
	const vocab, dim = 10, 8
	e := NewStableEmbedding(vocab, dim, -1, rand.New(rand.NewSource(6)))
	indices := []int{2, 5}

	if _, err := e.Forward(indices); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	rng := testRNGEmbedding()
	g := randomNormal(rng, len(indices)*dim)
	if err := e.Backward(g); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	onceW := slices.Clone(e.GradWeight)
	onceGamma := slices.Clone(e.GradGamma)

	if err := e.Backward(g); err != nil {
		t.Fatalf("Second backward failed: %v", err)
	}
	for i := range onceW {
		if e.GradWeight[i] != 2*onceW[i] {
			t.Errorf("GradWeight[%d] = %g, want %g", i, e.GradWeight[i], 2*onceW[i])
			return
		}
	}
	for d := range onceGamma {
		if e.GradGamma[d] != 2*onceGamma[d] {
			t.Errorf("GradGamma[%d] = %g, want %g", d, e.GradGamma[d], 2*onceGamma[d])
			return
		}
	}

	e.ZeroGrad()
	for i, v := range e.GradWeight {
		if v != 0 {
			t.Errorf("GradWeight[%d] = %g after ZeroGrad", i, v)
			return
		}
	}
	for d := range dim {
		if e.GradGamma[d] != 0 || e.GradBeta[d] != 0 {
			t.Error("Norm gradients nonzero after ZeroGrad")
			return
		}
	}
}

// TestStableEmbeddingErrors exercises index validation and call ordering.
func TestStableEmbeddingErrors(t *testing.T) {
	e := NewStableEmbedding(5, 4, -1, rand.New(rand.NewSource(1)))

	if _, err := e.Forward([]int{0, 5}); err == nil {
		t.Error("Expected error for index equal to table size")
	}
	if _, err := e.Forward([]int{-1}); err == nil {
		t.Error("Expected error for negative index")
	}
	if err := e.Backward(make([]float32, 4)); err == nil {
		t.Error("Expected error for Backward before Forward")
	}
	if _, err := e.Forward([]int{1, 2}); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if err := e.Backward(make([]float32, 7)); err == nil {
		t.Error("Expected error for mis-sized gradient")
	}
}
