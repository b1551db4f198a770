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
	"testing"

	"github.com/ajroetker/go-bitgrad/quant"
	"github.com/chewxy/math32"
)

// testRNGState returns a seeded random number generator for reproducible tests.
func testRNGState() *rand.Rand {
	return rand.New(rand.NewSource(31))
}

// TestMatmulStateCaching verifies codes are quantized once and reused until
// invalidated.
func TestMatmulStateCaching(t *testing.T) {
	rng := testRNGState()
	const rows, cols = 8, 16
	w := randomNormal(rng, rows*cols)

	var s MatmulState
	if s.Valid() {
		t.Fatal("Fresh state reports valid")
	}
	codes1, scales1 := s.materialize(w, rows, cols, quant.SchemeVector)
	if !s.Valid() {
		t.Fatal("State not valid after materialize")
	}
	if len(codes1) != rows*cols || len(scales1) != rows {
		t.Fatalf("Materialized shapes: codes=%d scales=%d", len(codes1), len(scales1))
	}

	// Mutating the weight without invalidating must return the stale codes.
	w[0] = 1000
	codes2, scales2 := s.materialize(w, rows, cols, quant.SchemeVector)
	if &codes2[0] != &codes1[0] {
		t.Error("Materialize reallocated despite a valid cache")
	}
	if scales2[0] != scales1[0] {
		t.Errorf("Stale scale changed: got=%g want=%g", scales2[0], scales1[0])
	}

	s.Invalidate()
	if s.Valid() {
		t.Fatal("State valid after Invalidate")
	}
	_, scales3 := s.materialize(w, rows, cols, quant.SchemeVector)
	if scales3[0] != 1000 {
		t.Errorf("Refreshed scale = %g, want 1000", scales3[0])
	}
}

// TestMatmulStateSchemeChange verifies a scheme switch refreshes the cache
// even while it is valid.
func TestMatmulStateSchemeChange(t *testing.T) {
	rng := testRNGState()
	const rows, cols = 4, 8
	w := randomNormal(rng, rows*cols)

	var s MatmulState
	_, vecScales := s.materialize(w, rows, cols, quant.SchemeVector)
	if len(vecScales) != rows {
		t.Fatalf("Vector scales length = %d, want %d", len(vecScales), rows)
	}
	_, linScales := s.materialize(w, rows, cols, quant.SchemeLinear)
	if len(linScales) != 1 {
		t.Fatalf("Linear scales length = %d, want 1", len(linScales))
	}
	// A min-max weight operand keeps symmetric per-row scales.
	_, mmScales := s.materialize(w, rows, cols, quant.SchemeMinMax)
	if len(mmScales) != rows {
		t.Fatalf("Min-max scales length = %d, want %d", len(mmScales), rows)
	}
}

// TestQuantizedWeightMaterialize covers the release-raw lifecycle.
func TestQuantizedWeightMaterialize(t *testing.T) {
	rng := testRNGState()
	const rows, cols = 6, 12
	raw := randomNormal(rng, rows*cols)

	if _, err := NewQuantizedWeight(raw, rows, cols+1, false); err == nil {
		t.Error("Expected error for mis-sized raw data")
	}

	qw, err := NewQuantizedWeight(raw, rows, cols, false)
	if err != nil {
		t.Fatalf("NewQuantizedWeight failed: %v", err)
	}
	if qw.Materialized() {
		t.Fatal("Fresh weight reports materialized")
	}
	if _, err := qw.Dequantize(); err == nil {
		t.Error("Expected error dequantizing before materialize")
	}

	if err := qw.Materialize(); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if !qw.Materialized() {
		t.Fatal("Weight not materialized")
	}
	if qw.Raw != nil {
		t.Error("Raw retained with KeepRaw unset")
	}
	if err := qw.Materialize(); err != nil {
		t.Errorf("Repeated materialize failed: %v", err)
	}

	got, err := qw.Dequantize()
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}
	for r := range rows {
		bound := qw.Scales[r]/127 + 1e-6
		for c := range cols {
			if d := math32.Abs(got[r*cols+c] - raw[r*cols+c]); d > bound {
				t.Errorf("Row %d col %d error %g exceeds %g", r, c, d, bound)
				return
			}
		}
	}

	// With the raw data released, invalidating strands the weight.
	qw.Invalidate()
	if qw.Materialized() {
		t.Fatal("Weight materialized after Invalidate")
	}
	if err := qw.Materialize(); err == nil {
		t.Error("Expected error materializing after raw release")
	}
}

// TestQuantizedWeightKeepRaw verifies KeepRaw allows requantization after an
// update.
func TestQuantizedWeightKeepRaw(t *testing.T) {
	rng := testRNGState()
	const rows, cols = 4, 8
	raw := randomNormal(rng, rows*cols)

	qw, err := NewQuantizedWeight(raw, rows, cols, true)
	if err != nil {
		t.Fatalf("NewQuantizedWeight failed: %v", err)
	}
	if err := qw.Materialize(); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}
	if qw.Raw == nil {
		t.Fatal("Raw released despite KeepRaw")
	}

	qw.Raw[0] = 100
	qw.Invalidate()
	if err := qw.Materialize(); err != nil {
		t.Fatalf("Materialize after invalidate failed: %v", err)
	}
	if qw.Scales[0] != 100 {
		t.Errorf("Requantized scale = %g, want 100", qw.Scales[0])
	}
}

// TestSnapshotWeight verifies the layer's export path hands out a detached,
// materialized copy.
func TestSnapshotWeight(t *testing.T) {
	const in, out = 12, 6
	l := NewLinear8bit(in, out, false, Config{Mode: PrecisionForwardWgrad, Scheme: quant.SchemeVector}, rand.New(rand.NewSource(2)))

	qw, err := l.SnapshotWeight(false)
	if err != nil {
		t.Fatalf("SnapshotWeight failed: %v", err)
	}
	if qw.Rows != out || qw.Cols != in {
		t.Fatalf("Snapshot shape [%d, %d], want [%d, %d]", qw.Rows, qw.Cols, out, in)
	}
	if !qw.Materialized() {
		t.Fatal("Snapshot not materialized")
	}
	if qw.Raw != nil {
		t.Error("Snapshot retained raw data")
	}

	got, err := qw.Dequantize()
	if err != nil {
		t.Fatalf("Dequantize failed: %v", err)
	}
	for i := range got {
		bound := qw.Scales[i/in]/127 + 1e-6
		if d := math32.Abs(got[i] - l.Weight[i]); d > bound {
			t.Errorf("Mismatch at index %d: error %g exceeds %g", i, d, bound)
			return
		}
	}
}
