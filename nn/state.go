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
	"fmt"
	"sync"

	"github.com/ajroetker/go-bitgrad/quant"
)

// MatmulState caches a weight's int8 codes and scales across forward
// calls, so a weight that has not changed is quantized once rather
// than per call. Whoever mutates the weight must call Invalidate
// before the next use.
type MatmulState struct {
	mu     sync.Mutex
	scheme quant.Scheme
	codes  []int8
	scales []float32
	valid  bool
}

// Invalidate marks the cached codes stale. The next materialize call
// requantizes the weight.
func (s *MatmulState) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// Valid reports whether the cache holds codes for the last weight
// version it saw.
func (s *MatmulState) Valid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// materialize returns the weight's int8 codes and scales, requantizing
// when the cache is stale, sized for another weight, or built for
// another scheme. The weight is a row-major [rows, cols] matrix scaled
// per row (one shared scale for the linear scheme). Callers must not
// modify the returned slices.
func (s *MatmulState) materialize(w []float32, rows, cols int, scheme quant.Scheme) ([]int8, []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.valid && s.scheme == scheme && len(s.codes) == rows*cols {
		return s.codes, s.scales
	}
	if len(s.codes) != rows*cols {
		s.codes = make([]int8, rows*cols)
	}
	if scheme == quant.SchemeLinear {
		s.scales = []float32{quant.QuantizeLinear(w, s.codes, rows*cols)}
	} else {
		s.scales = quant.QuantizeVector(w, s.codes, rows, cols, quant.PerRow)
	}
	s.scheme = scheme
	s.valid = true
	return s.codes, s.scales
}

// QuantizedWeight is the explicit storage form of an int8 weight: the
// float32 data plus its materialized codes and per-row scales. Unless
// KeepRaw is set, Materialize releases the float32 copy, leaving the
// int8 form as the only storage.
type QuantizedWeight struct {
	Rows, Cols int
	Raw        []float32
	Codes      []int8
	Scales     []float32
	KeepRaw    bool
}

// NewQuantizedWeight wraps a row-major [rows, cols] weight copy.
func NewQuantizedWeight(raw []float32, rows, cols int, keepRaw bool) (*QuantizedWeight, error) {
	if len(raw) != rows*cols {
		return nil, fmt.Errorf("nn: weight has length %d, want %d", len(raw), rows*cols)
	}
	data := make([]float32, len(raw))
	copy(data, raw)
	return &QuantizedWeight{Rows: rows, Cols: cols, Raw: data, KeepRaw: keepRaw}, nil
}

// Materialized reports whether the int8 form exists.
func (qw *QuantizedWeight) Materialized() bool { return qw.Codes != nil }

// Materialize quantizes Raw into Codes and Scales. A materialized
// weight is left as is. Without KeepRaw the float32 data is released,
// after which Invalidate makes the weight unusable.
func (qw *QuantizedWeight) Materialize() error {
	if qw.Materialized() {
		return nil
	}
	if qw.Raw == nil {
		return fmt.Errorf("nn: raw weight data was released, cannot materialize")
	}
	codes := make([]int8, qw.Rows*qw.Cols)
	qw.Scales = quant.QuantizeVector(qw.Raw, codes, qw.Rows, qw.Cols, quant.PerRow)
	qw.Codes = codes
	if !qw.KeepRaw {
		qw.Raw = nil
	}
	return nil
}

// Invalidate drops the int8 form so the next Materialize requantizes
// Raw.
func (qw *QuantizedWeight) Invalidate() {
	qw.Codes = nil
	qw.Scales = nil
}

// Dequantize reconstructs the float32 weight from the int8 form.
func (qw *QuantizedWeight) Dequantize() ([]float32, error) {
	if !qw.Materialized() {
		return nil, fmt.Errorf("nn: weight not materialized")
	}
	out := make([]float32, qw.Rows*qw.Cols)
	if err := quant.DequantizeVectorValues(qw.Codes, out, qw.Rows, qw.Cols, quant.PerRow, qw.Scales); err != nil {
		return nil, err
	}
	return out, nil
}
