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

package blockwise

import (
	"fmt"
	"math/rand"
	"slices"
	"sort"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/stat"
)

// DefaultQuantileOffset keeps the outermost estimated quantiles off the
// exact sample extremes: the first and last of 256 quantile positions
// sit half a bucket inside [0, 1].
const DefaultQuantileOffset = 1.0 / 512

// codebookSize is the number of representative values an 8-bit code can
// address.
const codebookSize = 256

// Codebook maps 8-bit codes to representative float32 values in
// [-1, 1]. Values are sorted ascending, so nearest-value lookup is a
// binary search over the midpoints between adjacent entries, O(log 256)
// per element.
type Codebook struct {
	values    []float32
	midpoints []float32
}

// NewCodebook builds a codebook from values, which must be
// non-decreasing and hold between 2 and 256 entries.
func NewCodebook(values []float32) (*Codebook, error) {
	if len(values) < 2 || len(values) > codebookSize {
		return nil, fmt.Errorf("blockwise: codebook needs 2 to %d values, got %d", codebookSize, len(values))
	}
	for i := 1; i < len(values); i++ {
		if values[i] < values[i-1] {
			return nil, fmt.Errorf("blockwise: codebook values decrease at index %d", i)
		}
	}
	cb := &Codebook{
		values:    slices.Clone(values),
		midpoints: make([]float32, len(values)-1),
	}
	for i := range cb.midpoints {
		cb.midpoints[i] = (cb.values[i] + cb.values[i+1]) / 2
	}
	return cb, nil
}

// Len returns the number of entries.
func (cb *Codebook) Len() int { return len(cb.values) }

// Value returns the representative value for code.
func (cb *Codebook) Value(code uint8) float32 { return cb.values[code] }

// Values returns a copy of the codebook entries.
func (cb *Codebook) Values() []float32 { return slices.Clone(cb.values) }

// Lookup returns the code whose value is nearest to x. An x exactly
// between two entries maps to the lower one.
func (cb *Codebook) Lookup(x float32) uint8 {
	idx := sort.Search(len(cb.midpoints), func(i int) bool {
		return cb.midpoints[i] >= x
	})
	return uint8(idx)
}

// LookupStochastic returns one of the two codes bracketing x, the upper
// with probability proportional to x's position between them. Values
// outside the codebook range clamp to the end entries.
func (cb *Codebook) LookupStochastic(x float32, rng *rand.Rand) uint8 {
	i := sort.Search(len(cb.values), func(i int) bool {
		return cb.values[i] >= x
	})
	if i == 0 {
		return 0
	}
	if i == len(cb.values) {
		return uint8(len(cb.values) - 1)
	}
	lo, hi := cb.values[i-1], cb.values[i]
	if rng.Float32() < (x-lo)/(hi-lo) {
		return uint8(i)
	}
	return uint8(i - 1)
}

// NewDynamicCodebook builds the precomputed dynamic quantization map:
// a sign bit, exponentBits of shared decade exponent, and the remaining
// bits as a linear fraction in [0.1, 1) of that decade. Small decades
// get few fraction levels and large decades get many, so resolution is
// densest near zero where weights concentrate.
//
// For exponentBits = 7 the map has exactly 256 entries with zero at
// index 127, so codes 0..127 are non-positive and 128..255 positive.
func NewDynamicCodebook(exponentBits int) (*Codebook, error) {
	if exponentBits < 1 || exponentBits > 7 {
		return nil, fmt.Errorf("blockwise: exponent bits %d out of range [1, 7]", exponentBits)
	}
	n := exponentBits
	values := make([]float32, 0, codebookSize)
	for i := range n {
		fractionItems := 1<<i + 1
		step := float32(0.9) / float32(fractionItems-1)
		decade := math32.Pow(10, float32(i-(n-1)))
		for j := range fractionItems - 1 {
			mean := 0.1 + float32(j)*step + step/2
			values = append(values, decade*mean, -decade*mean)
		}
	}
	values = append(values, 0, 1)
	slices.Sort(values)
	return NewCodebook(values)
}

// EstimateQuantiles returns 256 empirical quantiles of data at evenly
// spaced positions in [offset, 1-offset]. Used to build data-adapted
// codebooks for weight distributions the dynamic map fits poorly.
func EstimateQuantiles(data []float32, offset float64) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("blockwise: cannot estimate quantiles of empty data")
	}
	if offset < 0 || offset >= 0.5 {
		return nil, fmt.Errorf("blockwise: quantile offset %v out of range [0, 0.5)", offset)
	}
	sorted := make([]float64, len(data))
	for i, v := range data {
		sorted[i] = float64(v)
	}
	slices.Sort(sorted)

	out := make([]float32, codebookSize)
	for i := range out {
		p := offset + (1-2*offset)*float64(i)/float64(codebookSize-1)
		out[i] = float32(stat.Quantile(p, stat.LinInterp, sorted, nil))
	}
	return out, nil
}

// NewQuantileCodebook estimates data's quantiles and normalizes them so
// the largest magnitude is 1, matching the absmax-normalized values the
// blockwise quantizer produces.
func NewQuantileCodebook(data []float32, offset float64) (*Codebook, error) {
	q, err := EstimateQuantiles(data, offset)
	if err != nil {
		return nil, err
	}
	var maxAbs float32
	for _, v := range q {
		if a := math32.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs == 0 {
		maxAbs = 1
	}
	for i := range q {
		q[i] /= maxAbs
	}
	return NewCodebook(q)
}
