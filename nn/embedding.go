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
	"math/rand"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/chewxy/math32"
)

const layerNormEps = 1e-5

// StableEmbedding is an embedding table whose gathered rows pass through
// LayerNorm with learned gamma and beta. The normalization bounds the
// activation scale of rare rows, which keeps int8 training with an
// embedding front end stable. Pair the table with 32-bit optimizer state;
// 8-bit optimizer state on embeddings is what the normalization guards
// against, not a supported combination.
type StableEmbedding struct {
	NumEmbeddings int
	Dim           int
	// PaddingIndex is the row pinned to zero, -1 for none. The row is
	// zeroed at construction and its gradient is discarded.
	PaddingIndex int

	Weight []float32 // [NumEmbeddings, Dim]
	Gamma  []float32 // [Dim]
	Beta   []float32 // [Dim]

	// GradWeight, GradGamma and GradBeta accumulate across Backward
	// calls until ZeroGrad.
	GradWeight []float32
	GradGamma  []float32
	GradBeta   []float32

	savedIndices []int
	savedXhat    []float32
	savedInvStd  []float32
	savedRows    int
}

// NewStableEmbedding builds a [numEmbeddings, dim] xavier-uniform table
// with identity LayerNorm parameters. paddingIndex -1 disables padding
// handling. A nil rng falls back to a fixed seed.
func NewStableEmbedding(numEmbeddings, dim, paddingIndex int, rng *rand.Rand) *StableEmbedding {
	if numEmbeddings <= 0 || dim <= 0 {
		panic("nn: StableEmbedding dimensions must be positive")
	}
	if paddingIndex >= numEmbeddings {
		panic("nn: StableEmbedding padding index out of range")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	e := &StableEmbedding{
		NumEmbeddings: numEmbeddings,
		Dim:           dim,
		PaddingIndex:  paddingIndex,
		Weight:        make([]float32, numEmbeddings*dim),
		Gamma:         make([]float32, dim),
		Beta:          make([]float32, dim),
		GradWeight:    make([]float32, numEmbeddings*dim),
		GradGamma:     make([]float32, dim),
		GradBeta:      make([]float32, dim),
		savedRows:     -1,
	}
	limit := math32.Sqrt(6.0 / float32(numEmbeddings+dim))
	for i := range e.Weight {
		e.Weight[i] = (rng.Float32()*2 - 1) * limit
	}
	for d := range e.Gamma {
		e.Gamma[d] = 1.0
	}
	if paddingIndex >= 0 {
		clear(e.Weight[paddingIndex*dim : (paddingIndex+1)*dim])
	}
	return e
}

// Forward gathers the rows for indices and normalizes each one,
// returning a row-major [len(indices), Dim] output. The normalized
// activations are saved for Backward.
func (e *StableEmbedding) Forward(indices []int) ([]float32, error) {
	for i, idx := range indices {
		if idx < 0 || idx >= e.NumEmbeddings {
			return nil, fmt.Errorf("nn: embedding index %d at position %d out of range [0, %d)",
				idx, i, e.NumEmbeddings)
		}
	}
	rows := len(indices)
	dim := e.Dim
	out := make([]float32, rows*dim)
	e.savedIndices = append(e.savedIndices[:0], indices...)
	e.savedXhat = make([]float32, rows*dim)
	e.savedInvStd = make([]float32, rows)
	e.savedRows = rows

	lanes := hwy.NumLanes[float32]()
	for r, idx := range indices {
		row := e.Weight[idx*dim : (idx+1)*dim]
		xhat := e.savedXhat[r*dim : (r+1)*dim]
		outRow := out[r*dim : (r+1)*dim]

		mean := vecSum(row) / float32(dim)

		// Center the row into xhat, accumulating the sum of squares for
		// the biased variance.
		meanVec := hwy.Set(mean)
		acc := hwy.Zero[float32]()
		i := 0
		for ; i+lanes <= dim; i += lanes {
			v := hwy.Sub(hwy.Load(row[i:]), meanVec)
			hwy.Store(v, xhat[i:])
			acc = hwy.MulAdd(v, v, acc)
		}
		sq := hwy.ReduceSum(acc)
		for ; i < dim; i++ {
			v := row[i] - mean
			xhat[i] = v
			sq += v * v
		}
		invStd := 1.0 / math32.Sqrt(sq/float32(dim)+layerNormEps)
		e.savedInvStd[r] = invStd

		invVec := hwy.Set(invStd)
		i = 0
		for ; i+lanes <= dim; i += lanes {
			n := hwy.Mul(hwy.Load(xhat[i:]), invVec)
			hwy.Store(n, xhat[i:])
			y := hwy.MulAdd(n, hwy.Load(e.Gamma[i:]), hwy.Load(e.Beta[i:]))
			hwy.Store(y, outRow[i:])
		}
		for ; i < dim; i++ {
			n := xhat[i] * invStd
			xhat[i] = n
			outRow[i] = n*e.Gamma[i] + e.Beta[i]
		}
	}
	return out, nil
}

// Backward scatters the LayerNorm input gradients into the GradWeight
// rows the last Forward gathered and accumulates GradGamma and GradBeta.
// gradOutput matches the last Forward's [len(indices), Dim] output.
func (e *StableEmbedding) Backward(gradOutput []float32) error {
	if e.savedRows < 0 {
		return fmt.Errorf("nn: Backward called before Forward")
	}
	rows := e.savedRows
	dim := e.Dim
	if len(gradOutput) != rows*dim {
		return fmt.Errorf("nn: gradient has length %d, want %d", len(gradOutput), rows*dim)
	}

	lanes := hwy.NumLanes[float32]()
	dyh := make([]float32, dim)
	for r, idx := range e.savedIndices {
		g := gradOutput[r*dim : (r+1)*dim]
		xhat := e.savedXhat[r*dim : (r+1)*dim]

		// Parameter gradients accumulate for every position, padding
		// included; the norm sees padding rows like any other.
		i := 0
		for ; i+lanes <= dim; i += lanes {
			gv := hwy.Load(g[i:])
			xv := hwy.Load(xhat[i:])
			hwy.Store(hwy.MulAdd(gv, xv, hwy.Load(e.GradGamma[i:])), e.GradGamma[i:])
			hwy.Store(hwy.Add(hwy.Load(e.GradBeta[i:]), gv), e.GradBeta[i:])
			hwy.Store(hwy.Mul(gv, hwy.Load(e.Gamma[i:])), dyh[i:])
		}
		for ; i < dim; i++ {
			e.GradGamma[i] += g[i] * xhat[i]
			e.GradBeta[i] += g[i]
			dyh[i] = g[i] * e.Gamma[i]
		}

		if idx == e.PaddingIndex {
			continue
		}

		// dx = invStd * (dyh - mean(dyh) - xhat*mean(dyh*xhat))
		m1 := vecSum(dyh) / float32(dim)
		m2 := vecDot(dyh, xhat) / float32(dim)
		invStd := e.savedInvStd[r]
		wrow := e.GradWeight[idx*dim : (idx+1)*dim]

		invVec := hwy.Set(invStd)
		m1Vec := hwy.Set(m1)
		m2Vec := hwy.Set(m2)
		i = 0
		for ; i+lanes <= dim; i += lanes {
			t := hwy.Sub(hwy.Sub(hwy.Load(dyh[i:]), m1Vec), hwy.Mul(hwy.Load(xhat[i:]), m2Vec))
			hwy.Store(hwy.MulAdd(t, invVec, hwy.Load(wrow[i:])), wrow[i:])
		}
		for ; i < dim; i++ {
			wrow[i] += invStd * (dyh[i] - m1 - xhat[i]*m2)
		}
	}
	return nil
}

// ZeroGrad clears the accumulated gradients.
func (e *StableEmbedding) ZeroGrad() {
	clear(e.GradWeight)
	clear(e.GradGamma)
	clear(e.GradBeta)
}

// vecSum returns the sum of x.
func vecSum(x []float32) float32 {
	lanes := hwy.NumLanes[float32]()
	acc := hwy.Zero[float32]()
	i := 0
	for ; i+lanes <= len(x); i += lanes {
		acc = hwy.Add(acc, hwy.Load(x[i:]))
	}
	total := hwy.ReduceSum(acc)
	for ; i < len(x); i++ {
		total += x[i]
	}
	return total
}

// vecDot returns the dot product of a and b. Lengths must match.
func vecDot(a, b []float32) float32 {
	lanes := hwy.NumLanes[float32]()
	acc := hwy.Zero[float32]()
	i := 0
	for ; i+lanes <= len(a); i += lanes {
		acc = hwy.MulAdd(hwy.Load(a[i:]), hwy.Load(b[i:]), acc)
	}
	total := hwy.ReduceSum(acc)
	for ; i < len(a); i++ {
		total += a[i] * b[i]
	}
	return total
}
