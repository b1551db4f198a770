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
	"sort"

	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"github.com/chewxy/math32"
)

// DefaultBlockSize is the block length the storage codec uses unless a
// caller picks another. Smaller blocks localize outliers at the cost of
// one absmax per block.
const DefaultBlockSize = 256

// Blocks holds a blockwise-quantized tensor: one absmax per contiguous
// block plus one codebook index per element. The final block may be
// shorter than BlockSize.
type Blocks struct {
	Absmax    []float32
	Codes     []uint8
	BlockSize int
}

// Len returns the number of quantized elements.
func (b Blocks) Len() int { return len(b.Codes) }

// NumBlocks returns the number of blocks.
func (b Blocks) NumBlocks() int { return len(b.Absmax) }

func checkBlockArgs(cb *Codebook, blockSize int) error {
	if cb == nil {
		return fmt.Errorf("blockwise: nil codebook")
	}
	if blockSize <= 0 {
		return fmt.Errorf("blockwise: block size %d must be positive", blockSize)
	}
	return nil
}

// Quantize splits w into contiguous blocks, normalizes each block by
// its absolute maximum, and maps every normalized value to the nearest
// codebook entry.
func Quantize(w []float32, cb *Codebook, blockSize int) (Blocks, error) {
	if err := checkBlockArgs(cb, blockSize); err != nil {
		return Blocks{}, err
	}
	b := newBlocks(len(w), blockSize)
	for blk := range b.NumBlocks() {
		quantizeBlock(b, blk, w, cb)
	}
	return b, nil
}

// QuantizeStochastic is Quantize with stochastic rounding: each
// normalized value maps to one of its two bracketing codebook entries,
// the upper with probability equal to its relative position between
// them. Repeated over many optimizer steps this keeps the expected
// stored weight equal to the real one.
func QuantizeStochastic(w []float32, cb *Codebook, blockSize int, rng *rand.Rand) (Blocks, error) {
	if err := checkBlockArgs(cb, blockSize); err != nil {
		return Blocks{}, err
	}
	b := newBlocks(len(w), blockSize)
	for blk := range b.NumBlocks() {
		start, end := blockBounds(b, blk)
		am := blockScale(w[start:end])
		b.Absmax[blk] = am
		inv := 1 / am
		for i := start; i < end; i++ {
			b.Codes[i] = cb.LookupStochastic(w[i]*inv, rng)
		}
	}
	return b, nil
}

// ParallelQuantize is Quantize sharded over pool. Blocks are
// independent, so the output is identical to the serial form.
func ParallelQuantize(pool workerpool.Executor, w []float32, cb *Codebook, blockSize int) (Blocks, error) {
	if err := checkBlockArgs(cb, blockSize); err != nil {
		return Blocks{}, err
	}
	b := newBlocks(len(w), blockSize)
	pool.ParallelFor(b.NumBlocks(), func(blkStart, blkEnd int) {
		for blk := blkStart; blk < blkEnd; blk++ {
			quantizeBlock(b, blk, w, cb)
		}
	})
	return b, nil
}

// Dequantize reconstructs the quantized elements into out:
// out[i] = codebook[codes[i]] * absmax[block of i].
func Dequantize(b Blocks, cb *Codebook, out []float32) error {
	if cb == nil {
		return fmt.Errorf("blockwise: nil codebook")
	}
	if len(out) < b.Len() {
		return fmt.Errorf("blockwise: output has length %d, want %d", len(out), b.Len())
	}
	for blk := range b.NumBlocks() {
		start, end := blockBounds(b, blk)
		am := b.Absmax[blk]
		for i := start; i < end; i++ {
			out[i] = cb.Value(b.Codes[i]) * am
		}
	}
	return nil
}

// RoundTrip quantizes and reconstructs w in place, simulating a weight
// held in 8-bit storage between optimizer steps.
func RoundTrip(w []float32, cb *Codebook, blockSize int) error {
	b, err := Quantize(w, cb, blockSize)
	if err != nil {
		return err
	}
	return Dequantize(b, cb, w)
}

// RoundTripStochastic is RoundTrip with stochastic code selection.
func RoundTripStochastic(w []float32, cb *Codebook, blockSize int, rng *rand.Rand) error {
	b, err := QuantizeStochastic(w, cb, blockSize, rng)
	if err != nil {
		return err
	}
	return Dequantize(b, cb, w)
}

// Outliers records the per-block top magnitude values QuantizeWithMax
// preserved: Mask marks their positions, Values holds them in index
// order.
type Outliers struct {
	Mask   []bool
	Values []float32
}

// QuantizeWithMax preserves the topK largest-magnitude values of each
// block exactly and blockwise-quantizes the rest. Zeroing the outliers
// before quantization shrinks the block absmax, so the remaining values
// keep more of the code range. w is not modified.
func QuantizeWithMax(w []float32, cb *Codebook, blockSize, topK int) (Blocks, Outliers, error) {
	if err := checkBlockArgs(cb, blockSize); err != nil {
		return Blocks{}, Outliers{}, err
	}
	if topK < 0 {
		return Blocks{}, Outliers{}, fmt.Errorf("blockwise: top-k %d must not be negative", topK)
	}

	o := Outliers{Mask: make([]bool, len(w))}
	masked := make([]float32, len(w))
	copy(masked, w)

	b := newBlocks(len(w), blockSize)
	idx := make([]int, 0, blockSize)
	for blk := range b.NumBlocks() {
		start, end := blockBounds(b, blk)
		block := masked[start:end]

		k := topK
		if k > len(block) {
			k = len(block)
		}
		idx = idx[:0]
		for i := range block {
			idx = append(idx, i)
		}
		sort.Slice(idx, func(a, c int) bool {
			return math32.Abs(block[idx[a]]) > math32.Abs(block[idx[c]])
		})
		for _, i := range idx[:k] {
			o.Mask[start+i] = true
			block[i] = 0
		}
		quantizeBlock(b, blk, masked, cb)
	}

	for i, m := range o.Mask {
		if m {
			o.Values = append(o.Values, w[i])
		}
	}
	return b, o, nil
}

// DequantizeWithMax reconstructs a QuantizeWithMax result, writing the
// preserved outlier values back over their quantized placeholders.
func DequantizeWithMax(b Blocks, o Outliers, cb *Codebook, out []float32) error {
	if err := Dequantize(b, cb, out); err != nil {
		return err
	}
	if len(o.Mask) < b.Len() {
		return fmt.Errorf("blockwise: outlier mask has length %d, want %d", len(o.Mask), b.Len())
	}
	vi := 0
	for i, m := range o.Mask {
		if !m {
			continue
		}
		if vi >= len(o.Values) {
			return fmt.Errorf("blockwise: outlier mask marks more positions than stored values (%d)", len(o.Values))
		}
		out[i] = o.Values[vi]
		vi++
	}
	return nil
}

func newBlocks(n, blockSize int) Blocks {
	numBlocks := (n + blockSize - 1) / blockSize
	return Blocks{
		Absmax:    make([]float32, numBlocks),
		Codes:     make([]uint8, n),
		BlockSize: blockSize,
	}
}

func blockBounds(b Blocks, blk int) (start, end int) {
	start = blk * b.BlockSize
	end = start + b.BlockSize
	if end > len(b.Codes) {
		end = len(b.Codes)
	}
	return start, end
}

func quantizeBlock(b Blocks, blk int, w []float32, cb *Codebook) {
	start, end := blockBounds(b, blk)
	am := blockScale(w[start:end])
	b.Absmax[blk] = am
	inv := 1 / am
	for i := start; i < end; i++ {
		b.Codes[i] = cb.Lookup(w[i] * inv)
	}
}

// blockScale returns max|block|, substituting 1.0 for an all-zero
// block so normalization never divides by zero.
func blockScale(block []float32) float32 {
	lanes := hwy.NumLanes[float32]()
	buf := make([]float32, lanes)
	amax := float32(0)
	i := 0
	if len(block) >= lanes {
		acc := hwy.Zero[float32]()
		for ; i+lanes <= len(block); i += lanes {
			acc = hwy.Max(acc, hwy.Abs(hwy.Load(block[i:])))
		}
		hwy.Store(acc, buf)
		for j := range lanes {
			if buf[j] > amax {
				amax = buf[j]
			}
		}
	}
	for ; i < len(block); i++ {
		av := block[i]
		if av < 0 {
			av = -av
		}
		if av > amax {
			amax = av
		}
	}
	if amax == 0 {
		return 1
	}
	return amax
}
