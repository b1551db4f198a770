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
	"slices"

	"github.com/ajroetker/go-bitgrad/igemm"
	"github.com/ajroetker/go-bitgrad/quant"
	"github.com/ajroetker/go-highway/hwy"
	"github.com/ajroetker/go-highway/hwy/contrib/matmul"
	"github.com/chewxy/math32"
)

// Linear8bit is a fully connected layer whose matrix products run through
// the int8 kernels. The precision mode selects which of the three products
// (forward, weight gradient, input gradient) are quantized; PrecisionOff
// keeps everything in float32 and serves as the accuracy reference.
type Linear8bit struct {
	InFeatures  int
	OutFeatures int

	// Weight is row-major [OutFeatures, InFeatures]. Bias is nil for a
	// layer built without one. Code that mutates Weight directly must
	// invalidate the cached codes via InvalidateWeight.
	Weight []float32
	Bias   []float32

	// GradWeight and GradBias accumulate across Backward calls until
	// ZeroGrad.
	GradWeight []float32
	GradBias   []float32

	cfg   Config
	state MatmulState

	savedX    []float32
	savedRows int
	calls     int
}

// NewLinear8bit builds an out x in layer with xavier-uniform weights and,
// when withBias is set, a zero bias. A nil rng falls back to a fixed seed.
func NewLinear8bit(in, out int, withBias bool, cfg Config, rng *rand.Rand) *Linear8bit {
	if in <= 0 || out <= 0 {
		panic("nn: Linear8bit dimensions must be positive")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	l := &Linear8bit{
		InFeatures:  in,
		OutFeatures: out,
		Weight:      make([]float32, out*in),
		GradWeight:  make([]float32, out*in),
		cfg:         cfg,
		savedRows:   -1,
	}
	limit := math32.Sqrt(6.0 / float32(in+out))
	for i := range l.Weight {
		l.Weight[i] = (rng.Float32()*2 - 1) * limit
	}
	if withBias {
		l.Bias = make([]float32, out)
		l.GradBias = make([]float32, out)
	}
	return l
}

// InvalidateWeight marks the cached int8 codes stale after an external
// weight update (an optimizer step, a manual edit).
func (l *Linear8bit) InvalidateWeight() {
	l.state.Invalidate()
}

// Forward computes out = x Wᵀ + bias for a [batch, seq, InFeatures] input,
// returned as [batch, seq, OutFeatures], both flattened row-major. In the
// quantized modes the product runs through the int8 kernels with the
// configured scheme; weight codes are reused across calls until the cache
// is invalidated. The input is saved for Backward.
func (l *Linear8bit) Forward(x []float32, batch, seq int) ([]float32, error) {
	rows := batch * seq
	if len(x) != rows*l.InFeatures {
		return nil, fmt.Errorf("nn: input has length %d, want %d (batch %d, seq %d, features %d)",
			len(x), rows*l.InFeatures, batch, seq, l.InFeatures)
	}

	l.calls++
	if l.cfg.ClipFrequency > 0 && l.calls%l.cfg.ClipFrequency == 0 {
		l.clipWeights()
	}

	l.savedX = append(l.savedX[:0], x...)
	l.savedRows = rows

	out := make([]float32, rows*l.OutFeatures)
	if rows == 0 {
		return out, nil
	}
	if l.cfg.Mode.quantized() {
		if err := l.forwardQuantized(x, out, rows); err != nil {
			return nil, err
		}
	} else {
		l.forwardFloat(x, out, rows)
	}
	l.addBias(out, rows)
	return out, nil
}

func (l *Linear8bit) forwardFloat(x, out []float32, rows int) {
	wT := make([]float32, l.InFeatures*l.OutFeatures)
	transposeF32(wT, l.Weight, l.OutFeatures, l.InFeatures)
	l.matmulFloat(x, wT, out, rows, l.OutFeatures, l.InFeatures)
}

func (l *Linear8bit) forwardQuantized(x, out []float32, rows int) error {
	in, outF := l.InFeatures, l.OutFeatures

	// Sparse outlier decomposition: elements at or above the threshold
	// are zeroed before quantization and their exact contribution is
	// added back in float32 afterwards.
	var outliers []outlier
	if l.cfg.SparseDecompThreshold > 0 {
		dense := make([]float32, len(x))
		copy(dense, x)
		outliers = carveOutliers(dense, rows, in, l.cfg.SparseDecompThreshold)
		if len(outliers) > 0 {
			x = dense
		}
	}

	w8, wScales := l.state.materialize(l.Weight, outF, in, l.cfg.Scheme)
	wT8 := make([]int8, in*outF)
	igemm.Transpose(wT8, w8, outF, in)

	x8 := make([]int8, rows*in)
	acc := make([]int32, rows*outF)

	switch l.cfg.Scheme {
	case quant.SchemeLinear:
		xScale := quant.QuantizeLinear(x, x8, rows*in)
		if err := l.intMatMul(acc, x8, wT8, rows, in, outF); err != nil {
			return err
		}
		quant.DequantizeLinear(acc, out, rows*outF, xScale, wScales[0])
	case quant.SchemeVector:
		xScales := quant.QuantizeVector(x, x8, rows, in, quant.PerRow)
		if err := l.intMatMul(acc, x8, wT8, rows, in, outF); err != nil {
			return err
		}
		if err := quant.DequantizeVector(acc, out, rows, outF, xScales, wScales); err != nil {
			return err
		}
	case quant.SchemeMinMax:
		xMins, xHalf := quant.QuantizeMinMax(x, x8, rows, in, quant.PerRow)
		if err := l.intMatMul(acc, x8, wT8, rows, in, outF); err != nil {
			return err
		}
		colSums := make([]int32, outF)
		igemm.RowSums(w8, outF, in, colSums)
		if err := quant.DequantizeMinMax(acc, out, rows, outF, xMins, xHalf, wScales, colSums); err != nil {
			return err
		}
	default:
		return &quant.InvalidSchemeError{Name: l.cfg.Scheme.String()}
	}

	l.addOutliers(out, outliers)
	return nil
}

// Backward computes the input gradient for the saved forward input and
// accumulates GradWeight and GradBias. gradOutput is [batch, seq,
// OutFeatures] flattened, matching the last Forward call. In mode
// PrecisionForwardWgrad only the weight gradient is quantized; in
// PrecisionFull the input gradient is as well.
func (l *Linear8bit) Backward(gradOutput []float32) ([]float32, error) {
	if l.savedRows < 0 {
		return nil, fmt.Errorf("nn: Backward called before Forward")
	}
	rows := l.savedRows
	in, outF := l.InFeatures, l.OutFeatures
	if len(gradOutput) != rows*outF {
		return nil, fmt.Errorf("nn: gradient has length %d, want %d", len(gradOutput), rows*outF)
	}

	// The bias enters as a broadcast add over every (batch, seq) row, so
	// its gradient is the column sum over all of them.
	if l.Bias != nil {
		l.accumulateBiasGrad(gradOutput, rows)
	}

	gradInput := make([]float32, rows*in)
	if rows == 0 {
		return gradInput, nil
	}

	gw := make([]float32, outF*in)
	if l.cfg.Mode.quantized() {
		if err := l.weightGradQuantized(gradOutput, gw, rows); err != nil {
			return nil, err
		}
	} else {
		l.weightGradFloat(gradOutput, gw, rows)
	}
	addInto(l.GradWeight, gw)

	if l.cfg.Mode == PrecisionFull {
		if err := l.inputGradQuantized(gradOutput, gradInput, rows); err != nil {
			return nil, err
		}
	} else {
		// g [rows, O] times W [O, I].
		l.matmulFloat(gradOutput, l.Weight, gradInput, rows, in, outF)
	}
	return gradInput, nil
}

func (l *Linear8bit) weightGradFloat(g, gw []float32, rows int) {
	gT := make([]float32, l.OutFeatures*rows)
	transposeF32(gT, g, rows, l.OutFeatures)
	l.matmulFloat(gT, l.savedX, gw, l.OutFeatures, l.InFeatures, rows)
}

// weightGradQuantized computes gw = gᵀ x through the int8 kernels. Both
// operands are quantized per feature column over the flattened batch, the
// direction the transposed product contracts over.
func (l *Linear8bit) weightGradQuantized(g, gw []float32, rows int) error {
	in, outF := l.InFeatures, l.OutFeatures

	g8 := make([]int8, rows*outF)
	x8 := make([]int8, rows*in)
	gT8 := make([]int8, outF*rows)
	acc := make([]int32, outF*in)

	switch l.cfg.Scheme {
	case quant.SchemeLinear:
		gScale := quant.QuantizeLinear(g, g8, rows*outF)
		xScale := quant.QuantizeLinear(l.savedX, x8, rows*in)
		igemm.Transpose(gT8, g8, rows, outF)
		if err := l.intMatMul(acc, gT8, x8, outF, rows, in); err != nil {
			return err
		}
		quant.DequantizeLinear(acc, gw, outF*in, gScale, xScale)
		return nil
	case quant.SchemeVector:
		gScales := quant.QuantizeVector(g, g8, rows, outF, quant.PerCol)
		xScales := quant.QuantizeVector(l.savedX, x8, rows, in, quant.PerCol)
		igemm.Transpose(gT8, g8, rows, outF)
		if err := l.intMatMul(acc, gT8, x8, outF, rows, in); err != nil {
			return err
		}
		return quant.DequantizeVector(acc, gw, outF, in, gScales, xScales)
	case quant.SchemeMinMax:
		gMins, gHalf := quant.QuantizeMinMax(g, g8, rows, outF, quant.PerCol)
		xScales := quant.QuantizeVector(l.savedX, x8, rows, in, quant.PerCol)
		igemm.Transpose(gT8, g8, rows, outF)
		if err := l.intMatMul(acc, gT8, x8, outF, rows, in); err != nil {
			return err
		}
		colSums := make([]int32, in)
		igemm.ColSums(x8, rows, in, colSums)
		return quant.DequantizeMinMax(acc, gw, outF, in, gMins, gHalf, xScales, colSums)
	}
	return &quant.InvalidSchemeError{Name: l.cfg.Scheme.String()}
}

// inputGradQuantized computes gradInput = g W through the int8 kernels:
// g per token, the weight per input column.
func (l *Linear8bit) inputGradQuantized(g, gradInput []float32, rows int) error {
	in, outF := l.InFeatures, l.OutFeatures

	g8 := make([]int8, rows*outF)
	w8 := make([]int8, outF*in)
	acc := make([]int32, rows*in)

	switch l.cfg.Scheme {
	case quant.SchemeLinear:
		gScale := quant.QuantizeLinear(g, g8, rows*outF)
		wScale := quant.QuantizeLinear(l.Weight, w8, outF*in)
		if err := l.intMatMul(acc, g8, w8, rows, outF, in); err != nil {
			return err
		}
		quant.DequantizeLinear(acc, gradInput, rows*in, gScale, wScale)
		return nil
	case quant.SchemeVector:
		gScales := quant.QuantizeVector(g, g8, rows, outF, quant.PerRow)
		wScales := quant.QuantizeVector(l.Weight, w8, outF, in, quant.PerCol)
		if err := l.intMatMul(acc, g8, w8, rows, outF, in); err != nil {
			return err
		}
		return quant.DequantizeVector(acc, gradInput, rows, in, gScales, wScales)
	case quant.SchemeMinMax:
		gMins, gHalf := quant.QuantizeMinMax(g, g8, rows, outF, quant.PerRow)
		wScales := quant.QuantizeVector(l.Weight, w8, outF, in, quant.PerCol)
		if err := l.intMatMul(acc, g8, w8, rows, outF, in); err != nil {
			return err
		}
		colSums := make([]int32, in)
		igemm.ColSums(w8, outF, in, colSums)
		return quant.DequantizeMinMax(acc, gradInput, rows, in, gMins, gHalf, wScales, colSums)
	}
	return &quant.InvalidSchemeError{Name: l.cfg.Scheme.String()}
}

// ZeroGrad clears the accumulated gradients.
func (l *Linear8bit) ZeroGrad() {
	clear(l.GradWeight)
	clear(l.GradBias)
}

// SnapshotWeight captures the current weights as a materialized
// QuantizedWeight for storage or inference elsewhere.
func (l *Linear8bit) SnapshotWeight(keepRaw bool) (*QuantizedWeight, error) {
	qw, err := NewQuantizedWeight(l.Weight, l.OutFeatures, l.InFeatures, keepRaw)
	if err != nil {
		return nil, err
	}
	if err := qw.Materialize(); err != nil {
		return nil, err
	}
	return qw, nil
}

// clipWeights clamps every weight to plus or minus the ClipTopK-th largest
// magnitude and invalidates the cached codes.
func (l *Linear8bit) clipWeights() {
	k := l.cfg.ClipTopK
	if k < 1 {
		k = 1
	}
	if k > len(l.Weight) {
		k = len(l.Weight)
	}
	mags := make([]float32, len(l.Weight))
	for i, w := range l.Weight {
		mags[i] = math32.Abs(w)
	}
	slices.Sort(mags)
	clip := mags[len(mags)-k]

	lanes := hwy.NumLanes[float32]()
	lo := hwy.Set(-clip)
	hi := hwy.Set(clip)
	i := 0
	for ; i+lanes <= len(l.Weight); i += lanes {
		hwy.Store(hwy.Clamp(hwy.Load(l.Weight[i:]), lo, hi), l.Weight[i:])
	}
	for ; i < len(l.Weight); i++ {
		if l.Weight[i] > clip {
			l.Weight[i] = clip
		} else if l.Weight[i] < -clip {
			l.Weight[i] = -clip
		}
	}
	l.state.Invalidate()
	if l.cfg.IsPrimaryReplica && l.cfg.Logger != nil {
		l.cfg.Logger.Info("weight clip", "call", l.calls, "value", clip)
	}
}

// outlier is one input element lifted out of the int8 path.
type outlier struct {
	row, col int
	val      float32
}

// carveOutliers zeroes every element with |x| >= threshold in place and
// returns the removed entries.
func carveOutliers(x []float32, rows, cols int, threshold float32) []outlier {
	var outs []outlier
	for r := range rows {
		base := r * cols
		for c := range cols {
			if math32.Abs(x[base+c]) >= threshold {
				outs = append(outs, outlier{row: r, col: c, val: x[base+c]})
				x[base+c] = 0
			}
		}
	}
	return outs
}

// addOutliers adds the exact float32 contribution of the carved elements:
// out[r, :] += val * Weight[:, c].
func (l *Linear8bit) addOutliers(out []float32, outs []outlier) {
	for _, o := range outs {
		dst := out[o.row*l.OutFeatures : (o.row+1)*l.OutFeatures]
		for j := range l.OutFeatures {
			dst[j] += o.val * l.Weight[j*l.InFeatures+o.col]
		}
	}
}

func (l *Linear8bit) addBias(out []float32, rows int) {
	if l.Bias == nil {
		return
	}
	cols := l.OutFeatures
	lanes := hwy.NumLanes[float32]()
	for r := range rows {
		row := out[r*cols : (r+1)*cols]
		var c int
		for c = 0; c+lanes <= cols; c += lanes {
			hwy.Store(hwy.Add(hwy.Load(row[c:]), hwy.Load(l.Bias[c:])), row[c:])
		}
		for ; c < cols; c++ {
			row[c] += l.Bias[c]
		}
	}
}

func (l *Linear8bit) accumulateBiasGrad(g []float32, rows int) {
	cols := l.OutFeatures
	lanes := hwy.NumLanes[float32]()
	for r := range rows {
		row := g[r*cols : (r+1)*cols]
		var c int
		for c = 0; c+lanes <= cols; c += lanes {
			hwy.Store(hwy.Add(hwy.Load(l.GradBias[c:]), hwy.Load(row[c:])), l.GradBias[c:])
		}
		for ; c < cols; c++ {
			l.GradBias[c] += row[c]
		}
	}
}

func (l *Linear8bit) intMatMul(acc []int32, a, b []int8, m, k, n int) error {
	if l.cfg.Pool != nil {
		return igemm.ParallelMatMul(l.cfg.Pool, acc, a, b, m, k, n)
	}
	return igemm.MatMul(acc, a, b, m, k, n)
}

func (l *Linear8bit) matmulFloat(a, b, c []float32, m, n, k int) {
	if l.cfg.Pool != nil {
		matmul.MatMulAuto(l.cfg.Pool, a, b, c, m, n, k)
		return
	}
	matmul.BaseMatMul(a, b, c, m, n, k)
}

// transposeF32 writes the [cols, rows] transpose of the row-major
// [rows, cols] matrix src into dst.
func transposeF32(dst, src []float32, rows, cols int) {
	for r := range rows {
		base := r * cols
		for c := range cols {
			dst[c*rows+r] = src[base+c]
		}
	}
}

// addInto accumulates src into dst elementwise.
func addInto(dst, src []float32) {
	lanes := hwy.NumLanes[float32]()
	i := 0
	for ; i+lanes <= len(dst); i += lanes {
		hwy.Store(hwy.Add(hwy.Load(dst[i:]), hwy.Load(src[i:])), dst[i:])
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i]
	}
}
