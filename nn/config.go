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
	"log/slog"

	"github.com/ajroetker/go-bitgrad/quant"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// PrecisionMode selects which passes of a Linear8bit run over int8.
type PrecisionMode int

const (
	// PrecisionOff keeps forward and backward in float32.
	PrecisionOff PrecisionMode = iota
	// PrecisionForwardWgrad quantizes the forward pass and the weight
	// gradient; the input gradient stays float32.
	PrecisionForwardWgrad
	// PrecisionFull quantizes forward, weight gradient, and input
	// gradient.
	PrecisionFull
)

// ParsePrecisionMode maps a mode name to its PrecisionMode.
func ParsePrecisionMode(name string) (PrecisionMode, error) {
	switch name {
	case "off":
		return PrecisionOff, nil
	case "forward+wgrad":
		return PrecisionForwardWgrad, nil
	case "full":
		return PrecisionFull, nil
	}
	return 0, fmt.Errorf("nn: invalid precision mode %q (want %q, %q, or %q)", name, "off", "forward+wgrad", "full")
}

func (m PrecisionMode) String() string {
	switch m {
	case PrecisionOff:
		return "off"
	case PrecisionForwardWgrad:
		return "forward+wgrad"
	case PrecisionFull:
		return "full"
	}
	return fmt.Sprintf("PrecisionMode(%d)", int(m))
}

// quantized reports whether any pass runs over int8.
func (m PrecisionMode) quantized() bool { return m != PrecisionOff }

// Config carries the recognized Linear8bit options.
//
// The zero value is a float32 layer: PrecisionOff, linear scheme, no
// clipping, no sparse decomposition, serial kernels.
type Config struct {
	// Scheme picks the quantization scheme for the int8 passes.
	// SchemeVector scales per token and per weight row; SchemeMinMax
	// additionally shifts the first matmul operand by its per-slice
	// minimum, with the weight staying on symmetric per-slice scales.
	Scheme quant.Scheme

	// Mode selects which passes are quantized.
	Mode PrecisionMode

	// ClipFrequency > 0 clamps the weights to their ClipTopK-th
	// largest magnitude on every ClipFrequency-th forward call.
	ClipFrequency int
	ClipTopK      int

	// SparseDecompThreshold > 0 carves input values with magnitude at
	// or above the threshold out of the int8 path and applies them in
	// float32.
	SparseDecompThreshold float32

	// IsPrimaryReplica gates the clip log line so only one replica of
	// a distributed run reports.
	IsPrimaryReplica bool

	// Logger receives the clip log line. Nil disables logging.
	Logger *slog.Logger

	// Pool runs the matmul kernels sharded when non-nil.
	Pool workerpool.Executor
}
