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

// Package igemm multiplies int8 matrices with int32 accumulation.
//
// The package wraps the asymmetric uint8 matmul kernel from
// go-highway for use with signed quantized codes: each int8 operand is
// rebiased to uint8 by adding 128, and the kernel's zero-point
// subtraction removes the bias again, so the accumulated products are
// exactly the signed products.
//
// # Core Functions
//
//   - MatMul: C[M,N] = A[M,K] * B[K,N] over int8 operands
//   - ParallelMatMul: the same, sharded over a worker pool
//   - Transpose: row-major int8 transpose for operand preparation
//   - RowSums, ColSums: per-row and per-column code sums, needed by
//     asymmetric dequantization
//
// # Accumulator Range
//
// A single product is at most 127*127 in magnitude, so the int32
// accumulator is safe for contraction depths up to MaxContraction.
// Deeper contractions return an OverflowRiskError instead of silently
// wrapping.
//
// # Example Usage
//
//	acc := make([]int32, m*n)
//	if err := igemm.MatMul(acc, a8, b8, m, k, n); err != nil {
//		return err
//	}
package igemm
