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

package igemm

import (
	"fmt"
	"sync"

	"github.com/ajroetker/go-highway/hwy/contrib/matmul"
	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// MaxContraction is the deepest contraction for which the int32
// accumulator cannot overflow: floor((2^31-1) / 127^2). The bound
// assumes codes in [-127, 127], which every quantizer in this module
// guarantees.
const MaxContraction = 133144

// zeroPoint is the uint8 bias applied to int8 codes before the kernel
// call. uint8(v) ^ 0x80 equals v+128 for every int8 v.
const zeroPoint uint8 = 128

// OverflowRiskError reports a contraction depth for which 8-bit
// products accumulated in int32 could wrap.
type OverflowRiskError struct {
	K int
}

func (e *OverflowRiskError) Error() string {
	return fmt.Sprintf("igemm: contraction depth %d exceeds %d, int32 accumulation may overflow", e.K, MaxContraction)
}

// Buffer pools for the rebiased uint8 operand views.
var (
	aBiasPool = sync.Pool{
		New: func() any { return make([]uint8, 0, 256*256) },
	}
	bBiasPool = sync.Pool{
		New: func() any { return make([]uint8, 0, 256*256) },
	}
)

func biasedBuf(pool *sync.Pool, size int) []uint8 {
	buf := pool.Get().([]uint8)
	if cap(buf) < size {
		buf = make([]uint8, size)
	} else {
		buf = buf[:size]
	}
	return buf
}

// rebias converts int8 codes to the biased uint8 form the kernel
// consumes. XOR with 0x80 flips the sign bit, which on two's
// complement int8 is the same as adding 128.
func rebias(dst []uint8, src []int8) {
	for i, v := range src {
		dst[i] = uint8(v) ^ 0x80
	}
}

// MatMul computes acc[M,N] = a[M,K] * b[K,N] with int32 accumulation.
// All matrices are row-major. acc is overwritten, not accumulated into.
//
// Returns an *OverflowRiskError when k exceeds MaxContraction. Panics
// when a slice is too short for its dimensions.
func MatMul(acc []int32, a, b []int8, m, k, n int) error {
	if k > MaxContraction {
		return &OverflowRiskError{K: k}
	}
	checkDims(acc, a, b, m, k, n)

	au := biasedBuf(&aBiasPool, m*k)
	bu := biasedBuf(&bBiasPool, k*n)
	rebias(au, a[:m*k])
	rebias(bu, b[:k*n])

	matmul.Int8x8MatMul(acc, au, bu, zeroPoint, zeroPoint, m, k, n)

	aBiasPool.Put(au)
	bBiasPool.Put(bu)
	return nil
}

// ParallelMatMul is MatMul sharded over pool. The output is identical
// to the serial form.
func ParallelMatMul(pool workerpool.Executor, acc []int32, a, b []int8, m, k, n int) error {
	if k > MaxContraction {
		return &OverflowRiskError{K: k}
	}
	checkDims(acc, a, b, m, k, n)

	au := biasedBuf(&aBiasPool, m*k)
	bu := biasedBuf(&bBiasPool, k*n)
	rebias(au, a[:m*k])
	rebias(bu, b[:k*n])

	matmul.ParallelInt8x8MatMul(pool, acc, au, bu, zeroPoint, zeroPoint, m, k, n)

	aBiasPool.Put(au)
	bBiasPool.Put(bu)
	return nil
}

func checkDims(acc []int32, a, b []int8, m, k, n int) {
	if len(a) < m*k {
		panic("igemm: A slice too short")
	}
	if len(b) < k*n {
		panic("igemm: B slice too short")
	}
	if len(acc) < m*n {
		panic("igemm: accumulator slice too short")
	}
}

// Transpose writes the [cols,rows] transpose of the row-major
// [rows,cols] matrix src into dst.
func Transpose(dst, src []int8, rows, cols int) {
	if len(src) < rows*cols || len(dst) < rows*cols {
		panic("igemm: transpose slice too short")
	}
	for r := range rows {
		for c := range cols {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
}

// RowSums accumulates each row of the row-major [rows,cols] matrix a
// into sums. Asymmetric dequantization needs these sums to reconstruct
// the zero-point offset term.
func RowSums(a []int8, rows, cols int, sums []int32) {
	if len(a) < rows*cols {
		panic("igemm: A slice too short")
	}
	if len(sums) < rows {
		panic("igemm: sums slice too short")
	}
	for r := range rows {
		var sum int32
		row := a[r*cols : (r+1)*cols]
		for _, v := range row {
			sum += int32(v)
		}
		sums[r] = sum
	}
}

// ColSums writes each column sum of the row-major [rows,cols] matrix
// a into sums, the contraction-dimension sums of a [K,N] matmul
// operand.
func ColSums(a []int8, rows, cols int, sums []int32) {
	if len(a) < rows*cols {
		panic("igemm: A slice too short")
	}
	if len(sums) < cols {
		panic("igemm: sums slice too short")
	}
	for i := range sums[:cols] {
		sums[i] = 0
	}
	for r := range rows {
		row := a[r*cols : (r+1)*cols]
		for c, v := range row {
			sums[c] += int32(v)
		}
	}
}
