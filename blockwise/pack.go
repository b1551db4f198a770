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
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
)

// Packed frame layout, per block: 2-byte little-endian float16 absmax
// followed by the block's codes. The final block carries only its
// remaining codes. Storing the absmax as float16 costs at most a
// 2^-11 relative scale error, well below the 8-bit code error.

// PackedSize returns the byte length of the packed form of n elements
// at blockSize.
func PackedSize(n, blockSize int) int {
	numBlocks := (n + blockSize - 1) / blockSize
	return numBlocks*2 + n
}

// Pack serializes the quantized tensor into the frame layout above.
func (b Blocks) Pack() []byte {
	out := make([]byte, 0, PackedSize(b.Len(), b.BlockSize))
	var frame [2]byte
	for blk := range b.NumBlocks() {
		start, end := blockBounds(b, blk)
		binary.LittleEndian.PutUint16(frame[:], float16.Fromfloat32(b.Absmax[blk]).Bits())
		out = append(out, frame[:]...)
		out = append(out, b.Codes[start:end]...)
	}
	return out
}

// Unpack reverses Pack for n elements quantized at blockSize.
func Unpack(data []byte, blockSize, n int) (Blocks, error) {
	if blockSize <= 0 {
		return Blocks{}, fmt.Errorf("blockwise: block size %d must be positive", blockSize)
	}
	if n < 0 {
		return Blocks{}, fmt.Errorf("blockwise: element count %d must not be negative", n)
	}
	if want := PackedSize(n, blockSize); len(data) != want {
		return Blocks{}, fmt.Errorf("blockwise: packed data has %d bytes, want %d", len(data), want)
	}

	b := newBlocks(n, blockSize)
	off := 0
	for blk := range b.NumBlocks() {
		start, end := blockBounds(b, blk)
		b.Absmax[blk] = float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32()
		off += 2
		copy(b.Codes[start:end], data[off:off+end-start])
		off += end - start
	}
	return b, nil
}
