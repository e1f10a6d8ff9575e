/*
 * MIT License
 *
 * Copyright (c) 2026 nodeagentd contributors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

package bcast

import (
	"bytes"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Algorithm is the block header byte identifying how Data was compressed
// before being sent, mirroring compress.Algorithm's LZ4/XZ cases.
type Algorithm uint8

const (
	AlgorithmNone Algorithm = iota
	AlgorithmLZ4
	AlgorithmXZ
)

// decompress returns block's payload after undoing a's compression, or
// block unchanged for AlgorithmNone.
func (a Algorithm) decompress(block []byte) ([]byte, error) {
	var r io.Reader
	switch a {
	case AlgorithmNone:
		return block, nil
	case AlgorithmLZ4:
		r = lz4.NewReader(bytes.NewReader(block))
	case AlgorithmXZ:
		xr, err := xz.NewReader(bytes.NewReader(block))
		if err != nil {
			return nil, fmt.Errorf("bcast: xz reader: %w", err)
		}
		r = xr
	default:
		return nil, fmt.Errorf("bcast: unknown compression algorithm %d", a)
	}
	return io.ReadAll(r)
}
