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

package iomux

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"syscall"
)

// FileSink is the destination a stream of IOBuffers drains into: a
// step's combined stdout or stderr file, or a per-task file when the
// caller wires one sink per task. A nil TaskFilter accepts every task.
type FileSink struct {
	mu         sync.Mutex
	w          io.Writer
	pool       *BufferPool
	taskFilter func(taskID uint32) bool
	labelWidth int
}

// NewFileSink builds a sink writing to w. labelWidth, when non-zero,
// left-pads the "[%N]" prefix to that many digits so output lines up
// across tasks; 0 disables the prefix entirely.
func NewFileSink(w io.Writer, pool *BufferPool, labelWidth int, taskFilter func(uint32) bool) *FileSink {
	return &FileSink{w: w, pool: pool, labelWidth: labelWidth, taskFilter: taskFilter}
}

// Accept writes buf's body (optionally label-prefixed) to the sink's
// destination, then releases the buffer back to the incoming freelist
// once its refcount reaches zero. A length-0 body (EOF marker) is
// accepted without writing anything.
func (s *FileSink) Accept(buf *IOBuffer) error {
	if s.taskFilter != nil && !s.taskFilter(buf.Header.TaskID) {
		return s.release(buf)
	}
	if len(buf.Data) > 0 {
		s.mu.Lock()
		err := s.writeLabeled(buf.Header.TaskID, buf.Data)
		s.mu.Unlock()
		if err != nil {
			_ = s.release(buf)
			return err
		}
	}
	return s.release(buf)
}

func (s *FileSink) release(buf *IOBuffer) error {
	if buf.Release() && s.pool != nil {
		s.pool.PutIncoming(buf)
	}
	return nil
}

func (s *FileSink) writeLabeled(taskID uint32, data []byte) error {
	if s.labelWidth > 0 {
		label := fmt.Sprintf("[%0*s] ", s.labelWidth, strconv.FormatUint(uint64(taskID), 10))
		if err := writeFullEINTR(s.w, []byte(label)); err != nil {
			return err
		}
	}
	return writeFullEINTR(s.w, data)
}

// writeFullEINTR writes all of data, retrying short writes caused by
// an interrupted syscall.
func writeFullEINTR(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}
