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
	"context"
	"io"
)

// FileSource pumps a step's stdin (or all-stdin broadcast) into the
// multiplexer. It blocks reading until every node's IOServer has
// completed its init handshake, so bytes written before the first node
// connects are never lost.
type FileSource struct {
	r        io.Reader
	mux      *Multiplexer
	broadcast bool
}

// NewFileSource builds a source reading from r. broadcast selects
// between a StreamAllStdin fan-out to every node and a StreamStdin
// single-node delivery driven by taskID in Run.
func NewFileSource(r io.Reader, mux *Multiplexer, broadcast bool) *FileSource {
	return &FileSource{r: r, mux: mux, broadcast: broadcast}
}

// Run reads until EOF or ctx cancellation, enqueuing each chunk (and a
// final length-0 EOF marker) onto the multiplexer's outbound queues.
func (s *FileSource) Run(ctx context.Context, taskID uint32) error {
	if err := s.mux.WaitReady(ctx); err != nil {
		return err
	}

	buf := make([]byte, MaxMsgLen)
	typ := StreamStdin
	if s.broadcast {
		typ = StreamAllStdin
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := s.r.Read(buf)
		if n > 0 {
			s.mux.enqueueOutbound(typ, taskID, buf[:n], s.broadcast)
		}
		if err != nil {
			if err == io.EOF {
				s.mux.enqueueOutbound(typ, taskID, nil, s.broadcast)
				return nil
			}
			return err
		}
	}
}
