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
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/eventloop"
)

// IOServer is one connected supervisor's stdio multiplexing state: a
// non-blocking socket fd, an inbound parser accumulating framed
// messages, and an outbound queue of IOBuffers pending write. It
// implements eventloop.Object so one Loop can drive every node in a
// step concurrently.
type IOServer struct {
	fd        int
	nodeIndex uint32
	mux       *Multiplexer
	log       agentlog.Logger

	stdoutSink *FileSink
	stderrSink *FileSink

	mu                sync.Mutex
	stdoutCount       uint32
	stderrCount       uint32
	testingConnection bool
	inEOF             bool
	outEOF            bool
	shutdown          bool

	readBuf []byte

	outQueue []*IOBuffer
	writeOff int
}

var _ eventloop.Object = (*IOServer)(nil)

func newIOServer(fd int, nodeIndex uint32, mux *Multiplexer, stdoutSink, stderrSink *FileSink, log agentlog.Logger, stdoutTasks, stderrTasks uint32) *IOServer {
	return &IOServer{
		fd:          fd,
		nodeIndex:   nodeIndex,
		mux:         mux,
		log:         log,
		stdoutSink:  stdoutSink,
		stderrSink:  stderrSink,
		stdoutCount: stdoutTasks,
		stderrCount: stderrTasks,
	}
}

// FD returns the underlying connection's file descriptor.
func (s *IOServer) FD() int { return s.fd }

// Readable implements the readable contract: not at in-eof, at least
// one reason to expect more input (outstanding stdout/stderr streams or
// a pending connection test), and an incoming buffer available — this
// last clause is the multiplexer's backpressure to the peer.
func (s *IOServer) Readable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inEOF {
		return false
	}
	if s.stdoutCount == 0 && s.stderrCount == 0 && !s.testingConnection {
		return false
	}
	if s.mux != nil && s.mux.pool != nil && !s.mux.pool.IncomingAvailable() {
		return false
	}
	return true
}

// Writable reports whether the outbound queue has unwritten bytes.
func (s *IOServer) Writable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.outEOF && len(s.outQueue) > 0
}

// HandleRead drains available bytes, parsing as many complete framed
// messages as are buffered.
func (s *IOServer) HandleRead() error {
	chunk := make([]byte, 65536)
	for {
		n, err := unix.Read(s.fd, chunk)
		if n > 0 {
			s.mu.Lock()
			s.readBuf = append(s.readBuf, chunk[:n]...)
			s.mu.Unlock()
			if perr := s.parseBuffered(); perr != nil {
				return perr
			}
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return s.handlePeerClosed()
		}
		if n < len(chunk) {
			return nil
		}
	}
}

func (s *IOServer) handlePeerClosed() error {
	s.mu.Lock()
	s.inEOF = true
	done := s.outEOF
	s.mu.Unlock()
	if done {
		s.close()
	}
	return nil
}

func (s *IOServer) parseBuffered() error {
	for {
		s.mu.Lock()
		if len(s.readBuf) < headerSize {
			s.mu.Unlock()
			return nil
		}
		hdr, err := readHeader(bytesReader(s.readBuf[:headerSize]))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		need := headerSize + int(hdr.Length)
		if len(s.readBuf) < need {
			s.mu.Unlock()
			return nil
		}
		body := append([]byte(nil), s.readBuf[headerSize:need]...)
		s.readBuf = s.readBuf[need:]
		s.mu.Unlock()

		if err := s.handleFrame(hdr, body); err != nil {
			return err
		}
	}
}

func (s *IOServer) handleFrame(hdr Header, body []byte) error {
	if hdr.Type == StreamConnectionTest {
		s.mu.Lock()
		s.testingConnection = false
		s.mu.Unlock()
		return nil
	}

	if hdr.Length == 0 {
		s.mu.Lock()
		switch hdr.Type {
		case StreamStdout:
			if s.stdoutCount > 0 {
				s.stdoutCount--
			}
		case StreamStderr:
			if s.stderrCount > 0 {
				s.stderrCount--
			}
		}
		shutdownNow := s.stdoutCount == 0 && s.stderrCount == 0
		if shutdownNow {
			s.shutdown = true
		}
		s.mu.Unlock()
		return nil
	}

	buf := s.mux.pool.GetIncoming()
	buf.Header = hdr
	buf.Data = append(buf.Data[:0], body...)
	buf.SetRefcount(1)

	sink := s.stdoutSink
	if hdr.Type == StreamStderr {
		sink = s.stderrSink
	}
	if sink == nil {
		return nil
	}
	return sink.Accept(buf)
}

// HandleWrite writes as much of the head-of-queue buffer as the socket
// will accept, advancing to the next buffer once fully written.
func (s *IOServer) HandleWrite() error {
	for {
		s.mu.Lock()
		if len(s.outQueue) == 0 {
			s.mu.Unlock()
			return nil
		}
		buf := s.outQueue[0]
		frame := frameBytes(buf)
		off := s.writeOff
		s.mu.Unlock()

		n, err := unix.Write(s.fd, frame[off:])
		if n > 0 {
			s.mu.Lock()
			s.writeOff += n
			done := s.writeOff >= len(frame)
			if done {
				s.outQueue = s.outQueue[1:]
				s.writeOff = 0
				if buf.Release() && s.mux.pool != nil {
					s.mux.pool.PutOutgoing(buf)
				}
				if buf.Header.Length == 0 {
					s.outEOF = true
				}
			}
			closeNow := s.outEOF && s.inEOF
			s.mu.Unlock()
			if closeNow {
				s.close()
				return nil
			}
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
}

func frameBytes(buf *IOBuffer) []byte {
	out := make([]byte, 0, headerSize+len(buf.Data))
	out = append(out, byte(buf.Header.Type))
	out = append(out, be32(buf.Header.TaskID)...)
	out = append(out, be32(buf.Header.Length)...)
	out = append(out, buf.Data...)
	return out
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// HandleError reports no dedicated handler so the loop falls back to
// read/write, which will surface the real syscall error.
func (s *IOServer) HandleError() error { return eventloop.ErrNoHandler }

// HandleClose marks both directions EOF and closes the connection.
func (s *IOServer) HandleClose() error {
	s.mu.Lock()
	s.inEOF = true
	s.outEOF = true
	s.mu.Unlock()
	s.close()
	return nil
}

func (s *IOServer) close() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	_ = unix.Close(s.fd)
	if s.mux != nil {
		s.mux.forget(s.nodeIndex, s)
	}
}

// Shutdown reports whether the loop should drop this object.
func (s *IOServer) Shutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// SetShutdown forces the shutdown flag, used by down_nodes/abort.
func (s *IOServer) SetShutdown(v bool) {
	s.mu.Lock()
	s.shutdown = v
	if v {
		s.stdoutCount = 0
		s.stderrCount = 0
	}
	s.mu.Unlock()
}

// enqueueOutbound appends buf to this node's outbound queue.
func (s *IOServer) enqueueOutbound(buf *IOBuffer) {
	s.mu.Lock()
	s.outQueue = append(s.outQueue, buf)
	s.mu.Unlock()
}

// startTest enqueues a connection-test header and arms the
// testing_connection flag; cleared by an ack frame or by eof.
func (s *IOServer) startTest() {
	buf := s.mux.pool.GetOutgoing()
	buf.Header = Header{Type: StreamConnectionTest}
	buf.SetRefcount(1)
	s.mu.Lock()
	s.testingConnection = true
	s.outQueue = append(s.outQueue, buf)
	s.mu.Unlock()
}

func bytesReader(b []byte) *byteSliceReader { return &byteSliceReader{b: b} }

type byteSliceReader struct{ b []byte }

func (r *byteSliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
