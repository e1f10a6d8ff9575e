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

// Package iomux multiplexes a step's stdio across every supervisor
// connection: a framed header per message (stream type, source task,
// length), fixed-capacity reference-counted buffers drawn from two
// freelists, and per-node IOServer state tracking how many outstanding
// stdout/stderr streams remain before that node is done.
package iomux

import "sync"

// StreamType identifies which framed stream a header belongs to.
type StreamType uint8

const (
	StreamStdout StreamType = iota
	StreamStderr
	StreamAllStdin
	StreamStdin
	StreamConnectionTest
)

// MaxMsgLen bounds one framed message body, and doubles as the capacity
// of every IOBuffer (plus header overhead).
const MaxMsgLen = 1 << 20

// headerSize is the wire size of a framed header: type(1) + task(4) +
// length(4).
const headerSize = 9

// stdioMaxFreeBuf caps how many buffers each freelist holds before newly
// released buffers are simply dropped (garbage collected) instead of
// pooled.
const stdioMaxFreeBuf = 1024

// Header is one framed stdio message's header.
type Header struct {
	Type   StreamType
	TaskID uint32
	Length uint32
}

// IOBuffer is a fixed-capacity, reference-counted buffer. A length-0
// body with a non-test stream type means EOF for that stream.
type IOBuffer struct {
	Header Header
	Data   []byte

	mu       sync.Mutex
	refcount int
}

func newIOBuffer() *IOBuffer {
	return &IOBuffer{Data: make([]byte, 0, MaxMsgLen)}
}

// SetRefcount initializes the buffer's reference count before it is
// enqueued on one or more outbound queues.
func (b *IOBuffer) SetRefcount(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refcount = n
}

// Release decrements the refcount and reports whether it reached zero
// (the caller should then return the buffer to its freelist).
func (b *IOBuffer) Release() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refcount > 0 {
		b.refcount--
	}
	return b.refcount == 0
}

func (b *IOBuffer) reset() {
	b.Header = Header{}
	b.Data = b.Data[:0]
	b.refcount = 0
}

// BufferPool is the two freelists (incoming/outgoing) IOServers and
// FileSource/FileSink draw from and return to; allocation grows lazily,
// and a released buffer is dropped rather than pooled once its freelist
// already holds stdioMaxFreeBuf buffers.
type BufferPool struct {
	mu          sync.Mutex
	incoming    []*IOBuffer
	outgoing    []*IOBuffer
	incomingOut int
	incomingCap int
}

// NewBufferPool builds an empty pool; buffers are allocated on first
// demand. At most stdioMaxFreeBuf incoming buffers may be checked out
// (read but not yet drained by a sink) before Readable() reports
// backpressure.
func NewBufferPool() *BufferPool {
	return &BufferPool{incomingCap: stdioMaxFreeBuf}
}

// IncomingAvailable reports whether another incoming buffer may be
// checked out without exceeding the outstanding-buffer budget.
func (p *BufferPool) IncomingAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.incomingOut < p.incomingCap
}

// GetIncoming returns a buffer for a freshly read inbound message,
// reusing one from the incoming freelist when available.
func (p *BufferPool) GetIncoming() *IOBuffer {
	p.mu.Lock()
	p.incomingOut++
	p.mu.Unlock()
	return p.get(&p.incoming)
}

// GetOutgoing returns a buffer for an outbound message destined for one
// or more supervisors.
func (p *BufferPool) GetOutgoing() *IOBuffer { return p.get(&p.outgoing) }

func (p *BufferPool) get(list *[]*IOBuffer) *IOBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(*list)
	if n == 0 {
		return newIOBuffer()
	}
	b := (*list)[n-1]
	*list = (*list)[:n-1]
	return b
}

// PutIncoming returns b to the incoming freelist once its refcount has
// dropped to zero.
func (p *BufferPool) PutIncoming(b *IOBuffer) {
	p.mu.Lock()
	if p.incomingOut > 0 {
		p.incomingOut--
	}
	p.mu.Unlock()
	p.put(&p.incoming, b)
}

// PutOutgoing returns b to the outgoing freelist.
func (p *BufferPool) PutOutgoing(b *IOBuffer) { p.put(&p.outgoing, b) }

func (p *BufferPool) put(list *[]*IOBuffer, b *IOBuffer) {
	b.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(*list) >= stdioMaxFreeBuf {
		return
	}
	*list = append(*list, b)
}

// FreeIncoming reports how many buffers currently sit idle in the
// incoming freelist, exposed for the iobuffers_free metric.
func (p *BufferPool) FreeIncoming() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.incoming)
}

// FreeOutgoing reports how many buffers currently sit idle in the
// outgoing freelist.
func (p *BufferPool) FreeOutgoing() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outgoing)
}
