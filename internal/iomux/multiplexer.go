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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/eventloop"
)

// ProtocolVersion is the init-header version this build emits and
// accepts.
const ProtocolVersion uint16 = 1

// maxSupervisorsPerPort bounds how many supervisors may share one
// listening socket; a step wider than this spans several listeners.
const maxSupervisorsPerPort = 48

var errShutdown = fmt.Errorf("iomux: multiplexer shut down")

// Multiplexer owns every IOServer for one step's stdio: the listening
// sockets supervisors connect back to, the init-header validation and
// duplicate-node eviction, and the stdin fan-out once every node is
// connected.
type Multiplexer struct {
	numNodes int
	hmacKey  []byte
	pool     *BufferPool
	loop     *eventloop.Loop
	log      agentlog.Logger

	stdoutSink *FileSink
	stderrSink *FileSink

	mu       sync.Mutex
	servers  map[uint32]*IOServer
	ready    map[uint32]bool
	readyCh  chan struct{}
	readyHit bool
	aborted  bool
}

// Options configures a new Multiplexer.
type Options struct {
	NumNodes   int
	HMACKey    []byte
	Pool       *BufferPool
	Loop       *eventloop.Loop
	StdoutSink *FileSink
	StderrSink *FileSink
	Log        agentlog.Logger
}

// New builds a Multiplexer for a step spanning opt.NumNodes nodes.
func New(opt Options) *Multiplexer {
	if opt.Pool == nil {
		opt.Pool = NewBufferPool()
	}
	return &Multiplexer{
		numNodes:   opt.NumNodes,
		hmacKey:    opt.HMACKey,
		pool:       opt.Pool,
		loop:       opt.Loop,
		log:        opt.Log,
		stdoutSink: opt.StdoutSink,
		stderrSink: opt.StderrSink,
		servers:    make(map[uint32]*IOServer),
		ready:      make(map[uint32]bool),
		readyCh:    make(chan struct{}),
	}
}

// ListenerCount returns how many listening sockets a step spanning n
// nodes needs so no port serves more than maxSupervisorsPerPort peers.
func ListenerCount(numNodes int) int {
	if numNodes <= 0 {
		return 1
	}
	return (numNodes + maxSupervisorsPerPort - 1) / maxSupervisorsPerPort
}

// Accept performs the init-header handshake on a freshly accepted
// connection and, on success, registers an IOServer for it with the
// event loop.
func (m *Multiplexer) Accept(conn *net.UnixConn) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	in, err := readInitHeader(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("iomux: init header read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if in.Version != ProtocolVersion {
		conn.Close()
		return fmt.Errorf("iomux: unsupported init header version %d", in.Version)
	}
	if !m.verifyHMAC(in) {
		conn.Close()
		return fmt.Errorf("iomux: init header HMAC mismatch for node %d", in.NodeIndex)
	}
	if in.NodeIndex >= uint32(m.numNodes) {
		conn.Close()
		return fmt.Errorf("iomux: node index %d out of range [0,%d)", in.NodeIndex, m.numNodes)
	}

	f, err := conn.File()
	if err != nil {
		conn.Close()
		return err
	}
	conn.Close()
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	m.mu.Lock()
	if m.aborted {
		m.mu.Unlock()
		unix.Close(fd)
		return errShutdown
	}
	if old, dup := m.servers[in.NodeIndex]; dup {
		if m.log != nil {
			m.log.Warn("duplicate supervisor connection, evicting prior one", agentlog.F("node_index", in.NodeIndex))
		}
		old.SetShutdown(true)
		old.close()
	}
	srv := newIOServer(fd, in.NodeIndex, m, m.stdoutSink, m.stderrSink, m.log, in.StdoutTasks, in.StderrTasks)
	m.servers[in.NodeIndex] = srv
	m.ready[in.NodeIndex] = true
	m.markReadyLocked()
	m.mu.Unlock()

	return m.loop.Enqueue(srv)
}

func (m *Multiplexer) verifyHMAC(in initHeader) bool {
	if len(m.hmacKey) == 0 {
		return true
	}
	mac := hmac.New(sha256.New, m.hmacKey)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], in.NodeIndex)
	mac.Write(idx[:])
	expected := mac.Sum(nil)
	got := in.HMAC
	return hmac.Equal(expected, got[:sha256.Size])
}

func (m *Multiplexer) markReadyLocked() {
	if m.readyHit {
		return
	}
	if len(m.ready) >= m.numNodes {
		m.readyHit = true
		close(m.readyCh)
	}
}

// WaitReady blocks until every node's IOServer has completed its init
// handshake, or ctx is cancelled first.
func (m *Multiplexer) WaitReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// forget removes srv from the registry once it has closed, called from
// the event-loop goroutine.
func (m *Multiplexer) forget(nodeIndex uint32, srv *IOServer) {
	m.mu.Lock()
	if cur, ok := m.servers[nodeIndex]; ok && cur == srv {
		delete(m.servers, nodeIndex)
	}
	m.mu.Unlock()
}

// enqueueOutbound fans a chunk of data out to one node (StreamStdin) or
// every node (StreamAllStdin), setting the refcount so the shared
// buffer returns to the pool only once every recipient has written it.
func (m *Multiplexer) enqueueOutbound(typ StreamType, taskID uint32, data []byte, broadcast bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var targets []*IOServer
	if broadcast {
		for _, s := range m.servers {
			targets = append(targets, s)
		}
	} else if s, ok := m.servers[taskID]; ok {
		targets = []*IOServer{s}
	}
	if len(targets) == 0 {
		return
	}

	buf := m.pool.GetOutgoing()
	buf.Header = Header{Type: typ, TaskID: taskID, Length: uint32(len(data))}
	buf.Data = append(buf.Data[:0], data...)
	buf.SetRefcount(len(targets))
	for _, t := range targets {
		t.enqueueOutbound(buf)
	}
	if m.loop != nil {
		_ = m.loop.Wake()
	}
}

// DownNodes forces the listed nodes' IOServers to stop waiting on
// further input and unblocks any stdin source still waiting for
// readiness (treating the downed node as if it had connected).
func (m *Multiplexer) DownNodes(nodeIndexes []uint32) {
	m.mu.Lock()
	for _, idx := range nodeIndexes {
		if s, ok := m.servers[idx]; ok {
			s.SetShutdown(true)
		}
		if !m.ready[idx] {
			m.ready[idx] = true
		}
	}
	m.markReadyLocked()
	m.mu.Unlock()
}

// Abort shuts every IOServer down, as DownNodes does for all nodes at
// once, and blocks Accept from registering any further connection.
func (m *Multiplexer) Abort() {
	m.mu.Lock()
	m.aborted = true
	for _, s := range m.servers {
		s.SetShutdown(true)
	}
	for i := 0; i < m.numNodes; i++ {
		m.ready[uint32(i)] = true
	}
	m.markReadyLocked()
	m.mu.Unlock()
}

// SendTestMessage enqueues a connection-test header to the given node,
// used by liveness probes against otherwise-idle connections.
func (m *Multiplexer) SendTestMessage(nodeIndex uint32) error {
	m.mu.Lock()
	s, ok := m.servers[nodeIndex]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("iomux: no connection for node %d", nodeIndex)
	}
	s.startTest()
	if m.loop != nil {
		_ = m.loop.Wake()
	}
	return nil
}
