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

// Package rpc is the single-acceptor, bounded-worker-pool RPC dispatcher:
// one accept loop hands each connection to a pool capped at MaxWorkers,
// extracts the authenticated uid, switches on msg_type to a registered
// handler, and guarantees exactly one reply per connection.
package rpc

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/metrics"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

// Handler processes one request's payload and returns the bytes to send
// back (already CBOR-encoded via wire.EncodePayload) or an error.
type Handler func(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error)

// Route describes one registered msg_type.
type Route struct {
	Handler Handler
	// RequiresLaunchMutex serialises this handler against every other
	// RequiresLaunchMutex handler process-wide (LaunchTasks,
	// BatchJobLaunch must never run concurrently with each other).
	RequiresLaunchMutex bool
	// MutatesState requires the authorization rule: uid==0, uid==the
	// configured slurm uid, or uid==the owning job's uid.
	MutatesState bool
}

// OwnerResolver answers "does uid own whatever this request refers to",
// used by the MutatesState authorization rule. The job lifecycle driver
// (lifecycle.Driver.Owns) is the real implementation; tests can fake it.
type OwnerResolver interface {
	Owns(req wire.Envelope, uid uint32) bool
}

// ErrUserIDMissing is returned (and logged) when the authorization rule
// rejects a request.
var ErrUserIDMissing = fmt.Errorf("rpc: uid not permitted for this request")

// Dispatcher is the accept loop plus bounded worker pool.
type Dispatcher struct {
	log      agentlog.Logger
	metrics  *metrics.Registry
	sem      *semaphore.Weighted
	slurmUID uint32
	owner    OwnerResolver

	launchMu sync.Mutex

	mu     sync.RWMutex
	routes map[wire.MsgType]Route
}

// Options configures a new Dispatcher.
type Options struct {
	MaxWorkers int // default 256
	SlurmUID   uint32
	Owner      OwnerResolver
	Log        agentlog.Logger
	Metrics    *metrics.Registry
}

// New builds a Dispatcher with no routes registered yet.
func New(opt Options) *Dispatcher {
	if opt.MaxWorkers <= 0 {
		opt.MaxWorkers = 256
	}
	return &Dispatcher{
		log:      opt.Log,
		metrics:  opt.Metrics,
		sem:      semaphore.NewWeighted(int64(opt.MaxWorkers)),
		slurmUID: opt.SlurmUID,
		owner:    opt.Owner,
		routes:   make(map[wire.MsgType]Route),
	}
}

// Register adds or replaces the handler for msgType.
func (d *Dispatcher) Register(msgType wire.MsgType, route Route) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[msgType] = route
}

// Serve accepts connections on ln until ctx is cancelled or ln is
// closed. Each accepted connection acquires a worker slot before being
// serviced; when the pool is saturated the acceptor blocks there until a
// slot frees up, so a burst of connections backs up at accept() rather
// than spawning unbounded goroutines.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			conn.Close()
			return ctx.Err()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer d.sem.Release(1)
			d.handleConn(ctx, conn)
		}()
	}
}

func (d *Dispatcher) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if d.metrics != nil {
		d.metrics.RPCInflight.Inc()
		defer d.metrics.RPCInflight.Dec()
	}

	req, err := wire.ReadEnvelope(wire.NewBufferedReader(conn))
	if err != nil {
		if d.log != nil {
			d.log.Warn("rpc: failed to read request envelope", agentlog.F("err", err.Error()))
		}
		return
	}

	reply, code := d.dispatch(ctx, req)
	d.recordMetric(req.Type, code)

	respEnv := wire.Envelope{
		Version: req.Version,
		Type:    req.Type,
		Payload: reply,
	}
	if err := wire.WriteEnvelope(conn, respEnv); err != nil && d.log != nil {
		d.log.Warn("rpc: failed to write reply", agentlog.F("msg_type", int(req.Type)), agentlog.F("err", err.Error()))
	}
}

// dispatch runs the registered handler for req.Type, enforcing the
// authorization rule and the launch mutex, and always produces a reply
// payload (a handler that returns an error still gets its error encoded
// as the reply so the caller is never left without a response).
func (d *Dispatcher) dispatch(ctx context.Context, req wire.Envelope) ([]byte, int) {
	d.mu.RLock()
	route, ok := d.routes[req.Type]
	d.mu.RUnlock()

	if !ok {
		return d.encodeErr(fmt.Errorf("rpc: no handler registered for msg_type %d", req.Type)), -1
	}

	if route.MutatesState && !d.authorized(req) {
		if d.log != nil {
			d.log.Warn("rpc: rejected request", agentlog.F("uid", req.Auth.UID), agentlog.F("msg_type", int(req.Type)))
		}
		return d.encodeErr(ErrUserIDMissing), -2
	}

	if route.RequiresLaunchMutex {
		d.launchMu.Lock()
		defer d.launchMu.Unlock()
	}

	payload, err := route.Handler(ctx, req.Auth, req)
	if err != nil {
		return d.encodeErr(err), 1
	}
	return payload, 0
}

func (d *Dispatcher) authorized(req wire.Envelope) bool {
	uid := req.Auth.UID
	if uid == 0 || uid == d.slurmUID {
		return true
	}
	if d.owner != nil {
		return d.owner.Owns(req, uid)
	}
	return false
}

type errReply struct {
	Message string
}

func (d *Dispatcher) encodeErr(err error) []byte {
	payload, encErr := wire.EncodePayload(errReply{Message: err.Error()})
	if encErr != nil {
		return nil
	}
	return payload
}

func (d *Dispatcher) recordMetric(t wire.MsgType, code int) {
	if d.metrics == nil {
		return
	}
	d.metrics.RPCTotal.WithLabelValues(fmt.Sprintf("%d", t), fmt.Sprintf("%d", code)).Inc()
}
