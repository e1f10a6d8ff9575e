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

// Package uplink is the agent's one channel to the controller: node
// registration, epilog-complete notification, and inbound ping/health
// checks, all carried as CBOR payloads over github.com/nats-io/nats.go
// request/reply on subjects namespaced per node
// (slurmd.<cluster>.<node>.{register,ping,epilog}).
//
// Registration unblocks every launcher thread waiting on the TRES list
// (internal/launcher.TRESWaiter); epilog-complete satisfies
// internal/lifecycle.EpilogSender. Both interfaces exist so the launcher
// and lifecycle packages depend only on the shape they need, not on
// this package or on NATS.
package uplink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/config"
	"github.com/kraklabs/nodeagentd/internal/launcher"
)

// requestTimeout bounds a single register/epilog request-reply
// round-trip before it is treated as a transient communication failure.
const requestTimeout = 10 * time.Second

// PingHandlers are invoked, in order, on every inbound ping/health-check
// message; errors are logged and do not stop the remaining handlers.
// Wired by cmd/nodeagentd to the bcast receiver's stall-GC and the
// credential vault's GC.
type PingHandlers []func(ctx context.Context) error

// Options configures a new Client.
type Options struct {
	ClusterName string
	NodeName    string
	Log         agentlog.Logger

	// WindowMsgs/WindowTime configure epilog-complete aggregation: a
	// flush is triggered when the pending queue reaches WindowMsgs or
	// WindowTime has elapsed since the first message was enqueued.
	// WindowMsgs<=1 disables aggregation (every epilog sent directly).
	WindowMsgs int
	WindowTime time.Duration

	// CollectorSubject, if set, routes the aggregated composite message
	// to a collector node's subject instead of the controller directly,
	// modelling the primary-collector hop of the routing-plugin tree.
	CollectorSubject string

	OnPing PingHandlers
}

// requester is the subset of *nats.Conn this package calls through, kept
// as an interface so tests can substitute a fake instead of dialing a
// real NATS server.
type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
	Close()
}

// Client is the controller uplink: one NATS connection, the pending
// epilog-aggregation queue, and the shared TRES-ready gate every
// launcher thread blocks on.
type Client struct {
	opt  Options
	log  agentlog.Logger
	conn requester

	registerSubj string
	epilogSubj   string
	pingSubj     string
	healthSubj   string

	tresMu    sync.Mutex
	tresReady chan struct{}
	tresHit   bool
	tresList  []launcher.TRESEntry

	aggMu       sync.Mutex
	aggPending  []EpilogCompleteReport
	aggTimer    *time.Timer
	aggMsgIndex uint16 // next wire-visible composite msg_index
	waiterSeq   uint64 // next local SendEpilogComplete waiter key
	aggWaiters  map[uint64]chan error

	subs []*nats.Subscription
}

// New builds a Client. Connection happens in Start so Client satisfies
// config.Component and can be registered with a config.Manager.
func New(opt Options) *Client {
	if opt.WindowMsgs <= 0 {
		opt.WindowMsgs = 1
	}
	return &Client{
		opt:          opt,
		log:          opt.Log,
		registerSubj: subject(opt.ClusterName, opt.NodeName, "register"),
		epilogSubj:   subject(opt.ClusterName, opt.NodeName, "epilog"),
		pingSubj:     subject(opt.ClusterName, opt.NodeName, "ping"),
		healthSubj:   subject(opt.ClusterName, opt.NodeName, "health"),
		tresReady:    make(chan struct{}),
		aggWaiters:   make(map[uint64]chan error),
	}
}

func subject(cluster, node, leaf string) string {
	return fmt.Sprintf("slurmd.%s.%s.%s", cluster, node, leaf)
}

// Name identifies this component to a config.Manager.
func (c *Client) Name() string { return "uplink" }

// Start connects to the controller's NATS endpoint and subscribes to
// this node's ping/health-check subjects.
func (c *Client) Start(s *config.Settings) error {
	if s.NatsURL == "" {
		return nil
	}
	conn, err := nats.Connect(s.NatsURL, nats.Name("nodeagentd/"+s.NodeName))
	if err != nil {
		return fmt.Errorf("uplink: connecting to %s: %w", s.NatsURL, err)
	}
	c.conn = conn

	for _, subj := range []string{c.pingSubj, c.healthSubj} {
		sub, err := conn.Subscribe(subj, c.handlePing)
		if err != nil {
			conn.Close()
			return fmt.Errorf("uplink: subscribing %s: %w", subj, err)
		}
		c.subs = append(c.subs, sub)
	}
	return nil
}

// Reload re-subscribes nothing (subjects are keyed by node/cluster name,
// which do not change without a restart) but does pick up a changed
// aggregation window on the next flush decision.
func (c *Client) Reload(s *config.Settings) error {
	c.aggMu.Lock()
	c.opt.WindowMsgs = s.AggregationWindowMsgs
	if c.opt.WindowMsgs <= 0 {
		c.opt.WindowMsgs = 1
	}
	c.opt.WindowTime = s.AggregationWindowTime
	c.aggMu.Unlock()
	return nil
}

// Stop unsubscribes and closes the NATS connection.
func (c *Client) Stop() error {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func (c *Client) handlePing(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for _, h := range c.opt.OnPing {
		if err := h(ctx); err != nil && c.log != nil {
			c.log.Warn("uplink: ping side-effect handler failed", agentlog.F("err", err.Error()))
		}
	}
	if msg.Reply != "" {
		_ = msg.Respond(nil)
	}
}

// Register sends this node's registration report and, on a successful
// reply, unblocks every WaitForTRES caller. Per the registration-RC
// Open Question decision, any reply carrying a TRES list is treated as
// a successful registration regardless of whether the controller
// considered it a fresh registration or a re-registration.
func (c *Client) Register(ctx context.Context, report RegistrationReport) error {
	if c.conn == nil {
		return fmt.Errorf("uplink: not connected")
	}
	body, err := cbor.Marshal(report)
	if err != nil {
		return fmt.Errorf("uplink: encoding registration report: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	msg, err := c.conn.RequestWithContext(reqCtx, c.registerSubj, body)
	if err != nil {
		return fmt.Errorf("uplink: registration request: %w", err)
	}

	var reply RegistrationReply
	if err := cbor.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("uplink: decoding registration reply: %w", err)
	}

	c.tresMu.Lock()
	c.tresList = reply.TRES
	if !c.tresHit {
		c.tresHit = true
		close(c.tresReady)
	}
	c.tresMu.Unlock()
	return nil
}

// WaitForTRES implements launcher.TRESWaiter: it blocks until the first
// registration reply has landed, then returns the TRES list from the
// most recent registration. The TRES list is node-wide, not per job; the
// jobID parameter only identifies the caller for logging.
func (c *Client) WaitForTRES(ctx context.Context, jobID uint32) ([]launcher.TRESEntry, error) {
	select {
	case <-c.tresReady:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	c.tresMu.Lock()
	defer c.tresMu.Unlock()
	return c.tresList, nil
}

// SendEpilogComplete implements lifecycle.EpilogSender. A job's epilog
// report is either sent immediately or queued for the aggregation
// window, depending on configuration.
func (c *Client) SendEpilogComplete(ctx context.Context, jobID uint32) error {
	return c.sendEpilog(ctx, EpilogCompleteReport{JobID: jobID})
}

func (c *Client) sendEpilog(ctx context.Context, report EpilogCompleteReport) error {
	if c.conn == nil {
		return fmt.Errorf("uplink: not connected")
	}

	c.aggMu.Lock()
	if c.opt.WindowMsgs <= 1 {
		c.aggMu.Unlock()
		return c.sendEpilogDirect(ctx, report)
	}

	c.aggPending = append(c.aggPending, report)
	waitCh := make(chan error, 1)
	idx := c.waiterSeq
	c.aggWaiters[idx] = waitCh
	c.waiterSeq++

	flush := len(c.aggPending) >= c.opt.WindowMsgs
	if !flush && c.aggTimer == nil {
		c.aggTimer = time.AfterFunc(c.opt.WindowTime, c.flushAggregation)
	}
	c.aggMu.Unlock()

	if flush {
		c.flushAggregation()
	}

	select {
	case err := <-waitCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) sendEpilogDirect(ctx context.Context, report EpilogCompleteReport) error {
	body, err := cbor.Marshal(report)
	if err != nil {
		return fmt.Errorf("uplink: encoding epilog report: %w", err)
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	_, err = c.conn.RequestWithContext(reqCtx, c.epilogSubj, body)
	if err != nil {
		return fmt.Errorf("uplink: epilog request: %w", err)
	}
	return nil
}

// flushAggregation sends every pending epilog report as one composite
// message carrying a fresh msg_index, and resolves every waiter with
// the shared request outcome; a slurm-msg-timeout equivalent applies to
// the composite request as a whole.
func (c *Client) flushAggregation() {
	c.aggMu.Lock()
	if c.aggTimer != nil {
		c.aggTimer.Stop()
		c.aggTimer = nil
	}
	if len(c.aggPending) == 0 {
		c.aggMu.Unlock()
		return
	}
	pending := c.aggPending
	waiters := c.aggWaiters
	c.aggPending = nil
	c.aggWaiters = make(map[uint64]chan error)
	msgIndex := c.aggMsgIndex
	c.aggMsgIndex++
	c.aggMu.Unlock()

	env := compositeEnvelope{MsgIndex: msgIndex, Epilogs: pending}
	body, err := cbor.Marshal(env)

	subj := c.epilogSubj
	if c.opt.CollectorSubject != "" {
		subj = c.opt.CollectorSubject
	}

	var reqErr error
	if err != nil {
		reqErr = fmt.Errorf("uplink: encoding composite epilog report: %w", err)
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		_, reqErr = c.conn.RequestWithContext(ctx, subj, body)
		cancel()
		if reqErr != nil {
			reqErr = fmt.Errorf("uplink: composite epilog request: %w", reqErr)
		}
	}

	for _, ch := range waiters {
		ch <- reqErr
	}
}

