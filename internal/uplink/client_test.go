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

package uplink

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/launcher"
)

// fakeConn is a requester that answers every request from an in-memory
// table of subject handlers, recording every request body it saw.
type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(body []byte) ([]byte, error)
	seen     map[string][][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		handlers: make(map[string]func(body []byte) ([]byte, error)),
		seen:     make(map[string][][]byte),
	}
}

func (f *fakeConn) on(subj string, h func(body []byte) ([]byte, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[subj] = h
}

func (f *fakeConn) requestsTo(subj string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[subj]
}

func (f *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.mu.Lock()
	f.seen[subj] = append(f.seen[subj], data)
	h := f.handlers[subj]
	f.mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("fakeConn: no handler for %s", subj)
	}
	reply, err := h(data)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subj, Data: reply}, nil
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func newTestClient(opt Options) (*Client, *fakeConn) {
	c := New(opt)
	conn := newFakeConn()
	c.conn = conn
	return c, conn
}

func TestSubjectNamespacesByClusterAndNode(t *testing.T) {
	c := New(Options{ClusterName: "prod", NodeName: "node01"})
	require.Equal(t, "slurmd.prod.node01.register", c.registerSubj)
	require.Equal(t, "slurmd.prod.node01.epilog", c.epilogSubj)
	require.Equal(t, "slurmd.prod.node01.ping", c.pingSubj)
	require.Equal(t, "slurmd.prod.node01.health", c.healthSubj)
}

func TestRegisterUnblocksWaitForTRES(t *testing.T) {
	c, conn := newTestClient(Options{ClusterName: "c1", NodeName: "n1", WindowMsgs: 1})
	conn.on(c.registerSubj, func(body []byte) ([]byte, error) {
		var report RegistrationReport
		require.NoError(t, cbor.Unmarshal(body, &report))
		require.Equal(t, "n1", report.NodeName)
		reply := RegistrationReply{TRES: []launcher.TRESEntry{{Name: "cpu", Count: 4}}}
		return cbor.Marshal(reply)
	})

	done := make(chan []launcher.TRESEntry, 1)
	go func() {
		tres, err := c.WaitForTRES(context.Background(), 100)
		require.NoError(t, err)
		done <- tres
	}()

	// WaitForTRES must actually block until Register lands.
	select {
	case <-done:
		t.Fatal("WaitForTRES returned before Register")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, c.Register(context.Background(), RegistrationReport{NodeName: "n1"}))

	select {
	case tres := <-done:
		require.Equal(t, []launcher.TRESEntry{{Name: "cpu", Count: 4}}, tres)
	case <-time.After(time.Second):
		t.Fatal("WaitForTRES never unblocked")
	}
}

func TestWaitForTRESHonorsContextCancellation(t *testing.T) {
	c, _ := newTestClient(Options{ClusterName: "c1", NodeName: "n1", WindowMsgs: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.WaitForTRES(ctx, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendEpilogDirectWhenAggregationDisabled(t *testing.T) {
	c, conn := newTestClient(Options{ClusterName: "c1", NodeName: "n1", WindowMsgs: 1})
	conn.on(c.epilogSubj, func(body []byte) ([]byte, error) {
		var report EpilogCompleteReport
		require.NoError(t, cbor.Unmarshal(body, &report))
		require.Equal(t, uint32(42), report.JobID)
		return []byte{}, nil
	})

	require.NoError(t, c.SendEpilogComplete(context.Background(), 42))
	require.Len(t, conn.requestsTo(c.epilogSubj), 1)
}

func TestSendEpilogFlushesOnWindowCount(t *testing.T) {
	c, conn := newTestClient(Options{ClusterName: "c1", NodeName: "n1", WindowMsgs: 2, WindowTime: time.Hour})
	conn.on(c.epilogSubj, func(body []byte) ([]byte, error) {
		var env compositeEnvelope
		require.NoError(t, cbor.Unmarshal(body, &env))
		require.Len(t, env.Epilogs, 2)
		return []byte{}, nil
	})

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make([]error, 2)
	for i, jobID := range []uint32{1, 2} {
		i, jobID := i, jobID
		go func() {
			defer wg.Done()
			errs[i] = c.SendEpilogComplete(context.Background(), jobID)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Len(t, conn.requestsTo(c.epilogSubj), 1)
}

func TestSendEpilogFlushesOnWindowTimer(t *testing.T) {
	c, conn := newTestClient(Options{
		ClusterName: "c1",
		NodeName:    "n1",
		WindowMsgs:  10,
		WindowTime:  10 * time.Millisecond,
	})
	conn.on(c.epilogSubj, func(body []byte) ([]byte, error) {
		return []byte{}, nil
	})

	err := c.SendEpilogComplete(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, conn.requestsTo(c.epilogSubj), 1)
}

func TestFlushAggregationAssignsIncrementingMsgIndex(t *testing.T) {
	c, conn := newTestClient(Options{ClusterName: "c1", NodeName: "n1", WindowMsgs: 1, WindowTime: time.Hour})
	var indices []uint16
	conn.on(c.epilogSubj, func(body []byte) ([]byte, error) {
		var env compositeEnvelope
		require.NoError(t, cbor.Unmarshal(body, &env))
		indices = append(indices, env.MsgIndex)
		return []byte{}, nil
	})

	c.opt.WindowMsgs = 2
	require.NoError(t, postBoth(c))
	require.NoError(t, postBoth(c))
	require.Equal(t, []uint16{0, 1}, indices)
}

func postBoth(c *Client) error {
	var wg sync.WaitGroup
	var err1, err2 error
	wg.Add(2)
	go func() {
		defer wg.Done()
		err1 = c.SendEpilogComplete(context.Background(), 1)
	}()
	go func() {
		defer wg.Done()
		err2 = c.SendEpilogComplete(context.Background(), 2)
	}()
	wg.Wait()
	if err1 != nil {
		return err1
	}
	return err2
}

func TestSendEpilogRoutesToCollectorSubject(t *testing.T) {
	c, conn := newTestClient(Options{
		ClusterName:      "c1",
		NodeName:         "n1",
		WindowMsgs:       1,
		CollectorSubject: "slurmd.c1.collector.epilog",
	})
	conn.on("slurmd.c1.collector.epilog", func(body []byte) ([]byte, error) {
		return []byte{}, nil
	})

	require.NoError(t, c.SendEpilogComplete(context.Background(), 9))
	require.Len(t, conn.requestsTo("slurmd.c1.collector.epilog"), 1)
	require.Empty(t, conn.requestsTo(c.epilogSubj))
}

func TestHandlePingRunsHandlers(t *testing.T) {
	var ran bool
	c := New(Options{
		ClusterName: "c1",
		NodeName:    "n1",
		WindowMsgs:  1,
		OnPing: PingHandlers{
			func(ctx context.Context) error {
				ran = true
				return nil
			},
		},
	})
	c.handlePing(&nats.Msg{Subject: c.pingSubj})
	require.True(t, ran)
}

func TestMessageCBORRoundTrip(t *testing.T) {
	report := RegistrationReport{
		NodeName:    "n1",
		Boards:      1,
		Sockets:     2,
		CoresPerSkt: 8,
		ThreadsPerC: 2,
		RealMemMB:   128000,
		TmpDiskMB:   20000,
		UpTime:      3600,
		Running:     []RunningStep{{JobID: 10, StepID: 0}},
		Version:     "24.05",
		SwitchState: map[string]string{"ib0": "up"},
		Energy:      map[string]uint64{"joules": 12345},
		FeaturesAvl: []string{"gpu"},
		FeaturesAct: []string{"gpu"},
	}
	body, err := cbor.Marshal(report)
	require.NoError(t, err)

	var out RegistrationReport
	require.NoError(t, cbor.Unmarshal(body, &out))
	require.Equal(t, report, out)
}
