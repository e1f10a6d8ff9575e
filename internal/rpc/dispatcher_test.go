package rpc_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/metrics"
	"github.com/kraklabs/nodeagentd/internal/rpc"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

type ackPayload struct{ OK bool }

func startDispatcher(t *testing.T, d *rpc.Dispatcher) (net.Addr, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Serve(ctx, ln)

	return ln.Addr(), func() {
		cancel()
		ln.Close()
	}
}

func sendAndRead(t *testing.T, addr net.Addr, env wire.Envelope) wire.Envelope {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteEnvelope(conn, env))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := wire.ReadEnvelope(conn)
	require.NoError(t, err)
	return resp
}

// Every accepted connection gets exactly one reply, even on the
// success path.
func TestEveryConnectionGetsExactlyOneReply(t *testing.T) {
	d := rpc.New(rpc.Options{MaxWorkers: 4})
	d.Register(wire.MsgPing, rpc.Route{
		Handler: func(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
			return wire.EncodePayload(ackPayload{OK: true})
		},
	})

	addr, stop := startDispatcher(t, d)
	defer stop()

	resp := sendAndRead(t, addr, wire.Envelope{Version: wire.CurrentVersion, Type: wire.MsgPing})
	var ack ackPayload
	require.NoError(t, wire.DecodePayload(resp, &ack))
	require.True(t, ack.OK)
}

func TestUnauthorizedMutatingRequestIsRejected(t *testing.T) {
	d := rpc.New(rpc.Options{MaxWorkers: 4, SlurmUID: 900})
	called := false
	d.Register(wire.MsgTerminateJob, rpc.Route{
		MutatesState: true,
		Handler: func(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
			called = true
			return wire.EncodePayload(ackPayload{OK: true})
		},
	})

	addr, stop := startDispatcher(t, d)
	defer stop()

	resp := sendAndRead(t, addr, wire.Envelope{
		Version: wire.CurrentVersion,
		Type:    wire.MsgTerminateJob,
		Auth:    wire.AuthHeader{UID: 1001},
	})
	require.False(t, called)

	var e struct{ Message string }
	require.NoError(t, wire.DecodePayload(resp, &e))
	require.Contains(t, e.Message, "uid not permitted")
}

func TestSlurmUidBypassesOwnerCheck(t *testing.T) {
	d := rpc.New(rpc.Options{MaxWorkers: 4, SlurmUID: 900})
	called := false
	d.Register(wire.MsgTerminateJob, rpc.Route{
		MutatesState: true,
		Handler: func(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
			called = true
			return wire.EncodePayload(ackPayload{OK: true})
		},
	})

	addr, stop := startDispatcher(t, d)
	defer stop()

	sendAndRead(t, addr, wire.Envelope{
		Version: wire.CurrentVersion,
		Type:    wire.MsgTerminateJob,
		Auth:    wire.AuthHeader{UID: 900},
	})
	require.True(t, called)
}

func TestLaunchMutexSerializesConcurrentLaunchHandlers(t *testing.T) {
	d := rpc.New(rpc.Options{MaxWorkers: 8})

	var mu sync.Mutex
	var active, maxActive int
	d.Register(wire.MsgLaunchTasks, rpc.Route{
		RequiresLaunchMutex: true,
		Handler: func(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return wire.EncodePayload(ackPayload{OK: true})
		},
	})

	addr, stop := startDispatcher(t, d)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sendAndRead(t, addr, wire.Envelope{Version: wire.CurrentVersion, Type: wire.MsgLaunchTasks})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, maxActive)
}

func TestUnregisteredMsgTypeStillGetsAReply(t *testing.T) {
	d := rpc.New(rpc.Options{MaxWorkers: 2})
	addr, stop := startDispatcher(t, d)
	defer stop()

	resp := sendAndRead(t, addr, wire.Envelope{Version: wire.CurrentVersion, Type: wire.MsgJobNotify})
	var e struct{ Message string }
	require.NoError(t, wire.DecodePayload(resp, &e))
	require.NotEmpty(t, e.Message)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	d := rpc.New(rpc.Options{MaxWorkers: 2, Metrics: metrics.New()})

	release := make(chan struct{})
	var mu sync.Mutex
	inflight := 0
	maxInflight := 0
	d.Register(wire.MsgPing, rpc.Route{
		Handler: func(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
			mu.Lock()
			inflight++
			if inflight > maxInflight {
				maxInflight = inflight
			}
			mu.Unlock()
			<-release
			mu.Lock()
			inflight--
			mu.Unlock()
			return wire.EncodePayload(ackPayload{OK: true})
		},
	})

	addr, stop := startDispatcher(t, d)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			wire.WriteEnvelope(conn, wire.Envelope{Version: wire.CurrentVersion, Type: wire.MsgPing})
			conn.SetReadDeadline(time.Now().Add(3 * time.Second))
			wire.ReadEnvelope(conn)
		}(i)
	}

	time.Sleep(200 * time.Millisecond)
	close(release)
	wg.Wait()

	require.LessOrEqual(t, maxInflight, 2, fmt.Sprintf("worker pool exceeded its cap: saw %d concurrent handlers", maxInflight))
}
