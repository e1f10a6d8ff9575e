package iomux_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/eventloop"
	"github.com/kraklabs/nodeagentd/internal/iomux"
)

func newUnixPair(t *testing.T) (*net.UnixListener, func() *net.UnixConn) {
	t.Helper()
	dir := t.TempDir()
	addr := &net.UnixAddr{Name: filepath.Join(dir, "iomux.sock"), Net: "unix"}
	ln, err := net.ListenUnix("unix", addr)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	dial := func() *net.UnixConn {
		conn, err := net.DialUnix("unix", nil, addr)
		require.NoError(t, err)
		return conn
	}
	return ln, dial
}

func writeInitHeaderRaw(t *testing.T, conn *net.UnixConn, version uint16, nodeIndex, stdoutTasks, stderrTasks uint32, key []byte) {
	t.Helper()
	f, err := conn.File()
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 0, 46)
	put16 := func(v uint16) { buf = append(buf, byte(v>>8), byte(v)) }
	put32 := func(v uint32) { buf = append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v)) }
	put16(version)
	put32(nodeIndex)
	put32(stdoutTasks)
	put32(stderrTasks)

	var mac [32]byte
	if len(key) > 0 {
		copy(mac[:], hmacOf(key, nodeIndex))
	}
	buf = append(buf, mac[:]...)

	_, err = f.Write(buf)
	require.NoError(t, err)
}

func hmacOf(key []byte, nodeIndex uint32) []byte {
	h := hmac.New(sha256.New, key)
	var idx [4]byte
	idx[0] = byte(nodeIndex >> 24)
	idx[1] = byte(nodeIndex >> 16)
	idx[2] = byte(nodeIndex >> 8)
	idx[3] = byte(nodeIndex)
	h.Write(idx[:])
	return h.Sum(nil)
}

func TestMultiplexerAcceptRejectsBadHMAC(t *testing.T) {
	ln, dial := newUnixPair(t)
	loop, err := eventloop.New(nil)
	require.NoError(t, err)

	mux := iomux.New(iomux.Options{NumNodes: 1, HMACKey: []byte("secret"), Loop: loop})

	client := dial()
	writeInitHeaderRaw(t, client, iomux.ProtocolVersion, 0, 1, 1, []byte("wrong-key"))

	conn, err := ln.AcceptUnix()
	require.NoError(t, err)
	err = mux.Accept(conn)
	require.Error(t, err)
	client.Close()
}

func TestMultiplexerAcceptRejectsUnsupportedVersion(t *testing.T) {
	ln, dial := newUnixPair(t)
	loop, err := eventloop.New(nil)
	require.NoError(t, err)
	mux := iomux.New(iomux.Options{NumNodes: 1, Loop: loop})

	client := dial()
	writeInitHeaderRaw(t, client, iomux.ProtocolVersion+1, 0, 1, 1, nil)

	conn, err := ln.AcceptUnix()
	require.NoError(t, err)
	require.Error(t, mux.Accept(conn))
	client.Close()
}

func TestMultiplexerAcceptRegistersNodeAndBecomesReady(t *testing.T) {
	ln, dial := newUnixPair(t)
	loop, err := eventloop.New(nil)
	require.NoError(t, err)
	go loop.Run()
	t.Cleanup(func() { _ = loop.Shutdown() })

	mux := iomux.New(iomux.Options{NumNodes: 1, Loop: loop})

	client := dial()
	writeInitHeaderRaw(t, client, iomux.ProtocolVersion, 0, 1, 1, nil)

	conn, err := ln.AcceptUnix()
	require.NoError(t, err)
	require.NoError(t, mux.Accept(conn))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mux.WaitReady(ctx))
	client.Close()
}

func TestMultiplexerDownNodesUnblocksWaitReady(t *testing.T) {
	loop, err := eventloop.New(nil)
	require.NoError(t, err)
	mux := iomux.New(iomux.Options{NumNodes: 2, Loop: loop})

	mux.DownNodes([]uint32{0, 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, mux.WaitReady(ctx))
}

func TestListenerCountBoundsSupervisorsPerPort(t *testing.T) {
	require.Equal(t, 1, iomux.ListenerCount(48))
	require.Equal(t, 2, iomux.ListenerCount(49))
	require.Equal(t, 1, iomux.ListenerCount(0))
}

