package iomux

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestInitHeaderRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	in := initHeader{Version: ProtocolVersion, NodeIndex: 3, StdoutTasks: 2, StderrTasks: 1}
	require.NoError(t, writeInitHeader(&buf, in))

	out, err := readInitHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestFramedHeaderRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Type: StreamStdout, TaskID: 7, Length: 123}
	require.NoError(t, writeHeader(&buf, h))

	out, err := readHeader(&buf)
	require.NoError(t, err)
	require.Equal(t, h, out)
}

func TestIOServerParsesFramedStdoutIntoSink(t *testing.T) {
	peer, own := socketpair(t)

	var out bytes.Buffer
	sink := NewFileSink(&out, nil, 0, nil)
	srv := newIOServer(own, 0, &Multiplexer{pool: NewBufferPool()}, sink, sink, nil, 1, 1)

	hdr := Header{Type: StreamStdout, TaskID: 0, Length: uint32(len("hello"))}
	require.NoError(t, writeHeader(directFD{peer}, hdr))
	_, err := unix.Write(peer, []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_ = srv.HandleRead()
		return out.String() == "hello"
	}, time.Second, time.Millisecond)
}

func TestIOServerStdoutEOFClearsStdoutCount(t *testing.T) {
	peer, own := socketpair(t)

	srv := newIOServer(own, 0, &Multiplexer{pool: NewBufferPool()}, nil, nil, nil, 1, 1)
	require.True(t, srv.Readable())

	require.NoError(t, writeHeader(directFD{peer}, Header{Type: StreamStdout, Length: 0}))

	require.Eventually(t, func() bool {
		_ = srv.HandleRead()
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return srv.stdoutCount == 0
	}, time.Second, time.Millisecond)

	require.True(t, srv.Readable())
	require.NoError(t, writeHeader(directFD{peer}, Header{Type: StreamStderr, Length: 0}))
	require.Eventually(t, func() bool {
		_ = srv.HandleRead()
		return srv.Shutdown()
	}, time.Second, time.Millisecond)
}

func TestIOServerConnectionTestAckClearsFlag(t *testing.T) {
	peer, own := socketpair(t)

	srv := newIOServer(own, 0, &Multiplexer{pool: NewBufferPool()}, nil, nil, nil, 0, 0)
	srv.testingConnection = true
	require.True(t, srv.Readable())

	require.NoError(t, writeHeader(directFD{peer}, Header{Type: StreamConnectionTest}))

	require.Eventually(t, func() bool {
		_ = srv.HandleRead()
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return !srv.testingConnection
	}, time.Second, time.Millisecond)
}

func TestIOServerWritesOutboundQueueInEnqueueOrder(t *testing.T) {
	peer, own := socketpair(t)

	srv := newIOServer(own, 0, &Multiplexer{pool: NewBufferPool()}, nil, nil, nil, 0, 0)

	pool := NewBufferPool()
	a := pool.GetOutgoing()
	a.Header = Header{Type: StreamAllStdin, Length: uint32(len("first"))}
	a.Data = []byte("first")
	a.SetRefcount(1)

	b := pool.GetOutgoing()
	b.Header = Header{Type: StreamAllStdin, Length: uint32(len("second"))}
	b.Data = []byte("second")
	b.SetRefcount(1)

	srv.enqueueOutbound(a)
	srv.enqueueOutbound(b)
	require.True(t, srv.Writable())

	for i := 0; i < 8 && srv.Writable(); i++ {
		require.NoError(t, srv.HandleWrite())
	}

	got := make([]byte, 256)
	total := 0
	require.Eventually(t, func() bool {
		n, err := unix.Read(peer, got[total:])
		if n > 0 {
			total += n
		}
		return err == unix.EAGAIN && total > 0
	}, time.Second, time.Millisecond)

	first, err := readHeader(bytes.NewReader(got[:headerSize]))
	require.NoError(t, err)
	require.Equal(t, uint32(len("first")), first.Length)
}

// directFD adapts a raw blocking-agnostic fd write into an io.Writer for
// header helpers that only need Write during test setup.
type directFD struct{ fd int }

func (d directFD) Write(p []byte) (int, error) {
	n, err := unix.Write(d.fd, p)
	if err == unix.EAGAIN {
		time.Sleep(time.Millisecond)
		return d.Write(p)
	}
	return n, err
}
