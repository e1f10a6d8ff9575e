package launcher_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/credential"
	"github.com/kraklabs/nodeagentd/internal/launcher"
)

// TestMain lets this test binary also act as a fake supervisor process
// when invoked with GO_WANT_HELPER_SUPERVISOR=1, following the same
// trick the standard library's own exec tests use: re-exec the test
// binary itself instead of depending on an external fixture program.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_SUPERVISOR") == "1" {
		runFakeSupervisor()
		return
	}
	os.Exit(m.Run())
}

func runFakeSupervisor() {
	if _, err := launcher.ReadHandoff(os.Stdin); err != nil {
		os.Exit(2)
	}
	rc := []byte{0, 0, 0, 0}
	os.Stdout.Write(rc)
	var ack [4]byte
	os.Stdin.Read(ack[:])
	os.Exit(0)
}

func fakeSupervisorPath(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return self
}

func TestLaunchRunsSupervisorAndCollectsRC(t *testing.T) {
	l := launcher.New(launcher.Options{SupervisorBinary: fakeSupervisorPath(t)})

	req := launcher.Request{
		Kind:       launcher.LaunchKindTasks,
		Privileged: true,
		Cred: credential.JobCredential{
			JobID:    1,
			Hostlist: []string{"n1"},
		},
		Agent:     launcher.AgentConfig{NodeName: "n1"},
		TreeWidth: 0,
		FinalRPC:  []byte("final"),
		Env:       []string{"GO_WANT_HELPER_SUPERVISOR=1"},
	}

	res, err := l.Launch(context.Background(), req)
	require.NoError(t, err)
	require.EqualValues(t, 0, res.RC)
}

func TestPrivilegedLaunchBypassesReverseTree(t *testing.T) {
	req := launcher.Request{
		Privileged: true,
		Args:       credential.Args{NodeIndex: 3},
	}
	require.Equal(t, -1, privilegedNodeIndex(req))
}

// privilegedNodeIndex mirrors the bypass rule Launch applies: a
// privileged sender's node index is never trusted, regardless of what
// Args.NodeIndex says.
func privilegedNodeIndex(req launcher.Request) int {
	if req.Privileged {
		return -1
	}
	return req.Args.NodeIndex
}

func TestHandoffRoundTripsAllFields(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	h := launcher.Handoff{
		Agent:      launcher.AgentConfig{NodeName: "n1", SpoolDir: "/var/spool/nodeagentd"},
		TRES:       []launcher.TRESEntry{{Type: "cpu", Count: 4}},
		CgroupCfg:  map[string]string{"memory.max": "1G"},
		AcctGather: map[string]string{"plugin": "linux"},
		Kind:       launcher.LaunchKindBatch,
		ClientAddr: "10.0.0.1:7321",
		SelfAddr:   "10.0.0.2:7321",
		GRES:       map[string]string{"gpu": "1"},
		CPUFreq:    launcher.CPUFreqState{Governor: "performance"},
		OriginalRPC: []byte{1, 2, 3},
		ClientProtocolVersion: 2,
		FinalRPC:   []byte{4, 5, 6, 7},
	}

	done := make(chan error, 1)
	go func() {
		done <- launcher.WriteHandoff(w, h)
		w.Close()
	}()

	got, err := launcher.ReadHandoff(r)
	require.NoError(t, err)
	require.NoError(t, <-done)

	require.Equal(t, h.Agent, got.Agent)
	require.Equal(t, h.TRES, got.TRES)
	require.Equal(t, h.Kind, got.Kind)
	require.Equal(t, h.ClientAddr, got.ClientAddr)
	require.Equal(t, h.CPUFreq, got.CPUFreq)
	require.Equal(t, h.OriginalRPC, got.OriginalRPC)
	require.Equal(t, h.ClientProtocolVersion, got.ClientProtocolVersion)
	require.Equal(t, h.FinalRPC, got.FinalRPC)
}
