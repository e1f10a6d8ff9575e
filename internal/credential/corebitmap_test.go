package credential_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/credential"
)

func rle2x2x2() credential.CoreRLE {
	return credential.CoreRLE{
		SocketsPerNode: []uint16{2},
		CoresPerSocket: []uint16{8},
		SockCoreRepCnt: []uint32{4},
		ThreadsPerCore: 2,
	}
}

func TestJobCpusForNodeUniformRun(t *testing.T) {
	view := credential.NewCoreView(rle2x2x2())

	cpus, err := view.JobCpusForNode(0)
	require.NoError(t, err)
	require.Equal(t, 32, cpus) // 2 sockets * 8 cores * 2 threads

	cpus, err = view.JobCpusForNode(3)
	require.NoError(t, err)
	require.Equal(t, 32, cpus)
}

func TestJobCpusForNodeMultipleRuns(t *testing.T) {
	rle := credential.CoreRLE{
		SocketsPerNode: []uint16{1, 2},
		CoresPerSocket: []uint16{4, 8},
		SockCoreRepCnt: []uint32{2, 1},
		ThreadsPerCore: 1,
	}
	view := credential.NewCoreView(rle)

	cpus, err := view.JobCpusForNode(0)
	require.NoError(t, err)
	require.Equal(t, 4, cpus)

	cpus, err = view.JobCpusForNode(1)
	require.NoError(t, err)
	require.Equal(t, 4, cpus)

	cpus, err = view.JobCpusForNode(2)
	require.NoError(t, err)
	require.Equal(t, 16, cpus)
}

func TestJobCpusForNodeOutOfRange(t *testing.T) {
	view := credential.NewCoreView(rle2x2x2())
	_, err := view.JobCpusForNode(4)
	require.Error(t, err)

	_, err = view.JobCpusForNode(-1)
	require.Error(t, err)
}

func TestFoldMemoryLimitPerCPU(t *testing.T) {
	got := credential.FoldMemoryLimit(0, 1024, 8)
	require.Equal(t, uint64(8192), got)
}

func TestFoldMemoryLimitPerNode(t *testing.T) {
	got := credential.FoldMemoryLimit(65536, 0, 8)
	require.Equal(t, uint64(65536), got)
}
