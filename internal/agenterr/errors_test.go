package agenterr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/agenterr"
)

func TestKindOf(t *testing.T) {
	err := agenterr.New(agenterr.KindCredentialRevoked, "job 200 revoked")
	kind, ok := agenterr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, agenterr.KindCredentialRevoked, kind)
}

func TestIsMatchesByKindNotMessage(t *testing.T) {
	err := agenterr.New(agenterr.KindAuth, "uid mismatch")
	require.True(t, errors.Is(err, agenterr.ErrAuth))
	require.False(t, errors.Is(err, agenterr.ErrStepNotRunning))
}

func TestWrapPreservesParentForUnwrap(t *testing.T) {
	root := errors.New("connection reset by peer")
	err := agenterr.Wrap(agenterr.KindTransientComm, "short write", root)

	require.ErrorIs(t, err, root)
	require.Contains(t, err.Error(), "connection reset by peer")
}

func TestFatalOnlyForFatalConfig(t *testing.T) {
	require.True(t, agenterr.KindFatalConfig.Fatal())
	require.False(t, agenterr.KindAuth.Fatal())
	require.False(t, agenterr.KindResourceExhausted.Fatal())
}

func TestCodeStableOrdering(t *testing.T) {
	// The numeric code is part of the wire contract with the controller;
	// a reviewer changing the iota order would silently break replies
	// already understood by older controllers.
	require.Equal(t, 1, agenterr.KindAuth.Code())
	require.Equal(t, 9, agenterr.KindFatalConfig.Code())
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := agenterr.KindOf(fmt.Errorf("plain"))
	require.False(t, ok)
}
