package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kraklabs/nodeagentd/internal/wire"
)

type launchTasksPayload struct {
	JobID  uint32
	StepID uint32
}

func TestWriteThenReadEnvelopeRoundTrips(t *testing.T) {
	payload, err := wire.EncodePayload(launchTasksPayload{JobID: 100, StepID: 1})
	require.NoError(t, err)

	env := wire.Envelope{
		Version: wire.CurrentVersion,
		Type:    wire.MsgLaunchTasks,
		Auth:    wire.AuthHeader{UID: 1001, GID: 1001},
		Payload: payload,
	}

	var buf bytes.Buffer
	require.NoError(t, wire.WriteEnvelope(&buf, env))

	got, err := wire.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, env.Version, got.Version)
	require.Equal(t, env.Type, got.Type)
	require.Equal(t, env.Auth, got.Auth)

	var decoded launchTasksPayload
	require.NoError(t, wire.DecodePayload(got, &decoded))
	require.Equal(t, uint32(100), decoded.JobID)
	require.Equal(t, uint32(1), decoded.StepID)
}

func TestReadEnvelopeAcceptsPreviousVersion(t *testing.T) {
	env := wire.Envelope{Version: wire.PreviousVersion, Type: wire.MsgPing}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteEnvelope(&buf, env))

	got, err := wire.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.PreviousVersion, got.Version)
}

func TestReadEnvelopeRejectsUnknownVersion(t *testing.T) {
	env := wire.Envelope{Version: 99, Type: wire.MsgPing}
	var buf bytes.Buffer
	require.NoError(t, wire.WriteEnvelope(&buf, env))

	_, err := wire.ReadEnvelope(&buf)
	require.ErrorIs(t, err, wire.ErrUnsupportedVersion)
}

func TestReadEnvelopeRejectsTruncatedHeader(t *testing.T) {
	_, err := wire.ReadEnvelope(bytes.NewReader([]byte{0, 0, 0, 200}))
	require.Error(t, err)
}

func TestMultipleEnvelopesOnOneStreamReadInOrder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteEnvelope(&buf, wire.Envelope{Version: wire.CurrentVersion, Type: wire.MsgPing}))
	require.NoError(t, wire.WriteEnvelope(&buf, wire.Envelope{Version: wire.CurrentVersion, Type: wire.MsgHealthCheck}))

	first, err := wire.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.MsgPing, first.Type)

	second, err := wire.ReadEnvelope(&buf)
	require.NoError(t, err)
	require.Equal(t, wire.MsgHealthCheck, second.Type)
}
