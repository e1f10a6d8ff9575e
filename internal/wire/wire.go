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

// Package wire implements the controller-agent envelope: a fixed binary
// header (length, version, msg_type, flags, auth fields) followed by a
// CBOR-encoded typed payload. Every RPC and the credential vault's
// persisted state share this one canonical payload encoding.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MsgType enumerates the controller<->agent message kinds this agent
// must accept.
type MsgType uint16

const (
	MsgLaunchProlog MsgType = iota + 1
	MsgBatchJobLaunch
	MsgLaunchTasks
	MsgSignalTasks
	MsgCheckpointTasks
	MsgTerminateTasks
	MsgKillTimelimit
	MsgKillPreempted
	MsgReattachTasks
	MsgSuspendInt
	MsgAbortJob
	MsgTerminateJob
	MsgCompleteBatchScript
	MsgUpdateJobTime
	MsgShutdown
	MsgReconfigure
	MsgRebootNodes
	MsgNodeRegistrationStatus
	MsgPing
	MsgHealthCheck
	MsgAcctGatherUpdate
	MsgAcctGatherEnergy
	MsgJobId
	MsgFileBcast
	MsgStepComplete
	MsgStepCompleteAggr
	MsgStatJobAcct
	MsgListPids
	MsgDaemonStatus
	MsgJobNotify
	MsgForwardData
	MsgNetworkCallerId
	MsgComposite
	MsgResponseComposite
)

// CurrentVersion and PreviousVersion bound the protocol versions this
// agent accepts on read; replies are always sent at the version the peer
// used to send its request.
const (
	CurrentVersion  uint16 = 2
	PreviousVersion uint16 = 1
)

const headerLen = 4 + 2 + 2 + 2 + 4 + 4 // length + version + msg_type + flags + uid + gid

// Flags is a bitmask carried on every envelope.
type Flags uint16

// AuthHeader carries the authenticated identity of the sender, verified
// out-of-band by the transport (the authentication token format itself
// is an opaque verifier, out of scope for this package).
type AuthHeader struct {
	UID uint32
	GID uint32
}

// Envelope is one framed message: fixed header plus a typed payload
// already encoded as CBOR bytes.
type Envelope struct {
	Version uint16
	Type    MsgType
	Flags   Flags
	Auth    AuthHeader
	Payload []byte
}

// ErrUnsupportedVersion is returned by ReadEnvelope when the peer's
// version is neither CurrentVersion nor PreviousVersion.
var ErrUnsupportedVersion = fmt.Errorf("wire: unsupported protocol version")

// WriteEnvelope frames env onto w: u32 length (of everything after the
// length field), u16 version, u16 msg_type, u16 flags, u32 uid, u32 gid,
// then the raw payload bytes.
func WriteEnvelope(w io.Writer, env Envelope) error {
	body := make([]byte, headerLen-4+len(env.Payload))
	binary.BigEndian.PutUint16(body[0:2], env.Version)
	binary.BigEndian.PutUint16(body[2:4], uint16(env.Type))
	binary.BigEndian.PutUint16(body[4:6], uint16(env.Flags))
	binary.BigEndian.PutUint32(body[6:10], env.Auth.UID)
	binary.BigEndian.PutUint32(body[10:14], env.Auth.GID)
	copy(body[14:], env.Payload)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadEnvelope reads one framed message from r. It rejects any version
// other than CurrentVersion or PreviousVersion so the caller can always
// reply at the version the peer actually sent.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n < headerLen-4 {
		return Envelope{}, fmt.Errorf("wire: envelope shorter than fixed header (%d bytes)", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, err
	}

	env := Envelope{
		Version: binary.BigEndian.Uint16(body[0:2]),
		Type:    MsgType(binary.BigEndian.Uint16(body[2:4])),
		Flags:   Flags(binary.BigEndian.Uint16(body[4:6])),
		Auth: AuthHeader{
			UID: binary.BigEndian.Uint32(body[6:10]),
			GID: binary.BigEndian.Uint32(body[10:14]),
		},
		Payload: body[14:],
	}

	if env.Version != CurrentVersion && env.Version != PreviousVersion {
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	return env, nil
}

// EncodePayload canonically CBOR-encodes v for use as an Envelope's
// Payload, matching the credential vault's serialisation choice so every
// RPC payload and the vault's persisted state share one encoding.
func EncodePayload(v interface{}) ([]byte, error) {
	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return opts.Marshal(v)
}

// DecodePayload unmarshals env.Payload into v.
func DecodePayload(env Envelope, v interface{}) error {
	return cbor.Unmarshal(env.Payload, v)
}

// NewBufferedReader wraps r for use with ReadEnvelope when the caller
// will issue many reads off the same connection, avoiding a syscall per
// small read.
func NewBufferedReader(r io.Reader) *bufio.Reader {
	return bufio.NewReaderSize(r, 64*1024)
}
