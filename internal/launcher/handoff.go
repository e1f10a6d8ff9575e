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

package launcher

import (
	"encoding/binary"
	"io"

	"github.com/kraklabs/nodeagentd/internal/reversetree"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

// LaunchKind tags whether a handoff is for an interactive step or a
// batch job's implicit step.
type LaunchKind uint8

const (
	LaunchKindTasks LaunchKind = iota
	LaunchKindBatch
)

// AgentConfig is the subset of agent configuration the supervisor needs
// to know about: node identity, spool location, and plugin parameters
// (the plugin internals themselves are out of scope).
type AgentConfig struct {
	NodeName      string
	SpoolDir      string
	ClusterName   string
	DebugLevel    int
	PluginParams  map[string]string
}

// TRESEntry is one accountable resource kind from the controller's
// authoritative TRES list.
type TRESEntry struct {
	Type  string
	Name  string
	Count uint64
}

// CPUFreqState carries the CPU-frequency governor request for this
// step, opaque beyond what the supervisor needs to apply it.
type CPUFreqState struct {
	Governor string
	MinKHz   uint64
	MaxKHz   uint64
}

// Handoff is the complete, ordered set of values streamed over the
// to_stepd pipe when launching a step: a fork boundary expressed as one
// typed value, written field by field in the fixed order the supervisor
// expects to read them.
type Handoff struct {
	Agent       AgentConfig
	TRES        []TRESEntry
	CgroupCfg   map[string]string
	AcctGather  map[string]string
	Kind        LaunchKind
	Tree        reversetree.Params
	ClientAddr  string
	SelfAddr    string
	GRES        map[string]string
	CPUFreq     CPUFreqState
	OriginalRPC []byte
	ClientProtocolVersion uint16
	FinalRPC    []byte
}

// WriteHandoff streams h over w in the fixed order the supervisor reads
// it in: agent config, TRES list, cgroup config, acct-gather config,
// launch-kind tag, reverse-tree parameters, client address, self
// address, GRES state, CPU-frequency state, original RPC payload,
// client protocol version, then the length-prefixed final RPC bytes.
func WriteHandoff(w io.Writer, h Handoff) error {
	writers := []func() error{
		func() error { return writeBlock(w, h.Agent) },
		func() error { return writeBlock(w, h.TRES) },
		func() error { return writeBlock(w, h.CgroupCfg) },
		func() error { return writeBlock(w, h.AcctGather) },
		func() error { return writeBlock(w, h.Kind) },
		func() error { return writeBlock(w, h.Tree) },
		func() error { return writeBlock(w, h.ClientAddr) },
		func() error { return writeBlock(w, h.SelfAddr) },
		func() error { return writeBlock(w, h.GRES) },
		func() error { return writeBlock(w, h.CPUFreq) },
		func() error { return writeRaw(w, h.OriginalRPC) },
		func() error { return binary.Write(w, binary.BigEndian, h.ClientProtocolVersion) },
		func() error { return writeRaw(w, h.FinalRPC) },
	}
	for _, step := range writers {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// ReadHandoff is WriteHandoff's inverse, used by tests and by a real
// supervisor implementation reading its end of to_stepd.
func ReadHandoff(r io.Reader) (Handoff, error) {
	var h Handoff
	readers := []func() error{
		func() error { return readBlock(r, &h.Agent) },
		func() error { return readBlock(r, &h.TRES) },
		func() error { return readBlock(r, &h.CgroupCfg) },
		func() error { return readBlock(r, &h.AcctGather) },
		func() error { return readBlock(r, &h.Kind) },
		func() error { return readBlock(r, &h.Tree) },
		func() error { return readBlock(r, &h.ClientAddr) },
		func() error { return readBlock(r, &h.SelfAddr) },
		func() error { return readBlock(r, &h.GRES) },
		func() error { return readBlock(r, &h.CPUFreq) },
		func() error { v, err := readRaw(r); h.OriginalRPC = v; return err },
		func() error { return binary.Read(r, binary.BigEndian, &h.ClientProtocolVersion) },
		func() error { v, err := readRaw(r); h.FinalRPC = v; return err },
	}
	for _, step := range readers {
		if err := step(); err != nil {
			return Handoff{}, err
		}
	}
	return h, nil
}

func writeBlock(w io.Writer, v interface{}) error {
	payload, err := wire.EncodePayload(v)
	if err != nil {
		return err
	}
	return writeRaw(w, payload)
}

func readBlock(r io.Reader, v interface{}) error {
	payload, err := readRaw(r)
	if err != nil {
		return err
	}
	return wire.DecodePayload(wire.Envelope{Payload: payload}, v)
}

func writeRaw(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readRaw(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
