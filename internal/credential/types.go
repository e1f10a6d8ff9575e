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

// Package credential is the job credential vault: signature verification,
// revocation, replay-tolerant caching, and crash-safe persistence of the
// authenticated (job, step, node, uid) capability.
package credential

import "time"

// CoreRLE is the variable-sized run-length-encoded core bitmap carried by a
// JobCredential, modeled as a trait (NodeCoreView below) so callers never
// touch the raw arrays directly.
type CoreRLE struct {
	SocketsPerNode  []uint16
	CoresPerSocket  []uint16
	SockCoreRepCnt  []uint32
	Bitmap          []byte
	ThreadsPerCore  uint16
}

// X11Policy captures the credential's X11-forwarding policy bits.
type X11Policy uint8

const (
	X11None X11Policy = iota
	X11AllNodes
	X11FirstNode
	X11LastNode
)

// JobCredential is the authenticated (job, step, node, uid) record signed
// by the controller and attached to launch and file-broadcast RPCs.
type JobCredential struct {
	JobID       uint32
	StepID      uint32
	UID         uint32
	GID         uint32
	UserName    string
	Hostlist    []string
	Cores       CoreRLE
	// MemPerNode and MemPerCPU are mutually exclusive; MemPerCPU set means
	// the high-bit-flag encoding was used on the wire.
	MemPerNode  uint64
	MemPerCPU   uint64
	X11         X11Policy
	SupplGroups []uint32

	StartTime time.Time

	// Signature is the detached NKey/Ed25519 signature over the claims
	// above, verified by Vault.Verify.
	Signature []byte
}

// Args is the owned, typed view Verify returns on success.
type Args struct {
	Cred      JobCredential
	NodeIndex int // this node's position within Cred.Hostlist
}

// NodeCoreView isolates the RLE bitmap arithmetic so callers ask for a CPU
// count instead of decoding sockets/cores/rep-counts themselves.
type NodeCoreView interface {
	// JobCpusForNode returns the total CPU count the job's credential
	// grants this node, before any per-step restriction.
	JobCpusForNode(hostIndex int) (int, error)
	// StepCpusForNode returns the CPU count this step's slice of the
	// credential grants this node.
	StepCpusForNode(hostIndex int) (int, error)
}
