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

package uplink

import "github.com/kraklabs/nodeagentd/internal/launcher"

// RunningStep is one (job, step) pair the registration report includes,
// discovered by scanning the spool directory at startup.
type RunningStep struct {
	JobID  uint32
	StepID uint32
}

// RegistrationReport is everything this node tells the controller at
// startup and on HUP.
type RegistrationReport struct {
	NodeName    string
	Boards      uint32
	Sockets     uint32
	CoresPerSkt uint32
	ThreadsPerC uint32
	RealMemMB   uint64
	TmpDiskMB   uint64
	UpTime      uint32
	Running     []RunningStep
	Version     string
	SwitchState map[string]string
	Energy      map[string]uint64
	FeaturesAvl []string
	FeaturesAct []string
}

// RegistrationReply is the controller's response to a RegistrationReport:
// the authoritative TRES list every launcher thread on this node is
// waiting on.
type RegistrationReply struct {
	TRES []launcher.TRESEntry
}

// EpilogCompleteReport tells the controller a job's epilog finished.
type EpilogCompleteReport struct {
	JobID uint32
	RC    int32
}

// pingPayload is the body of an inbound ping/health-check RPC; it
// carries no fields the agent needs to act on beyond its arrival, which
// is itself the stall-GC/memory-enforcement trigger.
type pingPayload struct{}

// compositeEnvelope wraps one or more aggregated reports behind a single
// msg_index the controller's reply is correlated against, mirroring the
// Composite/ResponseComposite wire messages (spec.md §6).
type compositeEnvelope struct {
	MsgIndex uint16
	Epilogs  []EpilogCompleteReport
}
