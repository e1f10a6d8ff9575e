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

// Package launcher starts the per-step supervisor process and hands it
// everything it needs over a pair of pipes: configuration, resource
// grants, and the original RPC that requested the step, in a fixed
// order the supervisor reads back out.
//
// A privileged slurmd-style daemon launches its step supervisor with a
// double fork so the supervisor survives even if the daemon is killed:
// fork once to get an intermediate child, have that child fork again and
// exit immediately, and let init reparent the grandchild. Go's runtime
// does not allow a multi-threaded process to fork() without exec()'ing
// immediately in the child, so that sequence is not reproducible here.
// Launch instead starts the supervisor with a new session (Setsid) via a
// single fork+exec, which gives the same practical property — the
// supervisor keeps running after this process exits — without depending
// on raw fork semantics the Go scheduler does not support.
package launcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/credential"
	"github.com/kraklabs/nodeagentd/internal/reversetree"
)

// rcWarnThreshold is how long Launch waits for the supervisor's readiness
// code before logging a slow-start warning (it keeps waiting after that).
const rcWarnThreshold = 5 * time.Second

// TRESWaiter blocks until the controller's registration response has
// supplied the authoritative TRES list for this job, or ctx is
// cancelled. internal/uplink.Client is the real implementation: its
// Register call unblocks every launcher waiting on it.
type TRESWaiter interface {
	WaitForTRES(ctx context.Context, jobID uint32) ([]TRESEntry, error)
}

// Request is everything Launch needs to start one step's supervisor.
type Request struct {
	Kind       LaunchKind
	Cred       credential.JobCredential
	Args       credential.Args // from Vault.Verify; NodeIndex==-1 for the privileged-bypass case
	Privileged bool            // true when the credential check was bypassed for a privileged sender

	Agent      AgentConfig
	CgroupCfg  map[string]string
	AcctGather map[string]string
	ClientAddr string
	SelfAddr   string
	GRES       map[string]string
	CPUFreq    CPUFreqState

	TreeWidth   int
	OriginalRPC []byte
	ClientProtocolVersion uint16
	FinalRPC    []byte

	// Env, if non-nil, extends the supervisor's environment beyond the
	// current process's. Tests use this to make the test binary re-exec
	// itself as a fake supervisor.
	Env []string
}

// Result is what Launch learns back from the supervisor once it reports
// in over to_slurmd.
type Result struct {
	RC  int32
	PID int
}

// Launcher owns the process-wide state Launch needs across concurrent
// step launches: the launch mutex is held by the RPC dispatcher around
// the whole handler, so Launcher itself only needs the TRES waiter and
// the supervisor binary path.
type Launcher struct {
	log        agentlog.Logger
	binaryPath string
	tres       TRESWaiter
}

// Options configures a new Launcher.
type Options struct {
	SupervisorBinary string
	TRES             TRESWaiter
	Log              agentlog.Logger
}

func New(opt Options) *Launcher {
	return &Launcher{log: opt.Log, binaryPath: opt.SupervisorBinary, tres: opt.TRES}
}

// Launch verifies resource limits, computes this node's place in the
// reverse tree, starts the supervisor, streams it the handoff, and waits
// for its readiness code. A privileged sender with an otherwise invalid
// credential still launches, but bypasses the reverse tree entirely
// (rank and parent both -1) since its resource grants cannot be trusted.
func (l *Launcher) Launch(ctx context.Context, req Request) (Result, error) {
	nodeIndex := req.Args.NodeIndex
	var cpus int
	var err error
	if req.Privileged {
		nodeIndex = -1
	} else {
		view := credential.NewCoreView(req.Cred.Cores)
		cpus, err = view.StepCpusForNode(nodeIndex)
		if err != nil {
			return Result{}, fmt.Errorf("launcher: resolving cpu grant: %w", err)
		}
	}

	memLimit := credential.FoldMemoryLimit(req.Cred.MemPerNode, req.Cred.MemPerCPU, cpus)

	var tree reversetree.Params
	if nodeIndex < 0 {
		tree = reversetree.Params{Rank: -1, Parent: -1}
	} else {
		tree = reversetree.Compute(nodeIndex, len(req.Cred.Hostlist), req.TreeWidth)
	}

	if l.tres != nil {
		tresList, err := l.tres.WaitForTRES(ctx, req.Cred.JobID)
		if err != nil {
			return Result{}, fmt.Errorf("launcher: waiting for TRES registration: %w", err)
		}
		req.Agent.PluginParams = mergeMemLimit(req.Agent.PluginParams, memLimit)
		return l.launchWithTRES(ctx, req, tree, tresList)
	}
	return l.launchWithTRES(ctx, req, tree, nil)
}

func mergeMemLimit(params map[string]string, memLimit uint64) map[string]string {
	out := make(map[string]string, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["mem_limit_bytes"] = fmt.Sprintf("%d", memLimit)
	return out
}

func (l *Launcher) launchWithTRES(ctx context.Context, req Request, tree reversetree.Params, tresList []TRESEntry) (Result, error) {
	toStepdRead, toStepdWrite, err := os.Pipe()
	if err != nil {
		return Result{}, fmt.Errorf("launcher: opening to_stepd pipe: %w", err)
	}
	toSlurmdRead, toSlurmdWrite, err := os.Pipe()
	if err != nil {
		toStepdRead.Close()
		toStepdWrite.Close()
		return Result{}, fmt.Errorf("launcher: opening to_slurmd pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, l.binaryPath)
	cmd.Stdin = toStepdRead
	cmd.Stdout = toSlurmdWrite
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if req.Env != nil {
		cmd.Env = append(os.Environ(), req.Env...)
	}

	if err := cmd.Start(); err != nil {
		toStepdRead.Close()
		toStepdWrite.Close()
		toSlurmdRead.Close()
		toSlurmdWrite.Close()
		return Result{}, fmt.Errorf("launcher: starting supervisor: %w", err)
	}
	toStepdRead.Close()
	toSlurmdWrite.Close()
	defer toStepdWrite.Close()
	defer toSlurmdRead.Close()

	handoff := Handoff{
		Agent:       req.Agent,
		TRES:        tresList,
		CgroupCfg:   req.CgroupCfg,
		AcctGather:  req.AcctGather,
		Kind:        req.Kind,
		Tree:        tree,
		ClientAddr:  req.ClientAddr,
		SelfAddr:    req.SelfAddr,
		GRES:        req.GRES,
		CPUFreq:     req.CPUFreq,
		OriginalRPC: req.OriginalRPC,
		ClientProtocolVersion: req.ClientProtocolVersion,
		FinalRPC:    req.FinalRPC,
	}
	if err := WriteHandoff(toStepdWrite, handoff); err != nil {
		reapInBackground(l.log, cmd)
		return Result{}, fmt.Errorf("launcher: writing handoff: %w", err)
	}

	rc, err := l.readRC(toSlurmdRead, cmd.Process.Pid)
	if err != nil {
		reapInBackground(l.log, cmd)
		return Result{}, err
	}

	var ack [4]byte
	if _, err := toStepdWrite.Write(ack[:]); err != nil && l.log != nil {
		l.log.Warn("launcher: failed to send ack to supervisor", agentlog.F("err", err.Error()))
	}

	reapInBackground(l.log, cmd)
	return Result{RC: rc, PID: cmd.Process.Pid}, nil
}

func (l *Launcher) readRC(r *os.File, pid int) (int32, error) {
	type result struct {
		rc  int32
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var buf [4]byte
		_, err := readFull(r, buf[:])
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{rc: int32(buf[0])<<24 | int32(buf[1])<<16 | int32(buf[2])<<8 | int32(buf[3])}
	}()

	select {
	case res := <-ch:
		return res.rc, res.err
	case <-time.After(rcWarnThreshold):
		if l.log != nil {
			l.log.Warn("launcher: supervisor slow to report in", agentlog.F("pid", pid), agentlog.F("waited", rcWarnThreshold.String()))
		}
		res := <-ch
		return res.rc, res.err
	}
}

func readFull(r *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var reapWG sync.WaitGroup

// reapInBackground waits for the supervisor's launch-time process to
// exit without blocking the caller on the supervisor's full runtime: the
// single fork+exec used here means cmd.Process is the supervisor itself,
// which can outlive this call by the whole length of the step. Reaping
// it here only prevents a zombie entry; it does not delay the response
// to the RPC that requested the launch.
func reapInBackground(log agentlog.Logger, cmd *exec.Cmd) {
	reapWG.Add(1)
	go func() {
		defer reapWG.Done()
		if err := cmd.Wait(); err != nil && log != nil {
			log.Debug("launcher: supervisor process exited", agentlog.F("err", err.Error()))
		}
	}()
}
