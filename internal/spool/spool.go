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

// Package spool discovers live steps by scanning the spool directory at
// startup: every step's unix-domain supervisor socket lives there under
// a fixed naming convention, and a socket that does not answer a
// liveness dial is pruned silently rather than reported as an error, so
// a crash mid-write or a step that already exited never surfaces as a
// scan failure.
package spool

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kraklabs/nodeagentd/internal/wire"
)

// StepRecord is the node-local record of one live step, rebuilt entirely
// from the spool directory and a liveness probe of its socket.
type StepRecord struct {
	JobID  uint32
	StepID uint32

	// NodeRank is not recoverable from a socket scan alone (it is only
	// known from the job credential at launch time); Scan always leaves
	// it at -1. A caller that already holds the credential vault's
	// per-job state can fill it in separately.
	NodeRank int

	// SupervisorPid is read via SO_PEERCRED on the liveness-probe
	// connection; 0 if the kernel did not return one.
	SupervisorPid int

	SocketPath      string
	ProtocolVersion uint16
}

// CredStateFile, CredStateOldFile, and CredStateNewFile are the
// credential vault's persistence files, named the same way here as in
// internal/credential/vault.go's spoolPaths (kept as a second,
// lowercase-free definition because that helper is unexported: spool's
// callers need the layout without importing credential's internals).
const (
	CredStateFile    = "cred_state"
	CredStateOldFile = "cred_state.old"
	CredStateNewFile = "cred_state.new"
)

// ScriptPath is the batch-script staging path for jobID, cleaned up on
// --cleanstart.
func ScriptPath(spoolDir string, jobID uint32) string {
	return filepath.Join(spoolDir, fmt.Sprintf("job%d", jobID), "slurm_script")
}

// socketName matches "<nodename>_<job>.<step>"; nodename is whatever
// precedes the last run of "_<digits>.<digits>" so a hostname containing
// underscores is still parsed correctly.
var socketName = regexp.MustCompile(`^(.+)_(\d+)\.(\d+)$`)

// defaultProbeTimeout bounds how long Scan waits for a single socket to
// answer before treating it as dead.
const defaultProbeTimeout = 200 * time.Millisecond

// Scan lists dir for supervisor sockets belonging to nodeName and probes
// each for liveness, silently dropping any entry that is not a socket
// matching the naming convention or that refuses the connection. A
// missing dir is reported as an error; every other per-entry problem is
// swallowed, since a torn or stale spool entry is an expected steady
// state, not a scan failure (spec: "concurrent readers tolerate torn
// states").
func Scan(dir, nodeName string, timeout time.Duration) ([]StepRecord, error) {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("spool: reading %s: %w", dir, err)
	}

	var out []StepRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := socketName.FindStringSubmatch(e.Name())
		if m == nil || m[1] != nodeName {
			continue
		}
		jobID, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			continue
		}
		stepID, err := strconv.ParseUint(m[3], 10, 32)
		if err != nil {
			continue
		}

		path := filepath.Join(dir, e.Name())
		pid, alive := probe(path, timeout)
		if !alive {
			continue
		}

		out = append(out, StepRecord{
			JobID:           uint32(jobID),
			StepID:          uint32(stepID),
			NodeRank:        -1,
			SupervisorPid:   pid,
			SocketPath:      path,
			ProtocolVersion: wire.CurrentVersion,
		})
	}
	return out, nil
}

// probe dials path and, on success, reads the peer's pid via
// SO_PEERCRED. alive is false for any dial failure (socket missing,
// connection refused, or timed out) — the caller prunes those silently.
func probe(path string, timeout time.Duration) (pid int, alive bool) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return 0, false
	}
	defer conn.Close()

	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, true
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, true
	}

	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil || cred == nil {
		return 0, true
	}
	return int(cred.Pid), true
}
