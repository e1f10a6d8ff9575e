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

// Package lifecycle drives a job from credentialed through prolog,
// step launch, signal/terminate, and epilog, coordinating the
// credential vault, the prolog/starting-barrier waiter slots, and the
// step launcher.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/agenterr"
	"github.com/kraklabs/nodeagentd/internal/credential"
	"github.com/kraklabs/nodeagentd/internal/launcher"
	"github.com/kraklabs/nodeagentd/internal/waiter"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

// Signal mirrors the handful of POSIX signals the driver needs to send;
// kept as an int rather than syscall.Signal so non-unix builds still
// compile.
type Signal int

const (
	SIGCONT Signal = 18
	SIGSTOP Signal = 19
	SIGTERM Signal = 15
	SIGKILL Signal = 9
)

// schedulerTimeSliceWarning is the threshold past which a suspend/resume
// call is considered slow enough to warrant a configuration warning.
const schedulerTimeSliceWarning = 100 * time.Millisecond

// SupervisorStatus is the liveness state a supervisor reports back.
type SupervisorStatus int

const (
	StatusRunning SupervisorStatus = iota
	StatusNotRunning
)

// Supervisor is the per-step collaborator the driver signals and
// terminates; the real implementation talks to the step's unix socket,
// the proctrack plugin, and the job container.
type Supervisor interface {
	JobID() uint32
	StepID() uint32
	Signal(sig Signal) error
	Status() (SupervisorStatus, error)
	ContainerTerminate() error
}

// PrologRunner executes the external prolog script with a fully
// populated environment and returns once it has completed.
type PrologRunner interface {
	Run(ctx context.Context, env map[string]string) error
}

// EpilogRunner executes the external epilog script.
type EpilogRunner interface {
	Run(ctx context.Context, env map[string]string) error
}

// ContainerDeleter removes the OS-level job container after epilog.
type ContainerDeleter interface {
	Delete(jobID uint32) error
}

// EpilogSender reports job completion to the controller.
type EpilogSender interface {
	SendEpilogComplete(ctx context.Context, jobID uint32) error
}

// StepLauncher is the subset of *launcher.Launcher the driver depends
// on, narrowed to an interface so tests can substitute a fake.
type StepLauncher interface {
	Launch(ctx context.Context, req launcher.Request) (launcher.Result, error)
}

// Options configures a new Driver.
type Options struct {
	Vault      *credential.Vault
	Launcher   StepLauncher
	Prolog     PrologRunner
	Epilog     EpilogRunner
	Containers ContainerDeleter
	Uplink     EpilogSender
	Log        agentlog.Logger

	KillWait      time.Duration // default 30s
	EpilogMsgTime time.Duration // default 0 (no spread) unless HostCount > 64
	HostCount     int
	HostIndex     int

	SuspendSlots  int // default 64 (NUM_PARALLEL_SUSP_JOBS)
	SuspendBatch  int // default 8  (NUM_PARALLEL_SUSP_STEPS)
}

// Driver coordinates one node's job lifecycle across every active job.
type Driver struct {
	vault      *credential.Vault
	launcher   StepLauncher
	prologRun  PrologRunner
	epilogRun  EpilogRunner
	containers ContainerDeleter
	uplink     EpilogSender
	log        agentlog.Logger

	killWait      time.Duration
	epilogMsgTime time.Duration
	hostCount     int
	hostIndex     int

	prologSlot   *waiter.Registry // jobID present => prolog running
	startBarrier *waiter.Registry // jobID present => a step is mid-launch

	launchComplete *lruSet

	mu    sync.Mutex
	creds map[uint32]credential.JobCredential
	supes map[uint32][]Supervisor

	suspend *suspendGate
}

// New builds a Driver. A nil field among Prolog/Epilog/Containers/Uplink
// is tolerated (no-op) so tests can exercise a subset of the lifecycle.
func New(opt Options) *Driver {
	if opt.KillWait <= 0 {
		opt.KillWait = 30 * time.Second
	}
	if opt.SuspendSlots <= 0 {
		opt.SuspendSlots = 64
	}
	if opt.SuspendBatch <= 0 {
		opt.SuspendBatch = 8
	}
	return &Driver{
		vault:          opt.Vault,
		launcher:       opt.Launcher,
		prologRun:      opt.Prolog,
		epilogRun:      opt.Epilog,
		containers:     opt.Containers,
		uplink:         opt.Uplink,
		log:            opt.Log,
		killWait:       opt.KillWait,
		epilogMsgTime:  opt.EpilogMsgTime,
		hostCount:      opt.HostCount,
		hostIndex:      opt.HostIndex,
		prologSlot:     waiter.New(),
		startBarrier:   waiter.New(),
		launchComplete: newLRUSet(64),
		creds:          make(map[uint32]credential.JobCredential),
		supes:          make(map[uint32][]Supervisor),
		suspend:        newSuspendGate(opt.SuspendSlots, opt.SuspendBatch),
	}
}

// BatchRequest launches a batch job's implicit step.
type BatchRequest struct {
	Privileged bool
	Cred       credential.JobCredential
	Env        map[string]string
	LaunchReq  launcher.Request
}

// LaunchBatch validates the sender, runs the prolog on first sight of
// this job, and hands the step off to the launcher.
func (d *Driver) LaunchBatch(ctx context.Context, req BatchRequest) (launcher.Result, error) {
	if !req.Privileged {
		return launcher.Result{}, agenterr.New(agenterr.KindAuth, "batch launch requires a privileged sender")
	}
	return d.launchWithProlog(ctx, req.Cred, req.Env, req.LaunchReq)
}

// TasksRequest launches an interactive step.
type TasksRequest struct {
	Cred      credential.JobCredential
	Env       map[string]string
	LaunchReq launcher.Request
}

// LaunchTasks runs the same credential+prolog discipline as LaunchBatch,
// then records launch_complete so a concurrent suspend stops polling.
func (d *Driver) LaunchTasks(ctx context.Context, req TasksRequest) (launcher.Result, error) {
	res, err := d.launchWithProlog(ctx, req.Cred, req.Env, req.LaunchReq)
	if err == nil {
		d.launchComplete.Insert(req.Cred.JobID)
	}
	return res, err
}

func (d *Driver) launchWithProlog(ctx context.Context, cred credential.JobCredential, env map[string]string, launchReq launcher.Request) (launcher.Result, error) {
	firstStep := !d.vault.HasSeen(cred.JobID)
	d.vault.InsertJob(cred)

	d.mu.Lock()
	d.creds[cred.JobID] = cred
	d.mu.Unlock()

	d.startBarrier.InsertIfAbsent(cred.JobID)
	defer func() {
		d.startBarrier.MatchAndRemove(cred.JobID)
		d.startBarrier.Broadcast()
	}()

	if firstStep {
		d.prologSlot.InsertIfAbsent(cred.JobID)
		var err error
		if d.prologRun != nil {
			err = d.prologRun.Run(ctx, env)
		}
		d.prologSlot.MatchAndRemove(cred.JobID)
		d.prologSlot.Broadcast()
		if err != nil {
			return launcher.Result{}, agenterr.Wrap(agenterr.KindPrologFailed, "prolog script failed", err)
		}
	}

	res, err := d.launcher.Launch(ctx, launchReq)
	if err != nil {
		return launcher.Result{}, agenterr.Wrap(agenterr.KindTransientComm, "step launch failed", err)
	}
	return res, nil
}

// jobIDPayload is the common field every mutating RPC this package
// handles carries; Owns only needs to see it, not the full request.
type jobIDPayload struct {
	JobID uint32
}

// Owns implements rpc.OwnerResolver: uid may mutate req's job only if it
// is that job's credentialed owner. A job this node has never seen (or a
// payload Owns cannot decode) is never owned by anyone but uid 0/slurm,
// which the dispatcher's authorization rule already bypasses before
// calling Owns.
func (d *Driver) Owns(req wire.Envelope, uid uint32) bool {
	var p jobIDPayload
	if err := wire.DecodePayload(req, &p); err != nil {
		return false
	}
	d.mu.Lock()
	cred, known := d.creds[p.JobID]
	d.mu.Unlock()
	return known && cred.UID == uid
}

// RegisterSupervisor records a running supervisor so SignalTasks and
// TerminateJob can reach it. The real process owning a *launcher.Result
// calls this once it has a live connection to the supervisor's socket.
func (d *Driver) RegisterSupervisor(s Supervisor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.supes[s.JobID()] = append(d.supes[s.JobID()], s)
}

// SignalTasks delegates to every supervisor running stepID of jobID (or
// every step of the job when stepID is unset and len(steps)==1, mirroring
// the supervisor's own signal-container operation over its unix socket).
func (d *Driver) SignalTasks(jobID, stepID uint32, sig Signal) error {
	d.mu.Lock()
	sups := append([]Supervisor(nil), d.supes[jobID]...)
	d.mu.Unlock()

	var firstErr error
	sent := 0
	for _, s := range sups {
		if stepID != 0 && s.StepID() != stepID {
			continue
		}
		sent++
		if err := s.Signal(sig); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if sent == 0 {
		return agenterr.New(agenterr.KindStepNotRunning, fmt.Sprintf("no running supervisor for job %d step %d", jobID, stepID))
	}
	return firstErr
}

// TerminateJob runs the full termination sequence: revoke, wait for
// in-flight prolog and starting barrier, wake suspended tasks, escalate
// signals, wait for every supervisor to report not-running, run the
// epilog, delete the container, and notify the controller.
func (d *Driver) TerminateJob(ctx context.Context, jobID uint32) error {
	d.mu.Lock()
	cred, known := d.creds[jobID]
	d.mu.Unlock()
	if !known {
		return agenterr.New(agenterr.KindStepNotRunning, fmt.Sprintf("job %d not known on this node", jobID))
	}

	d.vault.Revoke(jobID, time.Now(), cred.StartTime)

	d.prologSlot.Wait(jobID, 50, nil)
	d.startBarrier.Wait(jobID, 0, nil)

	d.mu.Lock()
	sups := append([]Supervisor(nil), d.supes[jobID]...)
	d.mu.Unlock()

	wasSuspended := allSuspended(sups)

	for _, s := range sups {
		_ = s.Signal(SIGCONT)
	}
	if wasSuspended {
		for _, s := range sups {
			_ = s.Signal(SIGKILL)
		}
	} else {
		for _, s := range sups {
			_ = s.Signal(SIGTERM)
		}
		sleepCtx(ctx, d.killWait)
		for _, s := range sups {
			_ = s.Signal(SIGKILL)
			_ = s.ContainerTerminate()
		}
	}

	if err := d.waitNotRunning(ctx, sups); err != nil && d.log != nil {
		d.log.Warn("lifecycle: supervisors did not report not-running in time", agentlog.F("job_id", jobID))
	}

	if d.epilogRun != nil {
		if err := d.epilogRun.Run(ctx, map[string]string{"SLURM_JOB_ID": fmt.Sprintf("%d", jobID)}); err != nil && d.log != nil {
			d.log.Warn("lifecycle: epilog script failed", agentlog.F("job_id", jobID), agentlog.F("err", err.Error()))
		}
	}
	if d.containers != nil {
		if err := d.containers.Delete(jobID); err != nil && d.log != nil {
			d.log.Warn("lifecycle: container delete failed", agentlog.F("job_id", jobID), agentlog.F("err", err.Error()))
		}
	}

	d.mu.Lock()
	delete(d.supes, jobID)
	delete(d.creds, jobID)
	d.mu.Unlock()

	return d.sendEpilogCompleteSpread(ctx, jobID)
}

// Suspend stops every supervisor for jobID. If the job is still mid
// launch (not yet in launch_complete), it waits up to 9s, polling every
// 1s, before giving up and retrying the signal once more after a 1s
// pause.
func (d *Driver) Suspend(ctx context.Context, jobID uint32) error {
	if err := d.suspend.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.suspend.slots.Release(1)

	start := time.Now()
	if !d.launchComplete.Contains(jobID) {
		d.waitForLaunchComplete(ctx, jobID)
	}

	err := d.signalAllBatched(jobID, SIGSTOP)
	if err != nil {
		sleepCtx(ctx, time.Second)
		err = d.signalAllBatched(jobID, SIGSTOP)
	}

	if d.log != nil && time.Since(start) > schedulerTimeSliceWarning {
		d.log.Warn("lifecycle: suspend exceeded the scheduler time-slice", agentlog.F("job_id", jobID), agentlog.F("elapsed", time.Since(start).String()))
	}
	return err
}

// Resume wakes every supervisor for jobID with SIGCONT.
func (d *Driver) Resume(ctx context.Context, jobID uint32) error {
	if err := d.suspend.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.suspend.slots.Release(1)
	return d.signalAllBatched(jobID, SIGCONT)
}

// waitForLaunchComplete polls launch_complete once a second for up to 9
// iterations, returning early once the record appears.
func (d *Driver) waitForLaunchComplete(ctx context.Context, jobID uint32) {
	for i := 0; i < 9; i++ {
		if d.launchComplete.Contains(jobID) {
			return
		}
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

// signalAllBatched sends sig to every supervisor of jobID in parallel
// batches of d.suspend.batchSize, returning an error if no supervisor
// was found to signal (the step hasn't started yet on this node).
func (d *Driver) signalAllBatched(jobID uint32, sig Signal) error {
	d.mu.Lock()
	sups := append([]Supervisor(nil), d.supes[jobID]...)
	d.mu.Unlock()

	if len(sups) == 0 {
		return agenterr.New(agenterr.KindStepNotRunning, fmt.Sprintf("no running supervisor for job %d", jobID))
	}

	batch := d.suspend.batchSize
	var firstErr error
	for i := 0; i < len(sups); i += batch {
		end := i + batch
		if end > len(sups) {
			end = len(sups)
		}
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, s := range sups[i:end] {
			wg.Add(1)
			go func(s Supervisor) {
				defer wg.Done()
				if err := s.Signal(sig); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}(s)
		}
		wg.Wait()
	}
	return firstErr
}

func (d *Driver) waitNotRunning(ctx context.Context, sups []Supervisor) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		allDown := true
		for _, s := range sups {
			status, err := s.Status()
			if err != nil || status != StatusNotRunning {
				allDown = false
				break
			}
		}
		if allDown {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lifecycle: timed out waiting for supervisors to stop")
		}
		if !sleepCtx(ctx, 200*time.Millisecond) {
			return ctx.Err()
		}
	}
}

func allSuspended(sups []Supervisor) bool {
	if len(sups) == 0 {
		return false
	}
	for _, s := range sups {
		status, err := s.Status()
		if err != nil || status == StatusRunning {
			return false
		}
	}
	return true
}

// sendEpilogCompleteSpread delays the completion RPC by hostIndex *
// epilogMsgTime modulo the total expected RPC time, to avoid a
// synchronous storm when a whole cluster terminates at once. The spread
// is skipped when the cluster is small enough (<=64 nodes) that a storm
// isn't a concern.
func (d *Driver) sendEpilogCompleteSpread(ctx context.Context, jobID uint32) error {
	if d.uplink == nil {
		return nil
	}
	if d.hostCount > 64 && d.epilogMsgTime > 0 {
		total := time.Duration(d.hostCount) * d.epilogMsgTime
		delay := (time.Duration(d.hostIndex) * d.epilogMsgTime)
		if total > 0 {
			delay = delay % total
		}
		sleepCtx(ctx, delay)
	}
	return d.uplink.SendEpilogComplete(ctx, jobID)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
