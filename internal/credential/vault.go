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

package credential

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nkeys"

	"github.com/kraklabs/nodeagentd/internal/agenterr"
)

// JobStatus is the node-local lifecycle status of a JobState.
type JobStatus uint8

const (
	StatusCredentialed JobStatus = iota
	StatusPrologRunning
	StatusRunning
	StatusCompleting
	StatusCompleted
)

// JobState is the per-job node-local record.
type JobState struct {
	JobID         uint32
	Status        JobStatus
	RunningSteps  int
	MemLimit      *uint64
	LastHeartbeat time.Time
}

// RevocationEntry records a revoked job's window.
type RevocationEntry struct {
	JobID      uint32
	RevokeTime time.Time
	StartTime  time.Time
	Expiration time.Time
}

// persistedState is the cbor-serialisable snapshot Pack/Unpack round-trip.
type persistedState struct {
	Jobs        map[uint32]JobState
	Revocations map[uint32]RevocationEntry
}

// replayEntry is one "recently validated" cache slot: a cache of recently
// validated credentials prevents replay detection from rejecting
// legitimate reuse across RPCs within the same step.
type replayEntry struct {
	validUntil time.Time
}

// Vault holds per-job credential state, revocations, and the replay
// cache, with crash-safe persistence to disk.
type Vault struct {
	mu          sync.Mutex
	saveMu      sync.Mutex // serialises persistence independent of mu
	verifier    nkeys.KeyPair
	localHost   string
	credTTL     time.Duration
	replayTTL   time.Duration
	persistPath string

	jobs        map[uint32]*JobState
	revocations map[uint32]RevocationEntry
	replay      map[string]replayEntry
}

// Options configures a new Vault.
type Options struct {
	// PublicVerifier is the controller's public NKey (an ed25519 public
	// key wrapped by nkeys), used to verify credential signatures.
	PublicVerifier nkeys.KeyPair
	LocalHostname  string
	// CredLifetime is how long a revoked job's metadata survives before
	// GC.
	CredLifetime time.Duration
	// ReplayWindow bounds how long a verified credential is considered a
	// legitimate replay instead of being re-verified from scratch.
	ReplayWindow time.Duration
	PersistPath  string
}

// New constructs an empty Vault. Callers that are recovering from a crash
// should follow with Load.
func New(opt Options) *Vault {
	if opt.ReplayWindow <= 0 {
		opt.ReplayWindow = 30 * time.Second
	}
	return &Vault{
		verifier:    opt.PublicVerifier,
		localHost:   opt.LocalHostname,
		credTTL:     opt.CredLifetime,
		replayTTL:   opt.ReplayWindow,
		persistPath: opt.PersistPath,
		jobs:        make(map[uint32]*JobState),
		revocations: make(map[uint32]RevocationEntry),
		replay:      make(map[string]replayEntry),
	}
}

func replayKey(jobID, stepID uint32) string {
	return fmt.Sprintf("%d.%d", jobID, stepID)
}

// Verify checks cred's signature, revocation status, and hostname
// membership. claimedUID is the uid asserted by the authenticated RPC
// header (not the credential payload); privileged
// callers (uid 0 or the configured slurm uid) may present a credential
// whose embedded uid differs from their own.
func (v *Vault) Verify(cred JobCredential, claimedUID uint32, privileged bool) (*Args, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := replayKey(cred.JobID, cred.StepID)
	if e, ok := v.replay[key]; ok && time.Now().Before(e.validUntil) {
		if rev, ok := v.revocations[cred.JobID]; ok && !cred.StartTime.After(rev.StartTime) {
			return nil, agenterr.New(agenterr.KindCredentialRevoked, fmt.Sprintf("job %d revoked", cred.JobID))
		}
		return v.acceptLocked(cred)
	}

	if v.verifier == nil {
		return nil, agenterr.New(agenterr.KindAuth, "vault has no public verifier configured")
	}
	if len(cred.Signature) == 0 {
		return nil, agenterr.New(agenterr.KindAuth, "credential carries no signature")
	}
	payload, err := SigningPayload(cred)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "cannot canonicalise credential payload", err)
	}
	if err := v.verifier.Verify(payload, cred.Signature); err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "credential signature invalid", err)
	}

	if rev, ok := v.revocations[cred.JobID]; ok && !cred.StartTime.After(rev.StartTime) {
		return nil, agenterr.New(agenterr.KindCredentialRevoked, fmt.Sprintf("job %d revoked", cred.JobID))
	}

	if !privileged && cred.UID != claimedUID {
		return nil, agenterr.New(agenterr.KindAuth, "uid in credential does not match authenticated uid")
	}

	args, err := v.acceptLocked(cred)
	if err != nil {
		return nil, err
	}

	v.replay[key] = replayEntry{validUntil: time.Now().Add(v.replayTTL)}
	return args, nil
}

// acceptLocked finds this node's index in the hostlist and returns the
// owned Args view. Callers must hold v.mu.
func (v *Vault) acceptLocked(cred JobCredential) (*Args, error) {
	idx := -1
	for i, h := range cred.Hostlist {
		if h == v.localHost {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, agenterr.New(agenterr.KindAuth, fmt.Sprintf("local hostname %q not in credential hostlist", v.localHost))
	}
	return &Args{Cred: cred, NodeIndex: idx}, nil
}

// InsertJob marks a job's id as "seen": future step launches for the same
// job skip the prolog path.
func (v *Vault) InsertJob(cred JobCredential) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.jobs[cred.JobID]; !ok {
		v.jobs[cred.JobID] = &JobState{JobID: cred.JobID, Status: StatusCredentialed, LastHeartbeat: time.Now()}
	}
}

// HasSeen reports whether a prolog has already run for this job on this
// node (used by the lifecycle driver's launch paths).
func (v *Vault) HasSeen(jobID uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.jobs[jobID]
	return ok
}

// JobState returns a copy of the tracked state for jobID, if any.
func (v *Vault) JobState(jobID uint32) (JobState, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	js, ok := v.jobs[jobID]
	if !ok {
		return JobState{}, false
	}
	return *js, true
}

// SetStatus transitions a tracked job's status.
func (v *Vault) SetStatus(jobID uint32, status JobStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if js, ok := v.jobs[jobID]; ok {
		js.Status = status
	}
}

// Revoke marks jobID revoked: subsequent verifications fail with
// CredentialRevoked until BeginExpiration's TTL elapses.
func (v *Vault) Revoke(jobID uint32, revokeTime, startTime time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.revocations[jobID] = RevocationEntry{
		JobID:      jobID,
		RevokeTime: revokeTime,
		StartTime:  startTime,
	}
}

// IsRevoked reports whether jobID currently has a live revocation.
func (v *Vault) IsRevoked(jobID uint32) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.revocations[jobID]
	return ok
}

// BeginExpiration starts the epilog-cleanup timer: metadata for jobID is
// purged credTTL after this call.
func (v *Vault) BeginExpiration(jobID uint32) {
	v.mu.Lock()
	rev, ok := v.revocations[jobID]
	if ok {
		rev.Expiration = time.Now().Add(v.credTTL)
		v.revocations[jobID] = rev
	}
	v.mu.Unlock()
}

// GC purges expired revocations and the jobs they guarded. Intended to be
// called periodically (e.g. from the controller uplink's ping handler).
func (v *Vault) GC(now time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, rev := range v.revocations {
		if !rev.Expiration.IsZero() && now.After(rev.Expiration) {
			delete(v.revocations, id)
			delete(v.jobs, id)
		}
	}
}

// HandleReissue idempotently accepts a credential whose start_time is
// newer than the recorded revocation's start_time, supporting a
// controller re-queue of the same job id after it was previously
// terminated.
func (v *Vault) HandleReissue(cred JobCredential) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if rev, ok := v.revocations[cred.JobID]; ok && cred.StartTime.After(rev.StartTime) {
		delete(v.revocations, cred.JobID)
	}
}

// SigningPayload produces the deterministic byte sequence a JobCredential's
// signature covers. CBOR's canonical encoding (map keys sorted, no
// reflection-order surprises) is used so the same credential always
// signs/verifies to the same bytes regardless of struct field order on
// either end of the wire. The controller-side issuer calls this directly
// before signing; Vault.Verify calls it before verifying.
func SigningPayload(cred JobCredential) ([]byte, error) {
	signed := cred
	signed.Signature = nil
	opts, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	return opts.Marshal(signed)
}

// Pack serialises the vault's durable state (jobs + revocations). The
// replay cache is intentionally excluded: it is a performance
// optimisation, not state that must survive a crash.
func (v *Vault) Pack() ([]byte, error) {
	v.mu.Lock()
	state := persistedState{
		Jobs:        make(map[uint32]JobState, len(v.jobs)),
		Revocations: make(map[uint32]RevocationEntry, len(v.revocations)),
	}
	for k, j := range v.jobs {
		state.Jobs[k] = *j
	}
	for k, r := range v.revocations {
		state.Revocations[k] = r
	}
	v.mu.Unlock()

	return cbor.Marshal(state)
}

// Unpack replaces the vault's jobs/revocations with a previously packed
// snapshot, restoring post-crash state byte-for-byte.
func (v *Vault) Unpack(data []byte) error {
	var state persistedState
	if err := cbor.Unmarshal(data, &state); err != nil {
		return agenterr.Wrap(agenterr.KindFatalConfig, "cred_state corrupt", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.jobs = make(map[uint32]*JobState, len(state.Jobs))
	for k, j := range state.Jobs {
		j := j
		v.jobs[k] = &j
	}
	v.revocations = state.Revocations
	if v.revocations == nil {
		v.revocations = make(map[uint32]RevocationEntry)
	}
	return nil
}

// Save persists the vault atomically: write `<path>.new`, link it to
// `<path>.old` (best effort, overwriting any previous backup), then
// rename it over `<path>`. A single mutex independent of v.mu serialises
// concurrent saves.
func (v *Vault) Save() error {
	if v.persistPath == "" {
		return nil
	}

	data, err := v.Pack()
	if err != nil {
		return agenterr.Wrap(agenterr.KindResourceExhausted, "cannot pack vault state", err)
	}

	v.saveMu.Lock()
	defer v.saveMu.Unlock()

	newPath := v.persistPath + ".new"
	oldPath := v.persistPath + ".old"

	if err := os.WriteFile(newPath, data, 0600); err != nil {
		return agenterr.Wrap(agenterr.KindResourceExhausted, "cannot write cred_state.new", err)
	}

	if _, err := os.Stat(v.persistPath); err == nil {
		_ = os.Remove(oldPath)
		if err := os.Link(v.persistPath, oldPath); err != nil {
			// Non-fatal: the .old backup is best-effort.
			_ = err
		}
	}

	if err := os.Rename(newPath, v.persistPath); err != nil {
		return agenterr.Wrap(agenterr.KindResourceExhausted, "cannot rename cred_state.new over cred_state", err)
	}

	return nil
}

// Load reads a persisted vault snapshot from disk, if one exists. A
// missing file is not an error: the agent starts with an empty vault.
func (v *Vault) Load() error {
	if v.persistPath == "" {
		return nil
	}
	data, err := os.ReadFile(v.persistPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return agenterr.Wrap(agenterr.KindFatalConfig, "cannot read cred_state", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return v.Unpack(data)
}

// spoolPaths reports the three file names the persistence protocol uses
// under dir. It is unexported and has no callers in this package.
func spoolPaths(dir string) (cur, old, next string) {
	base := filepath.Join(dir, "cred_state")
	return base, base + ".old", base + ".new"
}
