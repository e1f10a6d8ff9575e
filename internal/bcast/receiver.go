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

package bcast

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
	"github.com/kraklabs/nodeagentd/internal/agenterr"
	"github.com/kraklabs/nodeagentd/internal/credential"
	"github.com/kraklabs/nodeagentd/internal/metrics"
	"github.com/kraklabs/nodeagentd/internal/wire"
)

// defaultStallTimeout is FILE_BCAST_TIMEOUT from the broadcast protocol.
const defaultStallTimeout = 300 * time.Second

// Options configures a new Receiver.
type Options struct {
	Vault        *credential.Vault
	Metrics      *metrics.Registry
	Log          agentlog.Logger
	SlurmUID     uint32
	StallTimeout time.Duration
}

// Receiver is the file-broadcast RPC handler: HandleBlock matches
// rpc.Handler's signature so it registers directly against
// wire.MsgFileBcast, and GC runs opportunistically from an
// internal/uplink ping handler.
type Receiver struct {
	vault        *credential.Vault
	metrics      *metrics.Registry
	log          agentlog.Logger
	slurmUID     uint32
	stallTimeout time.Duration
	reg          *registry
	open         fileOpener
}

// New builds a Receiver backed by vault for credential verification.
func New(opt Options) *Receiver {
	if opt.StallTimeout <= 0 {
		opt.StallTimeout = defaultStallTimeout
	}
	return &Receiver{
		vault:        opt.Vault,
		metrics:      opt.Metrics,
		log:          opt.Log,
		slurmUID:     opt.SlurmUID,
		stallTimeout: opt.StallTimeout,
		reg:          newRegistry(),
		open:         openAsUser,
	}
}

// HandleBlock processes one sbcast block. It satisfies rpc.Handler's
// signature (ctx context.Context, auth wire.AuthHeader, req wire.Envelope)
// ([]byte, error) so it can be registered directly against
// wire.MsgFileBcast; the reply payload is always empty on success.
func (r *Receiver) HandleBlock(ctx context.Context, auth wire.AuthHeader, req wire.Envelope) ([]byte, error) {
	var block Block
	if err := wire.DecodePayload(req, &block); err != nil {
		return nil, agenterr.Wrap(agenterr.KindAuth, "bcast: malformed block payload", err)
	}

	privileged := auth.UID == 0 || auth.UID == r.slurmUID
	if _, err := r.vault.Verify(block.Credential, auth.UID, privileged); err != nil {
		return nil, err
	}

	key := transferKey{uid: block.Credential.UID, job: block.Credential.JobID, path: block.Path}

	if block.BlockNo == 1 {
		if old := r.reg.lookup(key); old != nil && old.lastBlock >= 1 {
			return nil, agenterr.New(agenterr.KindAuth, fmt.Sprintf("bcast: replayed block_no 1 (last accepted %d)", old.lastBlock))
		}
		if err := r.register(key, block); err != nil {
			return nil, err
		}
	}

	if err := r.writeBlock(key, block); err != nil {
		return nil, err
	}

	if block.LastBlock {
		r.finalize(key, block)
	}

	return nil, nil
}

// register opens the destination as the credentialed user and replaces
// any prior transfer under the same key (a block_no==1 retry after a
// failed attempt leaks no fd).
func (r *Receiver) register(key transferKey, block Block) error {
	flags := os.O_WRONLY | os.O_CREATE
	if block.Force {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := r.open(block.Path, flags, 0700, block.Credential.UID, block.Credential.GID, block.Credential.SupplGroups)
	if err != nil {
		return agenterr.Wrap(agenterr.KindResourceExhausted, fmt.Sprintf("bcast: opening %s as uid %d", block.Path, block.Credential.UID), err)
	}

	now := time.Now()
	t := &Transfer{
		UID:        block.Credential.UID,
		GID:        block.Credential.GID,
		JobID:      block.Credential.JobID,
		Path:       block.Path,
		file:       f,
		StartTime:  now,
		LastUpdate: now,
	}

	if old := r.reg.lookup(key); old != nil {
		_ = old.file.Close()
		if r.metrics != nil {
			r.metrics.BcastTransfersActive.Dec()
		}
	}
	r.reg.insert(key, t)
	if r.metrics != nil {
		r.metrics.BcastTransfersActive.Inc()
	}
	return nil
}

// writeBlock decompresses and writes one block under the registry's read
// lock, so stall-GC (the write side) cannot remove the transfer mid-write,
// while unrelated transfers' blocks proceed concurrently.
func (r *Receiver) writeBlock(key transferKey, block Block) error {
	data, err := block.Algorithm.decompress(block.Data)
	if err != nil {
		return agenterr.Wrap(agenterr.KindTransientComm, "bcast: decompressing block", err)
	}

	r.reg.lock.RLock()
	defer r.reg.lock.RUnlock()

	t, ok := r.reg.items[key]
	if !ok {
		return agenterr.New(agenterr.KindStepNotRunning, fmt.Sprintf("bcast: no registered transfer for uid %d path %s", key.uid, key.path))
	}
	if block.BlockNo != 1 {
		if block.BlockNo <= t.lastBlock {
			return agenterr.New(agenterr.KindAuth, fmt.Sprintf("bcast: replayed block_no %d (last accepted %d)", block.BlockNo, t.lastBlock))
		}
		if block.BlockNo != t.lastBlock+1 {
			return agenterr.New(agenterr.KindTransientComm, fmt.Sprintf("bcast: out-of-order block_no %d (expected %d)", block.BlockNo, t.lastBlock+1))
		}
	}

	if err := writeFullEINTR(t.file, data); err != nil {
		return agenterr.Wrap(agenterr.KindResourceExhausted, fmt.Sprintf("bcast: writing %s", key.path), err)
	}
	t.LastUpdate = time.Now()
	t.lastBlock = block.BlockNo
	return nil
}

// finalize applies the requested mode/owner/times and removes the
// transfer, logging (not failing) any individual step per the teacher's
// best-effort fchmod/fchown/utime handling.
func (r *Receiver) finalize(key transferKey, block Block) {
	t := r.reg.lookup(key)
	if t == nil {
		return
	}

	if err := t.file.Chmod(os.FileMode(block.Modes & 0777)); err != nil {
		r.warn("bcast: chmod failed", key, err)
	}
	if err := t.file.Chown(int(block.Credential.UID), int(block.Credential.GID)); err != nil {
		r.warn("bcast: chown failed", key, err)
	}
	if block.ATime != 0 {
		atime := time.Unix(block.ATime, 0)
		mtime := time.Unix(block.MTime, 0)
		if err := os.Chtimes(block.Path, atime, mtime); err != nil {
			r.warn("bcast: utime failed", key, err)
		}
	}

	_ = t.file.Close()
	r.reg.remove(key)
	if r.metrics != nil {
		r.metrics.BcastTransfersActive.Dec()
	}
}

func (r *Receiver) warn(msg string, key transferKey, err error) {
	if r.log == nil {
		return
	}
	r.log.Warn(msg, agentlog.F("uid", key.uid), agentlog.F("path", key.path), agentlog.F("err", err.Error()))
}

// GC removes and closes every transfer whose last update is older than
// the configured stall timeout, logging an error for each. Meant to be
// called from internal/uplink's ping handler.
func (r *Receiver) GC(ctx context.Context) error {
	cutoff := time.Now().Add(-r.stallTimeout)
	stalled := r.reg.stalled(cutoff)

	var errs []error
	for _, t := range stalled {
		_ = t.file.Close()
		if r.metrics != nil {
			r.metrics.BcastTransfersActive.Dec()
		}
		msg := fmt.Sprintf("bcast: stalled transfer uid=%d job=%d path=%s gc'd", t.UID, t.JobID, t.Path)
		if r.log != nil {
			r.log.Error(msg)
		}
		errs = append(errs, errors.New(msg))
	}
	return errors.Join(errs...)
}

// writeFullEINTR writes all of data, retrying short writes caused by an
// interrupted syscall, matching internal/iomux's sink write loop.
func writeFullEINTR(w *os.File, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
	}
	return nil
}
