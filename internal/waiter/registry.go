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

// Package waiter is the per-job mutual-exclusion and rendezvous registry:
// "at most one thread does X for job J" plus "wake me when X finishes for
// job J". The lifecycle driver keeps two independent Registry instances
// of this one implementation: the starting-step barrier and the
// prolog-running set.
package waiter

import (
	"sync"
	"time"
)

// Registry is a set of at-most-one-entry-per-job waiters with broadcast
// wakeup, backed by one mutex and one condition variable so the whole
// registry's footprint stays small regardless of job count: all waiters
// for all jobs share the same condition variable.
type Registry struct {
	mu      sync.Mutex
	cv      *sync.Cond
	present map[uint32]struct{}
}

// New builds an empty Registry.
func New() *Registry {
	r := &Registry{present: make(map[uint32]struct{})}
	r.cv = sync.NewCond(&r.mu)
	return r
}

// InsertIfAbsent adds jobID if it is not already present, returning false
// if it was already present.
func (r *Registry) InsertIfAbsent(jobID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.present[jobID]; ok {
		return false
	}
	r.present[jobID] = struct{}{}
	return true
}

// MatchAndRemove removes jobID if present, reporting whether it was
// present, and wakes every waiter so blocked Wait calls can re-check.
func (r *Registry) MatchAndRemove(jobID uint32) bool {
	r.mu.Lock()
	_, ok := r.present[jobID]
	delete(r.present, jobID)
	r.mu.Unlock()

	if ok {
		r.cv.Broadcast()
	}
	return ok
}

// Broadcast wakes every waiter without removing any entry, used when an
// external event (e.g. a prolog script exiting) needs every blocked
// goroutine to re-evaluate its condition.
func (r *Registry) Broadcast() {
	r.cv.Broadcast()
}

// Present reports whether jobID currently has an entry.
func (r *Registry) Present(jobID uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.present[jobID]
	return ok
}

// Wait blocks until jobID is absent from the registry, using 1-second
// timed waits bounded by maxIters. The prolog wait uses a bounded
// iteration ceiling to detect lost wakeups; step-start waits pass
// maxIters of 0 to wait indefinitely, polling every second so the caller
// can still observe cancellation via the progress callback.
func (r *Registry) Wait(jobID uint32, maxIters int, onProgress func(iteration int)) (stillPresent bool) {
	done := make(chan struct{})
	var timedOut bool

	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		iter := 0
		for {
			if _, ok := r.present[jobID]; !ok {
				close(done)
				return
			}
			if maxIters > 0 && iter >= maxIters {
				timedOut = true
				close(done)
				return
			}
			iter++
			if onProgress != nil {
				onProgress(iter)
			}
			r.waitOneSecondLocked()
		}
	}()

	<-done
	return timedOut
}

// waitOneSecondLocked releases r.mu, sleeps up to one second or until a
// broadcast, and reacquires r.mu. Implemented without a native timed
// condition variable (Go's sync.Cond has none) by racing a timer against
// the broadcast on a private channel.
func (r *Registry) waitOneSecondLocked() {
	woke := make(chan struct{})
	go func() {
		r.cv.L.Lock()
		r.cv.Wait()
		r.cv.L.Unlock()
		close(woke)
	}()

	r.mu.Unlock()
	select {
	case <-woke:
	case <-time.After(time.Second):
		// Spurious-wakeup-tolerant: a timeout just means "re-check the
		// condition"; the registry makes no promise the extra Wait
		// goroutine ever returns before the process exits.
	}
	r.mu.Lock()
}
