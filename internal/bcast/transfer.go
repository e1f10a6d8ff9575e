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
	"os"
	"time"
)

// Transfer is one in-flight file-broadcast destination: an open fd, the
// identity it was opened under, and the bookkeeping stall-GC needs.
type Transfer struct {
	UID        uint32
	GID        uint32
	JobID      uint32
	Path       string
	file       *os.File
	lastBlock  uint32
	LastUpdate time.Time
	StartTime  time.Time
}

// registry is the single-writer/multi-reader transfer list: keyed by
// (uid, job, path), guarded by a prefLock so concurrent block writes for
// distinct transfers proceed in parallel while GC removal excludes them
// all briefly.
type registry struct {
	lock  *prefLock
	items map[transferKey]*Transfer
}

func newRegistry() *registry {
	return &registry{lock: newPrefLock(), items: make(map[transferKey]*Transfer)}
}

func (r *registry) lookup(key transferKey) *Transfer {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.items[key]
}

func (r *registry) insert(key transferKey, t *Transfer) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.items[key] = t
}

func (r *registry) remove(key transferKey) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.items, key)
}

// stalled returns every transfer whose last update is older than cutoff,
// removing them from the registry in the same pass.
func (r *registry) stalled(cutoff time.Time) []*Transfer {
	r.lock.Lock()
	defer r.lock.Unlock()

	var out []*Transfer
	for key, t := range r.items {
		if t.LastUpdate.Before(cutoff) {
			out = append(out, t)
			delete(r.items, key)
		}
	}
	return out
}

func (r *registry) count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.items)
}
