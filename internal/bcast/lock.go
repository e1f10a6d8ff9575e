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

import "sync"

// prefLock is a writer-preferring read/write lock over the transfer list:
// concurrent block writes take the read side so unrelated transfers make
// progress in parallel, while stall-GC takes the write side to remove a
// transfer safely. A writer waiting to acquire blocks new readers, so a
// long-running block write cannot starve GC indefinitely.
type prefLock struct {
	mu             sync.Mutex
	cond           *sync.Cond
	readers        int
	writersWaiting int
	writer         bool
}

func newPrefLock() *prefLock {
	l := &prefLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *prefLock) RLock() {
	l.mu.Lock()
	for l.writer || l.writersWaiting > 0 {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *prefLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

func (l *prefLock) Lock() {
	l.mu.Lock()
	l.writersWaiting++
	for l.writer || l.readers > 0 {
		l.cond.Wait()
	}
	l.writersWaiting--
	l.writer = true
	l.mu.Unlock()
}

func (l *prefLock) Unlock() {
	l.mu.Lock()
	l.writer = false
	l.cond.Broadcast()
	l.mu.Unlock()
}
