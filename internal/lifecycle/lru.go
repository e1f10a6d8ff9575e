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

package lifecycle

import (
	"container/list"
	"sync"
)

// lruSet is a fixed-capacity set with least-recently-inserted eviction,
// used for launch_complete: a short memory of which jobs have finished
// fork-exec, consulted (never mutated) by a concurrent suspend request
// deciding whether to keep polling or proceed.
type lruSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[uint32]*list.Element
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[uint32]*list.Element),
	}
}

// Insert records jobID as present, evicting the oldest entry if the set
// is already at capacity.
func (s *lruSet) Insert(jobID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.index[jobID]; ok {
		s.order.MoveToFront(el)
		return
	}
	if s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest != nil {
			s.order.Remove(oldest)
			delete(s.index, oldest.Value.(uint32))
		}
	}
	el := s.order.PushFront(jobID)
	s.index[jobID] = el
}

// Contains reports whether jobID was recorded and has not been evicted.
func (s *lruSet) Contains(jobID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[jobID]
	return ok
}
