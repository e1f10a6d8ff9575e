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

// Package agentctx replaces a process-global config pointer and
// module-static mutexes/lists with one explicit value built at
// startup and threaded into every component. It embeds a
// context.Context so cancellation propagates the same way a plain context
// would, and adds a generic, concurrency-safe key/value map for component
// handles (vault, waiter registry, worker-pool semaphore, event loops,
// logger, metrics registry).
package agentctx

import (
	"context"
	"sync"
)

// FuncWalk is called once per stored key/value pair by Walk. Returning
// false stops the walk early.
type FuncWalk[T comparable] func(key T, val interface{}) bool

// Store is a generic, concurrency-safe key/value map embedded in Config.
type Store[T comparable] interface {
	Load(key T) (val interface{}, ok bool)
	Store(key T, val interface{})
	Delete(key T)
	LoadOrStore(key T, val interface{}) (actual interface{}, loaded bool)
	Walk(fct FuncWalk[T])
	Clean()
}

// Config is the AgentContext: a context.Context plus a typed store of
// component handles, keyed by T (callers of this repo use string keys).
type Config[T comparable] interface {
	context.Context
	Store[T]

	// Clone returns an independent Config sharing no storage with the
	// receiver, rooted at ctx (or the receiver's context if ctx is nil).
	Clone(ctx context.Context) Config[T]
}

type store[T comparable] struct {
	mu sync.RWMutex
	m  map[T]interface{}
}

func newStore[T comparable]() *store[T] {
	return &store[T]{m: make(map[T]interface{})}
}

func (s *store[T]) Load(key T) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *store[T]) Store(key T, val interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if val == nil {
		delete(s.m, key)
		return
	}
	s.m[key] = val
}

func (s *store[T]) Delete(key T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *store[T]) LoadOrStore(key T, val interface{}) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.m[key]; ok {
		return v, true
	}
	s.m[key] = val
	return val, false
}

func (s *store[T]) Walk(fct FuncWalk[T]) {
	s.mu.RLock()
	snap := make(map[T]interface{}, len(s.m))
	for k, v := range s.m {
		snap[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snap {
		if !fct(k, v) {
			return
		}
	}
}

func (s *store[T]) Clean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[T]interface{})
}

type cfg[T comparable] struct {
	context.Context
	*store[T]
}

// New builds an AgentContext rooted at ctx. A nil ctx defaults to
// context.Background.
func New[T comparable](ctx context.Context) Config[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	return &cfg[T]{Context: ctx, store: newStore[T]()}
}

func (c *cfg[T]) Clone(ctx context.Context) Config[T] {
	if ctx == nil {
		ctx = c.Context
	}
	return New[T](ctx)
}
