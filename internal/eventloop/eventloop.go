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

// Package eventloop is a level-triggered, single-threaded fd multiplexer:
// a dynamic set of Objects each exposing a capability set, polled with a
// wakeup pipe so other goroutines can enqueue new Objects or request
// shutdown without racing the poll call.
package eventloop

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kraklabs/nodeagentd/internal/agentlog"
)

// Object is one fd an event loop iteration may act on. Implementations
// are not required to be safe for concurrent use; only the owning Loop
// goroutine touches them once registered.
type Object interface {
	FD() int
	Readable() bool
	Writable() bool
	HandleRead() error
	HandleWrite() error
	// HandleError and HandleClose may return ErrNoHandler to fall back to
	// HandleRead, then HandleWrite.
	HandleError() error
	HandleClose() error
	Shutdown() bool
	SetShutdown(bool)
}

// ErrNoHandler signals an Object intentionally has no handler for the
// revent it was just asked to handle, triggering the fallback chain.
var ErrNoHandler = errNoHandler{}

type errNoHandler struct{}

func (errNoHandler) Error() string { return "eventloop: no handler for this event" }

const (
	wakeupReevaluate byte = 0
	wakeupShutdown   byte = 1
)

// Loop is one poll-based event loop instance. Objects inside a single
// Loop are serviced cooperatively, but multiple Loops run in parallel in
// this agent, e.g. one per active client I/O multiplexer.
type Loop struct {
	log agentlog.Logger

	mu      sync.Mutex
	pending []Object
	active  []Object

	wakeR, wakeW int
}

// New builds a Loop with its wakeup pipe open. Call Run to start it.
func New(log agentlog.Logger) (*Loop, error) {
	fds, err := pipe2CloExec()
	if err != nil {
		return nil, err
	}
	return &Loop{log: log, wakeR: fds[0], wakeW: fds[1]}, nil
}

func pipe2CloExec() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

// AddInitial registers obj before Run is first called. Objects added
// after Run has started must go through Enqueue instead.
func (l *Loop) AddInitial(obj Object) {
	l.active = append(l.active, obj)
}

// Enqueue adds obj from any goroutine and wakes the loop so it
// re-evaluates its interest set on the next iteration.
func (l *Loop) Enqueue(obj Object) error {
	l.mu.Lock()
	l.pending = append(l.pending, obj)
	l.mu.Unlock()
	return l.wake(wakeupReevaluate)
}

// Shutdown marks every object's shutdown flag and wakes the loop so Run
// returns on its next iteration.
func (l *Loop) Shutdown() error {
	return l.wake(wakeupShutdown)
}

// Wake forces the loop to re-evaluate every object's Readable/Writable
// state on its next iteration, without registering a new object. Call
// this after mutating an already-registered object's outbound queue
// from another goroutine, since the poll call otherwise only reacts to
// fd events.
func (l *Loop) Wake() error {
	return l.wake(wakeupReevaluate)
}

func (l *Loop) wake(b byte) error {
	_, err := unix.Write(l.wakeW, []byte{b})
	if err == unix.EAGAIN {
		// Pipe buffer already has a pending wakeup byte queued; the next
		// iteration will see it and the new write is redundant.
		return nil
	}
	return err
}

// Run drains the loop until every object is shut down or removed.
func (l *Loop) Run() error {
	defer unix.Close(l.wakeR)
	defer unix.Close(l.wakeW)

	for {
		l.drainPending()

		l.active = removeShutdown(l.active)
		if len(l.active) == 0 {
			return nil
		}

		fds := make([]unix.PollFd, 0, len(l.active)+1)
		objs := make([]Object, 0, len(l.active))

		for _, o := range l.active {
			var events int16
			if o.Readable() {
				events |= unix.POLLIN
			}
			if o.Writable() {
				events |= unix.POLLOUT
			}
			if events == 0 {
				continue
			}
			fds = append(fds, unix.PollFd{Fd: int32(o.FD()), Events: events})
			objs = append(objs, o)
		}

		fds = append(fds, unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})

		n, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		for i, pfd := range fds[:len(fds)-1] {
			if pfd.Revents == 0 {
				continue
			}
			l.dispatch(objs[i], pfd.Revents)
		}

		if fds[len(fds)-1].Revents&unix.POLLIN != 0 {
			l.drainWakeup()
		}
	}
}

func (l *Loop) dispatch(o Object, revents int16) {
	switch {
	case revents&(unix.POLLERR|unix.POLLNVAL) != 0:
		if err := o.HandleError(); err == ErrNoHandler {
			l.fallbackReadWrite(o)
		} else if err != nil {
			l.logHandlerErr(o, "handle_error", err)
		}
	case revents&unix.POLLHUP != 0:
		if err := o.HandleClose(); err == ErrNoHandler {
			l.fallbackReadWrite(o)
		} else if err != nil {
			l.logHandlerErr(o, "handle_close", err)
		}
	default:
		if revents&unix.POLLIN != 0 {
			if err := o.HandleRead(); err != nil {
				l.logHandlerErr(o, "handle_read", err)
			}
		}
		if revents&unix.POLLOUT != 0 {
			if err := o.HandleWrite(); err != nil {
				l.logHandlerErr(o, "handle_write", err)
			}
		}
	}
}

// fallbackReadWrite tries handle_read then handle_write when an object
// declines to handle an error or close event; if neither claims it,
// shutdown is set advisorily.
func (l *Loop) fallbackReadWrite(o Object) {
	if err := o.HandleRead(); err == nil {
		return
	}
	if err := o.HandleWrite(); err == nil {
		return
	}
	o.SetShutdown(true)
}

func (l *Loop) logHandlerErr(o Object, phase string, err error) {
	if l.log == nil {
		return
	}
	l.log.Warn("event loop handler error", agentlog.F("fd", o.FD()), agentlog.F("phase", phase), agentlog.F("err", err.Error()))
}

func (l *Loop) drainWakeup() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(l.wakeR, buf)
		if n <= 0 || err != nil {
			break
		}
		for _, b := range buf[:n] {
			if b == wakeupShutdown {
				for _, o := range l.active {
					o.SetShutdown(true)
				}
				l.mu.Lock()
				for _, o := range l.pending {
					o.SetShutdown(true)
				}
				l.mu.Unlock()
			}
		}
	}
}

func (l *Loop) drainPending() {
	l.mu.Lock()
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.active = append(l.active, pending...)
}

func removeShutdown(objs []Object) []Object {
	out := objs[:0]
	for _, o := range objs {
		if !o.Shutdown() {
			out = append(out, o)
		}
	}
	return out
}
