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

// Package agenterr is the core's one error taxonomy. Every error the core
// produces falls into exactly one Kind; handlers propagate a *agenterr.Error
// instead of a bare error so the RPC dispatcher can serialise a numeric
// code in its reply without string-matching messages.
//
// Stack capture, parent chaining, and errors.Is/errors.As compatibility are
// all delegated to github.com/nabbar/golib/errors (liberr); this package
// only adds the closed Kind taxonomy on top of it.
package agenterr

import (
	"errors"
	"strings"

	liberr "github.com/nabbar/golib/errors"
)

// Kind enumerates the taxonomy from the error handling design.
type Kind uint8

const (
	// KindUnknown is never produced directly; it exists so the zero value
	// of Kind is not a silently-valid one.
	KindUnknown Kind = iota
	KindAuth
	KindTransientComm
	KindStepNotRunning
	KindPrologFailed
	KindEpilogFailed
	KindCredentialRevoked
	KindDuplicateJobId
	KindResourceExhausted
	KindFatalConfig
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "AuthError"
	case KindTransientComm:
		return "TransientCommError"
	case KindStepNotRunning:
		return "StepNotRunning"
	case KindPrologFailed:
		return "PrologFailed"
	case KindEpilogFailed:
		return "EpilogFailed"
	case KindCredentialRevoked:
		return "CredentialRevoked"
	case KindDuplicateJobId:
		return "DuplicateJobId"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindFatalConfig:
		return "FatalConfigError"
	default:
		return "UnknownError"
	}
}

// Code returns the numeric code a client distinguishes kinds by; message
// text is advisory only. Stable across releases.
func (k Kind) Code() int {
	return int(k)
}

// Fatal reports whether this Kind must terminate the agent process.
// Every handler catches everything except FatalConfigError.
func (k Kind) Fatal() bool {
	return k == KindFatalConfig
}

// libCode is this package's reserved liberr.CodeError range. nodeagentd is
// not one of golib's own subpackages, so it reserves a block starting at
// liberr.MinAvailable rather than one of the MinPkgXxx slots golib hands
// out to its own modules.
const (
	codeAuth liberr.CodeError = iota + liberr.MinAvailable
	codeTransientComm
	codeStepNotRunning
	codePrologFailed
	codeEpilogFailed
	codeCredentialRevoked
	codeDuplicateJobId
	codeResourceExhausted
	codeFatalConfig
)

var isCodeError = false

// IsCodeError reports whether this package's first code was already
// registered by another package when init ran, i.e. whether its range
// collided with an existing one; false means the codes registered cleanly.
func IsCodeError() bool {
	return isCodeError
}

func init() {
	isCodeError = liberr.ExistInMapMessage(codeAuth)
	liberr.RegisterIdFctMessage(codeAuth, getMessage)
}

func getMessage(code liberr.CodeError) (message string) {
	switch code {
	case liberr.UnknownError:
		return ""
	case codeAuth:
		return "authentication or authorization failure"
	case codeTransientComm:
		return "transient communication failure"
	case codeStepNotRunning:
		return "step is not running on this node"
	case codePrologFailed:
		return "prolog script failed"
	case codeEpilogFailed:
		return "epilog script failed"
	case codeCredentialRevoked:
		return "job credential revoked"
	case codeDuplicateJobId:
		return "duplicate job id"
	case codeResourceExhausted:
		return "resource exhausted"
	case codeFatalConfig:
		return "fatal configuration error"
	}

	return ""
}

func libCode(k Kind) liberr.CodeError {
	switch k {
	case KindAuth:
		return codeAuth
	case KindTransientComm:
		return codeTransientComm
	case KindStepNotRunning:
		return codeStepNotRunning
	case KindPrologFailed:
		return codePrologFailed
	case KindEpilogFailed:
		return codeEpilogFailed
	case KindCredentialRevoked:
		return codeCredentialRevoked
	case KindDuplicateJobId:
		return codeDuplicateJobId
	case KindResourceExhausted:
		return codeResourceExhausted
	case KindFatalConfig:
		return codeFatalConfig
	default:
		return liberr.UnknownError
	}
}

// Error is the concrete type carried across this repo. It wraps a
// liberr.Error, which captures the call site and any parent chain so
// errors.Is/errors.As and logging trace output come for free.
type Error struct {
	kind Kind
	lib  liberr.Error
}

// New builds an Error of the given kind, capturing the caller's file/line.
func New(kind Kind, msg string) *Error {
	return &Error{kind: kind, lib: liberr.New(uint16(libCode(kind)), msg)}
}

// Wrap builds an Error of the given kind around an existing error.
func Wrap(kind Kind, msg string, parent error) *Error {
	if parent == nil {
		return New(kind, msg)
	}
	return &Error{kind: kind, lib: liberr.New(uint16(libCode(kind)), msg, parent)}
}

func (e *Error) Error() string {
	parts := append([]string{e.kind.String()}, e.lib.StringErrorSlice()...)
	return strings.Join(parts, ": ")
}

// Unwrap exposes the parent chain for errors.Is/errors.As.
func (e *Error) Unwrap() []error { return e.lib.Unwrap() }

// Kind returns the error's taxonomy entry.
func (e *Error) Kind() Kind { return e.kind }

// Code is a convenience accessor for e.Kind().Code().
func (e *Error) Code() int { return e.kind.Code() }

// Is reports whether target is an *Error with the same Kind, making
// errors.Is(err, agenterr.New(KindAuth, "")) work for kind comparisons.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.kind == e.kind
	}
	return false
}

// GetTrace returns the liberr call-site trace (file:line:func) captured
// when the error was created.
func (e *Error) GetTrace() string { return e.lib.GetTrace() }

// KindOf extracts the Kind of err if it is (or wraps) an *Error, returning
// KindUnknown and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.kind, true
	}
	return KindUnknown, false
}

// Sentinels usable with errors.Is for kind-only comparisons.
var (
	ErrAuth              = New(KindAuth, "")
	ErrTransientComm     = New(KindTransientComm, "")
	ErrStepNotRunning    = New(KindStepNotRunning, "")
	ErrPrologFailed      = New(KindPrologFailed, "")
	ErrEpilogFailed      = New(KindEpilogFailed, "")
	ErrCredentialRevoked = New(KindCredentialRevoked, "")
	ErrDuplicateJobId    = New(KindDuplicateJobId, "")
	ErrResourceExhausted = New(KindResourceExhausted, "")
	ErrFatalConfig       = New(KindFatalConfig, "")
)
