// Copyright (c) 2016 Intel Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package qemu

import "fmt"

// ErrorKind is one of the stable error kinds in the error taxonomy. String
// forms of Error are user-facing; Kind is what callers should switch on.
type ErrorKind int

const (
	// KindNotConnected means an MP operation was attempted without a live
	// connection, or connectUnix/connectTCP was called while already
	// connected.
	KindNotConnected ErrorKind = iota

	// KindConnectionLost means the transport failed during or after the
	// handshake.
	KindConnectionLost

	// KindInvalidResponse means a reply was structurally well-formed JSON
	// but missing required fields, or the greeting could not be parsed.
	KindInvalidResponse

	// KindMPError means the peer returned an {"error": ...} response.
	KindMPError

	// KindProcessNotRunning means waitUntilExit was called with no child
	// owned.
	KindProcessNotRunning

	// KindProcessAlreadyRunning means start was called while a child is
	// already live, or CreateVM was called on a manager not in status
	// stopped.
	KindProcessAlreadyRunning

	// KindInvalidConfiguration is reserved for configuration validation
	// failures.
	KindInvalidConfiguration

	// KindSocketCreationFailed means the control socket did not appear
	// within the readiness budget, the hypervisor exited before creating
	// it, or the hypervisor could not be spawned at all.
	KindSocketCreationFailed

	// KindTimeout means a bounded operation (createVM, shutdown) exceeded
	// its budget.
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConnected:
		return "NotConnected"
	case KindConnectionLost:
		return "ConnectionLost"
	case KindInvalidResponse:
		return "InvalidResponse"
	case KindMPError:
		return "MPError"
	case KindProcessNotRunning:
		return "ProcessNotRunning"
	case KindProcessAlreadyRunning:
		return "ProcessAlreadyRunning"
	case KindInvalidConfiguration:
		return "InvalidConfiguration"
	case KindSocketCreationFailed:
		return "SocketCreationFailed"
	case KindTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type raised by this package. Kind is always
// populated; Class/Desc are populated only for KindMPError and are the
// verbatim strings the peer returned.
type Error struct {
	Kind  ErrorKind
	Class string
	Desc  string
	Err   error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindMPError:
		return fmt.Sprintf("qemu: MP error: %s: %s", e.Class, e.Desc)
	default:
		if e.Err != nil {
			return fmt.Sprintf("qemu: %s: %v", e.Kind, e.Err)
		}
		return fmt.Sprintf("qemu: %s", e.Kind)
	}
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, qemu.ErrNotConnected).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel errors for errors.Is comparisons against a bare Kind.
var (
	ErrNotConnected          = &Error{Kind: KindNotConnected}
	ErrConnectionLost        = &Error{Kind: KindConnectionLost}
	ErrInvalidResponse       = &Error{Kind: KindInvalidResponse}
	ErrProcessNotRunning     = &Error{Kind: KindProcessNotRunning}
	ErrProcessAlreadyRunning = &Error{Kind: KindProcessAlreadyRunning}
	ErrInvalidConfiguration  = &Error{Kind: KindInvalidConfiguration}
	ErrSocketCreationFailed  = &Error{Kind: KindSocketCreationFailed}
	ErrTimeout               = &Error{Kind: KindTimeout}
)

func newError(kind ErrorKind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// NewMPError builds the error kind MPClient raises when the peer responds
// with {"error": {"class": ..., "desc": ...}}.
func NewMPError(class, desc string) *Error {
	return &Error{Kind: KindMPError, Class: class, Desc: desc}
}
