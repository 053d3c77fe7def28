// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mterrors defines the error taxonomy shared by the broker and the
// request layer. Every error carries a gRPC status code so that callers can
// branch with errors.Is and adapters can translate to their own transport.
package mterrors

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Kind classifies an error independently of its message.
type Kind int

const (
	KindUnknown Kind = iota
	KindRefused
	KindNoSession
	KindPoolExhausted
	KindTimeout
	KindRegistryUnavailable
	KindQueryFailed
	KindConnLost
	KindUnavailable
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:             "unknown",
	KindRefused:             "refused",
	KindNoSession:           "no_session",
	KindPoolExhausted:       "pool_exhausted",
	KindTimeout:             "timeout",
	KindRegistryUnavailable: "registry_unavailable",
	KindQueryFailed:         "query_failed",
	KindConnLost:            "connection_lost",
	KindUnavailable:         "unavailable",
	KindInternal:            "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the concrete error type returned by broker operations.
type Error struct {
	// ID is a stable identifier for documentation and log searches.
	ID   string
	Kind Kind
	Code codes.Code
	// Msg is the client-facing message. It never contains credentials.
	Msg string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.ID, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.ID, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below can be
// used with errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is. Construct real errors with the functions below.
var (
	ErrRefused             = &Error{ID: "DBM01001", Kind: KindRefused, Code: codes.InvalidArgument, Msg: "Connection refused"}
	ErrNoSession           = &Error{ID: "DBM01002", Kind: KindNoSession, Code: codes.NotFound, Msg: "no session"}
	ErrPoolExhausted       = &Error{ID: "DBM02001", Kind: KindPoolExhausted, Code: codes.ResourceExhausted, Msg: "connection pool exhausted"}
	ErrTimeout             = &Error{ID: "DBM02002", Kind: KindTimeout, Code: codes.DeadlineExceeded, Msg: "timed out waiting for a connection"}
	ErrRegistryUnavailable = &Error{ID: "DBM03001", Kind: KindRegistryUnavailable, Code: codes.Internal, Msg: "session registry unavailable"}
	ErrQuery               = &Error{ID: "DBM04001", Kind: KindQueryFailed, Code: codes.FailedPrecondition, Msg: "query failed"}
	ErrConnLost            = &Error{ID: "DBM04002", Kind: KindConnLost, Code: codes.Unavailable, Msg: "connection lost"}
	ErrUnavailable         = &Error{ID: "DBM05001", Kind: KindUnavailable, Code: codes.Unavailable, Msg: "broker is shutting down"}
	ErrInternal            = &Error{ID: "DBM13001", Kind: KindInternal, Code: codes.Internal, Msg: "[BUG] internal error"}
)

func derive(sentinel *Error, msg string, cause error) *Error {
	if msg == "" {
		msg = sentinel.Msg
	}
	return &Error{
		ID:   sentinel.ID,
		Kind: sentinel.Kind,
		Code: sentinel.Code,
		Msg:  msg,
		Err:  cause,
	}
}

// Refused reports that a connect attempt could not produce a usable pool.
// The client-facing message is always "Connection refused"; the cause is
// kept for logs.
func Refused(cause error) *Error {
	return derive(ErrRefused, "", cause)
}

// NoSession reports that token does not name a live session.
func NoSession(token string) *Error {
	return derive(ErrNoSession, "No session could be found with session id: "+token, nil)
}

// PoolExhausted reports that every connection of a session pool is in use.
func PoolExhausted(cause error) *Error {
	return derive(ErrPoolExhausted, "", cause)
}

// Timeout reports that the bounded acquire wait elapsed.
func Timeout(cause error) *Error {
	return derive(ErrTimeout, "", cause)
}

// RegistryUnavailable reports that the session registry was poisoned.
func RegistryUnavailable(cause error) *Error {
	return derive(ErrRegistryUnavailable, "", cause)
}

// QueryFailed reports a database error on a healthy connection.
func QueryFailed(cause error) *Error {
	return derive(ErrQuery, "", cause)
}

// ConnLost reports that the connection died while it was being used.
func ConnLost(cause error) *Error {
	return derive(ErrConnLost, "", cause)
}

// Unavailable reports that the broker no longer accepts work.
func Unavailable(cause error) *Error {
	return derive(ErrUnavailable, "", cause)
}

// Internalf reports a bug, such as a recovered panic.
func Internalf(format string, args ...any) *Error {
	return derive(ErrInternal, fmt.Sprintf("[BUG] "+format, args...), nil)
}

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Message returns the client-facing message for err. Errors outside the
// taxonomy are reported by their own text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
