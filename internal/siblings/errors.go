// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package siblings

import (
	"errors"
	"fmt"
)

// Kind classifies a sibling call failure. The orchestrator's skip-vs-fail
// policy keys off this and nothing else.
type Kind int

const (
	// KindUnreachable covers DNS failures, refused connections, and
	// timeouts: no HTTP response was received at all.
	KindUnreachable Kind = iota
	// KindHTTPError covers responses with a non-2xx status.
	KindHTTPError
	// KindMalformed covers 2xx responses missing required fields or
	// carrying an undecodable body.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindHTTPError:
		return "http_error"
	case KindMalformed:
		return "malformed_response"
	}
	return "unknown"
}

// Error is a classified sibling call failure. Status is set only for
// KindHTTPError.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPError:
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Status)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnreachable reports whether err is a sibling error of KindUnreachable.
func IsUnreachable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindUnreachable
}

// IsHTTPError reports whether err is a sibling error of KindHTTPError.
func IsHTTPError(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindHTTPError
}

// IsMalformed reports whether err is a sibling error of KindMalformed.
func IsMalformed(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindMalformed
}

// classifyTransport wraps an error from http.Client.Do. Everything at this
// layer (DNS, refused connection, timeout) means no response arrived, so it
// is always KindUnreachable.
func classifyTransport(op string, err error) *Error {
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

func httpError(op string, status int) *Error {
	return &Error{Kind: KindHTTPError, Op: op, Status: status}
}

func malformed(op string, err error) *Error {
	return &Error{Kind: KindMalformed, Op: op, Err: err}
}
