// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies stream failures.
type Kind string

const (
	// KindMalformedRequest: the request body is missing or not a JSON object.
	// Returned from Open; the host is never contacted.
	KindMalformedRequest Kind = "malformed_request"

	// KindTransportRejected: the host command itself failed.
	KindTransportRejected Kind = "transport_rejected"

	// KindProvider: the host reported an error event after the stream opened.
	KindProvider Kind = "provider"

	// KindNoBody: a response had no body to stream from. Handled like
	// KindProvider.
	KindNoBody Kind = "no_body"

	// KindTimeout: the stream deadline passed before a terminal event.
	KindTimeout Kind = "timeout"

	// KindCanceled: the consumer canceled the stream.
	KindCanceled Kind = "canceled"
)

// Error is a stream failure.
type Error struct {
	Kind      Kind
	RequestID string
	Message   string
	Cause     error
}

// Error implements the error interface. The message is shown to users as-is.
func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the kind of err, or "" when err is not a stream error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsKind reports whether err is a stream error of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func newError(kind Kind, requestID, message string, cause error) *Error {
	return &Error{Kind: kind, RequestID: requestID, Message: message, Cause: cause}
}
