// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"errors"
	"fmt"
)

// ErrorKind classifies host-side failures.
type ErrorKind string

const (
	KindAPIKey              ErrorKind = "api_key"
	KindHTTP                ErrorKind = "http"
	KindStatus              ErrorKind = "status"
	KindParse               ErrorKind = "parse"
	KindEmit                ErrorKind = "emit"
	KindUnsupportedProvider ErrorKind = "unsupported_provider"
	KindUnsupportedCommand  ErrorKind = "unsupported_command"
)

// ProxyError is returned by StreamAPIRequest and by providers.
type ProxyError struct {
	Kind    ErrorKind
	Message string
	Status  int // HTTP status, KindStatus only
	Cause   error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	switch e.Kind {
	case KindAPIKey:
		return fmt.Sprintf("API key error: %s", e.Message)
	case KindHTTP:
		return fmt.Sprintf("HTTP error: %s", e.detail())
	case KindStatus:
		return fmt.Sprintf("API returned status code %d", e.Status)
	case KindParse:
		return fmt.Sprintf("Failed to parse response: %s", e.detail())
	case KindEmit:
		return fmt.Sprintf("Failed to emit event: %s", e.detail())
	case KindUnsupportedProvider:
		return fmt.Sprintf("Unsupported provider: %s", e.Message)
	case KindUnsupportedCommand:
		return fmt.Sprintf("Unsupported command: %s", e.Message)
	default:
		return e.detail()
	}
}

func (e *ProxyError) detail() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return e.Message + ": " + e.Cause.Error()
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return string(e.Kind)
	}
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is a ProxyError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *ProxyError
	return errors.As(err, &pe) && pe.Kind == kind
}

// RemoteError is a host failure reported across a process boundary, where
// only the message survives.
type RemoteError struct {
	Message string
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	return e.Message
}
