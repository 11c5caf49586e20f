// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service manager failures.
type ErrorKind string

const (
	KindServiceNotFound  ErrorKind = "service_not_found"
	KindIO               ErrorKind = "io"
	KindProtocol         ErrorKind = "protocol"
	KindSerialization    ErrorKind = "serialization"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindUnknownCommand   ErrorKind = "unknown_command"
)

// Error is a service manager failure. The message is what callers show.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case KindServiceNotFound:
		return fmt.Sprintf("Service not found: %s", e.Message)
	case KindIO:
		return fmt.Sprintf("IO error: %s", e.detail())
	case KindProtocol:
		return fmt.Sprintf("MCP service error: %s", e.detail())
	case KindSerialization:
		return fmt.Sprintf("Serialization error: %s", e.detail())
	case KindInvalidArguments:
		return fmt.Sprintf("Invalid arguments: %s", e.Message)
	case KindUnknownCommand:
		return fmt.Sprintf("Unknown command: %s", e.Message)
	default:
		return e.detail()
	}
}

func (e *Error) detail() string {
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
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}
