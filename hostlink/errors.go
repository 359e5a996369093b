// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"errors"
	"fmt"
)

// ErrShuttingDown is returned by [Link.PollOutbound] once the stop sentinel
// reaches the host thread. It plays the same role as io.EOF on a closing
// stream: the normal end-of-link signal, not a failure.
var ErrShuttingDown = errors.New("hostlink: link shutting down")

// ErrLink is a sentinel for use with errors.Is to check whether any error in
// a chain is a *LinkError.
var ErrLink = &LinkError{}

// Error type names used in LinkError.Type.
const (
	// ErrTypeProtocol marks a call rejected before the verifier ran, such as
	// an empty inbound buffer.
	ErrTypeProtocol = "ProtocolError"
	// ErrTypeCorruption marks inbound bytes that failed structural
	// verification. Nothing was interpreted.
	ErrTypeCorruption = "CorruptionError"
	// ErrTypeBuffer marks an outbound message that could not fit the
	// host-supplied buffer. The message was dropped.
	ErrTypeBuffer = "BufferError"
)

// LinkError represents a transport-level error on the host link.
type LinkError struct {
	Type    string // e.g. "CorruptionError", "BufferError"
	Message string
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Is supports errors.Is by matching any *LinkError target.
func (e *LinkError) Is(target error) bool {
	_, ok := target.(*LinkError)
	return ok
}

func protocolErrf(format string, args ...any) *LinkError {
	return &LinkError{Type: ErrTypeProtocol, Message: fmt.Sprintf(format, args...)}
}

func corruptionErrf(format string, args ...any) *LinkError {
	return &LinkError{Type: ErrTypeCorruption, Message: fmt.Sprintf(format, args...)}
}

func bufferErrf(format string, args ...any) *LinkError {
	return &LinkError{Type: ErrTypeBuffer, Message: fmt.Sprintf(format, args...)}
}
