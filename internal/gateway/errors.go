package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

var (
	// ErrUnknownApprovalID is returned when the gateway no longer knows the
	// approval being resolved, usually because another client resolved it.
	ErrUnknownApprovalID = errors.New("unknown approval id")

	// ErrDisconnected marks transport failures expected during reconnects.
	ErrDisconnected = errors.New("gateway disconnected")
)

// RPCError is a structured failure reported by the gateway for one method.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return e.Method + ": " + e.Code + ": " + e.Message
	}
	return e.Method + ": " + e.Message
}

// Unwrap maps well-known codes onto the package sentinels so callers can use
// errors.Is regardless of how the failure was transported.
func (e *RPCError) Unwrap() error {
	code := strings.ToLower(e.Code)
	msg := strings.ToLower(e.Message)
	switch {
	case code == "unknown_id", code == "not_found" && strings.Contains(msg, "approval"),
		strings.Contains(msg, "unknown approval id"), strings.Contains(msg, "unknown approval"):
		return ErrUnknownApprovalID
	case code == "disconnected", code == "unavailable":
		return ErrDisconnected
	}
	return nil
}

// IsUnknownApprovalID reports whether err means the approval was already
// resolved elsewhere.
func IsUnknownApprovalID(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownApprovalID) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unknown approval id")
}

// IsDisconnect is the default disconnect-class predicate.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrDisconnected),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not connected") || strings.Contains(msg, "connection closed")
}
