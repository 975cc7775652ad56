package model

import (
	"errors"
	"fmt"
)

// Terminal pipeline errors. Every one of these aborts exactly the affected
// connection; none is retried and none is escalated beyond the session.
var (
	ErrDetectionTimeout   = errors.New("protocol detection timed out")
	ErrDetectionAmbiguous = errors.New("protocol detection ambiguous")
	ErrPeerReset          = errors.New("peer reset connection")
	ErrDeadlineExceeded   = errors.New("stage deadline exceeded")
	ErrRouterMisroute     = errors.New("router: no stack for detected protocol")
)

// HandshakeError wraps a TLS termination failure with its reason.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed: %s", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// PolicyDenyError carries a structured admission denial up the pipeline so
// the caller can produce a protocol-appropriate rejection.
type PolicyDenyError struct {
	Decision AdmissionDecision
}

func (e *PolicyDenyError) Error() string {
	return fmt.Sprintf("policy denied: %s", e.Decision.Reason)
}
