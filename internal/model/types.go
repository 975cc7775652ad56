package model

import (
	"net/netip"
	"time"
)

// Protocol classifies the application protocol detected on a connection.
type Protocol string

const (
	// ProtoOpaque is the deliberate fallback: no recognizable application
	// protocol, forwarded as an undifferentiated byte stream.
	ProtoOpaque Protocol = "opaque"
	ProtoHTTP1  Protocol = "http/1"
	ProtoHTTP2  Protocol = "http/2"
	// ProtoAmbiguous must not escape the sniffer. The router treats it as
	// a fatal classification error rather than guessing.
	ProtoAmbiguous Protocol = "ambiguous"
)

// DetectionResult is the sniffer's verdict for one connection. The peeked
// bytes themselves travel with the replay conn; PeekedBytes records only how
// many were consumed from the wire during detection.
type DetectionResult struct {
	Protocol    Protocol
	TLS         bool
	PeekedBytes int
}

// Decision is the admission outcome for a connection or request.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
)

// AdmissionDecision pairs the outcome with a structured reason. The reason is
// what a protocol stack renders into a peer-visible rejection; the controller
// itself never speaks the protocol.
type AdmissionDecision struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	// RuleIndex is the position of the matching rule in the port's list,
	// or -1 for the implicit default deny.
	RuleIndex int `json:"rule_index"`
}

// Allowed reports whether the decision admits the connection or request.
func (d AdmissionDecision) Allowed() bool {
	return d.Decision == Allow
}

// DefaultDeny is the decision used when no rule matches or a port has no
// rules configured at all.
func DefaultDeny() AdmissionDecision {
	return AdmissionDecision{Decision: Deny, Reason: "no matching rule", RuleIndex: -1}
}

// ConnMeta is the immutable accept-time metadata for one connection.
type ConnMeta struct {
	ID         string
	Source     netip.AddrPort
	DestPort   uint16
	AcceptedAt time.Time
}
