package session

import "github.com/driftlock/inletd/internal/model"

// Sink receives structured lifecycle events for every connection. Metric and
// trace emission live behind this interface; the core only reports.
// Implementations must be safe for concurrent use and must not block the
// data path.
type Sink interface {
	ConnectionAccepted(meta model.ConnMeta)
	ProtocolDetected(meta model.ConnMeta, det model.DetectionResult)
	IdentityEstablished(meta model.ConnMeta, id model.PeerIdentity)
	AdmissionDecided(meta model.ConnMeta, d model.AdmissionDecision)
	ConnectionClosed(meta model.ConnMeta, final State, reason string)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) ConnectionAccepted(model.ConnMeta)                        {}
func (NopSink) ProtocolDetected(model.ConnMeta, model.DetectionResult)   {}
func (NopSink) IdentityEstablished(model.ConnMeta, model.PeerIdentity)   {}
func (NopSink) AdmissionDecided(model.ConnMeta, model.AdmissionDecision) {}
func (NopSink) ConnectionClosed(model.ConnMeta, State, string)           {}
