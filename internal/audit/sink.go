package audit

import (
	"github.com/sirupsen/logrus"

	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/session"
)

// Sink adapts the event log to the supervisor's observability interface.
// Write failures are logged and dropped: the sink must never fail a
// connection.
type Sink struct {
	log *Log
	lg  *logrus.Entry
}

// NewSink wraps an open Log as a session sink.
func NewSink(log *Log) *Sink {
	return &Sink{log: log, lg: logrus.WithField("component", "audit")}
}

func (s *Sink) record(e Entry) {
	if err := s.log.Record(e); err != nil {
		s.lg.WithError(err).Warn("failed to record event")
	}
}

func (s *Sink) ConnectionAccepted(meta model.ConnMeta) {
	s.record(Entry{
		ConnID:   meta.ID,
		Event:    EventAccepted,
		Source:   meta.Source.String(),
		DestPort: meta.DestPort,
	})
}

func (s *Sink) ProtocolDetected(meta model.ConnMeta, det model.DetectionResult) {
	s.record(Entry{
		ConnID:   meta.ID,
		Event:    EventDetected,
		Protocol: string(det.Protocol),
		TLS:      det.TLS,
	})
}

func (s *Sink) IdentityEstablished(meta model.ConnMeta, id model.PeerIdentity) {
	e := Entry{
		ConnID:   meta.ID,
		Event:    EventIdentity,
		Identity: string(id.Kind),
		Reason:   id.Reason,
	}
	if id.Kind == model.IdentityVerified {
		e.Identity = id.Name
	}
	s.record(e)
}

func (s *Sink) AdmissionDecided(meta model.ConnMeta, d model.AdmissionDecision) {
	s.record(Entry{
		ConnID:   meta.ID,
		Event:    EventAdmission,
		Decision: string(d.Decision),
		Reason:   d.Reason,
	})
}

func (s *Sink) ConnectionClosed(meta model.ConnMeta, final session.State, reason string) {
	s.record(Entry{
		ConnID: meta.ID,
		Event:  EventClosed,
		State:  string(final),
		Reason: reason,
	})
}
