// Package session owns the lifetime of each accepted connection. One
// supervisor pipeline runs per connection, driving sniff → terminate →
// admit → route in order, with a deadline on every suspension point and a
// guaranteed close on every exit path.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/driftlock/inletd/internal/admission"
	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/route"
	"github.com/driftlock/inletd/internal/sniff"
	"github.com/driftlock/inletd/internal/tlsterm"
)

// State is the supervisor's position in the per-connection state machine.
type State string

const (
	StateAccepted    State = "accepted"
	StateSniffing    State = "sniffing"
	StateTerminating State = "terminating_tls"
	StateAdmitting   State = "admitting"
	StateRouted      State = "routed"
	StateAborted     State = "aborted"
)

// Abort reasons reported with the final ConnectionClosed event.
const (
	AbortDetectionTimeout = "detection-timeout"
	AbortIdentityDenied   = "identity-denied"
	AbortPolicyDenied     = "policy-denied"
	AbortMisroute         = "misroute"
	AbortPeerError        = "peer-error"
)

// Supervisor builds and runs one pipeline per accepted connection.
// Pipelines share nothing but the policy store behind the admission
// controller; a failure in one never touches another.
type Supervisor struct {
	sniffer *sniff.Sniffer
	// term is nil when TLS termination is not configured; detected-TLS
	// connections are then forwarded opaque without an identity.
	term   *tlsterm.Terminator
	ctrl   *admission.Controller
	router *route.Router
	sink   Sink
	log    *logrus.Entry
}

// New wires a supervisor. sink may be nil for no observability.
func New(sniffer *sniff.Sniffer, term *tlsterm.Terminator, ctrl *admission.Controller, router *route.Router, sink Sink) *Supervisor {
	if sink == nil {
		sink = NopSink{}
	}
	return &Supervisor{
		sniffer: sniffer,
		term:    term,
		ctrl:    ctrl,
		router:  router,
		sink:    sink,
		log:     logrus.WithField("component", "session"),
	}
}

// Handle runs the pipeline for one connection and blocks until it reaches a
// terminal state. The conn is closed on every path out of this function.
// Callers run one Handle per goroutine; errors are terminal to this
// connection only and are never returned upward.
func (s *Supervisor) Handle(ctx context.Context, conn net.Conn, meta model.ConnMeta) {
	if meta.ID == "" {
		meta.ID = NewConnID()
	}
	log := s.log.WithFields(logrus.Fields{
		"conn":   meta.ID,
		"source": meta.Source.String(),
		"port":   meta.DestPort,
	})

	// Central invariant: whatever happens below, the transport is
	// released. Routed handlers close their own stream; closing the
	// original conn again is a harmless no-op by then.
	defer conn.Close()

	s.sink.ConnectionAccepted(meta)

	// Sniffing.
	det, stream, err := s.sniffer.Detect(ctx, conn)
	if err != nil {
		s.abort(log, meta, StateSniffing, abortReason(err), err)
		return
	}

	// TLS termination, only when the wire says so.
	identity := model.Unauthenticated()
	if det.TLS && s.term != nil {
		id, innerDet, inner, err := s.term.Terminate(ctx, stream)
		if id.Kind == model.IdentityDenied {
			s.sink.IdentityEstablished(meta, id)
			s.abort(log, meta, StateTerminating, AbortIdentityDenied, err)
			return
		}
		if err != nil {
			s.abort(log, meta, StateTerminating, abortReason(err), err)
			return
		}
		identity, det, stream = id, innerDet, inner
	}
	s.sink.ProtocolDetected(meta, det)
	s.sink.IdentityEstablished(meta, identity)

	// Admitting. The decision and the request hook capture the rule list
	// from the snapshot in effect right now.
	decision, hook := s.ctrl.Admit(meta, identity, det)
	s.sink.AdmissionDecided(meta, decision)
	if !decision.Allowed() {
		// The peer-visible rendering is protocol-appropriate where the
		// protocol is known; otherwise the close itself is the signal.
		if det.Protocol == model.ProtoHTTP1 {
			_ = route.WriteHTTP1Denied(stream, decision.Reason)
		}
		s.abort(log, meta, StateAdmitting, AbortPolicyDenied, &model.PolicyDenyError{Decision: decision})
		return
	}

	// Routed: ownership of the stream passes to the downstream stack.
	// Its outcome feeds observability only.
	err = s.router.Route(ctx, route.Stream{
		Conn:      stream,
		Meta:      meta,
		Identity:  identity,
		Detection: det,
		Requests:  hook,
	})
	if errors.Is(err, model.ErrRouterMisroute) {
		s.abort(log, meta, StateRouted, AbortMisroute, err)
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
		log.WithError(err).Debug("routed stream finished with error")
	}
	s.sink.ConnectionClosed(meta, StateRouted, reason)
}

func (s *Supervisor) abort(log *logrus.Entry, meta model.ConnMeta, at State, reason string, err error) {
	log.WithFields(logrus.Fields{
		"state":  string(at),
		"reason": reason,
	}).WithError(err).Debug("connection aborted")
	s.sink.ConnectionClosed(meta, StateAborted, reason)
}

// abortReason maps terminal pipeline errors onto reason tags.
func abortReason(err error) string {
	switch {
	case errors.Is(err, model.ErrDetectionTimeout), errors.Is(err, context.DeadlineExceeded):
		return AbortDetectionTimeout
	case errors.Is(err, model.ErrDetectionAmbiguous):
		return AbortMisroute
	default:
		return AbortPeerError
	}
}

// NewConnID returns a short random connection identifier for logs and
// events.
func NewConnID() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "c-unknown"
	}
	return "c-" + hex.EncodeToString(b[:])
}
