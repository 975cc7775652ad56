// Package route dispatches admitted connections to the protocol stack
// matching their detected protocol. Routing is pure dispatch; no protocol
// logic lives here.
package route

import (
	"context"
	"net"

	"github.com/driftlock/inletd/internal/admission"
	"github.com/driftlock/inletd/internal/model"
)

// Stream is an admitted connection handed to a protocol stack. Conn replays
// every sniffed byte before the live stream; Requests is the per-request
// admission hook (meaningful for the HTTP stacks only).
type Stream struct {
	Conn      net.Conn
	Meta      model.ConnMeta
	Identity  model.PeerIdentity
	Detection model.DetectionResult
	Requests  *admission.RequestHook
}

// Handler is a downstream protocol stack. It owns the stream once Serve is
// called, including closing the conn.
type Handler interface {
	Serve(ctx context.Context, st Stream) error
}

// Router maps the closed protocol tag set onto exactly three handlers.
type Router struct {
	opaque Handler
	http1  Handler
	http2  Handler
}

// NewRouter wires the three downstream stacks.
func NewRouter(opaque, http1, http2 Handler) *Router {
	return &Router{opaque: opaque, http1: http1, http2: http2}
}

// Route hands the stream to the matching stack. An ambiguous or unknown tag
// is a fatal classification error: terminate, never guess.
func (r *Router) Route(ctx context.Context, st Stream) error {
	switch st.Detection.Protocol {
	case model.ProtoOpaque:
		return r.opaque.Serve(ctx, st)
	case model.ProtoHTTP1:
		return r.http1.Serve(ctx, st)
	case model.ProtoHTTP2:
		return r.http2.Serve(ctx, st)
	default:
		return model.ErrRouterMisroute
	}
}
