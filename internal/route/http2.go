package route

import (
	"context"
	"fmt"
	"net"
	"time"
)

// HTTP2Handler is the built-in HTTP/2 stack. It forwards the multiplexed
// stream to the local application verbatim; per-request admission inside the
// h2 session belongs to an external HTTP/2 stack, which receives the request
// hook through Stream.Requests.
type HTTP2Handler struct {
	Target      string
	DialTimeout time.Duration
}

// NewHTTP2Handler creates an HTTP/2 forwarder to the given local target.
func NewHTTP2Handler(target string, dialTimeout time.Duration) *HTTP2Handler {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &HTTP2Handler{Target: target, DialTimeout: dialTimeout}
}

func (h *HTTP2Handler) target(st Stream) string {
	if h.Target != "" {
		return h.Target
	}
	return fmt.Sprintf("127.0.0.1:%d", st.Meta.DestPort)
}

// Serve splices the h2 session to the local application, connection preface
// and all.
func (h *HTTP2Handler) Serve(ctx context.Context, st Stream) error {
	defer st.Conn.Close()

	d := net.Dialer{Timeout: h.DialTimeout}
	app, err := d.DialContext(ctx, "tcp", h.target(st))
	if err != nil {
		return fmt.Errorf("failed to reach local application: %w", err)
	}
	defer app.Close()

	return splice(ctx, app, st.Conn)
}
