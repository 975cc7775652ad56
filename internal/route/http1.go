package route

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTP1Handler is the built-in HTTP/1 stack: a minimal request pipeline that
// re-evaluates admission per request (match key: the request path) and
// renders denials as HTTP responses instead of bare resets.
type HTTP1Handler struct {
	Target      string
	DialTimeout time.Duration
}

// NewHTTP1Handler creates an HTTP/1 pipeline forwarding to the given local
// target.
func NewHTTP1Handler(target string, dialTimeout time.Duration) *HTTP1Handler {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &HTTP1Handler{Target: target, DialTimeout: dialTimeout}
}

func (h *HTTP1Handler) target(st Stream) string {
	if h.Target != "" {
		return h.Target
	}
	return fmt.Sprintf("127.0.0.1:%d", st.Meta.DestPort)
}

// Serve reads requests off the connection one at a time. Each request is
// admitted through the hook captured at accept; denied requests get a 403
// and the connection stays usable for the next request.
func (h *HTTP1Handler) Serve(ctx context.Context, st Stream) error {
	defer st.Conn.Close()

	d := net.Dialer{Timeout: h.DialTimeout}
	app, err := d.DialContext(ctx, "tcp", h.target(st))
	if err != nil {
		return fmt.Errorf("failed to reach local application: %w", err)
	}
	defer app.Close()

	br := bufio.NewReader(st.Conn)
	appReader := bufio.NewReader(app)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		if st.Requests != nil {
			if decision := st.Requests.Evaluate(req.URL.Path); !decision.Allowed() {
				req.Body.Close()
				if werr := WriteHTTP1Denied(st.Conn, decision.Reason); werr != nil {
					return werr
				}
				continue
			}
		}

		if err := req.Write(app); err != nil {
			return fmt.Errorf("failed to forward request: %w", err)
		}
		resp, err := http.ReadResponse(appReader, req)
		if err != nil {
			return fmt.Errorf("failed to read application response: %w", err)
		}
		err = resp.Write(st.Conn)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to forward response: %w", err)
		}
		if req.Close || resp.Close {
			return nil
		}
	}
}

// WriteHTTP1Denied renders an admission denial as an HTTP/1 response. Used
// both by the request pipeline and by the supervisor for connection-level
// denials on a detected HTTP/1 stream.
func WriteHTTP1Denied(w io.Writer, reason string) error {
	body := "access denied"
	if reason != "" {
		body = "access denied: " + reason
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: keep-alive\r\n\r\n%s", len(body)+1, body+"\n")
	return err
}
