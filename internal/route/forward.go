package route

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"
)

// Forwarder is the built-in opaque stack: a bidirectional splice between the
// admitted connection and the local application listener.
type Forwarder struct {
	// Target is the local application address, e.g. "127.0.0.1:8080".
	// When empty, the connection's destination port on loopback is used.
	Target      string
	DialTimeout time.Duration
}

// NewForwarder creates a forwarder to the given local target.
func NewForwarder(target string, dialTimeout time.Duration) *Forwarder {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Forwarder{Target: target, DialTimeout: dialTimeout}
}

func (f *Forwarder) target(st Stream) string {
	if f.Target != "" {
		return f.Target
	}
	return fmt.Sprintf("127.0.0.1:%d", st.Meta.DestPort)
}

// Serve connects to the local application and splices bytes both ways until
// either side closes or ctx is cancelled.
func (f *Forwarder) Serve(ctx context.Context, st Stream) error {
	defer st.Conn.Close()

	d := net.Dialer{Timeout: f.DialTimeout}
	app, err := d.DialContext(ctx, "tcp", f.target(st))
	if err != nil {
		return fmt.Errorf("failed to reach local application: %w", err)
	}
	defer app.Close()

	return splice(ctx, app, st.Conn)
}

// splice copies in both directions; the first side to finish tears down the
// other so neither copy leaks.
func splice(ctx context.Context, a, b net.Conn) error {
	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(a, b)
		done <- err
	}()
	go func() {
		_, err := io.Copy(b, a)
		done <- err
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	a.Close()
	b.Close()
	<-done
	return err
}
