// Package sniff classifies the first bytes of an inbound connection without
// losing them. Detection is non-destructive: whatever was read from the wire
// is replayed, prepended, to whichever stage reads next.
package sniff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/driftlock/inletd/internal/model"
)

// http2Preface is the fixed HTTP/2 client connection preface.
const http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// maxMethodLen bounds the HTTP/1 method token ("PROPFIND" is 8; one spare).
const maxMethodLen = 9

// Config bounds a single detection pass. Both values are policy, supplied by
// the runtime config, never hardcoded by callers.
type Config struct {
	// MaxPeek is the byte ceiling: once this many bytes are buffered with
	// no unambiguous classification, the connection is opaque.
	MaxPeek int
	// Timeout bounds the whole detection pass.
	Timeout time.Duration
}

// DefaultConfig returns the config used when the runtime config is silent.
func DefaultConfig() Config {
	return Config{MaxPeek: 1024, Timeout: 10 * time.Second}
}

// Sniffer peeks bounded prefixes of connections and classifies them.
type Sniffer struct {
	cfg Config
}

// New creates a sniffer. Zero or negative config fields fall back to defaults.
func New(cfg Config) *Sniffer {
	def := DefaultConfig()
	if cfg.MaxPeek <= 0 {
		cfg.MaxPeek = def.MaxPeek
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Sniffer{cfg: cfg}
}

// Detect reads just enough of conn to classify it and returns the result
// together with a replacement conn that replays every peeked byte before
// continuing with the underlying stream. On error the peeked bytes are
// unrecoverable and the caller must abort the connection.
//
// The TLS check runs on the outer byte stream only; callers re-sniffing a
// decrypted stream should use DetectInner.
func (s *Sniffer) Detect(ctx context.Context, conn net.Conn) (model.DetectionResult, net.Conn, error) {
	res, buf, err := s.classifyStream(ctx, conn)
	if err != nil {
		return model.DetectionResult{}, nil, err
	}
	return res, NewPrefixedConn(conn, buf), nil
}

// DetectInner re-sniffs an already-decrypted stream. A TLS record appearing
// inside the decrypted stream is not terminated again; it is forwarded as
// opaque bytes.
func (s *Sniffer) DetectInner(ctx context.Context, conn net.Conn) (model.DetectionResult, net.Conn, error) {
	res, buf, err := s.classifyStream(ctx, conn)
	if err != nil {
		return model.DetectionResult{}, nil, err
	}
	if res.TLS {
		res = model.DetectionResult{Protocol: model.ProtoOpaque, PeekedBytes: res.PeekedBytes}
	}
	return res, NewPrefixedConn(conn, buf), nil
}

// classifyStream accumulates bytes until classification is unambiguous or
// the ceiling is hit. It returns the classification and the exact bytes
// consumed from the wire.
func (s *Sniffer) classifyStream(ctx context.Context, conn net.Conn) (model.DetectionResult, []byte, error) {
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return model.DetectionResult{}, nil, err
	}
	// Detection deadline must not leak into the routed stream.
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, s.cfg.MaxPeek)
	chunk := make([]byte, 512)
	for {
		res, decided := classify(buf, len(buf) >= s.cfg.MaxPeek)
		if decided {
			res.PeekedBytes = len(buf)
			return res, buf, nil
		}

		if err := ctx.Err(); err != nil {
			return model.DetectionResult{}, nil, model.ErrDetectionTimeout
		}

		room := s.cfg.MaxPeek - len(buf)
		if room > len(chunk) {
			room = len(chunk)
		}
		n, err := conn.Read(chunk[:room])
		buf = append(buf, chunk[:n]...)
		if err != nil {
			// A peer that stops talking before classification is a
			// detection timeout, whether it went away or went quiet.
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				return model.DetectionResult{}, nil, model.ErrDetectionTimeout
			}
			return model.DetectionResult{}, nil, err
		}
	}
}

// classify inspects the buffered prefix. decided is false when more bytes
// could still change the verdict and the ceiling has not been reached.
//
// Order matters: a TLS record header wins over everything, then the HTTP/2
// preface, then an HTTP/1 request line. Anything else is opaque.
func classify(buf []byte, atCeiling bool) (model.DetectionResult, bool) {
	if verdict, decided := classifyTLS(buf); decided {
		if verdict {
			return model.DetectionResult{Protocol: model.ProtoOpaque, TLS: true}, true
		}
	} else if !atCeiling {
		return model.DetectionResult{}, false
	}

	if verdict, decided := classifyH2(buf); decided {
		if verdict {
			return model.DetectionResult{Protocol: model.ProtoHTTP2}, true
		}
	} else if !atCeiling {
		return model.DetectionResult{}, false
	}

	if verdict, decided := classifyH1(buf); decided {
		if verdict {
			return model.DetectionResult{Protocol: model.ProtoHTTP1}, true
		}
	} else if !atCeiling {
		return model.DetectionResult{}, false
	}

	// Nothing matched and nothing pending: opaque, by contract never an
	// error and never ambiguous.
	return model.DetectionResult{Protocol: model.ProtoOpaque}, true
}

// classifyTLS recognizes a TLS handshake record header: content type 0x16
// (handshake) followed by a plausible protocol version 0x03 0x00..0x04.
func classifyTLS(buf []byte) (verdict, decided bool) {
	if len(buf) == 0 {
		return false, false
	}
	if buf[0] != 0x16 {
		return false, true
	}
	if len(buf) < 3 {
		return false, false
	}
	return buf[1] == 0x03 && buf[2] <= 0x04, true
}

// classifyH2 matches the fixed HTTP/2 connection preface.
func classifyH2(buf []byte) (verdict, decided bool) {
	preface := []byte(http2Preface)
	if len(buf) < len(preface) {
		return false, !bytes.HasPrefix(preface, buf)
	}
	return bytes.HasPrefix(buf, preface), true
}

// classifyH1 looks for an HTTP/1 request line start: an uppercase method
// token, a single space, then at least one non-space path byte.
func classifyH1(buf []byte) (verdict, decided bool) {
	for i, c := range buf {
		if c == ' ' {
			if i == 0 {
				return false, true
			}
			// Method seen; need one path byte after the space.
			if len(buf) < i+2 {
				return false, false
			}
			return buf[i+1] != ' ', true
		}
		if c < 'A' || c > 'Z' || i >= maxMethodLen {
			return false, true
		}
	}
	// All method-shaped so far; undecided until the space arrives.
	return false, false
}
