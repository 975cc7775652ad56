package sniff

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/driftlock/inletd/internal/model"
)

// detect runs the sniffer against a payload written by a fake peer that
// closes after writing.
func detect(t *testing.T, s *Sniffer, payload []byte) (model.DetectionResult, net.Conn, error) {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		client.Write(payload)
		client.Close()
	}()
	return s.Detect(context.Background(), server)
}

func TestDetectHTTP2Preface(t *testing.T) {
	s := New(Config{MaxPeek: 1024, Timeout: time.Second})
	payload := append([]byte(http2Preface), []byte("\x00\x00\x00\x04\x00\x00\x00\x00\x00")...)

	det, conn, err := detect(t, s, payload)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if det.Protocol != model.ProtoHTTP2 {
		t.Fatalf("expected http/2, got %s", det.Protocol)
	}
	if det.TLS {
		t.Fatal("plaintext preface classified as TLS")
	}

	// Replay property: the downstream reader sees exactly the original
	// bytes, nothing lost or duplicated.
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read replayed stream: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("replayed bytes differ: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestDetectHTTP1RequestLine(t *testing.T) {
	s := New(Config{MaxPeek: 1024, Timeout: time.Second})

	for _, line := range []string{
		"GET /index.html HTTP/1.1\r\n\r\n",
		"POST /api/v1/users HTTP/1.0\r\n\r\n",
		"DELETE / HTTP/1.1\r\n\r\n",
	} {
		det, conn, err := detect(t, s, []byte(line))
		if err != nil {
			t.Fatalf("%q: detect: %v", line, err)
		}
		if det.Protocol != model.ProtoHTTP1 {
			t.Fatalf("%q: expected http/1, got %s", line, det.Protocol)
		}
		got, _ := io.ReadAll(conn)
		if string(got) != line {
			t.Fatalf("%q: replay mismatch: %q", line, got)
		}
	}
}

func TestDetectTLSRecord(t *testing.T) {
	s := New(Config{MaxPeek: 1024, Timeout: time.Second})
	// TLS handshake record header: type 0x16, version 3.1, length 0x2f.
	payload := []byte{0x16, 0x03, 0x01, 0x00, 0x2f, 0x01, 0x00}

	det, conn, err := detect(t, s, payload)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if !det.TLS {
		t.Fatal("TLS record not detected")
	}
	got, _ := io.ReadAll(conn)
	if !bytes.Equal(got, payload) {
		t.Fatalf("replay mismatch after TLS detect")
	}
}

func TestDetectOpaqueNeverAmbiguous(t *testing.T) {
	s := New(Config{MaxPeek: 64, Timeout: time.Second})

	payloads := [][]byte{
		{0x00, 0x01, 0x02, 0x03},            // binary garbage
		[]byte("lowercase not a method\r\n"), // not a request line
		[]byte("SSH-2.0-OpenSSH_9.6\r\n"),    // method-shaped then disqualified
		bytes.Repeat([]byte{0xff}, 128),      // past the ceiling
	}
	for _, p := range payloads {
		det, conn, err := detect(t, s, p)
		if err != nil {
			t.Fatalf("payload %x: detect: %v", p[:4], err)
		}
		if det.Protocol != model.ProtoOpaque {
			t.Fatalf("payload %x: expected opaque, got %s", p[:4], det.Protocol)
		}
		if det.TLS {
			t.Fatalf("payload %x: unexpected TLS flag", p[:4])
		}
		got, _ := io.ReadAll(conn)
		if !bytes.Equal(got, p) {
			t.Fatalf("payload %x: replay mismatch", p[:4])
		}
	}
}

func TestDetectPartialRequestLineTimesOut(t *testing.T) {
	s := New(Config{MaxPeek: 1024, Timeout: 50 * time.Millisecond})
	client, server := net.Pipe()
	defer client.Close()

	// Peer sends "GET" and then goes quiet: method-shaped but undecided.
	go client.Write([]byte("GET"))

	_, _, err := s.Detect(context.Background(), server)
	if !errors.Is(err, model.ErrDetectionTimeout) {
		t.Fatalf("expected detection timeout, got %v", err)
	}
}

func TestDetectPeerClosesEarly(t *testing.T) {
	s := New(Config{MaxPeek: 1024, Timeout: time.Second})
	client, server := net.Pipe()

	go func() {
		client.Write([]byte("PRI *")) // plausible h2 preface prefix
		client.Close()
	}()

	_, _, err := s.Detect(context.Background(), server)
	if !errors.Is(err, model.ErrDetectionTimeout) {
		t.Fatalf("expected detection timeout on early close, got %v", err)
	}
}

func TestDetectInnerDowngradesTLS(t *testing.T) {
	s := New(Config{MaxPeek: 64, Timeout: time.Second})
	client, server := net.Pipe()
	payload := []byte{0x16, 0x03, 0x03, 0x00, 0x10}
	go func() {
		client.Write(payload)
		client.Close()
	}()

	det, conn, err := s.DetectInner(context.Background(), server)
	if err != nil {
		t.Fatalf("detect inner: %v", err)
	}
	if det.Protocol != model.ProtoOpaque || det.TLS {
		t.Fatalf("TLS-in-TLS should be opaque plaintext, got %+v", det)
	}
	got, _ := io.ReadAll(conn)
	if !bytes.Equal(got, payload) {
		t.Fatal("replay mismatch on inner detect")
	}
}

func TestPrefixedConnBuffered(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	pc := NewPrefixedConn(server, []byte("abc")).(*PrefixedConn)
	if pc.Buffered() != 3 {
		t.Fatalf("expected 3 buffered bytes, got %d", pc.Buffered())
	}
	buf := make([]byte, 2)
	n, err := pc.Read(buf)
	if err != nil || n != 2 || string(buf[:n]) != "ab" {
		t.Fatalf("prefix read: n=%d err=%v buf=%q", n, err, buf[:n])
	}
	if pc.Buffered() != 1 {
		t.Fatalf("expected 1 buffered byte, got %d", pc.Buffered())
	}
}

func TestNewPrefixedConnEmpty(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	if got := NewPrefixedConn(server, nil); got != server {
		t.Fatal("empty prefix should return the conn unchanged")
	}
}
