package session

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftlock/inletd/internal/admission"
	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/policy"
	"github.com/driftlock/inletd/internal/route"
	"github.com/driftlock/inletd/internal/sniff"
)

// recordingSink captures the event stream for assertions.
type recordingSink struct {
	mu       sync.Mutex
	events   []string
	det      model.DetectionResult
	identity model.PeerIdentity
	decision model.AdmissionDecision
	final    State
	reason   string
}

func (r *recordingSink) ConnectionAccepted(model.ConnMeta) {
	r.record("accepted")
}

func (r *recordingSink) ProtocolDetected(_ model.ConnMeta, det model.DetectionResult) {
	r.mu.Lock()
	r.det = det
	r.mu.Unlock()
	r.record("detected")
}

func (r *recordingSink) IdentityEstablished(_ model.ConnMeta, id model.PeerIdentity) {
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()
	r.record("identity")
}

func (r *recordingSink) AdmissionDecided(_ model.ConnMeta, d model.AdmissionDecision) {
	r.mu.Lock()
	r.decision = d
	r.mu.Unlock()
	r.record("admission")
}

func (r *recordingSink) ConnectionClosed(_ model.ConnMeta, final State, reason string) {
	r.mu.Lock()
	r.final = final
	r.reason = reason
	r.mu.Unlock()
	r.record("closed")
}

func (r *recordingSink) record(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingSink) sequence() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.events, ",")
}

func controller(t *testing.T, rules []policy.Rule) *admission.Controller {
	t.Helper()
	table, err := policy.NewTable("test", "sha256:test", map[uint16][]policy.Rule{80: rules})
	if err != nil {
		t.Fatalf("build table: %v", err)
	}
	return admission.NewController(policy.NewStore(table))
}

func testMeta() model.ConnMeta {
	return model.ConnMeta{
		ID:       "c-test",
		Source:   netip.MustParseAddrPort("10.0.0.5:40000"),
		DestPort: 80,
	}
}

// echoBackend accepts connections, echoes each one, and counts accepts.
func echoBackend(t *testing.T) (string, *int32, *sync.Mutex) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	var accepts int32
	var mu sync.Mutex
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepts++
			mu.Unlock()
			go func() {
				io.Copy(conn, conn)
				conn.Close()
			}()
		}
	}()
	return ln.Addr().String(), &accepts, &mu
}

func newSupervisor(t *testing.T, rules []policy.Rule, backend string, sniffTimeout time.Duration, sink Sink) *Supervisor {
	t.Helper()
	sniffer := sniff.New(sniff.Config{MaxPeek: 64, Timeout: sniffTimeout})
	router := route.NewRouter(
		route.NewForwarder(backend, time.Second),
		route.NewHTTP1Handler(backend, time.Second),
		route.NewHTTP2Handler(backend, time.Second),
	)
	return New(sniffer, nil, controller(t, rules), router, sink)
}

// handle runs the pipeline in the background and returns a completion
// channel.
func handle(sup *Supervisor, conn net.Conn, meta model.ConnMeta) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		sup.Handle(context.Background(), conn, meta)
	}()
	return done
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not finish")
	}
}

func TestHandleOpaqueAllowedRoundTrip(t *testing.T) {
	backend, _, _ := echoBackend(t)
	sink := &recordingSink{}
	sup := newSupervisor(t, []policy.Rule{{Action: "allow"}}, backend, time.Second, sink)

	client, server := net.Pipe()
	done := handle(sup, server, testMeta())

	// Leading NUL byte settles the classification as opaque immediately.
	payload := []byte("\x00opaque payload")
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	echo := make([]byte, len(payload))
	if _, err := io.ReadFull(client, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(echo) != string(payload) {
		t.Fatalf("sniffed bytes lost in replay: %q", echo)
	}
	client.Close()
	waitDone(t, done)

	if got := sink.sequence(); got != "accepted,detected,identity,admission,closed" {
		t.Fatalf("event sequence: %s", got)
	}
	if sink.det.Protocol != model.ProtoOpaque {
		t.Errorf("detected protocol: %s", sink.det.Protocol)
	}
	if sink.identity.Kind != model.IdentityUnauthenticated {
		t.Errorf("identity: %s", sink.identity.Kind)
	}
	if sink.final != StateRouted {
		t.Errorf("final state: %s", sink.final)
	}
}

func TestHandlePolicyDenyClosesWithoutForwarding(t *testing.T) {
	backend, accepts, mu := echoBackend(t)
	sink := &recordingSink{}
	sup := newSupervisor(t, []policy.Rule{{Action: "deny", Reason: "port closed"}}, backend, time.Second, sink)

	client, server := net.Pipe()
	done := handle(sup, server, testMeta())

	if _, err := client.Write([]byte("\x00opaque payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// An opaque denial has no peer-visible rendering: the close is the
	// signal.
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("denied connection delivered bytes")
	}
	waitDone(t, done)

	if sink.final != StateAborted || sink.reason != AbortPolicyDenied {
		t.Fatalf("final %s/%s, want aborted/policy-denied", sink.final, sink.reason)
	}
	if sink.decision.Allowed() {
		t.Fatal("decision event reported allow")
	}
	mu.Lock()
	defer mu.Unlock()
	if *accepts != 0 {
		t.Fatalf("denied connection reached the application (%d accepts)", *accepts)
	}
}

func TestHandleHTTP1DenyRendersForbidden(t *testing.T) {
	backend, _, _ := echoBackend(t)
	sink := &recordingSink{}
	sup := newSupervisor(t, []policy.Rule{{Action: "deny", Reason: "not yours"}}, backend, time.Second, sink)

	client, server := net.Pipe()
	done := handle(sup, server, testMeta())

	if _, err := io.WriteString(client, "GET / HTTP/1.1\r\nHost: app\r\n\r\n"); err != nil {
		t.Fatalf("write request: %v", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(client), nil)
	if err != nil {
		t.Fatalf("read denial: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "not yours") {
		t.Fatalf("denial body missing reason: %q", body)
	}
	waitDone(t, done)

	if sink.det.Protocol != model.ProtoHTTP1 {
		t.Errorf("detected protocol: %s", sink.det.Protocol)
	}
	if sink.final != StateAborted || sink.reason != AbortPolicyDenied {
		t.Fatalf("final %s/%s, want aborted/policy-denied", sink.final, sink.reason)
	}
}

func TestHandleDetectionTimeoutAborts(t *testing.T) {
	backend, _, _ := echoBackend(t)
	sink := &recordingSink{}
	sup := newSupervisor(t, []policy.Rule{{Action: "allow"}}, backend, 100*time.Millisecond, sink)

	client, server := net.Pipe()
	done := handle(sup, server, testMeta())

	// "GET" alone is still ambiguous between a request line and opaque
	// data, so the sniffer has to wait for the clock.
	if _, err := io.WriteString(client, "GET"); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitDone(t, done)
	client.Close()

	if sink.final != StateAborted || sink.reason != AbortDetectionTimeout {
		t.Fatalf("final %s/%s, want aborted/detection-timeout", sink.final, sink.reason)
	}
	if got := sink.sequence(); got != "accepted,closed" {
		t.Fatalf("event sequence: %s", got)
	}
}

func TestNewConnID(t *testing.T) {
	a, b := NewConnID(), NewConnID()
	if a == b {
		t.Fatal("consecutive IDs collided")
	}
	if !strings.HasPrefix(a, "c-") || len(a) != 14 {
		t.Fatalf("unexpected ID shape: %q", a)
	}
}
