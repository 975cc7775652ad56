package tlsterm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
	"time"

	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/sniff"
)

// Terminator performs the server side of the TLS handshake and yields the
// peer identity plus a decrypted stream. Handshake failures are fatal to the
// connection; no later stage runs and no payload byte escapes downstream.
type Terminator struct {
	creds   *Store
	sniffer *sniff.Sniffer
	timeout time.Duration
}

// New creates a terminator. sniffer re-detects the application protocol on
// the decrypted stream when ALPN does not settle it.
func New(creds *Store, sniffer *sniff.Sniffer, timeout time.Duration) *Terminator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Terminator{creds: creds, sniffer: sniffer, timeout: timeout}
}

// Terminate handshakes conn (which must replay the sniffed TLS record bytes)
// and classifies the decrypted application stream.
//
// On success the returned conn is plaintext with any re-sniffed bytes
// preserved, the identity is Verified or Unauthenticated, and the detection
// carries the inner protocol with the TLS flag set. On failure the identity
// is Denied and the error is a *model.HandshakeError.
func (t *Terminator) Terminate(ctx context.Context, conn net.Conn) (model.PeerIdentity, model.DetectionResult, net.Conn, error) {
	cfg := &tls.Config{
		GetCertificate: t.creds.GetCertificate,
		ClientCAs:      t.creds.Roots(),
		// The policy table decides what unauthenticated peers may do;
		// the handshake only refuses certificates that fail to verify.
		ClientAuth: tls.VerifyClientCertIfGiven,
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
	}

	tlsConn := tls.Server(conn, cfg)
	hsCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		reason := handshakeReason(err)
		return model.DeniedIdentity(reason), model.DetectionResult{}, nil,
			&model.HandshakeError{Reason: reason, Err: err}
	}

	state := tlsConn.ConnectionState()
	id := peerIdentity(state)

	det, out, err := t.classifyDecrypted(ctx, tlsConn, state.NegotiatedProtocol)
	if err != nil {
		return id, model.DetectionResult{}, nil, err
	}
	return id, det, out, nil
}

// classifyDecrypted settles the application protocol of the plaintext
// stream. ALPN is authoritative when negotiated; otherwise the inner bytes
// are re-sniffed with the same detection rules as the outer stream.
func (t *Terminator) classifyDecrypted(ctx context.Context, conn net.Conn, alpn string) (model.DetectionResult, net.Conn, error) {
	switch alpn {
	case "h2":
		return model.DetectionResult{Protocol: model.ProtoHTTP2, TLS: true}, conn, nil
	case "http/1.1":
		return model.DetectionResult{Protocol: model.ProtoHTTP1, TLS: true}, conn, nil
	}
	det, out, err := t.sniffer.DetectInner(ctx, conn)
	if err != nil {
		return model.DetectionResult{}, nil, err
	}
	det.TLS = true
	return det, out, nil
}

// peerIdentity extracts the asserted identity from the verified client
// certificate: URI SAN first (mesh identities live there), then DNS SAN,
// then the subject common name.
func peerIdentity(state tls.ConnectionState) model.PeerIdentity {
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return model.Unauthenticated()
	}
	leaf := state.VerifiedChains[0][0]
	return model.Verified(identityName(leaf), leaf.NotBefore, leaf.NotAfter)
}

func identityName(leaf *x509.Certificate) string {
	if len(leaf.URIs) > 0 {
		return leaf.URIs[0].String()
	}
	if len(leaf.DNSNames) > 0 {
		return leaf.DNSNames[0]
	}
	return leaf.Subject.CommonName
}

// handshakeReason maps a handshake error onto the structured denial reason
// recorded with the identity.
func handshakeReason(err error) string {
	switch {
	case err == nil:
		return ""
	case isCertError(err):
		return "untrusted or expired client certificate"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return "handshake timed out"
	default:
		return "handshake protocol failure"
	}
}

func isCertError(err error) bool {
	var invalid x509.CertificateInvalidError
	var unknown x509.UnknownAuthorityError
	return errors.As(err, &invalid) || errors.As(err, &unknown)
}
