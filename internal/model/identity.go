package model

import "time"

// IdentityKind distinguishes the three terminal identity states of a
// connection.
type IdentityKind string

const (
	// IdentityVerified: the peer presented a certificate that chained to a
	// trusted root; Name carries its asserted identity.
	IdentityVerified IdentityKind = "verified"
	// IdentityUnauthenticated: the connection was not transport-secured,
	// or was secured without a client certificate.
	IdentityUnauthenticated IdentityKind = "unauthenticated"
	// IdentityDenied: the handshake failed. Fatal to the connection; no
	// bytes may reach any downstream stack.
	IdentityDenied IdentityKind = "denied"
)

// PeerIdentity is produced once per connection by the terminator and is
// immutable thereafter.
type PeerIdentity struct {
	Kind   IdentityKind
	Name   string
	Reason string // set only for IdentityDenied
	// Certificate validity window, set only for IdentityVerified.
	NotBefore time.Time
	NotAfter  time.Time
}

// Unauthenticated is the identity of a plaintext or client-cert-free peer.
func Unauthenticated() PeerIdentity {
	return PeerIdentity{Kind: IdentityUnauthenticated}
}

// Verified builds a verified identity with its certificate validity window.
func Verified(name string, notBefore, notAfter time.Time) PeerIdentity {
	return PeerIdentity{Kind: IdentityVerified, Name: name, NotBefore: notBefore, NotAfter: notAfter}
}

// DeniedIdentity marks a failed handshake with the failure reason.
func DeniedIdentity(reason string) PeerIdentity {
	return PeerIdentity{Kind: IdentityDenied, Reason: reason}
}

// Authenticated reports whether the peer proved an identity.
func (p PeerIdentity) Authenticated() bool {
	return p.Kind == IdentityVerified
}
