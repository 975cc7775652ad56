// Package tlsterm terminates mutual TLS on inbound connections and extracts
// the verified peer identity. It runs only when the sniffer saw a TLS
// handshake record; plaintext connections never enter this package.
package tlsterm

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// credential is one immutable load of the local identity material.
type credential struct {
	cert  tls.Certificate
	roots *x509.CertPool
}

// Store holds the local serving credential and trusted roots, refreshed
// out-of-band by the credential-provisioning collaborator rewriting the
// files. Reads on the handshake path are a single atomic load.
type Store struct {
	certFile string
	keyFile  string
	caFile   string
	current  atomic.Pointer[credential]
	log      *logrus.Entry
}

// NewStore loads the initial credential from disk. caFile may be empty, in
// which case client certificates cannot verify and every TLS peer is
// unauthenticated.
func NewStore(certFile, keyFile, caFile string) (*Store, error) {
	s := &Store{
		certFile: certFile,
		keyFile:  keyFile,
		caFile:   caFile,
		log:      logrus.WithField("component", "credentials"),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("failed to load serving certificate: %w", err)
	}

	var roots *x509.CertPool
	if s.caFile != "" {
		pem, err := os.ReadFile(s.caFile)
		if err != nil {
			return fmt.Errorf("failed to read trust roots: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return fmt.Errorf("no usable certificates in %s", s.caFile)
		}
	}

	s.current.Store(&credential{cert: cert, roots: roots})
	return nil
}

// GetCertificate is the tls.Config callback returning the current serving
// certificate. Each handshake picks up the credential in effect when it
// starts.
func (s *Store) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	c := s.current.Load()
	return &c.cert, nil
}

// Roots returns the current trusted root pool, or nil when none configured.
func (s *Store) Roots() *x509.CertPool {
	return s.current.Load().roots
}

// Watch reloads the credential when any of its files change. Blocks until
// ctx is cancelled. A failed reload keeps the previous credential.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	paths := []string{s.certFile, s.keyFile}
	if s.caFile != "" {
		paths = append(paths, s.caFile)
	}
	for _, p := range paths {
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %q: %w", p, err)
		}
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := s.reload(); err != nil {
						s.log.WithError(err).Error("credential reload failed, keeping previous")
						return
					}
					s.log.Info("credential reloaded")
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("file watcher error")
		}
	}
}
