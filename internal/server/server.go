// Package server binds the admission core to real listeners: one accept loop
// per inbound port, a supervisor pipeline per accepted connection, policy and
// credential hot reload on the side.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/driftlock/inletd/internal/admission"
	"github.com/driftlock/inletd/internal/audit"
	"github.com/driftlock/inletd/internal/config"
	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/policy"
	"github.com/driftlock/inletd/internal/ratelimit"
	"github.com/driftlock/inletd/internal/route"
	"github.com/driftlock/inletd/internal/session"
	"github.com/driftlock/inletd/internal/sniff"
	"github.com/driftlock/inletd/internal/tlsterm"
)

// Server owns the inbound listeners and the shared policy store.
type Server struct {
	cfg      *config.Config
	store    *policy.Store
	creds    *tlsterm.Store
	sup      *session.Supervisor
	limiter  *ratelimit.Limiter
	auditLog *audit.Log
	log      *logrus.Entry

	mu        sync.Mutex
	listeners []net.Listener
}

// New assembles the full pipeline from configuration. The policy snapshot is
// loaded once here; hot reload keeps it fresh while running. Without a
// policy file the store starts empty, which denies everything.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logrus.WithField("component", "server")

	var table *policy.Table
	if cfg.PolicyPath != "" {
		var err error
		table, err = policy.Load(cfg.PolicyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
	} else {
		log.Warn("no policy file configured, all connections will be denied")
	}
	store := policy.NewStore(table)

	sniffer := sniff.New(sniff.Config{
		MaxPeek: cfg.Sniff.MaxPeek,
		Timeout: cfg.Sniff.Timeout.Std(),
	})

	var creds *tlsterm.Store
	var term *tlsterm.Terminator
	if cfg.TLS.Enabled() {
		var err error
		creds, err = tlsterm.NewStore(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		term = tlsterm.New(creds, sniffer, cfg.TLS.HandshakeTimeout.Std())
	}

	dial := cfg.DialTimeout.Std()
	router := route.NewRouter(
		route.NewForwarder(cfg.Target, dial),
		route.NewHTTP1Handler(cfg.Target, dial),
		route.NewHTTP2Handler(cfg.Target, dial),
	)

	var sink session.Sink = session.NopSink{}
	var auditLog *audit.Log
	if cfg.AuditLog != "" {
		var err error
		auditLog, err = audit.Open(cfg.AuditLog)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		sink = audit.NewSink(auditLog)
	}

	ctrl := admission.NewController(store)
	sup := session.New(sniffer, term, ctrl, router, sink)

	return &Server{
		cfg:      cfg,
		store:    store,
		creds:    creds,
		sup:      sup,
		limiter:  ratelimit.New(ratelimit.Config{MaxAccepts: cfg.RateLimit.MaxAccepts, Window: cfg.RateLimit.Window.Std()}),
		auditLog: auditLog,
		log:      log,
	}, nil
}

// Store exposes the policy store so an embedding process can install
// snapshots directly instead of going through the file reloader.
func (s *Server) Store() *policy.Store { return s.store }

// Run listens on every configured port and serves until ctx is cancelled.
// Each accepted connection runs its own supervisor pipeline; none of them
// can fail the server.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, port := range s.cfg.Ports {
		addr := fmt.Sprintf("%s:%d", s.cfg.Bind, port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		s.log.WithField("addr", addr).Info("listening")
	}

	// Hot reload runs beside the accept loops, never on the data path.
	if s.cfg.PolicyPath != "" {
		reloader, err := policy.NewReloader(s.store, s.cfg.PolicyPath)
		if err != nil {
			s.log.WithError(err).Warn("policy hot-reload disabled")
		} else {
			go reloader.Run(ctx)
		}
	}
	if s.creds != nil {
		go func() {
			if err := s.creds.Watch(ctx); err != nil {
				s.log.WithError(err).Warn("credential hot-reload disabled")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()

	var wg sync.WaitGroup
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln net.Listener) {
			defer wg.Done()
			s.acceptLoop(ctx, ln)
		}(ln)
	}
	wg.Wait()

	if s.auditLog != nil {
		s.auditLog.Close()
	}
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	port := listenerPort(ln)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		meta := model.ConnMeta{
			ID:         session.NewConnID(),
			Source:     remoteAddrPort(conn),
			DestPort:   port,
			AcceptedAt: time.Now(),
		}

		if res := s.limiter.Check(meta.Source.Addr(), meta.AcceptedAt); res.Exceeded {
			s.log.WithFields(logrus.Fields{
				"source": meta.Source.String(),
				"reason": res.Reason,
			}).Debug("connection dropped by rate limit")
			conn.Close()
			continue
		}

		go s.sup.Handle(ctx, conn, meta)
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func listenerPort(ln net.Listener) uint16 {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

func remoteAddrPort(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	return netip.AddrPort{}
}
