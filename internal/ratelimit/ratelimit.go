// Package ratelimit bounds the accept rate per source address. It protects
// the sniff/handshake stages from a single noisy peer; admitted traffic is
// never limited here.
package ratelimit

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// Config defines the per-source accept limit. Zero values mean unlimited.
type Config struct {
	MaxAccepts int           `yaml:"max_accepts"`
	Window     time.Duration `yaml:"window"`
}

// Enabled reports whether the config imposes any limit.
func (c Config) Enabled() bool {
	return c.MaxAccepts > 0 && c.Window > 0
}

// CheckResult is the outcome of one accept check.
type CheckResult struct {
	Exceeded bool
	Current  int
	Limit    int
	Reason   string
}

// Limiter counts accepts per source address in fixed windows.
type Limiter struct {
	cfg Config

	mu          sync.Mutex
	counts      map[netip.Addr]int
	windowStart time.Time
}

// New creates a limiter. A config without limits yields a pass-through
// limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		counts: make(map[netip.Addr]int),
	}
}

// Check records an accept from source and reports whether it exceeded the
// limit. When the window has expired, all counters reset.
func (l *Limiter) Check(source netip.Addr, now time.Time) CheckResult {
	if !l.cfg.Enabled() {
		return CheckResult{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.windowStart) >= l.cfg.Window {
		l.counts = make(map[netip.Addr]int)
		l.windowStart = now
	}

	source = source.Unmap()
	count := l.counts[source]
	if count >= l.cfg.MaxAccepts {
		return CheckResult{
			Exceeded: true,
			Current:  count,
			Limit:    l.cfg.MaxAccepts,
			Reason: fmt.Sprintf("accept rate exceeded: %d/%d connections in %s window",
				count, l.cfg.MaxAccepts, l.cfg.Window),
		}
	}
	l.counts[source] = count + 1
	return CheckResult{Current: count + 1, Limit: l.cfg.MaxAccepts}
}
