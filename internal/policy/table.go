// Package policy holds the immutable authorization snapshot consulted on
// every inbound connection. A snapshot maps destination ports to ordered rule
// lists; it is replaced wholesale, never mutated, so readers on the data path
// take no locks.
package policy

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/driftlock/inletd/internal/model"
)

// Rule is one ordered predicate in a port's list. First match wins; a port
// with no matching rule denies.
type Rule struct {
	// Sources restricts the peer's source address to the given CIDR blocks
	// (bare addresses allowed). Empty means any source.
	Sources []string `yaml:"sources,omitempty"`
	// Identity restricts the verified peer identity:
	//   ""          no constraint, unauthenticated peers included
	//   "*"         any authenticated peer
	//   "*.suffix"  verified name ending in ".suffix"
	//   other       exact verified name
	Identity string `yaml:"identity,omitempty"`
	// Protocols restricts the detected protocol (opaque, http/1, http/2).
	// Empty means any.
	Protocols []string `yaml:"protocols,omitempty"`
	// Match scopes the rule to HTTP request keys (route or path) matching
	// a glob-like pattern. Rules with a Match are skipped at connection
	// level and only apply during per-request evaluation.
	Match string `yaml:"match,omitempty"`
	// Action is "allow" or "deny".
	Action string `yaml:"action"`
	// Reason annotates denials for the peer-facing rejection.
	Reason string `yaml:"reason,omitempty"`

	prefixes []netip.Prefix
}

// compile parses and caches the rule's source prefixes and validates the
// enumerated fields.
func (r *Rule) compile() error {
	switch model.Decision(r.Action) {
	case model.Allow, model.Deny:
	default:
		return fmt.Errorf("invalid action %q", r.Action)
	}
	for _, p := range r.Protocols {
		switch model.Protocol(p) {
		case model.ProtoOpaque, model.ProtoHTTP1, model.ProtoHTTP2:
		default:
			return fmt.Errorf("invalid protocol %q", p)
		}
	}
	r.prefixes = r.prefixes[:0]
	for _, s := range r.Sources {
		pfx, err := parsePrefix(s)
		if err != nil {
			return fmt.Errorf("invalid source %q: %w", s, err)
		}
		r.prefixes = append(r.prefixes, pfx)
	}
	return nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// MatchInput is everything a rule predicate can see.
type MatchInput struct {
	Source   netip.Addr
	Identity model.PeerIdentity
	Protocol model.Protocol
	// RequestKey is the opaque per-request match key (route or path).
	// Empty during connection-level evaluation.
	RequestKey string
}

// Matches reports whether the rule applies to the given input.
func (r *Rule) Matches(in MatchInput) bool {
	if r.Match != "" {
		if in.RequestKey == "" || !MatchPattern(r.Match, in.RequestKey) {
			return false
		}
	}
	if len(r.prefixes) > 0 {
		hit := false
		for _, pfx := range r.prefixes {
			if pfx.Contains(in.Source.Unmap()) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(r.Protocols) > 0 {
		hit := false
		for _, p := range r.Protocols {
			if model.Protocol(p) == in.Protocol {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return matchIdentity(r.Identity, in.Identity)
}

func matchIdentity(want string, id model.PeerIdentity) bool {
	switch {
	case want == "":
		return true
	case want == "*":
		return id.Authenticated()
	case strings.HasPrefix(want, "*."):
		return id.Authenticated() && strings.HasSuffix(id.Name, want[1:])
	default:
		return id.Authenticated() && id.Name == want
	}
}

// Outcome converts the rule's action into an admission decision.
func (r *Rule) Outcome(index int) model.AdmissionDecision {
	d := model.AdmissionDecision{Decision: model.Decision(r.Action), RuleIndex: index}
	if d.Decision == model.Deny {
		d.Reason = r.Reason
		if d.Reason == "" {
			d.Reason = fmt.Sprintf("denied by rule %d", index)
		}
	}
	return d
}

// MatchPattern checks a value against a glob-like pattern.
// Supports: *x* (contains), *x (suffix), x* (prefix), exact match.
// Matching is case-insensitive, following the rule file conventions.
func MatchPattern(pattern, value string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	p := strings.ToLower(pattern)
	v := strings.ToLower(value)
	switch {
	case strings.HasPrefix(p, "*") && strings.HasSuffix(p, "*"):
		return strings.Contains(v, strings.Trim(p, "*"))
	case strings.HasPrefix(p, "*"):
		return strings.HasSuffix(v, strings.TrimPrefix(p, "*"))
	case strings.HasSuffix(p, "*"):
		return strings.HasPrefix(v, strings.TrimSuffix(p, "*"))
	default:
		return v == p
	}
}

// Table is one immutable policy snapshot. All fields are fixed at
// construction; concurrent readers share it freely.
type Table struct {
	version string
	hash    string
	ports   map[uint16][]Rule
}

// NewTable builds a snapshot from per-port rule lists, compiling every rule.
// The input map is copied; the caller may reuse it.
func NewTable(version, hash string, ports map[uint16][]Rule) (*Table, error) {
	compiled := make(map[uint16][]Rule, len(ports))
	for port, rules := range ports {
		list := make([]Rule, len(rules))
		copy(list, rules)
		for i := range list {
			if err := list[i].compile(); err != nil {
				return nil, fmt.Errorf("port %d rule %d: %w", port, i, err)
			}
		}
		compiled[port] = list
	}
	return &Table{version: version, hash: hash, ports: compiled}, nil
}

// Version returns the snapshot's version label. Nil-safe, like Lookup, so an
// empty store reads as the empty version.
func (t *Table) Version() string {
	if t == nil {
		return ""
	}
	return t.version
}

// Hash returns the sha256 of the snapshot's source bytes.
func (t *Table) Hash() string {
	if t == nil {
		return ""
	}
	return t.hash
}

// Lookup returns the ordered rule list for a destination port. An
// unconfigured port returns nil, which evaluates as deny-all.
func (t *Table) Lookup(port uint16) []Rule {
	if t == nil {
		return nil
	}
	return t.ports[port]
}

// Ports returns the number of configured ports.
func (t *Table) Ports() int {
	if t == nil {
		return 0
	}
	return len(t.ports)
}
