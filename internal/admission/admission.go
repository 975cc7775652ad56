// Package admission decides whether a connection, and for HTTP each request
// on it, is permitted to proceed. It evaluates the ordered rule list from the
// policy snapshot captured at accept time; the first matching rule wins and
// no match denies.
package admission

import (
	"github.com/driftlock/inletd/internal/model"
	"github.com/driftlock/inletd/internal/policy"
)

// Controller evaluates connections against the current policy snapshot.
type Controller struct {
	store *policy.Store
}

// NewController creates a controller reading snapshots from store.
func NewController(store *policy.Store) *Controller {
	return &Controller{store: store}
}

// Admit evaluates a connection once, post-detection and post-termination.
// It captures the port's rule list from the snapshot in effect right now and
// returns it bound into a RequestHook, so later per-request evaluations see
// the same rules regardless of snapshot replacement mid-connection.
func (c *Controller) Admit(meta model.ConnMeta, id model.PeerIdentity, det model.DetectionResult) (model.AdmissionDecision, *RequestHook) {
	table := c.store.Current()
	rules := table.Lookup(meta.DestPort)

	hook := &RequestHook{
		rules: rules,
		input: policy.MatchInput{
			Source:   meta.Source.Addr(),
			Identity: id,
			Protocol: det.Protocol,
		},
		version: table.Version(),
	}

	// A denied handshake never admits, whatever the rules say. The
	// supervisor aborts before reaching here; this is the backstop.
	if id.Kind == model.IdentityDenied {
		return model.AdmissionDecision{Decision: model.Deny, Reason: "identity denied: " + id.Reason, RuleIndex: -1}, hook
	}

	return evaluate(rules, hook.input), hook
}

// RequestHook re-evaluates admission per HTTP request against the rule list
// captured at connection accept. Handed to the HTTP stacks; they call
// Evaluate with an opaque request match key (route or path).
type RequestHook struct {
	rules   []policy.Rule
	input   policy.MatchInput
	version string
}

// Evaluate runs request-level admission with the given match key.
func (h *RequestHook) Evaluate(requestKey string) model.AdmissionDecision {
	in := h.input
	in.RequestKey = requestKey
	return evaluate(h.rules, in)
}

// PolicyVersion identifies the snapshot the hook was captured from.
func (h *RequestHook) PolicyVersion() string { return h.version }

// evaluate walks the ordered rule list; earlier rule index dominates.
func evaluate(rules []policy.Rule, in policy.MatchInput) model.AdmissionDecision {
	for i := range rules {
		if rules[i].Matches(in) {
			return rules[i].Outcome(i)
		}
	}
	return model.DefaultDeny()
}
