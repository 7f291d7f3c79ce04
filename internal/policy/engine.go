package policy

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Verdict is the outcome of evaluating a request against policy.
type Verdict int

// Verdicts, from most to least permissive.
const (
	Allow Verdict = iota
	Elevate
	Deny
	RateLimited
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Elevate:
		return "elevate"
	case Deny:
		return "deny"
	case RateLimited:
		return "rate_limited"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Decision is a verdict plus the context a caller needs to act on it.
type Decision struct {
	Verdict Verdict
	// Reason is a human-readable explanation, always set for Deny,
	// Elevate and RateLimited.
	Reason string
	// Rule is the rule that produced the verdict, if any.
	Rule *Rule
	// Limit, Remaining and RetryAfter are set for capped tools.
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Usage reports how often a tool has been invoked in the current session.
// The gateway's session type implements it.
type Usage interface {
	// InvocationsSince returns the number of invocations of tool at or
	// after since, and the timestamp of the oldest one counted.
	InvocationsSince(tool string, since time.Time) (int, time.Time)
}

// ToolPolicy is the static policy declared for one tool.
type ToolPolicy struct {
	Name    string
	MinRole Role
	// Rules are tool-scoped; global rules are passed to NewEngine separately.
	Rules []Rule
	// MaxPerSession caps invocations per session. Zero disables the cap.
	MaxPerSession int
	// CapWindow bounds the cap to a sliding window. Zero means the cap
	// spans the whole session.
	CapWindow time.Duration
	// Paths restricts the command when it names a filesystem path.
	Paths PathRules
}

// DefaultMinRoles is applied when a tool policy does not name a minimum role.
var DefaultMinRoles = map[string]Role{
	"exec":       RoleAdmin,
	"file_write": RoleAdmin,
	"process":    RoleAdmin,
	"file_read":  RoleFriend,
}

// DefaultRules are applied when a tool policy declares no rules of its own.
// Stopping or restarting a tool server interrupts other sessions, so it
// needs a human.
var DefaultRules = map[string][]Rule{
	"process": {
		{Pattern: "stop *", Action: ActionElevate, Scope: "process"},
		{Pattern: "restart *", Action: ActionElevate, Scope: "process"},
	},
}

type compiledTool struct {
	policy    ToolPolicy
	deny      []Rule
	ownerOnly []Rule
	elevate   []Rule
}

// Engine classifies requests. It is immutable after construction and safe
// for concurrent use.
type Engine struct {
	tools map[string]*compiledTool
	now   func() time.Time
}

// NewEngine validates global and per-tool rules and builds an Engine.
// All problems are reported together.
func NewEngine(global []Rule, tools []ToolPolicy) (*Engine, error) {
	var errs []error
	for _, r := range global {
		if err := validateRule(r); err != nil {
			errs = append(errs, fmt.Errorf("global: %w", err))
		}
	}

	e := &Engine{
		tools: make(map[string]*compiledTool, len(tools)),
		now:   time.Now,
	}
	for _, tp := range tools {
		if _, dup := e.tools[tp.Name]; dup {
			errs = append(errs, fmt.Errorf("%w: %q", ErrDuplicateTool, tp.Name))
			continue
		}
		ct := &compiledTool{policy: tp}
		// Global rules of a given action precede the tool's own.
		for _, r := range append(slices.Clone(global), tp.Rules...) {
			if r.Scope != GlobalScope && r.Scope != tp.Name {
				errs = append(errs, fmt.Errorf("tool %q: rule %s: %w: scoped to %q", tp.Name, r, ErrUnknownTool, r.Scope))
				continue
			}
			if err := validateRule(r); err != nil {
				if r.Scope != GlobalScope {
					errs = append(errs, fmt.Errorf("tool %q: %w", tp.Name, err))
				}
				continue
			}
			switch r.Action {
			case ActionDeny:
				ct.deny = append(ct.deny, r)
			case ActionOwnerOnly:
				ct.ownerOnly = append(ct.ownerOnly, r)
			case ActionElevate:
				ct.elevate = append(ct.elevate, r)
			}
		}
		if err := tp.Paths.validate(); err != nil {
			errs = append(errs, fmt.Errorf("tool %q: %w", tp.Name, err))
		}
		if tp.MaxPerSession < 0 {
			errs = append(errs, fmt.Errorf("tool %q: max_per_session must be >= 0", tp.Name))
		}
		e.tools[tp.Name] = ct
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return e, nil
}

func validateRule(r Rule) error {
	if !r.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, r.Action)
	}
	if err := ValidatePattern(r.Pattern); err != nil {
		return err
	}
	return nil
}

// SetClock overrides the clock used for windowed caps. Call it before
// the engine is shared.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Has reports whether a policy exists for tool.
func (e *Engine) Has(tool string) bool {
	_, ok := e.tools[tool]
	return ok
}

// Policy returns the declared policy for tool.
func (e *Engine) Policy(tool string) (ToolPolicy, bool) {
	ct, ok := e.tools[tool]
	if !ok {
		return ToolPolicy{}, false
	}
	return ct.policy, true
}

// Tools returns the names of all tools with a policy, sorted.
func (e *Engine) Tools() []string {
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Evaluate classifies a request. usage may be nil for callers outside a
// session; capped tools are then never rate limited.
//
// Order: session cap, deny rules, path rules, owner-only rules, minimum
// role, elevate rules, default allow. The role check precedes elevate so
// an under-privileged caller is never offered a confirmation.
func (e *Engine) Evaluate(role Role, tool, command string, usage Usage) Decision {
	ct, ok := e.tools[tool]
	if !ok {
		return Decision{Verdict: Deny, Reason: fmt.Sprintf("unknown tool %q", tool)}
	}
	tp := ct.policy

	var d Decision
	if tp.MaxPerSession > 0 {
		d.Limit = tp.MaxPerSession
		d.Remaining = tp.MaxPerSession
		if usage != nil {
			now := e.now()
			var since time.Time
			if tp.CapWindow > 0 {
				since = now.Add(-tp.CapWindow)
			}
			n, oldest := usage.InvocationsSince(tool, since)
			d.Remaining = max(tp.MaxPerSession-n, 0)
			if n >= tp.MaxPerSession {
				d.Verdict = RateLimited
				d.Reason = fmt.Sprintf("%s is limited to %d calls per session", tool, tp.MaxPerSession)
				if tp.CapWindow > 0 {
					d.RetryAfter = max(oldest.Add(tp.CapWindow).Sub(now), 0)
					d.Reason = fmt.Sprintf("%s is limited to %d calls per %s", tool, tp.MaxPerSession, tp.CapWindow)
				}
				return d
			}
		}
	}

	if r, ok := firstMatch(command, ct.deny); ok {
		d.Verdict = Deny
		d.Rule = &r
		d.Reason = fmt.Sprintf("command matches blocked pattern %q", r.Pattern)
		return d
	}

	if reason, denied := tp.Paths.check(command); denied {
		d.Verdict = Deny
		d.Reason = reason
		return d
	}

	if r, ok := firstMatch(command, ct.ownerOnly); ok && role != RoleOwner {
		d.Verdict = Deny
		d.Rule = &r
		d.Reason = fmt.Sprintf("command matching %q is reserved for the owner", r.Pattern)
		return d
	}

	if !role.AtLeast(tp.MinRole) {
		d.Verdict = Deny
		d.Reason = fmt.Sprintf("%s requires role %s or higher (caller is %s)", tool, tp.MinRole, role)
		return d
	}

	if r, ok := firstMatch(command, ct.elevate); ok {
		d.Verdict = Elevate
		d.Rule = &r
		d.Reason = fmt.Sprintf("command matching %q requires confirmation", r.Pattern)
		return d
	}

	d.Verdict = Allow
	return d
}
