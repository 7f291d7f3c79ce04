// Package gateway is the single entry point agents call to run tools. It
// composes policy evaluation, confirmation, and dispatch to local handlers
// or supervised tool servers, and exposes the result over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/session"
	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/tool"
)

// DefaultLocalTimeout bounds a local handler call when its descriptor
// declares no timeout.
const DefaultLocalTimeout = 30 * time.Second

// ProcessTable is the part of the supervisor the gateway dispatches through.
type ProcessTable interface {
	Send(ctx context.Context, name string, payload []byte) ([]byte, error)
	Status() []supervisor.Status
}

// Options wires a Gateway. Tools, Policy, Sessions and Broker are required.
type Options struct {
	Tools     *tool.Registry
	Policy    *policy.Engine
	Sessions  *session.Store
	Broker    *confirm.Broker
	Processes ProcessTable

	Limiter *security.RateLimiter
	Audit   *security.AuditLogger
	// Redactor, if set, scrubs tool output and confirmation input so
	// credentials handed to tool servers never reach the agent.
	Redactor *security.Redactor
	Metrics  *Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger

	// LocalTimeout overrides DefaultLocalTimeout.
	LocalTimeout time.Duration
	// MaxInputSize bounds the JSON input of a request.
	MaxInputSize int
	// Now overrides time.Now for session counters.
	Now func() time.Time
}

// Gateway classifies and dispatches tool invocations. Policy evaluation
// and counter updates happen under the calling session's lock; dispatch
// runs outside it, so no lock spans both.
type Gateway struct {
	policy atomic.Pointer[policy.Engine]

	tools     *tool.Registry
	sessions  *session.Store
	broker    *confirm.Broker
	processes ProcessTable
	limiter   *security.RateLimiter
	audit     *security.AuditLogger
	redactor  *security.Redactor
	metrics   *Metrics
	tracer    trace.Tracer
	logger    *slog.Logger

	localTimeout time.Duration
	maxInput     int
	now          func() time.Time
	startedAt    time.Time

	unsubscribe func()
	watching    sync.WaitGroup
}

// New validates opts and builds a Gateway.
func New(opts Options) (*Gateway, error) {
	var errs []error
	if opts.Tools == nil {
		errs = append(errs, errors.New("gateway: tool registry is required"))
	}
	if opts.Policy == nil {
		errs = append(errs, errors.New("gateway: policy engine is required"))
	}
	if opts.Sessions == nil {
		errs = append(errs, errors.New("gateway: session store is required"))
	}
	if opts.Broker == nil {
		errs = append(errs, errors.New("gateway: confirmation broker is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/flemzord/toolgate/internal/gateway")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LocalTimeout <= 0 {
		opts.LocalTimeout = DefaultLocalTimeout
	}
	if opts.MaxInputSize <= 0 {
		opts.MaxInputSize = security.DefaultMaxRequestSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	g := &Gateway{
		tools:        opts.Tools,
		sessions:     opts.Sessions,
		broker:       opts.Broker,
		processes:    opts.Processes,
		limiter:      opts.Limiter,
		audit:        opts.Audit,
		redactor:     opts.Redactor,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       opts.Logger.With("component", "gateway"),
		localTimeout: opts.LocalTimeout,
		maxInput:     opts.MaxInputSize,
		now:          opts.Now,
		startedAt:    time.Now(),
	}
	g.policy.Store(opts.Policy)
	return g, nil
}

// SetPolicy swaps the policy engine. In-flight calls finish under the
// engine they started with.
func (g *Gateway) SetPolicy(e *policy.Engine) {
	g.policy.Store(e)
	g.logger.Info("policy replaced", "tools", len(e.Tools()))
}

// Policy returns the active policy engine.
func (g *Gateway) Policy() *policy.Engine { return g.policy.Load() }

// Tools returns the tool registry.
func (g *Gateway) Tools() *tool.Registry { return g.tools }

// Sessions returns the session store.
func (g *Gateway) Sessions() *session.Store { return g.sessions }

// Broker returns the confirmation broker.
func (g *Gateway) Broker() *confirm.Broker { return g.broker }

// Start follows broker events so expiries are counted and audited even
// when nobody is waiting on them.
func (g *Gateway) Start(_ context.Context) error {
	events, cancel := g.broker.Subscribe()
	g.unsubscribe = cancel
	g.watching.Add(1)
	go func() {
		defer g.watching.Done()
		for ev := range events {
			g.metrics.RecordConfirmation(string(ev.Type))
			if ev.Type == confirm.EventExpired {
				c := ev.Confirmation
				g.audit.Log(security.AuditEvent{
					Type:      security.EventApproval,
					SessionID: c.SessionID,
					Role:      c.Role.String(),
					ToolName:  c.Tool,
					RequestID: c.ID,
					Verdict:   c.State.String(),
					Detail:    tool.Preview(c.Command),
				})
			}
		}
	}()
	return nil
}

// Stop ends the event watcher.
func (g *Gateway) Stop(_ context.Context) error {
	if g.unsubscribe != nil {
		g.unsubscribe()
		g.watching.Wait()
		g.unsubscribe = nil
	}
	return nil
}

// Invoke runs one request through policy, confirmation and dispatch.
// Failures are reported in the Result, never as a panic or Go error.
func (g *Gateway) Invoke(ctx context.Context, req Request) Result {
	ctx, span := g.tracer.Start(ctx, "gateway.Invoke", trace.WithAttributes(
		attribute.String("tool", req.Tool),
		attribute.String("role", req.Role.String()),
	))
	defer span.End()

	res := g.invoke(ctx, req)
	span.SetAttributes(attribute.Bool("elevated", res.Elevated))
	if res.Error != nil {
		span.SetStatus(codes.Error, string(res.Error.Kind))
	}
	return res
}

func (g *Gateway) invoke(ctx context.Context, req Request) Result {
	if err := g.validate(req); err != nil {
		g.metrics.RecordVerdict(req.Tool, "invalid")
		return failure(KindInvalidRequest, "%v", err)
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(security.KindToolCall); err != nil {
			g.audit.Log(security.AuditEvent{
				Type:      security.EventRateLimit,
				SessionID: req.SessionID,
				ToolName:  req.Tool,
				Detail:    err.Error(),
			})
			return rateLimited(err)
		}
	}

	sess, created, err := g.sessions.GetOrCreate(req.SessionID)
	if err != nil {
		return failure(KindRateLimited, "%v", err)
	}
	if created {
		g.audit.Log(security.AuditEvent{Type: security.EventSessionCreate, SessionID: sess.ID, Role: req.Role.String()})
	}

	engine := g.policy.Load()

	sess.Lock()
	d := engine.Evaluate(req.Role, req.Tool, req.Command, sess)
	g.metrics.RecordVerdict(req.Tool, d.Verdict.String())

	switch d.Verdict {
	case policy.Deny:
		sess.Unlock()
		g.audit.Log(security.AuditEvent{
			Type:      security.EventPolicyDeny,
			SessionID: sess.ID,
			Role:      req.Role.String(),
			ToolName:  req.Tool,
			Verdict:   d.Verdict.String(),
			Detail:    d.Reason,
		})
		res := failure(KindPolicyDenied, "%s", d.Reason)
		res.SessionID = sess.ID
		return res

	case policy.RateLimited:
		sess.Unlock()
		g.audit.Log(security.AuditEvent{
			Type:      security.EventRateLimit,
			SessionID: sess.ID,
			Role:      req.Role.String(),
			ToolName:  req.Tool,
			Verdict:   d.Verdict.String(),
			Detail:    d.Reason,
		})
		res := failure(KindRateLimited, "%s", d.Reason)
		res.SessionID = sess.ID
		res.RetryAfter = d.RetryAfter
		res.Remaining = remaining(d)
		return res

	case policy.Elevate:
		if req.RequestID == "" {
			sess.Unlock()
			return g.requestConfirmation(req, sess.ID, d)
		}
		if !sess.TakeGrant(req.RequestID, req.Tool, req.Command) {
			sess.Unlock()
			return g.grantFailure(req, sess.ID)
		}

	case policy.Allow:
		if req.RequestID != "" {
			// Policy may have relaxed since approval; drop the grant.
			sess.TakeGrant(req.RequestID, req.Tool, req.Command)
		}
	}

	now := g.now()
	tp, _ := engine.Policy(req.Tool)
	sess.RecordInvocation(req.Tool, now, tp.MaxPerSession)
	if tp.CapWindow > 0 {
		sess.TrimInvocations(req.Tool, now.Add(-tp.CapWindow))
	}
	sess.Unlock()
	if d.Limit > 0 {
		d.Remaining = max(d.Remaining-1, 0)
	}

	g.audit.Log(security.AuditEvent{
		Type:      security.EventToolCall,
		SessionID: sess.ID,
		Role:      req.Role.String(),
		ToolName:  req.Tool,
		RequestID: req.RequestID,
		Verdict:   d.Verdict.String(),
		Detail:    tool.Preview(req.Command),
	})

	res := g.dispatch(ctx, req, sess.ID)
	res.SessionID = sess.ID
	res.RequestID = req.RequestID
	res.Remaining = remaining(d)

	outcome := "success"
	if res.Error != nil {
		outcome = string(res.Error.Kind)
	}
	g.audit.Log(security.AuditEvent{
		Type:      security.EventToolResult,
		SessionID: sess.ID,
		ToolName:  req.Tool,
		RequestID: req.RequestID,
		Verdict:   outcome,
		Detail:    tool.Preview(res.Data + errorMessage(res)),
	})
	return res
}

func (g *Gateway) validate(req Request) error {
	if err := security.ValidateName(req.Tool); err != nil {
		return fmt.Errorf("%w: tool: %w", ErrInvalidRequest, err)
	}
	if req.SessionID != "" {
		if err := security.ValidateName(req.SessionID); err != nil {
			return fmt.Errorf("%w: session_id: %w", ErrInvalidRequest, err)
		}
	}
	if err := security.ValidateCommand(req.Command); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(req.Input) > 0 {
		if err := security.ValidateRequestSize(req.Input, g.maxInput); err != nil {
			return fmt.Errorf("%w: input: %w", ErrInvalidRequest, err)
		}
		if err := security.ValidateJSONDepth(req.Input, 0); err != nil {
			return fmt.Errorf("%w: input: %w", ErrInvalidRequest, err)
		}
	}
	if _, err := req.Role.MarshalText(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func (g *Gateway) requestConfirmation(req Request, sessionID string, d policy.Decision) Result {
	if g.limiter != nil {
		if err := g.limiter.Allow(security.KindConfirmation); err != nil {
			res := rateLimited(err)
			res.SessionID = sessionID
			return res
		}
	}

	c, err := g.broker.Request(confirm.Pending{
		SessionID: sessionID,
		Tool:      req.Tool,
		Command:   req.Command,
		Input:     req.Input,
		Role:      req.Role,
		Reason:    d.Reason,
	})
	switch {
	case errors.Is(err, confirm.ErrAlreadyPending):
		res := failure(KindAlreadyPending, "%s already has a confirmation awaiting a decision in this session", req.Tool)
		res.RequestID = c.ID
		res.SessionID = sessionID
		return res
	case err != nil:
		res := failure(KindToolUnavailable, "%v", err)
		res.SessionID = sessionID
		return res
	}

	g.audit.Log(security.AuditEvent{
		Type:      security.EventApproval,
		SessionID: sessionID,
		Role:      req.Role.String(),
		ToolName:  req.Tool,
		RequestID: c.ID,
		Verdict:   c.State.String(),
		Detail:    tool.Preview(req.Command),
	})
	return Result{
		Elevated:  true,
		RequestID: c.ID,
		SessionID: sessionID,
		State:     c.State.String(),
		Reason:    d.Reason,
		Remaining: remaining(d),
	}
}

// grantFailure explains why RequestID did not authorize the call.
func (g *Gateway) grantFailure(req Request, sessionID string) Result {
	res := g.explainGrant(req, sessionID)
	res.RequestID = req.RequestID
	res.SessionID = sessionID
	return res
}

func (g *Gateway) explainGrant(req Request, sessionID string) Result {
	c, err := g.broker.Get(req.RequestID)
	if err != nil {
		return failure(KindNotFound, "confirmation %s not found", req.RequestID)
	}
	if c.SessionID != sessionID || c.Tool != req.Tool || c.Command != req.Command {
		return failure(KindPolicyDenied, "confirmation %s does not cover this call", c.ID)
	}
	switch c.State {
	case confirm.StateDenied:
		return failure(KindConfirmationDenied, "%s was denied", c.ID)
	case confirm.StateExpired:
		return failure(KindConfirmationExpired, "%s expired without a decision", c.ID)
	case confirm.StatePending:
		return failure(KindAlreadyPending, "%s is still awaiting a decision", c.ID)
	default:
		return failure(KindAlreadyResolved, "%s was already used", c.ID)
	}
}

// ResolveRequest is a human decision on a pending confirmation.
type ResolveRequest struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
	// Execute runs the approved call immediately and returns its result.
	// Otherwise the approval waits for the agent to re-invoke with the
	// request id.
	Execute bool `json:"execute,omitempty"`
}

// Resolve records a decision. Resolving twice has no further effect and
// reports already_resolved; an approval authorizes exactly one dispatch.
func (g *Gateway) Resolve(ctx context.Context, rr ResolveRequest) Result {
	ctx, span := g.tracer.Start(ctx, "gateway.Resolve", trace.WithAttributes(
		attribute.String("request_id", rr.RequestID),
		attribute.Bool("approve", rr.Approve),
	))
	defer span.End()

	pending, err := g.broker.Get(rr.RequestID)
	if err != nil {
		return failure(KindNotFound, "confirmation %s not found", rr.RequestID)
	}

	// The grant is added under the session lock before the broker wakes any
	// waiter, so a waiter re-invoking always finds it.
	sess := g.sessions.Get(pending.SessionID)
	if sess != nil {
		sess.Lock()
	}
	c, err := g.broker.Resolve(rr.RequestID, rr.Approve)
	if err == nil && c.State == confirm.StateApproved && sess != nil {
		sess.AddGrant(session.Grant{
			RequestID: c.ID,
			Tool:      c.Tool,
			Command:   c.Command,
			GrantedAt: g.now(),
		})
	}
	if sess != nil {
		sess.Unlock()
	}

	switch {
	case errors.Is(err, confirm.ErrAlreadyResolved):
		res := failure(KindAlreadyResolved, "confirmation %s is already %s", c.ID, c.State)
		res.RequestID = c.ID
		res.State = c.State.String()
		return res
	case errors.Is(err, confirm.ErrNotFound):
		return failure(KindNotFound, "confirmation %s not found", rr.RequestID)
	case err != nil:
		return failure(KindToolUnavailable, "%v", err)
	}

	g.audit.Log(security.AuditEvent{
		Type:      security.EventApproval,
		SessionID: c.SessionID,
		Role:      c.Role.String(),
		ToolName:  c.Tool,
		RequestID: c.ID,
		Verdict:   c.State.String(),
		Detail:    tool.Preview(c.Command),
	})

	res := Result{
		Success:   true,
		RequestID: c.ID,
		SessionID: c.SessionID,
		State:     c.State.String(),
	}
	if c.State != confirm.StateApproved || !rr.Execute {
		return res
	}
	if sess == nil {
		res := failure(KindNotFound, "session %s no longer exists", c.SessionID)
		res.RequestID = c.ID
		res.State = c.State.String()
		return res
	}

	out := g.Invoke(ctx, Request{
		Role:      c.Role,
		Tool:      c.Tool,
		Command:   c.Command,
		Input:     c.Input,
		SessionID: c.SessionID,
		RequestID: c.ID,
	})
	out.State = c.State.String()
	return out
}

// InvokeAndWait is Invoke for callers with a live human channel: an
// elevated call blocks until the confirmation is resolved or expires, then
// runs once if approved.
func (g *Gateway) InvokeAndWait(ctx context.Context, req Request) Result {
	res := g.Invoke(ctx, req)
	if !res.Elevated {
		return res
	}

	c, err := g.broker.Await(ctx, res.RequestID)
	if err != nil {
		out := failure(KindTimeout, "waiting for confirmation %s: %v", res.RequestID, err)
		out.RequestID = res.RequestID
		out.SessionID = res.SessionID
		return out
	}
	if err := c.Outcome(); err != nil {
		kind := KindConfirmationDenied
		if errors.Is(err, confirm.ErrExpired) {
			kind = KindConfirmationExpired
		}
		out := failure(kind, "%v", err)
		out.RequestID = c.ID
		out.SessionID = c.SessionID
		out.State = c.State.String()
		return out
	}

	req.SessionID = c.SessionID
	req.RequestID = c.ID
	return g.Invoke(ctx, req)
}

func rateLimited(err error) Result {
	res := failure(KindRateLimited, "%v", err)
	var le *security.LimitError
	if errors.As(err, &le) {
		res.RetryAfter = le.RetryAfter
	}
	return res
}

func errorMessage(r Result) string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Message
}
