package reload

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/flemzord/toolgate/internal/config"
	"github.com/flemzord/toolgate/internal/policy"
	"github.com/flemzord/toolgate/internal/security"
)

// PolicyTarget receives a freshly compiled policy.
type PolicyTarget interface {
	SetPolicy(e *policy.Engine)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	ConfigPath string
	Target     PolicyTarget
	Audit      *security.AuditLogger
	Logger     *slog.Logger

	// Current is the configuration the process started with. Tool set
	// changes relative to it are reported as needing a restart.
	Current *config.Config
}

// Handler reloads the policy section of the configuration. Tool
// definitions are fixed at startup; only rules, roles, caps and path
// constraints take effect live.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger

	mu      sync.Mutex
	tools   map[string]config.ToolConfig
	reloads int
}

// NewHandler creates a reload handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{cfg: cfg, logger: logger.With("component", "reload")}
	if cfg.Current != nil {
		h.tools = maps.Clone(cfg.Current.Tools)
	}
	return h
}

// HandleReload loads a fresh config from disk, validates it and installs
// its policy. On any error the running policy is left untouched.
func (h *Handler) HandleReload(ctx context.Context) error {
	cfg, err := config.Load(h.cfg.ConfigPath)
	if err != nil {
		h.reject(err)
		return fmt.Errorf("loading config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		h.reject(err)
		return fmt.Errorf("validating config: %w", err)
	}
	return h.HandleReloadFromConfig(ctx, cfg)
}

// HandleReloadFromConfig installs the policy of a pre-loaded config. The
// caller is responsible for calling config.Validate first.
func (h *Handler) HandleReloadFromConfig(ctx context.Context, cfg *config.Config) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled before reload: %w", err)
	}

	engine, err := cfg.PolicyEngine()
	if err != nil {
		h.reject(err)
		return fmt.Errorf("compiling policy: %w", err)
	}

	h.mu.Lock()
	changed := h.toolSetChanges(cfg.Tools)
	h.reloads++
	n := h.reloads
	h.mu.Unlock()

	if len(changed) > 0 {
		h.logger.Warn("tool definitions changed; restart required for them to apply", "tools", changed)
	}

	h.cfg.Target.SetPolicy(engine)
	h.logger.Info("policy reloaded", "tools", len(engine.Tools()), "reload", n)
	h.audit(security.AuditEvent{
		Type:    security.EventConfigChange,
		Verdict: "applied",
		Detail:  "policy reloaded from " + h.cfg.ConfigPath,
		Metadata: map[string]string{
			"tools":          strconv.Itoa(len(engine.Tools())),
			"restart_needed": strconv.FormatBool(len(changed) > 0),
		},
	})
	return nil
}

// Reloads returns how many reloads were applied.
func (h *Handler) Reloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

// toolSetChanges lists tools whose non-policy definition differs from
// the running set. Caller holds h.mu.
func (h *Handler) toolSetChanges(next map[string]config.ToolConfig) []string {
	if h.tools == nil {
		return nil
	}
	var changed []string
	for name, t := range next {
		cur, ok := h.tools[name]
		if !ok || !sameProcess(cur, t) {
			changed = append(changed, name)
		}
	}
	for name := range h.tools {
		if _, ok := next[name]; !ok {
			changed = append(changed, name)
		}
	}
	slices.Sort(changed)
	return changed
}

func sameProcess(a, b config.ToolConfig) bool {
	return a.Kind == b.Kind &&
		a.Command == b.Command &&
		slices.Equal(a.Args, b.Args) &&
		maps.Equal(a.Env, b.Env) &&
		a.Dir == b.Dir &&
		slices.Equal(a.Credentials, b.Credentials) &&
		a.Timeout == b.Timeout &&
		a.Eager == b.Eager
}

func (h *Handler) reject(err error) {
	h.audit(security.AuditEvent{
		Type:    security.EventConfigChange,
		Verdict: "rejected",
		Detail:  err.Error(),
	})
}

func (h *Handler) audit(e security.AuditEvent) {
	if h.cfg.Audit == nil {
		return
	}
	e.Timestamp = time.Now()
	h.cfg.Audit.Log(e)
}

// Service couples a Watcher to a Handler so file changes reload the
// policy. It implements the core Starter and Stopper contracts.
type Service struct {
	watcher *Watcher
	handler *Handler
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a Service.
func NewService(w *Watcher, h *Handler) *Service {
	return &Service{watcher: w, handler: h, logger: h.logger}
}

// Start begins watching. ctx only bounds setup; the loop runs until Stop.
func (s *Service) Start(_ context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	if err := s.watcher.Start(loopCtx); err != nil {
		cancel()
		return err
	}
	go s.loop(loopCtx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.watcher.Events():
			s.logger.Info("config file changed, reloading", "path", evt.ConfigPath)
			s.Reload(ctx)
		}
	}
}

// Reload runs one reload and logs failures. Used for SIGHUP.
func (s *Service) Reload(ctx context.Context) {
	if err := s.handler.HandleReload(ctx); err != nil {
		s.logger.Error("reload failed, keeping current policy", "error", err)
	}
}

// Stop stops the watcher and the event loop.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	err := s.watcher.Stop(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
