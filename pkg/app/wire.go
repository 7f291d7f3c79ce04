package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/flemzord/toolgate/internal/auditstore"
	"github.com/flemzord/toolgate/internal/config"
	"github.com/flemzord/toolgate/internal/confirm"
	"github.com/flemzord/toolgate/internal/core"
	"github.com/flemzord/toolgate/internal/cron"
	"github.com/flemzord/toolgate/internal/gateway"
	"github.com/flemzord/toolgate/internal/reload"
	"github.com/flemzord/toolgate/internal/security"
	"github.com/flemzord/toolgate/internal/session"
	"github.com/flemzord/toolgate/internal/supervisor"
	"github.com/flemzord/toolgate/internal/telemetry"
	"github.com/flemzord/toolgate/internal/tool"
	"github.com/flemzord/toolgate/internal/tool/builtin"
)

// BuildParams carries the process-level inputs of Build.
type BuildParams struct {
	ConfigPath string
	Version    string
	// DataDir anchors a relative audit.path.
	DataDir string
	Logger  *slog.Logger
	// Redactor, if set, receives the loaded credential values.
	Redactor *security.Redactor
	// LookupEnv overrides os.LookupEnv for credential loading.
	LookupEnv func(string) (string, bool)
	// AuditWriter receives audit JSONL when audit.jsonl is set. Defaults
	// to stderr.
	AuditWriter io.Writer
	// Prober overrides requirement probing.
	Prober tool.Prober
}

// Stack is the fully wired gateway. Components are registered on App in
// start order.
type Stack struct {
	App        *core.App
	Config     *config.Config
	Registry   *tool.Registry
	Supervisor *supervisor.Supervisor
	Broker     *confirm.Broker
	Sessions   *session.Store
	Gateway    *gateway.Gateway
	Server     *gateway.Server
	Scheduler  *cron.Scheduler
	Reload     *reload.Service
	AuditStore *auditstore.Store
	Telemetry  *telemetry.Provider
	Metrics    *prometheus.Registry
}

// Build constructs every component from a validated config. Nothing is
// started; on error, resources opened so far are released.
func Build(ctx context.Context, cfg *config.Config, p BuildParams) (_ *Stack, err error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	st := &Stack{Config: cfg, App: core.NewApp(logger)}
	st.App.SetShutdownTimeout(cfg.Gateway.ShutdownTimeout * 2)

	// Security foundation.
	creds := security.NewCredentialStore()
	if missing := creds.LoadEnv(lookup, cfg.Credentials...); len(missing) > 0 {
		logger.Warn("credentials not set in environment", "names", missing)
	}
	logger.Debug("credentials loaded", "names", creds.Names())
	if p.Redactor != nil {
		p.Redactor.SyncCredentials(creds)
	}

	st.Telemetry, err = telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     p.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}
	st.App.Append("telemetry", core.StopOnly(st.Telemetry.Shutdown))

	var sink security.Sink
	if cfg.Audit.Path != "" {
		path := cfg.Audit.Path
		if !filepath.IsAbs(path) && p.DataDir != "" {
			path = filepath.Join(p.DataDir, path)
		}
		st.AuditStore, err = auditstore.Open(ctx, path, logger)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err != nil {
				_ = st.AuditStore.Close()
			}
		}()
		sink = st.AuditStore
		st.App.Append("auditstore", core.StopOnly(func(context.Context) error {
			return st.AuditStore.Close()
		}))
	}
	auditCfg := security.AuditLoggerConfig{Redactor: p.Redactor, Sink: sink}
	if cfg.Audit.JSONL {
		auditCfg.Writer = p.AuditWriter
		if auditCfg.Writer == nil {
			auditCfg.Writer = os.Stderr
		}
	}
	audit := security.NewAuditLogger(auditCfg)

	st.Metrics = prometheus.NewRegistry()
	st.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := gateway.NewMetrics(st.Metrics)

	// Tools: subprocess servers first so the supervisor knows them, then
	// the built-ins, which may need the supervisor.
	st.Registry = tool.NewRegistry(p.Prober)
	descriptors := cfg.Descriptors(creds)
	for _, d := range descriptors {
		if d.Kind != tool.KindSubprocess {
			continue
		}
		if err := registerTool(st.Registry, d, nil, logger); err != nil {
			return nil, err
		}
	}

	supCfg := cfg.SupervisorConfig()
	supCfg.Env = func() []string { return security.SanitizedEnv(creds) }
	supCfg.Logger = logger
	supCfg.OnStateChange = func(name string, from, to supervisor.State) {
		metrics.ObserveProcessState(name, from, to)
		audit.Log(security.AuditEvent{
			Timestamp: time.Now(),
			Type:      security.EventProcessState,
			ToolName:  name,
			Detail:    from.String() + " -> " + to.String(),
			Metadata:  map[string]string{"from": from.String(), "to": to.String()},
		})
	}
	st.Supervisor, err = supervisor.New(st.Registry.SupervisorSpecs(), supCfg)
	if err != nil {
		return nil, fmt.Errorf("building supervisor: %w", err)
	}
	st.App.Append("supervisor", core.Hooks{OnStart: st.Supervisor.Start, OnStop: st.Supervisor.Shutdown})

	deps := cfg.BuiltinDeps(supCfg.Env)
	deps.Process = st.Supervisor
	for _, d := range descriptors {
		if d.Kind != tool.KindLocal {
			continue
		}
		h, desc, ok := builtin.Lookup(d.Name, deps)
		if !ok {
			return nil, fmt.Errorf("tool %s: no built-in implementation", d.Name)
		}
		if d.Description == "" {
			d.Description = desc
		}
		if err := registerTool(st.Registry, d, h, logger); err != nil {
			return nil, err
		}
	}

	engine, err := cfg.PolicyEngine()
	if err != nil {
		return nil, err
	}

	limiter := security.NewRateLimiter(cfg.RateLimits)
	st.Sessions = session.NewStore()
	st.Sessions.SetMaxSessions(cfg.RateLimits.MaxSessions)

	brokerCfg := cfg.BrokerConfig()
	brokerCfg.Logger = logger
	st.Broker = confirm.NewBroker(brokerCfg)
	st.App.Append("broker", core.StopOnly(st.Broker.Stop))

	st.Gateway, err = gateway.New(gateway.Options{
		Tools:     st.Registry,
		Policy:    engine,
		Sessions:  st.Sessions,
		Broker:    st.Broker,
		Processes: st.Supervisor,
		Limiter:   limiter,
		Audit:     audit,
		Redactor:  p.Redactor,
		Metrics:   metrics,
		Tracer:    st.Telemetry.Tracer("github.com/flemzord/toolgate/internal/gateway"),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	st.App.Append("gateway", st.Gateway)

	st.Scheduler = cron.NewScheduler(logger)
	jobs := []cron.Job{
		&cron.SessionCleanupJob{
			Store:        st.Sessions,
			MaxIdle:      cfg.Sessions.IdleTimeout,
			Logger:       logger,
			ScheduleExpr: cfg.Sessions.PruneSchedule,
		},
		&cron.ConfirmationSweepJob{Broker: st.Broker, Logger: logger},
	}
	if st.AuditStore != nil {
		jobs = append(jobs, &cron.AuditRetentionJob{
			Store:        st.AuditStore,
			Retention:    cfg.Audit.Retention,
			Logger:       logger,
			ScheduleExpr: cfg.Audit.PruneSchedule,
		})
	}
	for _, j := range jobs {
		if err := st.Scheduler.RegisterJob(j); err != nil {
			return nil, err
		}
	}
	st.App.Append("cron", st.Scheduler)

	if p.ConfigPath != "" {
		handler := reload.NewHandler(reload.HandlerConfig{
			ConfigPath: p.ConfigPath,
			Target:     st.Gateway,
			Audit:      audit,
			Logger:     logger,
			Current:    cfg,
		})
		st.Reload = reload.NewService(reload.NewWatcher(reload.WatcherConfig{ConfigPath: p.ConfigPath, Logger: logger}), handler)
		st.App.Append("reload", st.Reload)
		st.App.OnReload = st.Reload.Reload
	}

	st.Server = gateway.NewServer(cfg.Gateway, st.Gateway, gateway.ServerOptions{
		Audit:    audit,
		Limiter:  limiter,
		Gatherer: st.Metrics,
		Logger:   logger,
	})
	st.App.Append("server", st.Server)

	logger.Info("gateway wired",
		"tools", len(descriptors),
		"supervised", len(st.Supervisor.Names()),
		"audit_store", st.AuditStore != nil,
		"tracing", st.Telemetry.Enabled(),
	)
	return st, nil
}

func registerTool(reg *tool.Registry, d tool.Descriptor, h tool.Handler, logger *slog.Logger) error {
	avail, err := reg.Register(d, h)
	if err != nil {
		return fmt.Errorf("registering tool %s: %w", d.Name, err)
	}
	if !avail.Available {
		logger.Warn("tool unavailable", "tool", d.Name, "reason", avail.Reason)
	} else {
		logger.Debug("tool registered", "tool", d.Name, "kind", string(d.Kind), "eager", strconv.FormatBool(d.Eager))
	}
	return nil
}
