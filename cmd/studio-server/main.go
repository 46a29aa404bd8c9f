package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/macaulishchina/AI-Studio/internal/audit"
	"github.com/macaulishchina/AI-Studio/internal/bus"
	"github.com/macaulishchina/AI-Studio/internal/config"
	"github.com/macaulishchina/AI-Studio/internal/gateway"
	"github.com/macaulishchina/AI-Studio/internal/llm"
	otelPkg "github.com/macaulishchina/AI-Studio/internal/otel"
	"github.com/macaulishchina/AI-Studio/internal/permission"
	"github.com/macaulishchina/AI-Studio/internal/prompt"
	"github.com/macaulishchina/AI-Studio/internal/runner"
	"github.com/macaulishchina/AI-Studio/internal/sandbox"
	"github.com/macaulishchina/AI-Studio/internal/scheduler"
	"github.com/macaulishchina/AI-Studio/internal/store"
	"github.com/macaulishchina/AI-Studio/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	loadDotEnv(".env")

	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs the data dir, so it comes up before the logger and
	// can record logger init failures.
	if err := audit.Init(cfg.DataDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.DataDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint(), "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	// The bus exists before the store so durable appends can publish.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "studio.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	requeued, err := st.RequeueExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	if err := os.MkdirAll(cfg.Sandbox.WorkspaceRoot, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}

	policyPath := cfg.PolicyPath()
	pol, err := permission.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := permission.NewLivePolicy(pol, policyPath)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", livePolicy.Version())

	router := buildRouter(cfg)

	registry, err := sandbox.NewRegistry()
	if err != nil {
		fatalStartup(logger, "E_TOOL_REGISTRY", err)
	}
	executor := sandbox.NewExecutor(registry, cfg.Sandbox)
	assembler := prompt.NewAssembler(cfg.ContextLimits)

	run := runner.New(st, router, executor, assembler, livePolicy, runner.Config{
		WorkerCount: cfg.WorkerCount,
		TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		Agent:       cfg.Agent,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
	})
	run.Start(ctx)
	logger.Info("startup phase", "phase", "workers_started", "count", cfg.WorkerCount)

	sched := scheduler.New(scheduler.Config{
		Store:        st,
		DefaultModel: cfg.LLM.DefaultModel,
		MaxRounds:    cfg.Agent.MaxRounds,
	})
	if err := sched.Sync(ctx, cfg.Schedules); err != nil {
		logger.Warn("schedule sync failed", "error", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	confWatcher := config.NewWatcher(cfg.DataDir, policyPath, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case filepath.Base(policyPath):
				if err := permission.ReloadFromFile(livePolicy, ev.Path); err != nil {
					logger.Error("policy reload rejected; retaining previous policy", "error", err)
					break
				}
				eventBus.Publish(bus.TopicPolicyReloaded, livePolicy.Version())
				logger.Info("policy hot-reloaded", "policy_version", livePolicy.Version())
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config reload failed", "error", err)
					break
				}
				// Only schedules take effect without a restart; everything
				// else is wired at construction.
				if err := sched.Sync(context.Background(), newCfg.Schedules); err != nil {
					logger.Warn("schedule re-sync failed", "error", err)
				}
				eventBus.Publish(bus.TopicConfigReloaded, newCfg.Fingerprint())
				logger.Info("config hot-reloaded", "fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.DataDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
	}

	gw := gateway.NewServer(gateway.Config{
		Store:             st,
		Bus:               eventBus,
		Runner:            run,
		Policy:            livePolicy,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		DefaultModel:      cfg.LLM.DefaultModel,
		DefaultMaxRounds:  cfg.Agent.MaxRounds,
		SubmitPerMinute:   cfg.SubmitPerMinute,
		SubmitBurst:       cfg.SubmitBurst,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "sse", "/api/v1/events", "ws", "/api/v1/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Periodic retention job.
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, err := st.RunRetention(ctx,
					cfg.RetentionTaskEventsDays,
					cfg.RetentionAuditLogDays,
					cfg.RetentionMessagesDays,
				)
				if err != nil {
					logger.Error("retention job failed", "error", err)
				} else if result.PurgedTaskEvents+result.PurgedAuditLogs+result.PurgedMessages > 0 {
					logger.Info("retention job completed",
						"purged_task_events", result.PurgedTaskEvents,
						"purged_audit_logs", result.PurgedAuditLogs,
						"purged_messages", result.PurgedMessages,
					)
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown order: stop intake, tell subscribers to reconnect later,
	// then drain active tasks. In-flight tasks past the drain window keep
	// their leases and are recovered on the next startup.
	eventBus.Publish(bus.TopicServerDraining, Version)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	stop()
	run.Drain(drainTimeout)
	logger.Info("shutdown complete")
}

// buildRouter maps provider config onto the model router. The copilot
// entry becomes a token source instead of a plain endpoint because its
// session tokens are exchanged, not static.
func buildRouter(cfg config.Config) *llm.Router {
	providers := map[string]llm.ProviderEndpoint{}
	for name := range cfg.Providers {
		if name == "copilot" {
			continue
		}
		providers[name] = llm.ProviderEndpoint{
			BaseURL: cfg.ProviderBaseURL(name),
			APIKey:  cfg.ProviderAPIKey(name),
		}
	}
	var copilotSource llm.TokenSource
	if key := cfg.ProviderAPIKey("copilot"); key != "" {
		copilotSource = &llm.GitHubTokenSource{GitHubToken: key}
	}
	return llm.NewRouter(llm.RouterOptions{
		Providers:     providers,
		OllamaBaseURL: cfg.LLM.OllamaBaseURL,
		CopilotSource: copilotSource,
		Timeout:       time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second,
		MaxRetries:    cfg.LLM.MaxRetries,
		RetryBase:     time.Duration(cfg.LLM.RetryBaseMillis) * time.Millisecond,
	})
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

// loadDotEnv applies KEY=VALUE lines from a local .env without
// overriding variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken reads the persisted gateway token, generating one on
// first run so the API is never exposed unauthenticated by accident.
func loadAuthToken(dataDir string) (string, error) {
	tokenPath := filepath.Join(dataDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
