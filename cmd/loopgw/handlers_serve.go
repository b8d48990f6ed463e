package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loopgateway/loopgw/internal/agent"
	"github.com/loopgateway/loopgw/internal/agent/providers"
	"github.com/loopgateway/loopgw/internal/bus"
	"github.com/loopgateway/loopgw/internal/channels"
	"github.com/loopgateway/loopgw/internal/channels/discord"
	"github.com/loopgateway/loopgw/internal/channels/email"
	"github.com/loopgateway/loopgw/internal/channels/matrix"
	"github.com/loopgateway/loopgw/internal/channels/mattermost"
	"github.com/loopgateway/loopgw/internal/channels/slack"
	"github.com/loopgateway/loopgw/internal/channels/telegram"
	"github.com/loopgateway/loopgw/internal/channels/webhook"
	"github.com/loopgateway/loopgw/internal/channels/webwidget"
	"github.com/loopgateway/loopgw/internal/channels/whatsapp"
	"github.com/loopgateway/loopgw/internal/config"
	"github.com/loopgateway/loopgw/internal/infra"
	"github.com/loopgateway/loopgw/internal/mcp"
	"github.com/loopgateway/loopgw/internal/metrics"
	"github.com/loopgateway/loopgw/internal/ratelimit"
	"github.com/loopgateway/loopgw/internal/router"
	"github.com/loopgateway/loopgw/internal/runner"
	"github.com/loopgateway/loopgw/internal/skilltools"
	"github.com/loopgateway/loopgw/internal/storage"
	"github.com/loopgateway/loopgw/internal/tools/sandbox"
	"github.com/loopgateway/loopgw/pkg/models"
)

// runServe assembles and runs the whole gateway: storage, resilience,
// LLM provider, agent runtime, skills, MCP servers, channel adapters,
// the conversation router, sweepers, and the metrics/webhook HTTP
// listener. It blocks until ctx is cancelled, then shuts everything down
// in reverse order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := buildLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("loop gateway starting", "version", version)

	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	// Resilience wrapper shared by the LLM provider and MCP connects.
	breakers := infra.NewCircuitBreakerRegistry(*cfg.Breaker.ToInfraConfig(""))
	exec := infra.NewResilience(cfg.Retry.ToInfraConfig(), breakers, logger)

	provider, err := buildProvider(cfg, exec)
	if err != nil {
		return err
	}

	// run_script (registered below) is the high-risk built-in, and
	// suggest_skill installs new code paths; both always go through HITL,
	// and an unanswered prompt rejects.
	approvals := agent.NewApprovalChecker(&agent.ApprovalPolicy{
		RequireApproval: []string{"run_script", "suggest_skill"},
		DefaultDecision: agent.ApprovalAllowed,
		AskFallback:     true,
		RequestTTL:      cfg.Approval.DefaultTimeout(),
	})
	approvals.SetStore(stores.Approvals)

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return err
	}
	loopCfg := agent.DefaultLoopConfig()
	loopCfg.ApprovalChecker = approvals
	if cfg.Agent.MaxIterations > 0 {
		loopCfg.MaxIterations = cfg.Agent.MaxIterations
	}
	if cfg.Agent.MaxTokens > 0 {
		loopCfg.MaxTokens = cfg.Agent.MaxTokens
	}
	runtime := agent.NewRuntime(provider, stores.Branches, loopCfg)
	runtime.SetDefaultModel(cfg.Agent.Model)
	runtime.SetSystemPrompt(systemPrompt)

	// Skills: scan the directory, register enabled handlers, watch for
	// changes, and expose the catalog's suggest_skill tool.
	skillsDir := cfg.Skills.Directory
	if skillsDir == "" {
		skillsDir = filepath.Join(cfg.Database.DataDir, "skills")
	}
	skillLoader, err := skilltools.NewLoader(skillsDir, logger)
	if err != nil {
		return err
	}
	skillRegistry := skilltools.NewRegistry(skillLoader, runtime.Tools(), 0, logger)
	if err := skillRegistry.LoadAll(ctx); err != nil {
		logger.Warn("initial skill scan failed", "error", err)
	}
	approvals.RegisterSkillTools(skillRegistry.Names())
	if cfg.Skills.Watch {
		watcher := skilltools.NewWatcher(skillRegistry, 0, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("skill watcher failed to start", "error", err)
		} else {
			defer watcher.Close()
		}
	}
	// The skill catalog feeds two things: suggest_skill's install path for
	// known-but-not-installed skills, and the system-prompt addendum that
	// tells the model what it can ask to have activated. The addendum is a
	// function so it shrinks as catalog entries get installed.
	catalog, err := skilltools.LoadCatalog(skillsDir)
	if err != nil {
		logger.Warn("skill catalog unavailable", "error", err)
		catalog = &skilltools.Catalog{}
	}
	runtime.SetSystemAddendum(func() string {
		return catalog.SystemPromptAddendum(skillRegistry)
	})
	if suggest, err := skilltools.NewSuggestSkillTool(skillRegistry, catalog); err == nil {
		runtime.Tools().RegisterBuiltin(suggest)
	} else {
		logger.Warn("suggest_skill tool unavailable", "error", err)
	}

	// run_script is the built-in sandboxed execution tool the approval
	// policy above gates.
	runtime.Tools().RegisterBuiltin(sandbox.NewExecutor(sandbox.Config{
		DefaultTimeout: cfg.Container.Timeout(),
	}))

	// Container runner for isolated agent invocations.
	containers := runner.New(runner.Config{
		Image:         cfg.Container.Image,
		SkillsDir:     skillsDir,
		Timeout:       cfg.Container.Timeout(),
		MaxConcurrent: cfg.Container.MaxConcurrent(),
	}, logger)

	eventBus := bus.New()
	metricSet := metrics.New(containers)
	go metricSet.ObserveBus(ctx, eventBus)
	go metricSet.PollBreakers(ctx, exec, 15*time.Second)

	// MCP servers: containers come up, clients connect, tools bridge into
	// the runtime.
	mcpMgr := mcp.NewManager(buildMCPConfig(cfg.MCP), runtime, exec, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		logger.Error("MCP startup failed", "error", err)
	}
	defer mcpMgr.Stop()

	registry := channels.NewRegistry()
	if err := registerAdapters(cfg, registry, logger); err != nil {
		return err
	}

	budget := router.NewBudgetGate()
	if cfg.Budget.PerDayTokens > 0 || cfg.Budget.PerMonthTokens > 0 {
		limits := router.BudgetLimits{
			PerDayTokens:   cfg.Budget.PerDayTokens,
			PerMonthTokens: cfg.Budget.PerMonthTokens,
		}
		for _, a := range registry.All() {
			budget.SetLimit(string(a.Type()), limits)
		}
	}

	rt := router.New(runtime, registry, stores.Sessions, stores.Branches, approvals, budget, eventBus, logger)
	rt.SetRunStore(stores.Runs, provider.Name())
	// Isolated runs: agents flagged isolated (or the gateway default) run
	// inside the Container Runner instead of the in-process loop. The
	// sandboxed child speaks the Anthropic API, so it gets that key over
	// stdin.
	if cfg.Container.Image != "" {
		rt.SetIsolatedAgent(router.NewIsolatedAgent(containers, stores.Branches, router.IsolatedConfig{
			APIKey:       cfg.LLM.AnthropicAPIKey,
			Model:        cfg.Agent.Model,
			SystemPrompt: systemPrompt,
			MaxTokens:    cfg.Agent.MaxTokens,
		}), stores.Agents, cfg.Agent.Isolated)
	} else if cfg.Agent.Isolated {
		logger.Warn("agent.isolated is set but container.image is empty; runs stay in-process")
	}
	limiter := stores.RateLimiter(ratelimit.DefaultConfig())
	if limiter != nil {
		rt.SetRateLimiter(limiter)
	}

	sweeper := infra.NewSweeper(0, logger)
	addSweeperJobs(sweeper, cfg.Sweeper, stores, mcpMgr, limiter, logger)
	sweeper.Start()
	defer sweeper.Stop()

	httpSrv := buildHTTPServer(cfg, registry, metricSet, logger)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http listener failed", "error", err)
		}
	}()

	if err := registry.StartAll(ctx); err != nil {
		return fmt.Errorf("start channel adapters: %w", err)
	}
	logger.Info("loop gateway running", "channels", len(registry.All()))

	go rt.Run(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("adapter shutdown reported errors", "error", err)
	}
	return nil
}

func buildLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func openStores(cfg *config.Config) (storage.StoreSet, error) {
	path := cfg.Database.Path
	if path == "" {
		path = filepath.Join(cfg.Database.DataDir, "loopgw.db")
	}
	sqliteCfg := storage.DefaultSQLiteConfig()
	if cfg.Database.MaxOpenConns > 0 {
		sqliteCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		sqliteCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.EncryptionKey != "" {
		sqliteCfg.EncryptionKey = []byte(cfg.Database.EncryptionKey)
	}
	return storage.NewSQLiteStoresFromPath(path, sqliteCfg)
}

// buildProvider constructs the configured LLM provider wrapped in the
// retry+breaker layer. The Anthropic provider's own retries are cut to one
// (MaxRetries 1); the OpenAI provider keeps its fixed three attempts.
func buildProvider(cfg *config.Config, exec *infra.Resilience) (agent.LLMProvider, error) {
	var inner agent.LLMProvider
	switch {
	case cfg.LLM.DefaultProvider == "openai" && cfg.LLM.OpenAIAPIKey != "":
		p, err := providers.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.Agent.Model)
		if err != nil {
			return nil, err
		}
		inner = p
	case cfg.LLM.AnthropicAPIKey != "":
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.LLM.AnthropicAPIKey,
			DefaultModel: cfg.Agent.Model,
			MaxRetries:   1,
		})
		if err != nil {
			return nil, err
		}
		inner = p
	case cfg.LLM.OpenAIAPIKey != "":
		p, err := providers.NewOpenAIProvider(cfg.LLM.OpenAIAPIKey, cfg.Agent.Model)
		if err != nil {
			return nil, err
		}
		inner = p
	default:
		return nil, errors.New("no LLM provider credentials configured")
	}
	return agent.NewResilientProvider(inner, exec), nil
}

func buildMCPConfig(cfg config.MCPConfig) *mcp.Config {
	out := &mcp.Config{Enabled: cfg.Enabled}
	for _, entry := range cfg.Servers {
		out.Servers = append(out.Servers, &mcp.ServerConfig{
			ID:        entry.Name,
			Name:      entry.Name,
			Transport: mcp.TransportType(entry.Transport),
			Image:     entry.Image,
			Port:      entry.Port,
			Volumes:   entry.Volumes,
			Command:   entry.Command,
			Args:      entry.Args,
			Env:       entry.Env,
			URL:       entry.URL,
			AutoStart: true,
		})
	}
	return out
}

// registerAdapters instantiates one adapter per enabled channel config.
func registerAdapters(cfg *config.Config, registry *channels.Registry, logger *slog.Logger) error {
	ch := cfg.Channels

	if ch.Telegram.Enabled {
		a, err := telegram.NewAdapter(telegram.Config{Token: ch.Telegram.BotToken, Logger: logger})
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		registry.Register(a)
	}
	if ch.Discord.Enabled {
		a, err := discord.NewAdapter(discord.Config{Token: ch.Discord.Token, Logger: logger})
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		registry.Register(a)
	}
	if ch.Slack.Enabled {
		registry.Register(slack.NewAdapter(slack.Config{
			BotToken: ch.Slack.BotToken,
			AppToken: ch.Slack.AppToken,
		}))
	}
	if ch.Mattermost.Enabled {
		a, err := mattermost.NewAdapter(mattermost.Config{
			ServerURL:          ch.Mattermost.ServerURL,
			SlashToken:         ch.Mattermost.SlashToken,
			OutgoingWebhookURL: ch.Mattermost.OutgoingWebhookURL,
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("mattermost: %w", err)
		}
		registry.Register(a)
	}
	if ch.Email.Enabled {
		a, err := email.NewAdapter(email.Config{
			IMAPHost:     ch.Email.IMAPHost,
			IMAPPort:     ch.Email.IMAPPort,
			SMTPHost:     ch.Email.SMTPHost,
			SMTPPort:     ch.Email.SMTPPort,
			Username:     ch.Email.Username,
			Password:     ch.Email.Password,
			PollInterval: time.Duration(ch.Email.PollInterval) * time.Second,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("email: %w", err)
		}
		registry.Register(a)
	}
	if ch.WhatsApp.Enabled {
		sessionPath := ch.WhatsApp.SessionStore
		if sessionPath == "" {
			sessionPath = filepath.Join(cfg.Database.DataDir, "whatsapp-auth")
		}
		a, err := whatsapp.New(&whatsapp.Config{
			Enabled:     true,
			SessionPath: sessionPath,
		}, logger)
		if err != nil {
			return fmt.Errorf("whatsapp: %w", err)
		}
		registry.Register(a)
	}
	if ch.Webhook.Enabled {
		a, err := webhook.NewAdapter(webhook.Config{
			ListenPath:   ch.Webhook.ListenPath,
			SharedSecret: ch.Webhook.SharedSecret,
			Mode:         webhook.Mode(ch.Webhook.Mode),
			SyncTimeout:  time.Duration(ch.Webhook.SyncTimeoutSeconds) * time.Second,
			CallbackURL:  ch.Webhook.CallbackURL,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		registry.Register(a)
	}
	if ch.Matrix.Enabled {
		a, err := matrix.NewAdapter(matrix.Config{
			Homeserver:   ch.Matrix.Homeserver,
			UserID:       ch.Matrix.UserID,
			AccessToken:  ch.Matrix.AccessToken,
			AllowedRooms: ch.Matrix.AllowedRooms,
			JoinOnInvite: ch.Matrix.JoinOnInvite,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("matrix: %w", err)
		}
		registry.Register(a)
	}
	if ch.WebWidget.Enabled {
		a, err := webwidget.NewAdapter(webwidget.Config{
			ListenPath:     ch.WebWidget.ListenPath,
			AllowedOrigins: ch.WebWidget.AllowedOrigins,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("webwidget: %w", err)
		}
		registry.Register(a)
	}
	return nil
}

func addSweeperJobs(
	sweeper *infra.Sweeper,
	cfg config.SweeperConfig,
	stores storage.StoreSet,
	mcpMgr *mcp.Manager,
	limiter *storage.SQLiteRateLimiter,
	logger *slog.Logger,
) {
	approvalSpec := cfg.ApprovalExpirySchedule
	if approvalSpec == "" {
		approvalSpec = "*/1 * * * *"
	}
	if err := sweeper.Add(approvalSpec, "approval_expiry", func(ctx context.Context) error {
		n, err := stores.Approvals.ExpireStale(ctx)
		if n > 0 {
			logger.Info("expired stale approvals", "count", n)
		}
		return err
	}); err != nil {
		logger.Warn("approval expiry job not scheduled", "error", err)
	}

	mcpSpec := cfg.MCPHealthCheckSchedule
	if mcpSpec == "" {
		mcpSpec = "*/1 * * * *"
	}
	if err := sweeper.Add(mcpSpec, "mcp_health", func(ctx context.Context) error {
		mcpMgr.CheckHealth(ctx)
		return nil
	}); err != nil {
		logger.Warn("mcp health job not scheduled", "error", err)
	}

	cleanupSpec := cfg.SessionCleanupSchedule
	if cleanupSpec == "" {
		cleanupSpec = "17 3 * * *"
	}
	if err := sweeper.Add(cleanupSpec, "state_cleanup", func(ctx context.Context) error {
		if _, err := stores.Approvals.Prune(ctx, 30*24*time.Hour); err != nil {
			return err
		}
		if limiter != nil {
			if _, err := limiter.Prune(ctx, 24*time.Hour); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		logger.Warn("state cleanup job not scheduled", "error", err)
	}
}

// buildHTTPServer mounts the core-owned HTTP surfaces: /metrics plus the
// webhook and web-widget endpoints of any enabled HTTP-ingestion adapter.
// The full dashboard API lives in the out-of-scope boundary; this listener
// only carries what the core itself defines.
func buildHTTPServer(cfg *config.Config, registry *channels.Registry, metricSet *metrics.Set, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metricSet.Registry(), promhttp.HandlerOpts{}))

	type handlerAdapter interface{ Handler() http.Handler }
	for _, a := range registry.All() {
		ha, ok := a.(handlerAdapter)
		if !ok {
			continue
		}
		var path string
		switch a.Type() {
		case models.ChannelWebhook:
			path = cfg.Channels.Webhook.ListenPath
			if path == "" {
				path = "/webhook/incoming"
			}
		case models.ChannelWebWidget:
			path = cfg.Channels.WebWidget.ListenPath
			if path == "" {
				path = "/widget/ws"
			}
		case models.ChannelMattermost:
			path = cfg.Channels.Mattermost.ListenPath
			if path == "" {
				path = "/webhook/mattermost"
			}
		default:
			continue
		}
		mux.Handle(path, ha.Handler())
		logger.Info("http surface mounted", "path", path, "channel", a.Type())
	}

	host := cfg.Server.Host
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
