// Vault Guardian server: task-gated credits and a paid chat with the vault's guardian.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/joho/godotenv"

	"github.com/clusterprotocol/vault-guardian/internal/agent"
	"github.com/clusterprotocol/vault-guardian/internal/api"
	"github.com/clusterprotocol/vault-guardian/internal/chat"
	"github.com/clusterprotocol/vault-guardian/internal/community"
	"github.com/clusterprotocol/vault-guardian/internal/config"
	"github.com/clusterprotocol/vault-guardian/internal/credits"
	"github.com/clusterprotocol/vault-guardian/internal/follow"
	"github.com/clusterprotocol/vault-guardian/internal/identity"
	"github.com/clusterprotocol/vault-guardian/internal/metrics"
	"github.com/clusterprotocol/vault-guardian/internal/middleware"
	"github.com/clusterprotocol/vault-guardian/internal/oauth"
	"github.com/clusterprotocol/vault-guardian/internal/payment"
	"github.com/clusterprotocol/vault-guardian/internal/relay"
	"github.com/clusterprotocol/vault-guardian/internal/shared"
	"github.com/clusterprotocol/vault-guardian/internal/store"
	"github.com/clusterprotocol/vault-guardian/internal/sweeper"
	"github.com/clusterprotocol/vault-guardian/internal/taskgate"
	"github.com/clusterprotocol/vault-guardian/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "container", config.IsContainer())

	retry := shared.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	}
	repo, err := store.NewSQLite(cfg.DBPath, store.WithRetryPolicy(retry))
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	seeded, err := api.SeedVaults(context.Background(), repo, cfg.VaultsFile)
	if err != nil {
		slog.Error("Failed to seed vaults", "path", cfg.VaultsFile, "error", err)
		os.Exit(1)
	}
	slog.Info("Vault seed loaded", "path", cfg.VaultsFile, "inserted", seeded)

	// Credits and tasks.
	ledger := credits.NewLedger(repo, logger)
	policy := taskgate.GrantOnce
	if cfg.Credits.GrantPolicy == "floor" {
		policy = taskgate.GrantFloor
	}
	gate := taskgate.New(repo, ledger,
		taskgate.WithPolicy(policy),
		taskgate.WithAllowance(cfg.Credits.Allowance),
		taskgate.WithLogger(logger),
	)

	// Twitter OAuth (optional).
	var provider *oauth.Provider
	var accounts follow.Accounts = repo
	if cfg.TwitterEnabled() {
		provider = oauth.NewProvider(oauth.Config{
			ClientID:     cfg.Twitter.ClientID,
			ClientSecret: cfg.Twitter.ClientSecret,
			RedirectURL:  cfg.Twitter.RedirectURL,
			Scopes:       cfg.Twitter.Scopes,
			StateTTL:     cfg.Twitter.StateTTL,
			APIBaseURL:   cfg.Follow.TwitterAPIURL,
		}, repo, logger)
		accounts = provider
		slog.Info("Twitter OAuth enabled", "redirect_url", cfg.Twitter.RedirectURL)
	} else {
		slog.Warn("Twitter OAuth disabled (TWITTER_CLIENT_ID not set)")
	}

	// Follow verifier.
	lookupOpts := follow.ClientOptions{
		HTTPClient:     &http.Client{Timeout: cfg.Follow.LookupTimeout},
		RequestsPerSec: cfg.Follow.RequestsPerSec,
		Burst:          cfg.Follow.Burst,
		MaxAttempts:    cfg.Follow.MaxAttempts,
		BaseBackoff:    cfg.Follow.BaseBackoff,
	}
	var lookup follow.Lookup
	switch cfg.Follow.Provider {
	case "twitter":
		lookupOpts.BaseURL = cfg.Follow.TwitterAPIURL
		lookup = follow.NewTwitterClient(lookupOpts)
	default:
		lookup = follow.NewRapidAPIClient(cfg.Follow.RapidAPIKey, cfg.Follow.RapidAPIHost, lookupOpts)
	}
	verifier := follow.NewVerifier(lookup, gate, accounts, follow.Config{
		TargetID:    cfg.Follow.TargetID,
		ResultLimit: cfg.Follow.ResultLimit,
		MaxFailures: cfg.Follow.MaxFailures,
	}, logger)

	// Community task.
	var linker community.InviteLinker
	if cfg.Telegram.BotToken != "" {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
		if err != nil {
			slog.Warn("Telegram bot unavailable, using static invite link", "error", err)
		} else {
			linker = bot
		}
	}
	communitySvc := community.NewService(linker, cfg.Telegram.ChatID, cfg.Telegram.InviteLink, gate, logger)

	// Agent and chat.
	var processor agent.Processor
	if cfg.Agent.Provider == "openai" {
		processor = agent.NewOpenAI(agent.OpenAIConfig{
			APIKey:      cfg.Agent.OpenAIAPIKey,
			BaseURL:     cfg.Agent.OpenAIURL,
			Model:       cfg.Agent.Model,
			Temperature: cfg.Agent.Temperature,
			Persona:     cfg.Agent.PersonaName,
		})
	} else {
		processor = agent.NewScripted(cfg.Agent.ChunkDelay)
	}
	agentSvc := agent.NewService(processor, cfg.Timeout.AgentStream, logger)
	defer agentSvc.Close()
	slog.Info("Agent initialized", "processor", agentSvc.Name())

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversationLogger.Close(); closeErr != nil {
			slog.Warn("failed to close conversation logger", "error", closeErr)
		}
	}()

	chatSvc := chat.NewService(ledger, relay.New(agentSvc, cfg.Agent.WindowSize), repo, conversationLogger, logger)
	chatHandler := chat.NewHandler(chatSvc, chat.HandlerConfig{
		RateLimit:     cfg.RateLimit.RequestsPerWindow,
		RateWindow:    cfg.RateLimit.WindowDuration,
		MaxBodySize:   cfg.SSE.MaxRequestBodySize,
		AllowedOrigin: cfg.FrontendURL,
		IsDevelopment: cfg.IsDevelopment(),
	})
	defer chatHandler.Close()

	// Payments.
	aptos := payment.NewAptosClient(cfg.Aptos.NodeURL, payment.AptosOptions{
		Timeout:  cfg.Aptos.ConfirmTimeout,
		Interval: cfg.Aptos.ConfirmInterval,
		Logger:   logger,
	})
	bridge := payment.NewBridge(ledger, repo, chatSvc, aptos, payment.Config{
		Recipient:     cfg.Aptos.Recipient,
		PriceOctas:    cfg.Aptos.PriceOctas,
		CreditsPerBuy: cfg.Aptos.CreditsPerBuy,
	}, logger)

	apiHandler := api.NewHandler(api.Deps{
		Repo:      repo,
		Gate:      gate,
		Ledger:    ledger,
		Follow:    verifier,
		Community: communitySvc,
		OAuth:     provider,
		Chat:      chatSvc,
		Payments:  bridge,
		Settings: api.Settings{
			TwitterEnabled:     cfg.TwitterEnabled(),
			FollowTargetHandle: cfg.Follow.TargetHandle,
			Allowance:          cfg.Credits.Allowance,
			PersonaName:        cfg.Agent.PersonaName,
			Window:             cfg.Agent.WindowSize,
		},
		AdminToken:  cfg.AdminToken,
		FrontendURL: cfg.FrontendURL,
		Logger:      logger,
	})
	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	origins := []string{"*"}
	if !cfg.IsDevelopment() {
		origins = []string{cfg.FrontendURL}
	}
	r.Use(middleware.CORS(origins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", metrics.Handler())

	// Everything else resolves an identity first.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		apiHandler.RegisterRoutes(r)
		chatHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweep := sweeper.New(logger)
	if err := sweep.AddOAuthStateSweep(cfg.Sweeper.Schedule, repo, cfg.Twitter.StateTTL); err != nil {
		slog.Error("Failed to schedule sweeper", "error", err)
		os.Exit(1)
	}
	sweep.Start()
	defer sweep.Stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}
