package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gantry-labs/gantry-go/internal/artifacts"
	"github.com/gantry-labs/gantry-go/internal/cache"
	"github.com/gantry-labs/gantry-go/internal/engine"
	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
	"github.com/gantry-labs/gantry-go/internal/platform/auth"
	"github.com/gantry-labs/gantry-go/internal/platform/env"
	"github.com/gantry-labs/gantry-go/internal/platform/httpserver"
	"github.com/gantry-labs/gantry-go/internal/platform/objectstore"
	"github.com/gantry-labs/gantry-go/internal/platform/postgres"
	"github.com/gantry-labs/gantry-go/internal/publish"
	repopg "github.com/gantry-labs/gantry-go/internal/repo/postgres"
	"github.com/gantry-labs/gantry-go/internal/statuscheck"
	storageobject "github.com/gantry-labs/gantry-go/internal/storage/objectstore"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("GANTRY_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("GANTRY_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	storeClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store client init failed", "error", err)
		os.Exit(2)
	}
	startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := objectstore.EnsureBuckets(startupCtx, storeClient, storeCfg); err != nil {
		cancel()
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	cancel()
	objectStore, err := storageobject.NewMinioStoreWithClient(storeClient)
	if err != nil {
		logger.Error("object store init failed", "error", err)
		os.Exit(2)
	}

	webhookSecret := strings.TrimSpace(env.String("GANTRY_CI_WEBHOOK_SECRET", ""))
	if webhookSecret == "" {
		logger.Error("missing webhook secret", "env", "GANTRY_CI_WEBHOOK_SECRET")
		os.Exit(2)
	}

	instanceTimeout, err := env.Duration("GANTRY_INSTANCE_TIMEOUT", time.Hour)
	if err != nil {
		logger.Error("invalid instance timeout", "error", err)
		os.Exit(2)
	}

	gitBaseURL := strings.TrimSpace(env.String("GANTRY_GIT_BASE_URL", ""))
	if gitBaseURL == "" {
		logger.Error("missing git base url", "env", "GANTRY_GIT_BASE_URL")
		os.Exit(2)
	}
	checkout, err := engine.GitCheckout(gitBaseURL)
	if err != nil {
		logger.Error("checkout init failed", "error", err)
		os.Exit(2)
	}

	var publisher *publish.Client
	if registryURL := strings.TrimSpace(env.String("GANTRY_REGISTRY_URL", "")); registryURL != "" {
		tokenURL := strings.TrimSpace(env.String("GANTRY_REGISTRY_OAUTH_TOKEN_URL", ""))
		if tokenURL != "" {
			publisher, err = publish.NewOAuthClient(
				ctx,
				registryURL,
				env.String("GANTRY_REGISTRY_OAUTH_CLIENT_ID", ""),
				env.String("GANTRY_REGISTRY_OAUTH_CLIENT_SECRET", ""),
				tokenURL,
			)
		} else {
			publisher, err = publish.NewClient(registryURL)
		}
		if err != nil {
			logger.Error("registry client init failed", "error", err)
			os.Exit(2)
		}
	}

	var notifier *statuscheck.Notifier
	if callbackURL := strings.TrimSpace(env.String("GANTRY_STATUS_CALLBACK_URL", "")); callbackURL != "" {
		callbackSecret := env.String("GANTRY_STATUS_CALLBACK_SECRET", webhookSecret)
		notifier, err = statuscheck.NewNotifier(callbackURL, callbackSecret)
		if err != nil {
			logger.Error("status callback init failed", "error", err)
			os.Exit(2)
		}
	}

	artifactStore, err := artifacts.NewStore(objectStore, storeCfg.BucketArtifacts)
	if err != nil {
		logger.Error("artifact store init failed", "error", err)
		os.Exit(2)
	}

	eng, err := engine.New(engine.Options{
		Logger:    logger,
		Runs:      repopg.NewRunStore(db),
		Instances: repopg.NewInstanceStore(db),
		Steps:     repopg.NewStepStore(db),
		Cache:     cache.NewStoreCoordinator(objectStore, storeCfg.BucketCache),
		Artifacts: artifactStore,
		Publisher: publisher,
		Notifier:  notifier,
		Audit:     db,
		Checkout:  checkout,
		Runners:   engine.DefaultRunners(env.String("GANTRY_DOCKER_BIN", "docker")),
		Config: engine.Config{
			WorkspaceRoot:   env.String("GANTRY_WORKSPACE_ROOT", ""),
			InstanceTimeout: instanceTimeout,
			Secrets:         env.WithPrefix("GANTRY_SECRET_"),
		},
	})
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
	case auth.ModeHeaders:
		authenticator, err = auth.NewProxyHeadersAuthenticator(authCfg.InternalSecret)
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(authCfg)
	case auth.ModeDisabled:
	}
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("orchestrator"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"orchestrator",
			httpserver.ReadinessCheck{
				Name:  "postgres",
				Check: auth.WithTimeout(750*time.Millisecond, db.PingContext),
			},
			httpserver.ReadinessCheck{
				Name: "minio",
				Check: auth.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
					return objectstore.CheckBuckets(ctx, storeClient, storeCfg)
				}),
			},
		),
	)

	api := newOrchestratorAPI(logger, db, eng, apiStores{
		Runs:       repopg.NewRunStore(db),
		Instances:  repopg.NewInstanceStore(db),
		Steps:      repopg.NewStepStore(db),
		Workflows:  repopg.NewWorkflowStore(db),
		Deliveries: repopg.NewDeliveryStore(db),
		Artifacts:  artifactStore,
	}, webhookSecret)
	api.register(mux)

	var handler http.Handler = mux
	if authenticator != nil {
		handler = auth.Middleware{
			Logger:        logger,
			Authenticator: authenticator,
			Authorize:     auth.MethodRoleAuthorizer(),
			Audit: func(ctx context.Context, event auth.DenyEvent) error {
				auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return auditlog.InsertAuthDeny(auditCtx, db, "orchestrator", event)
			},
			SkipPrefixes: []string{"/healthz", "/readyz", "/webhooks/"},
		}.Wrap(mux)
	}

	cfg := httpserver.Config{
		Service:         "orchestrator",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	serveErr := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "orchestrator", handler))

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := eng.Shutdown(drainCtx); err != nil {
		logger.Warn("engine drain incomplete", "error", err)
	}
	cancelDrain()

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		logger.Error("server failed", "error", serveErr)
		os.Exit(1)
	}
}
