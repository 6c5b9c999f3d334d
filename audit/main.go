// The audit service exposes the append-only audit trail: paged listing,
// single-event lookup, and bulk export for compliance tooling.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gantry-labs/gantry-go/internal/auditexport"
	"github.com/gantry-labs/gantry-go/internal/platform/auditlog"
	"github.com/gantry-labs/gantry-go/internal/platform/auth"
	"github.com/gantry-labs/gantry-go/internal/platform/env"
	"github.com/gantry-labs/gantry-go/internal/platform/httpserver"
	"github.com/gantry-labs/gantry-go/internal/platform/postgres"
)

type auditConfig struct {
	addr            string
	shutdownTimeout time.Duration
	internalSecret  string
	export          auditexport.Config
}

func loadAuditConfig() (auditConfig, error) {
	shutdownTimeout, err := env.Duration("GANTRY_AUDIT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return auditConfig{}, err
	}
	exportCfg, err := auditexport.ConfigFromEnv()
	if err != nil {
		return auditConfig{}, err
	}
	return auditConfig{
		addr:            env.String("GANTRY_AUDIT_HTTP_ADDR", ":8085"),
		shutdownTimeout: shutdownTimeout,
		internalSecret:  env.String("GANTRY_INTERNAL_AUTH_SECRET", ""),
		export:          exportCfg,
	}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadAuditConfig()
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	headersAuth, err := auth.NewProxyHeadersAuthenticator(cfg.internalSecret)
	if err != nil {
		logger.Error("invalid internal auth config", "error", err)
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

	handler := buildHandler(logger, db, cfg.export, headersAuth)

	serverCfg := httpserver.Config{
		Service:         "audit",
		Addr:            cfg.addr,
		ShutdownTimeout: cfg.shutdownTimeout,
	}
	err = httpserver.Run(ctx, logger, serverCfg, httpserver.Wrap(logger, "audit", handler))
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func buildHandler(logger *slog.Logger, db *sql.DB, exportCfg auditexport.Config, headersAuth auth.Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("audit"))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(
		"audit",
		httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: auth.WithTimeout(750*time.Millisecond, db.PingContext),
		},
	))

	newAuditAPI(logger, db, exportCfg).register(mux)

	return auth.Middleware{
		Logger:        logger,
		Authenticator: headersAuth,
		Authorize:     auth.MethodRoleAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
			defer cancel()
			return auditlog.InsertAuthDeny(auditCtx, db, "audit", event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz"},
	}.Wrap(mux)
}
