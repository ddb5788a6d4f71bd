// Command chzzk-relay is the entrypoint for the CHZZK chat relay.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the credential store (JSON files, or Postgres with versioned migrations).
//   - Establishes the upstream chat session at startup (SESSION_AUTO_START) and
//     fans chat events out to downstream WebSocket/SSE subscribers.
//   - Exposes the HTTP gateway: /ws, /events, /auth/*, /admin/session,
//     /status, /healthz, /readyz, /metrics and the overlay page.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chzzk-relay/chat"
	"github.com/onnwee/chzzk-relay/chzzkapi"
	"github.com/onnwee/chzzk-relay/config"
	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/crypto"
	"github.com/onnwee/chzzk-relay/db"
	"github.com/onnwee/chzzk-relay/oauth"
	"github.com/onnwee/chzzk-relay/relay"
	"github.com/onnwee/chzzk-relay/server"
	"github.com/onnwee/chzzk-relay/socketio"
	"github.com/onnwee/chzzk-relay/telemetry"
)

const serviceName = "chzzk-relay"

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing(serviceName, version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, database, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open credential store", slog.Any("err", err))
		os.Exit(1)
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	api := &chzzkapi.Client{
		BaseURL:      cfg.APIBaseURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		HTTPClient:   &http.Client{Timeout: cfg.HTTPClientTimeout},
	}
	hub := relay.NewHub()
	sessions := chat.NewClient(api, oauth.NewService(store, api), hub, chat.SocketDialer(socketio.Options{
		ConnectTimeout: cfg.SocketConnectTimeout,
		EIO:            cfg.EngineIOVersion,
	}))

	startPprof()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, server.Deps{
			Config:   cfg,
			Store:    store,
			Hub:      hub,
			Sessions: sessions,
			DB:       database,
		}, cfg.HTTPAddr)
	})
	g.Go(func() error {
		if cfg.SessionAutoStart {
			startSession(gctx, cfg, sessions)
		} else {
			slog.Info("session auto start disabled; POST /admin/session to connect", slog.String("component", "chat"))
		}
		<-gctx.Done()
		sessions.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("relay exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openStore builds the configured credential backend. The returned *sql.DB is
// nil for the file backend.
func openStore(ctx context.Context, cfg *config.Config) (credstore.Store, *sql.DB, error) {
	sealer, err := crypto.FromKey(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}

	if cfg.CredentialBackend != config.BackendPostgres {
		if sealer == nil {
			slog.Warn("ENCRYPTION_KEY not set; credentials are stored in plaintext", slog.String("component", "credstore"))
		}
		return credstore.NewFileStore(cfg.CredentialFile, cfg.GrantFile, sealer), nil, nil
	}

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	// Versioned migrations first; the idempotent embedded schema covers
	// databases that predate the migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("migrate db: %w", err)
		}
	}
	return db.NewCredentialStore(database, sealer), database, nil
}

// startSession opens the upstream session once. Failures are logged and not
// retried; the gateway keeps serving so an operator can fix the cause and use
// /auth/start or /admin/session.
func startSession(ctx context.Context, cfg *config.Config, sessions *chat.Client) {
	log := slog.Default().With(slog.String("component", "chat"))
	if err := cfg.ValidateSessionReady(); err != nil {
		log.Warn("chat session not started", slog.Any("err", err))
		return
	}
	s, err := sessions.Open(ctx)
	var exErr *oauth.TokenExchangeError
	switch {
	case err == nil:
		log.Info("chat session opening", slog.String("session", s.ID()))
	case errors.Is(err, oauth.ErrAuthenticationRequired):
		log.Warn("no authorization grant yet: open /auth/start in a browser, complete the CHZZK login, then restart or POST /admin/session",
			slog.String("addr", cfg.HTTPAddr))
	case errors.As(err, &exErr):
		log.Error("token exchange rejected: re-run the authorization flow at /auth/start",
			slog.Int("status", exErr.StatusCode), slog.String("body", exErr.Body))
	default:
		log.Error("chat session setup failed", slog.Any("err", err))
	}
}

// startPprof serves /debug/pprof on PPROF_ADDR when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
