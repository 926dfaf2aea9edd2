package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

var (
	flagPort        = flag.String("port", "", "listen port (overrides WHATSAPP_SERVICE_PORT)")
	flagSessionsDir = flag.String("sessionsdir", "", "sessions root directory (overrides WHATSAPP_SESSIONS_DIR)")
	flagQRTerminal  = flag.Bool("qrterminal", false, "also render pairing codes on the terminal")
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "could not load .env: %v\n", err)
	}
	flag.Parse()
	initLogger()

	port := *flagPort
	if port == "" {
		port = envOr("WHATSAPP_SERVICE_PORT", "3000")
	}
	sessionsDir := *flagSessionsDir
	if sessionsDir == "" {
		sessionsDir = envOr("WHATSAPP_SESSIONS_DIR", "./sessions")
	}
	apiKey := os.Getenv("WHATSAPP_SERVICE_API_KEY")
	if apiKey == "" {
		log.Warn().Msg("WHATSAPP_SERVICE_API_KEY is not set, API authentication is disabled")
	}

	creds, err := NewCredentialStore(sessionsDir)
	if err != nil {
		log.Fatal().Err(err).Str("sessionsDir", sessionsDir).Msg("Could not prepare sessions directory")
	}

	db, err := openHistoryDB(sessionsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open history database")
	}
	defer db.Close()
	history, err := NewMessageStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not initialize message store")
	}

	metrics := NewMetrics()
	webhook := NewWebhookClientFromEnv(metrics)
	events := NewEventPublisher(os.Getenv("RABBITMQ_URL"), os.Getenv("RABBITMQ_QUEUE"))
	defer events.Close()
	archive := NewEventArchive()

	cfg := ManagerConfig{
		MinSendDelay:         envDurationMs("WHATSAPP_MIN_DELAY_MS", defaultMinSendDelay),
		MaxSendDelay:         envDurationMs("WHATSAPP_MAX_DELAY_MS", defaultMaxSendDelay),
		MaxReconnectAttempts: envInt("WHATSAPP_MAX_RECONNECT_ATTEMPTS", defaultMaxReconnectAttempts),
		CountryCode:          envOr("WHATSAPP_DEFAULT_COUNTRY_CODE", defaultCountryCode),
		SessionIdleTTL:       envDuration("SESSION_IDLE_TTL", defaultSessionIdleTTL),
		QRInTerminal:         *flagQRTerminal,
	}
	manager := NewSessionManager(cfg, creds, newWhatsmeowDialer(log.Logger), webhook, events, archive, history, metrics)

	go func() {
		if err := manager.BootstrapPersistedSessions(context.Background()); err != nil {
			log.Error().Err(err).Msg("Bootstrap of persisted sessions failed")
		}
	}()

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      newServer(manager, history, metrics, apiKey),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", port).Str("sessionsDir", sessionsDir).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	// Sockets close without logout so sessions resume on next boot.
	manager.Shutdown()
	log.Info().Msg("Shutdown complete")
}

func initLogger() {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(envOr("LOG_LEVEL", "info")))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if os.Getenv("LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"})
	}
}

// NewWebhookClientFromEnv wires the webhook client from the service
// environment.
func NewWebhookClientFromEnv(metrics *Metrics) *WebhookClient {
	client := NewWebhookClient(
		os.Getenv("WHATSAPP_INBOUND_WEBHOOK_URL"),
		os.Getenv("WHATSAPP_INBOUND_WEBHOOK_SECRET"),
		metrics,
	)
	if timeout := envDurationMs("WHATSAPP_WEBHOOK_TIMEOUT_MS", defaultWebhookTimeout); timeout > 0 {
		client.client.SetTimeout(timeout)
	}
	if !client.Enabled() {
		log.Info().Msg("WHATSAPP_INBOUND_WEBHOOK_URL is not set, webhook delivery disabled")
	}
	return client
}

// openHistoryDB connects to PostgreSQL when DATABASE_URL is set, otherwise
// to a sqlite file next to the credential directories.
func openHistoryDB(sessionsDir string) (*sqlx.DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		db, err := sqlx.Connect("postgres", url)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return db, nil
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)", filepath.Join(sessionsDir, "history.db"))
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite history: %w", err)
	}
	return db, nil
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid integer in environment, using default")
	}
	return fallback
}

func envDurationMs(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Millisecond
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid milliseconds value in environment, using default")
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", value).Msg("Invalid duration in environment, using default")
	}
	return fallback
}
