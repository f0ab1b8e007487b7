// Package api implements the HTTP surface of the delivery engine: the
// delivery log and manual resend, plus health and metrics endpoints.
package api

import (
	"log/slog"

	"streamhooks/internal/auth"
	"streamhooks/internal/broker"
	"streamhooks/internal/config"
	"streamhooks/internal/store"
	"streamhooks/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Broker   broker.Broker
	Executor *webhooks.Executor
	Auth     *auth.Verifier
	Log      *slog.Logger
}

// NewServer wires the store and broker from config. Unset DATABASE_URL or
// REDIS_URL selects the in-memory implementations (dev mode).
func NewServer(cfg *config.Config, log *slog.Logger) (*Server, error) {
	var s store.Store
	if cfg.DatabaseURL == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.Warn("migrations failed", "error", err)
			}
		}
		s = sp
	}
	var b broker.Broker
	if cfg.RedisURL == "" {
		b = broker.NewMemory()
	} else {
		rb, err := broker.NewRedis(cfg.RedisURL, cfg.ConsumerName, log)
		if err != nil {
			return nil, err
		}
		b = rb
	}
	guard := webhooks.NewGuard(cfg.SkipURLVerification)
	scheduler := webhooks.NewScheduler(b, cfg.WebhookMaxRetries, log)
	exec := webhooks.NewExecutor(s, guard, scheduler, cfg.UserAgent, cfg.WebhookRateLimit, log)
	exec.HTTP.Timeout = cfg.WebhookTimeout
	return &Server{
		Store:    s,
		Broker:   b,
		Executor: exec,
		Auth:     auth.NewVerifier(cfg.AuthMode, cfg.AuthHMACSecret, cfg.AuthJWKSURL),
		Log:      log,
	}, nil
}

// NewConsumer creates the message loop bound to this server's dependencies.
func (s *Server) NewConsumer() *webhooks.Consumer {
	return webhooks.NewConsumer(s.Broker, s.Store, s.Executor, s.Log)
}
