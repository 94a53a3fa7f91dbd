// Package api wires the governance components into the HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"garagemsg/internal/auth"
	"garagemsg/internal/config"
	"garagemsg/internal/counter"
	"garagemsg/internal/dispatch"
	"garagemsg/internal/events"
	"garagemsg/internal/executor"
	"garagemsg/internal/governor"
	"garagemsg/internal/idempotency"
	"garagemsg/internal/inbound"
	"garagemsg/internal/model"
	"garagemsg/internal/provider"
	"garagemsg/internal/store"
	"garagemsg/internal/webhooks"
)

type Server struct {
	Config   config.Config
	Store    store.Store
	Counter  counter.Store
	Broker   events.Broker
	Emitter  events.Emitter
	Governor *governor.Governor
	Idem     *idempotency.Cache
	Queue    *dispatch.Queue
	Worker   *dispatch.Worker
	Webhooks *webhooks.Dispatcher
	Inbound  *inbound.Processor
	Exec     *executor.Executor
	Auth     *auth.Verifier
	Log      *zap.Logger

	// DeliveryExec runs partner deliveries; inbound tasks submit into it.
	DeliveryExec *executor.Executor

	closers []func() error
}

// NewServer builds the component graph. Without DATABASE_URL the store is
// in-memory; without REDIS_URL counters and the live feed are process-local.
// Without a provider token outbound sends go to provider.Fake.
func NewServer(ctx context.Context, cfg config.Config, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{Config: cfg, Log: log}

	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s.Store = store.NewMemory()
		log.Info("using in-memory store")
	} else {
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.MigrateDir(cfg.MigrationsDir); err != nil {
				_ = pg.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		s.Store = pg
		s.closers = append(s.closers, pg.Close)
	}
	for _, t := range cfg.SeedTenants() {
		if err := s.Store.UpsertTenant(ctx, t); err != nil {
			s.close()
			return nil, fmt.Errorf("seed tenant %s: %w", t.ID, err)
		}
	}

	if cfg.RedisURL == "" {
		s.Counter = counter.NewMemory()
		s.Broker = events.NewMemoryBroker()
	} else {
		rc, err := counter.NewRedisFromURL(ctx, cfg.RedisURL, "garagemsg:")
		if err != nil {
			s.close()
			return nil, err
		}
		s.Counter = rc
		s.Broker = events.NewRedisBroker(rc.Client(), log)
		s.closers = append(s.closers, rc.Client().Close)
	}

	s.Exec = executor.New(cfg.Executor.Workers, cfg.Executor.QueueSize, cfg.Executor.TaskTimeout, log)
	s.DeliveryExec = executor.New(cfg.Webhook.Workers, cfg.Webhook.QueueSize, cfg.Executor.TaskTimeout, log.Named("webhooks"))
	s.Governor = governor.New(s.Counter, s.Store, log)
	s.Idem = idempotency.New(s.Counter, log)
	s.Auth = auth.NewVerifier(cfg.Auth)

	s.Webhooks = webhooks.NewDispatcher(s.Store, s.DeliveryExec, log)
	if cfg.Webhook.DeliveryTimeout > 0 {
		s.Webhooks.Timeout = cfg.Webhook.DeliveryTimeout
	}
	s.Emitter = events.Multi{s.Webhooks, events.Publisher{Broker: s.Broker}}
	s.Inbound = inbound.NewProcessor(s.Store, s.Emitter, s.Exec, cfg.Webhook.AppSecret, cfg.Webhook.VerifyToken, log)

	var sender provider.Sender
	if cfg.Provider.Token == "" {
		log.Warn("no provider token configured, outbound messages go to the fake sender")
		sender = &provider.Fake{}
	} else {
		sender = provider.NewClient(provider.Config{
			BaseURL: cfg.Provider.BaseURL,
			Token:   cfg.Provider.Token,
			Timeout: cfg.Provider.Timeout,
		}, log)
	}
	s.Queue = dispatch.NewQueue(s.Store, log)
	s.Queue.Quota = func(ctx context.Context, tenantID string) error {
		return s.Governor.RequireQuota(ctx, tenantID, model.ResourceMessages)
	}
	s.Worker = dispatch.NewWorker(s.Store, sender, s.Emitter, dispatch.Config{
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		BaseDelay:    cfg.Dispatch.BaseDelay,
		MaxDelay:     cfg.Dispatch.MaxDelay,
		PollInterval: cfg.Dispatch.PollInterval,
		BatchSize:    cfg.Dispatch.BatchSize,
		Lease:        cfg.Dispatch.Lease,
		SendTimeout:  cfg.Provider.Timeout,
		SendRate:     cfg.Dispatch.SendRate,
		Burst:        cfg.Dispatch.Burst,
	}, log)
	return s, nil
}

// Start launches the dispatch worker.
func (s *Server) Start() { s.Worker.Start() }

// Shutdown stops the worker, drains background tasks until ctx expires and
// closes store connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Worker.Stop()
	// inbound tasks feed the delivery pool, so they drain first
	err := s.Exec.Close(ctx)
	err = errors.Join(err, s.DeliveryExec.Close(ctx))
	return errors.Join(err, s.close())
}

func (s *Server) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	s.closers = nil
	return errors.Join(errs...)
}
