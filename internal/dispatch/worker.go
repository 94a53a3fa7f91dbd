package dispatch

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"garagemsg/internal/events"
	"garagemsg/internal/metrics"
	"garagemsg/internal/model"
	"garagemsg/internal/provider"
	"garagemsg/internal/store"
)

type Config struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	BatchSize    int
	// Lease is how long a claimed job stays hidden from other workers.
	Lease       time.Duration
	SendTimeout time.Duration
	// SendRate caps provider calls per second across all tenants.
	SendRate float64
	Burst    int
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseDelay:    2 * time.Second,
		MaxDelay:     32 * time.Second,
		PollInterval: time.Second,
		BatchSize:    50,
		Lease:        time.Minute,
		SendTimeout:  10 * time.Second,
		SendRate:     20,
		Burst:        5,
	}
}

type Worker struct {
	Store   store.Store
	Sender  provider.Sender
	Events  events.Emitter
	Limiter *rate.Limiter
	Config
	Now func() time.Time
	Log *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func NewWorker(s store.Store, sender provider.Sender, emitter events.Emitter, cfg Config, log *zap.Logger) *Worker {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.SendRate > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.SendRate), burst)
	}
	if emitter == nil {
		emitter = events.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Store:   s,
		Sender:  sender,
		Events:  emitter,
		Limiter: lim,
		Config:  cfg,
		Now:     time.Now,
		Log:     log.With(zap.String("component", "dispatch-worker")),
	}
}

// Backoff returns the delay before the attempt following attempt n (1-based):
// base·2^(n-1), capped at max.
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	shift := n - 1
	if shift > 62 {
		shift = 62
	}
	mult := int64(1) << shift
	var d time.Duration
	if int64(base) > math.MaxInt64/mult {
		d = time.Duration(math.MaxInt64)
	} else {
		d = time.Duration(int64(base) * mult)
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

func (w *Worker) Start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), w.Lease)
				w.processOnce(ctx)
				cancel()
			}
		}
	}()
}

// Stop ends the poll loop and waits for the current batch.
func (w *Worker) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// processOnce claims due jobs and attempts each once. It returns the number
// of jobs handled.
func (w *Worker) processOnce(ctx context.Context) int {
	jobs, err := w.Store.ClaimDueOutbound(ctx, w.now(), w.Lease, w.BatchSize)
	if err != nil {
		w.Log.Error("claim outbound jobs", zap.Error(err))
		return 0
	}
	handled := 0
	for _, job := range jobs {
		if err := w.Limiter.Wait(ctx); err != nil {
			return handled
		}
		w.attempt(ctx, job)
		handled++
	}
	return handled
}

func (w *Worker) attempt(ctx context.Context, job model.OutboundJob) {
	log := w.Log.With(zap.String("tenant", job.TenantID), zap.String("message", job.MessageID))
	msg, err := w.Store.GetMessage(ctx, job.TenantID, job.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("outbound job without message")
			return
		}
		log.Error("load outbound message", zap.Error(err))
		return
	}

	n := job.Attempts + 1
	sendCtx, cancel := context.WithTimeout(ctx, w.SendTimeout)
	start := time.Now()
	providerID, sendErr := w.Sender.Send(sendCtx, msg)
	cancel()
	metrics.DispatchLatency.Observe(float64(time.Since(start).Milliseconds()))

	if sendErr == nil {
		sent, err := w.Store.MarkSent(ctx, msg.ID, providerID, n)
		if err != nil {
			log.Error("mark message sent", zap.Error(err))
			return
		}
		metrics.DispatchAttempts.WithLabelValues("sent").Inc()
		log.Info("message sent", zap.String("provider_id", providerID), zap.Int("attempt", n))
		w.Events.Emit(ctx, sent.TenantID, model.EventMessageSent, messageData(sent))
		return
	}

	if wait, ok := provider.Unavailable(sendErr); ok {
		// the provider was never called, so the attempt is not counted
		if err := w.Store.RescheduleOutbound(ctx, msg.ID, job.Attempts, w.now().Add(wait), sendErr.Error()); err != nil {
			log.Error("reschedule message", zap.Error(err))
			return
		}
		metrics.DispatchAttempts.WithLabelValues("deferred").Inc()
		log.Info("provider unavailable, deferring", zap.Duration("wait", wait))
		return
	}

	if n >= w.MaxAttempts || provider.IsPermanent(sendErr) {
		failed, changed, err := w.Store.MarkFailed(ctx, msg.ID, n, sendErr.Error())
		if err != nil {
			log.Error("mark message failed", zap.Error(err))
			return
		}
		metrics.DispatchAttempts.WithLabelValues("failed").Inc()
		log.Warn("message failed", zap.Int("attempt", n), zap.Error(sendErr))
		if changed {
			w.Events.Emit(ctx, failed.TenantID, model.EventMessageFailed, messageData(failed))
		}
		return
	}

	delay := Backoff(w.BaseDelay, w.MaxDelay, n)
	if err := w.Store.RescheduleOutbound(ctx, msg.ID, n, w.now().Add(delay), sendErr.Error()); err != nil {
		log.Error("reschedule message", zap.Error(err))
		return
	}
	metrics.DispatchAttempts.WithLabelValues("retry").Inc()
	log.Info("send failed, will retry", zap.Int("attempt", n), zap.Duration("delay", delay), zap.Error(sendErr))
}

func messageData(m model.Message) map[string]any {
	d := map[string]any{
		"messageId": m.ID,
		"state":     string(m.State),
		"to":        m.To,
		"attempts":  m.Attempts,
	}
	if m.ProviderID != "" {
		d["providerId"] = m.ProviderID
	}
	if m.LastError != "" {
		d["error"] = m.LastError
	}
	return d
}
