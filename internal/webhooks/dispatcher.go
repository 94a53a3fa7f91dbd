// Package webhooks delivers domain events to partner subscriptions. Each
// delivery is a single signed POST; a delivery the partner does not accept is
// kept as a dead letter for manual redelivery.
package webhooks

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"garagemsg/internal/apperr"
	"garagemsg/internal/executor"
	"garagemsg/internal/metrics"
	"garagemsg/internal/model"
	"garagemsg/internal/store"
)

const (
	HeaderSignature = "X-Signature-256"
	HeaderEvent     = "X-Webhook-Event"
	DefaultTimeout  = 10 * time.Second
)

// Submitter runs delivery tasks off the caller's goroutine.
type Submitter interface {
	Submit(kind string, fn executor.Task) bool
}

type Dispatcher struct {
	Store   store.Store
	HTTP    *http.Client
	Exec    Submitter
	Timeout time.Duration
	Now     func() time.Time
	Log     *zap.Logger
}

func NewDispatcher(s store.Store, exec Submitter, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Store:   s,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		Exec:    exec,
		Timeout: DefaultTimeout,
		Now:     time.Now,
		Log:     log.With(zap.String("component", "webhooks")),
	}
}

// ValidateRegistration checks a subscription request: an absolute http(s)
// URL and a non-empty list of known events.
func ValidateRegistration(rawURL string, events []string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperr.New(apperr.InvalidRequest, "url must be an absolute http(s) URL")
	}
	if len(events) == 0 {
		return apperr.New(apperr.InvalidRequest, "events must not be empty")
	}
	for _, e := range events {
		if !model.KnownEvent(e) {
			return apperr.New(apperr.InvalidRequest, fmt.Sprintf("unknown event %q", e))
		}
	}
	return nil
}

// NewSecret returns a random signing secret for subscriptions registered
// without one.
func NewSecret() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe validates req and stores the subscription for tenantID.
func (d *Dispatcher) Subscribe(ctx context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error) {
	if err := ValidateRegistration(req.URL, req.Events); err != nil {
		return model.Subscription{}, err
	}
	seen := map[string]bool{}
	events := make([]string, 0, len(req.Events))
	for _, e := range req.Events {
		if !seen[e] {
			seen[e] = true
			events = append(events, e)
		}
	}
	req.Events = events
	if req.Secret == "" {
		req.Secret = NewSecret()
	}
	sub, err := d.Store.CreateSubscription(ctx, tenantID, req)
	if err != nil {
		return sub, apperr.Wrap(apperr.Internal, "create subscription", err)
	}
	return sub, nil
}

type envelope struct {
	Event  string         `json:"event"`
	Data   map[string]any `json:"data"`
	SentAt string         `json:"sent_at"`
}

// Emit delivers event to every active subscription of tenantID that lists it.
// Events outside the subscribable set are ignored.
func (d *Dispatcher) Emit(ctx context.Context, tenantID, event string, data map[string]any) {
	if !model.KnownEvent(event) {
		return
	}
	subs, err := d.Store.ActiveSubscriptionsForEvent(ctx, tenantID, event)
	if err != nil {
		d.Log.Error("load subscriptions", zap.String("tenant", tenantID), zap.String("event", event), zap.Error(err))
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(envelope{Event: event, Data: data, SentAt: d.now().UTC().Format(time.RFC3339)})
	if err != nil {
		d.Log.Error("encode webhook body", zap.String("event", event), zap.Error(err))
		return
	}
	for _, s := range subs {
		sub := s
		task := func(ctx context.Context) error { return d.deliverOrDeadLetter(ctx, sub, event, body) }
		if d.Exec == nil {
			_ = task(context.WithoutCancel(ctx))
			continue
		}
		if !d.Exec.Submit("webhook", task) {
			d.Log.Warn("executor closed, dropping delivery", zap.String("tenant", tenantID), zap.String("subscription", sub.ID))
		}
	}
}

// DeliveryResult describes one POST to a partner.
type DeliveryResult struct {
	Delivered    bool   `json:"delivered"`
	ResponseCode int    `json:"responseCode,omitempty"`
	Error        string `json:"error,omitempty"`
	LatencyMs    int64  `json:"latencyMs"`
}

func (d *Dispatcher) deliverOrDeadLetter(ctx context.Context, sub model.Subscription, event string, body []byte) error {
	res := d.deliver(ctx, sub, event, body)
	if res.Delivered {
		return nil
	}
	d.Log.Warn("webhook delivery failed",
		zap.String("tenant", sub.TenantID), zap.String("subscription", sub.ID), zap.String("event", event),
		zap.Int("code", res.ResponseCode), zap.String("error", res.Error))
	_, err := d.Store.RecordDeadLetter(ctx, model.DeadLetter{
		TenantID:       sub.TenantID,
		SubscriptionID: sub.ID,
		Event:          event,
		URL:            sub.URL,
		Payload:        body,
		LastError:      res.Error,
		ResponseCode:   res.ResponseCode,
	})
	if err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub model.Subscription, event string, body []byte) DeliveryResult {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res DeliveryResult
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		res.Error = err.Error()
		metrics.WebhookDeliveries.WithLabelValues(event, "failed").Inc()
		return res
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "garagemsg-webhooks/1")
	req.Header.Set(HeaderSignature, SignHMAC(sub.Secret, body))
	req.Header.Set(HeaderEvent, event)

	start := time.Now()
	resp, err := d.HTTP.Do(req)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
	} else {
		res.ResponseCode = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			res.Delivered = true
		} else {
			res.Error = fmt.Sprintf("partner responded %d", resp.StatusCode)
		}
	}
	status := "delivered"
	if !res.Delivered {
		status = "failed"
	}
	metrics.WebhookDeliveries.WithLabelValues(event, status).Inc()
	metrics.WebhookLatency.WithLabelValues(event, status).Observe(float64(res.LatencyMs))
	return res
}

// Redeliver posts a dead letter again, synchronously, signed with the
// subscription's current secret. The dead letter is removed once the partner
// accepts it.
func (d *Dispatcher) Redeliver(ctx context.Context, tenantID, id string) (DeliveryResult, error) {
	dl, err := d.Store.GetDeadLetter(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DeliveryResult{}, apperr.New(apperr.NotFound, "dead letter not found")
		}
		return DeliveryResult{}, apperr.Wrap(apperr.Internal, "load dead letter", err)
	}
	sub, err := d.Store.GetSubscription(ctx, tenantID, dl.SubscriptionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return DeliveryResult{}, apperr.New(apperr.Conflict, "subscription no longer exists")
		}
		return DeliveryResult{}, apperr.Wrap(apperr.Internal, "load subscription", err)
	}
	res := d.deliver(ctx, sub, dl.Event, dl.Payload)
	if res.Delivered {
		if err := d.Store.DeleteDeadLetter(ctx, tenantID, id); err != nil && !errors.Is(err, store.ErrNotFound) {
			d.Log.Warn("delete redelivered dead letter", zap.String("id", id), zap.Error(err))
		}
	}
	return res, nil
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
