// Package inbound verifies and processes the messaging provider's webhooks:
// the subscription handshake, signed message and status notifications, and
// the forward-only message state ladder.
package inbound

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"garagemsg/internal/events"
	"garagemsg/internal/executor"
	"garagemsg/internal/metrics"
	"garagemsg/internal/model"
	"garagemsg/internal/store"
	"garagemsg/internal/webhooks"
)

// Submitter runs processing after the webhook has been acknowledged.
type Submitter interface {
	Submit(kind string, fn executor.Task) bool
}

type Processor struct {
	Store       store.Store
	Events      events.Emitter
	Exec        Submitter
	AppSecret   string
	VerifyToken string
	Log         *zap.Logger
}

func NewProcessor(s store.Store, emitter events.Emitter, exec Submitter, appSecret, verifyToken string, log *zap.Logger) *Processor {
	if emitter == nil {
		emitter = events.Nop
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{
		Store:       s,
		Events:      emitter,
		Exec:        exec,
		AppSecret:   appSecret,
		VerifyToken: verifyToken,
		Log:         log.With(zap.String("component", "inbound")),
	}
}

// Handshake answers the provider's subscription verification.
func (p *Processor) Handshake(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || p.VerifyToken == "" {
		return "", false
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(p.VerifyToken)) != 1 {
		return "", false
	}
	return challenge, true
}

// VerifySignature checks the X-Hub-Signature-256 header over the raw body.
func (p *Processor) VerifySignature(body []byte, header string) bool {
	return webhooks.VerifyHMAC(p.AppSecret, body, header)
}

// Handle applies one verified webhook body. Item-level failures do not stop
// the remaining items; they are joined into the returned error.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		metrics.InboundEvents.WithLabelValues("envelope", "malformed").Inc()
		return fmt.Errorf("decode webhook envelope: %w", err)
	}
	var errs []error
	for _, entry := range env.Entry {
		for _, ch := range entry.Changes {
			if ch.Field != "" && ch.Field != "messages" {
				continue
			}
			if err := p.handleValue(ctx, ch.Value); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) handleValue(ctx context.Context, v Value) error {
	var errs []error
	if len(v.Messages) > 0 {
		if err := p.handleMessages(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	for _, st := range v.Statuses {
		if err := p.handleStatus(ctx, st); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) handleMessages(ctx context.Context, v Value) error {
	phoneID := v.Metadata.PhoneNumberID
	tenant, err := p.Store.TenantByPhoneNumberID(ctx, phoneID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.InboundEvents.WithLabelValues("message", "unknown_tenant").Add(float64(len(v.Messages)))
			p.Log.Warn("inbound messages for unknown phone number", zap.String("phone_number_id", phoneID))
			return nil
		}
		return fmt.Errorf("resolve tenant for %s: %w", phoneID, err)
	}
	if !tenant.Active() {
		metrics.InboundEvents.WithLabelValues("message", "tenant_inactive").Add(float64(len(v.Messages)))
		p.Log.Warn("inbound messages for inactive tenant", zap.String("tenant", tenant.ID))
		return nil
	}
	var errs []error
	for _, in := range v.Messages {
		if err := p.handleMessage(ctx, tenant, phoneID, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Processor) handleMessage(ctx context.Context, tenant model.Tenant, phoneID string, in InboundMessage) error {
	payload, _ := json.Marshal(in)
	meta := map[string]string{"type": in.Type}
	if in.Context != nil && in.Context.ID != "" {
		meta["replyTo"] = in.Context.ID
	}
	msg, created, err := p.Store.UpsertInboundMessage(ctx, model.Message{
		TenantID:   tenant.ID,
		Channel:    model.ChannelWhatsApp,
		ProviderID: in.ID,
		From:       in.From,
		To:         phoneID,
		Payload:    payload,
		Metadata:   meta,
	})
	if err != nil {
		metrics.InboundEvents.WithLabelValues("message", "error").Inc()
		return fmt.Errorf("store inbound message %s: %w", in.ID, err)
	}
	if !created {
		metrics.InboundEvents.WithLabelValues("message", "duplicate").Inc()
		p.Log.Debug("inbound message redelivered", zap.String("tenant", tenant.ID), zap.String("provider_id", in.ID))
		return nil
	}
	metrics.InboundEvents.WithLabelValues("message", "stored").Inc()

	event, data, ok := interaction(in)
	if !ok {
		return nil
	}
	data["messageId"] = msg.ID
	data["providerId"] = in.ID
	data["from"] = in.From
	if in.Context != nil && in.Context.ID != "" {
		data["replyTo"] = in.Context.ID
	}
	metrics.InboundEvents.WithLabelValues("interaction", event).Inc()
	p.Events.Emit(ctx, tenant.ID, event, data)
	return nil
}

// interaction maps a reply to an interactive message onto a partner event.
func interaction(in InboundMessage) (string, map[string]any, bool) {
	switch {
	case in.Interactive != nil && in.Interactive.ButtonReply != nil:
		r := in.Interactive.ButtonReply
		return model.EventButtonClicked, map[string]any{"id": r.ID, "title": r.Title}, true
	case in.Interactive != nil && in.Interactive.ListReply != nil:
		r := in.Interactive.ListReply
		return model.EventListSelected, map[string]any{"id": r.ID, "title": r.Title, "description": r.Description}, true
	case in.Type == "button" && in.Button != nil:
		return model.EventButtonClicked, map[string]any{"id": in.Button.Payload, "title": in.Button.Text}, true
	}
	return "", nil, false
}

func (p *Processor) handleStatus(ctx context.Context, st Status) error {
	to, ok := model.ParseState(st.Status)
	if !ok {
		metrics.InboundEvents.WithLabelValues("status", "unknown_status").Inc()
		p.Log.Debug("ignoring provider status", zap.String("status", st.Status), zap.String("provider_id", st.ID))
		return nil
	}
	lastErr := ""
	if len(st.Errors) > 0 {
		e := st.Errors[0]
		lastErr = fmt.Sprintf("%d: %s", e.Code, e.Title)
		if e.Message != "" {
			lastErr += ": " + e.Message
		}
	}
	msg, changed, err := p.Store.ApplyStatus(ctx, st.ID, to, lastErr)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.InboundEvents.WithLabelValues("status", "unknown_message").Inc()
			p.Log.Debug("status for unknown message", zap.String("provider_id", st.ID))
			return nil
		}
		metrics.InboundEvents.WithLabelValues("status", "error").Inc()
		return fmt.Errorf("apply status %s to %s: %w", st.Status, st.ID, err)
	}
	if !changed {
		metrics.InboundEvents.WithLabelValues("status", "ignored").Inc()
		p.Log.Debug("status does not move message forward",
			zap.String("provider_id", st.ID), zap.String("current", string(msg.State)), zap.String("status", st.Status))
		return nil
	}
	metrics.InboundEvents.WithLabelValues("status", "applied").Inc()
	if event, ok := model.EventForState(msg.State); ok {
		data := map[string]any{"messageId": msg.ID, "providerId": msg.ProviderID, "state": string(msg.State), "to": msg.To}
		if msg.LastError != "" && msg.State == model.StateFailed {
			data["error"] = msg.LastError
		}
		p.Events.Emit(ctx, msg.TenantID, event, data)
	}
	return nil
}
