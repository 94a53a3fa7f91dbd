// Package dispatch is the outbound message queue: handlers enqueue and return
// immediately, a polling worker sends through the provider with bounded
// exponential retry.
package dispatch

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"garagemsg/internal/apperr"
	"garagemsg/internal/model"
	"garagemsg/internal/store"
)

type Queue struct {
	Store store.Store
	// Quota, when set, is charged once a message is known to be sendable and
	// before it is stored. A rejected or invalid message never uses a unit.
	Quota func(ctx context.Context, tenantID string) error
	Log   *zap.Logger
}

func NewQueue(s store.Store, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{Store: s, Log: log.With(zap.String("component", "dispatch"))}
}

// Enqueue stores msg as pending with a job due now. The sending account is
// the tenant's provider phone number.
func (q *Queue) Enqueue(ctx context.Context, msg model.Message) (model.Message, error) {
	msg.To = strings.TrimSpace(msg.To)
	if msg.TenantID == "" || msg.To == "" {
		return msg, apperr.New(apperr.InvalidRequest, "tenant and recipient are required")
	}
	if msg.From == "" {
		t, err := q.Store.GetTenant(ctx, msg.TenantID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return msg, apperr.New(apperr.NotFound, "tenant not found")
			}
			return msg, apperr.Wrap(apperr.Internal, "load tenant", err)
		}
		if !t.Active() {
			return msg, apperr.New(apperr.Unauthorized, "tenant is suspended")
		}
		if t.PhoneNumberID == "" {
			return msg, apperr.New(apperr.InvalidRequest, "tenant has no messaging account")
		}
		msg.From = t.PhoneNumberID
	}
	if msg.Channel == "" {
		msg.Channel = model.ChannelWhatsApp
	}
	if q.Quota != nil {
		if err := q.Quota(ctx, msg.TenantID); err != nil {
			return msg, err
		}
	}
	out, err := q.Store.EnqueueOutbound(ctx, msg)
	if err != nil {
		return msg, apperr.Wrap(apperr.Internal, "enqueue message", err)
	}
	q.Log.Debug("message enqueued", zap.String("tenant", out.TenantID), zap.String("message", out.ID))
	return out, nil
}

// Resend queues a copy of a failed message. The failed message keeps its
// terminal state; the copy references it in metadata.
func (q *Queue) Resend(ctx context.Context, tenantID, id string) (model.Message, error) {
	orig, err := q.Store.GetMessage(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Message{}, apperr.New(apperr.NotFound, "message not found")
		}
		return model.Message{}, apperr.Wrap(apperr.Internal, "load message", err)
	}
	if orig.Direction != model.Outbound || orig.State != model.StateFailed {
		return orig, apperr.New(apperr.Conflict, "only failed outbound messages can be resent")
	}
	meta := map[string]string{}
	for k, v := range orig.Metadata {
		meta[k] = v
	}
	meta["resendOf"] = orig.ID
	return q.Enqueue(ctx, model.Message{
		TenantID: tenantID,
		Channel:  orig.Channel,
		To:       orig.To,
		From:     orig.From,
		Payload:  orig.Payload,
		Metadata: meta,
	})
}
