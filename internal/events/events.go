// Package events carries domain events from the components that observe them
// (dispatch worker, inbound processor) to the partner webhook dispatcher and
// the live websocket feed.
package events

import (
	"context"
	"time"
)

type Event struct {
	Type     string         `json:"type"`
	TenantID string         `json:"tenantId"`
	Data     map[string]any `json:"data"`
	At       time.Time      `json:"at"`
}

// Emitter receives domain events. Implementations must not block on network
// I/O for longer than the caller's context allows.
type Emitter interface {
	Emit(ctx context.Context, tenantID, event string, data map[string]any)
}

type EmitterFunc func(ctx context.Context, tenantID, event string, data map[string]any)

func (f EmitterFunc) Emit(ctx context.Context, tenantID, event string, data map[string]any) {
	f(ctx, tenantID, event, data)
}

// Multi fans an event out to every emitter in order.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, tenantID, event string, data map[string]any) {
	for _, e := range m {
		if e != nil {
			e.Emit(ctx, tenantID, event, data)
		}
	}
}

// Nop discards events.
var Nop Emitter = EmitterFunc(func(context.Context, string, string, map[string]any) {})

// Broker is the live feed of a tenant's events.
type Broker interface {
	Subscribe(tenantID string) chan Event
	Unsubscribe(tenantID string, ch chan Event)
	Publish(tenantID string, evt Event)
}

// Publisher adapts a Broker to Emitter.
type Publisher struct {
	Broker Broker
	Now    func() time.Time
}

func (p Publisher) Emit(_ context.Context, tenantID, event string, data map[string]any) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	p.Broker.Publish(tenantID, Event{Type: event, TenantID: tenantID, Data: data, At: now().UTC()})
}
