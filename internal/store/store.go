package store

import (
	"context"
	"errors"
	"time"

	"garagemsg/internal/model"
)

// Store is the persistence interface used by the API server and the workers.
// Every method is tenant-scoped except the queue and provider-id lookups, which
// run on behalf of the system.
type Store interface {
	// Tenants
	GetTenant(ctx context.Context, id string) (model.Tenant, error)
	GetLimits(ctx context.Context, tenantID string) (map[string]int64, error)
	TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (model.Tenant, error)
	UpsertTenant(ctx context.Context, t model.Tenant) error

	// Messages
	GetMessage(ctx context.Context, tenantID, id string) (model.Message, error)
	// UpsertInboundMessage inserts a received message unless one with the same
	// provider id already exists for the tenant.
	UpsertInboundMessage(ctx context.Context, m model.Message) (msg model.Message, created bool, err error)
	// ApplyStatus moves the outbound message with providerID forward on the
	// state ladder. changed is false when the move would go backward.
	ApplyStatus(ctx context.Context, providerID string, to model.State, lastError string) (msg model.Message, changed bool, err error)

	// Outbound queue
	EnqueueOutbound(ctx context.Context, m model.Message) (model.Message, error)
	// ClaimDueOutbound returns jobs due at now and pushes their next attempt
	// out by lease so concurrent workers do not pick them up twice.
	ClaimDueOutbound(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.OutboundJob, error)
	RescheduleOutbound(ctx context.Context, messageID string, attempts int, next time.Time, lastError string) error
	MarkSent(ctx context.Context, messageID, providerID string, attempts int) (model.Message, error)
	MarkFailed(ctx context.Context, messageID string, attempts int, lastError string) (msg model.Message, changed bool, err error)

	// Subscriptions
	CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error)
	ActiveSubscriptionsForEvent(ctx context.Context, tenantID, event string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Dead letters
	RecordDeadLetter(ctx context.Context, dl model.DeadLetter) (model.DeadLetter, error)
	GetDeadLetter(ctx context.Context, tenantID, id string) (model.DeadLetter, error)
	ListDeadLetters(ctx context.Context, tenantID, event, cursor string, limit int) ([]model.DeadLetter, string, error)
	DeleteDeadLetter(ctx context.Context, tenantID, id string) error

	// Vehicles
	CreateVehicle(ctx context.Context, tenantID, plate string) (model.Vehicle, error)
	DeleteVehicle(ctx context.Context, tenantID, id string) error

	Ping(ctx context.Context) error
}

var ErrNotFound = errors.New("not found")

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func pageSize(limit int) int {
	if limit <= 0 || limit > maxPageSize {
		return defaultPageSize
	}
	return limit
}
