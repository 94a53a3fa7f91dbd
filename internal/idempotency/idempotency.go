// Package idempotency deduplicates retried mutating requests by a
// client-supplied key. A key is claimed with an atomic set-if-absent before
// the business logic runs; the completed response is then replayed verbatim
// until the record expires. Records are never invalidated explicitly.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"garagemsg/internal/counter"
)

const (
	DefaultTTL      = 24 * time.Hour
	DefaultClaimTTL = 5 * time.Minute
)

const (
	statePending  = "pending"
	stateComplete = "complete"
)

// Response is the cached outcome of the first execution.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

type record struct {
	State string `json:"state"`
	Response
}

// Result of Begin. Exactly one of Claimed, Duplicate or InFlight is set.
type Result struct {
	Claimed   bool
	Duplicate bool
	InFlight  bool
	Response  *Response
}

type Cache struct {
	Store counter.Store
	// TTL bounds how long a completed response is replayed.
	TTL time.Duration
	// ClaimTTL bounds how long an unfinished claim blocks retries.
	ClaimTTL time.Duration
	Log      *zap.Logger
}

func New(store counter.Store, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{Store: store, TTL: DefaultTTL, ClaimTTL: DefaultClaimTTL, Log: log.With(zap.String("component", "idempotency"))}
}

func storeKey(tenantID, key string) string { return "idem:" + tenantID + ":" + key }

// Begin claims (tenantID, key) or reports the state of an earlier claim.
// Callers should treat an error as "proceed without dedup".
func (c *Cache) Begin(ctx context.Context, tenantID, key string) (Result, error) {
	sk := storeKey(tenantID, key)
	pending, _ := json.Marshal(record{State: statePending})
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := c.Store.SetNX(ctx, sk, pending, c.claimTTL())
		if err != nil {
			return Result{}, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return Result{Claimed: true}, nil
		}
		raw, err := c.Store.Get(ctx, sk)
		if errors.Is(err, counter.ErrNotFound) {
			// expired between SetNX and Get; claim again
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("load idempotency record: %w", err)
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Result{}, fmt.Errorf("decode idempotency record: %w", err)
		}
		if rec.State == stateComplete {
			resp := rec.Response
			return Result{Duplicate: true, Response: &resp}, nil
		}
		return Result{InFlight: true}, nil
	}
	return Result{}, errors.New("claim idempotency key: record kept expiring")
}

// Complete stores the response for replay.
func (c *Cache) Complete(ctx context.Context, tenantID, key string, resp Response) error {
	raw, err := json.Marshal(record{State: stateComplete, Response: resp})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := c.Store.Set(ctx, storeKey(tenantID, key), raw, c.ttl()); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// Release drops an unfinished claim so the client may retry.
func (c *Cache) Release(ctx context.Context, tenantID, key string) error {
	return c.Store.Del(ctx, storeKey(tenantID, key))
}

func (c *Cache) ttl() time.Duration {
	if c.TTL > 0 {
		return c.TTL
	}
	return DefaultTTL
}

func (c *Cache) claimTTL() time.Duration {
	if c.ClaimTTL > 0 {
		return c.ClaimTTL
	}
	return DefaultClaimTTL
}
