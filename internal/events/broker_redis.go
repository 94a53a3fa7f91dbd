package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBroker implements Broker over Redis Pub/Sub so every API replica
// sees every tenant's events.
type RedisBroker struct {
	rdb *redis.Client
	log *zap.Logger

	mu  sync.Mutex
	pss map[chan Event]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, log *zap.Logger) *RedisBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBroker{rdb: rdb, log: log.With(zap.String("component", "broker")), pss: map[chan Event]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(tenantID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(tenantID))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		b.log.Warn("redis subscribe", zap.String("tenant", tenantID), zap.Error(err))
	}
	b.mu.Lock()
	b.pss[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying PubSub; the relay goroutine then closes ch.
func (b *RedisBroker) Unsubscribe(_ string, ch chan Event) {
	b.mu.Lock()
	ps, ok := b.pss[ch]
	delete(b.pss, ch)
	b.mu.Unlock()
	if ok {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(tenantID string, evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	if err := b.rdb.Publish(ctx, chanName(tenantID), data).Err(); err != nil {
		b.log.Warn("redis publish", zap.String("tenant", tenantID), zap.String("event", evt.Type), zap.Error(err))
	}
}

func chanName(tenantID string) string { return "events:" + tenantID }
