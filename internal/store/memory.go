package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"garagemsg/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu         sync.Mutex
	tenants    map[string]model.Tenant         // id -> tenant
	byPhone    map[string]string               // phone number id -> tenant id
	msgs       map[string]*model.Message       // id -> message
	byProvider map[string]string               // provider id -> message id
	jobs       map[string]*model.OutboundJob   // message id -> pending job
	subs       map[string][]model.Subscription // tenant -> subscriptions
	dead       map[string][]model.DeadLetter   // tenant -> dead letters
	vehicles   map[string]model.Vehicle        // id -> vehicle
	// Now stamps created/updated times; tests replace it.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		tenants:    map[string]model.Tenant{},
		byPhone:    map[string]string{},
		msgs:       map[string]*model.Message{},
		byProvider: map[string]string{},
		jobs:       map[string]*model.OutboundJob{},
		subs:       map[string][]model.Subscription{},
		dead:       map[string][]model.DeadLetter{},
		vehicles:   map[string]model.Vehicle{},
		Now:        time.Now,
	}
}

func (m *Memory) now() time.Time { return m.Now().UTC() }

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) GetTenant(_ context.Context, id string) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return model.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) GetLimits(ctx context.Context, tenantID string) (map[string]int64, error) {
	t, err := m.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(t.Limits))
	for k, v := range t.Limits {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) TenantByPhoneNumberID(_ context.Context, phoneNumberID string) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPhone[phoneNumberID]
	if !ok {
		return model.Tenant{}, ErrNotFound
	}
	return m.tenants[id], nil
}

func (m *Memory) UpsertTenant(_ context.Context, t model.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.tenants[t.ID]; ok && old.PhoneNumberID != "" {
		delete(m.byPhone, old.PhoneNumberID)
	}
	m.tenants[t.ID] = t
	if t.PhoneNumberID != "" {
		m.byPhone[t.PhoneNumberID] = t.ID
	}
	return nil
}

func (m *Memory) GetMessage(_ context.Context, tenantID, id string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[id]
	if !ok || msg.TenantID != tenantID {
		return model.Message{}, ErrNotFound
	}
	return *msg, nil
}

func providerKey(tenantID, providerID string) string { return tenantID + "/" + providerID }

func (m *Memory) UpsertInboundMessage(_ context.Context, in model.Message) (model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ProviderID != "" {
		if id, ok := m.byProvider[providerKey(in.TenantID, in.ProviderID)]; ok {
			return *m.msgs[id], false, nil
		}
	}
	now := m.now()
	msg := in
	msg.ID = uuid.New().String()
	msg.Direction = model.Inbound
	msg.State = model.StateReceived
	msg.CreatedAt, msg.UpdatedAt = now, now
	m.msgs[msg.ID] = &msg
	if msg.ProviderID != "" {
		m.byProvider[providerKey(msg.TenantID, msg.ProviderID)] = msg.ID
	}
	return msg, true, nil
}

// outboundByProvider finds an outbound message by provider id across tenants.
// Provider ids are globally unique. Callers hold mu.
func (m *Memory) outboundByProvider(providerID string) *model.Message {
	for _, msg := range m.msgs {
		if msg.Direction == model.Outbound && msg.ProviderID == providerID {
			return msg
		}
	}
	return nil
}

func (m *Memory) ApplyStatus(_ context.Context, providerID string, to model.State, lastError string) (model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.outboundByProvider(providerID)
	if msg == nil {
		return model.Message{}, false, ErrNotFound
	}
	if !model.CanTransition(msg.State, to) {
		return *msg, false, nil
	}
	msg.State = to
	if lastError != "" {
		msg.LastError = lastError
	}
	msg.UpdatedAt = m.now()
	if msg.State.Terminal() {
		delete(m.jobs, msg.ID)
	}
	return *msg, true, nil
}

func (m *Memory) EnqueueOutbound(_ context.Context, in model.Message) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	msg := in
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Direction = model.Outbound
	msg.State = model.StatePending
	msg.Attempts = 0
	msg.CreatedAt, msg.UpdatedAt = now, now
	m.msgs[msg.ID] = &msg
	m.jobs[msg.ID] = &model.OutboundJob{MessageID: msg.ID, TenantID: msg.TenantID, NextAttemptAt: now}
	return msg, nil
}

func (m *Memory) ClaimDueOutbound(_ context.Context, now time.Time, lease time.Duration, limit int) ([]model.OutboundJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due := []*model.OutboundJob{}
	for _, j := range m.jobs {
		if !j.NextAttemptAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(a, b int) bool { return due[a].NextAttemptAt.Before(due[b].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]model.OutboundJob, 0, len(due))
	for _, j := range due {
		out = append(out, *j)
		j.NextAttemptAt = now.Add(lease)
	}
	return out, nil
}

func (m *Memory) RescheduleOutbound(_ context.Context, messageID string, attempts int, next time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[messageID]
	if !ok {
		return ErrNotFound
	}
	j.Attempts = attempts
	j.NextAttemptAt = next
	if msg := m.msgs[messageID]; msg != nil {
		msg.Attempts = attempts
		msg.LastError = lastError
		msg.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) MarkSent(_ context.Context, messageID, providerID string, attempts int) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[messageID]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	delete(m.jobs, messageID)
	msg.ProviderID = providerID
	msg.Attempts = attempts
	msg.LastError = ""
	if model.CanTransition(msg.State, model.StateSent) {
		msg.State = model.StateSent
	}
	msg.UpdatedAt = m.now()
	return *msg, nil
}

func (m *Memory) MarkFailed(_ context.Context, messageID string, attempts int, lastError string) (model.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.msgs[messageID]
	if !ok {
		return model.Message{}, false, ErrNotFound
	}
	delete(m.jobs, messageID)
	msg.Attempts = attempts
	msg.LastError = lastError
	msg.UpdatedAt = m.now()
	if !model.CanTransition(msg.State, model.StateFailed) {
		return *msg, false, nil
	}
	msg.State = model.StateFailed
	return *msg, true, nil
}

func (m *Memory) CreateSubscription(_ context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		URL:       req.URL,
		Events:    append([]string(nil), req.Events...),
		Secret:    req.Secret,
		Active:    true,
		CreatedAt: m.now(),
	}
	m.subs[tenantID] = append(m.subs[tenantID], s)
	return s, nil
}

func (m *Memory) GetSubscription(_ context.Context, tenantID, id string) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs[tenantID] {
		if s.ID == id {
			return s, nil
		}
	}
	return model.Subscription{}, ErrNotFound
}

func (m *Memory) ActiveSubscriptionsForEvent(_ context.Context, tenantID, event string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		if s.Wants(event) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items, next := page(m.subs[tenantID], cursor, limit, func(s model.Subscription) string { return s.ID })
	return items, next, nil
}

func (m *Memory) DeleteSubscription(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(arr) {
		return ErrNotFound
	}
	m.subs[tenantID] = out
	return nil
}

func (m *Memory) RecordDeadLetter(_ context.Context, dl model.DeadLetter) (model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl.ID = uuid.New().String()
	dl.CreatedAt = m.now()
	m.dead[dl.TenantID] = append(m.dead[dl.TenantID], dl)
	return dl, nil
}

func (m *Memory) GetDeadLetter(_ context.Context, tenantID, id string) (model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dead[tenantID] {
		if d.ID == id {
			return d, nil
		}
	}
	return model.DeadLetter{}, ErrNotFound
}

func (m *Memory) ListDeadLetters(_ context.Context, tenantID, event, cursor string, limit int) ([]model.DeadLetter, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.dead[tenantID]
	if event != "" {
		filtered := make([]model.DeadLetter, 0, len(list))
		for _, d := range list {
			if d.Event == event {
				filtered = append(filtered, d)
			}
		}
		list = filtered
	}
	items, next := page(list, cursor, limit, func(d model.DeadLetter) string { return d.ID })
	return items, next, nil
}

func (m *Memory) DeleteDeadLetter(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.dead[tenantID]
	for i, d := range arr {
		if d.ID == id {
			m.dead[tenantID] = append(arr[:i:i], arr[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) CreateVehicle(_ context.Context, tenantID, plate string) (model.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := model.Vehicle{ID: uuid.New().String(), TenantID: tenantID, Plate: plate, Created: m.now()}
	m.vehicles[v.ID] = v
	return v, nil
}

func (m *Memory) DeleteVehicle(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok || v.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.vehicles, id)
	return nil
}

// page applies the id cursor used by the list endpoints: items after the one
// whose id equals cursor, at most limit of them.
func page[T any](list []T, cursor string, limit int, id func(T) string) ([]T, string) {
	limit = pageSize(limit)
	start := 0
	if cursor != "" {
		for i := range list {
			if id(list[i]) == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]T(nil), list[start:end]...)
	next := ""
	if end < len(list) {
		next = id(list[end-1])
	}
	return items, next
}
