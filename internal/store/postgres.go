package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"garagemsg/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every *.sql file in dir in lexical order. Files must be
// idempotent (CREATE ... IF NOT EXISTS).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
	}
	return nil
}

// Tenants

func (p *Postgres) GetTenant(ctx context.Context, id string) (model.Tenant, error) {
	return p.tenantWhere(ctx, `id=$1`, id)
}

func (p *Postgres) TenantByPhoneNumberID(ctx context.Context, phoneNumberID string) (model.Tenant, error) {
	return p.tenantWhere(ctx, `phone_number_id=$1`, phoneNumberID)
}

func (p *Postgres) tenantWhere(ctx context.Context, where string, arg any) (model.Tenant, error) {
	var t model.Tenant
	var limits []byte
	err := p.db.QueryRowContext(ctx, `SELECT id, plan, status, COALESCE(phone_number_id,''), limits FROM tenants WHERE `+where, arg).
		Scan(&t.ID, &t.Plan, &t.Status, &t.PhoneNumberID, &limits)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	if len(limits) > 0 {
		if err := json.Unmarshal(limits, &t.Limits); err != nil {
			return t, fmt.Errorf("decode tenant limits: %w", err)
		}
	}
	return t, nil
}

func (p *Postgres) GetLimits(ctx context.Context, tenantID string) (map[string]int64, error) {
	t, err := p.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return t.Limits, nil
}

func (p *Postgres) UpsertTenant(ctx context.Context, t model.Tenant) error {
	limits, err := json.Marshal(t.Limits)
	if err != nil {
		return err
	}
	status := t.Status
	if status == "" {
		status = model.TenantActive
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO tenants (id, plan, status, phone_number_id, limits) VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (id) DO UPDATE SET plan=EXCLUDED.plan, status=EXCLUDED.status, phone_number_id=EXCLUDED.phone_number_id, limits=EXCLUDED.limits`,
		t.ID, t.Plan, status, nullIfEmpty(t.PhoneNumberID), string(limits))
	return err
}

// Messages

const messageCols = `id::text, tenant_id, direction, channel, state, COALESCE(provider_id,''), COALESCE(to_addr,''), COALESCE(from_addr,''), payload, metadata, attempts, COALESCE(last_error,''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var payload, meta []byte
	err := row.Scan(&m.ID, &m.TenantID, &m.Direction, &m.Channel, &m.State, &m.ProviderID, &m.To, &m.From,
		&payload, &meta, &m.Attempts, &m.LastError, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return m, ErrNotFound
		}
		return m, err
	}
	if len(payload) > 0 {
		m.Payload = json.RawMessage(payload)
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m.Metadata)
	}
	return m, nil
}

func (p *Postgres) GetMessage(ctx context.Context, tenantID, id string) (model.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Message{}, ErrNotFound
	}
	return scanMessage(p.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE tenant_id=$1 AND id=$2`, tenantID, id))
}

func (p *Postgres) insertMessage(ctx context.Context, q queryer, m model.Message, onConflict string) (model.Message, error) {
	meta, err := metadataJSON(m.Metadata)
	if err != nil {
		return m, err
	}
	return scanMessage(q.QueryRowContext(ctx, `INSERT INTO messages (id, tenant_id, direction, channel, state, provider_id, to_addr, from_addr, payload, metadata, attempts)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,0) `+onConflict+` RETURNING `+messageCols,
		m.ID, m.TenantID, m.Direction, m.Channel, m.State, nullIfEmpty(m.ProviderID), nullIfEmpty(m.To), nullIfEmpty(m.From), rawJSON(m.Payload), meta))
}

func (p *Postgres) UpsertInboundMessage(ctx context.Context, in model.Message) (model.Message, bool, error) {
	in.ID = uuid.New().String()
	in.Direction = model.Inbound
	in.State = model.StateReceived
	if in.Channel == "" {
		in.Channel = model.ChannelWhatsApp
	}
	msg, err := p.insertMessage(ctx, p.db, in, `ON CONFLICT (tenant_id, provider_id) WHERE provider_id IS NOT NULL DO NOTHING`)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return msg, false, err
	}
	// conflict: the provider redelivered a message we already stored
	msg, err = scanMessage(p.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE tenant_id=$1 AND provider_id=$2`, in.TenantID, in.ProviderID))
	return msg, false, err
}

func (p *Postgres) ApplyStatus(ctx context.Context, providerID string, to model.State, lastError string) (model.Message, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	msg, err := scanMessage(tx.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE provider_id=$1 AND direction='outbound' FOR UPDATE`, providerID))
	if err != nil {
		return msg, false, err
	}
	if !model.CanTransition(msg.State, to) {
		return msg, false, nil
	}
	err = tx.QueryRowContext(ctx, `UPDATE messages SET state=$2, last_error=COALESCE($3, last_error), updated_at=now() WHERE id=$1 RETURNING updated_at`,
		msg.ID, to, nullIfEmpty(lastError)).Scan(&msg.UpdatedAt)
	if err != nil {
		return msg, false, err
	}
	if to.Terminal() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbound_jobs WHERE message_id=$1`, msg.ID); err != nil {
			return msg, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return msg, false, err
	}
	msg.State = to
	if lastError != "" {
		msg.LastError = lastError
	}
	return msg, true, nil
}

// Outbound queue

func (p *Postgres) EnqueueOutbound(ctx context.Context, in model.Message) (model.Message, error) {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	in.Direction = model.Outbound
	in.State = model.StatePending
	if in.Channel == "" {
		in.Channel = model.ChannelWhatsApp
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return in, err
	}
	defer func() { _ = tx.Rollback() }()
	msg, err := p.insertMessage(ctx, tx, in, "")
	if err != nil {
		return in, err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbound_jobs (message_id, tenant_id, attempts, next_attempt_at) VALUES ($1,$2,0,now())`, msg.ID, msg.TenantID); err != nil {
		return in, err
	}
	if err := tx.Commit(); err != nil {
		return in, err
	}
	return msg, nil
}

func (p *Postgres) ClaimDueOutbound(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]model.OutboundJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE outbound_jobs j SET next_attempt_at=$2
        FROM (SELECT message_id FROM outbound_jobs WHERE next_attempt_at <= $1 ORDER BY next_attempt_at LIMIT $3 FOR UPDATE SKIP LOCKED) due
        WHERE j.message_id = due.message_id
        RETURNING j.message_id::text, j.tenant_id, j.attempts`, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OutboundJob{}
	for rows.Next() {
		j := model.OutboundJob{NextAttemptAt: now}
		if err := rows.Scan(&j.MessageID, &j.TenantID, &j.Attempts); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (p *Postgres) RescheduleOutbound(ctx context.Context, messageID string, attempts int, next time.Time, lastError string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `UPDATE outbound_jobs SET attempts=$2, next_attempt_at=$3 WHERE message_id=$1`, messageID, attempts, next)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET attempts=$2, last_error=$3, updated_at=now() WHERE id=$1`, messageID, attempts, nullIfEmpty(lastError)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) MarkSent(ctx context.Context, messageID, providerID string, attempts int) (model.Message, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbound_jobs WHERE message_id=$1`, messageID); err != nil {
		return model.Message{}, err
	}
	msg, err := scanMessage(tx.QueryRowContext(ctx, `UPDATE messages SET provider_id=$2, attempts=$3, last_error=NULL,
        state=CASE WHEN state='pending' THEN 'sent' ELSE state END, updated_at=now()
        WHERE id=$1 RETURNING `+messageCols, messageID, providerID, attempts))
	if err != nil {
		return msg, err
	}
	return msg, tx.Commit()
}

func (p *Postgres) MarkFailed(ctx context.Context, messageID string, attempts int, lastError string) (model.Message, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Message{}, false, err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM outbound_jobs WHERE message_id=$1`, messageID); err != nil {
		return model.Message{}, false, err
	}
	var prev model.State
	if err := tx.QueryRowContext(ctx, `SELECT state FROM messages WHERE id=$1 FOR UPDATE`, messageID).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, false, ErrNotFound
		}
		return model.Message{}, false, err
	}
	changed := model.CanTransition(prev, model.StateFailed)
	next := prev
	if changed {
		next = model.StateFailed
	}
	msg, err := scanMessage(tx.QueryRowContext(ctx, `UPDATE messages SET state=$2, attempts=$3, last_error=$4, updated_at=now() WHERE id=$1 RETURNING `+messageCols,
		messageID, next, attempts, nullIfEmpty(lastError)))
	if err != nil {
		return msg, false, err
	}
	return msg, changed, tx.Commit()
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, tenantID string, req model.SubscriptionRequest) (model.Subscription, error) {
	s := model.Subscription{ID: uuid.New().String(), TenantID: tenantID, URL: req.URL, Events: req.Events, Secret: req.Secret, Active: true}
	ev, _ := json.Marshal(req.Events)
	err := p.db.QueryRowContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret, active) VALUES ($1,$2,$3,$4,$5,true) RETURNING created_at`,
		s.ID, tenantID, req.URL, string(ev), req.Secret).Scan(&s.CreatedAt)
	if err != nil {
		return model.Subscription{}, err
	}
	return s, nil
}

const subscriptionCols = `id::text, tenant_id, url, events, secret, active, created_at`

func scanSubscription(row rowScanner) (model.Subscription, error) {
	var s model.Subscription
	var ev []byte
	if err := row.Scan(&s.ID, &s.TenantID, &s.URL, &ev, &s.Secret, &s.Active, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, ErrNotFound
		}
		return s, err
	}
	_ = json.Unmarshal(ev, &s.Events)
	return s, nil
}

func (p *Postgres) GetSubscription(ctx context.Context, tenantID, id string) (model.Subscription, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Subscription{}, ErrNotFound
	}
	return scanSubscription(p.db.QueryRowContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id))
}

func (p *Postgres) ActiveSubscriptionsForEvent(ctx context.Context, tenantID, event string) ([]model.Subscription, error) {
	ev, _ := json.Marshal([]string{event})
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE tenant_id=$1 AND active AND events @> $2::jsonb`, tenantID, string(ev))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	limit = pageSize(limit)
	rows, err := p.db.QueryContext(ctx, `SELECT `+subscriptionCols+` FROM subscriptions WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	return p.deleteScoped(ctx, "subscriptions", tenantID, id)
}

// Dead letters

const deadLetterCols = `id::text, tenant_id, COALESCE(subscription_id::text,''), event, url, payload, COALESCE(last_error,''), COALESCE(response_code,0), created_at`

func scanDeadLetter(row rowScanner) (model.DeadLetter, error) {
	var d model.DeadLetter
	var payload []byte
	if err := row.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.Event, &d.URL, &payload, &d.LastError, &d.ResponseCode, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, ErrNotFound
		}
		return d, err
	}
	d.Payload = json.RawMessage(payload)
	return d, nil
}

func (p *Postgres) RecordDeadLetter(ctx context.Context, dl model.DeadLetter) (model.DeadLetter, error) {
	dl.ID = uuid.New().String()
	err := p.db.QueryRowContext(ctx, `INSERT INTO webhook_dead_letters (id, tenant_id, subscription_id, event, url, payload, last_error, response_code)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
		dl.ID, dl.TenantID, nullIfEmpty(dl.SubscriptionID), dl.Event, dl.URL, rawJSON(dl.Payload), nullIfEmpty(dl.LastError), dl.ResponseCode).Scan(&dl.CreatedAt)
	return dl, err
}

func (p *Postgres) GetDeadLetter(ctx context.Context, tenantID, id string) (model.DeadLetter, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.DeadLetter{}, ErrNotFound
	}
	return scanDeadLetter(p.db.QueryRowContext(ctx, `SELECT `+deadLetterCols+` FROM webhook_dead_letters WHERE tenant_id=$1 AND id=$2`, tenantID, id))
}

func (p *Postgres) ListDeadLetters(ctx context.Context, tenantID, event, cursor string, limit int) ([]model.DeadLetter, string, error) {
	limit = pageSize(limit)
	q := `SELECT ` + deadLetterCols + ` FROM webhook_dead_letters WHERE tenant_id=$1 AND id::text > $2`
	args := []any{tenantID, cursor}
	if event != "" {
		q += ` AND event=$3 ORDER BY id LIMIT $4`
		args = append(args, event, limit)
	} else {
		q += ` ORDER BY id LIMIT $3`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.DeadLetter{}
	var last string
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, d)
		last = d.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteDeadLetter(ctx context.Context, tenantID, id string) error {
	return p.deleteScoped(ctx, "webhook_dead_letters", tenantID, id)
}

// Vehicles

func (p *Postgres) CreateVehicle(ctx context.Context, tenantID, plate string) (model.Vehicle, error) {
	v := model.Vehicle{ID: uuid.New().String(), TenantID: tenantID, Plate: plate}
	err := p.db.QueryRowContext(ctx, `INSERT INTO vehicles (id, tenant_id, plate) VALUES ($1,$2,$3) RETURNING created_at`, v.ID, tenantID, plate).Scan(&v.Created)
	return v, err
}

func (p *Postgres) DeleteVehicle(ctx context.Context, tenantID, id string) error {
	return p.deleteScoped(ctx, "vehicles", tenantID, id)
}

func (p *Postgres) deleteScoped(ctx context.Context, table, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func rawJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func metadataJSON(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
