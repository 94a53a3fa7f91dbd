//go:build postgres_integration

package store

import (
	"os"
	"testing"

	"garagemsg/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Ping(t.Context()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}

	ctx := t.Context()
	msg, err := p.EnqueueOutbound(ctx, model.Message{TenantID: "t_it", To: "+5511999990001", Payload: []byte(`{"type":"text"}`)})
	if err != nil {
		t.Fatalf("EnqueueOutbound: %v", err)
	}
	if _, err := p.MarkSent(ctx, msg.ID, "wamid.it-"+msg.ID, 1); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if _, changed, err := p.ApplyStatus(ctx, "wamid.it-"+msg.ID, model.StateDelivered, ""); err != nil || !changed {
		t.Fatalf("ApplyStatus delivered: changed=%v err=%v", changed, err)
	}
	got, changed, err := p.ApplyStatus(ctx, "wamid.it-"+msg.ID, model.StateSent, "")
	if err != nil || changed || got.State != model.StateDelivered {
		t.Fatalf("backward move must be ignored: state=%s changed=%v err=%v", got.State, changed, err)
	}
}
