package inbound

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"garagemsg/internal/apperr"
)

const (
	HeaderSignature = "X-Hub-Signature-256"
	maxBodyBytes    = 1 << 20
)

func firstQuery(r *http.Request, keys ...string) string {
	q := r.URL.Query()
	for _, k := range keys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// VerifyHandler serves GET /webhooks/inbound.
func (p *Processor) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	challenge, ok := p.Handshake(
		firstQuery(r, "hub.mode", "mode"),
		firstQuery(r, "hub.verify_token", "verify_token"),
		firstQuery(r, "hub.challenge", "challenge"),
	)
	if !ok {
		apperr.WriteProblem(w, http.StatusForbidden, apperr.Unauthorized, "Forbidden", "verification failed", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

// ReceiveHandler serves POST /webhooks/inbound. The body is verified against
// the exact bytes received, acknowledged, then processed in the background.
func (p *Processor) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		p.Log.Error("read inbound webhook body", zap.Error(err))
		apperr.WriteProblem(w, http.StatusInternalServerError, apperr.Internal, "Internal error", "", r.URL.Path)
		return
	}
	if !p.VerifySignature(body, r.Header.Get(HeaderSignature)) {
		apperr.WriteProblem(w, http.StatusUnauthorized, apperr.Unauthorized, "Unauthorized", "", r.URL.Path)
		return
	}
	task := func(ctx context.Context) error { return p.Handle(ctx, body) }
	if p.Exec == nil {
		if err := task(context.WithoutCancel(r.Context())); err != nil {
			p.Log.Error("process inbound webhook", zap.Error(err))
		}
	} else if !p.Exec.Submit("inbound", task) {
		// shutting down or saturated; the provider will redeliver
		apperr.WriteProblem(w, http.StatusServiceUnavailable, apperr.Internal, "Unavailable", "", r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusOK)
}
