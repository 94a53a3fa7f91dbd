package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"garagemsg/internal/apperr"
	"garagemsg/internal/auth"
	"garagemsg/internal/buildinfo"
	"garagemsg/internal/model"
)

// sendMessage handles POST /v1/messages.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	tenant := auth.TenantOf(r)
	var req model.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, err)
		return
	}
	if err := validateSend(&req); err != nil {
		apperr.Write(w, r, err)
		return
	}
	payload, _ := json.Marshal(req)
	msg, err := s.Queue.Enqueue(r.Context(), model.Message{
		TenantID: tenant,
		To:       req.To,
		Payload:  payload,
		Metadata: req.Metadata,
	})
	if err != nil {
		apperr.Write(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/messages/"+msg.ID)
	writeJSON(w, http.StatusAccepted, msg)
}

func validateSend(req *model.SendRequest) error {
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		return apperr.New(apperr.InvalidRequest, "to is required")
	}
	switch req.Type {
	case "", "text":
		req.Type = "text"
		if strings.TrimSpace(req.Text) == "" {
			return apperr.New(apperr.InvalidRequest, "text is required for text messages")
		}
	case "template":
		if req.Template == nil || req.Template.Name == "" || req.Template.Language == "" {
			return apperr.New(apperr.InvalidRequest, "template name and language are required")
		}
	default:
		return apperr.New(apperr.InvalidRequest, "type must be text or template")
	}
	return nil
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.Store.GetMessage(r.Context(), auth.TenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, r, storeErr(err, "message"))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// resendMessage queues a copy of a failed message; it counts as a new send.
func (s *Server) resendMessage(w http.ResponseWriter, r *http.Request) {
	tenant := auth.TenantOf(r)
	msg, err := s.Queue.Resend(r.Context(), tenant, chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/messages/"+msg.ID)
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) createVehicle(w http.ResponseWriter, r *http.Request) {
	tenant := auth.TenantOf(r)
	var req struct {
		Plate string `json:"plate"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, err)
		return
	}
	plate := strings.ToUpper(strings.TrimSpace(req.Plate))
	if plate == "" {
		apperr.Write(w, r, apperr.New(apperr.InvalidRequest, "plate is required"))
		return
	}
	if err := s.activeTenant(r.Context(), tenant); err != nil {
		apperr.Write(w, r, err)
		return
	}
	if err := s.Governor.RequireQuota(r.Context(), tenant, model.ResourcePlates); err != nil {
		apperr.Write(w, r, err)
		return
	}
	v, err := s.Store.CreateVehicle(r.Context(), tenant, plate)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "create vehicle", err))
		return
	}
	w.Header().Set("Location", "/v1/vehicles/"+v.ID)
	writeJSON(w, http.StatusCreated, v)
}

// activeTenant rejects unknown and suspended tenants before a quota unit is
// spent on their behalf.
func (s *Server) activeTenant(ctx context.Context, id string) error {
	t, err := s.Store.GetTenant(ctx, id)
	if err != nil {
		return storeErr(err, "tenant")
	}
	if !t.Active() {
		return apperr.New(apperr.Unauthorized, "tenant is suspended")
	}
	return nil
}

func (s *Server) deleteVehicle(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteVehicle(r.Context(), auth.TenantOf(r), chi.URLParam(r, "id")); err != nil {
		apperr.Write(w, r, storeErr(err, "vehicle"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// createdSubscription exposes the signing secret in the create response only.
type createdSubscription struct {
	model.Subscription
	Secret string `json:"secret"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req model.SubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, err)
		return
	}
	sub, err := s.Webhooks.Subscribe(r.Context(), auth.TenantOf(r), req)
	if err != nil {
		apperr.Write(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/webhooks/"+sub.ID)
	writeJSON(w, http.StatusCreated, createdSubscription{Subscription: sub, Secret: sub.Secret})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListSubscriptions(r.Context(), auth.TenantOf(r), cursor, limit)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "list subscriptions", err))
		return
	}
	writeJSON(w, http.StatusOK, page[model.Subscription]{Items: items, NextCursor: next})
}

func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteSubscription(r.Context(), auth.TenantOf(r), chi.URLParam(r, "id")); err != nil {
		apperr.Write(w, r, storeErr(err, "subscription"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	cursor, limit := pageParams(r)
	items, next, err := s.Store.ListDeadLetters(r.Context(), auth.TenantOf(r), r.URL.Query().Get("event"), cursor, limit)
	if err != nil {
		apperr.Write(w, r, apperr.Wrap(apperr.Internal, "list dead letters", err))
		return
	}
	writeJSON(w, http.StatusOK, page[model.DeadLetter]{Items: items, NextCursor: next})
}

// redeliverDeadLetter reports the partner's answer; a rejected redelivery is
// not an error of this request and keeps the dead letter.
func (s *Server) redeliverDeadLetter(w http.ResponseWriter, r *http.Request) {
	res, err := s.Webhooks.Redeliver(r.Context(), auth.TenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		apperr.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

var collaboratorEvents = map[string]bool{
	model.EventOrderUpdated:   true,
	model.EventOrderApproved:  true,
	model.EventOrderCompleted: true,
}

// publishEvent lets the order service fan its events out to partners and the
// live feed.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		apperr.Write(w, r, err)
		return
	}
	if !collaboratorEvents[req.Event] {
		apperr.Write(w, r, apperr.New(apperr.InvalidRequest, "event must be one of order.updated, order.approved, order.completed"))
		return
	}
	if req.Data == nil {
		req.Data = map[string]any{}
	}
	s.Emitter.Emit(r.Context(), auth.TenantOf(r), req.Event, req.Data)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ready checks the store and, when it is remote, the counter store.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.Log.Warn("readiness: store", zap.Error(err))
		apperr.WriteProblem(w, http.StatusServiceUnavailable, apperr.Internal, "Not Ready", "store unavailable", r.URL.Path)
		return
	}
	type pinger interface{ Ping(ctx context.Context) error }
	if p, ok := s.Counter.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			s.Log.Warn("readiness: counter store", zap.Error(err))
			apperr.WriteProblem(w, http.StatusServiceUnavailable, apperr.Internal, "Not Ready", "counter store unavailable", r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
