package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garagemsg/internal/config"
	"garagemsg/internal/idempotency"
	"garagemsg/internal/inbound"
	"garagemsg/internal/model"
	"garagemsg/internal/webhooks"
)

const appSecret = "app-secret"

type testServer struct {
	*Server
	URL string
}

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Tenants = []model.Tenant{
		{ID: "t1", Plan: "free", PhoneNumberID: "1001"},
		{ID: "t2", Plan: "pro", PhoneNumberID: "2002"},
	}
	cfg.Webhook.AppSecret = appSecret
	cfg.Webhook.VerifyToken = "verify-me"
	cfg.Dispatch.PollInterval = 10 * time.Millisecond
	cfg.Dispatch.SendRate = 0
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(context.Background(), cfg, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return &testServer{Server: s, URL: srv.URL}
}

func (ts *testServer) do(t *testing.T, method, path, tenant string, body any, hdr ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set("X-Tenant-Id", tenant)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return b
}

func problemCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var p struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &p))
	return p.Code
}

func textSend(to string) model.SendRequest {
	return model.SendRequest{To: to, Type: "text", Text: "Your car is ready for pickup"}
}

func TestHealthReady(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/readyz", "", nil).StatusCode)

	resp := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(readBody(t, resp)), "http_requests_total")
}

func TestRequiresTenant(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/v1/messages", "", textSend("+5511999990001"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSendMessageIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	key := uuid.NewString()

	first := ts.do(t, http.MethodPost, "/v1/messages", "t1", textSend("+5511999990001"), idempotency.HeaderKey, key)
	require.Equal(t, http.StatusAccepted, first.StatusCode)
	firstBody := readBody(t, first)
	var msg model.Message
	require.NoError(t, json.Unmarshal(firstBody, &msg))
	assert.Equal(t, model.StatePending, msg.State)
	assert.Equal(t, "1001", msg.From)
	assert.Equal(t, "/v1/messages/"+msg.ID, first.Header.Get("Location"))

	again := ts.do(t, http.MethodPost, "/v1/messages", "t1", textSend("+5511999990001"), idempotency.HeaderKey, key)
	assert.Equal(t, http.StatusAccepted, again.StatusCode)
	assert.Equal(t, "true", again.Header.Get(idempotency.HeaderReplayed))
	assert.Equal(t, firstBody, readBody(t, again))
	assert.Equal(t, first.Header.Get("Location"), again.Header.Get("Location"))

	other := ts.do(t, http.MethodPost, "/v1/messages", "t2", textSend("+5511999990001"), idempotency.HeaderKey, key)
	assert.Equal(t, http.StatusAccepted, other.StatusCode)
	assert.Empty(t, other.Header.Get(idempotency.HeaderReplayed), "keys are tenant-scoped")

	bad := ts.do(t, http.MethodPost, "/v1/messages", "t1", textSend("+5511999990001"), idempotency.HeaderKey, "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestSendMessageValidation(t *testing.T) {
	ts := newTestServer(t)
	for name, body := range map[string]any{
		"no recipient":   model.SendRequest{Type: "text", Text: "hi"},
		"no text":        model.SendRequest{To: "+1", Type: "text"},
		"bad type":       model.SendRequest{To: "+1", Type: "video"},
		"template name":  model.SendRequest{To: "+1", Type: "template", Template: &model.TemplateRef{Language: "pt_BR"}},
		"unknown field":  `{"to":"+1","text":"hi","priority":"high"}`,
		"malformed json": `{"to":`,
	} {
		t.Run(name, func(t *testing.T) {
			resp := ts.do(t, http.MethodPost, "/v1/messages", "t1", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "invalid_request", problemCode(t, resp))
		})
	}
}

func TestRecipientRateLimit(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.RateLimits[config.ClassMessagesRecipient] = config.RateLimit{Limit: 2, Window: time.Minute}
	})
	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/messages", "t2", textSend("+5511999990001"))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	resp := ts.do(t, http.MethodPost, "/v1/messages", "t2", textSend("+5511999990001"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "rate_limit_exceeded", problemCode(t, resp))

	resp = ts.do(t, http.MethodPost, "/v1/messages", "t2", textSend("+5511999990002"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "other recipients are unaffected")
	resp = ts.do(t, http.MethodPost, "/v1/messages", "t1", textSend("+5511999990001"))
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "other tenants are unaffected")
}

func TestPlatesQuotaIsPeriodBased(t *testing.T) {
	ts := newTestServer(t)
	var ids []string
	for _, plate := range []string{"ABC1D23", "XYZ9K88"} {
		resp := ts.do(t, http.MethodPost, "/v1/vehicles", "t1", map[string]string{"plate": plate})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		var v model.Vehicle
		require.NoError(t, json.Unmarshal(readBody(t, resp), &v))
		ids = append(ids, v.ID)
	}
	resp := ts.do(t, http.MethodPost, "/v1/vehicles", "t1", map[string]string{"plate": "QWE4R56"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "plan_limit_exceeded", problemCode(t, resp))

	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/v1/vehicles/"+ids[0], "t1", nil).StatusCode)

	// the monthly counter is not given back on delete
	resp = ts.do(t, http.MethodPost, "/v1/vehicles", "t1", map[string]string{"plate": "QWE4R56"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/vehicles/"+ids[1], "t2", nil).StatusCode)
}

func TestRejectedCreatesKeepQuota(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Tenants = append(c.Tenants,
			model.Tenant{ID: "t3", Plan: "free", Status: model.TenantSuspended, PhoneNumberID: "3003"},
			model.Tenant{ID: "t4", Limits: map[string]int64{model.ResourceMessages: 1}},
		)
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/vehicles", "t3", map[string]string{"plate": "ABC1D23"})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	tenant, err := ts.Store.GetTenant(ctx, "t3")
	require.NoError(t, err)
	tenant.Status = model.TenantActive
	require.NoError(t, ts.Store.UpsertTenant(ctx, tenant))
	for _, plate := range []string{"ABC1D23", "XYZ9K88"} {
		resp := ts.do(t, http.MethodPost, "/v1/vehicles", "t3", map[string]string{"plate": plate})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	resp := ts.do(t, http.MethodPost, "/v1/vehicles", "t3", map[string]string{"plate": "QWE4R56"})
	assert.Equal(t, "plan_limit_exceeded", problemCode(t, resp))

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/v1/messages", "t4", textSend("+5511999990001"))
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "no messaging account yet")
	}
	tenant, err = ts.Store.GetTenant(ctx, "t4")
	require.NoError(t, err)
	tenant.PhoneNumberID = "4004"
	require.NoError(t, ts.Store.UpsertTenant(ctx, tenant))
	resp = ts.do(t, http.MethodPost, "/v1/messages", "t4", textSend("+5511999990001"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/messages", "t4", textSend("+5511999990001"))
	assert.Equal(t, "plan_limit_exceeded", problemCode(t, resp))
}

func TestWebhookSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/v1/webhooks", "t1", model.SubscriptionRequest{
		URL: "https://partner.example/hook", Events: []string{model.EventMessageRead},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(readBody(t, resp), &created))
	assert.Len(t, created.Secret, 48)

	resp = ts.do(t, http.MethodGet, "/v1/webhooks", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := string(readBody(t, resp))
	assert.Contains(t, body, created.ID)
	assert.NotContains(t, body, created.Secret, "secret is shown once")

	resp = ts.do(t, http.MethodGet, "/v1/webhooks", "t2", nil)
	assert.NotContains(t, string(readBody(t, resp)), created.ID)

	resp = ts.do(t, http.MethodPost, "/v1/webhooks", "t1", model.SubscriptionRequest{URL: "https://partner.example/hook", Events: []string{"message.sent"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, "t2", nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/v1/webhooks/"+created.ID, "t1", nil).StatusCode)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/v1/admin/webhook-dead-letters", "t1", nil, "X-Role", "user")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/admin/webhook-dead-letters", "t1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/admin/webhook-dead-letters/"+uuid.NewString()+"/redeliver", "t1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/v1/admin/debug", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(readBody(t, resp)), appSecret)
}

type partnerHits struct {
	mu   sync.Mutex
	hits []http.Header
	body [][]byte
}

func (p *partnerHits) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		p.mu.Lock()
		p.hits = append(p.hits, r.Header.Clone())
		p.body = append(p.body, b)
		p.mu.Unlock()
		w.WriteHeader(status)
	}
}

func (p *partnerHits) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hits)
}

// TestDeliveryLifecycle follows one message from the API through the worker,
// the provider status webhook and out to a partner.
func TestDeliveryLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.Start()

	hits := &partnerHits{}
	partner := httptest.NewServer(hits.handler(http.StatusOK))
	defer partner.Close()

	resp := ts.do(t, http.MethodPost, "/v1/webhooks", "t1", model.SubscriptionRequest{
		URL: partner.URL, Events: []string{model.EventMessageDelivered}, Secret: "partner-secret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/v1/messages", "t1", textSend("+5511999990001"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var msg model.Message
	require.NoError(t, json.Unmarshal(readBody(t, resp), &msg))

	var sent model.Message
	require.Eventually(t, func() bool {
		r := ts.do(t, http.MethodGet, "/v1/messages/"+msg.ID, "t1", nil)
		_ = json.NewDecoder(r.Body).Decode(&sent)
		return sent.State == model.StateSent
	}, 2*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, sent.ProviderID)

	status := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"w","changes":[{"field":"messages","value":{
		"metadata":{"phone_number_id":"1001"},
		"statuses":[{"id":"` + sent.ProviderID + `","status":"delivered","timestamp":"1760611200"}]}}]}]}`)

	resp = ts.do(t, http.MethodPost, "/webhooks/inbound", "", status, inbound.HeaderSignature, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/webhooks/inbound", "", status, inbound.HeaderSignature, webhooks.SignHMAC(appSecret, status))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool { return hits.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	hits.mu.Lock()
	hdr, body := hits.hits[0], hits.body[0]
	hits.mu.Unlock()
	assert.Equal(t, model.EventMessageDelivered, hdr.Get(webhooks.HeaderEvent))
	assert.True(t, webhooks.VerifyHMAC("partner-secret", body, hdr.Get(webhooks.HeaderSignature)))

	r := ts.do(t, http.MethodGet, "/v1/messages/"+msg.ID, "t1", nil)
	var got model.Message
	require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	assert.Equal(t, model.StateDelivered, got.State)
}

// TestInboundAckUnderInteractionBurst keeps both pools tiny: inbound tasks
// that fan out to partners must not starve the acknowledgement path.
func TestInboundAckUnderInteractionBurst(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) {
		c.Executor.Workers = 2
		c.Webhook.Workers = 1
	})
	hits := &partnerHits{}
	partner := httptest.NewServer(hits.handler(http.StatusOK))
	defer partner.Close()
	resp := ts.do(t, http.MethodPost, "/v1/webhooks", "t1", model.SubscriptionRequest{URL: partner.URL, Events: []string{model.EventButtonClicked}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	client := &http.Client{Timeout: 2 * time.Second}
	const n = 8
	for i := 0; i < n; i++ {
		body := []byte(`{"object":"whatsapp_business_account","entry":[{"id":"w","changes":[{"field":"messages","value":{
			"metadata":{"phone_number_id":"1001"},
			"messages":[{"id":"wamid.BTN` + strconv.Itoa(i) + `","from":"5511999990001","timestamp":"1760611200","type":"interactive",
				"interactive":{"type":"button_reply","button_reply":{"id":"approve","title":"Approve"}}}]}}]}]}`)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/inbound", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(inbound.HeaderSignature, webhooks.SignHMAC(appSecret, body))
		r, err := client.Do(req)
		require.NoError(t, err, "webhook %d was not acknowledged", i)
		_ = r.Body.Close()
		require.Equal(t, http.StatusOK, r.StatusCode, "webhook %d", i)
	}
	require.Eventually(t, func() bool { return hits.count() == n }, 3*time.Second, 10*time.Millisecond)
}

func TestInboundHandshake(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/webhooks/inbound?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "42", string(readBody(t, resp)))

	resp = ts.do(t, http.MethodGet, "/webhooks/inbound?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeadLetterRedelivery(t *testing.T) {
	ts := newTestServer(t)
	status := http.StatusServiceUnavailable
	var mu sync.Mutex
	partner := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer partner.Close()

	resp := ts.do(t, http.MethodPost, "/v1/webhooks", "t1", model.SubscriptionRequest{URL: partner.URL, Events: []string{model.EventOrderApproved}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = ts.do(t, http.MethodPost, "/v1/events", "t1", map[string]any{"event": model.EventOrderApproved, "data": map[string]any{"orderId": "o-1"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var list struct {
		Items []model.DeadLetter `json:"items"`
	}
	require.Eventually(t, func() bool {
		r := ts.do(t, http.MethodGet, "/v1/admin/webhook-dead-letters?event="+model.EventOrderApproved, "t1", nil)
		_ = json.NewDecoder(r.Body).Decode(&list)
		return len(list.Items) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, list.Items[0].ResponseCode)

	mu.Lock()
	status = http.StatusOK
	mu.Unlock()
	resp = ts.do(t, http.MethodPost, "/v1/admin/webhook-dead-letters/"+list.Items[0].ID+"/redeliver", "t1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res webhooks.DeliveryResult
	require.NoError(t, json.Unmarshal(readBody(t, resp), &res))
	assert.True(t, res.Delivered)

	r := ts.do(t, http.MethodGet, "/v1/admin/webhook-dead-letters", "t1", nil)
	require.NoError(t, json.NewDecoder(r.Body).Decode(&list))
	assert.Empty(t, list.Items)

	resp = ts.do(t, http.MethodPost, "/v1/events", "t1", map[string]any{"event": model.EventMessageRead})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "message events come from the provider only")
}

func TestMessageStream(t *testing.T) {
	ts := newTestServer(t)
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t1")
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/messages/stream?events=" + model.EventOrderUpdated
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, hdr)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var m wsMessage
	require.NoError(t, conn.ReadJSON(&m))
	require.Equal(t, "connection_ack", m.Type)

	ts.do(t, http.MethodPost, "/v1/events", "t2", map[string]any{"event": model.EventOrderUpdated, "data": map[string]any{"orderId": "other"}})
	ts.do(t, http.MethodPost, "/v1/events", "t1", map[string]any{"event": model.EventOrderCompleted, "data": map[string]any{"orderId": "o-1"}})
	ts.do(t, http.MethodPost, "/v1/events", "t1", map[string]any{"event": model.EventOrderUpdated, "data": map[string]any{"orderId": "o-1"}})

	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, "next", m.Type)
	var evt struct {
		Type     string         `json:"type"`
		TenantID string         `json:"tenantId"`
		Data     map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(m.Payload, &evt))
	assert.Equal(t, model.EventOrderUpdated, evt.Type)
	assert.Equal(t, "t1", evt.TenantID)
	assert.Equal(t, "o-1", evt.Data["orderId"])
}
