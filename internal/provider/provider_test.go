package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garagemsg/internal/model"
)

func textMessage(t *testing.T) model.Message {
	t.Helper()
	payload, err := json.Marshal(model.SendRequest{To: "+5511999990001", Type: "text", Text: "Your car is ready"})
	require.NoError(t, err)
	return model.Message{TenantID: "t1", From: "1001", To: "+5511999990001", Payload: payload}
}

func TestClientSend(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL + "/v19.0", Token: "tok"}, nil)
	id, err := c.Send(context.Background(), textMessage(t))
	require.NoError(t, err)
	assert.Equal(t, "wamid.ABC", id)
	assert.Equal(t, "/v19.0/1001/messages", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "text", gotBody["type"])
	assert.Equal(t, "+5511999990001", gotBody["to"])
}

func TestClientStatusErrors(t *testing.T) {
	code := int32(http.StatusBadRequest)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(atomic.LoadInt32(&code)))
		_, _ = w.Write([]byte(`{"error":{"message":"bad"}}`))
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL}, nil)

	_, err := c.Send(context.Background(), textMessage(t))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	atomic.StoreInt32(&code, http.StatusTooManyRequests)
	_, err = c.Send(context.Background(), textMessage(t))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestClientBreakerOpensOnConsecutiveFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, nil)

	for i := 0; i < 5; i++ {
		_, _ = c.Send(context.Background(), textMessage(t))
	}
	_, err := c.Send(context.Background(), textMessage(t))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
	wait, ok := Unavailable(err)
	require.True(t, ok, "an open breaker is not a provider failure")
	assert.Equal(t, 30*time.Second, wait)

	_, err = c.Send(context.Background(), textMessage(t))
	assert.False(t, IsPermanent(err))
	_, ok = Unavailable(&StatusError{Code: http.StatusBadGateway})
	assert.False(t, ok)
}

func TestRequestBodyTemplate(t *testing.T) {
	payload, _ := json.Marshal(model.SendRequest{
		To:       "+5511999990001",
		Type:     "template",
		Template: &model.TemplateRef{Name: "service_done", Language: "pt_BR", Params: []string{"ABC1D23"}},
	})
	b, err := RequestBody(model.Message{To: "+5511999990001", Payload: payload})
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"messaging_product":"whatsapp","recipient_type":"individual","to":"+5511999990001","type":"template",
		"template":{"name":"service_done","language":{"code":"pt_BR"},
			"components":[{"type":"body","parameters":[{"type":"text","text":"ABC1D23"}]}]}
	}`, string(b))
}

func TestFakeScript(t *testing.T) {
	f := &Fake{Script: []error{assert.AnError, nil}}
	_, err := f.Send(context.Background(), model.Message{})
	assert.Error(t, err)
	id, err := f.Send(context.Background(), model.Message{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "wamid.fake-"), id)
	assert.Len(t, f.Calls(), 2)

	// a fresh fake, as after a restart, never repeats an id
	again, err := (&Fake{}).Send(context.Background(), model.Message{})
	require.NoError(t, err)
	assert.NotEqual(t, id, again)
}
