package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"garagemsg/internal/auth"
	"garagemsg/internal/events"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPingEvery = 20 * time.Second
	wsReadWait  = 60 * time.Second
	wsWriteWait = 5 * time.Second
)

// wsMessage frames the live feed: the server sends connection_ack once, then
// one "next" per event; either side may send ping and gets pong back.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// messageStream serves GET /v1/messages/stream, the tenant's live feed of
// message and interaction events. ?events=a,b narrows it to those types.
func (s *Server) messageStream(w http.ResponseWriter, r *http.Request) {
	tenant := auth.TenantOf(r)
	var filter map[string]bool
	if v := r.URL.Query().Get("events"); v != "" {
		filter = map[string]bool{}
		for _, e := range strings.Split(v, ",") {
			filter[strings.TrimSpace(e)] = true
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(m)
	}

	ch := s.Broker.Subscribe(tenant)
	defer s.Broker.Unsubscribe(tenant, ch)
	if err := write(wsMessage{Type: "connection_ack"}); err != nil {
		return
	}
	s.Log.Debug("live feed subscribed", zap.String("tenant", tenant))

	conn.SetReadLimit(4 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsReadWait)) })

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var m wsMessage
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
			if m.Type == "ping" {
				_ = write(wsMessage{Type: "pong", ID: m.ID})
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			wmu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wmu.Unlock()
			if err != nil {
				return
			}
		case evt, ok := <-ch:
			if !ok {
				_ = write(wsMessage{Type: "complete"})
				return
			}
			if filter != nil && !filter[evt.Type] {
				continue
			}
			if err := write(wsMessage{Type: "next", Payload: encodeEvent(evt)}); err != nil {
				return
			}
		}
	}
}

func encodeEvent(evt events.Event) json.RawMessage {
	b, _ := json.Marshal(evt)
	return b
}
