// Command streamtail prints a tenant's live message feed.
//
//	streamtail -addr localhost:8080 -tenant garage-1 -events message.read,button.clicked
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	addr := flag.String("addr", "localhost:8080", "API host:port")
	tenant := flag.String("tenant", "", "tenant id (dev auth)")
	token := flag.String("token", os.Getenv("API_TOKEN"), "bearer token")
	filter := flag.String("events", "", "comma separated event types")
	secure := flag.Bool("tls", false, "use wss")
	flag.Parse()

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/v1/messages/stream"}
	if *secure {
		u.Scheme = "wss"
	}
	if *filter != "" {
		u.RawQuery = url.Values{"events": {*filter}}.Encode()
	}
	hdr := http.Header{}
	if *token != "" {
		hdr.Set("Authorization", "Bearer "+*token)
	} else if *tenant != "" {
		hdr.Set("X-Tenant-Id", *tenant)
	} else {
		log.Fatal("either -token or -tenant is required")
	}

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		if resp != nil {
			log.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		log.Fatal("dial: ", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			switch m.Type {
			case "connection_ack":
				log.Printf("connected to %s", u.String())
			case "next":
				log.Printf("%s", m.Payload)
			case "complete":
				log.Printf("stream closed by server")
				return
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	select {
	case <-done:
	case <-interrupt:
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		select {
		case <-done:
		case <-time.After(time.Second):
		}
	}
}
