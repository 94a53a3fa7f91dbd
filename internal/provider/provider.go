// Package provider talks to the messaging channel provider (a WhatsApp Cloud
// style Graph API).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"garagemsg/internal/model"
)

// Sender delivers one outbound message and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg model.Message) (string, error)
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying cannot help (client errors other than 408/429).
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusRequestTimeout && e.Code != http.StatusTooManyRequests
}

// IsPermanent reports whether err is a provider rejection that should not be retried.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// UnavailableError means the call was never made: the breaker is open or
// probing. Wait is how long until the breaker lets calls through again.
type UnavailableError struct {
	Wait time.Duration
	Err  error
}

func (e *UnavailableError) Error() string { return "provider unavailable: " + e.Err.Error() }
func (e *UnavailableError) Unwrap() error { return e.Err }

// Unavailable returns the breaker wait when err is an UnavailableError.
func Unavailable(err error) (time.Duration, bool) {
	var ue *UnavailableError
	if errors.As(err, &ue) {
		return ue.Wait, true
	}
	return 0, false
}

const breakerTimeout = 30 * time.Second

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the HTTP Sender. Calls go through a circuit breaker so a dead
// provider fails fast instead of tying up the dispatch worker.
type Client struct {
	cfg  Config
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log = log.With(zap.String("component", "provider"))
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "provider",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// a rejected message says nothing about provider health
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, cb: cb, log: log}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (c *Client) Send(ctx context.Context, msg model.Message) (string, error) {
	body, err := RequestBody(msg)
	if err != nil {
		return "", err
	}
	res, err := c.cb.Execute(func() (any, error) { return c.post(ctx, msg.From, body) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &UnavailableError{Wait: breakerTimeout, Err: err}
	}
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (c *Client) post(ctx context.Context, phoneNumberID string, body []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + phoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode provider response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errors.New("provider response carries no message id")
	}
	return out.Messages[0].ID, nil
}

// RequestBody renders the provider payload for msg. msg.Payload holds the
// model.SendRequest accepted by the API.
func RequestBody(msg model.Message) ([]byte, error) {
	var sr model.SendRequest
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &sr); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
	}
	to := msg.To
	if to == "" {
		to = sr.To
	}
	out := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	switch {
	case sr.Template != nil:
		tpl := map[string]any{
			"name":     sr.Template.Name,
			"language": map[string]string{"code": sr.Template.Language},
		}
		if len(sr.Template.Params) > 0 {
			params := make([]map[string]string, 0, len(sr.Template.Params))
			for _, p := range sr.Template.Params {
				params = append(params, map[string]string{"type": "text", "text": p})
			}
			tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		out["type"] = "template"
		out["template"] = tpl
	default:
		out["type"] = "text"
		out["text"] = map[string]string{"body": sr.Text}
	}
	return json.Marshal(out)
}
