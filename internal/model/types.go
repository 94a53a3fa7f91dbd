package model

import (
	"encoding/json"
	"time"
)

// Core domain types shared by the governance components.

type Tenant struct {
	ID            string           `json:"id" yaml:"id"`
	Plan          string           `json:"plan" yaml:"plan"`
	Status        string           `json:"status" yaml:"status"`
	PhoneNumberID string           `json:"phoneNumberId,omitempty" yaml:"phoneNumberId"`
	Limits        map[string]int64 `json:"limits,omitempty" yaml:"limits"`
}

// Active reports whether the tenant may use the messaging channel.
func (t Tenant) Active() bool { return t.Status == "" || t.Status == TenantActive }

const (
	TenantActive    = "active"
	TenantSuspended = "suspended"
)

// Resource types counted against plan quotas.
const (
	ResourcePlates   = "plates"
	ResourceMessages = "messages"
)

type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

type Message struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenantId"`
	Direction  Direction         `json:"direction"`
	Channel    string            `json:"channel"`
	State      State             `json:"state"`
	ProviderID string            `json:"providerId,omitempty"`
	To         string            `json:"to,omitempty"`
	From       string            `json:"from,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

const ChannelWhatsApp = "whatsapp"

// SendRequest is the body of POST /v1/messages.
type SendRequest struct {
	To       string            `json:"to"`
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Template *TemplateRef      `json:"template,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type TemplateRef struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params,omitempty"`
}

// OutboundJob is a durable dispatch queue entry.
type OutboundJob struct {
	MessageID     string
	TenantID      string
	Attempts      int
	NextAttemptAt time.Time
}

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Wants reports whether the subscription is active and listens for event.
func (s Subscription) Wants(event string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// DeadLetter records a partner delivery that was not accepted.
type DeadLetter struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenantId"`
	SubscriptionID string          `json:"subscriptionId"`
	Event          string          `json:"event"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload"`
	LastError      string          `json:"lastError,omitempty"`
	ResponseCode   int             `json:"responseCode,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Vehicle struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Plate    string    `json:"plate"`
	Created  time.Time `json:"createdAt"`
}
