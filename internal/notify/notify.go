// Package notify delivers vault lifecycle events to object owners.
// Delivery is best-effort: a failed notification is logged and never blocks
// the operation that produced it.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Event types.
const (
	EventStored  = "stored"
	EventExpired = "expired"
	EventDeleted = "deleted"
)

// Event describes a change to an owner's object.
type Event struct {
	Type     string    `json:"type"`
	Owner    string    `json:"owner"`
	Filename string    `json:"filename"`
	Code     string    `json:"code,omitempty"`
	SizeMB   float64   `json:"size_mb,omitempty"`
	Time     time.Time `json:"time"`
}

// Notifier delivers events to owners.
type Notifier interface {
	Notify(ev Event)
}

// Webhook POSTs events as JSON to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook creates a webhook notifier for the given URL.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url: url,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Notify posts the event. Failures are logged and dropped.
func (w *Webhook) Notify(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode notification")
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("url", w.url).Str("type", ev.Type).Msg("webhook notification failed")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("url", w.url).Str("type", ev.Type).
			Msg("webhook notification rejected")
	}
}

// Multi fans an event out to several notifiers.
type Multi []Notifier

// NewMulti combines notifiers, dropping nils.
func NewMulti(notifiers ...Notifier) Multi {
	out := make(Multi, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// Notify delivers the event to every notifier.
func (m Multi) Notify(ev Event) {
	for _, n := range m {
		n.Notify(ev)
	}
}
