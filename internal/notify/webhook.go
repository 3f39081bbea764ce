// Package notify emits pipeline events to a configured webhook sink.
// Notification is fire-and-forget: a failed post is logged and never
// propagated back into the pipeline.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pitabwire/util"
)

// EventType identifies a pipeline notification.
type EventType string

const (
	EventFixDeployed        EventType = "auto_fix_deployed"
	EventFixVerified        EventType = "fix_verified"
	EventVerificationFailed EventType = "fix_verification_failed"
)

// Event is the JSON body posted to the webhook sink.
type Event struct {
	Event         EventType `json:"event"`
	EntityID      string    `json:"entityId"`
	Domain        string    `json:"domain"`
	FixType       string    `json:"fixType"`
	VersionID     string    `json:"versionId,omitempty"`
	EstimatedGain float64   `json:"estimatedGain"`
	Timestamp     time.Time `json:"timestamp"`
}

// Dispatcher delivers pipeline events.
type Dispatcher interface {
	Notify(ctx context.Context, event *Event)
}

// WebhookDispatcher posts events to a single configured sink URL.
type WebhookDispatcher struct {
	url        string
	httpClient *http.Client
}

// NewWebhookDispatcher creates a webhook dispatcher. An empty URL disables
// delivery entirely.
func NewWebhookDispatcher(url string, timeout time.Duration) *WebhookDispatcher {
	return &WebhookDispatcher{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Notify posts the event to the sink. Errors are logged, never returned.
func (d *WebhookDispatcher) Notify(ctx context.Context, event *Event) {
	if d.url == "" {
		return
	}

	log := util.Log(ctx)

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	body, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("failed to marshal webhook event", "event", event.Event)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Error("failed to create webhook request", "event", event.Event)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Error("failed to deliver webhook event",
			"event", event.Event,
			"entity_id", event.EntityID,
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		log.Warn("webhook sink rejected event",
			"event", event.Event,
			"entity_id", event.EntityID,
			"status", resp.StatusCode,
		)
		return
	}

	log.Debug("delivered webhook event", "event", event.Event, "entity_id", event.EntityID)
}

// NopDispatcher discards all events.
type NopDispatcher struct{}

// Notify implements Dispatcher.
func (NopDispatcher) Notify(context.Context, *Event) {}
