// Package notify dispatches user-facing notifications after schedule
// firings, autopilot transitions, and interception events. Dispatch is
// fire-and-forget: a failed notification never blocks or rolls back the
// state change it describes.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/shiftwatt/shiftwatt/pkg/common"
	"github.com/shiftwatt/shiftwatt/pkg/log"
)

// Categories used across the engine.
const (
	CategorySchedule  = "schedule"
	CategoryAutopilot = "autopilot"
	CategoryIntercept = "intercept"
)

// Notifier delivers a message to a home's occupants.
type Notifier interface {
	Notify(ctx context.Context, homeID, category, message string)
}

// Configured sets up the notifier based on flags. Without a webhook URL
// notifications only go to the log.
func Configured() Notifier {
	webhookURL := lflag.String("notify-webhook", "", "URL to POST notifications to (empty logs only)")

	var n struct{ Notifier }

	lflag.Do(func() {
		if *webhookURL == "" {
			n.Notifier = NewLogNotifier()
			return
		}
		n.Notifier = NewWebhookNotifier(*webhookURL)
	})

	return &n
}

// LogNotifier writes notifications to the structured log only.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (l *LogNotifier) Notify(ctx context.Context, homeID, category, message string) {
	log.Ctx(ctx).Info("notification",
		"homeID", homeID,
		"category", category,
		"message", message,
	)
}

// WebhookNotifier POSTs each notification as JSON to a configured endpoint.
// Delivery runs in the caller's goroutine with a short timeout; errors are
// logged and dropped.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: common.HTTPClient(10 * time.Second),
	}
}

type webhookPayload struct {
	HomeID    string    `json:"homeId"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (w *WebhookNotifier) Notify(ctx context.Context, homeID, category, message string) {
	body, err := json.Marshal(webhookPayload{
		HomeID:    homeID,
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Ctx(ctx).Error("failed to encode notification", "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Ctx(ctx).Error("failed to build notification request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		log.Ctx(ctx).Warn("failed to deliver notification", "error", err, "homeID", homeID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Ctx(ctx).Warn("notification rejected",
			"error", fmt.Sprintf("status %d", resp.StatusCode),
			"homeID", homeID,
		)
	}
}
