package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Notify(context.Background(), "home-1", CategorySchedule, "washer turned on")

	assert.Equal(t, "home-1", got.HomeID)
	assert.Equal(t, CategorySchedule, got.Category)
	assert.Equal(t, "washer turned on", got.Message)
	assert.False(t, got.Timestamp.IsZero())
}

func TestWebhookNotifierNeverPanicsOnFailure(t *testing.T) {
	// unreachable endpoint: delivery failure is logged and dropped
	n := NewWebhookNotifier("http://127.0.0.1:1/notify")
	n.Notify(context.Background(), "home-1", CategoryAutopilot, "ac suppressed")
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier()
	n.Notify(context.Background(), "home-1", CategoryIntercept, "cheaper slot at 22:00")
}
