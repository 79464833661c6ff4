package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/anomaly"
	"github.com/davidleathers/device-trust-analytics-backend/internal/domain/errors"
)

func TestWebhookNotifier_Send(t *testing.T) {
	a := newAnomaly(t, anomaly.SeverityCritical)
	alert := &Alert{
		ID:        "test-alert",
		Severity:  anomaly.SeverityCritical,
		Label:     "critical",
		Anomalies: []*anomaly.Anomaly{a},
		CreatedAt: time.Now().UTC(),
	}

	t.Run("posts the alert as json", func(t *testing.T) {
		var received map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &received))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		n := NewWebhookNotifier(srv.URL, 0)
		require.NoError(t, n.Send(context.Background(), alert))
		assert.Equal(t, "test-alert", received["id"])
		assert.Equal(t, "critical", received["severity"])
	})

	t.Run("non-2xx is a delivery failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		n := NewWebhookNotifier(srv.URL, 0)
		err := n.Send(context.Background(), alert)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDelivery))
		assert.True(t, errors.IsRetryable(err))
	})

	t.Run("unreachable endpoint is a delivery failure", func(t *testing.T) {
		n := NewWebhookNotifier("http://127.0.0.1:1/alerts", time.Second)
		err := n.Send(context.Background(), alert)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeDelivery))
	})
}
