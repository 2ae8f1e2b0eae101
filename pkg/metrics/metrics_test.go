package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.DispatchTotal.WithLabelValues(OutcomePublished).Inc()
	a.DispatchTotal.WithLabelValues(OutcomePublished).Inc()

	require.Equal(t, 2.0, testutil.ToFloat64(a.DispatchTotal.WithLabelValues(OutcomePublished)))
	require.Equal(t, 0.0, testutil.ToFloat64(b.DispatchTotal.WithLabelValues(OutcomePublished)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.SessionConnected.Set(1)
	m.MessagesReceived.WithLabelValues("general").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	require.True(t, strings.Contains(body, "bitmesh_session_connected 1"), body)
	require.Contains(t, body, `bitmesh_messages_received_total{type="general"} 1`)
}
