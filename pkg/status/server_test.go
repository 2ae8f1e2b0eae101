package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/bitmesh/pkg/device"
	"github.com/haasonsaas/bitmesh/pkg/journal"
	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/haasonsaas/bitmesh/pkg/metrics"
	"github.com/haasonsaas/bitmesh/pkg/telemetry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type fakeDevice struct {
	status device.Status
	msgs   []message.Message
}

func (f *fakeDevice) Status() device.Status      { return f.status }
func (f *fakeDevice) History() []message.Message { return f.msgs }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func TestRequestTracing(t *testing.T) {
	rec := telemetry.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	dev := &fakeDevice{status: device.Status{DeviceID: "dev-1", State: "connected"}}
	s := New(dev, WithLogger(zerolog.Nop()), WithTracerProvider(tp))

	resp := get(t, s.Handler(), "/v1/health")
	require.Equal(t, http.StatusOK, resp.Code)
	require.NotEmpty(t, resp.Header().Get(requestIDHeader))
	require.NotNil(t, rec.FirstSpanNamed("GET /v1/health"))
}

func TestErrorEchoesRequestID(t *testing.T) {
	s := New(&fakeDevice{}, WithLogger(zerolog.Nop()))

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=x", nil)
	req.Header.Set(requestIDHeader, "req-42")
	resp := httptest.NewRecorder()
	s.Handler().ServeHTTP(resp, req)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Equal(t, "req-42", resp.Header().Get(requestIDHeader))
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "limit must be a positive integer", body["error"])
	require.Equal(t, "req-42", body["request_id"])
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name  string
		state string
		want  int
	}{
		{"connected", "connected", http.StatusOK},
		{"connecting", "connecting", http.StatusServiceUnavailable},
		{"disconnected", "disconnected", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &fakeDevice{status: device.Status{DeviceID: "dev-1", State: tt.state}}
			s := New(dev, WithLogger(zerolog.Nop()))

			resp := get(t, s.Handler(), "/v1/health")
			require.Equal(t, tt.want, resp.Code)
			var st device.Status
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &st))
			require.Equal(t, "dev-1", st.DeviceID)
			require.Equal(t, tt.state, st.State)
		})
	}
}

func TestHistoryLimit(t *testing.T) {
	dev := &fakeDevice{msgs: []message.Message{
		message.New("a", "one", ""),
		message.New("b", "two", ""),
		message.New("c", "three", ""),
	}}
	s := New(dev, WithLogger(zerolog.Nop()))

	resp := get(t, s.Handler(), "/v1/history?limit=2")
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Messages []struct {
			DeviceID string `json:"device_id"`
			Content  string `json:"content"`
			Type     string `json:"message_type"`
		} `json:"messages"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	require.Equal(t, "two", body.Messages[0].Content)
	require.Equal(t, "c", body.Messages[1].DeviceID)
	require.Equal(t, message.TypeGeneral, body.Messages[1].Type)

	for _, bad := range []string{"0", "-1", "ten"} {
		resp := get(t, s.Handler(), "/v1/history?limit="+bad)
		require.Equal(t, http.StatusBadRequest, resp.Code, bad)
	}
}

func TestJournal(t *testing.T) {
	s := New(&fakeDevice{}, WithLogger(zerolog.Nop()))
	require.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/v1/journal").Code)

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.RecordInbound(message.New("peer", "hello?", "")))

	s = New(&fakeDevice{}, WithLogger(zerolog.Nop()), WithJournal(j))
	resp := get(t, s.Handler(), "/v1/journal")
	require.Equal(t, http.StatusOK, resp.Code)
	require.Contains(t, resp.Body.String(), `"content":"hello?"`)
	require.Contains(t, resp.Body.String(), `"direction":"in"`)
}

func TestJournalReadFailure(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	var buf bytes.Buffer
	dev := &fakeDevice{status: device.Status{DeviceID: "dev-1", State: "connecting"}}
	s := New(dev, WithLogger(zerolog.New(&buf)), WithJournal(j))

	resp := get(t, s.Handler(), "/v1/journal")
	require.Equal(t, http.StatusInternalServerError, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "journal read failed", body["error"])
	require.NotEmpty(t, body["request_id"])

	logs := buf.String()
	require.Contains(t, logs, `"message":"Journal read failed"`)
	require.Contains(t, logs, `"device_id":"dev-1"`)
	require.Contains(t, logs, `"session_state":"connecting"`)
	require.Contains(t, logs, `"request_id":"`+body["request_id"]+`"`)
}

func TestMetricsRoute(t *testing.T) {
	s := New(&fakeDevice{}, WithLogger(zerolog.Nop()))
	require.Equal(t, http.StatusNotFound, get(t, s.Handler(), "/metrics").Code)

	m := metrics.New()
	m.DecodeFailures.Inc()
	s = New(&fakeDevice{}, WithLogger(zerolog.Nop()), WithMetrics(m))
	resp := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	require.True(t, strings.Contains(resp.Body.String(), "bitmesh_decode_failures_total 1"), resp.Body.String())
}

func TestStartShutdown(t *testing.T) {
	s := New(&fakeDevice{status: device.Status{State: "connected"}}, WithLogger(zerolog.Nop()))
	require.NoError(t, s.Start("127.0.0.1:0"))

	resp, err := http.Get("http://" + s.Addr() + "/v1/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
