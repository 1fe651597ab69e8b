package facade

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/obs-ai/agent/internal/apperrors"
	"github.com/obs-ai/agent/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(srv.URL, 2*time.Second, 0, 0, zap.NewNop())
	return c, srv
}

func TestHealthy(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "green"})
	})
	defer srv.Close()

	assert.True(t, c.Healthy(t.Context()))
}

func TestHealthyRed(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(healthResponse{Status: "red"})
	})
	defer srv.Close()

	assert.False(t, c.Healthy(t.Context()))
}

func TestHealthyTransportFailure(t *testing.T) {
	c := New("http://127.0.0.1:0", 100*time.Millisecond, 0, 0, zap.NewNop())
	assert.False(t, c.Healthy(t.Context()))
}

func TestCount(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(countResponse{Count: 42})
	})
	defer srv.Close()

	n, err := c.Count(t.Context(), "logs-*", "level:ERROR")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestSearchExceedsLimitIsTransportError(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(searchResponse{
			Records: make([]model.LogRecord, 5),
		})
	})
	defer srv.Close()

	_, err := c.Search(t.Context(), "logs-*", "", 2, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindTransport))
}

func TestSearchNonOKStatus(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	defer srv.Close()

	_, err := c.Search(t.Context(), "logs-*", "", 10, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindTransport))
}

func TestSearchMalformedPayload(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})
	defer srv.Close()

	_, err := c.Search(t.Context(), "logs-*", "", 10, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindParse))
}

func TestSinceFilterFormatsUTCRFC3339(t *testing.T) {
	since := time.Date(2026, 7, 31, 12, 0, 0, 0, time.FixedZone("PDT", -7*3600))
	assert.Equal(t, "timestamp:>=2026-07-31T19:00:00Z", SinceFilter(since))
}

func TestGroupBy(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(groupByResponse{Buckets: map[string]int{"GET /api/x": 8}})
	})
	defer srv.Close()

	buckets, err := c.GroupBy(t.Context(), "logs-*", "endpoint", "", 10)
	require.NoError(t, err)
	assert.Equal(t, 8, buckets["GET /api/x"])
}
