package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearhold-labs/clearhold/core/pkg/api"
	"github.com/clearhold-labs/clearhold/core/pkg/observability"
)

func inertProvider(t *testing.T) *observability.Provider {
	t.Helper()
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	return obs
}

func TestTelemetryMiddlewarePassesThrough(t *testing.T) {
	handler := api.Telemetry(inertProvider(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/decisions", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestTelemetryMiddlewarePreservesErrorStatus(t *testing.T) {
	handler := api.Telemetry(inertProvider(t))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/decisions", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
