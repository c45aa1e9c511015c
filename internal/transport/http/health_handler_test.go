package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/store"
)

func TestHealthLive(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewHealthHandler(store.NewMemory(), logger)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.NotEmpty(t, body.Version)
}

func TestHealthReady(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewHealthHandler(store.NewMemory(), logger)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
