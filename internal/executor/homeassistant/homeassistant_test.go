package homeassistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCallServicePostsToExpectedPath(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"result":"ok"}`))
	}))
	defer srv.Close()

	h := New(srv.URL, "tok123")
	data, err := h.Execute(context.Background(), "ha_call_service", map[string]any{
		"domain": "light", "service": "turn_on", "entity_id": "light.kitchen",
	})
	require.NoError(t, err)
	require.Equal(t, "/api/services/light/turn_on", gotPath)
	require.Equal(t, "Bearer tok123", gotAuth)
	require.JSONEq(t, `{"result":"ok"}`, string(data))
}

func TestGetStateQueriesEntityPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/states/light.kitchen", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": "on"})
	}))
	defer srv.Close()

	h := New(srv.URL, "tok")
	_, err := h.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "light.kitchen"})
	require.NoError(t, err)
}

func TestExecutePropagatesHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("bad entity"))
	}))
	defer srv.Close()

	h := New(srv.URL, "tok")
	_, err := h.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "nope"})
	require.Error(t, err)
}

func TestHealthCheckReflectsServerStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := New(srv.URL, "tok")
	require.True(t, h.HealthCheck(context.Background()))
	require.NoError(t, h.Close())
}

func TestHealthCheckFalseOnUnreachableHost(t *testing.T) {
	h := New("http://127.0.0.1:1", "tok")
	require.False(t, h.HealthCheck(context.Background()))
}

func TestExecuteUnrecognizedToolErrors(t *testing.T) {
	h := New("http://example.invalid", "tok")
	_, err := h.Execute(context.Background(), "ha_unknown", map[string]any{})
	require.Error(t, err)
}
