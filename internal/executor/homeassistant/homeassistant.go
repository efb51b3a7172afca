// Package homeassistant is a reference ServiceHandler binding for a
// Home Assistant REST API. Spec §1 scopes "the concrete downstream
// service client — HTTP verbs to a particular API" out of CORE, so this
// package stays a thin, swappable dispatcher rather than a full client
// library: one small switch over the "ha_*" tool names, each doing one
// HTTP call.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Handler calls a single Home Assistant instance's REST API.
type Handler struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a Handler. baseURL is the Home Assistant root (e.g.
// "https://homeassistant.local:8123"); token is a long-lived access
// token sent as a bearer credential.
func New(baseURL, token string) *Handler {
	return &Handler{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Execute dispatches one of the reference "ha_*" tools to its REST
// endpoint. Unrecognized tools are the executor's problem, not this
// handler's — by the time Execute is called, routing has already
// confirmed this handler owns the tool's prefix, so an unknown suffix
// here is a configuration mismatch.
func (h *Handler) Execute(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	switch tool {
	case "ha_call_service":
		domain, _ := args["domain"].(string)
		service, _ := args["service"].(string)
		return h.post(ctx, fmt.Sprintf("/api/services/%s/%s", domain, service), args)
	case "ha_get_state":
		entityID, _ := args["entity_id"].(string)
		return h.get(ctx, fmt.Sprintf("/api/states/%s", entityID))
	case "ha_get_states":
		return h.get(ctx, "/api/states")
	case "ha_fire_event":
		eventType, _ := args["event_type"].(string)
		return h.post(ctx, fmt.Sprintf("/api/events/%s", eventType), args)
	default:
		return nil, fmt.Errorf("homeassistant handler does not recognize tool %q", tool)
	}
}

// HealthCheck hits Home Assistant's root API endpoint (/api/) with the
// bearer token. Never returns an error; a failed request or a 5xx status
// just reports unhealthy.
func (h *Handler) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/", nil)
	if err != nil {
		return false
	}
	h.authorize(req)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Close releases the HTTP client's idle connections.
func (h *Handler) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

func (h *Handler) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Content-Type", "application/json")
}

func (h *Handler) get(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	h.authorize(req)
	return h.do(req)
}

func (h *Handler) post(ctx context.Context, path string, body map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	h.authorize(req)
	return h.do(req)
}

func (h *Handler) do(req *http.Request) (json.RawMessage, error) {
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("homeassistant responded %d: %s", resp.StatusCode, string(data))
	}
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data), nil
}
