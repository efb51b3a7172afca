package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

type fakeHandler struct {
	result  json.RawMessage
	err     error
	healthy bool
	closed  bool
}

func (f *fakeHandler) Execute(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	return f.result, f.err
}
func (f *fakeHandler) HealthCheck(ctx context.Context) bool { return f.healthy }
func (f *fakeHandler) Close() error                         { f.closed = true; return nil }

func TestExecuteDispatchesByPrefix(t *testing.T) {
	h := &fakeHandler{result: json.RawMessage(`{"ok":true}`), healthy: true}
	e := New([]Route{{Prefix: "ha_", Service: "homeassistant"}}, map[string]ServiceHandler{"homeassistant": h})

	result, err := e.Execute(context.Background(), "ha_get_state", map[string]any{"entity_id": "sensor.temp"})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))
}

func TestExecuteUnknownTool(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Execute(context.Background(), "unknown_tool", nil)
	var execErr *model.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Error(), "Unknown tool")
}

func TestExecuteServiceNotConfigured(t *testing.T) {
	e := New([]Route{{Prefix: "ha_", Service: "homeassistant"}}, map[string]ServiceHandler{})
	_, err := e.Execute(context.Background(), "ha_get_state", nil)
	var execErr *model.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Error(), "Service not configured")
}

func TestExecuteHandlerFailurePropagates(t *testing.T) {
	h := &fakeHandler{err: errors.New("boom")}
	e := New([]Route{{Prefix: "ha_", Service: "homeassistant"}}, map[string]ServiceHandler{"homeassistant": h})

	_, err := e.Execute(context.Background(), "ha_get_state", nil)
	var execErr *model.ExecutionError
	require.ErrorAs(t, err, &execErr)
	require.Contains(t, execErr.Error(), "boom")
}

func TestHealthCheckAllAndClose(t *testing.T) {
	h := &fakeHandler{healthy: true}
	e := New([]Route{{Prefix: "ha_", Service: "homeassistant"}}, map[string]ServiceHandler{"homeassistant": h})

	results := e.HealthCheckAll(context.Background())
	require.True(t, results["homeassistant"])

	require.NoError(t, e.Close())
	require.True(t, h.closed)
}
