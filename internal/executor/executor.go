// Package executor implements the static tool→service dispatch table of
// spec §4.H: a fixed mapping from tool name prefix to service key, and a
// registry of ServiceHandlers keyed by that service.
package executor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// ServiceHandler is the capability set the executor requires of every
// downstream service binding (spec §4.H).
type ServiceHandler interface {
	Execute(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error)
	// HealthCheck never returns an error; false just means unhealthy.
	HealthCheck(ctx context.Context) bool
	Close() error
}

// Route maps a tool-name prefix to the service key that owns it.
type Route struct {
	Prefix  string
	Service string
}

// Executor dispatches a resolved tool call to its configured service
// handler. Safe for concurrent use: the route table and handler map are
// built once at construction and never mutated afterward.
type Executor struct {
	routes   []Route
	handlers map[string]ServiceHandler

	mu sync.RWMutex
}

// New builds an Executor from a static route table and handler registry.
func New(routes []Route, handlers map[string]ServiceHandler) *Executor {
	return &Executor{routes: routes, handlers: handlers}
}

// Execute looks up tool's service, dispatches to its handler, and
// returns the handler's result verbatim. Failures are always surfaced
// as *model.ExecutionError per spec §7: there are no implicit retries.
func (e *Executor) Execute(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	service, ok := e.serviceFor(tool)
	if !ok {
		return nil, &model.ExecutionError{Msg: "Unknown tool: " + tool}
	}

	e.mu.RLock()
	handler, ok := e.handlers[service]
	e.mu.RUnlock()
	if !ok {
		return nil, &model.ExecutionError{Msg: "Service not configured: " + service}
	}

	result, err := handler.Execute(ctx, tool, args)
	if err != nil {
		return nil, &model.ExecutionError{Msg: err.Error()}
	}
	return result, nil
}

func (e *Executor) serviceFor(tool string) (string, bool) {
	for _, r := range e.routes {
		if strings.HasPrefix(tool, r.Prefix) {
			return r.Service, true
		}
	}
	return "", false
}

// HealthCheckAll runs HealthCheck against every registered handler,
// returning the per-service results. Its caller, the gateway's /healthz
// handler, only reports them; a false result is never fatal.
func (e *Executor) HealthCheckAll(ctx context.Context) map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	results := make(map[string]bool, len(e.handlers))
	for service, h := range e.handlers {
		results[service] = h.HealthCheck(ctx)
	}
	return results
}

// Close shuts down every registered handler, collecting (not stopping
// on) individual errors.
func (e *Executor) Close() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var firstErr error
	for _, h := range e.handlers {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
