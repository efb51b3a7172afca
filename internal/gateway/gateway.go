package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TorbenWetter/agent-gate/internal/executor"
	"github.com/TorbenWetter/agent-gate/internal/messenger"
	"github.com/TorbenWetter/agent-gate/internal/metrics"
	"github.com/TorbenWetter/agent-gate/internal/model"
	"github.com/TorbenWetter/agent-gate/internal/ratelimit"
	"github.com/TorbenWetter/agent-gate/internal/signature"
	"github.com/TorbenWetter/agent-gate/internal/store"
	"github.com/TorbenWetter/agent-gate/internal/validator"
	"github.com/TorbenWetter/agent-gate/pkg/policy"
)

// AuthDeadline is the wall-clock window a freshly accepted connection
// has to send its auth frame (spec §4.J). A var, not a const, so tests
// can shrink it instead of taking the full ten seconds.
var AuthDeadline = 10 * time.Second

// defaultAgentID is the agent_id recorded on an audit entry when a
// request carries none (spec §3/§6.2: v1 is single-agent, so every
// entry defaults to "default" rather than an empty string).
const defaultAgentID = "default"

// Gateway is the process-wide orchestrator. Exactly one connection may
// be AUTHED at a time (v1 single-agent, spec §4.J); Gateway enforces
// that and owns the in-memory pending-approval map exclusively — its
// durable twin lives in store.Store.
type Gateway struct {
	logger     *zap.Logger
	engine     *policy.Engine
	validators *validator.Registry
	signatures *signature.Registry
	limiter    *ratelimit.Limiter
	store      *store.Store
	executor   *executor.Executor
	messenger  messenger.Messenger
	metrics    *metrics.Metrics

	agentToken      string
	approvalTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]*pendingApproval

	sessionMu sync.Mutex
	active    *Session

	shutdownOnce sync.Once
}

// Config bundles the constructor dependencies for New.
type Config struct {
	Logger          *zap.Logger
	Engine          *policy.Engine
	Validators      *validator.Registry
	Signatures      *signature.Registry
	Limiter         *ratelimit.Limiter
	Store           *store.Store
	Executor        *executor.Executor
	Messenger       messenger.Messenger
	Metrics         *metrics.Metrics
	AgentToken      string
	ApprovalTimeout time.Duration
}

// New builds a Gateway and registers its messenger callback.
func New(cfg Config) *Gateway {
	g := &Gateway{
		logger:          cfg.Logger,
		engine:          cfg.Engine,
		validators:      cfg.Validators,
		signatures:      cfg.Signatures,
		limiter:         cfg.Limiter,
		store:           cfg.Store,
		executor:        cfg.Executor,
		messenger:       cfg.Messenger,
		metrics:         cfg.Metrics,
		agentToken:      cfg.AgentToken,
		approvalTimeout: cfg.ApprovalTimeout,
		pending:         make(map[string]*pendingApproval),
	}
	g.messenger.SetCallback(g.onMessengerCallback)
	return g
}

// RearmPendingApprovals restores durable pending records left over from a
// previous process. This answers spec §9's open question in the "re-arm"
// direction: records whose expires_at is still in the future are re-armed
// with their remaining window and kept under their original message id, so
// a human who approves or denies them after the restart still resolves the
// same request; records already past expires_at are discarded with a
// best-effort "gateway restarted" edit rather than silently dropped.
func (g *Gateway) RearmPendingApprovals(ctx context.Context) error {
	now := time.Now()

	expired, err := g.store.CleanupStale(now)
	if err != nil {
		return err
	}
	for _, rec := range expired {
		g.logger.Warn("discarding stale pending approval from a previous process",
			zap.String("request_id", rec.RequestID))
		if rec.MessageID != nil {
			if err := g.messenger.UpdateApproval(ctx, *rec.MessageID, messenger.StatusExpired, "gateway restarted; please re-request"); err != nil {
				g.logger.Warn("failed to edit stale approval message", zap.Error(err))
			}
		}
		g.auditResolution(rec.RequestID, rec.ToolName, rec.Signature, rec.Args, model.Ask, model.ResolutionTimeout, "timeout", nil)
	}

	live, err := g.store.ListLive(now)
	if err != nil {
		return err
	}
	for _, rec := range live {
		if err := g.limiter.ReservePending(); err != nil {
			g.logger.Warn("dropping recovered pending approval, concurrent cap already full",
				zap.String("request_id", rec.RequestID))
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		expiresAt, _ := time.Parse(time.RFC3339, rec.ExpiresAt)
		req := model.ToolRequest{ID: rec.RequestID, Tool: rec.ToolName, Args: rec.Args, Signature: rec.Signature}
		pa := newPendingApproval(req, createdAt, expiresAt)
		if rec.MessageID != nil {
			pa.setMessageID(*rec.MessageID)
		}

		g.pendingMu.Lock()
		g.pending[rec.RequestID] = pa
		g.pendingMu.Unlock()

		requestID := rec.RequestID
		pa.timer = time.AfterFunc(time.Until(expiresAt), func() {
			g.resolve(context.Background(), requestID, outcomeTimeout, "timeout")
		})
		if g.metrics != nil {
			g.metrics.PendingApprovals.Set(float64(g.limiter.PendingCount()))
		}
		g.logger.Info("re-armed pending approval from a previous process",
			zap.String("request_id", rec.RequestID), zap.Duration("remaining", time.Until(expiresAt)))
	}
	return nil
}

// authenticate performs the constant-time bearer check. The token is
// never echoed back in any error.
func (g *Gateway) authenticate(token string) bool {
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.agentToken)) == 1
}

// acquireSession enforces the single-connection invariant (spec §8
// property 7): a second concurrent AUTHED attempt is refused before it
// reaches AUTHED. Acquiring again with the session that already holds
// the slot succeeds.
func (g *Gateway) acquireSession(s *Session) bool {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if g.active != nil && g.active != s {
		return false
	}
	g.active = s
	return true
}

func (g *Gateway) releaseSession(s *Session) {
	g.sessionMu.Lock()
	defer g.sessionMu.Unlock()
	if g.active == s {
		g.active = nil
	}
}

// Shutdown sweeps every remaining in-memory pending approval with the
// shutdown outcome, releasing its slot under the owning per-request
// mutex (spec §4.J's "shutdown sweeps all remaining pending entries").
func (g *Gateway) Shutdown(ctx context.Context) {
	g.shutdownOnce.Do(func() {
		g.pendingMu.Lock()
		ids := make([]string, 0, len(g.pending))
		for id := range g.pending {
			ids = append(ids, id)
		}
		g.pendingMu.Unlock()

		for _, id := range ids {
			g.resolve(ctx, id, outcomeShutdown, "shutdown")
		}
	})
}

// onMessengerCallback is wired to the messenger adapter's SetCallback.
// The adapter has already filtered the click to an allowed user; the
// gateway trusts that and only maps it to an outcome.
func (g *Gateway) onMessengerCallback(cb messenger.Callback) {
	outcome := outcomeDenied
	if cb.Approved {
		outcome = outcomeApproved
	}
	g.resolve(context.Background(), cb.RequestID, outcome, cb.User)
}

// resolve is the single place a pendingApproval's fate is ever decided.
// It always persists the outcome to the store before attempting live
// delivery, so an agent that is offline right now still sees the result
// the next time it calls get_pending_results (spec §4.J, §9).
func (g *Gateway) resolve(ctx context.Context, requestID string, outcome resolveOutcome, actor string) {
	g.pendingMu.Lock()
	pa, ok := g.pending[requestID]
	if ok {
		delete(g.pending, requestID)
	}
	g.pendingMu.Unlock()
	if !ok {
		return
	}
	if !pa.tryResolve() {
		return
	}
	if pa.timer != nil {
		pa.timer.Stop()
	}
	g.limiter.ReleasePending()
	if g.metrics != nil {
		g.metrics.PendingApprovals.Set(float64(g.limiter.PendingCount()))
		g.metrics.ApprovalLatency.Observe(time.Since(pa.createdAt).Seconds())
	}

	var rpcErr *rpcError
	result := model.ToolResult{RequestID: requestID}

	switch outcome {
	case outcomeApproved:
		data, err := g.executor.Execute(ctx, pa.request.Tool, pa.request.Args)
		if err != nil {
			rpcErr = &rpcError{Code: CodeExecutionFailed, Message: err.Error()}
			result.Status = model.StatusDenied
		} else {
			result.Status = model.StatusExecuted
			result.Data = data
		}
	case outcomeDenied:
		rpcErr = &rpcError{Code: CodeDeniedByUser, Message: (&model.UserDenialError{By: actor}).Error()}
		result.Status = model.StatusDenied
	case outcomeTimeout:
		rpcErr = &rpcError{Code: CodeApprovalTimeout, Message: (&model.TimeoutError{RequestID: requestID}).Error()}
		result.Status = model.StatusDenied
	default: // outcomeShutdown
		rpcErr = &rpcError{Code: CodeApprovalTimeout, Message: "gateway shutting down"}
		result.Status = model.StatusDenied
	}

	resolution := resolutionFor(outcome)
	g.auditResolution(requestID, pa.request.Tool, pa.request.Signature, pa.request.Args, model.Ask, resolution, actor, result.Data)

	payload, err := json.Marshal(result)
	if err != nil {
		g.logger.Error("failed to marshal resolved result", zap.String("request_id", requestID), zap.Error(err))
	} else if err := g.store.SetResult(requestID, payload); err != nil {
		g.logger.Error("failed to persist resolved result", zap.String("request_id", requestID), zap.Error(err))
	}

	if messageID := pa.getMessageID(); messageID != "" {
		status := messenger.StatusApproved
		detail := fmt.Sprintf("Approved by %s at %s", actor, time.Now().Format("15:04"))
		switch outcome {
		case outcomeDenied:
			status = messenger.StatusDenied
			detail = fmt.Sprintf("Denied by %s at %s", actor, time.Now().Format("15:04"))
		case outcomeTimeout:
			status = messenger.StatusExpired
			detail = ""
		case outcomeShutdown:
			status = messenger.StatusShutdown
			detail = ""
		}
		if err := g.messenger.UpdateApproval(ctx, messageID, status, detail); err != nil {
			g.logger.Warn("failed to edit approval message", zap.String("request_id", requestID), zap.Error(err))
		}
	}

	select {
	case pa.done <- resolveDelivery{result: result, rpcErr: rpcErr}:
	default:
	}
}

// auditResolution writes one append-only audit entry. Ask requests are
// logged exactly once, at resolution time, so that decision and
// resolution always land in the same immutable record rather than
// requiring an update to an already-written entry.
func (g *Gateway) auditResolution(requestID, tool, signature string, args map[string]any, decision model.Decision, resolution model.Resolution, actor string, execResult json.RawMessage) {
	now := nowEpoch()
	entry := model.AuditEntry{
		RequestID:  requestID,
		Timestamp:  now,
		ToolName:   tool,
		Args:       args,
		Signature:  signature,
		Decision:   decision,
		Resolution: &resolution,
		ResolvedAt: &now,
		ExecResult: execResult,
		AgentID:    defaultAgentID,
	}
	if actor != "" {
		entry.ResolvedBy = &actor
	}
	if err := g.store.Log(entry); err != nil {
		g.logger.Error("failed to write audit entry", zap.String("request_id", requestID), zap.Error(err))
	}
}

// ServeWebSocket upgrades r and runs a Session over the resulting
// connection until it disconnects. Intended to be mounted at the
// gateway's WebSocket path by cmd/agent-gate.
func (g *Gateway) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	transport, err := Upgrade(w, r)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	session := NewSession(r.Context(), g, transport, g.logger)
	session.Run()
}

// HealthHandler reports liveness plus the per-service downstream status
// from the executor. Never blocks on anything but the services' own
// health checks, and never fails the process even if every service is
// down — spec §5 treats this as observational only.
func (g *Gateway) HealthHandler(w http.ResponseWriter, r *http.Request) {
	results := g.executor.HealthCheckAll(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"services": results,
	})
}

func newRequestID() string { return uuid.NewString() }

func nowEpoch() float64 { return float64(time.Now().UnixNano()) / 1e9 }

func jsonOf(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`"marshal error: %s"`, err))
	}
	return data
}
