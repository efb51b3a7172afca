package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/TorbenWetter/agent-gate/internal/model"
	"github.com/TorbenWetter/agent-gate/internal/validator"
)

type sessionState int32

const (
	stateUnauthed sessionState = iota
	stateAuthed
	stateClosed
)

// Session runs the JSON-RPC state machine for one WebSocket connection
// (spec §4.J). v1 is single-agent: Gateway refuses a second AUTHED
// session while one is already active.
type Session struct {
	gateway   *Gateway
	transport Transport
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	stateMu sync.Mutex
	state   sessionState

	wg sync.WaitGroup
}

// NewSession wraps an accepted transport in a fresh, UNAUTHED session.
func NewSession(ctx context.Context, g *Gateway, t Transport, logger *zap.Logger) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		gateway:   g,
		transport: t,
		logger:    logger,
		ctx:       sctx,
		cancel:    cancel,
	}
}

// Run drives the session to completion: the auth handshake, then the
// dispatch loop, then teardown. It returns once the connection is gone.
func (s *Session) Run() {
	defer s.close()

	if !s.authenticate() {
		return
	}

	if !s.gateway.acquireSession(s) {
		s.writeResponse(errorResponse(nil, CodeNotAuthenticated, (&model.AuthError{Msg: "another agent session is already active"}).Error()))
		return
	}
	defer s.gateway.releaseSession(s)

	s.dispatchLoop()
}

// authenticate enforces the 10-second auth deadline: the first frame
// must be a well-formed auth request carrying the correct bearer token,
// or the connection is closed with -32005.
func (s *Session) authenticate() bool {
	type readResult struct {
		data []byte
		err  error
	}
	resultCh := make(chan readResult, 1)
	go func() {
		data, err := s.transport.ReadMessage()
		resultCh <- readResult{data, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return false
		}
		return s.handleAuthFrame(r.data)
	case <-time.After(AuthDeadline):
		s.writeResponse(errorResponse(nil, CodeNotAuthenticated, (&model.AuthError{Msg: "auth deadline exceeded"}).Error()))
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Session) handleAuthFrame(data []byte) bool {
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(errorResponse(nil, CodeParseError, "malformed auth frame"))
		return false
	}
	if !validJSONRPCVersion(req) {
		protoErr := &model.ProtocolError{Code: CodeInvalidRequest, Msg: "missing or unsupported jsonrpc version"}
		s.writeResponse(errorResponse(req.ID, protoErr.Code, protoErr.Error()))
		return false
	}
	if req.Method != "auth" {
		s.writeResponse(errorResponse(req.ID, CodeNotAuthenticated, (&model.AuthError{Msg: "first message must be auth"}).Error()))
		return false
	}
	var params authParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			protoErr := &model.ProtocolError{Code: CodeInvalidRequest, Msg: "malformed auth params"}
			s.writeResponse(errorResponse(req.ID, protoErr.Code, protoErr.Error()))
			return false
		}
	}
	if !s.gateway.authenticate(params.Token) {
		s.writeResponse(errorResponse(req.ID, CodeNotAuthenticated, (&model.AuthError{Msg: "invalid token"}).Error()))
		return false
	}
	if !s.gateway.acquireSession(s) {
		s.writeResponse(errorResponse(req.ID, CodeNotAuthenticated, (&model.AuthError{Msg: "another agent session is already active"}).Error()))
		return false
	}

	s.stateMu.Lock()
	s.state = stateAuthed
	s.stateMu.Unlock()

	s.writeResponse(resultResponse(req.ID, map[string]bool{"authenticated": true}))
	return true
}

// dispatchLoop reads frames until the connection drops, spawning one
// goroutine per request so a slow `ask` pipeline never blocks other
// in-flight requests (spec §8's concurrent-pipelining property).
func (s *Session) dispatchLoop() {
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			break
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			s.writeResponse(errorResponse(nil, CodeParseError, "malformed request"))
			continue
		}
		if !validJSONRPCVersion(req) {
			protoErr := &model.ProtocolError{Code: CodeInvalidRequest, Msg: "missing or unsupported jsonrpc version"}
			s.writeResponse(errorResponse(req.ID, protoErr.Code, protoErr.Error()))
			continue
		}

		s.wg.Add(1)
		go func(req rpcRequest) {
			defer s.wg.Done()
			if resp := s.dispatch(req); resp != nil {
				s.writeResponse(resp)
			}
		}(req)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Session) dispatch(req rpcRequest) *rpcResponse {
	switch req.Method {
	case "auth":
		return errorResponse(req.ID, CodeInvalidRequest, "already authenticated")
	case "tool_request":
		return s.handleToolRequest(req)
	case "get_pending_results":
		return s.handleGetPendingResults(req)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}
}

func (s *Session) handleToolRequest(req rpcRequest) *rpcResponse {
	g := s.gateway

	var params toolRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, "malformed tool_request params")
	}

	if err := g.limiter.AllowRequest(); err != nil {
		return errorResponse(req.ID, CodeRateLimitExceeded, err.Error())
	}

	if err := validator.Validate(g.validators, params.Tool, params.Args); err != nil {
		return errorResponse(req.ID, CodeInvalidRequest, err.Error())
	}

	sig := g.signatures.Build(params.Tool, params.Args)
	requestID := newRequestID()
	decision := g.engine.Evaluate(sig)
	if g.metrics != nil {
		g.metrics.RequestsTotal.WithLabelValues(string(decision)).Inc()
	}

	switch decision {
	case model.Deny:
		g.auditResolution(requestID, params.Tool, sig, params.Args, model.Deny, model.ResolutionDeniedByPolicy, "", nil)
		return errorResponse(req.ID, CodePolicyDenied, (&model.PolicyDenialError{Signature: sig}).Error())

	case model.Allow:
		data, err := g.executor.Execute(s.ctx, params.Tool, params.Args)
		if err != nil {
			g.auditResolution(requestID, params.Tool, sig, params.Args, model.Allow, model.ResolutionExecuted, "", nil)
			return errorResponse(req.ID, CodeExecutionFailed, err.Error())
		}
		g.auditResolution(requestID, params.Tool, sig, params.Args, model.Allow, model.ResolutionExecuted, "", data)
		return resultResponse(req.ID, toolRequestResult{Status: string(model.StatusExecuted), Data: data})

	default: // model.Ask
		return s.handleAsk(req.ID, requestID, model.ToolRequest{ID: requestID, Tool: params.Tool, Args: params.Args, Signature: sig})
	}
}

func (s *Session) handleAsk(rpcID json.RawMessage, requestID string, tr model.ToolRequest) *rpcResponse {
	g := s.gateway

	if err := g.limiter.ReservePending(); err != nil {
		return errorResponse(rpcID, CodeRateLimitExceeded, err.Error())
	}
	if g.metrics != nil {
		g.metrics.PendingApprovals.Set(float64(g.limiter.PendingCount()))
	}

	now := time.Now()
	expiresAt := now.Add(g.approvalTimeout)

	if err := g.store.InsertPending(requestID, tr.Tool, tr.Args, tr.Signature, expiresAt); err != nil {
		g.limiter.ReleasePending()
		return errorResponse(rpcID, CodeExecutionFailed, "failed to persist pending approval: "+err.Error())
	}

	pa := newPendingApproval(tr, now, expiresAt)

	g.pendingMu.Lock()
	g.pending[requestID] = pa
	g.pendingMu.Unlock()

	messageID, err := g.messenger.SendApproval(s.ctx, tr)
	if err != nil {
		g.pendingMu.Lock()
		delete(g.pending, requestID)
		g.pendingMu.Unlock()
		g.limiter.ReleasePending()
		_ = g.store.DeletePending(requestID)
		return errorResponse(rpcID, CodeExecutionFailed, "failed to send approval prompt: "+err.Error())
	}
	pa.setMessageID(messageID)
	if err := g.store.SetMessageID(requestID, messageID); err != nil {
		s.logger.Warn("failed to persist approval message id", zap.String("request_id", requestID), zap.Error(err))
	}

	pa.timer = time.AfterFunc(g.approvalTimeout, func() {
		g.resolve(context.Background(), requestID, outcomeTimeout, "timeout")
	})

	select {
	case delivery := <-pa.done:
		// Live delivery: the durable record already has the result
		// (resolve persists before it ever reaches this channel), and
		// no future get_pending_results will need it again.
		if err := g.store.DeletePending(requestID); err != nil {
			s.logger.Warn("failed to delete delivered pending record", zap.String("request_id", requestID), zap.Error(err))
		}
		if delivery.rpcErr != nil {
			return errorResponse(rpcID, delivery.rpcErr.Code, delivery.rpcErr.Message)
		}
		return resultResponse(rpcID, toolRequestResult{Status: string(delivery.result.Status), Data: delivery.result.Data})

	case <-s.ctx.Done():
		// Connection gone. Leave the durable record and the in-memory
		// pendingApproval exactly as they are: the timer (or a later
		// shutdown sweep, or a still-arriving messenger click) remains
		// the only way this gets resolved, and get_pending_results
		// picks up the result on reconnect.
		return nil
	}
}

func (s *Session) handleGetPendingResults(req rpcRequest) *rpcResponse {
	records, err := s.gateway.store.DrainResultsForAgent()
	if err != nil {
		return errorResponse(req.ID, CodeExecutionFailed, "failed to drain pending results: "+err.Error())
	}

	queued := make([]queuedResult, 0, len(records))
	for _, rec := range records {
		var result model.ToolResult
		if err := json.Unmarshal(rec.Result, &result); err != nil {
			s.logger.Error("corrupt queued result", zap.String("request_id", rec.RequestID), zap.Error(err))
			continue
		}
		queued = append(queued, queuedResult{
			RequestID: rec.RequestID,
			Status:    string(result.Status),
			Data:      result.Data,
		})
	}
	return resultResponse(req.ID, getPendingResultsResult{Queued: queued})
}

func (s *Session) writeResponse(resp *rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.transport.WriteMessage(data); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debug("write failed, connection likely gone", zap.Error(err))
	}
}

func (s *Session) close() {
	s.stateMu.Lock()
	s.state = stateClosed
	s.stateMu.Unlock()
	s.cancel()
	_ = s.transport.Close()
}
