package gateway

import (
	"sync"
	"time"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// resolveOutcome names the four origins that can complete a pending
// approval: spec §3's invariant is that exactly one of them ever does.
type resolveOutcome string

const (
	outcomeApproved resolveOutcome = "approved"
	outcomeDenied   resolveOutcome = "denied"
	outcomeTimeout  resolveOutcome = "timeout"
	outcomeShutdown resolveOutcome = "shutdown"
)

// pendingApproval is the in-memory bookkeeping for one suspended `ask`
// request (spec §3's PendingApproval, §9's "immutable descriptor plus a
// small resolution object" shape). The request itself is immutable;
// resolved and messageID are only ever touched under mu. The single-shot
// done channel needs no lock, and timer is set once by the goroutine
// that arms it.
type pendingApproval struct {
	request   model.ToolRequest
	createdAt time.Time
	expiresAt time.Time
	timer     *time.Timer

	mu        sync.Mutex
	resolved  bool
	messageID string

	// done delivers the finished outcome to whichever goroutine is
	// still suspended on the original tool_request, if any. Buffered 1
	// so resolve() never blocks on a reader that may have already given
	// up after a disconnect.
	done chan resolveDelivery
}

// resolveDelivery is what resolve() hands to a still-waiting tool_request
// goroutine. The waiting goroutine owns turning this into a properly
// ID'd JSON-RPC response; resolve() itself never sees the request id.
type resolveDelivery struct {
	result model.ToolResult
	rpcErr *rpcError
}

func newPendingApproval(req model.ToolRequest, createdAt, expiresAt time.Time) *pendingApproval {
	return &pendingApproval{
		request:   req,
		createdAt: createdAt,
		expiresAt: expiresAt,
		done:      make(chan resolveDelivery, 1),
	}
}

// tryResolve flips the resolved flag exactly once and reports whether
// this call was the one to do it. All four resolution origins
// (messenger callback, timer, shutdown sweep, and — defensively — a
// second callback) call this before doing any work; only the winner
// proceeds.
func (p *pendingApproval) tryResolve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	return true
}

func (p *pendingApproval) setMessageID(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messageID = id
}

func (p *pendingApproval) getMessageID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messageID
}

func resolutionFor(outcome resolveOutcome) model.Resolution {
	switch outcome {
	case outcomeApproved:
		return model.ResolutionExecuted
	case outcomeDenied:
		return model.ResolutionDeniedByUser
	case outcomeTimeout:
		return model.ResolutionTimeout
	default:
		return model.ResolutionGatewayShutdown
	}
}
