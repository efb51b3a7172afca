// Package messenger defines the out-of-band adapter contract of spec
// §4.I: the capability set {send, update, set_callback, start, stop} the
// orchestrator uses to post approval prompts to a human and learn their
// decision. Concrete bindings (e.g. internal/messenger/slack) implement
// this interface; the orchestrator never depends on a specific backend.
package messenger

import (
	"context"
	"time"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

// ApprovalStatus is the terminal state an update_approval edit reports.
type ApprovalStatus string

const (
	StatusApproved ApprovalStatus = "approved"
	StatusDenied   ApprovalStatus = "denied"
	StatusExpired  ApprovalStatus = "expired"
	StatusShutdown ApprovalStatus = "shutdown"
)

// Callback is the payload delivered when a human picks allow/deny.
type Callback struct {
	RequestID string
	Approved  bool
	User      string
	At        time.Time
}

// CallbackFunc is invoked by the adapter for every filtered, accepted
// callback. The adapter guarantees it has already checked User against
// its configured allowed-user list; the orchestrator never re-checks it.
type CallbackFunc func(Callback)

// Messenger is the adapter boundary between the orchestrator and a
// concrete chat backend.
type Messenger interface {
	// SendApproval posts a prompt showing req.Signature with allow/deny
	// affordances and returns an opaque message id usable for later edits.
	SendApproval(ctx context.Context, req model.ToolRequest) (messageID string, err error)

	// UpdateApproval is best-effort: a failed edit is logged and
	// swallowed by the caller, never allowed to block resolution.
	UpdateApproval(ctx context.Context, messageID string, status ApprovalStatus, detail string) error

	// SetCallback registers the function invoked on every accepted human
	// decision. Must be called before Start.
	SetCallback(fn CallbackFunc)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
