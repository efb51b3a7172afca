// Package slack implements the messenger.Messenger contract (spec §4.I)
// against a real Slack workspace, using github.com/slack-go/slack —
// a direct dependency of jordigilh-kubernaut's notification subsystem
// in this corpus. Approval prompts are interactive-block messages with
// "Allow"/"Deny" buttons; decisions arrive over Socket Mode, the
// connection style that needs no public callback URL.
package slack

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/TorbenWetter/agent-gate/internal/messenger"
	"github.com/TorbenWetter/agent-gate/internal/model"
)

const (
	actionAllow = "agent_gate_allow"
	actionDeny  = "agent_gate_deny"
)

// Adapter binds the gateway's Messenger contract to one Slack channel.
// Safe for concurrent use; Start must be called exactly once.
type Adapter struct {
	api     *slack.Client
	client  *socketmode.Client
	channel string

	allowedUsers map[string]struct{}
	callback     messenger.CallbackFunc

	logger *zap.Logger
}

// New builds a Slack Adapter. botToken is an "xoxb-" bot token, appToken
// an "xapp-" app-level token for Socket Mode. allowedUsers is the closed
// set of Slack user ids whose button clicks are honored; it MUST be
// non-empty (spec §6.3) — enforced by config validation, not here.
func New(botToken, appToken, channel string, allowedUsers []string, logger *zap.Logger) *Adapter {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	client := socketmode.New(api)

	set := make(map[string]struct{}, len(allowedUsers))
	for _, u := range allowedUsers {
		set[u] = struct{}{}
	}

	return &Adapter{
		api:          api,
		client:       client,
		channel:      channel,
		allowedUsers: set,
		logger:       logger,
	}
}

// SetCallback registers the function invoked for every allowed-user
// approval decision. Must be called before Start.
func (a *Adapter) SetCallback(fn messenger.CallbackFunc) {
	a.callback = fn
}

// SendApproval posts an interactive prompt showing the request's
// signature with Allow/Deny buttons, returning the message timestamp
// Slack uses as a message id.
func (a *Adapter) SendApproval(ctx context.Context, req model.ToolRequest) (string, error) {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*Approval requested*\n`%s`", req.Signature), false, false),
			nil, nil,
		),
		slack.NewActionBlock("",
			slack.NewButtonBlockElement(actionAllow, req.ID, slack.NewTextBlockObject(slack.PlainTextType, "Allow", false, false)).WithStyle(slack.StylePrimary),
			slack.NewButtonBlockElement(actionDeny, req.ID, slack.NewTextBlockObject(slack.PlainTextType, "Deny", false, false)).WithStyle(slack.StyleDanger),
		),
	}

	_, timestamp, err := a.api.PostMessageContext(ctx, a.channel, slack.MsgOptionBlocks(blocks...))
	if err != nil {
		return "", fmt.Errorf("slack: send approval: %w", err)
	}
	return timestamp, nil
}

// UpdateApproval edits the prompt to its terminal state. Best-effort:
// callers must log and swallow any error this returns, never block
// resolution on it.
func (a *Adapter) UpdateApproval(ctx context.Context, messageID string, status messenger.ApprovalStatus, detail string) error {
	text := statusLabel(status)
	if detail != "" {
		text = detail
	}
	_, _, _, err := a.api.UpdateMessageContext(ctx, a.channel, messageID, slack.MsgOptionText(text, false))
	return err
}

// Start connects over Socket Mode and begins dispatching interaction
// callbacks in a background goroutine. Returns immediately; the
// connection is established in the background.
func (a *Adapter) Start(ctx context.Context) error {
	go a.client.RunContext(ctx)

	go func() {
		for evt := range a.client.Events {
			if evt.Type != socketmode.EventTypeInteractive {
				continue
			}
			callback, ok := evt.Data.(slack.InteractionCallback)
			if !ok {
				continue
			}
			a.client.Ack(*evt.Request)
			a.handleInteraction(callback)
		}
	}()
	return nil
}

// Stop is a no-op beyond context cancellation; Socket Mode tears down
// its connection when the context passed to Start is cancelled.
func (a *Adapter) Stop(ctx context.Context) error { return nil }

func (a *Adapter) handleInteraction(cb slack.InteractionCallback) {
	if _, allowed := a.allowedUsers[cb.User.ID]; !allowed {
		a.logger.Warn("discarding callback from non-allowed user", zap.String("user", cb.User.ID))
		return
	}
	if len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	action := cb.ActionCallback.BlockActions[0]

	var approved bool
	switch action.ActionID {
	case actionAllow:
		approved = true
	case actionDeny:
		approved = false
	default:
		return
	}

	if a.callback != nil {
		a.callback(messenger.Callback{
			RequestID: action.Value,
			Approved:  approved,
			User:      cb.User.ID,
			At:        time.Now(),
		})
	}
}

func statusLabel(status messenger.ApprovalStatus) string {
	switch status {
	case messenger.StatusApproved:
		return "Approved"
	case messenger.StatusDenied:
		return "Denied"
	case messenger.StatusExpired:
		return "Expired"
	case messenger.StatusShutdown:
		return "Gateway shut down"
	default:
		return string(status)
	}
}
