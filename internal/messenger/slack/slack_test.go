package slack

import (
	"testing"
	"time"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TorbenWetter/agent-gate/internal/messenger"
)

func testAdapter(allowed []string) *Adapter {
	return New("xoxb-test", "xapp-test", "C123", allowed, zap.NewNop())
}

func interactionFor(userID, actionID, value string) goslack.InteractionCallback {
	cb := goslack.InteractionCallback{}
	cb.User.ID = userID
	cb.ActionCallback.BlockActions = []*goslack.BlockAction{{ActionID: actionID, Value: value}}
	return cb
}

func TestHandleInteractionDiscardsNonAllowedUser(t *testing.T) {
	a := testAdapter([]string{"U_ALLOWED"})

	var got *messenger.Callback
	a.SetCallback(func(cb messenger.Callback) { got = &cb })

	a.handleInteraction(interactionFor("U_STRANGER", actionAllow, "req-1"))
	require.Nil(t, got)
}

func TestHandleInteractionAllowMapsToApprovedTrue(t *testing.T) {
	a := testAdapter([]string{"U_ALLOWED"})

	var got *messenger.Callback
	a.SetCallback(func(cb messenger.Callback) { got = &cb })

	before := time.Now()
	a.handleInteraction(interactionFor("U_ALLOWED", actionAllow, "req-1"))
	require.NotNil(t, got)
	require.True(t, got.Approved)
	require.Equal(t, "req-1", got.RequestID)
	require.Equal(t, "U_ALLOWED", got.User)
	require.False(t, got.At.Before(before))
}

func TestHandleInteractionDenyMapsToApprovedFalse(t *testing.T) {
	a := testAdapter([]string{"U_ALLOWED"})

	var got *messenger.Callback
	a.SetCallback(func(cb messenger.Callback) { got = &cb })

	a.handleInteraction(interactionFor("U_ALLOWED", actionDeny, "req-2"))
	require.NotNil(t, got)
	require.False(t, got.Approved)
}

func TestHandleInteractionIgnoresUnknownAction(t *testing.T) {
	a := testAdapter([]string{"U_ALLOWED"})

	var got *messenger.Callback
	a.SetCallback(func(cb messenger.Callback) { got = &cb })

	a.handleInteraction(interactionFor("U_ALLOWED", "something_else", "req-3"))
	require.Nil(t, got)
}

func TestStatusLabelCoversAllStatuses(t *testing.T) {
	cases := map[messenger.ApprovalStatus]string{
		messenger.StatusApproved: "Approved",
		messenger.StatusDenied:   "Denied",
		messenger.StatusExpired:  "Expired",
		messenger.StatusShutdown: "Gateway shut down",
	}
	for status, want := range cases {
		require.Equal(t, want, statusLabel(status))
	}
}
