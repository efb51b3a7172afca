package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReservePendingCap(t *testing.T) {
	l := New(60, 2)

	require.NoError(t, l.ReservePending())
	require.NoError(t, l.ReservePending())
	require.Error(t, l.ReservePending(), "third reservation should exceed the cap of 2")

	l.ReleasePending()
	require.NoError(t, l.ReservePending(), "releasing a slot should free capacity")
}

func TestPendingCountTracksReservations(t *testing.T) {
	l := New(60, 5)
	require.Equal(t, 0, l.PendingCount())

	require.NoError(t, l.ReservePending())
	require.Equal(t, 1, l.PendingCount())

	l.ReleasePending()
	require.Equal(t, 0, l.PendingCount())
}

func TestAllowRequestBurstThenLimit(t *testing.T) {
	l := New(2, 10)

	require.NoError(t, l.AllowRequest())
	require.NoError(t, l.AllowRequest())
	require.Error(t, l.AllowRequest(), "third immediate request should exceed the burst of 2")
}
