package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/TorbenWetter/agent-gate/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPendingRoundTrip(t *testing.T) {
	s := openTestStore(t)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.InsertPending("req-1", "ha_call_service", map[string]any{"domain": "light"}, "ha_call_service(light.turn_on)", expires))

	rec, err := s.GetPending("req-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "req-1", rec.RequestID)
	require.Equal(t, "ha_call_service", rec.ToolName)
	require.Nil(t, rec.Result)

	again, err := json.Marshal(rec)
	require.NoError(t, err)
	reParsed := &model.PendingRecord{}
	require.NoError(t, json.Unmarshal(again, reParsed))
	reSerialized, err := json.Marshal(reParsed)
	require.NoError(t, err)
	require.JSONEq(t, string(again), string(reSerialized))
}

func TestDrainResultsIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	expires := time.Now().Add(time.Hour)
	require.NoError(t, s.InsertPending("req-1", "ha_get_state", nil, "ha_get_state(sensor.temp)", expires))
	require.NoError(t, s.SetResult("req-1", json.RawMessage(`{"status":"executed"}`)))

	drained, err := s.DrainResultsForAgent()
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.Equal(t, "req-1", drained[0].RequestID)

	again, err := s.DrainResultsForAgent()
	require.NoError(t, err)
	require.Empty(t, again)

	rec, err := s.GetPending("req-1")
	require.NoError(t, err)
	require.Nil(t, rec, "drained record should be deleted")
}

func TestCleanupStaleOnlySweepsUnresolvedExpired(t *testing.T) {
	s := openTestStore(t)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	require.NoError(t, s.InsertPending("expired-unresolved", "ha_call_service", nil, "sig-a", past))
	require.NoError(t, s.InsertPending("expired-resolved", "ha_call_service", nil, "sig-b", past))
	require.NoError(t, s.SetResult("expired-resolved", json.RawMessage(`{"status":"denied"}`)))
	require.NoError(t, s.InsertPending("still-pending", "ha_call_service", nil, "sig-c", future))

	expired, err := s.CleanupStale(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "expired-unresolved", expired[0].RequestID)

	rec, err := s.GetPending("still-pending")
	require.NoError(t, err)
	require.NotNil(t, rec)

	resolved, err := s.GetPending("expired-resolved")
	require.NoError(t, err)
	require.NotNil(t, resolved, "resolved-but-undrained records are not stale")
}

func TestCleanupStaleIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertPending("req-1", "ha_get_state", nil, "sig", time.Now().Add(-time.Minute)))

	first, err := s.CleanupStale(time.Now())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := s.CleanupStale(time.Now())
	require.NoError(t, err)
	require.Empty(t, second)
}

func TestAuditQueryNewestFirst(t *testing.T) {
	s := openTestStore(t)

	for i, id := range []string{"req-1", "req-2", "req-3"} {
		entry := model.AuditEntry{
			RequestID: id,
			Timestamp: float64(1000 + i),
			ToolName:  "ha_get_state",
			Decision:  model.Allow,
			AgentID:   "default",
		}
		require.NoError(t, s.Log(entry))
	}

	entries, err := s.Query(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "req-3", entries[0].RequestID)
	require.Equal(t, "req-2", entries[1].RequestID)
}

func TestDeletePending(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.InsertPending("req-1", "ha_get_state", nil, "sig", time.Now().Add(time.Hour)))
	require.NoError(t, s.DeletePending("req-1"))

	rec, err := s.GetPending("req-1")
	require.NoError(t, err)
	require.Nil(t, rec)

	require.NoError(t, s.DeletePending("req-1"), "deleting a missing record is a no-op")
}
