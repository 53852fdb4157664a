package commands

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransition_Table(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		to    Status
		ok    bool
	}{
		{StatusPending, EventDeliver, StatusQueued, true},
		{StatusQueued, EventDeliver, "", false},
		{StatusPending, EventClaim, StatusInProgress, true},
		{StatusQueued, EventClaim, StatusInProgress, true},
		{StatusInProgress, EventClaim, "", false},
		{StatusPending, EventCancel, StatusCancelled, true},
		{StatusQueued, EventCancel, StatusCancelled, true},
		{StatusInProgress, EventCancel, "", false},
		{StatusCompleted, EventCancel, "", false},
		{StatusInProgress, EventAckSuccess, StatusCompleted, true},
		{StatusInProgress, EventAckFailure, StatusFailed, true},
		{StatusPending, EventAckSuccess, "", false},
		{StatusCompleted, EventAckSuccess, "", false},
		{StatusPending, EventExpire, StatusExpired, true},
		{StatusQueued, EventExpire, StatusExpired, true},
		{StatusInProgress, EventExpire, StatusExpired, true},
		{StatusFailed, EventExpire, "", false},
		{StatusFailed, EventRetry, StatusRetried, true},
		{StatusRetried, EventRetry, "", false},
		{StatusCompleted, EventRetry, "", false},
		{StatusPending, Event("bogus"), "", false},
	}
	for _, tc := range cases {
		to, err := Transition(tc.from, tc.event)
		if !tc.ok {
			require.Error(t, err, "%s from %s", tc.event, tc.from)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
			var ite *InvalidTransitionError
			require.True(t, errors.As(err, &ite))
			assert.Equal(t, tc.from, ite.From)
			continue
		}
		require.NoError(t, err, "%s from %s", tc.event, tc.from)
		assert.Equal(t, tc.to, to)
	}
}

func TestTransition_ClaimedNeverReturnsToQueue(t *testing.T) {
	for _, event := range []Event{EventDeliver, EventClaim} {
		_, err := Transition(StatusInProgress, event)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestApply_StampsTimestamps(t *testing.T) {
	now := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	cmd := mustNew(t, now)

	require.NoError(t, Apply(cmd, EventClaim, Change{At: now.Add(time.Second)}))
	require.NotNil(t, cmd.ClaimedAt)
	assert.Nil(t, cmd.CompletedAt)
	assert.Equal(t, StatusInProgress, cmd.Status)

	require.NoError(t, Apply(cmd, EventAckFailure, Change{
		At:       now.Add(2 * time.Second),
		Result:   []byte(`{"code":7}`),
		Metadata: Metadata{FailureReason: "no permission"},
	}))
	require.NotNil(t, cmd.CompletedAt)
	failedAt := *cmd.CompletedAt
	assert.JSONEq(t, `{"code":7}`, string(cmd.Result))

	require.NoError(t, Apply(cmd, EventRetry, Change{At: now.Add(time.Minute), Metadata: Metadata{RetriedAs: "next"}}))
	assert.Equal(t, StatusRetried, cmd.Status)
	assert.Equal(t, failedAt, *cmd.CompletedAt)
	assert.Equal(t, "no permission", cmd.Metadata.FailureReason)
	assert.Equal(t, "next", cmd.Metadata.RetriedAs)
}

func TestApply_RejectedEventLeavesCommandUntouched(t *testing.T) {
	now := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	cmd := mustNew(t, now)
	before := *cmd

	err := Apply(cmd, EventAckSuccess, Change{At: now, Result: []byte(`{"x":1}`)})
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, cmd.ID, ite.CommandID)
	assert.Equal(t, before, *cmd)
}

func TestMetadataMerge_NeverClears(t *testing.T) {
	base := Metadata{QueuedBy: "alice", RetryOf: "c1", RetryCount: 1}
	merged := base.Merge(Metadata{CancelledBy: "bob"})
	assert.Equal(t, "alice", merged.QueuedBy)
	assert.Equal(t, "c1", merged.RetryOf)
	assert.Equal(t, 1, merged.RetryCount)
	assert.Equal(t, "bob", merged.CancelledBy)
}

func mustNew(t *testing.T, now time.Time) *Command {
	t.Helper()
	cmd, err := New(Draft{
		ID:          "cmd-1",
		DeviceID:    "device-1",
		CommandType: TypeTakeScreenshot,
		TTL:         time.Hour,
	}, now)
	require.NoError(t, err)
	return cmd
}
