package diagnostics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_RecordAndGet(t *testing.T) {
	tracker := NewTracker(5)
	tracker.Register("entry-1", "Home")

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker.Record("entry-1", RefreshRecord{Timestamp: base, Success: true, Periods: 14, DurationMs: 120})
	tracker.Record("entry-1", RefreshRecord{Timestamp: base.Add(time.Hour), Success: false, Error: "503"})
	tracker.Record("entry-1", RefreshRecord{Timestamp: base.Add(2 * time.Hour), Success: false, Error: "503"})

	diag, ok := tracker.Get("entry-1")
	require.True(t, ok)
	assert.Equal(t, "Home", diag.Title)
	assert.Equal(t, 3, diag.Refreshes)
	assert.Equal(t, 2, diag.Failures)
	assert.Equal(t, 2, diag.ConsecutiveFailures)
	assert.Equal(t, base, diag.LastSuccess)
	assert.Equal(t, base.Add(2*time.Hour), diag.LastFailure)
	require.Len(t, diag.History, 3)
	assert.Equal(t, 14, diag.History[0].Periods)

	tracker.Record("entry-1", RefreshRecord{Timestamp: base.Add(3 * time.Hour), Success: true})
	diag, _ = tracker.Get("entry-1")
	assert.Equal(t, 0, diag.ConsecutiveFailures)
}

func TestTracker_RingBufferKeepsNewest(t *testing.T) {
	tracker := NewTracker(3)
	tracker.Register("e", "E")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		tracker.Record("e", RefreshRecord{Timestamp: base.Add(time.Duration(i) * time.Minute), Success: true})
	}

	diag, ok := tracker.Get("e")
	require.True(t, ok)
	assert.Equal(t, 5, diag.Refreshes)
	require.Len(t, diag.History, 3)
	assert.Equal(t, base.Add(2*time.Minute), diag.History[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Minute), diag.History[2].Timestamp)
}

func TestTracker_UnknownAndRemoved(t *testing.T) {
	tracker := NewTracker(0)

	tracker.Record("ghost", RefreshRecord{Success: true})
	_, ok := tracker.Get("ghost")
	assert.False(t, ok)

	tracker.Register("b", "B")
	tracker.Register("a", "A")
	tracker.RecordSetupAttempt("a")
	tracker.RecordSetupAttempt("a")

	all := tracker.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].EntryID)
	assert.Equal(t, 2, all[0].SetupAttempts)

	tracker.Register("a", "Renamed")
	diag, _ := tracker.Get("a")
	assert.Equal(t, "Renamed", diag.Title)
	assert.Equal(t, 2, diag.SetupAttempts, "re-registering keeps history")

	tracker.Remove("a")
	_, ok = tracker.Get("a")
	assert.False(t, ok)
}
