package activity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_AdmitGate(t *testing.T) {
	tr := NewTracker(300*time.Second, nil, nil)

	assert.True(t, tr.Admit("dm", true, false))
	assert.True(t, tr.Admit("guild", false, true))
	assert.False(t, tr.Admit("guild", false, false))

	tr.Touch("guild")
	assert.True(t, tr.Admit("guild", false, false))
}

func TestTracker_SweepRemovesIdleChannels(t *testing.T) {
	base := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	now := base
	changes := 0
	tr := NewTracker(300*time.Second, func() time.Time { return now }, func() { changes++ })

	tr.Touch("old")
	now = base.Add(200 * time.Second)
	tr.Touch("fresh")

	assert.Empty(t, tr.Sweep(base.Add(300*time.Second)), "exactly at the timeout is still active")
	assert.Equal(t, 0, changes)

	removed := tr.Sweep(base.Add(301 * time.Second))
	assert.Equal(t, []string{"old"}, removed)
	assert.False(t, tr.IsActive("old"))
	assert.True(t, tr.IsActive("fresh"))
	assert.Equal(t, 1, changes)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_SnapshotRestore(t *testing.T) {
	ts := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	tr := NewTracker(time.Minute, func() time.Time { return ts }, nil)
	tr.Touch("a")

	other := NewTracker(time.Minute, nil, nil)
	other.Restore(tr.Snapshot())
	assert.True(t, other.IsActive("a"))
	assert.Equal(t, map[string]time.Time{"a": ts}, other.Snapshot())
}

func TestTracker_RunStopsOnCancel(t *testing.T) {
	tr := NewTracker(time.Millisecond, nil, nil)
	tr.Touch("a")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !tr.IsActive("a") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
