// Package activity tracks which channels the bot is currently engaged in.
package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/logger"
)

// Tracker remembers the last qualifying message time of each channel and
// forgets channels that stay quiet longer than the idle timeout.
type Tracker struct {
	idle     time.Duration
	now      func() time.Time
	onChange func()

	mu   sync.Mutex
	last map[string]time.Time
}

func NewTracker(idle time.Duration, now func() time.Time, onChange func()) *Tracker {
	if idle <= 0 {
		idle = 300 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{idle: idle, now: now, onChange: onChange, last: map[string]time.Time{}}
}

func (t *Tracker) Touch(channelID string) {
	t.mu.Lock()
	t.last[channelID] = t.now()
	t.mu.Unlock()
}

func (t *Tracker) IsActive(channelID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.last[channelID]
	return ok
}

// Admit reports whether a message should be answered: DMs and mentions
// always are, other messages only in channels that are already active.
func (t *Tracker) Admit(channelID string, isDM, mentioned bool) bool {
	return isDM || mentioned || t.IsActive(channelID)
}

// Sweep removes channels idle for longer than the timeout and returns them sorted.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	var removed []string
	for id, last := range t.last {
		if now.Sub(last) > t.idle {
			delete(t.last, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 && t.onChange != nil {
		t.onChange()
	}
	return removed
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := t.Sweep(t.now()); len(removed) > 0 {
				logger.DebugCF("activity", "Channels went idle", map[string]any{"channels": removed})
			}
		}
	}
}

func (t *Tracker) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.last))
	for id, ts := range t.last {
		out[id] = ts
	}
	return out
}

func (t *Tracker) Restore(last map[string]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]time.Time, len(last))
	for id, ts := range last {
		t.last[id] = ts
	}
}
