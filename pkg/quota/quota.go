// Package quota enforces the per-user daily message allowance.
package quota

import (
	"math"
	"sync"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/state"
)

// Unlimited is the remaining count reported for priority users.
const Unlimited = math.MaxInt32

const dateLayout = "2006-01-02"

// Tracker counts accepted messages per user per UTC day. Each successful
// Check consumes one unit.
type Tracker struct {
	limit    int
	priority map[string]struct{}
	now      func() time.Time
	onChange func(map[string]state.UsageRecord)

	mu      sync.Mutex
	records map[string]state.UsageRecord
}

type Options struct {
	DailyLimit    int
	PriorityUsers []string
	// OnChange receives a snapshot after every mutation.
	OnChange func(map[string]state.UsageRecord)
	Now      func() time.Time
}

func NewTracker(opts Options) *Tracker {
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	priority := make(map[string]struct{}, len(opts.PriorityUsers))
	for _, id := range opts.PriorityUsers {
		priority[id] = struct{}{}
	}
	return &Tracker{
		limit:    opts.DailyLimit,
		priority: priority,
		now:      opts.Now,
		onChange: opts.OnChange,
		records:  map[string]state.UsageRecord{},
	}
}

func (t *Tracker) Limit() int { return t.limit }

func (t *Tracker) IsPriority(userID string) bool {
	_, ok := t.priority[userID]
	return ok
}

func (t *Tracker) today() string {
	return t.now().UTC().Format(dateLayout)
}

// Check admits or denies one message from userID and returns how many
// messages remain today.
func (t *Tracker) Check(userID string) (bool, int) {
	if t.IsPriority(userID) {
		return true, Unlimited
	}

	today := t.today()
	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok || rec.Date != today {
		rec = state.UsageRecord{Date: today, Count: 0}
	}
	if rec.Count >= t.limit {
		t.mu.Unlock()
		return false, 0
	}
	rec.Count++
	t.records[userID] = rec
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snap)
	return true, t.limit - rec.Count
}

// Usage reports today's count for userID without consuming anything.
func (t *Tracker) Usage(userID string) int {
	today := t.today()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	if !ok || rec.Date != today {
		return 0
	}
	return rec.Count
}

// Prune drops records from days before now and returns how many were removed.
func (t *Tracker) Prune(now time.Time) int {
	today := now.UTC().Format(dateLayout)
	t.mu.Lock()
	removed := 0
	for id, rec := range t.records {
		if rec.Date != today {
			delete(t.records, id)
			removed++
		}
	}
	var snap map[string]state.UsageRecord
	if removed > 0 {
		snap = t.snapshotLocked()
	}
	t.mu.Unlock()

	if removed > 0 {
		t.notify(snap)
	}
	return removed
}

func (t *Tracker) Snapshot() map[string]state.UsageRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) Restore(records map[string]state.UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]state.UsageRecord, len(records))
	for id, rec := range records {
		t.records[id] = rec
	}
}

func (t *Tracker) snapshotLocked() map[string]state.UsageRecord {
	out := make(map[string]state.UsageRecord, len(t.records))
	for id, rec := range t.records {
		out[id] = rec
	}
	return out
}

func (t *Tracker) notify(snap map[string]state.UsageRecord) {
	if t.onChange != nil {
		t.onChange(snap)
	}
}

// ShouldWarn reports whether remaining is one of the counts that earn a
// heads-up after the reply.
func ShouldWarn(remaining int) bool {
	return remaining == 5 || remaining == 1
}
