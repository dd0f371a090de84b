// Package conversation keeps the rolling per-channel message window.
package conversation

import (
	"sync"

	"github.com/elyse-undan/lys-bot/pkg/state"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn = state.Turn

// Store holds the most recent turns of every channel, oldest evicted first.
type Store struct {
	window   int
	onChange func()

	mu     sync.Mutex
	turns  map[string][]Turn
	totals map[string]int
}

// NewStore creates a store keeping window turns per channel. onChange runs
// after every append, outside the store lock.
func NewStore(window int, onChange func()) *Store {
	if window <= 0 {
		window = 20
	}
	return &Store{
		window:   window,
		onChange: onChange,
		turns:    map[string][]Turn{},
		totals:   map[string]int{},
	}
}

// Append adds turn to channelID's window and returns the channel's total
// number of turns ever appended.
func (s *Store) Append(channelID string, turn Turn) int {
	s.mu.Lock()
	turns := append(s.turns[channelID], turn)
	if over := len(turns) - s.window; over > 0 {
		turns = append([]Turn(nil), turns[over:]...)
	}
	s.turns[channelID] = turns
	s.totals[channelID]++
	total := s.totals[channelID]
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange()
	}
	return total
}

// Window returns a copy of channelID's turns in chronological order.
func (s *Store) Window(channelID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.turns[channelID]...)
}

// Recent returns up to n of the newest turns of channelID.
func (s *Store) Recent(channelID string, n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[channelID]
	if n < len(turns) {
		turns = turns[len(turns)-n:]
	}
	return append([]Turn(nil), turns...)
}

func (s *Store) Total(channelID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[channelID]
}

func (s *Store) Channels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *Store) Snapshot() map[string][]Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Turn, len(s.turns))
	for id, turns := range s.turns {
		out[id] = append([]Turn(nil), turns...)
	}
	return out
}

// Restore replaces all windows. Totals restart from the restored lengths.
func (s *Store) Restore(windows map[string][]Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = make(map[string][]Turn, len(windows))
	s.totals = make(map[string]int, len(windows))
	for id, turns := range windows {
		if over := len(turns) - s.window; over > 0 {
			turns = turns[over:]
		}
		s.turns[id] = append([]Turn(nil), turns...)
		s.totals[id] = len(turns)
	}
}
