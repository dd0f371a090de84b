// Package memory keeps the long-term facts the bot remembers per channel
// and the background worker that extracts them from conversation.
package memory

import (
	"strings"
	"sync"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/state"
)

// Store holds an ordered, deduplicated fact list per channel, newest last.
type Store struct {
	max      int
	onChange func(map[string]state.ChannelMemory)

	mu       sync.Mutex
	channels map[string]state.ChannelMemory
}

func NewStore(maxFacts int, onChange func(map[string]state.ChannelMemory)) *Store {
	if maxFacts <= 0 {
		maxFacts = 20
	}
	return &Store{max: maxFacts, onChange: onChange, channels: map[string]state.ChannelMemory{}}
}

// Merge unions facts into channelID's list. A fact that is already known
// (ignoring case) moves to the newest end. Only the newest max facts are kept.
func (s *Store) Merge(channelID string, facts []string, now time.Time) []string {
	if len(facts) == 0 {
		return s.Facts(channelID)
	}

	s.mu.Lock()
	existing := s.channels[channelID].Facts
	merged := make([]string, 0, len(existing)+len(facts))
	incoming := make(map[string]struct{}, len(facts))
	for _, f := range facts {
		incoming[factKey(f)] = struct{}{}
	}
	for _, f := range existing {
		if _, moved := incoming[factKey(f)]; !moved {
			merged = append(merged, f)
		}
	}
	seen := make(map[string]struct{}, len(facts))
	for _, f := range facts {
		k := factKey(f)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		merged = append(merged, f)
	}
	if over := len(merged) - s.max; over > 0 {
		merged = merged[over:]
	}
	s.channels[channelID] = state.ChannelMemory{Facts: merged, LastUpdated: now}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(snap)
	}
	return append([]string(nil), merged...)
}

func (s *Store) Facts(channelID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.channels[channelID].Facts...)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

func (s *Store) Snapshot() map[string]state.ChannelMemory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Restore(channels map[string]state.ChannelMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]state.ChannelMemory, len(channels))
	for id, mem := range channels {
		facts := mem.Facts
		if over := len(facts) - s.max; over > 0 {
			facts = facts[over:]
		}
		s.channels[id] = state.ChannelMemory{Facts: append([]string(nil), facts...), LastUpdated: mem.LastUpdated}
	}
}

func (s *Store) snapshotLocked() map[string]state.ChannelMemory {
	out := make(map[string]state.ChannelMemory, len(s.channels))
	for id, mem := range s.channels {
		out[id] = state.ChannelMemory{Facts: append([]string(nil), mem.Facts...), LastUpdated: mem.LastUpdated}
	}
	return out
}

func factKey(f string) string {
	return strings.ToLower(strings.Join(strings.Fields(f), " "))
}
