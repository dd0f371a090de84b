package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elyse-undan/lys-bot/pkg/providers"
	"github.com/elyse-undan/lys-bot/pkg/state"
)

type stubCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
	modes   []providers.Mode
}

func (s *stubCompleter) Complete(_ context.Context, _ []providers.Message, mode providers.Mode) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.modes = append(s.modes, mode)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "NONE", nil
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return r, nil
}

func (s *stubCompleter) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubTurns struct{ turns []state.Turn }

func (s stubTurns) Recent(_ string, n int) []state.Turn {
	if n < len(s.turns) {
		return s.turns[len(s.turns)-n:]
	}
	return s.turns
}

func TestParseFacts(t *testing.T) {
	reply := "Here are the facts:\n- Alex lives in Chicago\n2. Sam hates mornings\n\n* Alex plays bass\nNONE\n• likes tea\n(5) five\nsix"
	facts := ParseFacts(reply, 5)
	assert.Equal(t, []string{"Alex lives in Chicago", "Sam hates mornings", "Alex plays bass", "likes tea", "five"}, facts)

	assert.Empty(t, ParseFacts("None.", 5))
	assert.Empty(t, ParseFacts("  \n\n", 5))
}

func TestStore_MergeDedupesAndCaps(t *testing.T) {
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	var persisted map[string]state.ChannelMemory
	s := NewStore(20, func(m map[string]state.ChannelMemory) { persisted = m })

	s.Merge("c", []string{"alex likes go", "sam has a cat"}, now)
	got := s.Merge("c", []string{"Alex likes Go", "new fact"}, now)
	assert.Equal(t, []string{"sam has a cat", "Alex likes Go", "new fact"}, got)
	require.Contains(t, persisted, "c")
	assert.Equal(t, got, persisted["c"].Facts)
	assert.True(t, now.Equal(persisted["c"].LastUpdated))

	for i := 0; i < 25; i++ {
		s.Merge("c", []string{fmt.Sprintf("fact %d", i)}, now)
	}
	facts := s.Facts("c")
	require.Len(t, facts, 20)
	assert.Equal(t, "fact 5", facts[0])
	assert.Equal(t, "fact 24", facts[19])
}

func TestStore_MergeDuplicateWithinBatch(t *testing.T) {
	s := NewStore(20, nil)
	got := s.Merge("c", []string{"a", "A", "b"}, time.Now())
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestExtractor_MaybeTriggerEvery15(t *testing.T) {
	x := NewExtractor(ExtractorConfig{Every: 15}, &stubCompleter{}, stubTurns{}, NewStore(20, nil))
	assert.False(t, x.MaybeTrigger("c", 14))
	assert.True(t, x.MaybeTrigger("c", 15))
	assert.False(t, x.MaybeTrigger("c", 30), "already pending")
	assert.Equal(t, 1, x.Pending())
	assert.False(t, x.MaybeTrigger("d", 0))
}

func TestExtractor_ExtractMergesFacts(t *testing.T) {
	comp := &stubCompleter{replies: []string{"- alex likes go\n- sam has a cat"}}
	turns := stubTurns{turns: []state.Turn{{Role: "user", Content: "alex: i love go"}}}
	store := NewStore(20, nil)
	x := NewExtractor(ExtractorConfig{}, comp, turns, store)

	facts, err := x.Extract(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, []string{"alex likes go", "sam has a cat"}, facts)
	assert.Equal(t, facts, store.Facts("c"))
	assert.Equal(t, []providers.Mode{providers.ModeFast}, comp.modes)
}

func TestExtractor_FailuresStoreNothing(t *testing.T) {
	turns := stubTurns{turns: []state.Turn{{Role: "user", Content: "hi"}}}
	store := NewStore(20, nil)

	x := NewExtractor(ExtractorConfig{}, &stubCompleter{err: errors.New("boom")}, turns, store)
	_, err := x.Extract(context.Background(), "c")
	require.Error(t, err)

	exhausted := &stubCompleter{replies: []string{"um... sorry.. all the keys are rate limited rn\nim broke i cant afford more D:\ntry again tmrw 😭"}}
	x = NewExtractor(ExtractorConfig{}, exhausted, turns, store)
	_, err = x.Extract(context.Background(), "c")
	require.ErrorIs(t, err, ErrExhausted)

	assert.Empty(t, store.Facts("c"))
}

func TestExtractor_WorkerDrainsQueue(t *testing.T) {
	comp := &stubCompleter{replies: []string{"fact one", "fact two"}}
	turns := stubTurns{turns: []state.Turn{{Role: "user", Content: "hello"}}}
	store := NewStore(20, nil)
	x := NewExtractor(ExtractorConfig{IdlePoll: 10 * time.Millisecond}, comp, turns, store)
	x.Start()
	defer x.Close()

	x.Enqueue("a")
	x.Enqueue("b")

	assert.Eventually(t, func() bool {
		return len(store.Facts("a")) == 1 && len(store.Facts("b")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fact one"}, store.Facts("a"))
	assert.Equal(t, []string{"fact two"}, store.Facts("b"))
	assert.Equal(t, 0, x.Pending())
}
