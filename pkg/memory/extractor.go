package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elyse-undan/lys-bot/pkg/logger"
	"github.com/elyse-undan/lys-bot/pkg/providers"
	"github.com/elyse-undan/lys-bot/pkg/state"
)

// ErrExhausted means no credential could serve the extraction call.
var ErrExhausted = errors.New("all credentials are cooling down")

// Completer is the subset of the credential rotator the extractor needs.
type Completer interface {
	Complete(ctx context.Context, messages []providers.Message, mode providers.Mode) (string, error)
}

// TurnSource returns the newest turns of a channel.
type TurnSource interface {
	Recent(channelID string, n int) []state.Turn
}

type ExtractorConfig struct {
	Every              int
	Turns              int
	FactsPerExtraction int
	PreExtractDelay    time.Duration
	IdlePoll           time.Duration
}

// Extractor runs fact extraction for one channel at a time on a background
// worker. A channel is queued at most once while it waits.
type Extractor struct {
	cfg       ExtractorConfig
	completer Completer
	turns     TurnSource
	store     *Store

	mu      sync.Mutex
	order   []string
	pending map[string]struct{}

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

func NewExtractor(cfg ExtractorConfig, completer Completer, turns TurnSource, store *Store) *Extractor {
	if cfg.Every <= 0 {
		cfg.Every = 15
	}
	if cfg.Turns <= 0 {
		cfg.Turns = 10
	}
	if cfg.FactsPerExtraction <= 0 {
		cfg.FactsPerExtraction = 5
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 5 * time.Second
	}
	return &Extractor{
		cfg:       cfg,
		completer: completer,
		turns:     turns,
		store:     store,
		pending:   map[string]struct{}{},
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// MaybeTrigger queues channelID when its turn total hits the extraction interval.
func (e *Extractor) MaybeTrigger(channelID string, total int) bool {
	if total <= 0 || total%e.cfg.Every != 0 {
		return false
	}
	return e.Enqueue(channelID)
}

// Enqueue schedules channelID unless it is already waiting.
func (e *Extractor) Enqueue(channelID string) bool {
	e.mu.Lock()
	if _, ok := e.pending[channelID]; ok {
		e.mu.Unlock()
		return false
	}
	e.pending[channelID] = struct{}{}
	e.order = append(e.order, channelID)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Extractor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

func (e *Extractor) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.runWorker()
	})
}

func (e *Extractor) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
		e.wg.Wait()
	})
}

func (e *Extractor) runWorker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.IdlePoll)
	defer ticker.Stop()

	for {
		channelID, ok := e.next()
		if !ok {
			select {
			case <-e.stopCh:
				return
			case <-e.wake:
			case <-ticker.C:
			}
			continue
		}

		if e.cfg.PreExtractDelay > 0 {
			select {
			case <-e.stopCh:
				return
			case <-time.After(e.cfg.PreExtractDelay):
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-e.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		e.runOne(ctx, channelID)
		cancel()
	}
}

// next pops the oldest waiting channel. The channel stays marked pending
// until it is popped, so a trigger during extraction queues it again.
func (e *Extractor) next() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.order) == 0 {
		return "", false
	}
	channelID := e.order[0]
	e.order = e.order[1:]
	delete(e.pending, channelID)
	return channelID, true
}

func (e *Extractor) runOne(ctx context.Context, channelID string) {
	runID := uuid.NewString()
	facts, err := e.Extract(ctx, channelID)
	if err != nil {
		logger.WarnCF("memory", "Fact extraction failed", map[string]any{
			"channel": channelID,
			"run_id":  runID,
			"error":   err.Error(),
		})
		return
	}
	logger.InfoCF("memory", "Facts extracted", map[string]any{
		"channel": channelID,
		"run_id":  runID,
		"new":     len(facts),
		"total":   len(e.store.Facts(channelID)),
	})
}

// Extract runs one extraction pass for channelID synchronously and merges
// the result into the store.
func (e *Extractor) Extract(ctx context.Context, channelID string) ([]string, error) {
	recent := e.turns.Recent(channelID, e.cfg.Turns)
	if len(recent) == 0 {
		return nil, nil
	}

	reply, err := e.completer.Complete(ctx, BuildExtractionPrompt(recent, e.cfg.FactsPerExtraction), providers.ModeFast)
	if err != nil {
		return nil, fmt.Errorf("extract facts for %s: %w", channelID, err)
	}
	if providers.IsExhausted(reply) {
		return nil, ErrExhausted
	}

	facts := ParseFacts(reply, e.cfg.FactsPerExtraction)
	if len(facts) > 0 {
		e.store.Merge(channelID, facts, time.Now())
	}
	return facts, nil
}
