package reply

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/logger"
)

// Transport is the outbound side of a chat channel.
type Transport interface {
	Send(ctx context.Context, chatID, text string) error
	// Typing shows a typing indicator until the returned func is called.
	Typing(ctx context.Context, chatID string) func()
}

type Options struct {
	SplitThreshold     int
	MinDelay           time.Duration
	MaxDelay           time.Duration
	DoubleBubbleChance float64
	ChunkPause         time.Duration

	// Rand returns uniform numbers in [0,1). Defaults to math/rand/v2.
	Rand func() float64
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Sender delivers replies as paced bubbles.
type Sender struct {
	opts Options
}

func NewSender(opts Options) *Sender {
	if opts.SplitThreshold <= 0 {
		opts.SplitThreshold = 100
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Sender{opts: opts}
}

// Send splits text into bubbles and writes them to chatID, holding a typing
// indicator for a random pause between bubbles.
func (s *Sender) Send(ctx context.Context, tr Transport, chatID, text string) error {
	segs, sep := split(text, s.opts.SplitThreshold)
	if len(segs) == 0 {
		return nil
	}
	if len(segs) == 1 {
		return s.sendChunked(ctx, tr, chatID, text)
	}

	bubbles := Bubbles(segs, sep, s.opts.DoubleBubbleChance, s.opts.Rand)
	logger.DebugCF("reply", "Sending bubbles", map[string]any{
		"chat_id":  chatID,
		"segments": len(segs),
		"bubbles":  len(bubbles),
	})
	for i, b := range bubbles {
		if i > 0 {
			release := tr.Typing(ctx, chatID)
			err := s.opts.Sleep(ctx, s.delay())
			release()
			if err != nil {
				return err
			}
		}
		if err := s.sendChunked(ctx, tr, chatID, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) sendChunked(ctx context.Context, tr Transport, chatID, text string) error {
	for i, chunk := range Chunk(text, MaxMessageLen) {
		if i > 0 {
			if err := s.opts.Sleep(ctx, s.opts.ChunkPause); err != nil {
				return err
			}
		}
		if err := tr.Send(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sender) delay() time.Duration {
	span := s.opts.MaxDelay - s.opts.MinDelay
	return s.opts.MinDelay + time.Duration(s.opts.Rand()*float64(span))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
