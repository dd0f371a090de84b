// Package queue holds inbound messages that arrive while the upstream API is
// under rate-limit pressure and replays them one at a time.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elyse-undan/lys-bot/pkg/bus"
	"github.com/elyse-undan/lys-bot/pkg/logger"
)

// State is the drain worker's phase.
type State int32

const (
	Idle State = iota
	Draining
)

func (s State) String() string {
	if s == Draining {
		return "draining"
	}
	return "idle"
}

// Item is one deferred message.
type Item struct {
	ID         string
	Message    bus.InboundMessage
	Text       string
	UserID     string
	UserName   string
	ChannelID  string
	EnqueuedAt time.Time
}

// Handler runs the full reply pipeline for one item.
type Handler func(ctx context.Context, item Item)

// Queue is an unbounded FIFO drained by a single persistent worker.
type Queue struct {
	handler Handler
	pause   time.Duration

	mu    sync.Mutex
	items []Item
	state State

	wake chan struct{}
}

func New(handler Handler, pause time.Duration) *Queue {
	return &Queue{
		handler: handler,
		pause:   pause,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends item and returns its 1-based position in line.
func (q *Queue) Enqueue(item Item) int {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	q.items = append(q.items, item)
	pos := len(q.items)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return pos
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Run is the drain worker. It waits Idle for a wake signal, then handles
// items oldest first with a pause between them until the queue is empty.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}

		q.setState(Draining)
		logger.DebugC("queue", "Drain started")
		for {
			item, ok := q.pop()
			if !ok {
				break
			}
			q.handle(ctx, item)

			if q.Len() == 0 {
				break
			}
			select {
			case <-ctx.Done():
				q.setState(Idle)
				return
			case <-time.After(q.pause):
			}
		}
		q.setState(Idle)
		logger.DebugC("queue", "Drain finished")
	}
}

func (q *Queue) handle(ctx context.Context, item Item) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("queue", "Queued message handler panicked", map[string]any{
				"item":  item.ID,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	logger.InfoCF("queue", "Processing queued message", map[string]any{
		"item":    item.ID,
		"channel": item.ChannelID,
		"waited":  time.Since(item.EnqueuedAt).Round(time.Millisecond).String(),
	})
	q.handler(ctx, item)
}

func (q *Queue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items[0] = Item{}
	q.items = q.items[1:]
	return item, true
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// Ack is the positional acknowledgement sent to a queued user.
func Ack(position int) string {
	return fmt.Sprintf("ur #%d in line rn, the keys are kinda busy.. hang on", position)
}
