package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chzyer/readline"

	"github.com/elyse-undan/lys-bot/pkg/bus"
	"github.com/elyse-undan/lys-bot/pkg/logger"
)

const (
	ConsoleChatID   = "console"
	ConsoleSenderID = "local"
)

// ConsoleChannel is a local terminal conversation. Every line typed is a
// direct message from the local user.
type ConsoleChannel struct {
	*BaseChannel
	botName string
	out     io.Writer
	rl      *readline.Instance
	done    chan struct{}
	mu      sync.Mutex
}

func NewConsoleChannel(botName string, bus *bus.MessageBus) *ConsoleChannel {
	return &ConsoleChannel{
		BaseChannel: NewBaseChannel("console", bus, nil),
		botName:     botName,
		out:         os.Stdout,
		done:        make(chan struct{}),
	}
}

// Done is closed when the user ends the session.
func (c *ConsoleChannel) Done() <-chan struct{} {
	return c.done
}

func (c *ConsoleChannel) Start(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "you: ",
		HistoryFile:     filepath.Join(os.TempDir(), ".lysbot_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}

	c.mu.Lock()
	c.rl = rl
	c.out = rl.Stdout()
	c.mu.Unlock()
	c.setRunning(true)

	go c.readLoop(ctx, rl)
	return nil
}

func (c *ConsoleChannel) readLoop(ctx context.Context, rl *readline.Instance) {
	defer close(c.done)
	for {
		if ctx.Err() != nil {
			return
		}
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return
			}
			logger.WarnCF("console", "Error reading input", map[string]any{"error": err.Error()})
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return
		}

		c.HandleMessage(bus.InboundMessage{
			SenderID:   ConsoleSenderID,
			SenderName: "you",
			ChatID:     ConsoleChatID,
			Content:    input,
			IsDM:       true,
		})
	}
}

func (c *ConsoleChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	c.mu.Lock()
	rl := c.rl
	c.rl = nil
	c.mu.Unlock()
	if rl != nil {
		return rl.Close()
	}
	return nil
}

func (c *ConsoleChannel) Send(ctx context.Context, chatID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "%s: %s\n", c.botName, text)
	return err
}

func (c *ConsoleChannel) Typing(ctx context.Context, chatID string) func() {
	return func() {}
}

// SetOutput redirects replies, mostly for tests.
func (c *ConsoleChannel) SetOutput(w io.Writer) {
	c.mu.Lock()
	c.out = w
	c.mu.Unlock()
}
