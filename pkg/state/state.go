// Package state persists the bot's three process-wide documents:
// conversation windows, channel fact memory, and daily usage.
//
// Every Save rewrites the whole document. A document that was never
// saved loads as empty state, not as an error.
package state

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Document names one persisted state document.
type Document string

const (
	DocConversations Document = "conversations"
	DocMemory        Document = "memory"
	DocUsage         Document = "usage"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown state backend")

// Store loads and saves whole documents.
type Store interface {
	// Load decodes the document into v. A missing document leaves v untouched.
	Load(ctx context.Context, doc Document, v any) error
	// Save encodes v and replaces the stored document.
	Save(ctx context.Context, doc Document, v any) error
	Close() error
}

// Turn is one role-tagged conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Conversations is the conversation document: the rolling window of every
// channel plus the last activity of channels that are currently engaged.
type Conversations struct {
	Conversations  map[string][]Turn    `json:"conversations"`
	ActiveChannels map[string]time.Time `json:"active_channels"`
}

// ChannelMemory is the durable fact list of one channel.
type ChannelMemory struct {
	Facts       []string  `json:"facts"`
	LastUpdated time.Time `json:"last_updated"`
}

// UsageRecord counts a user's accepted messages on one UTC day.
type UsageRecord struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// Open returns the store for backend ("json" or "sqlite") rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "json":
		return NewJSONStore(dir)
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dir, "state.db"))
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func LoadConversations(ctx context.Context, s Store) (Conversations, error) {
	var doc Conversations
	if err := s.Load(ctx, DocConversations, &doc); err != nil {
		return Conversations{}, err
	}
	if doc.Conversations == nil {
		doc.Conversations = map[string][]Turn{}
	}
	if doc.ActiveChannels == nil {
		doc.ActiveChannels = map[string]time.Time{}
	}
	return doc, nil
}

func LoadMemory(ctx context.Context, s Store) (map[string]ChannelMemory, error) {
	doc := map[string]ChannelMemory{}
	if err := s.Load(ctx, DocMemory, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]ChannelMemory{}
	}
	return doc, nil
}

func LoadUsage(ctx context.Context, s Store) (map[string]UsageRecord, error) {
	doc := map[string]UsageRecord{}
	if err := s.Load(ctx, DocUsage, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = map[string]UsageRecord{}
	}
	return doc, nil
}
