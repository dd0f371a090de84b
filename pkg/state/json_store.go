package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONStore keeps each document in its own <name>.json file under dir.
// Writes go to a temp file that is renamed over the target, so a crash
// mid-write never leaves a truncated document behind.
type JSONStore struct {
	dir string
	mu  sync.Mutex
}

func NewJSONStore(dir string) (*JSONStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &JSONStore{dir: dir}, nil
}

func (s *JSONStore) path(doc Document) string {
	return filepath.Join(s.dir, string(doc)+".json")
}

func (s *JSONStore) Load(_ context.Context, doc Document, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(doc))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", doc, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", doc, err)
	}
	return nil
}

func (s *JSONStore) Save(_ context.Context, doc Document, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+string(doc)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", doc, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", doc, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", doc, err)
	}
	if err := os.Rename(tmpName, s.path(doc)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", doc, err)
	}
	return nil
}

func (s *JSONStore) Close() error { return nil }
