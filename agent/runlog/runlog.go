// Package runlog persists the engine's run log: JSONL records with
// {ts, level, msg, fields}, per the persisted-state contract. A run's
// Logging.Directory selects a JSONLStore; an optional MongoStore backs
// durable cross-run querying when a deployment wants it.
package runlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level is the engine's log-entry vocabulary. Distinct from
// internal/telemetry.Logger's levels: these additionally cover the
// transcript channels (assistant, user, tool, result, system) the run log
// needs to reconstruct a session.
type Level string

const (
	LevelDebug     Level = "debug"
	LevelInfo      Level = "info"
	LevelWarn      Level = "warn"
	LevelError     Level = "error"
	LevelAssistant Level = "assistant"
	LevelUser      Level = "user"
	LevelTool      Level = "tool"
	LevelResult    Level = "result"
	LevelSystem    Level = "system"
)

// Entry is one JSONL record.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Level     Level          `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Store appends Entry records for a run. Implementations must preserve
// append order.
type Store interface {
	Append(ctx context.Context, e Entry) error
	Close() error
}

// JSONLStore appends one JSON object per line to a file under a directory,
// the logging collaborator's default and the only backend the engine
// itself requires.
type JSONLStore struct {
	mu   sync.Mutex
	file *os.File
}

// NewJSONLStore opens (creating if absent) <directory>/run.jsonl for
// append.
func NewJSONLStore(directory string) (*JSONLStore, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(directory, "run.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return &JSONLStore{file: f}, nil
}

func (s *JSONLStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	_, err = s.file.Write(b)
	return err
}

func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
