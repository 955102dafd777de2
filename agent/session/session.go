// Package session persists the one piece of cross-run state the engine's
// --resume flag needs: the SDK bridge's session id for a given run key.
// Per the decided open question, resumption only restores this id; prior
// IterationSummaries are never reloaded into the new run.
package session

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the persisted record for one run key.
type State struct {
	SessionID string
	UpdatedAt time.Time
}

// Store persists and loads session state, keyed by an opaque run key the
// caller supplies (cmd/agentrun derives it from the agent definition path
// plus issue/branch identifiers).
type Store interface {
	Save(ctx context.Context, runKey string, state State) error
	Load(ctx context.Context, runKey string) (State, bool, error)
}

// RedisStore implements Store on top of a Redis client, the way the
// teacher's session.Store is backed by durable external storage rather
// than engine-owned state.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a Store that namespaces keys under prefix (default
// "agentengine:session:") and expires entries after ttl (zero means no
// expiry).
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "agentengine:session:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(runKey string) string { return s.prefix + runKey }

func (s *RedisStore) Save(ctx context.Context, runKey string, state State) error {
	payload := state.SessionID + "\x00" + state.UpdatedAt.Format(time.RFC3339Nano)
	return s.client.Set(ctx, s.key(runKey), payload, s.ttl).Err()
}

func (s *RedisStore) Load(ctx context.Context, runKey string) (State, bool, error) {
	val, err := s.client.Get(ctx, s.key(runKey)).Result()
	if err == redis.Nil {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	sep := -1
	for i := 0; i < len(val); i++ {
		if val[i] == 0 {
			sep = i
			break
		}
	}
	if sep < 0 {
		return State{SessionID: val}, true, nil
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, val[sep+1:])
	return State{SessionID: val[:sep], UpdatedAt: updatedAt}, true, nil
}

// MemoryStore is an in-process Store used by tests and by runs that opt out
// of durable resume support.
type MemoryStore struct {
	data map[string]State
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]State)}
}

func (s *MemoryStore) Save(_ context.Context, runKey string, state State) error {
	s.data[runKey] = state
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runKey string) (State, bool, error) {
	v, ok := s.data[runKey]
	return v, ok, nil
}
