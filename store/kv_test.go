package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/natsclient"
)

// memBucket is a Bucket backed by a map. Keys supports the "*" and ">"
// subject wildcards.
type memBucket struct {
	mu      sync.Mutex
	entries map[string][]byte
	rev     uint64
	failGet error
}

func newMemBucket() *memBucket {
	return &memBucket{entries: make(map[string][]byte)}
}

func (b *memBucket) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failGet != nil {
		return nil, b.failGet
	}
	v, ok := b.entries[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{Key: key, Value: v, Revision: b.rev}, nil
}

func (b *memBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		return 0, natsclient.ErrKVKeyExists
	}
	b.rev++
	b.entries[key] = append([]byte(nil), value...)
	return b.rev, nil
}

func (b *memBucket) UpdateJSON(_ context.Context, key string, updateFn func(map[string]any) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := make(map[string]any)
	if v, ok := b.entries[key]; ok {
		if err := json.Unmarshal(v, &current); err != nil {
			return err
		}
	}
	if err := updateFn(current); err != nil {
		return err
	}
	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	b.rev++
	b.entries[key] = data
	return nil
}

func (b *memBucket) Keys(_ context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var keys []string
	for key := range b.entries {
		if subjectMatch(pattern, key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func subjectMatch(pattern, key string) bool {
	p := strings.Split(pattern, ".")
	k := strings.Split(key, ".")
	for i, tok := range p {
		if tok == ">" {
			return len(k) > i
		}
		if i >= len(k) || (tok != "*" && tok != k[i]) {
			return false
		}
	}
	return len(p) == len(k)
}

func TestKVStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T, clock *fakeClock) Store {
		s, err := NewKVStore(newMemBucket(), newMemBucket(), nil)
		require.NoError(t, err)
		s.now = clock.Now
		return s
	})
}

func TestKVStore_RequiresBuckets(t *testing.T) {
	_, err := NewKVStore(nil, newMemBucket(), nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestKVStore_KeyLayout(t *testing.T) {
	ctx := context.Background()
	plans, exercise := newMemBucket(), newMemBucket()
	s, err := NewKVStore(plans, exercise, nil)
	require.NoError(t, err)

	plan, err := s.SavePlan(ctx, "user-1", json.RawMessage(`[]`))
	require.NoError(t, err)
	rec, err := s.SaveExerciseData(ctx, ExerciseData{UserID: "user-1", RatedPain: 2})
	require.NoError(t, err)

	assert.Contains(t, plans.entries, "user-1."+plan.ID)
	assert.Contains(t, plans.entries, "user-1.latest")
	assert.JSONEq(t, `{"id":"`+plan.ID+`","created_at":"`+plan.CreatedAt.Format(time.RFC3339Nano)+`"}`,
		string(plans.entries["user-1.latest"]))
	assert.Contains(t, exercise.entries, "user-1."+rec.ID)
}

func TestKVStore_LatestPointerOnlyMovesForward(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, err := NewKVStore(newMemBucket(), newMemBucket(), nil)
	require.NoError(t, err)
	s.now = clock.Now

	clock.Advance(time.Hour)
	newer, err := s.SavePlan(ctx, "user-1", json.RawMessage(`[{"repetitions":2}]`))
	require.NoError(t, err)

	// A save that raced and carries an older timestamp
	clock.Advance(-30 * time.Minute)
	_, err = s.SavePlan(ctx, "user-1", json.RawMessage(`[{"repetitions":1}]`))
	require.NoError(t, err)

	latest, err := s.LatestPlan(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, latest.ID)
}

func TestKVStore_BackendErrorsAreTransient(t *testing.T) {
	ctx := context.Background()
	plans := newMemBucket()
	plans.failGet = errors.New("nats: connection closed")
	s, err := NewKVStore(plans, newMemBucket(), nil)
	require.NoError(t, err)

	_, err = s.LatestPlan(ctx, "user-1")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.NotErrorIs(t, err, errors.ErrNotFound)
}
