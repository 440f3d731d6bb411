package store

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. Records are lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	plans    map[string][]*Plan // by user, insertion order
	exercise map[string]*ExerciseData
	byUser   map[string][]string // exercise IDs by user

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:    make(map[string][]*Plan),
		exercise: make(map[string]*ExerciseData),
		byUser:   make(map[string][]string),
		now:      time.Now,
	}
}

// SavePlan implements Store.
func (s *MemoryStore) SavePlan(_ context.Context, userID string, plan json.RawMessage) (*Plan, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	if err := ValidatePlan(plan); err != nil {
		return nil, err
	}

	rec := &Plan{
		ID:        uuid.NewString(),
		UserID:    userID,
		Plan:      slices.Clone(plan),
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	s.plans[userID] = append(s.plans[userID], rec)
	s.mu.Unlock()

	out := *rec
	return &out, nil
}

// LatestPlan implements Store. Plans created at the same instant resolve to
// the one saved last.
func (s *MemoryStore) LatestPlan(_ context.Context, userID string) (*Plan, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *Plan
	for _, p := range s.plans[userID] {
		if latest == nil || !p.CreatedAt.Before(latest.CreatedAt) {
			latest = p
		}
	}
	if latest == nil {
		return nil, notFound("LatestPlan", "find plan")
	}
	out := *latest
	return &out, nil
}

// SaveExerciseData implements Store.
func (s *MemoryStore) SaveExerciseData(_ context.Context, rec ExerciseData) (*ExerciseData, error) {
	if err := ValidateExerciseData(rec); err != nil {
		return nil, err
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC()

	s.mu.Lock()
	stored := rec
	s.exercise[rec.ID] = &stored
	s.byUser[rec.UserID] = append(s.byUser[rec.UserID], rec.ID)
	s.mu.Unlock()

	return &rec, nil
}

// ExerciseData implements Store.
func (s *MemoryStore) ExerciseData(_ context.Context, id string) (*ExerciseData, error) {
	if err := validateRecordID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.exercise[id]
	if !ok {
		return nil, notFound("ExerciseData", "find exercise data")
	}
	out := *rec
	return &out, nil
}

// ExerciseDataRange implements Store.
func (s *MemoryStore) ExerciseDataRange(_ context.Context, userID string, start, end time.Time) ([]ExerciseData, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	out := make([]ExerciseData, 0)
	for _, id := range s.byUser[userID] {
		rec := s.exercise[id]
		if inRange(rec.CreatedAt, start, end) {
			out = append(out, *rec)
		}
	}
	s.mu.RUnlock()

	sortByCreated(out)
	return out, nil
}

func sortByCreated(recs []ExerciseData) {
	slices.SortStableFunc(recs, func(a, b ExerciseData) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
