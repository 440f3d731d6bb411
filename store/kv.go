package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/natsclient"
)

// Bucket names used by KVStore.
const (
	PlanBucket     = "exobridge_plans"
	ExerciseBucket = "exobridge_exercise_data"
)

// Plans live at "<user>.<id>" with a "<user>.latest" pointer next to them.
const latestToken = "latest"

// Bucket is the subset of natsclient.KVStore that KVStore needs.
type Bucket interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	UpdateJSON(ctx context.Context, key string, updateFn func(current map[string]any) error) error
	Keys(ctx context.Context, pattern string) ([]string, error)
}

// KVStore keeps records in NATS JetStream key-value buckets. Exercise data
// is stored at "<user>.<id>" so a user's history is a single key listing.
type KVStore struct {
	plans    Bucket
	exercise Bucket
	logger   *slog.Logger
	now      func() time.Time
}

// NewKVStore creates a store over existing buckets.
func NewKVStore(plans, exercise Bucket, logger *slog.Logger) (*KVStore, error) {
	if plans == nil || exercise == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "NewKVStore", "check buckets")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{
		plans:    plans,
		exercise: exercise,
		logger:   logger.With("component", "kv-store"),
		now:      time.Now,
	}, nil
}

// OpenKVStore creates or opens the record buckets on client.
func OpenKVStore(ctx context.Context, client *natsclient.Client, logger *slog.Logger) (*KVStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "KVStore", "OpenKVStore", "check client")
	}

	open := func(name, desc string) (*natsclient.KVStore, error) {
		bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: desc,
			History:     1,
		})
		if err != nil {
			return nil, errors.WrapTransient(err, "KVStore", "OpenKVStore", fmt.Sprintf("open bucket %s", name))
		}
		return client.NewKVStore(bucket), nil
	}

	plans, err := open(PlanBucket, "exercise plans by user")
	if err != nil {
		return nil, err
	}
	exercise, err := open(ExerciseBucket, "exercise reports by user")
	if err != nil {
		return nil, err
	}
	return NewKVStore(plans, exercise, logger)
}

// SavePlan implements Store. The latest pointer only moves forward in
// CreatedAt, so concurrent saves leave it on the newest plan.
func (s *KVStore) SavePlan(ctx context.Context, userID string, plan json.RawMessage) (*Plan, error) {
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
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "SavePlan", "encode plan")
	}
	if _, err := s.plans.Create(ctx, userID+"."+rec.ID, data); err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "SavePlan", "store plan")
	}

	err = s.plans.UpdateJSON(ctx, userID+"."+latestToken, func(current map[string]any) error {
		if ts, ok := current["created_at"].(string); ok {
			if prev, perr := time.Parse(time.RFC3339Nano, ts); perr == nil && prev.After(rec.CreatedAt) {
				return nil
			}
		}
		current["id"] = rec.ID
		current["created_at"] = rec.CreatedAt.Format(time.RFC3339Nano)
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "SavePlan", "update latest plan")
	}

	s.logger.Debug("Plan saved", "user_id", userID, "id", rec.ID)
	return rec, nil
}

// LatestPlan implements Store.
func (s *KVStore) LatestPlan(ctx context.Context, userID string) (*Plan, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	entry, err := s.plans.Get(ctx, userID+"."+latestToken)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, notFound("LatestPlan", "find plan")
		}
		return nil, errors.WrapTransient(err, "KVStore", "LatestPlan", "read latest pointer")
	}

	var pointer struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(entry.Value, &pointer); err != nil || pointer.ID == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: latest pointer for %s", errors.ErrInvalidData, userID),
			"KVStore", "LatestPlan", "decode latest pointer")
	}

	entry, err = s.plans.Get(ctx, userID+"."+pointer.ID)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, notFound("LatestPlan", "find plan")
		}
		return nil, errors.WrapTransient(err, "KVStore", "LatestPlan", "read plan")
	}

	var rec Plan
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "LatestPlan", "decode plan")
	}
	return &rec, nil
}

// SaveExerciseData implements Store.
func (s *KVStore) SaveExerciseData(ctx context.Context, rec ExerciseData) (*ExerciseData, error) {
	if err := ValidateExerciseData(rec); err != nil {
		return nil, err
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = s.now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "SaveExerciseData", "encode exercise data")
	}
	if _, err := s.exercise.Create(ctx, rec.UserID+"."+rec.ID, data); err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "SaveExerciseData", "store exercise data")
	}
	return &rec, nil
}

// ExerciseData implements Store.
func (s *KVStore) ExerciseData(ctx context.Context, id string) (*ExerciseData, error) {
	if err := validateRecordID(id); err != nil {
		return nil, err
	}

	keys, err := s.exercise.Keys(ctx, "*."+id)
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "ExerciseData", "list keys")
	}
	if len(keys) == 0 {
		return nil, notFound("ExerciseData", "find exercise data")
	}

	rec, err := s.readExercise(ctx, keys[0])
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, notFound("ExerciseData", "find exercise data")
		}
		return nil, err
	}
	return rec, nil
}

// ExerciseDataRange implements Store.
func (s *KVStore) ExerciseDataRange(ctx context.Context, userID string, start, end time.Time) ([]ExerciseData, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	keys, err := s.exercise.Keys(ctx, userID+".*")
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "ExerciseDataRange", "list keys")
	}

	out := make([]ExerciseData, 0, len(keys))
	for _, key := range keys {
		rec, err := s.readExercise(ctx, key)
		if err != nil {
			// Deleted between listing and reading
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if inRange(rec.CreatedAt, start, end) {
			out = append(out, *rec)
		}
	}

	sortByCreated(out)
	return out, nil
}

func (s *KVStore) readExercise(ctx context.Context, key string) (*ExerciseData, error) {
	entry, err := s.exercise.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, notFound("ExerciseData", "read exercise data")
		}
		return nil, errors.WrapTransient(err, "KVStore", "ExerciseData", "read exercise data")
	}
	var rec ExerciseData
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "ExerciseData", "decode exercise data")
	}
	return &rec, nil
}
