// Package store keeps exercise plans and patient exercise reports.
//
// Two backends implement Store: MemoryStore for a standalone bridge and
// KVStore on NATS JetStream key-value buckets. Both validate records the same
// way before writing.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/c360/exobridge/errors"
)

// Pain ratings are on a 0..10 scale.
const (
	MinPain = 0
	MaxPain = 10
)

// Plan is an exercise plan assigned to a user. Plan holds the JSON array of
// exercises as sent by the panel.
type Plan struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Plan      json.RawMessage `json:"plan"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExerciseData is a patient's report after an exercise session.
type ExerciseData struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Date      string    `json:"date,omitempty"`
	RatedPain int       `json:"rated_pain"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists plans and exercise data. Implementations are safe for
// concurrent use.
type Store interface {
	// SavePlan stores a new plan for userID and returns the saved record.
	SavePlan(ctx context.Context, userID string, plan json.RawMessage) (*Plan, error)

	// LatestPlan returns the most recently created plan for userID.
	LatestPlan(ctx context.Context, userID string) (*Plan, error)

	// SaveExerciseData stores rec. ID and CreatedAt are assigned by the store.
	SaveExerciseData(ctx context.Context, rec ExerciseData) (*ExerciseData, error)

	// ExerciseData returns the record with the given ID.
	ExerciseData(ctx context.Context, id string) (*ExerciseData, error)

	// ExerciseDataRange returns userID's records with start <= CreatedAt <= end,
	// oldest first.
	ExerciseDataRange(ctx context.Context, userID string, start, end time.Time) ([]ExerciseData, error)
}

// IDs end up as NATS subject tokens, so they are restricted to characters
// that are safe there.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidateUserID checks that id is a usable user identifier.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.WrapInvalid(fmt.Errorf("%w: user_id is required", errors.ErrInvalidData),
			"Store", "ValidateUserID", "check user id")
	}
	if !idPattern.MatchString(id) {
		return errors.WrapInvalid(fmt.Errorf("%w: user_id %q has unsupported characters", errors.ErrInvalidData, id),
			"Store", "ValidateUserID", "check user id")
	}
	return nil
}

func validateRecordID(id string) error {
	if !idPattern.MatchString(id) {
		return errors.WrapInvalid(fmt.Errorf("%w: id %q", errors.ErrInvalidData, id),
			"Store", "ExerciseData", "check id")
	}
	return nil
}

// ValidateExerciseData checks the fields a caller supplies.
func ValidateExerciseData(rec ExerciseData) error {
	if err := ValidateUserID(rec.UserID); err != nil {
		return err
	}
	if rec.RatedPain < MinPain || rec.RatedPain > MaxPain {
		return errors.WrapInvalid(
			fmt.Errorf("%w: rated_pain %d outside %d..%d", errors.ErrInvalidData, rec.RatedPain, MinPain, MaxPain),
			"Store", "ValidateExerciseData", "check rated_pain")
	}
	return nil
}

func notFound(method, what string) error {
	return errors.Wrap(errors.ErrNotFound, "Store", method, what)
}

func inRange(t, start, end time.Time) bool {
	return !t.Before(start) && !t.After(end)
}
