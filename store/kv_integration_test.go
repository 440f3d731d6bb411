//go:build integration

package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/natsclient"
)

type KVStoreIntegrationSuite struct {
	suite.Suite
	testClient *natsclient.TestClient
	store      *KVStore
	ctx        context.Context
	cancel     context.CancelFunc
}

func (s *KVStoreIntegrationSuite) SetupSuite() {
	s.testClient = natsclient.NewTestClient(s.T(),
		natsclient.WithJetStream(),
		natsclient.WithStartTimeout(time.Minute))
}

func (s *KVStoreIntegrationSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 30*time.Second)

	var err error
	s.store, err = OpenKVStore(s.ctx, s.testClient.Client, nil)
	s.Require().NoError(err)
}

func (s *KVStoreIntegrationSuite) TearDownTest() {
	s.cancel()
}

// Opening twice reuses the existing buckets
func (s *KVStoreIntegrationSuite) TestReopen() {
	_, err := OpenKVStore(s.ctx, s.testClient.Client, nil)
	s.Require().NoError(err)
}

func (s *KVStoreIntegrationSuite) TestLatestPlan() {
	first, err := s.store.SavePlan(s.ctx, "patient-7", json.RawMessage(`[{"exercise":"knee-flex","repetitions":10}]`))
	s.Require().NoError(err)
	time.Sleep(5 * time.Millisecond)
	second, err := s.store.SavePlan(s.ctx, "patient-7", json.RawMessage(`[{"exercise":"knee-flex","repetitions":12}]`))
	s.Require().NoError(err)
	s.Require().NotEqual(first.ID, second.ID)

	latest, err := s.store.LatestPlan(s.ctx, "patient-7")
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)
	s.JSONEq(`[{"exercise":"knee-flex","repetitions":12}]`, string(latest.Plan))

	_, err = s.store.LatestPlan(s.ctx, "patient-8")
	s.ErrorIs(err, errors.ErrNotFound)
}

func (s *KVStoreIntegrationSuite) TestExerciseData() {
	start := time.Now().Add(-time.Minute)
	var saved []*ExerciseData
	for pain := 2; pain <= 4; pain++ {
		rec, err := s.store.SaveExerciseData(s.ctx, ExerciseData{UserID: "patient-9", Date: "2024-03-01", RatedPain: pain})
		s.Require().NoError(err)
		saved = append(saved, rec)
		time.Sleep(2 * time.Millisecond)
	}

	got, err := s.store.ExerciseData(s.ctx, saved[1].ID)
	s.Require().NoError(err)
	s.Equal(3, got.RatedPain)

	all, err := s.store.ExerciseDataRange(s.ctx, "patient-9", start, time.Now().Add(time.Minute))
	s.Require().NoError(err)
	s.Require().Len(all, 3)
	for i, rec := range all {
		s.Equal(saved[i].ID, rec.ID)
	}

	_, err = s.store.ExerciseData(s.ctx, "missing-id")
	s.ErrorIs(err, errors.ErrNotFound)
}

func TestKVStoreIntegrationSuite(t *testing.T) {
	suite.Run(t, new(KVStoreIntegrationSuite))
}
