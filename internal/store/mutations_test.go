package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfield/fieldsync/internal/db"
	"github.com/openfield/fieldsync/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	handle, err := db.Open(db.WithPath(filepath.Join(t.TempDir(), "fieldsync.db")), db.WithMaxOpenConns(1))
	require.NoError(t, err)

	s, err := New(handle)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newCreateLOIMutation(loiID, userID string) model.Mutation {
	return model.Mutation{
		Kind:                 model.KindLocationOfInterest,
		Type:                 model.MutationTypeCreate,
		SurveyID:             "survey1",
		LocationOfInterestID: loiID,
		UserID:               userID,
		ClientTimestamp:      time.Now(),
		NewGeometry:          model.NewPoint(12.5, 77.6),
	}
}

func TestApplyAndEnqueue_CreateLOI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, model.SyncStatusPending, m.SyncStatus)

	// queued exactly once, retry count zero
	pending, err := s.PendingMutations(ctx, "loi1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SyncStatusPending, pending[0].SyncStatus)
	assert.Equal(t, 0, pending[0].RetryCount)
	require.NotNil(t, pending[0].NewGeometry)
	assert.Equal(t, model.GeometryTypePoint, pending[0].NewGeometry.Type)

	// canonical entity written optimistically
	loi, err := s.GetLocationOfInterest(ctx, "loi1")
	require.NoError(t, err)
	assert.Equal(t, "survey1", loi.SurveyID)
	assert.Equal(t, model.EntityStateDefault, loi.State)
	assert.Equal(t, "u1", loi.Created.UserID)
}

func TestApplyAndEnqueue_UpdateMissingLOI(t *testing.T) {
	s := newTestStore(t)

	m := newCreateLOIMutation("ghost", "u1")
	m.Type = model.MutationTypeUpdate

	_, err := s.ApplyAndEnqueue(context.Background(), m)
	var invErr *InvariantError
	require.ErrorAs(t, err, &invErr)
	assert.ErrorIs(t, err, ErrNotFound)

	// nothing enqueued
	pending, err := s.PendingMutations(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestApplyAndEnqueue_DeleteTombstonesLOI(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	del := newCreateLOIMutation("loi1", "u1")
	del.Type = model.MutationTypeDelete
	del.NewGeometry = nil
	_, err = s.ApplyAndEnqueue(ctx, del)
	require.NoError(t, err)

	loi, err := s.GetLocationOfInterest(ctx, "loi1")
	require.NoError(t, err)
	assert.Equal(t, model.EntityStateDeleted, loi.State)
}

func TestApplyAndEnqueue_SubmissionCreateAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	create := model.Mutation{
		Kind:                 model.KindSubmission,
		Type:                 model.MutationTypeCreate,
		SurveyID:             "survey1",
		LocationOfInterestID: "loi1",
		SubmissionID:         "sub1",
		JobID:                "job1",
		UserID:               "u1",
		ClientTimestamp:      time.Now(),
		Deltas: []model.TaskDelta{
			{TaskID: "t1", TaskType: model.TaskTypeText, NewValue: "oak"},
		},
	}
	_, err = s.ApplyAndEnqueue(ctx, create)
	require.NoError(t, err)

	// duplicate CREATE violates the contract
	_, err = s.ApplyAndEnqueue(ctx, create)
	var invErr *InvariantError
	assert.ErrorAs(t, err, &invErr)

	update := create
	update.Type = model.MutationTypeUpdate
	update.ClientTimestamp = create.ClientTimestamp.Add(time.Minute)
	update.Deltas = []model.TaskDelta{
		{TaskID: "t2", TaskType: model.TaskTypeNumber, NewValue: "7"},
	}
	_, err = s.ApplyAndEnqueue(ctx, update)
	require.NoError(t, err)

	sub, err := s.GetSubmission(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"t1": "oak", "t2": "7"}, sub.Responses)
}

func TestUpdateMutations_RetryMonotonicity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	failed := m.IncrementRetry(errors.New("remote apply: timeout"))
	require.NoError(t, s.UpdateMutations(ctx, []model.Mutation{failed}))

	pending, err := s.PendingMutations(ctx, "loi1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, model.SyncStatusFailed, pending[0].SyncStatus)
	assert.NotEmpty(t, pending[0].LastError)
}

func TestPendingMutations_IncludesStaleInProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)
	require.NoError(t, s.MarkMutationsInProgress(ctx, []model.Mutation{m}))

	// a killed worker leaves IN_PROGRESS rows; the next run must pick them up
	pending, err := s.PendingMutations(ctx, "loi1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.SyncStatusInProgress, pending[0].SyncStatus)
}

func TestFinalizePendingMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	require.NoError(t, s.FinalizePendingMutations(ctx, []model.Mutation{m}))

	pending, err := s.PendingMutations(ctx, "loi1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	// CREATE finalization keeps the canonical entity
	_, err = s.GetLocationOfInterest(ctx, "loi1")
	require.NoError(t, err)

	// finalizing twice is a no-op, not an error
	require.NoError(t, s.FinalizePendingMutations(ctx, []model.Mutation{m}))
}

func TestFinalizePendingMutations_DeleteRemovesEntity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	del := newCreateLOIMutation("loi1", "u1")
	del.Type = model.MutationTypeDelete
	del.NewGeometry = nil
	queued, err := s.ApplyAndEnqueue(ctx, del)
	require.NoError(t, err)

	require.NoError(t, s.FinalizePendingMutations(ctx, []model.Mutation{queued}))

	_, err = s.GetLocationOfInterest(ctx, "loi1")
	assert.ErrorIs(t, err, ErrNotFound)

	// idempotent on an already-removed record
	require.NoError(t, s.FinalizePendingMutations(ctx, []model.Mutation{queued}))
}

func TestMergeSubmission_PreservesPendingDeltas(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	create := model.Mutation{
		Kind:                 model.KindSubmission,
		Type:                 model.MutationTypeCreate,
		SurveyID:             "survey1",
		LocationOfInterestID: "loi1",
		SubmissionID:         "sub1",
		UserID:               "u1",
		ClientTimestamp:      time.Now(),
		Deltas: []model.TaskDelta{
			{TaskID: "t1", TaskType: model.TaskTypeText, NewValue: "local edit"},
		},
	}
	_, err = s.ApplyAndEnqueue(ctx, create)
	require.NoError(t, err)

	// a remote snapshot arrives without the local edit
	remote := model.Submission{
		ID:                   "sub1",
		LocationOfInterestID: "loi1",
		SurveyID:             "survey1",
		Responses:            map[string]string{"t1": "stale remote", "t9": "remote only"},
		State:                model.EntityStateDefault,
	}
	require.NoError(t, s.MergeSubmission(ctx, remote))

	sub, err := s.GetSubmission(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, "local edit", sub.Responses["t1"], "pending delta must win over the snapshot")
	assert.Equal(t, "remote only", sub.Responses["t9"], "remote-only responses must survive")
}

func TestMergeSubmission_AppliesDeltasInTimestampOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	create := model.Mutation{
		Kind:                 model.KindSubmission,
		Type:                 model.MutationTypeCreate,
		SurveyID:             "survey1",
		LocationOfInterestID: "loi1",
		SubmissionID:         "sub1",
		UserID:               "u1",
		ClientTimestamp:      time.Date(2026, 8, 29, 12, 0, 4, 0, time.UTC),
		Deltas: []model.TaskDelta{
			{TaskID: "t1", TaskType: model.TaskTypeText, NewValue: "first"},
		},
	}
	_, err = s.ApplyAndEnqueue(ctx, create)
	require.NoError(t, err)

	// a whole-second edit followed by a fractional one in the same second;
	// the fractional timestamp is the chronologically later edit
	older := create
	older.Type = model.MutationTypeUpdate
	older.ClientTimestamp = time.Date(2026, 8, 29, 12, 0, 5, 0, time.UTC)
	older.Deltas = []model.TaskDelta{
		{TaskID: "t1", TaskType: model.TaskTypeText, NewValue: "older"},
	}
	_, err = s.ApplyAndEnqueue(ctx, older)
	require.NoError(t, err)

	newer := older
	newer.ClientTimestamp = time.Date(2026, 8, 29, 12, 0, 5, int(500*time.Millisecond), time.UTC)
	newer.Deltas = []model.TaskDelta{
		{TaskID: "t1", TaskType: model.TaskTypeText, NewValue: "newer"},
	}
	_, err = s.ApplyAndEnqueue(ctx, newer)
	require.NoError(t, err)

	// the queue replays oldest first
	pending, err := s.PendingMutations(ctx, "loi1")
	require.NoError(t, err)
	for i := 1; i < len(pending); i++ {
		assert.False(t, pending[i].ClientTimestamp.Before(pending[i-1].ClientTimestamp),
			"pending mutations out of chronological order at %d", i)
	}

	remote := model.Submission{
		ID:                   "sub1",
		LocationOfInterestID: "loi1",
		SurveyID:             "survey1",
		Responses:            map[string]string{},
		State:                model.EntityStateDefault,
	}
	require.NoError(t, s.MergeSubmission(ctx, remote))

	sub, err := s.GetSubmission(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, "newer", sub.Responses["t1"], "the last edit by client time must win")
}

func TestMergeLocationOfInterest_PreservesPendingGeometry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loi1", "u1"))
	require.NoError(t, err)

	moved := model.Mutation{
		Kind:                 model.KindLocationOfInterest,
		Type:                 model.MutationTypeUpdate,
		SurveyID:             "survey1",
		LocationOfInterestID: "loi1",
		UserID:               "u1",
		ClientTimestamp:      time.Now(),
		NewGeometry:          model.NewPoint(13.0, 78.0),
	}
	_, err = s.ApplyAndEnqueue(ctx, moved)
	require.NoError(t, err)

	// a remote snapshot arrives carrying the old position
	remote := model.LocationOfInterest{
		ID:       "loi1",
		SurveyID: "survey1",
		JobID:    "job-remote",
		Geometry: *model.NewPoint(12.5, 77.6),
		State:    model.EntityStateDefault,
	}
	require.NoError(t, s.MergeLocationOfInterest(ctx, remote))

	loi, err := s.GetLocationOfInterest(ctx, "loi1")
	require.NoError(t, err)
	require.NotNil(t, loi.Geometry.Point)
	assert.Equal(t, 13.0, loi.Geometry.Point.Lat, "pending geometry must win over the snapshot")
	assert.Equal(t, "job-remote", loi.JobID, "non-conflicting snapshot fields must survive")
	assert.Equal(t, "u1", loi.Modified.UserID)
}

func TestMergeLocationOfInterest_NoPendingMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remote := model.LocationOfInterest{
		ID:       "loi9",
		SurveyID: "survey1",
		Geometry: *model.NewPoint(1.0, 2.0),
		State:    model.EntityStateDefault,
	}
	require.NoError(t, s.MergeLocationOfInterest(ctx, remote))

	loi, err := s.GetLocationOfInterest(ctx, "loi9")
	require.NoError(t, err)
	require.NotNil(t, loi.Geometry.Point)
	assert.Equal(t, 1.0, loi.Geometry.Point.Lat)
}

func TestMergeSubmission_NoPendingMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	remote := model.Submission{
		ID:        "sub9",
		SurveyID:  "survey1",
		Responses: map[string]string{"t1": "remote"},
		State:     model.EntityStateDefault,
	}
	require.NoError(t, s.MergeSubmission(ctx, remote))

	sub, err := s.GetSubmission(ctx, "sub9")
	require.NoError(t, err)
	assert.Equal(t, "remote", sub.Responses["t1"])
}

func TestPendingMutationLOIs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loiA", "u1"))
	require.NoError(t, err)
	_, err = s.ApplyAndEnqueue(ctx, newCreateLOIMutation("loiB", "u1"))
	require.NoError(t, err)

	ids, err := s.PendingMutationLOIs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"loiA", "loiB"}, ids)
}

func TestUserLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutUser(ctx, model.User{ID: "u1", Email: "u1@example.com"}))

	u, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1@example.com", u.Email)

	_, err = s.GetUser(ctx, "gone")
	assert.ErrorIs(t, err, ErrNotFound)
}
