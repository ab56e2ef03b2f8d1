package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/openfield/fieldsync/internal/model"
)

const mutationColumns = `id, kind, type, sync_status, survey_id, location_of_interest_id,
	submission_id, job_id, user_id, client_timestamp, retry_count, last_error,
	new_geometry, response_deltas`

type mutationRow struct {
	ID                   int64  `db:"id"`
	Kind                 string `db:"kind"`
	Type                 string `db:"type"`
	SyncStatus           string `db:"sync_status"`
	SurveyID             string `db:"survey_id"`
	LocationOfInterestID string `db:"location_of_interest_id"`
	SubmissionID         string `db:"submission_id"`
	JobID                string `db:"job_id"`
	UserID               string `db:"user_id"`
	ClientTimestamp      string `db:"client_timestamp"`
	RetryCount           int    `db:"retry_count"`
	LastError            string `db:"last_error"`
	NewGeometry          []byte `db:"new_geometry"`
	ResponseDeltas       []byte `db:"response_deltas"`
}

func (r *mutationRow) toModel() (model.Mutation, error) {
	m := model.Mutation{
		ID:                   r.ID,
		Kind:                 model.MutationKind(r.Kind),
		Type:                 model.MutationType(r.Type),
		SyncStatus:           model.SyncStatus(r.SyncStatus),
		SurveyID:             r.SurveyID,
		LocationOfInterestID: r.LocationOfInterestID,
		SubmissionID:         r.SubmissionID,
		JobID:                r.JobID,
		UserID:               r.UserID,
		ClientTimestamp:      parseTime(r.ClientTimestamp),
		RetryCount:           r.RetryCount,
		LastError:            r.LastError,
	}
	if len(r.NewGeometry) > 0 {
		var g model.Geometry
		if err := json.Unmarshal(r.NewGeometry, &g); err != nil {
			return m, fmt.Errorf("decode geometry for mutation %d: %w", r.ID, err)
		}
		m.NewGeometry = &g
	}
	if len(r.ResponseDeltas) > 0 {
		if err := json.Unmarshal(r.ResponseDeltas, &m.Deltas); err != nil {
			return m, fmt.Errorf("decode deltas for mutation %d: %w", r.ID, err)
		}
	}
	return m, nil
}

func toMutationRow(m model.Mutation) (*mutationRow, error) {
	r := &mutationRow{
		ID:                   m.ID,
		Kind:                 string(m.Kind),
		Type:                 string(m.Type),
		SyncStatus:           string(m.SyncStatus),
		SurveyID:             m.SurveyID,
		LocationOfInterestID: m.LocationOfInterestID,
		SubmissionID:         m.SubmissionID,
		JobID:                m.JobID,
		UserID:               m.UserID,
		ClientTimestamp:      formatTime(m.ClientTimestamp),
		RetryCount:           m.RetryCount,
		LastError:            m.LastError,
	}
	if m.NewGeometry != nil {
		data, err := json.Marshal(m.NewGeometry)
		if err != nil {
			return nil, fmt.Errorf("encode geometry: %w", err)
		}
		r.NewGeometry = data
	}
	if len(m.Deltas) > 0 {
		data, err := json.Marshal(m.Deltas)
		if err != nil {
			return nil, fmt.Errorf("encode deltas: %w", err)
		}
		r.ResponseDeltas = data
	}
	return r, nil
}

// ApplyAndEnqueue writes the mutation's effect into the canonical entity
// table and inserts the mutation into the queue as PENDING, in one
// transaction. UPDATE/DELETE against a missing entity fails with an
// InvariantError and nothing is written.
func (s *Store) ApplyAndEnqueue(ctx context.Context, m model.Mutation) (model.Mutation, error) {
	m.SyncStatus = model.SyncStatusPending
	m.RetryCount = 0
	m.LastError = ""

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		switch m.Kind {
		case model.KindLocationOfInterest:
			if err := s.applyLOIMutation(ctx, tx, m); err != nil {
				return err
			}
		case model.KindSubmission:
			if err := s.applySubmissionMutation(ctx, tx, m); err != nil {
				return err
			}
		default:
			return invariantf("apply", "unknown mutation kind %q", m.Kind)
		}

		row, err := toMutationRow(m)
		if err != nil {
			return err
		}
		res, err := tx.NamedExecContext(ctx, `
			INSERT INTO mutation (kind, type, sync_status, survey_id, location_of_interest_id,
				submission_id, job_id, user_id, client_timestamp, retry_count, last_error,
				new_geometry, response_deltas)
			VALUES (:kind, :type, :sync_status, :survey_id, :location_of_interest_id,
				:submission_id, :job_id, :user_id, :client_timestamp, :retry_count, :last_error,
				:new_geometry, :response_deltas)`, row)
		if err != nil {
			return fmt.Errorf("enqueue mutation: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("mutation id: %w", err)
		}
		m.ID = id
		return nil
	})
	if err != nil {
		return model.Mutation{}, err
	}

	s.notifyMutations()
	s.notifyLOIs()
	return m, nil
}

// PendingMutations returns all queued mutations for the location of interest
// that still need syncing: PENDING, FAILED, and stale IN_PROGRESS rows left
// behind by a killed worker. Ordered by client timestamp.
func (s *Store) PendingMutations(ctx context.Context, locationOfInterestID string) ([]model.Mutation, error) {
	var rows []mutationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mutationColumns+` FROM mutation
		WHERE location_of_interest_id = ?
		AND sync_status IN (?, ?, ?)
		ORDER BY client_timestamp, id`,
		locationOfInterestID,
		model.SyncStatusPending, model.SyncStatusInProgress, model.SyncStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query pending mutations: %w", err)
	}
	return toMutations(rows)
}

// PendingMutationLOIs returns the ids of locations of interest that have at
// least one unsynced mutation, used by the scheduler to fan out workers.
func (s *Store) PendingMutationLOIs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT location_of_interest_id FROM mutation
		WHERE sync_status IN (?, ?, ?)
		ORDER BY location_of_interest_id`,
		model.SyncStatusPending, model.SyncStatusInProgress, model.SyncStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query pending mutation lois: %w", err)
	}
	return ids, nil
}

// MarkMutationsInProgress flips the given mutations to IN_PROGRESS before a
// remote apply attempt.
func (s *Store) MarkMutationsInProgress(ctx context.Context, mutations []model.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `UPDATE mutation SET sync_status = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, m := range mutations {
			if _, err := stmt.ExecContext(ctx, model.SyncStatusInProgress, m.ID); err != nil {
				return fmt.Errorf("mark mutation %d in progress: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyMutations()
	return nil
}

// UpdateMutations bulk-overwrites mutation rows, persisting incremented retry
// counts, error text, and status after a failed remote apply.
func (s *Store) UpdateMutations(ctx context.Context, mutations []model.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `
			UPDATE mutation SET sync_status = ?, retry_count = ?, last_error = ?
			WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, m := range mutations {
			if _, err := stmt.ExecContext(ctx, m.SyncStatus, m.RetryCount, m.LastError, m.ID); err != nil {
				return fmt.Errorf("update mutation %d: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyMutations()
	return nil
}

// FinalizePendingMutations completes successfully-synced mutations: DELETE
// mutations remove their canonical entity, everything is marked COMPLETED.
// Idempotent: re-finalizing an already-finalized batch is a no-op.
func (s *Store) FinalizePendingMutations(ctx context.Context, mutations []model.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, m := range mutations {
			if m.Type != model.MutationTypeDelete {
				continue
			}
			switch m.Kind {
			case model.KindLocationOfInterest:
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM submission WHERE location_of_interest_id = ?`, m.LocationOfInterestID); err != nil {
					return fmt.Errorf("delete submissions of loi %s: %w", m.LocationOfInterestID, err)
				}
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM location_of_interest WHERE id = ?`, m.LocationOfInterestID); err != nil {
					return fmt.Errorf("delete loi %s: %w", m.LocationOfInterestID, err)
				}
			case model.KindSubmission:
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM submission WHERE id = ?`, m.SubmissionID); err != nil {
					return fmt.Errorf("delete submission %s: %w", m.SubmissionID, err)
				}
			}
		}

		stmt, err := tx.PreparexContext(ctx, `UPDATE mutation SET sync_status = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, m := range mutations {
			if _, err := stmt.ExecContext(ctx, model.SyncStatusCompleted, m.ID); err != nil {
				return fmt.Errorf("complete mutation %d: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyMutations()
	s.notifyLOIs()
	return nil
}

// MutationsOnceAndStream emits the survey's full mutation list, newest
// client timestamp first, on subscribe and after every queue change.
func (s *Store) MutationsOnceAndStream(ctx context.Context, surveyID string) (<-chan []model.Mutation, error) {
	return onceAndStream(ctx, s.mutationCast, func() ([]model.Mutation, error) {
		return s.mutationsBySurvey(ctx, surveyID)
	})
}

func (s *Store) mutationsBySurvey(ctx context.Context, surveyID string) ([]model.Mutation, error) {
	var rows []mutationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+mutationColumns+` FROM mutation
		WHERE survey_id = ?
		ORDER BY client_timestamp DESC, id DESC`, surveyID)
	if err != nil {
		return nil, fmt.Errorf("query mutations: %w", err)
	}
	return toMutations(rows)
}

func toMutations(rows []mutationRow) ([]model.Mutation, error) {
	mutations := make([]model.Mutation, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		mutations = append(mutations, m)
	}
	return mutations, nil
}

// notifyMutations wakes mutation stream subscribers; each refetches its own
// survey-filtered view.
func (s *Store) notifyMutations() {
	s.mutationCast.publish(nil)
}

// pendingLOIMutations returns unsynced location-of-interest mutations for one
// location in client-timestamp order, for merging remote snapshots.
func (s *Store) pendingLOIMutations(ctx context.Context, tx *sqlx.Tx, loiID string) ([]model.Mutation, error) {
	var rows []mutationRow
	err := tx.SelectContext(ctx, &rows, `
		SELECT `+mutationColumns+` FROM mutation
		WHERE location_of_interest_id = ?
		AND kind = ?
		AND sync_status IN (?, ?, ?)
		ORDER BY client_timestamp, id`,
		loiID, model.KindLocationOfInterest,
		model.SyncStatusPending, model.SyncStatusInProgress, model.SyncStatusFailed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query loi mutations: %w", err)
	}
	return toMutations(rows)
}

// pendingSubmissionMutations returns unsynced mutations for one submission in
// client-timestamp order, for merging remote snapshots.
func (s *Store) pendingSubmissionMutations(ctx context.Context, tx *sqlx.Tx, submissionID string) ([]model.Mutation, error) {
	var rows []mutationRow
	err := tx.SelectContext(ctx, &rows, `
		SELECT `+mutationColumns+` FROM mutation
		WHERE submission_id = ?
		AND sync_status IN (?, ?, ?)
		ORDER BY client_timestamp, id`,
		submissionID,
		model.SyncStatusPending, model.SyncStatusInProgress, model.SyncStatusFailed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query submission mutations: %w", err)
	}
	return toMutations(rows)
}
