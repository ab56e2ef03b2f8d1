package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/openfield/fieldsync/internal/model"
)

type loiRow struct {
	ID         string `db:"id"`
	SurveyID   string `db:"survey_id"`
	JobID      string `db:"job_id"`
	Geometry   []byte `db:"geometry"`
	State      string `db:"state"`
	CreatedBy  string `db:"created_by"`
	CreatedAt  string `db:"created_at"`
	ModifiedBy string `db:"modified_by"`
	ModifiedAt string `db:"modified_at"`
}

func (r *loiRow) toModel() (model.LocationOfInterest, error) {
	loi := model.LocationOfInterest{
		ID:       r.ID,
		SurveyID: r.SurveyID,
		JobID:    r.JobID,
		State:    model.EntityState(r.State),
		Created:  model.AuditInfo{UserID: r.CreatedBy, Timestamp: parseTime(r.CreatedAt)},
		Modified: model.AuditInfo{UserID: r.ModifiedBy, Timestamp: parseTime(r.ModifiedAt)},
	}
	if err := json.Unmarshal(r.Geometry, &loi.Geometry); err != nil {
		return loi, fmt.Errorf("decode geometry for loi %s: %w", r.ID, err)
	}
	return loi, nil
}

func toLOIRow(loi model.LocationOfInterest) (*loiRow, error) {
	geometry, err := json.Marshal(loi.Geometry)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	return &loiRow{
		ID:         loi.ID,
		SurveyID:   loi.SurveyID,
		JobID:      loi.JobID,
		Geometry:   geometry,
		State:      string(loi.State),
		CreatedBy:  loi.Created.UserID,
		CreatedAt:  formatTime(loi.Created.Timestamp),
		ModifiedBy: loi.Modified.UserID,
		ModifiedAt: formatTime(loi.Modified.Timestamp),
	}, nil
}

type submissionRow struct {
	ID                   string `db:"id"`
	LocationOfInterestID string `db:"location_of_interest_id"`
	SurveyID             string `db:"survey_id"`
	JobID                string `db:"job_id"`
	Responses            []byte `db:"responses"`
	State                string `db:"state"`
	CreatedBy            string `db:"created_by"`
	CreatedAt            string `db:"created_at"`
	ModifiedBy           string `db:"modified_by"`
	ModifiedAt           string `db:"modified_at"`
}

func (r *submissionRow) toModel() (model.Submission, error) {
	sub := model.Submission{
		ID:                   r.ID,
		LocationOfInterestID: r.LocationOfInterestID,
		SurveyID:             r.SurveyID,
		JobID:                r.JobID,
		State:                model.EntityState(r.State),
		Created:              model.AuditInfo{UserID: r.CreatedBy, Timestamp: parseTime(r.CreatedAt)},
		Modified:             model.AuditInfo{UserID: r.ModifiedBy, Timestamp: parseTime(r.ModifiedAt)},
	}
	if err := json.Unmarshal(r.Responses, &sub.Responses); err != nil {
		return sub, fmt.Errorf("decode responses for submission %s: %w", r.ID, err)
	}
	return sub, nil
}

func toSubmissionRow(sub model.Submission) (*submissionRow, error) {
	if sub.Responses == nil {
		sub.Responses = map[string]string{}
	}
	responses, err := json.Marshal(sub.Responses)
	if err != nil {
		return nil, fmt.Errorf("encode responses: %w", err)
	}
	return &submissionRow{
		ID:                   sub.ID,
		LocationOfInterestID: sub.LocationOfInterestID,
		SurveyID:             sub.SurveyID,
		JobID:                sub.JobID,
		Responses:            responses,
		State:                string(sub.State),
		CreatedBy:            sub.Created.UserID,
		CreatedAt:            formatTime(sub.Created.Timestamp),
		ModifiedBy:           sub.Modified.UserID,
		ModifiedAt:           formatTime(sub.Modified.Timestamp),
	}, nil
}

const upsertLOISQL = `
	INSERT INTO location_of_interest (id, survey_id, job_id, geometry, state,
		created_by, created_at, modified_by, modified_at)
	VALUES (:id, :survey_id, :job_id, :geometry, :state,
		:created_by, :created_at, :modified_by, :modified_at)
	ON CONFLICT(id) DO UPDATE SET
		survey_id = excluded.survey_id,
		job_id = excluded.job_id,
		geometry = excluded.geometry,
		state = excluded.state,
		modified_by = excluded.modified_by,
		modified_at = excluded.modified_at`

const upsertSubmissionSQL = `
	INSERT INTO submission (id, location_of_interest_id, survey_id, job_id, responses, state,
		created_by, created_at, modified_by, modified_at)
	VALUES (:id, :location_of_interest_id, :survey_id, :job_id, :responses, :state,
		:created_by, :created_at, :modified_by, :modified_at)
	ON CONFLICT(id) DO UPDATE SET
		responses = excluded.responses,
		state = excluded.state,
		modified_by = excluded.modified_by,
		modified_at = excluded.modified_at`

// applyLOIMutation writes a location-of-interest mutation's effect into the
// canonical table, optimistically, ahead of remote confirmation.
func (s *Store) applyLOIMutation(ctx context.Context, tx *sqlx.Tx, m model.Mutation) error {
	switch m.Type {
	case model.MutationTypeCreate:
		if m.NewGeometry == nil {
			return invariantf("apply", "CREATE loi %s without geometry", m.LocationOfInterestID)
		}
		row, err := toLOIRow(model.LocationOfInterest{
			ID:       m.LocationOfInterestID,
			SurveyID: m.SurveyID,
			JobID:    m.JobID,
			Geometry: *m.NewGeometry,
			State:    model.EntityStateDefault,
			Created:  model.AuditInfo{UserID: m.UserID, Timestamp: m.ClientTimestamp},
			Modified: model.AuditInfo{UserID: m.UserID, Timestamp: m.ClientTimestamp},
		})
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertLOISQL, row); err != nil {
			return fmt.Errorf("create loi %s: %w", m.LocationOfInterestID, err)
		}
		return nil

	case model.MutationTypeUpdate:
		existing, err := getLOI(ctx, tx, m.LocationOfInterestID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return invariantf("apply", "UPDATE loi %s: %w", m.LocationOfInterestID, err)
			}
			return err
		}
		if m.NewGeometry != nil {
			existing.Geometry = *m.NewGeometry
		}
		existing.Modified = model.AuditInfo{UserID: m.UserID, Timestamp: m.ClientTimestamp}
		row, err := toLOIRow(existing)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertLOISQL, row); err != nil {
			return fmt.Errorf("update loi %s: %w", m.LocationOfInterestID, err)
		}
		return nil

	case model.MutationTypeDelete:
		// tombstone only; the row is removed at finalize
		res, err := tx.ExecContext(ctx,
			`UPDATE location_of_interest SET state = ?, modified_by = ?, modified_at = ? WHERE id = ?`,
			model.EntityStateDeleted, m.UserID, formatTime(m.ClientTimestamp), m.LocationOfInterestID)
		if err != nil {
			return fmt.Errorf("mark loi %s deleted: %w", m.LocationOfInterestID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return invariantf("apply", "DELETE loi %s: %w", m.LocationOfInterestID, ErrNotFound)
		}
		return nil

	default:
		return invariantf("apply", "unknown mutation type %q", m.Type)
	}
}

// applySubmissionMutation writes a submission mutation's effect into the
// canonical table, applying response deltas in order.
func (s *Store) applySubmissionMutation(ctx context.Context, tx *sqlx.Tx, m model.Mutation) error {
	switch m.Type {
	case model.MutationTypeCreate:
		if _, err := getSubmission(ctx, tx, m.SubmissionID); err == nil {
			return invariantf("apply", "CREATE submission %s: already exists", m.SubmissionID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		sub := model.Submission{
			ID:                   m.SubmissionID,
			LocationOfInterestID: m.LocationOfInterestID,
			SurveyID:             m.SurveyID,
			JobID:                m.JobID,
			Responses:            map[string]string{},
			State:                model.EntityStateDefault,
			Created:              model.AuditInfo{UserID: m.UserID, Timestamp: m.ClientTimestamp},
			Modified:             model.AuditInfo{UserID: m.UserID, Timestamp: m.ClientTimestamp},
		}.CopyWithDeltas(m.Deltas)
		row, err := toSubmissionRow(sub)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertSubmissionSQL, row); err != nil {
			return fmt.Errorf("create submission %s: %w", m.SubmissionID, err)
		}
		return nil

	case model.MutationTypeUpdate:
		existing, err := getSubmission(ctx, tx, m.SubmissionID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return invariantf("apply", "UPDATE submission %s: %w", m.SubmissionID, err)
			}
			return err
		}
		merged := existing.CopyWithDeltas(m.Deltas)
		merged.Modified = model.AuditInfo{UserID: m.UserID, Timestamp: m.ClientTimestamp}
		row, err := toSubmissionRow(merged)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertSubmissionSQL, row); err != nil {
			return fmt.Errorf("update submission %s: %w", m.SubmissionID, err)
		}
		return nil

	case model.MutationTypeDelete:
		res, err := tx.ExecContext(ctx,
			`UPDATE submission SET state = ?, modified_by = ?, modified_at = ? WHERE id = ?`,
			model.EntityStateDeleted, m.UserID, formatTime(m.ClientTimestamp), m.SubmissionID)
		if err != nil {
			return fmt.Errorf("mark submission %s deleted: %w", m.SubmissionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return invariantf("apply", "DELETE submission %s: %w", m.SubmissionID, ErrNotFound)
		}
		return nil

	default:
		return invariantf("apply", "unknown mutation type %q", m.Type)
	}
}

type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
}

func getLOI(ctx context.Context, q queryer, id string) (model.LocationOfInterest, error) {
	var row loiRow
	err := q.GetContext(ctx, &row, `SELECT * FROM location_of_interest WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LocationOfInterest{}, ErrNotFound
	}
	if err != nil {
		return model.LocationOfInterest{}, fmt.Errorf("query loi %s: %w", id, err)
	}
	return row.toModel()
}

func getSubmission(ctx context.Context, q queryer, id string) (model.Submission, error) {
	var row submissionRow
	err := q.GetContext(ctx, &row, `SELECT * FROM submission WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Submission{}, ErrNotFound
	}
	if err != nil {
		return model.Submission{}, fmt.Errorf("query submission %s: %w", id, err)
	}
	return row.toModel()
}

func (s *Store) GetLocationOfInterest(ctx context.Context, id string) (model.LocationOfInterest, error) {
	return getLOI(ctx, s.db, id)
}

func (s *Store) GetSubmission(ctx context.Context, id string) (model.Submission, error) {
	return getSubmission(ctx, s.db, id)
}

// MergeLocationOfInterest reconciles an authoritative remote snapshot with
// local edits that have not synced yet: pending geometry mutations are
// re-applied on top of the snapshot, in client-timestamp order, so unsynced
// work survives. The merged result replaces any prior snapshot with the same
// id.
func (s *Store) MergeLocationOfInterest(ctx context.Context, loi model.LocationOfInterest) error {
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		pending, err := s.pendingLOIMutations(ctx, tx, loi.ID)
		if err != nil {
			return err
		}

		merged := loi
		for _, m := range pending {
			if m.NewGeometry != nil {
				merged.Geometry = *m.NewGeometry
			}
		}
		if len(pending) > 0 {
			last := pending[len(pending)-1]
			merged.Modified = model.AuditInfo{UserID: last.UserID, Timestamp: last.ClientTimestamp}
		}

		row, err := toLOIRow(merged)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertLOISQL, row); err != nil {
			return fmt.Errorf("merge loi %s: %w", loi.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.notifyLOIs()
	return nil
}

// MergeSubmission reconciles an authoritative remote snapshot with local
// edits that have not synced yet: pending response deltas are re-applied on
// top of the snapshot, in client-timestamp order, so unsynced work survives.
func (s *Store) MergeSubmission(ctx context.Context, sub model.Submission) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		pending, err := s.pendingSubmissionMutations(ctx, tx, sub.ID)
		if err != nil {
			return err
		}

		merged := sub
		for _, m := range pending {
			merged = merged.CopyWithDeltas(m.Deltas)
		}
		if len(pending) > 0 {
			last := pending[len(pending)-1]
			merged.Modified = model.AuditInfo{UserID: last.UserID, Timestamp: last.ClientTimestamp}
		}

		row, err := toSubmissionRow(merged)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, upsertSubmissionSQL, row); err != nil {
			return fmt.Errorf("merge submission %s: %w", sub.ID, err)
		}
		return nil
	})
}

// LocationsOfInterestOnceAndStream emits the survey's live (non-tombstoned)
// locations of interest on subscribe and after every change.
func (s *Store) LocationsOfInterestOnceAndStream(ctx context.Context, surveyID string) (<-chan []model.LocationOfInterest, error) {
	return onceAndStream(ctx, s.loiCast, func() ([]model.LocationOfInterest, error) {
		return s.liveLOIs(ctx, surveyID)
	})
}

func (s *Store) liveLOIs(ctx context.Context, surveyID string) ([]model.LocationOfInterest, error) {
	var rows []loiRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM location_of_interest
		WHERE survey_id = ? AND state = ?
		ORDER BY id`, surveyID, model.EntityStateDefault)
	if err != nil {
		return nil, fmt.Errorf("query lois: %w", err)
	}

	lois := make([]model.LocationOfInterest, 0, len(rows))
	for i := range rows {
		loi, err := rows[i].toModel()
		if err != nil {
			// skip undecodable rows rather than killing the stream
			slog.Error("skipping bad loi row", "id", rows[i].ID, "error", err)
			continue
		}
		lois = append(lois, loi)
	}
	return lois, nil
}

// notifyLOIs wakes location stream subscribers; each refetches its own
// survey-filtered view.
func (s *Store) notifyLOIs() {
	s.loiCast.publish(nil)
}

// PutUser inserts or updates a user record.
func (s *Store) PutUser(ctx context.Context, u model.User) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO user (id, email, display_name)
			VALUES (:id, :email, :display_name)
			ON CONFLICT(id) DO UPDATE SET email = excluded.email, display_name = excluded.display_name`, &u)
		if err != nil {
			return fmt.Errorf("put user %s: %w", u.ID, err)
		}
		return nil
	})
}

// GetUser returns ErrNotFound when the user record no longer exists, e.g.
// after account removal.
func (s *Store) GetUser(ctx context.Context, id string) (model.User, error) {
	var u model.User
	err := s.db.GetContext(ctx, &u, `SELECT id, email, display_name FROM user WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user %s: %w", id, err)
	}
	return u, nil
}
