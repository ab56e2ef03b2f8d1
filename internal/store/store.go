package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openfield/fieldsync/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS mutation (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	type TEXT NOT NULL,
	sync_status TEXT NOT NULL,
	survey_id TEXT NOT NULL,
	location_of_interest_id TEXT NOT NULL,
	submission_id TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL,
	client_timestamp TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	new_geometry BLOB,
	response_deltas BLOB
);

CREATE INDEX IF NOT EXISTS idx_mutation_loi ON mutation(location_of_interest_id);
CREATE INDEX IF NOT EXISTS idx_mutation_status ON mutation(sync_status);

CREATE TABLE IF NOT EXISTS location_of_interest (
	id TEXT PRIMARY KEY,
	survey_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	geometry BLOB NOT NULL,
	state TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	modified_by TEXT NOT NULL DEFAULT '',
	modified_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_loi_survey ON location_of_interest(survey_id);

CREATE TABLE IF NOT EXISTS submission (
	id TEXT PRIMARY KEY,
	location_of_interest_id TEXT NOT NULL,
	survey_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	responses BLOB NOT NULL,
	state TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT '',
	modified_by TEXT NOT NULL DEFAULT '',
	modified_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_submission_loi ON submission(location_of_interest_id);

CREATE TABLE IF NOT EXISTS user (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tile_set (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	path TEXT NOT NULL,
	state TEXT NOT NULL,
	offline_area_reference_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS offline_area (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	north REAL NOT NULL,
	south REAL NOT NULL,
	east REAL NOT NULL,
	west REAL NOT NULL,
	state TEXT NOT NULL
);
`

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// InvariantError reports a violated local-store contract, e.g. an UPDATE
// mutation against an entity that was never created.
type InvariantError struct {
	Op  string
	Err error
}

func (e *InvariantError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *InvariantError) Unwrap() error { return e.Err }

func invariantf(op, format string, args ...any) *InvariantError {
	return &InvariantError{Op: op, Err: fmt.Errorf(format, args...)}
}

// LocalStore is the durable, transactional storage contract for canonical
// entities and the mutation queue. Every method runs as one atomic
// transaction. Streams emit the full current set on subscribe and after
// every change, never deltas.
type LocalStore interface {
	// Mutation queue.
	ApplyAndEnqueue(ctx context.Context, m model.Mutation) (model.Mutation, error)
	PendingMutations(ctx context.Context, locationOfInterestID string) ([]model.Mutation, error)
	PendingMutationLOIs(ctx context.Context) ([]string, error)
	MarkMutationsInProgress(ctx context.Context, mutations []model.Mutation) error
	UpdateMutations(ctx context.Context, mutations []model.Mutation) error
	FinalizePendingMutations(ctx context.Context, mutations []model.Mutation) error
	MutationsOnceAndStream(ctx context.Context, surveyID string) (<-chan []model.Mutation, error)

	// Canonical entities.
	GetLocationOfInterest(ctx context.Context, id string) (model.LocationOfInterest, error)
	MergeLocationOfInterest(ctx context.Context, loi model.LocationOfInterest) error
	LocationsOfInterestOnceAndStream(ctx context.Context, surveyID string) (<-chan []model.LocationOfInterest, error)
	GetSubmission(ctx context.Context, id string) (model.Submission, error)
	MergeSubmission(ctx context.Context, sub model.Submission) error

	// Users.
	PutUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)

	// Tile sets.
	InsertOrUpdateTileSet(ctx context.Context, t model.TileSet) error
	GetTileSet(ctx context.Context, url string) (model.TileSet, error)
	GetTileSetByID(ctx context.Context, id string) (model.TileSet, error)
	PendingTileSets(ctx context.Context) ([]model.TileSet, error)
	UpdateTileSetReferenceCount(ctx context.Context, count int, url string) error
	DeleteTileSetByURL(ctx context.Context, url string) error
	TileSetsOnceAndStream(ctx context.Context) (<-chan []model.TileSet, error)

	// Offline areas.
	InsertOrUpdateOfflineArea(ctx context.Context, a model.OfflineArea) error
	GetOfflineArea(ctx context.Context, id string) (model.OfflineArea, error)
	OfflineAreas(ctx context.Context) ([]model.OfflineArea, error)
	DeleteOfflineArea(ctx context.Context, id string) error
	OfflineAreasOnceAndStream(ctx context.Context) (<-chan []model.OfflineArea, error)

	Close() error
}

// Store is the SQLite-backed LocalStore.
type Store struct {
	db *sqlx.DB

	mutationCast *broadcaster[[]model.Mutation]
	loiCast      *broadcaster[[]model.LocationOfInterest]
	tileCast     *broadcaster[[]model.TileSet]
	areaCast     *broadcaster[[]model.OfflineArea]
}

// New initializes the schema on the given handle and returns the store.
func New(db *sqlx.DB) (*Store, error) {
	if _, err := db.Exec(schemaSQL); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{
		db:           db,
		mutationCast: newBroadcaster[[]model.Mutation](),
		loiCast:      newBroadcaster[[]model.LocationOfInterest](),
		tileCast:     newBroadcaster[[]model.TileSet](),
		areaCast:     newBroadcaster[[]model.OfflineArea](),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn in one transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// timeLayout keeps every digit of the fraction so the stored text sorts
// chronologically. RFC3339Nano trims trailing zeros, and a whole-second
// timestamp ("…05Z") would sort after a fractional one in the same second
// ("…05.5Z"), breaking every ORDER BY client_timestamp.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ LocalStore = (*Store)(nil)
