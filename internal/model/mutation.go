package model

import (
	"fmt"
	"time"
)

// MutationType identifies the change a mutation applies to its target entity.
type MutationType string

const (
	MutationTypeUnknown MutationType = "UNKNOWN"
	MutationTypeCreate  MutationType = "CREATE"
	MutationTypeUpdate  MutationType = "UPDATE"
	MutationTypeDelete  MutationType = "DELETE"
)

// SyncStatus tracks a queued mutation through its remote-sync lifecycle.
// PENDING also covers "failed, awaiting retry" once the scheduler re-enqueues.
type SyncStatus string

const (
	SyncStatusUnknown    SyncStatus = "UNKNOWN"
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusInProgress SyncStatus = "IN_PROGRESS"
	SyncStatusCompleted  SyncStatus = "COMPLETED"
	SyncStatusFailed     SyncStatus = "FAILED"
)

// MutationKind discriminates the payload carried by a Mutation.
type MutationKind string

const (
	KindLocationOfInterest MutationKind = "LOCATION_OF_INTEREST"
	KindSubmission         MutationKind = "SUBMISSION"
)

// TaskType is the response type of a form task.
type TaskType string

const (
	TaskTypeText           TaskType = "TEXT"
	TaskTypeNumber         TaskType = "NUMBER"
	TaskTypeDate           TaskType = "DATE"
	TaskTypeTime           TaskType = "TIME"
	TaskTypeMultipleChoice TaskType = "MULTIPLE_CHOICE"
	TaskTypePhoto          TaskType = "PHOTO"
)

// TaskDelta is one per-task response change carried by a submission mutation.
// An empty NewValue clears the response.
type TaskDelta struct {
	TaskID   string   `json:"taskId" db:"task_id"`
	TaskType TaskType `json:"taskType" db:"task_type"`
	NewValue string   `json:"newValue" db:"new_value"`
}

// Mutation is an immutable record of one pending local change to a location
// of interest or a submission. The ID is zero until the store assigns one on
// enqueue. Changes are expressed as copies, never in-place edits.
type Mutation struct {
	ID                   int64
	Kind                 MutationKind
	Type                 MutationType
	SyncStatus           SyncStatus
	SurveyID             string
	LocationOfInterestID string
	SubmissionID         string // submission mutations only
	JobID                string // submission mutations only
	UserID               string
	ClientTimestamp      time.Time
	RetryCount           int
	LastError            string

	// Payload for location-of-interest mutations.
	NewGeometry *Geometry

	// Payload for submission mutations, in task order.
	Deltas []TaskDelta
}

func (m Mutation) String() string {
	switch m.Kind {
	case KindSubmission:
		return fmt.Sprintf("%s %s submission=%s loi=%s status=%s", m.Kind, m.Type, m.SubmissionID, m.LocationOfInterestID, m.SyncStatus)
	default:
		return fmt.Sprintf("%s %s loi=%s status=%s", m.Kind, m.Type, m.LocationOfInterestID, m.SyncStatus)
	}
}

// WithStatus returns a copy of the mutation with the given sync status.
func (m Mutation) WithStatus(status SyncStatus) Mutation {
	m.SyncStatus = status
	return m
}

// IncrementRetry returns a copy with the retry count bumped and the error
// recorded. The status flips to FAILED so observers can surface the failure;
// the scheduler treats FAILED rows as retryable.
func (m Mutation) IncrementRetry(cause error) Mutation {
	m.RetryCount++
	m.SyncStatus = SyncStatusFailed
	if cause != nil {
		m.LastError = cause.Error()
	}
	return m
}

// PhotoPaths returns the non-empty PHOTO task values of a submission
// mutation, interpreted by callers as local photo file paths.
func (m Mutation) PhotoPaths() []string {
	if m.Kind != KindSubmission {
		return nil
	}
	var paths []string
	for _, d := range m.Deltas {
		if d.TaskType == TaskTypePhoto && d.NewValue != "" {
			paths = append(paths, d.NewValue)
		}
	}
	return paths
}

// GroupByUser partitions mutations by user id, preserving order within each
// group.
func GroupByUser(mutations []Mutation) map[string][]Mutation {
	groups := make(map[string][]Mutation)
	for _, m := range mutations {
		groups[m.UserID] = append(groups[m.UserID], m)
	}
	return groups
}
