package model

import "time"

// EntityState marks canonical rows live or tombstoned. DELETE mutations
// tombstone the local row on apply; the row is physically removed only once
// the deletion is confirmed remotely.
type EntityState string

const (
	EntityStateDefault EntityState = "DEFAULT"
	EntityStateDeleted EntityState = "DELETED"
)

// User is a collaborator able to author mutations.
type User struct {
	ID          string `db:"id"`
	Email       string `db:"email"`
	DisplayName string `db:"display_name"`
}

// AuditInfo stamps who touched an entity and when, using the mutation's
// client timestamp rather than server time.
type AuditInfo struct {
	UserID    string
	Timestamp time.Time
}

// LocationOfInterest is the canonical local snapshot of a geospatial feature
// within a survey. Snapshots are immutable; edits go through mutations.
type LocationOfInterest struct {
	ID       string
	SurveyID string
	JobID    string
	Geometry Geometry
	State    EntityState
	Created  AuditInfo
	Modified AuditInfo
}

// Submission is the canonical local snapshot of one form submission attached
// to a location of interest. Responses map task id to the response value.
type Submission struct {
	ID                   string
	LocationOfInterestID string
	SurveyID             string
	JobID                string
	Responses            map[string]string
	State                EntityState
	Created              AuditInfo
	Modified             AuditInfo
}

// CopyWithDeltas returns a copy of the submission with the deltas applied in
// order. Empty delta values clear the response.
func (s Submission) CopyWithDeltas(deltas []TaskDelta) Submission {
	responses := make(map[string]string, len(s.Responses))
	for k, v := range s.Responses {
		responses[k] = v
	}
	for _, d := range deltas {
		if d.NewValue == "" {
			delete(responses, d.TaskID)
		} else {
			responses[d.TaskID] = d.NewValue
		}
	}
	s.Responses = responses
	return s
}
