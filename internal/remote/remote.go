// Package remote talks to the survey server: batched mutation uploads, photo
// uploads, and the realtime event stream carrying entity snapshots.
package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"

	"github.com/openfield/fieldsync/internal/model"
)

// RemoteStore is the server-side counterpart of the local store. Implementors
// must apply a mutation batch atomically per call: either every mutation in
// the batch is accepted or none is.
type RemoteStore interface {
	// ApplyMutations uploads one user's mutation batch. The user carries the
	// identity the server records in audit trails.
	ApplyMutations(ctx context.Context, mutations []model.Mutation, user model.User) error

	// UploadPhoto streams the file at localPath to the media store under
	// remotePath.
	UploadPhoto(ctx context.Context, localPath, remotePath string) error
}

// APIError is a structured error body returned by the server.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

const (
	CodeInvalidRequest = "E_INVALID_REQUEST"
	CodeRateLimited    = "E_RATE_LIMITED"
	CodeInternalError  = "E_INTERNAL_ERROR"
	CodeAccessDenied   = "E_ACCESS_DENIED"
	CodeUnknownError   = "E_UNKNOWN_ERR"
)

// handleAPIError folds the transport error and the API error body into one
// wrapped error, or nil on success.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s: %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*APIError); ok {
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return fmt.Errorf("api error: %s: %s", operation, resp.Status)
	}

	return nil
}

// Wire DTOs. The local model stays free of transport tags; everything
// crossing the network is mapped through these.

type taskDeltaPayload struct {
	TaskID   string `json:"taskId"`
	TaskType string `json:"taskType"`
	NewValue string `json:"newValue"`
}

type geometryPayload struct {
	Type     string      `json:"type"`
	Point    *pointWire  `json:"point,omitempty"`
	Vertices []pointWire `json:"vertices,omitempty"`
}

type pointWire struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type mutationPayload struct {
	Kind                 string             `json:"kind"`
	Type                 string             `json:"type"`
	SurveyID             string             `json:"surveyId"`
	LocationOfInterestID string             `json:"locationOfInterestId"`
	SubmissionID         string             `json:"submissionId,omitempty"`
	JobID                string             `json:"jobId,omitempty"`
	ClientTimestamp      time.Time          `json:"clientTimestamp"`
	NewGeometry          *geometryPayload   `json:"newGeometry,omitempty"`
	Deltas               []taskDeltaPayload `json:"deltas,omitempty"`
}

type applyMutationsRequest struct {
	UserID    string            `json:"userId"`
	UserEmail string            `json:"userEmail,omitempty"`
	Mutations []mutationPayload `json:"mutations"`
}

func toGeometryPayload(g *model.Geometry) *geometryPayload {
	if g == nil {
		return nil
	}
	p := &geometryPayload{Type: string(g.Type)}
	if g.Point != nil {
		p.Point = &pointWire{Lat: g.Point.Lat, Lng: g.Point.Lng}
	}
	for _, v := range g.Vertices {
		p.Vertices = append(p.Vertices, pointWire{Lat: v.Lat, Lng: v.Lng})
	}
	return p
}

func toMutationPayload(m model.Mutation) mutationPayload {
	p := mutationPayload{
		Kind:                 string(m.Kind),
		Type:                 string(m.Type),
		SurveyID:             m.SurveyID,
		LocationOfInterestID: m.LocationOfInterestID,
		SubmissionID:         m.SubmissionID,
		JobID:                m.JobID,
		ClientTimestamp:      m.ClientTimestamp.UTC(),
		NewGeometry:          toGeometryPayload(m.NewGeometry),
	}
	for _, d := range m.Deltas {
		p.Deltas = append(p.Deltas, taskDeltaPayload{
			TaskID:   d.TaskID,
			TaskType: string(d.TaskType),
			NewValue: d.NewValue,
		})
	}
	return p
}
