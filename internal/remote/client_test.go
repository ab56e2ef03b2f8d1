package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfield/fieldsync/internal/model"
)

func TestApplyMutations(t *testing.T) {
	var got applyMutationsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, v1Mutations, r.URL.Path)
		assert.Equal(t, "u1", r.Header.Get(HeaderUser))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	mutations := []model.Mutation{{
		Kind:                 model.KindLocationOfInterest,
		Type:                 model.MutationTypeCreate,
		SurveyID:             "survey1",
		LocationOfInterestID: "loi1",
		UserID:               "u1",
		ClientTimestamp:      time.Now(),
		NewGeometry:          model.NewPoint(1.5, 2.5),
	}}

	err := c.ApplyMutations(context.Background(), mutations, model.User{ID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "u1", got.UserID)
	require.Len(t, got.Mutations, 1)
	assert.Equal(t, "CREATE", got.Mutations[0].Type)
	assert.Equal(t, "loi1", got.Mutations[0].LocationOfInterestID)
	require.NotNil(t, got.Mutations[0].NewGeometry)
	require.NotNil(t, got.Mutations[0].NewGeometry.Point)
	assert.Equal(t, 1.5, got.Mutations[0].NewGeometry.Point.Lat)
}

func TestApplyMutations_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(&APIError{Code: CodeInvalidRequest, Message: "bad batch"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	err := c.ApplyMutations(context.Background(), []model.Mutation{{
		Kind: model.KindLocationOfInterest,
		Type: model.MutationTypeCreate,
	}}, model.User{ID: "u1"})

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeInvalidRequest, apiErr.Code)
}

func TestApplyMutations_EmptyBatchIsNoop(t *testing.T) {
	c := NewClient("http://127.0.0.1:1") // would fail if dialed
	assert.NoError(t, c.ApplyMutations(context.Background(), nil, model.User{ID: "u1"}))
}

func TestUploadPhoto(t *testing.T) {
	var gotPath string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(local, []byte("jpeg-bytes"), 0o644))

	c := NewClient(srv.URL)
	require.NoError(t, c.UploadPhoto(context.Background(), local, "survey1/loi1/photo.jpg"))

	assert.Equal(t, v1Media+"/survey1/loi1/photo.jpg", gotPath)
	assert.Equal(t, []byte("jpeg-bytes"), gotBody)
}

func TestDecodeEvent(t *testing.T) {
	raw := []byte(`{
		"type": "SUBMISSION_UPDATED",
		"payload": {
			"id": "sub1",
			"locationOfInterestId": "loi1",
			"surveyId": "survey1",
			"responses": {"t1": "oak"},
			"state": "DEFAULT"
		}
	}`)

	ev, err := decodeEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, EventSubmissionUpdated, ev.Type)
	require.NotNil(t, ev.Submission)
	assert.Equal(t, "sub1", ev.Submission.ID)
	assert.Equal(t, "oak", ev.Submission.Responses["t1"])
}

func TestDecodeEvent_UnknownType(t *testing.T) {
	_, err := decodeEvent([]byte(`{"type": "SOMETHING_ELSE", "payload": {}}`))
	assert.Error(t, err)
}
