package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/imroc/req/v3"

	"github.com/openfield/fieldsync/internal/model"
	"github.com/openfield/fieldsync/internal/version"
)

const (
	HeaderAppVersion = "X-FieldSync-Version"
	HeaderUser       = "X-FieldSync-User"

	v1Mutations = "/api/v1/mutations"
	v1Media     = "/api/v1/media"
)

var userAgent = fmt.Sprintf("FieldSync/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)

// Client is the HTTP RemoteStore. One instance is shared across workers;
// req.Client is safe for concurrent use.
type Client struct {
	http    *req.Client
	baseURL string
}

func NewClient(baseURL string) *Client {
	client := req.C().
		SetBaseURL(baseURL).
		SetCommonRetryCount(3).
		SetCommonRetryFixedInterval(1 * time.Second).
		SetUserAgent(userAgent).
		SetCommonHeader(HeaderAppVersion, version.Version).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &Client{http: client, baseURL: baseURL}
}

// BaseURL returns the server URL the client was built with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ApplyMutations posts one user's mutation batch. The server applies the
// batch atomically, so a non-nil error means nothing was committed.
func (c *Client) ApplyMutations(ctx context.Context, mutations []model.Mutation, user model.User) error {
	if len(mutations) == 0 {
		return nil
	}

	body := applyMutationsRequest{
		UserID:    user.ID,
		UserEmail: user.Email,
		Mutations: make([]mutationPayload, 0, len(mutations)),
	}
	for _, m := range mutations {
		body.Mutations = append(body.Mutations, toMutationPayload(m))
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(HeaderUser, user.ID).
		SetBody(&body).
		Post(v1Mutations)

	return handleAPIError(resp, err, "apply mutations")
}

// UploadPhoto streams the local file to the media store under remotePath.
func (c *Client) UploadPhoto(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open photo %s: %w", localPath, err)
	}
	defer f.Close()

	resp, err := c.http.R().
		SetContext(ctx).
		SetContentType("application/octet-stream").
		SetBody(f).
		Put(v1Media + "/" + filepath.ToSlash(remotePath))

	return handleAPIError(resp, err, "upload photo")
}

var _ RemoteStore = (*Client)(nil)
