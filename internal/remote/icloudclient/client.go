package icloudclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tonimelisma/icloud-sync/internal/remote"
)

const (
	maxRetries     = 4
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25

	// DefaultBaseURL is the iCloud Drive web-service endpoint used by the
	// stock SessionSource. Overridable for testing against a fake server.
	DefaultBaseURL = "https://www.icloud.com/drive/api"
)

// SessionSource supplies the bearer token/cookie header for authenticated
// requests and is notified when the session is rejected so it can
// re-authenticate (credential prompt, 2FA, keyring refresh). It is the
// single seam between this package and the out-of-scope auth flow.
type SessionSource interface {
	AuthHeader(ctx context.Context) (string, error)
	OnSessionExpired(ctx context.Context) error
}

// Client is an HTTP implementation of remote.Client against the iCloud
// Drive web API, with retry, exponential backoff, and error
// classification, mirroring the teacher's Microsoft Graph client shape.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    SessionSource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc is called to wait between retries; overridable in tests.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

var _ remote.Client = (*Client)(nil)

// NewClient returns a Client. logger and httpClient must be non-nil.
func NewClient(baseURL string, httpClient *http.Client, session SessionSource, logger *slog.Logger, userAgent string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		session:    session,
		logger:     logger,
		userAgent:  userAgent,
		sleepFunc:  timeSleep,
	}
}

func timeSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// calcBackoff computes exponential backoff with jitter for attempt (0-based).
func (c *Client) calcBackoff(attempt int) time.Duration {
	b := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if b > float64(maxBackoff) {
		b = float64(maxBackoff)
	}

	jitter := b * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter, not security sensitive

	return time.Duration(b + jitter)
}

// do executes method/path with automatic retry on transient failures and a
// single re-authentication attempt on session expiry.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, query url.Values) (*http.Response, error) {
	reauthed := false

	for attempt := 0; ; attempt++ {
		resp, err := c.doOnce(ctx, method, path, body, query)
		if err != nil {
			if attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("icloudclient: retrying after network error",
					slog.String("method", method), slog.String("path", path),
					slog.Int("attempt", attempt), slog.Duration("backoff", backoff))

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, sleepErr
				}

				continue
			}

			return nil, fmt.Errorf("icloudclient: request failed after %d attempts: %w", attempt+1, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthed {
			resp.Body.Close()

			if reErr := c.session.OnSessionExpired(ctx); reErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrSessionExpired, reErr)
			}

			reauthed = true

			continue
		}

		if isRetryable(resp.StatusCode) && attempt < maxRetries {
			backoff := c.retryAfterOr(resp, attempt)
			resp.Body.Close()
			c.logger.Warn("icloudclient: retrying after HTTP error",
				slog.String("method", method), slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt), slog.Duration("backoff", backoff))

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, sleepErr
			}

			continue
		}

		if sentinel := classifyStatus(resp.StatusCode); sentinel != nil {
			defer resp.Body.Close()

			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

			return nil, &APIError{StatusCode: resp.StatusCode, Message: string(b), Err: sentinel}
		}

		return resp, nil
	}
}

func (c *Client) retryAfterOr(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				return time.Duration(secs) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body io.Reader, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)

	auth, err := c.session.AuthHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving auth header: %w", err)
	}

	req.Header.Set("Authorization", auth)

	return c.httpClient.Do(req) //nolint:bodyclose // caller closes on all paths
}

type rootResponse struct {
	Handle            string `json:"drivewsid"`
	DeclaredFileCount int    `json:"numberOfItems"`
	TrashCount        int    `json:"trashCount"`
}

// ListRoot fetches the Drive root's handle and the two integrity counters.
func (c *Client) ListRoot(ctx context.Context) (remote.RootInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/ws/com.apple.CloudDocs/root", nil, nil)
	if err != nil {
		return remote.RootInfo{}, err
	}
	defer resp.Body.Close()

	var body rootResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return remote.RootInfo{}, fmt.Errorf("decoding root response: %w", err)
	}

	return remote.RootInfo{
		Handle:            body.Handle,
		DeclaredFileCount: body.DeclaredFileCount,
		TrashCount:        body.TrashCount,
	}, nil
}

type folderItem struct {
	Name         string `json:"name"`
	Type         string `json:"type"` // FILE, FOLDER, APP_LIBRARY
	Size         int64  `json:"size"`
	DateModified string `json:"dateModified"`
	Drivewsid    string `json:"drivewsid"`
	NumberOfItems int   `json:"numberOfItems"`
}

type folderResponse struct {
	Items []folderItem `json:"items"`
}

// ListFolder fetches the direct children of handle.
func (c *Client) ListFolder(ctx context.Context, handle string) ([]remote.Entry, error) {
	q := url.Values{"id": {handle}}

	resp, err := c.do(ctx, http.MethodGet, "/ws/com.apple.CloudDocs/folder", nil, q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body folderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding folder response: %w", err)
	}

	entries := make([]remote.Entry, 0, len(body.Items))

	for _, it := range body.Items {
		kind := remote.KindOther

		switch it.Type {
		case "FILE":
			kind = remote.KindFile
		case "FOLDER":
			kind = remote.KindFolder
		}

		mtime, _ := time.Parse(time.RFC3339, it.DateModified)

		entries = append(entries, remote.Entry{
			Name:             it.Name,
			Kind:             kind,
			Size:             it.Size,
			MTime:            mtime.UTC(),
			Handle:           it.Drivewsid,
			DeclaredChildren: it.NumberOfItems,
		})
	}

	return entries, nil
}

// Download streams handle's content into w.
func (c *Client) Download(ctx context.Context, handle string, w io.Writer) error {
	q := url.Values{"id": {handle}}

	resp, err := c.do(ctx, http.MethodGet, "/ws/com.apple.CloudDocs/download", nil, q)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("streaming download body: %w", err)
	}

	return nil
}

// Upload creates or replaces a file named name under parentHandle.
func (c *Client) Upload(ctx context.Context, parentHandle, name string, r io.Reader, size int64, mtime time.Time) (string, error) {
	q := url.Values{
		"parentId": {parentHandle},
		"name":     {name},
		"mtime":    {mtime.UTC().Format(time.RFC3339)},
	}

	resp, err := c.do(ctx, http.MethodPost, "/ws/com.apple.CloudDocs/upload", r, q)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Drivewsid string `json:"drivewsid"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding upload response: %w", err)
	}

	return body.Drivewsid, nil
}

// CreateFolder creates a folder named name under parentHandle.
func (c *Client) CreateFolder(ctx context.Context, parentHandle, name string) (string, error) {
	q := url.Values{"parentId": {parentHandle}, "name": {name}}

	resp, err := c.do(ctx, http.MethodPost, "/ws/com.apple.CloudDocs/createFolder", nil, q)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body struct {
		Drivewsid string `json:"drivewsid"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding create-folder response: %w", err)
	}

	return body.Drivewsid, nil
}

// Delete moves handle to the remote trash.
func (c *Client) Delete(ctx context.Context, handle string) error {
	q := url.Values{"id": {handle}}

	resp, err := c.do(ctx, http.MethodPost, "/ws/com.apple.CloudDocs/delete", nil, q)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

// Move renames/reparents handle.
func (c *Client) Move(ctx context.Context, handle, newParentHandle, newName string) error {
	q := url.Values{"id": {handle}, "parentId": {newParentHandle}, "name": {newName}}

	resp, err := c.do(ctx, http.MethodPost, "/ws/com.apple.CloudDocs/move", nil, q)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

// IsZoneBusy reports whether err indicates a remote concurrent-mutation
// conflict (transient, per spec §7).
func IsZoneBusy(err error) bool {
	return errors.Is(err, ErrZoneBusy)
}
