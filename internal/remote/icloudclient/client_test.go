package icloudclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a scriptable SessionSource for exercising the Client's
// retry and re-authentication paths without real iCloud credentials.
type fakeSession struct {
	header       string
	authErr      error
	expiredCalls atomic.Int32
	expiredErr   error
}

func (f *fakeSession) AuthHeader(ctx context.Context) (string, error) {
	return f.header, f.authErr
}

func (f *fakeSession) OnSessionExpired(ctx context.Context) error {
	f.expiredCalls.Add(1)
	return f.expiredErr
}

// newTestClientDirect builds a Client against server with an instant
// sleepFunc, so retry/backoff tests run without waiting on real wall-clock
// time.
func newTestClientDirect(server *httptest.Server, session SessionSource) *Client {
	return &Client{
		baseURL:    server.URL,
		httpClient: server.Client(),
		session:    session,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		userAgent:  "icloud-sync-test",
		sleepFunc:  func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestClient_ListRoot_Success(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/com.apple.CloudDocs/root", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"drivewsid":     "root-handle",
			"numberOfItems": 3,
			"trashCount":    1,
		})
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer test-token"})

	info, err := c.ListRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "root-handle", info.Handle)
	assert.Equal(t, 3, info.DeclaredFileCount)
	assert.Equal(t, 1, info.TrashCount)
}

func TestClient_ListFolder_MapsItemKinds(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "h1", r.URL.Query().Get("id"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{
				{"name": "a.txt", "type": "FILE", "size": 10, "dateModified": "2024-01-01T00:00:00Z", "drivewsid": "fh1"},
				{"name": "sub", "type": "FOLDER", "drivewsid": "fh2", "numberOfItems": 2},
				{"name": "bundle.app", "type": "APP_LIBRARY", "drivewsid": "fh3"},
			},
		})
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})

	entries, err := c.ListFolder(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "a.txt", entries[0].Name)
	assert.Equal(t, int64(10), entries[0].Size)

	assert.Equal(t, "sub", entries[1].Name)
	assert.Equal(t, 2, entries[1].DeclaredChildren)
}

func TestClient_do_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"drivewsid": "root"})
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})

	_, err := c.ListRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_do_ExhaustsRetriesReturnsServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})

	_, err := c.ListRoot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerError)
}

func TestClient_do_ForbiddenIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})

	_, err := c.ListRoot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_do_ZoneBusyIsRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusConflict)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"drivewsid": "root"})
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})

	_, err := c.ListRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_do_UnauthorizedTriggersReauthOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"drivewsid": "root"})
	}))
	defer server.Close()

	session := &fakeSession{header: "Bearer t"}
	c := newTestClientDirect(server, session)

	_, err := c.ListRoot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), session.expiredCalls.Load())
}

func TestClient_do_ReauthFailureReturnsSessionExpired(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	session := &fakeSession{header: "Bearer t", expiredErr: errors.New("re-auth failed")}
	c := newTestClientDirect(server, session)

	_, err := c.ListRoot(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestClient_Upload_SendsParentNameAndMTime(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "parent-h", r.URL.Query().Get("parentId"))
		assert.Equal(t, "a.txt", r.URL.Query().Get("name"))

		_ = json.NewEncoder(w).Encode(map[string]any{"drivewsid": "new-handle"})
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})

	handle, err := c.Upload(context.Background(), "parent-h", "a.txt", nil, 0, time.Unix(1700000000, 0).UTC())
	require.NoError(t, err)
	assert.Equal(t, "new-handle", handle)
}

func TestClient_Delete(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "h1", r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})
	require.NoError(t, c.Delete(context.Background(), "h1"))
}

func TestClient_Move(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "h1", r.URL.Query().Get("id"))
		assert.Equal(t, "new-parent", r.URL.Query().Get("parentId"))
		assert.Equal(t, "renamed.txt", r.URL.Query().Get("name"))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := newTestClientDirect(server, &fakeSession{header: "Bearer t"})
	require.NoError(t, c.Move(context.Background(), "h1", "new-parent", "renamed.txt"))
}

func TestIsZoneBusy(t *testing.T) {
	t.Parallel()

	assert.True(t, IsZoneBusy(ErrZoneBusy))
	assert.True(t, IsZoneBusy(&APIError{Err: ErrZoneBusy}))
	assert.False(t, IsZoneBusy(ErrForbidden))
}
