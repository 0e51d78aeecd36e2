package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/misty-step/gitpulse-sub000/internal/config"
)

func setupTestClient(t *testing.T) (*Client, *httptest.Server, func()) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	server := httptest.NewServer(nil)

	srcCfg := config.DefaultSourceConfig()
	srcCfg.APIBaseURL = server.URL
	srcCfg.RequestsPerSecond = 10000
	srcCfg.RateLimit.InitialBackoff = time.Millisecond
	srcCfg.RateLimit.MaxBackoff = 5 * time.Millisecond

	client := NewClient(srcCfg, config.DefaultSyncConfig(), logger)
	client.httpClient = server.Client()

	return client, server, server.Close
}

var testSince = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestFetchTimelinePageSuccess(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/api/issues", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("state"))
		assert.Equal(t, "updated", r.URL.Query().Get("sort"))
		assert.Equal(t, "asc", r.URL.Query().Get("direction"))
		assert.Equal(t, "2025-06-01T00:00:00Z", r.URL.Query().Get("since"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("ETag", `"etag-1"`)
		w.Header().Set("X-RateLimit-Remaining", "4320")
		w.Header().Set("X-RateLimit-Reset", "1750000000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`[
			{"id": 1, "number": 10, "title": "Fix bug", "state": "open",
			 "html_url": "https://github.com/acme/api/issues/10",
			 "updated_at": "2025-06-02T10:00:00Z",
			 "user": {"id": 7, "login": "alice"}},
			{"id": 2, "number": 11, "title": "Add feature", "state": "closed",
			 "html_url": "https://github.com/acme/api/pull/11",
			 "updated_at": "2025-06-03T10:00:00Z",
			 "user": {"id": 8, "login": "bob"},
			 "pull_request": {"merged_at": "2025-06-03T09:00:00Z"}}
		]`))
	})

	result, err := client.FetchTimelinePage(context.Background(), "test-token", "acme/api", testSince, "", "")
	require.NoError(t, err)

	require.Len(t, result.Nodes, 2)
	assert.False(t, result.Nodes[0].IsPullRequest)
	assert.True(t, result.Nodes[1].IsPullRequest)
	assert.True(t, result.Nodes[1].Merged)
	assert.Equal(t, "alice", result.Nodes[0].Actor.Login)

	// Partial page means no next cursor.
	assert.False(t, result.HasNextPage)
	assert.Empty(t, result.Cursor)
	assert.Equal(t, `"etag-1"`, result.ETag)
	assert.Equal(t, 4320, result.RateLimit.Remaining)
	require.NotNil(t, result.RateLimit.Reset)
	assert.Equal(t, time.Unix(1750000000, 0), *result.RateLimit.Reset)
}

func TestFetchTimelinePageFullPageAdvancesCursor(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("page"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(fullPageJSON(client.pageSize)))
	})

	result, err := client.FetchTimelinePage(context.Background(), "t", "acme/api", testSince, "3", "")
	require.NoError(t, err)
	assert.True(t, result.HasNextPage)
	assert.Equal(t, "4", result.Cursor)
}

func TestFetchTimelinePageNotModified(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"etag-1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	})

	result, err := client.FetchTimelinePage(context.Background(), "t", "acme/api", testSince, "", `"etag-1"`)
	require.NoError(t, err)
	assert.True(t, result.NotModified)
	assert.False(t, result.HasNextPage)
	assert.Empty(t, result.Nodes)
	assert.Equal(t, `"etag-1"`, result.ETag)
}

func TestFetchTimelinePageRateLimitIsNotAnError(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	for _, status := range []int{http.StatusTooManyRequests, http.StatusForbidden} {
		server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", "1750000000")
			w.WriteHeader(status)
		})

		result, err := client.FetchTimelinePage(context.Background(), "t", "acme/api", testSince, "2", `"etag-1"`)
		require.NoError(t, err, "status %d", status)

		// Same page retried later, prior cursor/etag preserved.
		assert.True(t, result.HasNextPage)
		assert.Equal(t, "2", result.Cursor)
		assert.Equal(t, `"etag-1"`, result.ETag)
		assert.Equal(t, 0, result.RateLimit.Remaining)
		require.NotNil(t, result.RateLimit.Reset)
	}
}

func TestDoRetriesTransientServerErrors(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	var attempts int32
	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "4999")
		w.Write([]byte(`[]`))
	})

	result, err := client.FetchTimelinePage(context.Background(), "t", "acme/api", testSince, "", "")
	require.NoError(t, err)
	assert.False(t, result.HasNextPage)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	var attempts int32
	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.FetchTimelinePage(context.Background(), "t", "acme/api", testSince, "", "")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestFetchTimelinePageServerError(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.FetchTimelinePage(context.Background(), "t", "acme/api", testSince, "", "")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestGetRepositoryRateLimitTyped(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "0")
		w.Header().Set("X-RateLimit-Reset", "1750000000")
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := client.GetRepository(context.Background(), "t", "acme/api")
	require.Error(t, err)
	assert.True(t, IsRateLimitError(err))
}

func TestGetRepositorySuccess(t *testing.T) {
	client, server, cleanup := setupTestClient(t)
	defer cleanup()

	server.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/api", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": 99, "full_name": "acme/api", "private": true}`))
	})

	repo, err := client.GetRepository(context.Background(), "t", "acme/api")
	require.NoError(t, err)
	assert.Equal(t, int64(99), repo.ID)
	assert.Equal(t, "acme/api", repo.FullName)
	assert.True(t, repo.Private)
}

func TestShouldPause(t *testing.T) {
	client, _, cleanup := setupTestClient(t)
	defer cleanup()

	assert.True(t, client.ShouldPause(0))
	assert.True(t, client.ShouldPause(100))
	assert.False(t, client.ShouldPause(101))
	// Missing headers are not a pause signal.
	assert.False(t, client.ShouldPause(-1))
}

func TestTokenCacheMintAndExpiry(t *testing.T) {
	mints := 0
	cache, err := NewTokenCache(8, func(ctx context.Context, installationID int64) (*oauth2.Token, error) {
		mints++
		return &oauth2.Token{
			AccessToken: "tok-" + strconv.Itoa(mints),
			Expiry:      time.Now().Add(time.Hour),
		}, nil
	})
	require.NoError(t, err)

	tok, err := cache.Token(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// Cached until expiry.
	tok, err = cache.Token(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, 1, mints)

	cache.Reset()
	tok, err = cache.Token(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func fullPageJSON(n int) string {
	out := "["
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += `{"id": ` + strconv.Itoa(i+1) + `, "number": ` + strconv.Itoa(i+1) +
			`, "title": "Item", "state": "open", "html_url": "https://x/issues/` + strconv.Itoa(i+1) +
			`", "updated_at": "2025-06-02T10:00:00Z", "user": {"id": 7, "login": "alice"}}`
	}
	return out + "]"
}
