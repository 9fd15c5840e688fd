package contents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	hserrors "github.com/alexjbarnes/hub-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(srv.Client(), ClientConfig{
		BaseURL: srv.URL,
		Token:   "tok",
		Owner:   "alex",
		Repo:    "notes",
		Branch:  "main",
	})
}

// --- encodePath ---

func TestEncodePath_SegmentsEncodedIndependently(t *testing.T) {
	assert.Equal(t, "docs/a%20b/c%23d.md", encodePath("docs/a b/c#d.md"))
	assert.Equal(t, "plain/path.md", encodePath("plain/path.md"))
}

// --- Probe ---

func TestProbe_ExistingResource(t *testing.T) {
	var gotPath, gotAuth, gotRef string

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotRef = r.URL.Query().Get("ref")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"sha":"abc123","path":"docs/a b.md"}`))
	})

	state, err := c.Probe(context.Background(), "docs/a b.md")
	require.NoError(t, err)
	assert.True(t, state.Exists)
	assert.Equal(t, "abc123", state.SHA)
	assert.Equal(t, "/repos/alex/notes/contents/docs/a%20b.md", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "main", gotRef)
}

func TestProbe_NotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	})

	state, err := c.Probe(context.Background(), "gone.md")
	require.NoError(t, err)
	assert.False(t, state.Exists)
	assert.Empty(t, state.SHA)
}

func TestProbe_ServerErrorIsNotNotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"message":"boom"}`))
	})

	_, err := c.Probe(context.Background(), "a.md")
	require.Error(t, err)
	assert.True(t, IsTransient(err), "5xx probe errors should be transient, never mapped to not-found")
}

func TestProbe_RateLimitPropagates(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining", "0")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"API rate limit exceeded"}`))
	})

	_, err := c.Probe(context.Background(), "a.md")
	require.Error(t, err)

	_, limited := IsRateLimited(err)
	assert.True(t, limited)
}

func TestProbe_MissingSHA(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"path":"a.md"}`))
	})

	_, err := c.Probe(context.Background(), "a.md")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing sha")
}

// --- Put ---

func TestPut_CreateSendsNoSHA(t *testing.T) {
	var got map[string]any

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"content":{"sha":"new"}}`))
	})

	err := c.Put(context.Background(), "a.md", PutRequest{
		Message: "Add a.md",
		Content: "aGVsbG8=",
		Branch:  "main",
	})
	require.NoError(t, err)
	assert.Equal(t, "Add a.md", got["message"])
	assert.Equal(t, "aGVsbG8=", got["content"])
	assert.Equal(t, "main", got["branch"])
	_, hasSHA := got["sha"]
	assert.False(t, hasSHA, "create must not carry a sha precondition")
}

func TestPut_UpdateCarriesSHA(t *testing.T) {
	var got map[string]any

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	err := c.Put(context.Background(), "a.md", PutRequest{
		Message: "Update a.md",
		Content: "aGVsbG8=",
		Branch:  "main",
		SHA:     "prior123",
	})
	require.NoError(t, err)
	assert.Equal(t, "prior123", got["sha"])
}

func TestPut_UnauthorizedIsNonRetryable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	err := c.Put(context.Background(), "a.md", PutRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, hserrors.ErrUnauthorized)
	assert.False(t, IsTransient(err))

	_, limited := IsRateLimited(err)
	assert.False(t, limited)
}

func TestPut_PreconditionMismatch(t *testing.T) {
	for _, status := range []int{http.StatusConflict, http.StatusUnprocessableEntity} {
		c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"message":"sha does not match"}`))
		})

		err := c.Put(context.Background(), "a.md", PutRequest{SHA: "stale"})
		require.Error(t, err)
		assert.ErrorIs(t, err, hserrors.ErrPreconditionFailed, "status %d", status)
	}
}

func TestPut_RateLimitWithRetryAfter(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"message":"slow down"}`))
	})

	err := c.Put(context.Background(), "a.md", PutRequest{})
	require.Error(t, err)

	after, limited := IsRateLimited(err)
	require.True(t, limited)
	assert.Equal(t, 30*time.Second, after)
}

func TestPut_SecondaryRateLimitMessage(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
	})

	err := c.Put(context.Background(), "a.md", PutRequest{})
	require.Error(t, err)

	_, limited := IsRateLimited(err)
	assert.True(t, limited)
}

func TestPut_PlainForbiddenIsNonRetryable(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"Resource not accessible by integration"}`))
	})

	err := c.Put(context.Background(), "a.md", PutRequest{})
	require.Error(t, err)
	assert.False(t, IsTransient(err))

	_, limited := IsRateLimited(err)
	assert.False(t, limited)
}

func TestPut_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := NewClient(srv.Client(), ClientConfig{
		BaseURL: srv.URL, Token: "tok", Owner: "alex", Repo: "notes", Branch: "main",
	})
	srv.Close()

	err := c.Put(context.Background(), "a.md", PutRequest{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

// --- Repository operations ---

func TestRepositoryExists(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/alex/notes" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"name":"notes"}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	exists, err := c.RepositoryExists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestRepositoryExists_NotFound(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	exists, err := c.RepositoryExists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateRepository(t *testing.T) {
	var got map[string]any

	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/user/repos", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})

	err := c.CreateRepository(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, "notes", got["name"])
	assert.Equal(t, true, got["private"])
}

func TestCreateRepository_Unauthorized(t *testing.T) {
	c := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Bad credentials"}`))
	})

	err := c.CreateRepository(context.Background(), false)
	assert.ErrorIs(t, err, hserrors.ErrUnauthorized)
}
