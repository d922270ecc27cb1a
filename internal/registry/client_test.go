package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packsmith/internal/config"
)

func newTestRegistry(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPClient(config.RegistryConfig{
		BaseURL:   srv.URL,
		UserAgent: "packsmith-test",
	}, 5*time.Second, 8)
}

func TestGetProject(t *testing.T) {
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/project/fabric-api", r.URL.Path)
		assert.Equal(t, "packsmith-test", r.Header.Get("User-Agent"))
		fmt.Fprint(w, `{"id": "P7dR8mSH", "slug": "fabric-api", "title": "Fabric API"}`)
	})

	p, err := client.GetProject(context.Background(), "fabric-api")
	require.NoError(t, err)
	assert.Equal(t, "P7dR8mSH", p.ID)
}

func TestGetProjectNotFound(t *testing.T) {
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.GetProject(context.Background(), "no-such-mod")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProjectNotFound))
}

func TestFindCompatibleVersion(t *testing.T) {
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "loaders")
		fmt.Fprint(w, `[
			{"id": "v2", "version_number": "0.92.0", "game_versions": ["1.21.1"],
			 "loaders": ["fabric"], "files": [{"url": "https://cdn/x.jar", "primary": true}]},
			{"id": "v1", "version_number": "0.91.0", "game_versions": ["1.21.1"],
			 "loaders": ["fabric"], "files": []}
		]`)
	})

	v, err := client.FindCompatibleVersion(context.Background(), "fabric-api", "fabric", "1.21.1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "0.92.0", v.VersionNumber)
	assert.Equal(t, "https://cdn/x.jar", v.PrimaryFileURL())
}

func TestFindCompatibleVersionNoneAvailable(t *testing.T) {
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	v, err := client.FindCompatibleVersion(context.Background(), "fabric-api", "forge", "1.21.1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestServerErrorsRetryThenFail(t *testing.T) {
	calls := 0
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.GetProject(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client := newTestRegistry(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 6; i++ {
		_, _ = client.GetProject(context.Background(), "x")
	}

	start := time.Now()
	_, err := client.GetProject(context.Background(), "x")
	require.Error(t, err)
	// Open breaker fails fast without touching the network.
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}
