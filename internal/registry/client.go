// Package registry is the client for the external mod registry. The crash fix
// planner uses it to confirm that a suggested mod exists and that a version
// compatible with the target loader and game version is published.
//
// Lookups are best-effort: a tripped breaker or a failed lookup degrades the
// suggestion to a warning, it never blocks the rest of the plan.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"packsmith/internal/config"
	"packsmith/internal/logging"
	"packsmith/internal/metrics"
	"packsmith/internal/types"
)

// Project is the registry's record of a mod project.
type Project struct {
	ID    string `json:"id"`
	Slug  string `json:"slug"`
	Title string `json:"title"`
}

// Version is one published file of a project.
type Version struct {
	ID            string   `json:"id"`
	VersionNumber string   `json:"version_number"`
	GameVersions  []string `json:"game_versions"`
	Loaders       []string `json:"loaders"`
	DatePublished string   `json:"date_published"`
	Files         []struct {
		URL     string `json:"url"`
		Primary bool   `json:"primary"`
	} `json:"files"`
}

// PrimaryFileURL returns the download URL of the primary file, or the first
// file when none is marked primary.
func (v *Version) PrimaryFileURL() string {
	for _, f := range v.Files {
		if f.Primary {
			return f.URL
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0].URL
	}
	return ""
}

// Client is the capability interface the fix planner consumes.
type Client interface {
	// GetProject resolves a project by id or slug.
	GetProject(ctx context.Context, idOrSlug string) (*Project, error)
	// FindCompatibleVersion returns the newest version of the project
	// compatible with the loader/game-version pair, or nil when none exists.
	FindCompatibleVersion(ctx context.Context, idOrSlug, loader, gameVersion string) (*Version, error)
}

// HTTPClient talks to a Modrinth-compatible registry API.
type HTTPClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *semaphore.Weighted
	log        *zap.Logger
}

// NewHTTPClient builds the registry client. serviceLimit bounds concurrent
// lookups server-wide.
func NewHTTPClient(cfg config.RegistryConfig, timeout time.Duration, serviceLimit int64) *HTTPClient {
	if serviceLimit <= 0 {
		serviceLimit = 64
	}
	log := logging.For(logging.ComponentRegistry)
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mod-registry",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("registry breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &HTTPClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		userAgent:  cfg.UserAgent,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		limiter:    semaphore.NewWeighted(serviceLimit),
		log:        log,
	}
}

// GetProject resolves a project by id or slug.
func (c *HTTPClient) GetProject(ctx context.Context, idOrSlug string) (*Project, error) {
	var project Project
	err := c.getJSON(ctx, "project", "/project/"+url.PathEscape(idOrSlug), &project)
	if err != nil {
		return nil, err
	}
	return &project, nil
}

// FindCompatibleVersion lists the project's versions filtered by loader and
// game version and returns the newest match.
func (c *HTTPClient) FindCompatibleVersion(ctx context.Context, idOrSlug, loader, gameVersion string) (*Version, error) {
	q := url.Values{}
	if loader != "" {
		q.Set("loaders", fmt.Sprintf("[%q]", strings.ToLower(loader)))
	}
	if gameVersion != "" {
		q.Set("game_versions", fmt.Sprintf("[%q]", gameVersion))
	}
	path := "/project/" + url.PathEscape(idOrSlug) + "/version"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var versions []Version
	if err := c.getJSON(ctx, "versions", path, &versions); err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	// The registry returns versions newest-first.
	return &versions[0], nil
}

// getJSON runs one GET through the limiter and breaker with up to three
// attempts on 5xx responses.
func (c *HTTPClient) getJSON(ctx context.Context, operation, path string, out interface{}) error {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return types.WrapError(types.CodeCancelled, types.ErrCancelled, "registry lookup cancelled")
	}
	defer c.limiter.Release(1)

	body, err := c.breaker.Execute(func() (interface{}, error) {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
			data, retryable, err := c.get(ctx, path)
			if err == nil {
				return data, nil
			}
			if !retryable || ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
		}
		return nil, lastErr
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RegistryRequestsTotal.WithLabelValues(operation, status).Inc()

	if err != nil {
		if errors.Is(err, ErrProjectNotFound) {
			return err
		}
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return types.WrapError(types.CodeRegistryUnavailable, err, "registry circuit open")
		}
		if ctx.Err() != nil {
			return types.WrapError(types.CodeCancelled, types.ErrCancelled, "registry lookup cancelled")
		}
		return types.WrapError(types.CodeRegistryUnavailable, err, "registry lookup failed")
	}
	if err := json.Unmarshal(body.([]byte), out); err != nil {
		return types.WrapError(types.CodeRegistryUnavailable, err, "registry returned malformed payload")
	}
	return nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build registry request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read registry response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("registry: %w", ErrProjectNotFound)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("registry returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}
	return data, false, nil
}

// ErrProjectNotFound marks a project id or slug unknown to the registry.
var ErrProjectNotFound = errors.New("project not found")
