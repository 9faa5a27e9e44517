package depengine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// BundleInfo is the terminal response from the bundler service for one
// module.
type BundleInfo struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// bundlerResponse is the raw shape the bundler endpoint returns, before a
// pending/terminal response is distinguished.
type bundlerResponse struct {
	Pending      bool              `json:"pending"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Dependencies map[string]string `json:"dependencies"`
}

// maxPollAttempts and pollInterval bound bundler polling: a module's
// bundle is expected to finish building well within 30 polls at 5s apart;
// exceeding that raises ErrBundlerTimeout.
const (
	maxPollAttempts = 30
	pollInterval    = 5 * time.Second
)

// ErrBundlerTimeout is returned when a module's bundle does not finish
// building within maxPollAttempts polls.
var ErrBundlerTimeout = errors.New("depengine: bundler did not finish within 30 polls")

// BundlerClient fetches a module's bundle, polling until it is ready.
type BundlerClient interface {
	Fetch(ctx context.Context, name, version string) (BundleInfo, error)
}

// HTTPBundlerClient is the production BundlerClient, talking to the
// snackager bundler service over HTTP.
type HTTPBundlerClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Platforms  []string
}

// NewHTTPBundlerClient returns a client targeting baseURL, using
// http.DefaultClient if none is supplied and the standard ios/android
// platform set.
func NewHTTPBundlerClient(baseURL string) *HTTPBundlerClient {
	return &HTTPBundlerClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		Platforms:  []string{"ios", "android"},
	}
}

func (c *HTTPBundlerClient) Fetch(ctx context.Context, name, version string) (BundleInfo, error) {
	target := c.BaseURL + "/bundle/" + url.PathEscape(name)
	if version != "" {
		target += "@" + url.QueryEscape(version)
	}
	target += "?platforms=" + strings.Join(c.Platforms, ",")

	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		resp, err := c.poll(ctx, target)
		if err != nil {
			return BundleInfo{}, err
		}
		if !resp.Pending {
			return BundleInfo{Name: resp.Name, Version: resp.Version, Dependencies: resp.Dependencies}, nil
		}
		select {
		case <-ctx.Done():
			return BundleInfo{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return BundleInfo{}, ErrBundlerTimeout
}

func (c *HTTPBundlerClient) poll(ctx context.Context, target string) (bundlerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return bundlerResponse{}, errors.Wrap(err, "build bundler request")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return bundlerResponse{}, errors.Wrap(err, "bundler request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return bundlerResponse{}, fmt.Errorf("depengine: bundler returned status %d for %s", resp.StatusCode, target)
	}

	var out bundlerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return bundlerResponse{}, errors.Wrap(err, "decode bundler response")
	}
	return out, nil
}
