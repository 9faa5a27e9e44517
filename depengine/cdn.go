package depengine

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// CDNProber checks whether a prebuilt bundle is already available on the
// CDN mirror, used as a fallback when the bundler service fetch fails.
type CDNProber interface {
	// Probe reports whether every platform in platforms responds with a
	// status below 400 for name@version.
	Probe(ctx context.Context, name, version string, platforms []string) bool
}

// HTTPCDNProber probes a CDN mirror's per-platform ".done" marker objects.
type HTTPCDNProber struct {
	BaseURL    string
	HTTPClient *http.Client
	cache      *ModuleCache
}

// NewHTTPCDNProber returns a prober targeting baseURL, memoizing results
// in cache.
func NewHTTPCDNProber(baseURL string, cache *ModuleCache) *HTTPCDNProber {
	return &HTTPCDNProber{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: http.DefaultClient,
		cache:      cache,
	}
}

func (p *HTTPCDNProber) Probe(ctx context.Context, name, version string, platforms []string) bool {
	for _, platform := range platforms {
		if !p.probeOne(ctx, name, version, platform) {
			return false
		}
	}
	return true
}

func (p *HTTPCDNProber) probeOne(ctx context.Context, name, version, platform string) bool {
	if ok, hit := p.cache.ProbeResult(name, version, platform); hit {
		return ok
	}

	hash := url.QueryEscape(strings.ReplaceAll(name, "/", "~") + "@" + version)
	target := p.BaseURL + "/" + hash + "-" + platform + "/.done"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		p.cache.SetProbeResult(name, version, platform, false)
		return false
	}
	resp, err := p.HTTPClient.Do(req)
	ok := err == nil && resp.StatusCode < 400
	if resp != nil {
		resp.Body.Close()
	}
	p.cache.SetProbeResult(name, version, platform, ok)
	return ok
}
