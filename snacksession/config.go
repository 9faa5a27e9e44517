// Package snacksession is the session façade: the single entry point that
// owns a live coding session's state and wires the publication pipeline,
// dependency engine, and transport adapter together behind one
// cooperative, single-threaded API.
package snacksession

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/starryskadi/snack-sdk/depengine"
	"github.com/starryskadi/snack-sdk/objectstore"
	"github.com/starryskadi/snack-sdk/publish"
	"github.com/starryskadi/snack-sdk/restapi"
	"github.com/starryskadi/snack-sdk/snackfile"
	"github.com/starryskadi/snack-sdk/transport"
)

// minChannelLength is the shortest a session channel identifier may be.
const minChannelLength = 6

// defaultSDKVersion is used when a caller does not specify one.
const defaultSDKVersion = "40.0.0"

// Fingerprinter probes the host environment for the analytics fields a
// publish's metadata envelope may optionally carry. Implementations are
// supplied by the embedding host (browser/OS detection is not something
// this core can do on its own); the zero-value implementation reports an
// empty fingerprint.
type Fingerprinter interface {
	Probe(ctx context.Context) publish.Fingerprint
}

type noopFingerprinter struct{}

func (noopFingerprinter) Probe(ctx context.Context) publish.Fingerprint { return publish.Fingerprint{} }

// Config are the options recognized at session construction.
type Config struct {
	// Files is the required initial bundle.
	Files map[string]snackfile.File
	// SDKVersion defaults to defaultSDKVersion if empty.
	SDKVersion string
	// Verbose enables additional log-level detail on transport and
	// dependency-fetch failures.
	Verbose bool
	// SessionID defaults to a fresh random token of at least
	// minChannelLength characters if empty. It also serves as the
	// transport channel identifier.
	SessionID string
	// Host is the standard editor host used to build share links.
	Host string
	// SnackID, Name, Description are optional scalar metadata.
	SnackID     string
	Name        string
	Description string
	// Dependencies seeds session.dependencies. It is round-tripped
	// unchanged if ARBITRARY_IMPORTS is off for SDKVersion.
	Dependencies map[string]string
	// AuthorizationToken is passed to the save/upload REST client.
	AuthorizationToken string
	// ExpoAPIURL is the base URL for the save/asset-upload/download
	// endpoints.
	ExpoAPIURL string

	Adapter             transport.Adapter
	Store               objectstore.Store
	Bundler             depengine.BundlerClient
	CDNBaseURL          string
	Fingerprinter       Fingerprinter
	DependencyCacheSize int
}

func (c Config) validate() error {
	id := c.SessionID
	if id != "" && len(id) < minChannelLength {
		return fmt.Errorf("snacksession: sessionId %q is shorter than %d characters", id, minChannelLength)
	}
	if c.Adapter == nil {
		return fmt.Errorf("snacksession: Adapter is required")
	}
	if c.Store == nil {
		return fmt.Errorf("snacksession: Store is required")
	}
	return nil
}

func (c Config) resolveSessionID() string {
	if c.SessionID != "" {
		return c.SessionID
	}
	return uuid.New().String()[:8]
}

func (c Config) resolveSDKVersion() string {
	if c.SDKVersion != "" {
		return c.SDKVersion
	}
	return defaultSDKVersion
}

func (c Config) resolveHost() string {
	if c.Host != "" {
		return c.Host
	}
	return restapi.DefaultHost
}

func (c Config) resolveExpoAPIURL() string {
	if c.ExpoAPIURL != "" {
		return c.ExpoAPIURL
	}
	return restapi.DefaultHost
}

func (c Config) resolveFingerprinter() Fingerprinter {
	if c.Fingerprinter != nil {
		return c.Fingerprinter
	}
	return noopFingerprinter{}
}

func (c Config) resolveCacheSize() int {
	if c.DependencyCacheSize > 0 {
		return c.DependencyCacheSize
	}
	return 256
}
