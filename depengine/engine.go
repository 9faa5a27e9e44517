// Package depengine implements the dependency resolution engine: scanning
// a bundle's JavaScript files for third-party imports, fetching them
// through the bundler service (with a CDN-probe fallback), injecting peer
// dependencies, and rewriting the source with version pins.
package depengine

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/starryskadi/snack-sdk/jsimport"
	"github.com/starryskadi/snack-sdk/jsinsert"
	"github.com/starryskadi/snack-sdk/jspin"
)

// DefaultPin is recorded for a module whose direct bundler fetch failed
// but whose CDN mirror probe confirmed availability, and no explicit
// version was requested.
const DefaultPin = "*"

// ErrorPin is recorded for a module whose fetch failed and whose CDN
// mirror probe also failed to confirm availability.
const ErrorPin = "ERROR"

var reservedModules = map[string]struct{}{
	"react":        {},
	"react-native": {},
	"expo":         {},
}

func isReserved(name string) bool {
	_, ok := reservedModules[name]
	return ok
}

// FileProvider snapshots the .js files a resolution run should consider.
// The engine never sees non-.js files.
type FileProvider interface {
	JSFiles() map[string]string
}

// Committer is how the engine writes its results back into session state.
// Every method is expected to run on the session's single dispatch
// goroutine, the same as the rest of this module's state mutation.
type Committer interface {
	// Dependencies returns the session's current pinned dependency map,
	// used for the diff-against-state step.
	Dependencies() map[string]string
	// BeginLoading records the loading message and publishes a loading
	// notification immediately.
	BeginLoading(message string)
	// EndLoading clears the loading message.
	EndLoading()
	// ApplyRewrite installs newCode for key if the file's contents still
	// equal expectedOriginal; it reports whether the rewrite was applied,
	// implementing the race guard around concurrent edits.
	ApplyRewrite(key, newCode, expectedOriginal string) bool
	// CommitDependencies merges pins into session.dependencies (no
	// deletions) and emits a state event.
	CommitDependencies(pins map[string]string)
	// NotifyDependencyError notifies a registered dependency-error
	// listener, if any.
	NotifyDependencyError(name, version, message string)
}

// Engine runs dependency resolution. A single Engine is meant to be
// shared by one session for its lifetime; callers are responsible for
// ensuring only one Resolve call runs at a time (the isResolving guard
// lives in the session façade, not here).
type Engine struct {
	bundler   BundlerClient
	cdn       CDNProber
	cache     *ModuleCache
	platforms []string
	logger    *logrus.Entry
}

// New builds an Engine. cacheSize bounds the resolved-module LRU. verbose
// gates the engine's parse-failure logging: a file with unparsable imports
// is always skipped (the rest of the bundle still resolves), but is only
// logged when verbose is true.
func New(bundler BundlerClient, cdnBaseURL string, cacheSize int, verbose bool) *Engine {
	cache := NewModuleCache(cacheSize)
	logger := logrus.New()
	if !verbose {
		logger.SetLevel(logrus.ErrorLevel)
	}
	return &Engine{
		bundler:   bundler,
		cdn:       NewHTTPCDNProber(cdnBaseURL, cache),
		cache:     cache,
		platforms: []string{"ios", "android"},
		logger:    logger.WithField("component", "depengine"),
	}
}

// Resolve runs the full 11-step resolution pipeline once. It returns nil
// (a no-op) if there is nothing to resolve, which is the common case when
// called after an edit that didn't touch any import statement.
func (e *Engine) Resolve(ctx context.Context, provider FileProvider, committer Committer) error {
	snapshot := provider.JSFiles()

	fileModules := make(map[string]map[string]*string, len(snapshot))
	aggregate := make(map[string]*string)

	for key, contents := range snapshot {
		scanned, err := jsimport.Scan(contents)
		if err != nil {
			e.logger.WithError(err).WithField("file", key).Warn("depengine: skipping file with unparsable imports")
			continue
		}
		filtered := filterReserved(scanned)
		fileModules[key] = filtered
		for name, version := range filtered {
			aggregate[name] = version
		}
	}

	deps := committer.Dependencies()
	changed := diffAgainstState(aggregate, deps)
	if len(aggregate) == 0 || len(changed) == 0 {
		return nil
	}

	committer.BeginLoading("Installing dependencies")
	defer committer.EndLoading()

	direct := make(map[string]BundleInfo, len(changed))
	for name, version := range changed {
		v := ""
		if version != nil {
			v = *version
		}
		direct[name] = e.fetchWithFallback(ctx, name, v, committer)
	}

	peers := e.fetchPeers(ctx, direct, committer)

	pins := make(map[string]string, len(peers)+len(direct))
	for name, info := range peers {
		pins[name] = info.Version
	}
	for name, info := range direct {
		pins[name] = info.Version // direct wins on collision
	}

	rewrites := make(map[string]string)
	for key, contents := range snapshot {
		modules := fileModules[key]
		if len(modules) == 0 {
			continue
		}
		code := contents
		changedFile := false
		for name := range modules {
			info, ok := direct[name]
			if !ok {
				continue
			}
			for peerName := range info.Dependencies {
				if isReserved(peerName) {
					continue
				}
				next, err := jsinsert.Insert(code, peerName)
				if err != nil {
					e.logger.WithError(err).WithField("file", key).Warn("depengine: peer insertion failed, leaving file unrewritten")
					code = contents
					changedFile = false
					break
				}
				if next != code {
					changedFile = true
				}
				code = next
			}
		}
		rewritten := jspin.Write(code, pins)
		if rewritten != code {
			changedFile = true
		}
		code = rewritten
		if changedFile && code != contents {
			rewrites[key] = code
		}
	}

	for key, newCode := range rewrites {
		committer.ApplyRewrite(key, newCode, snapshot[key])
	}
	committer.CommitDependencies(pins)
	return nil
}

func filterReserved(modules map[string]*string) map[string]*string {
	out := make(map[string]*string, len(modules))
	for name, version := range modules {
		if isReserved(name) {
			continue
		}
		out[name] = version
	}
	return out
}

func diffAgainstState(modules map[string]*string, deps map[string]string) map[string]*string {
	changed := make(map[string]*string)
	for name, version := range modules {
		cur, ok := deps[name]
		want := ""
		if version != nil {
			want = *version
		}
		if !ok || cur != want {
			changed[name] = version
		}
	}
	return changed
}

func (e *Engine) fetchWithFallback(ctx context.Context, name, version string, committer Committer) BundleInfo {
	info, err := e.cache.Fetch(name, version, func() (BundleInfo, error) {
		return e.bundler.Fetch(ctx, name, version)
	})
	if err == nil {
		return info
	}

	if e.cdn.Probe(ctx, name, version, e.platforms) {
		pin := version
		if pin == "" {
			pin = DefaultPin
		}
		e.logger.WithField("module", name).WithError(err).Info("depengine: bundler fetch failed, CDN probe confirmed availability")
		return BundleInfo{Name: name, Version: pin}
	}

	committer.NotifyDependencyError(name, version, err.Error())
	return BundleInfo{Name: name, Version: ErrorPin}
}

func (e *Engine) fetchPeers(ctx context.Context, direct map[string]BundleInfo, committer Committer) map[string]BundleInfo {
	peers := make(map[string]BundleInfo)
	for _, info := range direct {
		for name, version := range info.Dependencies {
			if isReserved(name) {
				continue
			}
			if _, already := direct[name]; already {
				continue
			}
			if _, already := peers[name]; already {
				continue
			}
			peers[name] = e.fetchWithFallback(ctx, name, version, committer)
		}
	}
	return peers
}
