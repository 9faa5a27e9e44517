package depengine

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// cdnProbeTTL bounds how long a CDN .done probe result is trusted before
// it is re-checked. The probe fallback can be hit repeatedly for the same
// failing module within one resolution run; the underlying CDN state does
// not change on sub-second timescales, so memoizing avoids hammering it.
const cdnProbeTTL = 30 * time.Second

// moduleKey is the memoization key for a single module fetch: "<name>-<version|latest>".
func moduleKey(name, version string) string {
	if version == "" {
		version = "latest"
	}
	return name + "-" + version
}

// ModuleCache is the dual-purpose promise cache the dependency engine
// fetches through. A singleflight.Group collapses concurrent fetches for
// the same key into one in-flight call; once that call resolves, the
// value is retained in an LRU so a later resolution run for an unchanged
// module skips the network entirely. Reading the LRU first and falling
// back to a singleflight-deduplicated fetch is what gives callers a single
// "resolved or in-flight, never a duplicate fetch" view of a module
// without a hand-rolled tagged union.
type ModuleCache struct {
	group    singleflight.Group
	resolved *lru.Cache[string, BundleInfo]
	probes   *gocache.Cache
}

// NewModuleCache returns a cache with room for size resolved modules.
func NewModuleCache(size int) *ModuleCache {
	resolved, err := lru.New[string, BundleInfo](size)
	if err != nil {
		// Only returns an error for a non-positive size, which callers of
		// this constructor never pass.
		panic(err)
	}
	return &ModuleCache{
		resolved: resolved,
		probes:   gocache.New(cdnProbeTTL, 2*cdnProbeTTL),
	}
}

// Fetch resolves name@version via fn, sharing one in-flight call across
// concurrent requesters for the same key and caching the resolved value
// for subsequent calls.
func (c *ModuleCache) Fetch(name, version string, fn func() (BundleInfo, error)) (BundleInfo, error) {
	key := moduleKey(name, version)
	if v, ok := c.resolved.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		info, err := fn()
		if err != nil {
			return BundleInfo{}, err
		}
		return info, nil
	})
	if err != nil {
		return BundleInfo{}, err
	}
	info := v.(BundleInfo)
	c.resolved.Add(key, info)
	return info, nil
}

// ProbeResult returns a memoized CDN probe outcome for (name@version,
// platform), if one was recorded within the TTL.
func (c *ModuleCache) ProbeResult(name, version, platform string) (bool, bool) {
	v, ok := c.probes.Get(probeKey(name, version, platform))
	if !ok {
		return false, false
	}
	return v.(bool), true
}

// SetProbeResult memoizes a CDN probe outcome.
func (c *ModuleCache) SetProbeResult(name, version, platform string, ok bool) {
	c.probes.Set(probeKey(name, version, platform), ok, gocache.DefaultExpiration)
}

func probeKey(name, version, platform string) string {
	return moduleKey(name, version) + "/" + platform
}
