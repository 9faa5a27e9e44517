// Package feature maps an SDK version string to the set of capabilities the
// rest of the core may rely on. It is the sole authority on SDK-version
// branching: no other package inspects an SDK version string directly.
package feature

import (
	"sync"

	"github.com/Masterminds/semver"
	"github.com/sirupsen/logrus"
)

// Feature is a capability gated behind a minimum SDK version.
type Feature string

const (
	// MultipleFiles enables the {diff, s3url} publish shape instead of a
	// single legacy `code` string.
	MultipleFiles Feature = "MULTIPLE_FILES"

	// ArbitraryImports enables the dependency resolution engine.
	ArbitraryImports Feature = "ARBITRARY_IMPORTS"
)

// entry pairs a feature with the minimum SDK version that carries it.
type entry struct {
	min     *semver.Version
	feature Feature
}

var table []entry

func init() {
	mustVersion := func(s string) *semver.Version {
		v, err := semver.NewVersion(s)
		if err != nil {
			panic(err)
		}
		return v
	}
	table = []entry{
		{mustVersion("36.0.0"), MultipleFiles},
		{mustVersion("40.0.0"), ArbitraryImports},
	}
}

// parseCache avoids re-parsing the same SDK version string on every call;
// SDK versions are low-cardinality within a session's lifetime.
var (
	parseCacheMu sync.Mutex
	parseCache   = map[string]*semver.Version{}
)

func parse(sdkVersion string) (*semver.Version, bool) {
	parseCacheMu.Lock()
	defer parseCacheMu.Unlock()
	if v, ok := parseCache[sdkVersion]; ok {
		return v, v != nil
	}
	v, err := semver.NewVersion(sdkVersion)
	if err != nil {
		logrus.WithField("sdkVersion", sdkVersion).Warn("feature: unparsable SDK version, treating as supporting no features")
		parseCache[sdkVersion] = nil
		return nil, false
	}
	parseCache[sdkVersion] = v
	return v, true
}

// Supports reports whether the given SDK version carries the given feature.
// An unparsable SDK version fails closed: it supports no features.
func Supports(sdkVersion string, f Feature) bool {
	v, ok := parse(sdkVersion)
	if !ok {
		return false
	}
	for _, e := range table {
		if e.feature == f {
			if !v.LessThan(e.min) {
				return true
			}
		}
	}
	return false
}
