package publish

// Fingerprint carries best-effort host environment probes included in the
// publish metadata envelope. Every field is optional; a probe that could
// not be collected is left at its zero value and simply omitted from the
// marshaled envelope rather than blocking publication.
type Fingerprint struct {
	Host         string `json:"host,omitempty"`
	OSFamily     string `json:"osFamily,omitempty"`
	OSVersion    string `json:"osVersion,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Browser      string `json:"browser,omitempty"`
	LayoutEngine string `json:"layoutEngine,omitempty"`
}

// Metadata is the analytics envelope attached to every CODE publish.
type Metadata struct {
	ExpoSDKVersion string       `json:"expoSdkVersion"`
	Fingerprint    *Fingerprint `json:"fingerprint,omitempty"`
}

func newMetadata(sdkVersion string, fp Fingerprint) Metadata {
	m := Metadata{ExpoSDKVersion: sdkVersion}
	if fp != (Fingerprint{}) {
		m.Fingerprint = &fp
	}
	return m
}
