// Package publish builds and transmits the bundle snapshot a session sends
// to its devices: the debounced publication pipeline, the object-store
// spill ledger, and the CREATED/STARTED/STOPPED lifecycle.
package publish

// MaxPayloadBytes is the transport-imposed ceiling on a single publish
// payload. Exceeding it is what triggers spilling the largest remaining
// file to object storage.
const MaxPayloadBytes = 31500

// Ledger tracks, per file key, what has already been uploaded to object
// storage and what diff was last transmitted for it. It is disjoint from
// the session's authoritative file map: a key can be removed from the
// bundle while its ledger entry lingers until the next publish reconciles
// it away.
type Ledger struct {
	// S3Code holds the contents that were last uploaded to object storage
	// for a key (string contents, or the object-store URL if contents was
	// already a URL when ledgered).
	S3Code map[string]string
	// S3URL holds the URL object storage returned for S3Code[key].
	S3URL map[string]string
	// Diff holds the diff most recently transmitted for a key; empty when
	// the file was spilled to object storage instead.
	Diff map[string]string
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		S3Code: make(map[string]string),
		S3URL:  make(map[string]string),
		Diff:   make(map[string]string),
	}
}

// Reconcile drops ledger entries for keys no longer present in the bundle.
// A key that was only ever diffed (never spilled to object storage) has no
// S3Code/S3URL entry, so every one of the three maps must be consulted to
// find every stale key, not just S3Code.
func (l *Ledger) Reconcile(keys map[string]struct{}) {
	stale := make(map[string]struct{})
	for k := range l.S3Code {
		if _, ok := keys[k]; !ok {
			stale[k] = struct{}{}
		}
	}
	for k := range l.S3URL {
		if _, ok := keys[k]; !ok {
			stale[k] = struct{}{}
		}
	}
	for k := range l.Diff {
		if _, ok := keys[k]; !ok {
			stale[k] = struct{}{}
		}
	}
	for k := range stale {
		delete(l.S3Code, k)
		delete(l.S3URL, k)
		delete(l.Diff, k)
	}
}

// ClearUploads drops every recorded object-store URL, forcing every file
// to be treated as unspilled (and therefore re-diffed from scratch or
// re-uploaded) on the next publish. Called when a session stops.
func (l *Ledger) ClearUploads() {
	l.S3URL = make(map[string]string)
}
