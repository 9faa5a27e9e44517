// Package snackfile defines the File value every other package in this
// module operates on: the unit of content a session publishes, diffs, and
// spills to object storage.
package snackfile

import "github.com/starryskadi/snack-sdk/objectstore"

// Type discriminates a File's role in the bundle.
type Type string

const (
	CodeFile  Type = "CODE"
	AssetFile Type = "ASSET"
)

// File is one entry in a session's bundle. Contents holds either a string
// (source text, or an object-store URL once an asset has been uploaded) or
// a []byte (a binary blob awaiting upload). Callers type-switch on
// Contents rather than this package exposing separate string/blob fields.
type File struct {
	Type     Type
	Contents interface{}
}

// IsObjectStoreURL reports whether contents is already a string naming a
// previously uploaded object, as opposed to raw source or a pending blob.
func IsObjectStoreURL(contents interface{}) bool {
	s, ok := contents.(string)
	if !ok {
		return false
	}
	return len(s) > len(objectstore.URLPrefix) && s[:len(objectstore.URLPrefix)] == objectstore.URLPrefix
}

// Snapshot is a value-typed, pointer-free copy of a File, suitable for
// inclusion in a deep-equality comparison (see snacksession's isSaved
// predicate).
type Snapshot struct {
	Type     Type
	Contents string
	IsBlob   bool
	Blob     string // hex-encoded, only meaningful when IsBlob
}

// ToSnapshot copies f into a comparable value. A []byte Contents is
// hex-encoded so Snapshot itself stays comparable with reflect.DeepEqual
// without aliasing the original backing array.
func ToSnapshot(f File) Snapshot {
	switch c := f.Contents.(type) {
	case []byte:
		return Snapshot{Type: f.Type, IsBlob: true, Blob: hexEncode(c)}
	case string:
		return Snapshot{Type: f.Type, Contents: c}
	default:
		return Snapshot{Type: f.Type}
	}
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexDigits[v>>4]
		out[i*2+1] = hexDigits[v&0x0f]
	}
	return string(out)
}
