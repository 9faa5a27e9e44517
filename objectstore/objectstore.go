// Package objectstore provides content-addressed spill storage for file
// contents too large to fit in a single pub/sub publish. A File whose
// encoded size would blow the transport's payload budget is uploaded here
// under its content hash, and the publication carries a URL pointing at it
// instead of the content itself.
package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"
)

// URLPrefix is prepended to every object key handed back by Put, and is
// what callers check to recognize a "spilled to object storage" reference
// as opposed to an inline string.
const URLPrefix = "https://snack-code-uploads.s3.us-west-1.amazonaws.com/"

// Store is the object-store contract the publication pipeline depends on.
// It is satisfied by *GCSStore in production and by a fake in tests.
type Store interface {
	// Put uploads data under key if it is not already present, and returns
	// the canonical URL. Put is expected to be called with a
	// content-derived key, so a duplicate Put for identical content is a
	// cheap existence check rather than a redundant upload.
	Put(ctx context.Context, key string, data []byte) (string, error)
	// Get fetches the object named by a URL previously returned by Put.
	Get(ctx context.Context, url string) ([]byte, error)
}

// GCSStore is the production Store, backed by a Google Cloud Storage
// bucket.
type GCSStore struct {
	bucket *storage.BucketHandle
}

// NewGCSStore wraps a bucket obtained from an already-constructed
// *storage.Client. The caller owns the client's lifetime.
func NewGCSStore(client *storage.Client, bucketName string) *GCSStore {
	return &GCSStore{bucket: client.Bucket(bucketName)}
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	obj := s.bucket.Object(key)

	if _, err := obj.Attrs(ctx); err == nil {
		return URLPrefix + key, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) && !IsTransient(err) {
		return "", errors.Wrapf(err, "check existing object %s", key)
	}

	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", errors.Wrapf(err, "write object %s", key)
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrapf(err, "close object writer for %s", key)
	}
	return URLPrefix + key, nil
}

func (s *GCSStore) Get(ctx context.Context, url string) ([]byte, error) {
	key, err := keyFromURL(url)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "open object %s for read", key)
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, errors.Wrapf(err, "read object %s", key)
	}
	return buf.Bytes(), nil
}

func keyFromURL(url string) (string, error) {
	if len(url) <= len(URLPrefix) || url[:len(URLPrefix)] != URLPrefix {
		return "", fmt.Errorf("objectstore: %q is not a recognized object URL", url)
	}
	return url[len(URLPrefix):], nil
}

// IsTransient reports whether err is worth retrying: a 5xx from the
// storage backend, or a rate-limit response, as opposed to a permanent
// rejection such as a 404 or an auth failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}
