package objectstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
)

func TestFakeStore_PutThenGetRoundTrips(t *testing.T) {
	s := NewFakeStore()
	url, err := s.Put(context.Background(), "abc123", []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, URLPrefix+"abc123", url)

	got, err := s.Get(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestFakeStore_GetUnknownURL_Errors(t *testing.T) {
	s := NewFakeStore()
	_, err := s.Get(context.Background(), URLPrefix+"missing")
	require.Error(t, err)
}

func TestKeyFromURL_RejectsForeignURL(t *testing.T) {
	s := NewFakeStore()
	_, err := s.Get(context.Background(), "https://example.com/not-ours")
	require.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.True(t, IsTransient(&googleapi.Error{Code: 503}))
	require.True(t, IsTransient(&googleapi.Error{Code: 429}))
	require.False(t, IsTransient(&googleapi.Error{Code: 404}))
}
