package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Empty(t, tags.Endpoint)
	require.Empty(t, tags.Result)
	require.Empty(t, tags.SongID)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetEndpoint(r, "video") // should not panic
	SetResult(r, "cache_hit")
	SetSongID(r, "42")
}

func TestTagsMutationVisibleThroughPointer(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)

	SetEndpoint(r, "video")
	SetResult(r, "fill")
	SetSongID(r, "42")

	require.Equal(t, "video", tags.Endpoint)
	require.Equal(t, "fill", tags.Result)
	require.Equal(t, "42", tags.SongID)
}
