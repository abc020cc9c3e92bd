package bot

import (
	"testing"

	"github.com/stretchr/testify/require"

	tunecache "github.com/tunecache/tunecache"
)

func TestExtractURL(t *testing.T) {
	url, ok := ExtractURL("check this out https://www.youtube.com/watch?v=dQw4w9WgXcQ great song")
	require.True(t, ok)
	require.Equal(t, "https://www.youtube.com/watch?v=dQw4w9WgXcQ", url)

	url, ok = ExtractURL("short link https://youtu.be/dQw4w9WgXcQ")
	require.True(t, ok)
	require.Equal(t, "https://youtu.be/dQw4w9WgXcQ", url)

	// Non-media links are ignored.
	_, ok = ExtractURL("see https://example.com/page")
	require.False(t, ok)

	_, ok = ExtractURL("no links here")
	require.False(t, ok)
}

func TestExtractKeySingleVideo(t *testing.T) {
	for _, url := range []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://www.youtube.com/embed/dQw4w9WgXcQ",
	} {
		key, isCollection, ok := ExtractKey(url)
		require.True(t, ok, url)
		require.False(t, isCollection, url)
		require.Equal(t, tunecache.ContentKey("dQw4w9WgXcQ"), key, url)
	}
}

func TestExtractKeyPlaylistTakesPrecedence(t *testing.T) {
	key, isCollection, ok := ExtractKey("https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PLabcdef1234")
	require.True(t, ok)
	require.True(t, isCollection)
	require.Equal(t, tunecache.ContentKey("PLabcdef1234"), key)
}

func TestExtractKeyUnparseable(t *testing.T) {
	_, _, ok := ExtractKey("https://www.youtube.com/")
	require.False(t, ok)
}
