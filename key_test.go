package tunecache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContentKeyValidate(t *testing.T) {
	require.NoError(t, ContentKey("dQw4w9WgXcQ").Validate())
	require.NoError(t, ContentKey("PLx0sYbCqOb8TBPRdmBHs5Iftvv9TPboYG").Validate())

	require.Error(t, ContentKey("").Validate())
	require.Error(t, ContentKey("a/b").Validate())
	require.Error(t, ContentKey(`a\b`).Validate())
	require.Error(t, ContentKey(".").Validate())
	require.Error(t, ContentKey("..").Validate())
	require.Error(t, ContentKey(".hidden").Validate())
}

func TestArtifactStorageKey(t *testing.T) {
	require.Equal(t, "artifacts/dQw4w9WgXcQ.mp3", ArtifactStorageKey("dQw4w9WgXcQ"))
}
