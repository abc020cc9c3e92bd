package bot

import (
	"regexp"
	"strings"

	tunecache "github.com/tunecache/tunecache"
)

var (
	urlPattern      = regexp.MustCompile(`https?://[^\s]+`)
	playlistPattern = regexp.MustCompile(`[?&]list=([^&]+)`)

	videoPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?:v=|/)([0-9A-Za-z_-]{11})`),
		regexp.MustCompile(`(?:embed/|v/|watch\?v=)([^"&?/\s]{11})`),
		regexp.MustCompile(`youtu\.be/([^"&?/\s]{11})`),
	}
)

// ExtractURL returns the first supported media URL in the text, if any.
func ExtractURL(text string) (string, bool) {
	for _, url := range urlPattern.FindAllString(text, -1) {
		if strings.Contains(url, "youtube.com") || strings.Contains(url, "youtu.be") {
			return url, true
		}
	}
	return "", false
}

// ExtractKey parses a content key out of a URL. A playlist reference
// takes precedence over a single video id. isCollection reports whether
// the key names a playlist rather than one track.
func ExtractKey(url string) (key tunecache.ContentKey, isCollection bool, ok bool) {
	if m := playlistPattern.FindStringSubmatch(url); m != nil {
		return tunecache.ContentKey(m[1]), true, true
	}

	for _, pattern := range videoPatterns {
		if m := pattern.FindStringSubmatch(url); m != nil {
			return tunecache.ContentKey(m[1]), false, true
		}
	}

	return "", false, false
}
