package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	tunecache "github.com/tunecache/tunecache"
)

const (
	watchURLPrefix    = "https://www.youtube.com/watch?v="
	playlistURLPrefix = "https://www.youtube.com/playlist?list="

	// Transport caption limits cap how long a title can usefully be.
	maxTitleLen = 100

	defaultFetchTimeout = 10 * time.Minute
)

// YTDLP fetches media by shelling out to the yt-dlp binary, extracting
// audio as mp3 into a working directory.
type YTDLP struct {
	binary  string
	workDir string
	timeout time.Duration
	logger  *slog.Logger
}

// YTDLPOption configures a YTDLP fetcher.
type YTDLPOption func(*YTDLP)

// WithBinary sets the yt-dlp binary path. Default is "yt-dlp" on PATH.
func WithBinary(binary string) YTDLPOption {
	return func(y *YTDLP) {
		y.binary = binary
	}
}

// WithTimeout sets the per-fetch timeout.
func WithTimeout(timeout time.Duration) YTDLPOption {
	return func(y *YTDLP) {
		y.timeout = timeout
	}
}

// WithYTDLPLogger sets the logger.
func WithYTDLPLogger(logger *slog.Logger) YTDLPOption {
	return func(y *YTDLP) {
		y.logger = logger
	}
}

// NewYTDLP creates a fetcher that writes extracted audio into workDir.
func NewYTDLP(workDir string, opts ...YTDLPOption) (*YTDLP, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}

	y := &YTDLP{
		binary:  "yt-dlp",
		workDir: workDir,
		timeout: defaultFetchTimeout,
		logger:  slog.Default().With("component", "ytdlp"),
	}
	for _, opt := range opts {
		opt(y)
	}
	return y, nil
}

// fetchInfo is the subset of yt-dlp's --print-json output we care about.
type fetchInfo struct {
	Title    string  `json:"title"`
	Duration float64 `json:"duration"`
}

// FetchMedia downloads and extracts the audio for a key. The result path
// points into the working directory; the caller owns the file afterwards.
func (y *YTDLP) FetchMedia(ctx context.Context, key tunecache.ContentKey) (*tunecache.MediaFile, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	outTemplate := filepath.Join(y.workDir, string(key)+".%(ext)s")

	cmd := exec.CommandContext(ctx, y.binary,
		"--extract-audio",
		"--audio-format", "mp3",
		"--audio-quality", "128K",
		"--output", outTemplate,
		"--print-json",
		"--no-warnings",
		"--no-progress",
		watchURLPrefix+string(key),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	y.logger.Debug("starting extraction", "key", key)
	if err := cmd.Run(); err != nil {
		y.removePartials(key)
		return nil, fmt.Errorf("extracting %s: %w: %s", key, err, firstLine(stderr.String()))
	}

	var info fetchInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		y.removePartials(key)
		return nil, fmt.Errorf("parsing extraction metadata for %s: %w", key, err)
	}

	path := filepath.Join(y.workDir, string(key)+".mp3")
	if _, err := os.Stat(path); err != nil {
		y.removePartials(key)
		return nil, fmt.Errorf("extraction for %s produced no output file: %w", key, err)
	}

	return &tunecache.MediaFile{
		Key:             key,
		Title:           truncateTitle(info.Title),
		Path:            path,
		DurationSeconds: int(info.Duration),
	}, nil
}

// playlistInfo is the subset of yt-dlp's flat playlist output we care about.
type playlistInfo struct {
	Entries []struct {
		ID       string  `json:"id"`
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
	} `json:"entries"`
}

// ListCollection resolves a playlist key to its member tracks without
// downloading anything.
func (y *YTDLP) ListCollection(ctx context.Context, key tunecache.ContentKey) ([]tunecache.Track, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, y.binary,
		"--flat-playlist",
		"--dump-single-json",
		"--no-warnings",
		playlistURLPrefix+string(key),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("listing collection %s: %w: %s", key, err, firstLine(stderr.String()))
	}

	var info playlistInfo
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("parsing collection listing for %s: %w", key, err)
	}

	tracks := make([]tunecache.Track, 0, len(info.Entries))
	for _, entry := range info.Entries {
		if entry.ID == "" {
			continue
		}
		tracks = append(tracks, tunecache.Track{
			Key:             tunecache.ContentKey(entry.ID),
			Title:           truncateTitle(entry.Title),
			DurationSeconds: int(entry.Duration),
		})
	}
	return tracks, nil
}

// removePartials deletes any files yt-dlp left behind for a failed key.
func (y *YTDLP) removePartials(key tunecache.ContentKey) {
	matches, err := filepath.Glob(filepath.Join(y.workDir, string(key)+".*"))
	if err != nil {
		return
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil {
			y.logger.Warn("failed to remove partial file", "path", path, "error", err)
		}
	}
}

func truncateTitle(title string) string {
	runes := []rune(title)
	if len(runes) <= maxTitleLen {
		return title
	}
	return string(runes[:maxTitleLen-3]) + "..."
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

var (
	_ tunecache.Fetcher          = (*YTDLP)(nil)
	_ tunecache.CollectionLister = (*YTDLP)(nil)
)
