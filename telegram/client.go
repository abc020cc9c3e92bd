// Package telegram implements the transport over the Telegram Bot API:
// message forwarding, audio uploads and resends, and update polling.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	tunecache "github.com/tunecache/tunecache"
)

const (
	// DefaultBaseURL is the Telegram Bot API endpoint.
	DefaultBaseURL = "https://api.telegram.org"

	// DefaultTimeout is the default timeout for API requests. Long-poll
	// requests extend it by their own poll window.
	DefaultTimeout = 30 * time.Second
)

// ErrAPI is wrapped by all errors the API itself reported (as opposed to
// transport-level failures).
var ErrAPI = errors.New("telegram: api error")

// Client talks to the Bot API for one bot token.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the API endpoint, for tests or a local bot API server.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithClientLogger sets the logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Bot API client.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		token:   token,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default().With("component", "telegram"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// apiResponse is the Bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
}

// chatRef identifies a chat in API responses.
type chatRef struct {
	ID int64 `json:"id"`
}

// audioRef carries the transport-assigned blob handle for sent audio.
type audioRef struct {
	FileID string `json:"file_id"`
}

// message is the subset of the Bot API Message object we consume.
type message struct {
	MessageID int64     `json:"message_id"`
	Chat      chatRef   `json:"chat"`
	Audio     *audioRef `json:"audio"`
	Text      string    `json:"text"`
	Caption   string    `json:"caption"`
}

func (c *Client) methodURL(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

// call posts form values to an API method and decodes the result.
func (c *Client) call(ctx context.Context, method string, params url.Values, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return decodeResponse(resp.Body, method, result)
}

func decodeResponse(r io.Reader, method string, result any) error {
	var envelope apiResponse
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !envelope.OK {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrAPI, method, envelope.Description, envelope.ErrorCode)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// Forward re-sends the original message at origin into the destination chat.
func (c *Client) Forward(ctx context.Context, dest tunecache.Destination, origin tunecache.OriginLocation) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(dest.ChatID, 10))
	params.Set("from_chat_id", strconv.FormatInt(origin.ChatID, 10))
	params.Set("message_id", strconv.FormatInt(origin.MessageID, 10))

	return c.call(ctx, "forwardMessage", params, nil)
}

// SendAudioBlob resends audio the transport has already stored, by its
// blob handle. No bytes are uploaded.
func (c *Client) SendAudioBlob(ctx context.Context, dest tunecache.Destination, blob tunecache.BlobHandle) (tunecache.DeliveryReceipt, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(dest.ChatID, 10))
	params.Set("audio", string(blob))

	var msg message
	if err := c.call(ctx, "sendAudio", params, &msg); err != nil {
		return tunecache.DeliveryReceipt{}, err
	}
	return receiptFrom(msg, blob)
}

// SendAudioFile uploads a local audio file to the destination chat and
// returns the receipt carrying the transport's newly assigned handles.
func (c *Client) SendAudioFile(ctx context.Context, dest tunecache.Destination, path string, meta tunecache.AudioMetadata) (tunecache.DeliveryReceipt, error) {
	file, err := os.Open(path)
	if err != nil {
		return tunecache.DeliveryReceipt{}, fmt.Errorf("opening audio file: %w", err)
	}
	defer func() { _ = file.Close() }()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := writeAudioForm(mw, file, path, dest, meta)
		_ = mw.Close()
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = pw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendAudio"), pr)
	if err != nil {
		return tunecache.DeliveryReceipt{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return tunecache.DeliveryReceipt{}, fmt.Errorf("uploading audio: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var msg message
	if err := decodeResponse(resp.Body, "sendAudio", &msg); err != nil {
		return tunecache.DeliveryReceipt{}, err
	}
	return receiptFrom(msg, "")
}

func writeAudioForm(mw *multipart.Writer, file *os.File, path string, dest tunecache.Destination, meta tunecache.AudioMetadata) error {
	if err := mw.WriteField("chat_id", strconv.FormatInt(dest.ChatID, 10)); err != nil {
		return err
	}
	if meta.Title != "" {
		if err := mw.WriteField("title", meta.Title); err != nil {
			return err
		}
	}
	if meta.DurationSeconds > 0 {
		if err := mw.WriteField("duration", strconv.Itoa(meta.DurationSeconds)); err != nil {
			return err
		}
	}
	if meta.Performer != "" {
		if err := mw.WriteField("performer", meta.Performer); err != nil {
			return err
		}
	}
	if meta.Caption != "" {
		if err := mw.WriteField("caption", meta.Caption); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("audio", filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, file)
	return err
}

func receiptFrom(msg message, fallbackBlob tunecache.BlobHandle) (tunecache.DeliveryReceipt, error) {
	receipt := tunecache.DeliveryReceipt{
		Blob: fallbackBlob,
		Origin: tunecache.OriginLocation{
			ChatID:    msg.Chat.ID,
			MessageID: msg.MessageID,
		},
	}
	if msg.Audio != nil && msg.Audio.FileID != "" {
		receipt.Blob = tunecache.BlobHandle(msg.Audio.FileID)
	}
	if receipt.Blob == "" {
		return receipt, fmt.Errorf("%w: sendAudio response carried no audio file id", ErrAPI)
	}
	return receipt, nil
}

// SendText sends a plain text message and returns its handle for edits.
func (c *Client) SendText(ctx context.Context, dest tunecache.Destination, text string) (tunecache.MessageHandle, error) {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(dest.ChatID, 10))
	params.Set("text", text)

	var msg message
	if err := c.call(ctx, "sendMessage", params, &msg); err != nil {
		return tunecache.MessageHandle{}, err
	}
	return tunecache.MessageHandle{ChatID: msg.Chat.ID, MessageID: msg.MessageID}, nil
}

// EditText replaces the text of a previously sent message.
func (c *Client) EditText(ctx context.Context, handle tunecache.MessageHandle, text string) error {
	params := url.Values{}
	params.Set("chat_id", strconv.FormatInt(handle.ChatID, 10))
	params.Set("message_id", strconv.FormatInt(handle.MessageID, 10))
	params.Set("text", text)

	return c.call(ctx, "editMessageText", params, nil)
}

var _ tunecache.Messenger = (*Client)(nil)
