package telegram

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	tunecache "github.com/tunecache/tunecache"
)

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is an inbound chat message.
type Message struct {
	MessageID int64   `json:"message_id"`
	Chat      chatRef `json:"chat"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
}

// Destination returns where replies to this message go.
func (m *Message) Destination() tunecache.Destination {
	return tunecache.Destination{ChatID: m.Chat.ID}
}

// Content returns the message text, falling back to the caption so links
// shared alongside media are still seen.
func (m *Message) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// GetUpdates long-polls for new updates after offset. pollWindow is how
// long the server holds the request open when nothing is pending.
func (c *Client) GetUpdates(ctx context.Context, offset int64, pollWindow time.Duration) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(int(pollWindow.Seconds())))
	params.Set("allowed_updates", `["message"]`)

	// The poll request outlives the client's normal timeout on purpose;
	// bound it with the context instead.
	ctx, cancel := context.WithTimeout(ctx, pollWindow+DefaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("getUpdates"), strings.NewReader(params.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	pollClient := *c.client
	pollClient.Timeout = 0

	resp, err := pollClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing getUpdates: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var updates []Update
	if err := decodeResponse(resp.Body, "getUpdates", &updates); err != nil {
		return nil, err
	}
	return updates, nil
}
