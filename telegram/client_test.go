package telegram

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tunecache "github.com/tunecache/tunecache"
)

type fakeAPI struct {
	t *testing.T

	calls map[string]int
	// per-method handler; default replies ok with an empty message
	handlers map[string]http.HandlerFunc
}

func newFakeAPI(t *testing.T) (*fakeAPI, *Client) {
	t.Helper()
	api := &fakeAPI{
		t:        t,
		calls:    map[string]int{},
		handlers: map[string]http.HandlerFunc{},
	}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	client := NewClient("TESTTOKEN", WithBaseURL(srv.URL))
	return api, client
}

func (a *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	require.True(a.t, strings.HasPrefix(r.URL.Path, "/botTESTTOKEN/"), r.URL.Path)
	method := filepath.Base(r.URL.Path)
	a.calls[method]++

	if h, ok := a.handlers[method]; ok {
		h(w, r)
		return
	}
	fmt.Fprint(w, `{"ok":true,"result":{"message_id":1,"chat":{"id":555}}}`)
}

func TestForward(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handlers["forwardMessage"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "555", r.Form.Get("chat_id"))
		require.Equal(t, "-100123", r.Form.Get("from_chat_id"))
		require.Equal(t, "42", r.Form.Get("message_id"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":2,"chat":{"id":555}}}`)
	}

	err := client.Forward(t.Context(),
		tunecache.Destination{ChatID: 555},
		tunecache.OriginLocation{ChatID: -100123, MessageID: 42})
	require.NoError(t, err)
	require.Equal(t, 1, api.calls["forwardMessage"])
}

func TestForwardAPIError(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handlers["forwardMessage"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":false,"description":"Bad Request: message to forward not found","error_code":400}`)
	}

	err := client.Forward(t.Context(), tunecache.Destination{ChatID: 555}, tunecache.OriginLocation{ChatID: 1, MessageID: 1})
	require.ErrorIs(t, err, ErrAPI)
	require.Contains(t, err.Error(), "message to forward not found")
}

func TestSendAudioBlob(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handlers["sendAudio"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "CACHEDFILEID", r.Form.Get("audio"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":9,"chat":{"id":555},"audio":{"file_id":"CACHEDFILEID"}}}`)
	}

	receipt, err := client.SendAudioBlob(t.Context(), tunecache.Destination{ChatID: 555}, "CACHEDFILEID")
	require.NoError(t, err)
	require.Equal(t, tunecache.BlobHandle("CACHEDFILEID"), receipt.Blob)
	require.Equal(t, int64(9), receipt.Origin.MessageID)
}

func TestSendAudioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.mp3")
	require.NoError(t, os.WriteFile(path, []byte("mp3 bytes"), 0o644))

	api, client := newFakeAPI(t)
	api.handlers["sendAudio"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "555", r.Form.Get("chat_id"))
		require.Equal(t, "My Track", r.Form.Get("title"))
		require.Equal(t, "180", r.Form.Get("duration"))

		file, header, err := r.FormFile("audio")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		require.Equal(t, "track.mp3", header.Filename)

		fmt.Fprint(w, `{"ok":true,"result":{"message_id":10,"chat":{"id":555},"audio":{"file_id":"NEWFILEID"}}}`)
	}

	receipt, err := client.SendAudioFile(t.Context(), tunecache.Destination{ChatID: 555}, path, tunecache.AudioMetadata{
		Title:           "My Track",
		DurationSeconds: 180,
	})
	require.NoError(t, err)
	require.Equal(t, tunecache.BlobHandle("NEWFILEID"), receipt.Blob)
	require.Equal(t, tunecache.OriginLocation{ChatID: 555, MessageID: 10}, receipt.Origin)
}

func TestSendAudioFileMissingFileID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "track.mp3")
	require.NoError(t, os.WriteFile(path, []byte("mp3 bytes"), 0o644))

	api, client := newFakeAPI(t)
	api.handlers["sendAudio"] = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":10,"chat":{"id":555}}}`)
	}

	_, err := client.SendAudioFile(t.Context(), tunecache.Destination{ChatID: 555}, path, tunecache.AudioMetadata{})
	require.ErrorIs(t, err, ErrAPI)
}

func TestSendAndEditText(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handlers["sendMessage"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "hello", r.Form.Get("text"))
		fmt.Fprint(w, `{"ok":true,"result":{"message_id":3,"chat":{"id":555}}}`)
	}
	api.handlers["editMessageText"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "3", r.Form.Get("message_id"))
		require.Equal(t, "updated", r.Form.Get("text"))
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}

	handle, err := client.SendText(t.Context(), tunecache.Destination{ChatID: 555}, "hello")
	require.NoError(t, err)
	require.Equal(t, tunecache.MessageHandle{ChatID: 555, MessageID: 3}, handle)

	require.NoError(t, client.EditText(t.Context(), handle, "updated"))
}

func TestGetUpdates(t *testing.T) {
	api, client := newFakeAPI(t)
	api.handlers["getUpdates"] = func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "7", r.Form.Get("offset"))
		fmt.Fprint(w, `{"ok":true,"result":[
			{"update_id":7,"message":{"message_id":1,"chat":{"id":555},"text":"hi"}},
			{"update_id":8,"message":{"message_id":2,"chat":{"id":556},"caption":"linked"}}
		]}`)
	}

	updates, err := client.GetUpdates(t.Context(), 7, time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	require.Equal(t, "hi", updates[0].Message.Content())
	require.Equal(t, tunecache.Destination{ChatID: 556}, updates[1].Message.Destination())
	require.Equal(t, "linked", updates[1].Message.Content())
}
