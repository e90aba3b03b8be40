package retrieve

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clipbatch/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var mp3Payload = "ID3" + strings.Repeat("\x00", 300) + "audio-frames"

func newStubServer() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/song.mp3":
			w.Header().Set(durationHeader, "12.5")
			_, _ = w.Write([]byte(mp3Payload))
		case "/download":
			w.Header().Set("Content-Disposition", `attachment; filename="Great Clip.mp3"`)
			_, _ = w.Write([]byte(mp3Payload))
		case "/text":
			_, _ = w.Write([]byte("hello world, definitely not a video"))
		case "/empty":
			w.WriteHeader(http.StatusOK)
		case "/busy":
			http.Error(w, "try later", http.StatusServiceUnavailable)
		case "/forbidden":
			http.Error(w, "nope", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestRetrieveStoresMedia(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	dir := t.TempDir()
	r := NewHTTPRetriever(Options{})
	out, err := r.Retrieve(context.Background(), queue.Unit{ID: "c1", Ref: srv.URL + "/song.mp3"}, dir)
	require.NoError(t, err)

	assert.Equal(t, "song.mp3", out.Filename)
	assert.Equal(t, filepath.Join(dir, "c1-song.mp3"), out.Path)
	assert.Equal(t, int64(len(mp3Payload)), out.FileSizeBytes)
	assert.InDelta(t, 12.5, out.DurationSeconds, 0.001)

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, mp3Payload, string(data))
}

func TestRetrieveUsesContentDispositionAndClipBounds(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	unit := queue.Unit{
		ID:          "c2",
		Ref:         srv.URL + "/download",
		Constraints: queue.Constraints{StartSeconds: 10, EndSeconds: 40, Format: "MP3"},
	}
	out, err := NewHTTPRetriever(Options{}).Retrieve(context.Background(), unit, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "Great_Clip.mp3", out.Filename)
	assert.InDelta(t, 30.0, out.DurationSeconds, 0.001)
}

func TestRetrieveClassifiesFailures(t *testing.T) {
	srv := newStubServer()
	defer srv.Close()

	cases := []struct {
		name      string
		unit      queue.Unit
		permanent bool
		is        error
	}{
		{name: "not found", unit: queue.Unit{ID: "a", Ref: srv.URL + "/missing"}, permanent: true},
		{name: "forbidden", unit: queue.Unit{ID: "b", Ref: srv.URL + "/forbidden"}, permanent: true},
		{name: "unavailable", unit: queue.Unit{ID: "c", Ref: srv.URL + "/busy"}, permanent: false},
		{name: "not media", unit: queue.Unit{ID: "d", Ref: srv.URL + "/text"}, permanent: true, is: ErrUnsupportedContent},
		{name: "empty body", unit: queue.Unit{ID: "e", Ref: srv.URL + "/empty"}, permanent: true, is: ErrEmptyBody},
		{name: "wrong format", unit: queue.Unit{ID: "f", Ref: srv.URL + "/song.mp3", Constraints: queue.Constraints{Format: "mp4"}}, permanent: true, is: ErrFormatMismatch},
		{name: "bad url", unit: queue.Unit{ID: "g", Ref: "://nope"}, permanent: true},
		{name: "connection refused", unit: queue.Unit{ID: "h", Ref: "http://127.0.0.1:1/x.mp4"}, permanent: false},
	}

	r := NewHTTPRetriever(Options{})
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := r.Retrieve(context.Background(), c.unit, dir)
			require.Error(t, err)
			assert.Equal(t, c.permanent, queue.IsPermanent(err), "error: %v", err)
			if c.is != nil {
				assert.True(t, errors.Is(err, c.is), "error: %v", err)
			}
			entries, _ := os.ReadDir(dir)
			assert.Empty(t, entries, "nothing stored on failure")
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(http.StatusOK))
	assert.NoError(t, classifyStatus(http.StatusPartialContent))
	for _, code := range []int{408, 425, 429, 500, 502, 504} {
		err := classifyStatus(code)
		assert.Error(t, err)
		assert.False(t, queue.IsPermanent(err), "status %d", code)
	}
	for _, code := range []int{400, 401, 403, 404, 410} {
		assert.True(t, queue.IsPermanent(classifyStatus(code)), "status %d", code)
	}
}

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"clip.mp4":        "clip.mp4",
		"../../etc/x.mp3": "x.mp3",
		"my clip?.webm":   "my_clip_.webm",
		"":                "",
		"..":              "",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeName(in), "safeName(%q)", in)
	}
}
