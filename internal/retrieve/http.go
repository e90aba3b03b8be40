package retrieve

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	fileutil "clipbatch/internal/file"
	"clipbatch/internal/queue"

	"github.com/h2non/filetype"
	"github.com/rs/zerolog/log"
	"github.com/vfaronov/httpheader"
)

const (
	defaultHTTPTimeout = 2 * time.Minute
	defaultUserAgent   = "clipbatch/1.0"
	sniffLen           = 261
	durationHeader     = "X-Content-Duration"
)

var (
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrEmptyBody          = errors.New("empty response body")
	ErrFormatMismatch     = errors.New("format mismatch")
)

// Options configures an HTTPRetriever.
type Options struct {
	Timeout   time.Duration
	UserAgent string
}

// HTTPRetriever fetches clips over plain HTTP(S) into a local directory.
// It is safe for concurrent use.
type HTTPRetriever struct {
	client    *http.Client
	userAgent string
}

func NewHTTPRetriever(opts Options) *HTTPRetriever {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &HTTPRetriever{
		client:    &http.Client{Timeout: opts.Timeout},
		userAgent: opts.UserAgent,
	}
}

// Retrieve downloads unit.Ref into destDir. Failures that a retry cannot fix
// (client errors, non-media payloads) are marked queue.Permanent.
func (r *HTTPRetriever) Retrieve(ctx context.Context, unit queue.Unit, destDir string) (queue.Output, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, unit.Ref, nil)
	if err != nil {
		return queue.Output{}, queue.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", r.userAgent)
	if unit.Constraints.Quality != "" {
		log.Debug().Str("unit_id", unit.ID).Str("quality", unit.Constraints.Quality).Msg("quality constraint not applicable to direct http retrieval")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return queue.Output{}, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return queue.Output{}, err
	}

	body := bufio.NewReaderSize(resp.Body, 4096)
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) {
		return queue.Output{}, fmt.Errorf("read body: %w", err)
	}
	if len(head) == 0 {
		return queue.Output{}, queue.Permanent(ErrEmptyBody)
	}
	kind, _ := filetype.Match(head)
	if kind == filetype.Unknown || (kind.MIME.Type != "video" && kind.MIME.Type != "audio") {
		detected := kind.MIME.Value
		if detected == "" {
			detected = "unrecognized payload"
		}
		return queue.Output{}, queue.Permanent(fmt.Errorf("%w: %s", ErrUnsupportedContent, detected))
	}
	if format := strings.TrimPrefix(strings.ToLower(unit.Constraints.Format), "."); format != "" && format != kind.Extension {
		return queue.Output{}, queue.Permanent(fmt.Errorf("%w: want %s, got %s", ErrFormatMismatch, format, kind.Extension))
	}

	filename := responseFilename(resp, unit, kind.Extension)
	destination := filepath.Join(destDir, safeName(unit.ID)+"-"+filename)
	written, err := fileutil.CopyAtomic(destination, body)
	if err != nil {
		return queue.Output{}, fmt.Errorf("store %s: %w", unit.ID, err)
	}

	return queue.Output{
		Path:            destination,
		Filename:        filename,
		FileSizeBytes:   written,
		DurationSeconds: duration(unit.Constraints, resp.Header),
	}, nil
}

// classifyStatus maps an HTTP status to nil, a retryable error or a permanent one.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("http %d", code)
	default:
		return queue.Permanent(fmt.Errorf("http %d", code))
	}
}

// responseFilename prefers Content-Disposition, then the URL path, then the unit id.
func responseFilename(resp *http.Response, unit queue.Unit, ext string) string {
	var name string
	if _, params := httpheader.ContentDisposition(resp.Header); params["filename"] != "" {
		name = params["filename"]
	} else if parsed, err := url.Parse(unit.Ref); err == nil {
		name = path.Base(parsed.Path)
	}
	name = safeName(name)
	if name == "" || name == "." || name == "_" {
		name = safeName(unit.ID)
	}
	if filepath.Ext(name) == "" && ext != "" {
		name += "." + ext
	}
	return name
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._()-]+`)

func safeName(name string) string {
	name = filepath.Base(filepath.ToSlash(strings.TrimSpace(name)))
	if name == "/" || name == "." {
		return ""
	}
	return strings.Trim(unsafeChars.ReplaceAllString(name, "_"), ".")
}

// duration uses the requested clip bounds, falling back to the server hint.
func duration(c queue.Constraints, h http.Header) float64 {
	if c.EndSeconds > c.StartSeconds {
		return c.EndSeconds - c.StartSeconds
	}
	if raw := h.Get(durationHeader); raw != "" {
		if seconds, err := strconv.ParseFloat(raw, 64); err == nil && seconds > 0 {
			return seconds
		}
	}
	return 0
}
