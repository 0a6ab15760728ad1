package upload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kvmmount/internal/reporter"
	"kvmmount/internal/transport"

	"github.com/rs/zerolog"
)

// HTTPUploader posts the remaining bytes of the image to the device's upload endpoint
type HTTPUploader struct {
	client  *http.Client
	baseURL string
	opts    Options
	logger  zerolog.Logger
}

// NewHTTPUploader creates an HTTP uploader. A nil client uses http.DefaultClient.
func NewHTTPUploader(client *http.Client, baseURL string, opts Options, logger zerolog.Logger) *HTTPUploader {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPUploader{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts.withDefaults(),
		logger:  logger.With().Str("component", "http-upload").Logger(),
	}
}

// UploadURL returns the endpoint for an upload session
func UploadURL(baseURL, uploadID string) string {
	return strings.TrimRight(baseURL, "/") + "/storage/upload?uploadId=" + url.QueryEscape(uploadID)
}

// Upload streams [AlreadyUploadedBytes, TotalSize) in a single request
func (u *HTTPUploader) Upload(ctx context.Context, req Request) error {
	start := req.startOffset()
	remaining := req.TotalSize - start

	logger := u.logger.With().Str("upload_id", req.Session.DataChannel).Logger()
	logger.Info().Uint64("offset", start).Uint64("total_bytes", req.TotalSize).Msg("starting upload")

	body := &progressReader{
		r:        io.NewSectionReader(req.Source, int64(start), int64(remaining)),
		req:      req,
		start:    start,
		interval: u.opts.ProgressInterval,
		now:      u.opts.Now,
		window:   reporter.NewRateWindow(u.opts.Now(), start),
	}

	var reqBody io.Reader = body
	if remaining == 0 {
		reqBody = http.NoBody
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, UploadURL(u.baseURL, req.Session.DataChannel), reqBody)
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	httpReq.ContentLength = int64(remaining)
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	resp, err := u.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transport.Failed("upload request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := transport.Failed(fmt.Sprintf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
		logger.Warn().Err(err).Msg("upload rejected")
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	body.finish(req.TotalSize)
	logger.Info().Msg("upload complete")
	return nil
}

// progressReader reports bytes as they are written into the request body
type progressReader struct {
	r        io.Reader
	req      Request
	start    uint64
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	sent     uint64
	lastEmit time.Time
	window   reporter.RateWindow
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.mu.Lock()
		p.sent += uint64(n)
		now := p.now()
		if now.Sub(p.lastEmit) >= p.interval {
			p.lastEmit = now
			p.window = p.window.Observe(now, p.start+p.sent)
			p.req.progress(p.window.Progress(p.req.TotalSize))
		}
		p.mu.Unlock()
	}
	return n, err
}

func (p *progressReader) finish(total uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window = p.window.Observe(p.now(), total)
	p.req.progress(p.window.Progress(total))
}
