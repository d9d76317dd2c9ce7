// Package transport streams files from the patch server over HTTP.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/yuya-takeyama/patchsync/pkg/manifest"
)

// ChunkSize is the copy granularity for bodies of known length. Progress is
// reported once per chunk.
const ChunkSize = 64 * 1024

// DefaultUserAgent is sent unless WithUserAgent overrides it.
const DefaultUserAgent = "patchsync"

// maxManifestSize bounds the manifest body read into memory.
const maxManifestSize = 32 << 20

// ErrDownloadFailed matches every error returned by Download.
var ErrDownloadFailed = errors.New("download failed")

// ProgressFunc receives the completed fraction of a download, in [0, 1].
type ProgressFunc func(fraction float64)

// DownloadError describes a failed GET. StatusCode is zero when no response
// was received.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

func (e *DownloadError) Is(target error) bool {
	return target == ErrDownloadFailed
}

// Client performs GET requests against the patch server. It never retries.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds every request, body included. Zero means no limit.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		hc := *c.httpClient
		hc.Timeout = d
		c.httpClient = &hc
	}
}

// WithRateLimit caps the download bandwidth in bytes per second. Zero or a
// negative value disables the limit.
func WithRateLimit(bytesPerSec int) Option {
	return func(c *Client) {
		if bytesPerSec <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, ChunkSize))
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		userAgent:  DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JoinURL appends a slash separated relative path to base, escaping each
// segment.
func JoinURL(base, relPath string) string {
	segments := strings.Split(relPath, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + strings.Join(segments, "/")
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &DownloadError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, &DownloadError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %s", resp.Status),
		}
	}
	return resp, nil
}

// Download streams rawURL into dst and returns the number of bytes written.
//
// With a known Content-Length the body is copied in ChunkSize pieces and
// progress receives written/total after every chunk, ending with exactly one
// 1.0. Without one the body is copied in a single pass and progress only
// receives the terminal 1.0. A nil progress is allowed.
func (c *Client) Download(ctx context.Context, rawURL string, dst io.Writer, progress ProgressFunc) (int64, error) {
	if progress == nil {
		progress = func(float64) {}
	}

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body := c.throttle(ctx, resp.Body)

	total := resp.ContentLength
	if total <= 0 {
		n, err := io.Copy(dst, body)
		if err != nil {
			return n, &DownloadError{URL: rawURL, Err: err}
		}
		progress(1)
		return n, nil
	}

	var written int64
	buf := make([]byte, ChunkSize)
	for {
		nr, er := io.ReadFull(body, buf)
		if nr > 0 {
			nw, ew := dst.Write(buf[:nr])
			written += int64(nw)
			if ew != nil {
				return written, &DownloadError{URL: rawURL, Err: fmt.Errorf("write: %w", ew)}
			}
			if nw != nr {
				return written, &DownloadError{URL: rawURL, Err: io.ErrShortWrite}
			}
			progress(float64(min(written, total)) / float64(total))
		}
		if er == io.EOF || er == io.ErrUnexpectedEOF {
			break
		}
		if er != nil {
			return written, &DownloadError{URL: rawURL, Err: er}
		}
	}

	if written != total {
		return written, &DownloadError{
			URL: rawURL,
			Err: fmt.Errorf("body ended after %d of %d bytes: %w", written, total, io.ErrUnexpectedEOF),
		}
	}
	return written, nil
}

// FetchManifest downloads and decodes {baseURL}/{name}.
func (c *Client) FetchManifest(ctx context.Context, baseURL, name string) (*manifest.Manifest, error) {
	rawURL := JoinURL(baseURL, name)

	resp, err := c.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	m, err := manifest.Decode(io.LimitReader(resp.Body, maxManifestSize))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", rawURL, err)
	}
	return m, nil
}

func (c *Client) throttle(ctx context.Context, r io.Reader) io.Reader {
	if c.limiter == nil {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, limiter: c.limiter}
}

// limitedReader waits on the limiter for every byte it hands out.
type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
