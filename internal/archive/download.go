package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	defaultMaxDownload = 500 * 1024 * 1024
	userAgent          = "braindrive-plugin-installer/1.0"
)

// StatusError reports a non-200 response from a download.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("HTTP %d from %s", e.Code, e.URL) }

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// Downloader fetches archives over HTTP with retry and backoff.
type Downloader struct {
	client  *retryablehttp.Client
	maxSize int64
	tempDir string
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithRetries sets the retry count and backoff bounds.
func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(d *Downloader) {
		d.client.RetryMax = max
		d.client.RetryWaitMin = waitMin
		d.client.RetryWaitMax = waitMax
	}
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		if c != nil {
			d.client.HTTPClient = c
		}
	}
}

// WithMaxSize caps the downloaded archive size.
func WithMaxSize(n int64) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.maxSize = n
		}
	}
}

// WithTempDir places downloads in dir instead of the OS temp dir.
func WithTempDir(dir string) Option {
	return func(d *Downloader) { d.tempDir = dir }
}

// WithLogger routes retry diagnostics through log.
func WithLogger(log zerolog.Logger) Option {
	return func(d *Downloader) { d.client.Logger = leveledLogger{log: log} }
}

// NewDownloader builds a Downloader with three retries by default.
func NewDownloader(opts ...Option) *Downloader {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 500 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.Logger = nil
	c.HTTPClient.Timeout = 10 * time.Minute
	d := &Downloader{client: c, maxSize: defaultMaxDownload}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ValidateURL accepts only absolute http(s) URLs.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// Download fetches rawURL into a temp file and returns its path. The caller
// removes the file.
func (d *Downloader) Download(ctx context.Context, rawURL string) (string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return "", err
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{URL: rawURL, Code: resp.StatusCode}
	}

	if d.tempDir != "" {
		if err := os.MkdirAll(d.tempDir, 0o755); err != nil {
			return "", err
		}
	}
	tmp, err := os.CreateTemp(d.tempDir, "download-*"+archiveSuffix(rawURL))
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(name)
		}
	}()

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return "", err
	}
	if n > d.maxSize {
		return "", fmt.Errorf("archive exceeds maximum size (%d bytes)", d.maxSize)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("finalize download: %w", err)
	}
	success = true
	return name, nil
}

func archiveSuffix(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	lower := strings.ToLower(u.Path)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return ".zip"
	case strings.HasSuffix(lower, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(lower, ".tgz"):
		return ".tgz"
	}
	return ""
}

// VerifySHA256 compares the file digest with expected (hex, case-insensitive).
func VerifySHA256(path, expected string) error {
	expected = strings.TrimSpace(strings.ToLower(expected))
	if expected == "" {
		return errors.New("no SHA-256 checksum provided")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if actual := hex.EncodeToString(h.Sum(nil)); actual != expected {
		return fmt.Errorf("SHA-256 mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct{ log zerolog.Logger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Info().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
