// Package fetch retrieves and decompresses uploaded runtimes archives.
package fetch

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// BundleDataPath is the directory of bundle archives holding runtimes payloads.
const BundleDataPath = "/data/var/tmp/insights-runtimes/uploads/"

// DefaultMaxDecompressedSize caps the decompressed size of a payload, archive members included.
const DefaultMaxDecompressedSize = 512 << 20

var (
	// ErrFetch is returned when the payload could not be retrieved. Retrying may succeed.
	ErrFetch = errors.New("could not fetch payload")

	// ErrCorrupt is returned when the payload was retrieved but could not be decompressed.
	ErrCorrupt = errors.New("corrupt payload")
)

// Fetcher retrieves payloads announced by their URL.
type Fetcher interface {
	// JSON returns the gzip compressed JSON document at url.
	JSON(ctx context.Context, url string) (string, error)
	// Bundle returns the runtimes JSON documents of the gzip compressed tar archive at url.
	Bundle(ctx context.Context, url string) ([]string, error)
}

// HTTPFetcher fetches payloads with HTTP GET requests.
type HTTPFetcher struct {
	client              *http.Client
	maxSize             int64
	maxDecompressedSize int64
}

type options struct {
	client              *http.Client
	timeout             time.Duration
	maxSize             int64
	maxDecompressedSize int64
}

// Options represents an optional function to override HTTPFetcher default values.
type Options func(*options)

// WithTimeout sets the timeout of every request.
func WithTimeout(d time.Duration) Options {
	return func(o *options) {
		o.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout takes precedence over WithTimeout.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.client = c
	}
}

// WithMaxSize caps the size of a compressed payload.
func WithMaxSize(n int64) Options {
	return func(o *options) {
		o.maxSize = n
	}
}

// WithMaxDecompressedSize caps the size of a payload once decompressed.
func WithMaxDecompressedSize(n int64) Options {
	return func(o *options) {
		o.maxDecompressedSize = n
	}
}

// New returns an HTTPFetcher.
func New(args ...Options) *HTTPFetcher {
	opts := options{
		timeout:             30 * time.Second,
		maxSize:             100 << 20,
		maxDecompressedSize: DefaultMaxDecompressedSize,
	}
	for _, opt := range args {
		opt(&opts)
	}

	client := opts.client
	if client == nil {
		client = &http.Client{Timeout: opts.timeout}
	}
	return &HTTPFetcher{client: client, maxSize: opts.maxSize, maxDecompressedSize: opts.maxDecompressedSize}
}

// JSON downloads and decompresses a single JSON document.
func (f HTTPFetcher) JSON(ctx context.Context, url string) (string, error) {
	data, err := f.get(ctx, url)
	if err != nil {
		return "", err
	}
	return unzipJSON(data, f.maxDecompressedSize)
}

// Bundle downloads a bundle archive and returns its runtimes documents.
func (f HTTPFetcher) Bundle(ctx context.Context, url string) ([]string, error) {
	data, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}
	return jsonFromArchive(bytes.NewReader(data), f.maxDecompressedSize)
}

func (f HTTPFetcher) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid request: %v", ErrFetch, err)
	}

	slog.Debug("Fetching payload", "url", redactURL(url))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	defer resp.Body.Close()

	slog.Debug("Payload response", "status", resp.StatusCode)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status %s", ErrFetch, resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrFetch, err)
	}
	if int64(len(data)) > f.maxSize {
		return nil, fmt.Errorf("%w: payload larger than %d bytes", ErrCorrupt, f.maxSize)
	}
	return data, nil
}

// UnzipJSON decompresses a gzip compressed document of at most DefaultMaxDecompressedSize bytes.
func UnzipJSON(data []byte) (string, error) {
	return unzipJSON(data, DefaultMaxDecompressedSize)
}

func unzipJSON(data []byte, maxSize int64) (string, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	out, err := readText(&cappedReader{r: zr, max: maxSize})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

// readText reads r as UTF-8 text. A leading byte order mark is dropped, UTF-16 input
// announced by one is converted and invalid sequences are replaced by U+FFFD.
func readText(r io.Reader) (string, error) {
	dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
	out, err := io.ReadAll(transform.NewReader(r, dec))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// JSONFromArchive walks a gzip compressed tar stream and returns the content of every
// non empty regular file whose path contains BundleDataPath, in archive order.
// The decompressed stream is capped to DefaultMaxDecompressedSize bytes.
func JSONFromArchive(r io.Reader) ([]string, error) {
	return jsonFromArchive(r, DefaultMaxDecompressedSize)
}

func jsonFromArchive(r io.Reader, maxSize int64) ([]string, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	var docs []string
	tr := tar.NewReader(&cappedReader{r: zr, max: maxSize})
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		if h.Typeflag != tar.TypeReg || !strings.Contains(h.Name, BundleDataPath) {
			continue
		}

		content, err := readText(tr)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to read %q: %v", ErrCorrupt, h.Name, err)
		}
		if content == "" {
			continue
		}
		docs = append(docs, content)
	}

	slog.Debug("Found runtimes documents in archive", "count", len(docs))
	return docs, nil
}

var errTooLarge = errors.New("decompressed payload exceeds size limit")

// cappedReader fails with errTooLarge once more than max bytes were read from r.
type cappedReader struct {
	r    io.Reader
	max  int64
	read int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	if c.read > c.max {
		return 0, errTooLarge
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.read > c.max {
		return n, errTooLarge
	}
	return n, err
}

// redactURL drops the query, which holds presigned credentials.
func redactURL(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}
