// Package imageload fetches and decodes layer images from data URLs, local files
// and HTTP(S) endpoints.
package imageload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/tattester/forgectl/internal/logging"
)

const (
	defaultMaxBytes    = 32 << 20
	defaultHTTPTimeout = 30 * time.Second
)

// Loader resolves image URLs to decoded images.
type Loader struct {
	baseDir  string
	client   *http.Client
	maxBytes int64
	cache    *Cache
	logger   *slog.Logger
}

// Option customises a Loader.
type Option func(*Loader)

// WithBaseDir resolves relative file paths against dir.
func WithBaseDir(dir string) Option {
	return func(l *Loader) { l.baseDir = dir }
}

// WithHTTPClient sets the client used for http and https URLs.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Loader) { l.client = c }
}

// WithMaxBytes caps the encoded size of a single image.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) { l.maxBytes = n }
}

// WithCache enables caching of decoded images.
func WithCache(c *Cache) Option {
	return func(l *Loader) { l.cache = c }
}

// WithLogger sets the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

// New constructs a Loader.
func New(opts ...Option) *Loader {
	l := &Loader{maxBytes: defaultMaxBytes}
	for _, opt := range opts {
		opt(l)
	}
	if l.client == nil {
		l.client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if l.logger == nil {
		l.logger = logging.Discard()
	}
	return l
}

// Load fetches and decodes the image at rawURL.
func (l *Loader) Load(ctx context.Context, rawURL string) (image.Image, error) {
	key := cacheKey(rawURL)
	if img, ok := l.cache.Get(key); ok {
		return img, nil
	}

	data, err := l.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image %s: %w", shorten(rawURL), err)
	}
	l.logger.Debug("decoded image", "url", shorten(rawURL), "format", format,
		"width", img.Bounds().Dx(), "height", img.Bounds().Dy())
	l.cache.Put(key, img)
	return img, nil
}

// Fetch returns the encoded bytes behind rawURL.
func (l *Loader) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		return decodeDataURL(rawURL)
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return l.fetchHTTP(ctx, rawURL)
	case strings.HasPrefix(rawURL, "file://"):
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("parse file url %q: %w", rawURL, err)
		}
		return l.readFile(u.Path)
	case strings.TrimSpace(rawURL) == "":
		return nil, fmt.Errorf("image url is empty")
	default:
		return l.readFile(rawURL)
	}
}

// ErrOutsideBaseDir is returned for file paths that leave the configured base directory.
var ErrOutsideBaseDir = errors.New("image path is outside the base directory")

func (l *Loader) readFile(path string) ([]byte, error) {
	path, err := l.resolvePath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	return l.readLimited(f, path)
}

// resolvePath confines path to the base directory when one is set. Absolute
// paths are accepted only if they point below it.
func (l *Loader) resolvePath(path string) (string, error) {
	if l.baseDir == "" {
		return path, nil
	}
	rel := filepath.Clean(path)
	if filepath.IsAbs(rel) {
		r, err := filepath.Rel(l.baseDir, rel)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrOutsideBaseDir, path)
		}
		rel = r
	}
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q", ErrOutsideBaseDir, path)
	}
	return filepath.Join(l.baseDir, rel), nil
}

func (l *Loader) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", rawURL, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image %q: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image %q: unexpected status %s", rawURL, resp.Status)
	}
	return l.readLimited(resp.Body, rawURL)
}

func (l *Loader) readLimited(r io.Reader, name string) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image %q: %w", name, err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("image %q exceeds %d bytes", name, l.maxBytes)
	}
	return data, nil
}

// decodeDataURL handles data:[<mediatype>][;base64],<data>.
func decodeDataURL(raw string) ([]byte, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	if strings.HasSuffix(meta, ";base64") {
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode base64 data url: %w", err)
		}
		return data, nil
	}
	data, err := url.PathUnescape(payload)
	if err != nil {
		return nil, fmt.Errorf("unescape data url: %w", err)
	}
	return []byte(data), nil
}

// EncodeDataURL wraps encoded image bytes in a base64 data URL.
func EncodeDataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func cacheKey(rawURL string) string {
	if len(rawURL) <= 256 {
		return rawURL
	}
	sum := sha256.Sum256([]byte(rawURL))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func shorten(rawURL string) string {
	if len(rawURL) <= 64 {
		return rawURL
	}
	return rawURL[:61] + "..."
}
