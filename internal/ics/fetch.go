package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"

	appLog "ecalsync/internal/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FetchOptions tunes the fetcher. Zero values fall back to defaults.
type FetchOptions struct {
	CacheDir       string
	Timeout        time.Duration
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// UseStaleCache returns the last cached document when every attempt
	// fails. The result is marked Stale.
	UseStaleCache bool
}

// FetchResult contains the outcome of fetching the calendar document.
type FetchResult struct {
	URL       string
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused cached body (304 or stale fallback)
	Stale     bool   // true if the body is a fallback after a failed fetch
	Attempts  int
	FetchedAt time.Time
}

// cacheEntry holds HTTP cache metadata for a single ICS URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher retrieves ICS feeds with bounded retries, HTTP caching
// (ETag / Last-Modified) and a disk copy of the last good document.
type Fetcher struct {
	client *http.Client
	opts   FetchOptions

	// timer paces retries; nil uses a real timer. Replaced in tests.
	timer backoff.Timer
}

// NewFetcher creates a new ICS Fetcher.
//
// opts.CacheDir is the base directory where per-URL cache subdirectories and
// metadata will be stored. Example: "/var/lib/ecalsync/feed-cache".
func NewFetcher(opts FetchOptions) *Fetcher {
	if opts.CacheDir == "" {
		opts.CacheDir = "./var/feed-cache"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	return &Fetcher{
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
	}
}

// retryPolicy doubles the wait from InitialBackoff up to MaxBackoff, without
// jitter, for at most Retries retries.
func (f *Fetcher) retryPolicy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.opts.InitialBackoff
	exp.MaxInterval = f.opts.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(f.opts.Retries)), ctx)
}

// attemptError is a failed attempt; retry says whether another attempt makes
// sense.
type attemptError struct {
	status int
	retry  bool
	err    error
}

// Fetch retrieves url, retrying transient failures with exponential backoff.
// On exhaustion it returns a *FetchError, unless UseStaleCache is set and a
// cached body exists.
func (f *Fetcher) Fetch(ctx context.Context, url string) (FetchResult, error) {
	if url == "" {
		return FetchResult{}, &FetchError{URL: url, Err: errors.New("source URL is empty")}
	}

	cachePath := f.cachePathForURL(url)
	if err := os.MkdirAll(cachePath, 0o700); err != nil {
		return FetchResult{}, &FetchError{URL: url, Err: eris.Wrap(err, "create cache dir")}
	}

	meta, _ := f.loadCacheMeta(cachePath)
	cachedBody, _ := f.loadCacheBody(cachePath)

	var (
		attempts int
		last     attemptError
		res      FetchResult
	)
	operation := func() error {
		attempts++
		r, aerr := f.attempt(ctx, url, cachePath, meta, cachedBody)
		if aerr == nil {
			res = r
			return nil
		}
		last = *aerr
		appLog.Error("ics fetch attempt failed", aerr.err, "url", redactURL(url), "attempt", attempts, "status", aerr.status)
		if !aerr.retry {
			return backoff.Permanent(aerr.err)
		}
		return aerr.err
	}
	notify := func(_ error, wait time.Duration) {
		appLog.Warn("ics fetch retry", "url", redactURL(url), "attempt", attempts+1, "backoff", wait.String())
	}

	err := backoff.RetryNotifyWithTimer(operation, f.retryPolicy(ctx), notify, f.timer)
	if err == nil {
		res.Attempts = attempts
		return res, nil
	}
	// Cancellation is not a feed failure; don't fall back to the cache.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return FetchResult{}, &FetchError{URL: url, Attempts: attempts, StatusCode: last.status, Err: err}
	}

	if f.opts.UseStaleCache && len(cachedBody) > 0 {
		appLog.Warn("ics fetch failed, using stale cached body", "url", redactURL(url), "cached_at", meta.UpdatedAt)
		return FetchResult{
			URL:       url,
			Body:      cachedBody,
			FromCache: true,
			Stale:     true,
			Attempts:  attempts,
			FetchedAt: meta.UpdatedAt,
		}, nil
	}
	return FetchResult{}, &FetchError{URL: url, Attempts: attempts, StatusCode: last.status, Err: last.err}
}

func (f *Fetcher) attempt(ctx context.Context, url, cachePath string, meta cacheEntry, cachedBody []byte) (FetchResult, *attemptError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, &attemptError{err: eris.Wrap(err, "build request")}
	}

	// Conditional headers from cache metadata, only when the body is there to
	// back a 304.
	if len(cachedBody) > 0 {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	appLog.Info("ics fetch start", "url", redactURL(url))

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, &attemptError{retry: true, err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return FetchResult{}, &attemptError{status: resp.StatusCode, retry: true, err: eris.Wrap(readErr, "read body")}
		}

		newMeta := cacheEntry{
			URL:          url,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if err := f.saveCache(cachePath, newMeta, body); err != nil {
			// Log but still return the freshly fetched body.
			appLog.Error("ics cache save failed", err, "url", redactURL(url))
		}

		appLog.Info("ics fetch success", "url", redactURL(url), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{URL: url, Body: body, FetchedAt: time.Now().UTC()}, nil

	case resp.StatusCode == http.StatusNotModified:
		if len(cachedBody) == 0 {
			return FetchResult{}, &attemptError{status: resp.StatusCode, err: errors.New("received 304 Not Modified but no cached body available")}
		}
		appLog.Info("ics fetch not modified; using cache", "url", redactURL(url))
		return FetchResult{URL: url, Body: cachedBody, FromCache: true, FetchedAt: time.Now().UTC()}, nil

	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return FetchResult{}, &attemptError{
			status: resp.StatusCode,
			retry:  retryableStatus(resp.StatusCode),
			err:    errors.New(resp.Status),
		}
	}
}

// retryableStatus: server errors, 408 and 429. Other client errors will not
// change on retry.
func retryableStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// ReadFile loads a calendar document from disk instead of the network, for
// replaying a cached or hand-edited feed.
func ReadFile(path string) (FetchResult, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return FetchResult{}, &FetchError{URL: "file://" + path, Attempts: 1, Err: err}
	}
	appLog.Info("ics read from file", "path", path, "bytes", len(body))
	return FetchResult{URL: "file://" + path, Body: body, FromCache: true, Attempts: 1, FetchedAt: time.Now().UTC()}, nil
}

func (f *Fetcher) cachePathForURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	// Use first 16 hex chars as directory name.
	return filepath.Join(f.opts.CacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func (f *Fetcher) loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func (f *Fetcher) saveCache(cachePath string, meta cacheEntry, body []byte) error {
	metaFile := filepath.Join(cachePath, "meta.json")
	bodyFile := filepath.Join(cachePath, "body.ics")

	// Write body first so meta never points at missing body.
	if err := os.WriteFile(bodyFile, body, 0o600); err != nil {
		return fmt.Errorf("write cache body: %w", err)
	}

	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metaFile, data, 0o600)
}

// redactURL hides sensitive parts of an ICS URL for logging purposes.
//
//	https://support.ecal.com/calendar/abcd.ics?token=x -> https://support.ecal.com/...(redacted)
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}

// RedactURL is redactURL for callers outside the package that publish the
// source address (catalog header, status page).
func RedactURL(u string) string { return redactURL(u) }
