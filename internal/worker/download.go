package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/me/gomh/pkg/model"
)

// DownloadConfig holds downloader settings.
type DownloadConfig struct {
	// Workers is the size of the download pool.
	Workers int

	// MaxRetries is the number of attempts per download (default: 3).
	MaxRetries int

	// RetryDelay is the initial delay between retries. Subsequent retries
	// use exponential backoff.
	RetryDelay time.Duration

	// Timeout is the HTTP request timeout.
	Timeout time.Duration

	// IdleWait is how long an idle pool routine sleeps between polls.
	IdleWait time.Duration
}

// DefaultDownloadConfig returns sensible defaults.
func DefaultDownloadConfig() DownloadConfig {
	return DownloadConfig{
		Workers:    4,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Timeout:    5 * time.Minute,
		IdleWait:   200 * time.Millisecond,
	}
}

// Downloader fetches task assets with a fixed pool of routines draining a
// dedup queue. Download state lives in the AssetIndex.
type Downloader struct {
	cfg     DownloadConfig
	queue   *Queue[AssetKey, DownloadTask]
	index   *AssetIndex
	client  *http.Client
	baseURL *url.URL
	headers map[string]string
	logger  *slog.Logger

	// mu serializes the check-then-enqueue in Ensure.
	mu   sync.Mutex
	wake chan struct{}
}

// NewDownloader creates a downloader. Relative asset URLs are resolved
// against baseURL. If tlsCfg is nil, the default system TLS configuration
// is used.
func NewDownloader(cfg DownloadConfig, index *AssetIndex, baseURL string, tlsCfg *tls.Config, logger *slog.Logger) (*Downloader, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 200 * time.Millisecond
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	return &Downloader{
		cfg:   cfg,
		queue: NewQueue[AssetKey, DownloadTask](),
		index: index,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSClientConfig:     tlsCfg,
			},
		},
		baseURL: base,
		headers: make(map[string]string),
		logger:  logger.With("component", "downloader"),
		wake:    make(chan struct{}, 1),
	}, nil
}

// SetHeader adds a header to every download request.
func (d *Downloader) SetHeader(name, value string) {
	d.headers[name] = value
}

// Pending returns the number of queued downloads.
func (d *Downloader) Pending() int {
	return d.queue.Size()
}

// Ensure queues every asset that is neither ready nor already being
// fetched. It reports whether all assets are ready now.
func (d *Downloader) Ensure(assets []model.Asset, dir string, priority int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ready := true
	for _, a := range assets {
		key := AssetKey{Code: a.Code, URL: a.URL}
		rec, err := d.index.Get(key)
		if err != nil {
			return false, err
		}
		switch rec.State {
		case AssetReady:
			if _, err := os.Stat(rec.Path); err == nil {
				continue
			}
			d.logger.Warn("ready asset missing on disk", "code", a.Code, "path", rec.Path)
		case AssetDownloading:
			ready = false
			continue
		}

		ready = false
		if err := d.index.Put(key, AssetRecord{State: AssetDownloading}); err != nil {
			return false, err
		}
		if d.queue.Add(DownloadTask{Code: a.Code, URL: a.URL, TargetDir: dir, Priority: priority}) {
			d.notify()
		}
	}
	return ready, nil
}

// WaitReady blocks until every asset is ready and returns their local
// paths by code. It fails as soon as one download has failed.
func (d *Downloader) WaitReady(ctx context.Context, assets []model.Asset) (map[string]string, error) {
	ticker := time.NewTicker(d.cfg.IdleWait)
	defer ticker.Stop()

	for {
		paths := make(map[string]string, len(assets))
		for _, a := range assets {
			rec, err := d.index.Get(AssetKey{Code: a.Code, URL: a.URL})
			if err != nil {
				return nil, err
			}
			switch rec.State {
			case AssetError:
				return nil, fmt.Errorf("asset %s: %s", a.Code, rec.Error)
			case AssetNone:
				return nil, fmt.Errorf("asset %s was never queued", a.Code)
			case AssetReady:
				paths[a.Code] = rec.Path
			}
		}
		if len(paths) == len(assets) {
			return paths, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Run starts the download pool and blocks until ctx is cancelled.
func (d *Downloader) Run(ctx context.Context) error {
	d.logger.Info("downloader started", "workers", d.cfg.Workers)
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.loop(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Downloader) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Downloader) loop(ctx context.Context) {
	for {
		task, ok := d.queue.Poll()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			case <-time.After(d.cfg.IdleWait):
			}
			continue
		}
		d.process(ctx, task)
	}
}

func (d *Downloader) process(ctx context.Context, task DownloadTask) {
	key := task.QueueKey()
	dest, err := assetPath(task)
	if err == nil {
		err = d.fetch(ctx, task.URL, dest)
	}
	if err != nil {
		d.logger.Error("download failed", "code", task.Code, "url", task.URL, "error", err)
		if perr := d.index.Put(key, AssetRecord{State: AssetError, Error: err.Error()}); perr != nil {
			d.logger.Error("record asset state", "code", task.Code, "error", perr)
		}
		return
	}

	info, err := os.Stat(dest)
	var size int64
	if err == nil {
		size = info.Size()
	}
	if err := d.index.Put(key, AssetRecord{State: AssetReady, Path: dest, Size: size}); err != nil {
		d.logger.Error("record asset state", "code", task.Code, "error", err)
		return
	}
	d.logger.Info("asset ready", "code", task.Code, "path", dest, "size", size)
}

// assetPath places each asset under its own directory so that two assets
// with the same file name do not collide.
func assetPath(task DownloadTask) (string, error) {
	u, err := url.Parse(task.URL)
	if err != nil {
		return "", fmt.Errorf("parse asset url: %w", err)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		name = "asset"
	}
	return filepath.Join(task.TargetDir, url.PathEscape(task.Code), name), nil
}

// fetch downloads location to destPath with retries.
func (d *Downloader) fetch(ctx context.Context, location, destPath string) error {
	ref, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("parse asset url: %w", err)
	}
	full := d.baseURL.ResolveReference(ref)
	if full.Scheme != "http" && full.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", full.Scheme)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.retryDelay(attempt)):
			}
		}

		err := d.download(ctx, full.String(), destPath)
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on client errors (4xx).
		if isClientError(err) {
			return err
		}
	}

	return fmt.Errorf("download failed after %d attempts: %w", d.cfg.MaxRetries, lastErr)
}

// download performs the actual HTTP GET.
func (d *Downloader) download(ctx context.Context, location, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range d.headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &httpError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
		}
	}

	// Write to temp file first (atomic).
	tmpPath := destPath + ".tmp"
	out, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	_, err = io.Copy(out, resp.Body)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write file: %w", err)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// retryDelay calculates the delay for a retry attempt with exponential backoff.
func (d *Downloader) retryDelay(attempt int) time.Duration {
	base := d.cfg.RetryDelay
	if base == 0 {
		base = time.Second
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// httpError represents an HTTP error response.
type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// isClientError returns true if the error is a 4xx HTTP error.
func isClientError(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
