// Package downloader implements the HTTP fetch worker: it performs the byte
// transfer for one "doing" interval of a download task. It never renames the
// partial file to its final name, that is the task manager's job.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-model-manager/internal/models"

	"github.com/shirou/gopsutil/v3/disk"
	log "github.com/sirupsen/logrus"
)

// chunkSize is the transfer buffer size. Cancellation and pause are observed
// between chunks, so this also bounds their latency.
const chunkSize = 64 * 1024

// progressInterval throttles progress callbacks so observers are not flooded.
const progressInterval = time.Second

// ErrDiskFull is returned when the destination volume cannot hold the
// remaining bytes of a transfer.
var ErrDiskFull = errors.New("insufficient disk space")

// ProgressFunc receives throttled transfer progress. total is -1 while the
// total size is unknown.
type ProgressFunc func(downloaded, total int64, bytesPerSecond float64)

// Worker performs ranged HTTP downloads with retry, per-chunk timeouts and
// platform-specific authentication.
type Worker struct {
	client       *http.Client
	userAgent    string
	apiKeys      map[string]string
	maxRetries   int
	chunkTimeout time.Duration
}

// NewWorker builds a fetch worker from the runtime configuration. A nil
// client falls back to http.DefaultClient.
func NewWorker(client *http.Client, cfg *models.Config) *Worker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Worker{
		client:       client,
		userAgent:    cfg.UserAgent,
		apiKeys:      cfg.ApiKeys,
		maxRetries:   cfg.MaxRetries,
		chunkTimeout: time.Duration(cfg.ChunkTimeoutSec) * time.Second,
	}
}

// Fetch streams the task's source URL into partialPath, resuming from the
// partial file's current size. On success the task's DownloadedSizeBytes
// equals TotalSizeBytes (learning the total from the response if it was
// unknown). Pause and cancel arrive through ctx; the partial file is always
// left in place for the caller to keep or remove.
//
// Transient network errors are retried with backoff up to the configured
// limit, resuming from the bytes already on disk. Authentication failures
// and context cancellation are never retried.
func (w *Worker) Fetch(ctx context.Context, task *models.DownloadTask, partialPath string, progress ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(partialPath), 0700); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}

	if task.TotalSizeBytes > 0 {
		if err := w.checkFreeSpace(partialPath, task); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 2 * time.Second
			log.WithFields(log.Fields{
				"taskId":  task.TaskID,
				"attempt": attempt,
			}).Warnf("Retrying download in %v: %v", backoff, lastErr)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := w.fetchOnce(ctx, task, partialPath, progress)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Pause or cancel, not a transfer failure.
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("download failed after %d retries: %w", w.maxRetries, lastErr)
}

// fetchOnce performs a single transfer attempt, resuming from the partial
// file's on-disk size.
func (w *Worker) fetchOnce(ctx context.Context, task *models.DownloadTask, partialPath string, progress ProgressFunc) error {
	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening partial file %s: %w", partialPath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat partial file %s: %w", partialPath, err)
	}
	offset := info.Size()

	if task.TotalSizeBytes > 0 && offset >= task.TotalSizeBytes {
		// Everything already on disk from a previous interval.
		task.DownloadedSizeBytes = task.TotalSizeBytes
		return nil
	}

	// The request gets its own cancelable context so the per-chunk watchdog
	// can abort a stalled read without touching the caller's context.
	reqCtx, cancelReq := context.WithCancel(ctx)
	defer cancelReq()

	req, err := w.buildRequest(reqCtx, task, offset)
	if err != nil {
		return err
	}

	resp, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("requesting %s: %w", task.SourceURL, models.ErrNetwork)
	}
	defer resp.Body.Close()

	if err := classifyResponse(resp, offset, task); err != nil {
		return err
	}

	if resp.StatusCode == http.StatusOK && offset > 0 {
		// Server ignored the range request, restart from zero.
		log.WithField("taskId", task.TaskID).Warn("Server does not honor ranges, restarting from byte 0")
		if err := file.Truncate(0); err != nil {
			return fmt.Errorf("truncating partial file: %w", err)
		}
		offset = 0
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking partial file: %w", err)
	}

	if task.TotalSizeBytes <= 0 && resp.ContentLength > 0 {
		task.TotalSizeBytes = offset + resp.ContentLength
	}
	task.DownloadedSizeBytes = offset

	return w.copyChunks(ctx, cancelReq, task, file, resp.Body, progress)
}

// copyChunks streams the body to disk in fixed-size chunks, resetting the
// per-chunk watchdog after each read and throttling progress reports.
func (w *Worker) copyChunks(ctx context.Context, abortRequest context.CancelFunc, task *models.DownloadTask, file *os.File, body io.Reader, progress ProgressFunc) error {
	watchdog := time.AfterFunc(w.chunkTimeout, abortRequest)
	defer watchdog.Stop()

	buf := make([]byte, chunkSize)
	lastReport := time.Now()
	lastBytes := task.DownloadedSizeBytes

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := body.Read(buf)
		watchdog.Reset(w.chunkTimeout)

		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				if isNoSpace(err) {
					return fmt.Errorf("writing chunk: %w", ErrDiskFull)
				}
				return fmt.Errorf("writing chunk: %w", err)
			}
			task.DownloadedSizeBytes += int64(n)

			if elapsed := time.Since(lastReport); elapsed >= progressInterval {
				bps := float64(task.DownloadedSizeBytes-lastBytes) / elapsed.Seconds()
				task.BytesPerSecond = bps
				if progress != nil {
					progress(task.DownloadedSizeBytes, knownTotal(task), bps)
				}
				lastReport = time.Now()
				lastBytes = task.DownloadedSizeBytes
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading response body: %w", models.ErrNetwork)
		}
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("syncing partial file: %w", err)
	}

	if task.TotalSizeBytes > 0 && task.DownloadedSizeBytes < task.TotalSizeBytes {
		return fmt.Errorf("connection closed at %d of %d bytes: %w",
			task.DownloadedSizeBytes, task.TotalSizeBytes, models.ErrNetwork)
	}
	if task.TotalSizeBytes <= 0 {
		// No Content-Length was ever known, the final size is what arrived.
		task.TotalSizeBytes = task.DownloadedSizeBytes
	}

	task.BytesPerSecond = 0
	if progress != nil {
		progress(task.DownloadedSizeBytes, task.TotalSizeBytes, 0)
	}
	return nil
}

// buildRequest assembles the GET with range, user agent and platform auth.
// Civitai takes its API key as a query parameter, Hugging Face as a bearer
// header.
func (w *Worker) buildRequest(ctx context.Context, task *models.DownloadTask, offset int64) (*http.Request, error) {
	sourceURL := task.SourceURL
	if key := w.apiKeys[task.SourcePlatform]; key != "" && task.SourcePlatform == models.PlatformCivitai {
		parsed, err := url.Parse(sourceURL)
		if err != nil {
			return nil, models.NewValidationError("sourceUrl", "not a valid URL: %v", err)
		}
		q := parsed.Query()
		q.Set("token", key)
		parsed.RawQuery = q.Encode()
		sourceURL = parsed.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, models.NewValidationError("sourceUrl", "not a valid URL: %v", err)
	}

	if w.userAgent != "" {
		req.Header.Set("User-Agent", w.userAgent)
	}
	if key := w.apiKeys[task.SourcePlatform]; key != "" && task.SourcePlatform == models.PlatformHuggingFace {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	return req, nil
}

// classifyResponse maps response status and headers to the error taxonomy.
// Platforms serve an HTML login page with status 200 for gated models, so a
// text/html content type counts as an authentication failure too.
func classifyResponse(resp *http.Response, offset int64, task *models.DownloadTask) error {
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("source returned %s: %w", resp.Status, models.ErrAuthentication)
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		if task.TotalSizeBytes > 0 && offset >= task.TotalSizeBytes {
			return nil
		}
		return fmt.Errorf("source rejected range at offset %d: %w", offset, models.ErrIntegrity)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("source returned %s: %w", resp.Status, models.ErrNotFound)
	case resp.StatusCode >= 400:
		return fmt.Errorf("source returned %s: %w", resp.Status, models.ErrNetwork)
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "text/html") {
		return fmt.Errorf("source returned an HTML page instead of file content, an API key is likely required: %w", models.ErrAuthentication)
	}
	return nil
}

// checkFreeSpace fails fast when the destination volume cannot hold the
// remaining bytes.
func (w *Worker) checkFreeSpace(partialPath string, task *models.DownloadTask) error {
	var onDisk int64
	if info, err := os.Stat(partialPath); err == nil {
		onDisk = info.Size()
	}
	remaining := task.TotalSizeBytes - onDisk
	if remaining <= 0 {
		return nil
	}

	usage, err := disk.Usage(filepath.Dir(partialPath))
	if err != nil {
		log.WithError(err).Debug("Skipping free space check, usage query failed")
		return nil
	}
	if usage.Free < uint64(remaining) {
		return fmt.Errorf("%w: need %d bytes, %d free", ErrDiskFull, remaining, usage.Free)
	}
	return nil
}

// retryable reports whether a fetch error is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, models.ErrNetwork)
}

func knownTotal(task *models.DownloadTask) int64 {
	if task.TotalSizeBytes > 0 {
		return task.TotalSizeBytes
	}
	return -1
}

func isNoSpace(err error) bool {
	return strings.Contains(err.Error(), "no space left on device")
}
