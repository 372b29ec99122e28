package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go-model-manager/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorker(t *testing.T) *Worker {
	t.Helper()
	cfg := &models.Config{
		UserAgent:       "test-agent/1.0",
		ApiKeys:         map[string]string{},
		MaxRetries:      1,
		ChunkTimeoutSec: 5,
	}
	return NewWorker(nil, cfg)
}

func newTask(sourceURL string, total int64) *models.DownloadTask {
	return &models.DownloadTask{
		TaskID:         "t1",
		ModelType:      "loras",
		Basename:       "m",
		Extension:      ".safetensors",
		SourceURL:      sourceURL,
		SourcePlatform: models.PlatformCivitai,
		TotalSizeBytes: total,
		Status:         models.StatusDoing,
	}
}

func TestFetchFullDownload(t *testing.T) {
	content := strings.Repeat("x", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
		assert.Empty(t, r.Header.Get("Range"))
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, content)
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "t1.download")
	task := newTask(srv.URL, 1000)

	err := testWorker(t).Fetch(context.Background(), task, partial, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), task.DownloadedSizeBytes)

	data, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestFetchResumesWithRange(t *testing.T) {
	content := strings.Repeat("ab", 500) // 1000 bytes
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		require.Equal(t, "bytes=400-", gotRange)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 400-999/%d", len(content)))
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, content[400:])
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "t1.download")
	require.NoError(t, os.WriteFile(partial, []byte(content[:400]), 0644))

	task := newTask(srv.URL, 1000)
	task.DownloadedSizeBytes = 400

	err := testWorker(t).Fetch(context.Background(), task, partial, nil)
	require.NoError(t, err)
	assert.Equal(t, "bytes=400-", gotRange)
	assert.Equal(t, int64(1000), task.DownloadedSizeBytes)

	data, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	content := strings.Repeat("z", 600)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Plain 200 even though a range was requested.
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, content)
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "t1.download")
	require.NoError(t, os.WriteFile(partial, []byte("stale-bytes"), 0644))

	task := newTask(srv.URL, 600)
	err := testWorker(t).Fetch(context.Background(), task, partial, nil)
	require.NoError(t, err)

	data, err := os.ReadFile(partial)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "stale partial bytes must be discarded")
}

func TestFetchClassifiesAuthFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "401 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
		},
		{
			name: "403 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		},
		{
			name: "html login page with 200",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				fmt.Fprint(w, "<html>please log in</html>")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			task := newTask(srv.URL, 100)
			err := testWorker(t).Fetch(context.Background(), task, filepath.Join(t.TempDir(), "p.download"), nil)
			assert.ErrorIs(t, err, models.ErrAuthentication)
		})
	}
}

func TestFetchCivitaiTokenQueryParam(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("token")
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, "data")
	}))
	defer srv.Close()

	cfg := &models.Config{
		ApiKeys:         map[string]string{models.PlatformCivitai: "secret-key"},
		MaxRetries:      0,
		ChunkTimeoutSec: 5,
	}
	task := newTask(srv.URL, 4)
	err := NewWorker(nil, cfg).Fetch(context.Background(), task, filepath.Join(t.TempDir(), "p.download"), nil)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", gotToken)
}

func TestFetchHuggingFaceBearerHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, "data")
	}))
	defer srv.Close()

	cfg := &models.Config{
		ApiKeys:         map[string]string{models.PlatformHuggingFace: "hf_token"},
		MaxRetries:      0,
		ChunkTimeoutSec: 5,
	}
	task := newTask(srv.URL, 4)
	task.SourcePlatform = models.PlatformHuggingFace
	err := NewWorker(nil, cfg).Fetch(context.Background(), task, filepath.Join(t.TempDir(), "p.download"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer hf_token", gotAuth)
}

func TestFetchUnknownTotalLearnsFinalSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, "twelve bytes")
	}))
	defer srv.Close()

	task := newTask(srv.URL, 0)
	err := testWorker(t).Fetch(context.Background(), task, filepath.Join(t.TempDir(), "p.download"), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(12), task.TotalSizeBytes)
	assert.Equal(t, int64(12), task.DownloadedSizeBytes)
}

func TestFetchCancelKeepsPartialFile(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("a", 400)))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	partial := filepath.Join(t.TempDir(), "t1.download")
	task := newTask(srv.URL, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	err := testWorker(t).Fetch(ctx, task, partial, nil)
	assert.ErrorIs(t, err, context.Canceled)

	// Bytes received before the cancel stay on disk for a later resume.
	info, statErr := os.Stat(partial)
	require.NoError(t, statErr)
	assert.Equal(t, int64(400), info.Size())
}

func TestFetchRetriesTransientFailure(t *testing.T) {
	content := strings.Repeat("q", 300)
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		// Second attempt resumes from whatever landed on disk.
		offset := int64(0)
		if rng := r.Header.Get("Range"); rng != "" {
			offset, _ = strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, content[offset:])
	}))
	defer srv.Close()

	task := newTask(srv.URL, 300)
	err := testWorker(t).Fetch(context.Background(), task, filepath.Join(t.TempDir(), "p.download"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, int64(300), task.DownloadedSizeBytes)
}

func TestFetchAlreadyCompleteShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be made when the partial file is already complete")
	}))
	defer srv.Close()

	partial := filepath.Join(t.TempDir(), "t1.download")
	require.NoError(t, os.WriteFile(partial, []byte(strings.Repeat("f", 100)), 0644))

	task := newTask(srv.URL, 100)
	err := testWorker(t).Fetch(context.Background(), task, partial, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100), task.DownloadedSizeBytes)
}

func TestFetchNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	task := newTask(srv.URL, 10)
	err := testWorker(t).Fetch(context.Background(), task, filepath.Join(t.TempDir(), "p.download"), nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}
