package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go-model-manager/internal/database"
	"go-model-manager/internal/events"
	"go-model-manager/internal/manager"
	"go-model-manager/internal/models"
	"go-model-manager/internal/scanner"
	"go-model-manager/internal/sidecar"
	"go-model-manager/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	api    *httptest.Server
	cfg    *models.Config
	tasks  *store.TaskStore
	engine *scanner.Engine
	root   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()
	root := filepath.Join(base, "checkpoints")
	require.NoError(t, os.MkdirAll(root, 0700))

	cfg := &models.Config{
		ModelRoots:         map[string][]string{"checkpoints": {root}},
		DownloadPath:       filepath.Join(base, "downloads"),
		ApiKeys:            map[string]string{models.PlatformCivitai: "sk-1234567890abcdef"},
		Concurrency:        2,
		ChunkTimeoutSec:    5,
		MaxRetries:         0,
		KeepCompletedTasks: true,
		ScanCacheTTLSec:    300,
	}

	db, err := database.Open(filepath.Join(base, "srv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tasks := store.NewTaskStore(db)
	bus := events.NewBus()
	locker := sidecar.NewLocker()
	m := manager.New(cfg, tasks, bus, locker, nil)
	t.Cleanup(m.Shutdown)

	engine := scanner.New(cfg, store.NewScanCacheStore(db, 5*time.Minute), bus, locker, nil)
	m.SetScanNotifier(engine.PatchRecord)

	api := httptest.NewServer(New(cfg, m, engine, bus).Routes())
	t.Cleanup(api.Close)

	return &fixture{api: api, cfg: cfg, tasks: tasks, engine: engine, root: root}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.api.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestCreateDownloadValidationMapsTo400(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodPost, "/api/download", map[string]interface{}{
		"type":        "unknown-type",
		"fullname":    "x.safetensors",
		"downloadUrl": "https://example.com/x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "type")
}

func TestDownloadLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	content := strings.Repeat("d", 64)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, content)
	}))
	defer backend.Close()

	resp, env := f.do(t, http.MethodPost, "/api/download", map[string]interface{}{
		"type":        "checkpoints",
		"pathIndex":   0,
		"fullname":    "model.safetensors",
		"downloadUrl": backend.URL,
		"sizeBytes":   64,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	data, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	taskID, _ := data["taskId"].(string)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		resp, env := f.do(t, http.MethodGet, "/api/download/status/"+taskID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		task, _ := env.Data.(map[string]interface{})
		return task["status"] == models.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	// Task shows up in the resync list.
	resp, env = f.do(t, http.MethodGet, "/api/download/task", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list, ok := env.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)

	// Delete keeps the completed model file.
	resp, _ = f.do(t, http.MethodDelete, "/api/download/"+taskID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err := os.Stat(filepath.Join(f.root, "model.safetensors"))
	assert.NoError(t, err)
}

func TestUnknownTaskReturns404(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodGet, "/api/download/status/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, env.Success)

	resp, _ = f.do(t, http.MethodPut, "/api/download/nope", map[string]string{"status": "pause"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/download/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestModelRootsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodGet, "/api/models", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	roots, ok := env.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, roots, "checkpoints")
}

func TestScanOverHTTP(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "m.safetensors"), make([]byte, 32), 0644))

	resp, env := f.do(t, http.MethodGet, "/api/scan/start?folder=checkpoints&mode=full", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, _ := env.Data.(map[string]interface{})
	taskID, _ := data["taskId"].(string)
	require.NotEmpty(t, taskID)

	require.Eventually(t, func() bool {
		resp, env := f.do(t, http.MethodGet, "/api/scan/status/"+taskID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		payload, _ := env.Data.(map[string]interface{})
		task, _ := payload["task"].(map[string]interface{})
		return task["status"] == models.StatusCompleted
	}, 5*time.Second, 50*time.Millisecond)

	// Unknown folder maps to 400.
	resp, _ = f.do(t, http.MethodGet, "/api/scan/start?folder=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIKeyMaskedOnRead(t *testing.T) {
	f := newFixture(t)

	resp, env := f.do(t, http.MethodGet, "/api/settings/apikey", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	keys, _ := env.Data.(map[string]interface{})
	masked, _ := keys[models.PlatformCivitai].(string)
	assert.Equal(t, "sk-1***********cdef", masked)
	assert.NotContains(t, masked, "567890")

	resp, _ = f.do(t, http.MethodPut, "/api/settings/apikey", map[string]string{
		"platform": models.PlatformHuggingFace,
		"key":      "hf_secret",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hf_secret", f.cfg.ApiKeys[models.PlatformHuggingFace])

	resp, _ = f.do(t, http.MethodPut, "/api/settings/apikey", map[string]string{
		"platform": "myspace",
		"key":      "x",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestModelInfoUpdateDelete(t *testing.T) {
	f := newFixture(t)

	modelPath := filepath.Join(f.root, "sub", "thing.safetensors")
	require.NoError(t, os.MkdirAll(filepath.Dir(modelPath), 0700))
	require.NoError(t, os.WriteFile(modelPath, make([]byte, 16), 0644))
	require.NoError(t, sidecar.Write(modelPath, models.SidecarMeta{
		ModelPage: "https://example.com/models/7",
		Hashes:    map[string]string{"SHA256": "aa"},
	}, "original description\n"))

	// GET
	resp, env := f.do(t, http.MethodGet, "/api/model/checkpoints/0/sub/thing.safetensors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	record, _ := env.Data.(map[string]interface{})
	assert.Equal(t, "thing", record["basename"])
	assert.Equal(t, "sub", record["subFolder"])

	// PUT
	resp, _ = f.do(t, http.MethodPut, "/api/model/checkpoints/0/sub/thing.safetensors", map[string]interface{}{
		"description": "edited description\n",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body, err := sidecar.Read(modelPath)
	require.NoError(t, err)
	assert.Equal(t, "edited description\n", body)

	// DELETE removes the triple.
	resp, _ = f.do(t, http.MethodDelete, "/api/model/checkpoints/0/sub/thing.safetensors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = os.Stat(modelPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(sidecar.Path(modelPath))
	assert.True(t, os.IsNotExist(err))

	// Missing model maps to 404; traversal never succeeds.
	resp, _ = f.do(t, http.MethodGet, "/api/model/checkpoints/0/sub/thing.safetensors", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	raw, err := http.Get(f.api.URL + "/api/model/checkpoints/0/..%2Fescape.safetensors")
	require.NoError(t, err)
	raw.Body.Close()
	assert.NotEqual(t, http.StatusOK, raw.StatusCode)
}

func TestEventsStreamDeliversTaskEvents(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.api.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		fmt.Fprint(w, "bytes")
	}))
	defer backend.Close()

	// Give the SSE subscription a moment to register before creating a task.
	time.Sleep(100 * time.Millisecond)
	_, env := f.do(t, http.MethodPost, "/api/download", map[string]interface{}{
		"type":        "checkpoints",
		"pathIndex":   0,
		"fullname":    "evt.safetensors",
		"downloadUrl": backend.URL,
		"sizeBytes":   5,
	})
	require.True(t, env.Success)

	lines := bufio.NewScanner(resp.Body)
	found := make(chan string, 1)
	go func() {
		for lines.Scan() {
			line := lines.Text()
			if strings.HasPrefix(line, "event: ") {
				found <- strings.TrimPrefix(line, "event: ")
				return
			}
		}
	}()

	select {
	case name := <-found:
		assert.Equal(t, events.CreateDownloadTask, name)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received on the push channel")
	}
}
