// Package manager orchestrates download tasks: it validates requests,
// registers tasks in the store, drives the pool, finalizes completed
// transfers and emits lifecycle events.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go-model-manager/internal/downloader"
	"go-model-manager/internal/events"
	"go-model-manager/internal/helpers"
	"go-model-manager/internal/models"
	"go-model-manager/internal/pool"
	"go-model-manager/internal/sidecar"
	"go-model-manager/internal/store"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// partialExtension is appended to the task ID to name in-flight files under
// the download directory.
const partialExtension = ".download"

// ScanNotifier is called after a completed download lands in a model folder,
// so the scan engine can patch its cache without a full rescan.
type ScanNotifier func(record *models.ModelRecord)

// CreateRequest carries everything needed to register a new download task.
type CreateRequest struct {
	ModelType      string            `json:"type"`
	PathIndex      int               `json:"pathIndex"`
	SubFolder      string            `json:"subFolder"`
	Fullname       string            `json:"fullname"`
	SourceURL      string            `json:"downloadUrl"`
	SourcePlatform string            `json:"downloadPlatform"`
	TotalSizeBytes int64             `json:"sizeBytes"`
	Description    string            `json:"description"`
	PreviewURL     string            `json:"preview"`
	Hashes         map[string]string `json:"hashes"`
	ModelPage      string            `json:"modelPage"`
	BaseModel      string            `json:"baseModel"`
	TrainedWords   []string          `json:"trainedWords"`
	Author         string            `json:"author"`
	Overwrite      bool              `json:"overwrite"`
}

// Manager is the public orchestrator for the download subsystem.
type Manager struct {
	cfg    *models.Config
	tasks  *store.TaskStore
	worker *downloader.Worker
	bus    *events.Bus
	locker *sidecar.Locker
	client *http.Client

	pool *pool.Pool

	notifyMu sync.Mutex
	notify   ScanNotifier

	taskMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New wires a manager. The HTTP client is shared with the fetch worker so
// preview downloads reuse the same transport and logging.
func New(cfg *models.Config, tasks *store.TaskStore, bus *events.Bus, locker *sidecar.Locker, client *http.Client) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	m := &Manager{
		cfg:    cfg,
		tasks:  tasks,
		worker: downloader.NewWorker(client, cfg),
		bus:    bus,
		locker: locker,
		client: client,
		locks:  make(map[string]*sync.Mutex),
	}
	m.pool = pool.New(cfg.Concurrency, m.runTask)
	return m
}

// SetScanNotifier registers the cache-patch callback. Set once at startup,
// after the scan engine exists.
func (m *Manager) SetScanNotifier(fn ScanNotifier) {
	m.notifyMu.Lock()
	m.notify = fn
	m.notifyMu.Unlock()
}

// Recover reloads persisted tasks after a restart. Interrupted transfers
// come back paused (the store demotes them); waiting tasks re-enter the pool.
func (m *Manager) Recover() error {
	tasks, err := m.tasks.Recover()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status == models.StatusWaiting {
			if err := m.pool.Submit(task.TaskID); err != nil {
				log.WithError(err).Warnf("Could not resubmit recovered task %s", task.TaskID)
			}
		}
	}
	log.Infof("Recovered %d download task(s)", len(tasks))
	return nil
}

// Shutdown stops the pool, interrupting running transfers. Their progress is
// already persisted so they resume on the next start.
func (m *Manager) Shutdown() {
	m.pool.Shutdown()
}

// CreateTask validates the request, registers a task and schedules it.
func (m *Manager) CreateTask(req CreateRequest) (*models.DownloadTask, error) {
	task, err := m.buildTask(req)
	if err != nil {
		return nil, err
	}

	if err := m.checkDestination(task, req.Overwrite); err != nil {
		return nil, err
	}

	if err := m.tasks.Save(task); err != nil {
		return nil, err
	}
	m.bus.Publish(events.CreateDownloadTask, task)

	if err := m.pool.Submit(task.TaskID); err != nil {
		return nil, fmt.Errorf("scheduling task %s: %w", task.TaskID, err)
	}
	log.WithFields(log.Fields{
		"taskId": task.TaskID,
		"dest":   task.RelPath(),
		"url":    task.SourceURL,
	}).Info("Download task created")
	return task, nil
}

func (m *Manager) buildTask(req CreateRequest) (*models.DownloadTask, error) {
	roots, ok := m.cfg.ModelRoots[req.ModelType]
	if !ok {
		return nil, models.NewValidationError("type", "unknown model type %q", req.ModelType)
	}
	if req.PathIndex < 0 || req.PathIndex >= len(roots) {
		return nil, models.NewValidationError("pathIndex", "index %d out of range for %d configured root(s)", req.PathIndex, len(roots))
	}

	parsed, err := url.Parse(req.SourceURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, models.NewValidationError("downloadUrl", "%q is not a valid http(s) URL", req.SourceURL)
	}

	platform := req.SourcePlatform
	if platform != "" {
		known := false
		for _, p := range models.KnownPlatforms {
			if p == platform {
				known = true
				break
			}
		}
		if !known {
			return nil, models.NewValidationError("downloadPlatform", "unknown platform %q", platform)
		}
	}

	fullname := strings.TrimSpace(req.Fullname)
	if fullname == "" {
		return nil, models.NewValidationError("fullname", "must not be empty")
	}
	if strings.Contains(fullname, "/") || strings.Contains(fullname, "\\") {
		return nil, models.NewValidationError("fullname", "must not contain path separators")
	}
	ext := path.Ext(fullname)
	if !models.IsModelFileExtension(ext) {
		return nil, models.NewValidationError("fullname", "extension %q is not a recognized model file extension", ext)
	}

	subFolder := strings.Trim(helpers.NormalizePath(req.SubFolder), "/")
	if subFolder != "" && (strings.Contains(subFolder, "..") || path.IsAbs(subFolder)) {
		return nil, models.NewValidationError("subFolder", "must be a relative path inside the model root")
	}

	meta := models.SidecarMeta{
		Website:      platform,
		ModelPage:    req.ModelPage,
		Author:       req.Author,
		BaseModel:    req.BaseModel,
		Hashes:       req.Hashes,
		TrainedWords: req.TrainedWords,
	}
	if req.PreviewURL != "" {
		meta.Preview = []string{req.PreviewURL}
	}

	return &models.DownloadTask{
		TaskID:              uuid.NewString(),
		ModelType:           req.ModelType,
		PathIndex:           req.PathIndex,
		SubFolder:           subFolder,
		Basename:            strings.TrimSuffix(fullname, ext),
		Extension:           ext,
		SourceURL:           req.SourceURL,
		SourcePlatform:      platform,
		TotalSizeBytes:      req.TotalSizeBytes,
		DownloadedSizeBytes: 0,
		Status:              models.StatusWaiting,
		Description:         req.Description,
		PreviewURL:          req.PreviewURL,
		Hashes:              models.HashesFromMap(req.Hashes),
		Metadata:            meta,
		CreatedAt:           time.Now(),
	}, nil
}

// checkDestination enforces the collision rules: only one live task per
// destination, and an existing complete model blocks the request unless the
// caller opted into overwrite.
func (m *Manager) checkDestination(task *models.DownloadTask, overwrite bool) error {
	existing, err := m.tasks.LoadAll()
	if err != nil {
		return err
	}
	for _, other := range existing {
		if !other.Live() {
			continue
		}
		if other.ModelType == task.ModelType && other.PathIndex == task.PathIndex && other.RelPath() == task.RelPath() {
			return fmt.Errorf("destination %s already targeted by live task %s: %w",
				task.RelPath(), other.TaskID, models.ErrConflict)
		}
	}

	finalPath := m.finalPath(task)
	if info, err := os.Stat(finalPath); err == nil && !overwrite {
		if task.TotalSizeBytes > 0 && info.Size() == task.TotalSizeBytes && sidecarComplete(finalPath) {
			return fmt.Errorf("destination %s already holds a complete model: %w",
				task.RelPath(), models.ErrConflict)
		}
	}
	return nil
}

// sidecarComplete reports whether the model at finalPath carries a sidecar
// with the fields that mark it as fully downloaded.
func sidecarComplete(finalPath string) bool {
	meta, _, err := sidecar.Read(finalPath)
	return err == nil && sidecar.IsComplete(meta)
}

// UpdateTaskStatus applies a pause, resume or cancel action.
func (m *Manager) UpdateTaskStatus(taskID, action string) error {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}

	switch action {
	case "pause":
		return m.pauseTask(task)
	case "resume":
		return m.resumeTask(task)
	case "cancel":
		return m.cancelTask(task)
	default:
		return models.NewValidationError("status", "unknown action %q", action)
	}
}

func (m *Manager) pauseTask(task *models.DownloadTask) error {
	// A pause after a terminal transition is a no-op, not an error.
	if !models.CanTransition(task.Status, models.StatusPause) {
		if task.Status == models.StatusCompleted || task.Status == models.StatusFailed {
			return nil
		}
		return fmt.Errorf("cannot pause task in status %s: %w", task.Status, models.ErrConflict)
	}
	if m.pool.Pause(task.TaskID) {
		// The runner observes the cancellation and persists the pause.
		return nil
	}
	task.Status = models.StatusPause
	if err := m.tasks.Save(task); err != nil {
		return err
	}
	m.bus.Publish(events.UpdateDownloadTask, task)
	return nil
}

func (m *Manager) resumeTask(task *models.DownloadTask) error {
	switch task.Status {
	case models.StatusCompleted, models.StatusWaiting:
		// Already done, or already queued. Resubmitting a waiting task would
		// hand it to a second worker.
		return nil
	case models.StatusPause, models.StatusFailed:
	default:
		return fmt.Errorf("cannot resume task in status %s: %w", task.Status, models.ErrConflict)
	}
	task.Status = models.StatusWaiting
	task.ErrorMessage = ""
	if err := m.tasks.Save(task); err != nil {
		return err
	}
	m.bus.Publish(events.UpdateDownloadTask, task)
	return m.pool.Submit(task.TaskID)
}

func (m *Manager) cancelTask(task *models.DownloadTask) error {
	if m.pool.Cancel(task.TaskID) {
		// The runner removes the task and its partial file.
		return nil
	}
	return m.removeTask(task, true)
}

// DeleteTask removes a task's bookkeeping regardless of status. A running
// task is canceled first; completed tasks keep their downloaded model file.
func (m *Manager) DeleteTask(taskID string) error {
	unlock := m.lockTask(taskID)
	defer unlock()

	task, err := m.tasks.Get(taskID)
	if err != nil {
		return err
	}
	if m.pool.Cancel(taskID) {
		return nil
	}
	return m.removeTask(task, task.Status != models.StatusCompleted)
}

// removeTask deletes the record and optionally the partial file, then emits
// the deletion event.
func (m *Manager) removeTask(task *models.DownloadTask, removePartial bool) error {
	if removePartial {
		partial := m.partialPath(task.TaskID)
		if err := os.Remove(partial); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warnf("Could not remove partial file %s", partial)
		}
	}
	if err := m.tasks.Delete(task.TaskID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	m.bus.Publish(events.DeleteDownloadTask, map[string]string{"taskId": task.TaskID})
	log.WithField("taskId", task.TaskID).Info("Download task removed")
	return nil
}

// GetTask returns one task by ID.
func (m *Manager) GetTask(taskID string) (*models.DownloadTask, error) {
	return m.tasks.Get(taskID)
}

// ListTasks returns all tasks, newest first, for reconnect resync.
func (m *Manager) ListTasks() ([]*models.DownloadTask, error) {
	tasks, err := m.tasks.LoadAll()
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// runTask is the pool runner: it performs one "doing" interval for a task
// and routes the outcome.
func (m *Manager) runTask(ctx context.Context, taskID string) {
	unlock := m.lockTask(taskID)
	task, err := m.tasks.Get(taskID)
	unlock()
	if err != nil {
		log.WithError(err).Warnf("Task %s vanished before its worker started", taskID)
		return
	}
	// Only a waiting task may claim a worker. A stale queue entry for a task
	// that was paused, canceled or completed in the meantime is dropped here.
	if task.Status != models.StatusWaiting {
		log.WithField("taskId", taskID).Debugf("Skipping run for task in status %s", task.Status)
		return
	}

	task.Status = models.StatusDoing
	if err := m.saveAndNotify(task); err != nil {
		log.WithError(err).Errorf("Could not persist doing state for task %s", taskID)
		return
	}

	finalPath := m.finalPath(task)
	if m.alreadyComplete(task, finalPath) {
		// Short-circuit: the model is already on disk; finalize merges any
		// new request metadata into the sidecar.
		if err := m.finalize(task, finalPath, false); err != nil {
			m.failTask(task, err)
		}
		return
	}

	partial := m.partialPath(task.TaskID)
	err = m.worker.Fetch(ctx, task, partial, func(downloaded, total int64, bps float64) {
		task.DownloadedSizeBytes = downloaded
		task.BytesPerSecond = bps
		if err := m.saveAndNotify(task); err != nil {
			log.WithError(err).Debugf("Progress save failed for task %s", taskID)
		}
	})

	switch {
	case err == nil:
		if ferr := m.finalize(task, finalPath, true); ferr != nil {
			m.failTask(task, ferr)
		}
	case ctx.Err() != nil:
		m.handleInterrupt(ctx, task)
	default:
		m.failTask(task, err)
	}
}

// handleInterrupt persists the outcome of a pause or cancel observed by the
// worker.
func (m *Manager) handleInterrupt(ctx context.Context, task *models.DownloadTask) {
	unlock := m.lockTask(task.TaskID)
	defer unlock()

	if errors.Is(context.Cause(ctx), pool.CauseCancel) {
		if err := m.removeTask(task, true); err != nil {
			log.WithError(err).Errorf("Could not remove canceled task %s", task.TaskID)
		}
		return
	}
	// Pause (or shutdown): keep the partial file and offset.
	task.Status = models.StatusPause
	task.BytesPerSecond = 0
	if err := m.saveAndNotify(task); err != nil {
		log.WithError(err).Errorf("Could not persist pause for task %s", task.TaskID)
	}
	log.WithFields(log.Fields{
		"taskId":     task.TaskID,
		"downloaded": task.DownloadedSizeBytes,
	}).Info("Download paused")
}

func (m *Manager) failTask(task *models.DownloadTask, cause error) {
	unlock := m.lockTask(task.TaskID)
	defer unlock()

	task.Status = models.StatusFailed
	task.ErrorMessage = cause.Error()
	task.BytesPerSecond = 0
	if err := m.tasks.Save(task); err != nil {
		log.WithError(err).Errorf("Could not persist failure for task %s", task.TaskID)
	}
	m.bus.Publish(events.ErrorDownloadTask, map[string]string{
		"taskId": task.TaskID,
		"error":  cause.Error(),
	})
	log.WithError(cause).Errorf("Download task %s failed", task.TaskID)
}

// finalize turns a fully transferred (or already present) model into its
// final on-disk triple: model file, sidecar and preview. It is idempotent;
// calling it again for a completed task changes nothing and fires no second
// event.
func (m *Manager) finalize(task *models.DownloadTask, finalPath string, fromPartial bool) error {
	unlock := m.lockTask(task.TaskID)
	defer unlock()

	if task.Status == models.StatusCompleted {
		return nil
	}

	if fromPartial {
		partial := m.partialPath(task.TaskID)

		if task.TotalSizeBytes > 0 && task.DownloadedSizeBytes != task.TotalSizeBytes {
			return fmt.Errorf("size mismatch: got %d of %d bytes: %w",
				task.DownloadedSizeBytes, task.TotalSizeBytes, models.ErrIntegrity)
		}
		if !task.Hashes.Empty() && !helpers.CheckHash(partial, task.Hashes) {
			return fmt.Errorf("downloaded file does not match any provided hash: %w", models.ErrIntegrity)
		}

		if !helpers.CheckAndMakeDir(filepath.Dir(finalPath)) {
			return fmt.Errorf("creating destination directory for %s", finalPath)
		}
		if err := os.Rename(partial, finalPath); err != nil {
			return fmt.Errorf("moving %s into place: %w", task.RelPath(), err)
		}
	}

	m.writeSidecar(task, finalPath)
	m.fetchPreview(task, finalPath)

	task.Status = models.StatusCompleted
	task.BytesPerSecond = 0
	if err := m.tasks.Save(task); err != nil {
		return err
	}

	record := m.recordForTask(task, finalPath)
	m.bus.Publish(events.CompleteDownloadTask, record)

	m.notifyMu.Lock()
	notify := m.notify
	m.notifyMu.Unlock()
	if notify != nil {
		notify(record)
	}

	if !m.cfg.KeepCompletedTasks {
		if err := m.tasks.Delete(task.TaskID); err != nil {
			log.WithError(err).Warnf("Could not drop completed task record %s", task.TaskID)
		}
	}

	log.WithFields(log.Fields{
		"taskId": task.TaskID,
		"dest":   task.RelPath(),
		"size":   helpers.BytesToSize(uint64(task.TotalSizeBytes)),
	}).Info("Download completed")
	return nil
}

// writeSidecar merges the task's metadata into the model's sidecar. Existing
// sidecar fields win; only missing fields are patched in, so a re-download
// never clobbers operator edits.
func (m *Manager) writeSidecar(task *models.DownloadTask, finalPath string) {
	unlockPath := m.locker.Lock(sidecar.Path(finalPath))
	defer unlockPath()

	meta, body, err := sidecar.Read(finalPath)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		log.WithError(err).Warnf("Could not read existing sidecar for %s", finalPath)
	}

	if meta.Website == "" {
		meta.Website = task.Metadata.Website
	}
	if meta.ModelPage == "" {
		meta.ModelPage = task.Metadata.ModelPage
	}
	if meta.ModelPage == "" {
		meta.ModelPage = task.SourceURL
	}
	if meta.Author == "" {
		meta.Author = task.Metadata.Author
	}
	if meta.BaseModel == "" {
		meta.BaseModel = task.Metadata.BaseModel
	}
	if len(meta.Hashes) == 0 {
		meta.Hashes = task.Hashes.Map()
	}
	if len(meta.TrainedWords) == 0 {
		meta.TrainedWords = task.Metadata.TrainedWords
	}
	if len(meta.Preview) == 0 && task.PreviewURL != "" {
		meta.Preview = []string{task.PreviewURL}
	}

	if body == "" {
		body = sidecar.BuildBody(task.Description, meta.TrainedWords)
	}

	if err := sidecar.Write(finalPath, meta, body); err != nil {
		log.WithError(err).Warnf("Could not write sidecar for %s", finalPath)
	}
}

// fetchPreview downloads the preview image next to the model file. Preview
// failures never fail the task.
func (m *Manager) fetchPreview(task *models.DownloadTask, finalPath string) {
	if task.PreviewURL == "" || sidecar.FindPreview(finalPath) != "" {
		return
	}

	resp, err := m.client.Get(task.PreviewURL)
	if err != nil {
		log.WithError(err).Warnf("Preview download failed for task %s", task.TaskID)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Warnf("Preview download for task %s returned %s", task.TaskID, resp.Status)
		return
	}

	ext := previewExtension(resp.Header.Get("Content-Type"), task.PreviewURL)
	target := sidecar.PreviewPath(finalPath, ext)
	tmp := target + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		log.WithError(err).Warnf("Could not create preview file for task %s", task.TaskID)
		return
	}
	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(tmp)
		log.Warnf("Preview write failed for task %s", task.TaskID)
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		log.WithError(err).Warnf("Could not move preview into place for task %s", task.TaskID)
	}
}

func previewExtension(contentType, previewURL string) string {
	if mediatype, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediatype {
		case "image/webp":
			return ".webp"
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		case "image/gif":
			return ".gif"
		}
	}
	if ext := strings.ToLower(path.Ext(strings.SplitN(previewURL, "?", 2)[0])); ext != "" {
		return ext
	}
	return ".png"
}

// alreadyComplete applies the existing-file policy: a destination file counts
// as complete only when its size matches the expected total and its sidecar
// carries the completeness fields. A file of unknown expected size is never
// trusted; the transfer runs and learns the size from the server.
func (m *Manager) alreadyComplete(task *models.DownloadTask, finalPath string) bool {
	if task.TotalSizeBytes <= 0 {
		return false
	}
	info, err := os.Stat(finalPath)
	if err != nil || info.Size() != task.TotalSizeBytes {
		return false
	}
	if !sidecarComplete(finalPath) {
		return false
	}
	task.DownloadedSizeBytes = info.Size()
	log.WithField("taskId", task.TaskID).Info("Destination already complete, skipping transfer")
	return true
}

func (m *Manager) recordForTask(task *models.DownloadTask, finalPath string) *models.ModelRecord {
	meta, body, err := sidecar.Read(finalPath)
	if err != nil {
		meta = models.SidecarMeta{}
	}
	now := time.Now()
	return &models.ModelRecord{
		ModelType:   task.ModelType,
		PathIndex:   task.PathIndex,
		SubFolder:   task.SubFolder,
		Basename:    task.Basename,
		Extension:   task.Extension,
		SizeBytes:   task.TotalSizeBytes,
		CreatedAt:   now,
		UpdatedAt:   now,
		Preview:     sidecar.FindPreview(finalPath),
		Description: body,
		Metadata:    meta,
	}
}

func (m *Manager) saveAndNotify(task *models.DownloadTask) error {
	if err := m.tasks.Save(task); err != nil {
		return err
	}
	m.bus.Publish(events.UpdateDownloadTask, task)
	return nil
}

// finalPath resolves a task's destination under its configured model root.
func (m *Manager) finalPath(task *models.DownloadTask) string {
	roots := m.cfg.ModelRoots[task.ModelType]
	root := roots[task.PathIndex]
	return filepath.Join(root, filepath.FromSlash(task.RelPath()))
}

// partialPath names the in-flight file under the download directory.
func (m *Manager) partialPath(taskID string) string {
	return filepath.Join(m.cfg.DownloadPath, taskID+partialExtension)
}

// lockTask serializes state transitions per task, never across tasks.
func (m *Manager) lockTask(taskID string) func() {
	m.taskMu.Lock()
	mu, ok := m.locks[taskID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[taskID] = mu
	}
	m.taskMu.Unlock()

	mu.Lock()
	return mu.Unlock
}
