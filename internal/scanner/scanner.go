// Package scanner implements the model scan/cache engine: it walks the
// configured model folders, parses sidecar metadata, dedupes records by
// identity and keeps a per-folder cache with a TTL. The in-memory result
// set is owned exclusively by the engine; other components go through its
// API and never mutate it directly.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go-model-manager/index"
	"go-model-manager/internal/events"
	"go-model-manager/internal/helpers"
	"go-model-manager/internal/models"
	"go-model-manager/internal/sidecar"
	"go-model-manager/internal/store"
)

// errScanCanceled reports a cooperative cancellation observed between files.
var errScanCanceled = errors.New("scan canceled")

type scanState struct {
	task    *models.ScanTask
	cancel  context.CancelFunc
	partial []*models.ModelRecord
}

// Engine coordinates scan tasks and owns the scan result cache.
type Engine struct {
	cfg    *models.Config
	cache  *store.ScanCacheStore
	bus    *events.Bus
	locker *sidecar.Locker
	idx    bleve.Index

	mu      sync.Mutex
	byID    map[string]*scanState // scan task ID -> state
	live    map[string]string     // model type -> live scan task ID
	results map[string][]*models.ModelRecord
}

// New builds a scan engine. idx may be nil to run without a search index.
func New(cfg *models.Config, cache *store.ScanCacheStore, bus *events.Bus, locker *sidecar.Locker, idx bleve.Index) *Engine {
	return &Engine{
		cfg:     cfg,
		cache:   cache,
		bus:     bus,
		locker:  locker,
		idx:     idx,
		byID:    make(map[string]*scanState),
		live:    make(map[string]string),
		results: make(map[string][]*models.ModelRecord),
	}
}

// StartScan launches a scan of one model type's folders. mode "full"
// re-parses every file; "diff" only processes files lacking extracted
// metadata. Only one live scan per folder is allowed; a second request is
// rejected with a conflict.
func (e *Engine) StartScan(modelType, mode string) (string, error) {
	if mode == "" {
		mode = models.ScanModeDiff
	}
	if mode != models.ScanModeFull && mode != models.ScanModeDiff {
		return "", models.NewValidationError("mode", "must be %q or %q", models.ScanModeFull, models.ScanModeDiff)
	}
	if _, ok := e.cfg.ModelRoots[modelType]; !ok {
		return "", models.NewValidationError("folder", "unknown model type %q", modelType)
	}
	for _, excluded := range e.cfg.ExcludeScanTypes {
		if excluded == modelType {
			return "", models.NewValidationError("folder", "model type %q is excluded from scanning", modelType)
		}
	}

	e.mu.Lock()
	if liveID, ok := e.live[modelType]; ok {
		e.mu.Unlock()
		return "", fmt.Errorf("scan %s already running for folder %s: %w", liveID, modelType, models.ErrConflict)
	}

	ctx, cancel := context.WithCancel(context.Background())
	task := &models.ScanTask{
		TaskID:    uuid.NewString(),
		Folder:    modelType,
		Mode:      mode,
		Status:    models.StatusDoing,
		StartedAt: time.Now(),
	}
	state := &scanState{task: task, cancel: cancel}
	e.byID[task.TaskID] = state
	e.live[modelType] = task.TaskID
	e.mu.Unlock()

	log.WithFields(log.Fields{
		"taskId": task.TaskID,
		"folder": modelType,
		"mode":   mode,
	}).Info("Scan started")

	go e.runScan(ctx, state)
	return task.TaskID, nil
}

// GetScanTask returns a scan task's current state and partial results.
func (e *Engine) GetScanTask(taskID string) (*models.ScanTask, []*models.ModelRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.byID[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("scan task %s: %w", taskID, models.ErrNotFound)
	}
	taskCopy := *state.task
	partial := append([]*models.ModelRecord(nil), state.partial...)
	return &taskCopy, partial, nil
}

// Cancel stops a live scan. Canceling a finished scan is a no-op.
func (e *Engine) Cancel(taskID string) error {
	e.mu.Lock()
	state, ok := e.byID[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("scan task %s: %w", taskID, models.ErrNotFound)
	}
	state.cancel()
	return nil
}

// ListModels returns the records for a model type. A fresh cache snapshot is
// served directly; a stale one is served immediately while a background diff
// scan refreshes it; no snapshot at all forces a synchronous scan.
func (e *Engine) ListModels(modelType string) ([]*models.ModelRecord, error) {
	if _, ok := e.cfg.ModelRoots[modelType]; !ok {
		return nil, models.NewValidationError("folder", "unknown model type %q", modelType)
	}

	e.mu.Lock()
	if records, ok := e.results[modelType]; ok {
		out := append([]*models.ModelRecord(nil), records...)
		e.mu.Unlock()
		return out, nil
	}
	e.mu.Unlock()

	records, fresh, err := e.cache.Get(modelType)
	if err != nil {
		return nil, err
	}
	if fresh {
		e.setResults(modelType, records)
		return records, nil
	}

	stale, _, err := e.cache.GetStale(modelType)
	if err != nil {
		return nil, err
	}
	if stale != nil {
		// Stale-but-fast: return what we have, refresh in the background.
		if _, err := e.StartScan(modelType, models.ScanModeDiff); err != nil && !errors.Is(err, models.ErrConflict) {
			log.WithError(err).Warnf("Background refresh scan for %s failed to start", modelType)
		}
		return stale, nil
	}

	// No snapshot at all: scan through the regular task path so the
	// one-live-scan-per-folder rule holds, then wait for the result. A
	// conflict means another caller's scan is already filling the cache.
	taskID, err := e.StartScan(modelType, models.ScanModeDiff)
	if err != nil {
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
		taskID = ""
	}
	e.waitForFolder(modelType)

	e.mu.Lock()
	records, ok := e.results[modelType]
	out := append([]*models.ModelRecord(nil), records...)
	e.mu.Unlock()
	if ok {
		return out, nil
	}
	if taskID != "" {
		if task, _, terr := e.GetScanTask(taskID); terr == nil && task.Error != "" {
			return nil, fmt.Errorf("scanning %s: %s", modelType, task.Error)
		}
	}
	return nil, fmt.Errorf("scanning %s produced no snapshot", modelType)
}

// waitForFolder blocks until no scan is live for the model type.
func (e *Engine) waitForFolder(modelType string) {
	for {
		e.mu.Lock()
		_, running := e.live[modelType]
		e.mu.Unlock()
		if !running {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// PatchRecord inserts or replaces one record in the engine's result set and
// cache without a rescan. Called when a download completes.
func (e *Engine) PatchRecord(record *models.ModelRecord) {
	e.mu.Lock()
	records := e.results[record.ModelType]
	replaced := false
	for i, existing := range records {
		if existing.Identity() == record.Identity() {
			records[i] = record
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, record)
	}
	e.results[record.ModelType] = records
	out := append([]*models.ModelRecord(nil), records...)
	e.mu.Unlock()

	if err := e.cache.Save(record.ModelType, out); err != nil {
		log.WithError(err).Warnf("Could not persist cache patch for %s", record.ModelType)
	}
	if e.idx != nil {
		if err := index.IndexRecord(e.idx, record); err != nil {
			log.WithError(err).Warnf("Could not index record %s", record.Identity())
		}
	}
	log.WithField("identity", record.Identity()).Debug("Scan cache patched")
}

// RemoveRecord drops one record from the result set, cache and search index.
// Called when a model is deleted.
func (e *Engine) RemoveRecord(record *models.ModelRecord) {
	identity := record.Identity()

	e.mu.Lock()
	records := e.results[record.ModelType]
	for i, existing := range records {
		if existing.Identity() == identity {
			records = append(records[:i], records[i+1:]...)
			break
		}
	}
	e.results[record.ModelType] = records
	out := append([]*models.ModelRecord(nil), records...)
	e.mu.Unlock()

	if err := e.cache.Save(record.ModelType, out); err != nil {
		log.WithError(err).Warnf("Could not persist cache removal for %s", record.ModelType)
	}
	if e.idx != nil {
		if err := index.DeleteRecord(e.idx, identity); err != nil {
			log.WithError(err).Warnf("Could not deindex record %s", identity)
		}
	}
}

// Search runs a query-string search over the indexed records.
func (e *Engine) Search(query string) (*bleve.SearchResult, error) {
	if e.idx == nil {
		return nil, fmt.Errorf("search index not configured: %w", models.ErrNotFound)
	}
	return index.SearchIndex(e.idx, query)
}

func (e *Engine) runScan(ctx context.Context, state *scanState) {
	task := state.task
	records, err := e.scanType(ctx, state, task.Folder, task.Mode)

	e.mu.Lock()
	delete(e.live, task.Folder)
	if err != nil {
		task.Status = models.StatusFailed
		task.Error = err.Error()
	} else {
		task.Status = models.StatusCompleted
		state.partial = records
	}
	e.mu.Unlock()

	if err != nil {
		e.bus.Publish(events.ErrorScanTask, map[string]string{
			"taskId": task.TaskID,
			"error":  err.Error(),
		})
		log.WithError(err).Errorf("Scan %s failed", task.TaskID)
		return
	}

	e.bus.Publish(events.CompleteScanTask, map[string]interface{}{
		"taskId":  task.TaskID,
		"folder":  task.Folder,
		"results": records,
	})
	log.WithFields(log.Fields{
		"taskId":  task.TaskID,
		"folder":  task.Folder,
		"records": len(records),
	}).Info("Scan completed")
}

// scanType walks every configured root of a model type and returns the
// deduplicated record set. The new set fully replaces the previous one.
func (e *Engine) scanType(ctx context.Context, state *scanState, modelType, mode string) ([]*models.ModelRecord, error) {
	roots := e.cfg.ModelRoots[modelType]
	seen := make(map[string]bool)
	var records []*models.ModelRecord

	for pathIndex, root := range roots {
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.WithError(err).Warnf("Skipping unreadable path %s", path)
				return nil
			}
			if ctx != nil && ctx.Err() != nil {
				return errScanCanceled
			}
			if path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}

			record, ok := e.recordFor(modelType, pathIndex, root, path, d, mode)
			if !ok {
				return nil
			}
			if seen[record.Identity()] {
				return nil
			}
			seen[record.Identity()] = true
			records = append(records, record)

			if state != nil {
				e.mu.Lock()
				state.partial = append(state.partial, record)
				e.mu.Unlock()
				e.bus.Publish(events.UpdateScanTask, map[string]string{
					"taskId": state.task.TaskID,
					"file":   record.RelPath(),
				})
			}
			return nil
		})
		if walkErr != nil {
			if errors.Is(walkErr, errScanCanceled) {
				return nil, errScanCanceled
			}
			return nil, fmt.Errorf("walking %s: %w", root, walkErr)
		}
	}

	e.setResults(modelType, records)
	if err := e.cache.Save(modelType, records); err != nil {
		log.WithError(err).Warnf("Could not persist scan cache for %s", modelType)
	}
	if e.idx != nil {
		if err := index.ReplaceType(e.idx, modelType, records); err != nil {
			log.WithError(err).Warnf("Could not reindex %s", modelType)
		}
	}
	return records, nil
}

// recordFor builds the record for one directory entry, extracting and
// writing back sidecar metadata when needed.
func (e *Engine) recordFor(modelType string, pathIndex int, root, path string, d fs.DirEntry, mode string) (*models.ModelRecord, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return nil, false
	}
	rel = helpers.NormalizePath(rel)
	subFolder := helpers.NormalizePath(filepath.Dir(rel))
	if subFolder == "." {
		subFolder = ""
	}

	info, err := d.Info()
	if err != nil {
		return nil, false
	}

	if d.IsDir() {
		return &models.ModelRecord{
			ModelType: modelType,
			PathIndex: pathIndex,
			SubFolder: subFolder,
			Basename:  d.Name(),
			IsFolder:  true,
			CreatedAt: info.ModTime(),
			UpdatedAt: info.ModTime(),
		}, true
	}

	ext := filepath.Ext(d.Name())
	if !models.IsModelFileExtension(ext) {
		return nil, false
	}

	meta, body := e.extractMetadata(path, mode)

	return &models.ModelRecord{
		ModelType:   modelType,
		PathIndex:   pathIndex,
		SubFolder:   subFolder,
		Basename:    strings.TrimSuffix(d.Name(), ext),
		Extension:   ext,
		SizeBytes:   info.Size(),
		CreatedAt:   info.ModTime(),
		UpdatedAt:   info.ModTime(),
		Preview:     sidecar.FindPreview(path),
		Description: body,
		Metadata:    meta,
	}, true
}

// extractMetadata reads a model's sidecar and, in full mode or when the
// sidecar lacks extracted fields, rebuilds what it can: trigger words are
// parsed out of the description body and a content hash is computed. The
// patched sidecar is written back so the next diff scan skips the file.
func (e *Engine) extractMetadata(path, mode string) (models.SidecarMeta, string) {
	meta, body, err := sidecar.Read(path)
	hasSidecar := err == nil

	needsExtraction := mode == models.ScanModeFull || !hasSidecar || len(meta.Hashes) == 0
	if !needsExtraction {
		return meta, body
	}

	changed := !hasSidecar
	if len(meta.TrainedWords) == 0 {
		if words := sidecar.TriggerWordsFromBody(body); len(words) > 0 {
			meta.TrainedWords = words
			changed = true
		}
	}
	if len(meta.Hashes) == 0 {
		if sum, err := helpers.FileSHA256(path); err == nil {
			meta.Hashes = map[string]string{"SHA256": sum}
			changed = true
		} else {
			log.WithError(err).Warnf("Could not hash %s", path)
		}
	}
	if preview := sidecar.FindPreview(path); preview != "" && len(meta.Preview) == 0 {
		meta.Preview = []string{filepath.Base(preview)}
		changed = true
	}

	if changed {
		unlock := e.locker.Lock(sidecar.Path(path))
		if err := sidecar.Write(path, meta, body); err != nil {
			log.WithError(err).Warnf("Could not write extracted sidecar for %s", path)
		}
		unlock()
	}
	return meta, body
}

func (e *Engine) setResults(modelType string, records []*models.ModelRecord) {
	e.mu.Lock()
	e.results[modelType] = records
	e.mu.Unlock()
}

// InvalidateFolder drops the in-memory and persisted snapshots for a model
// type, forcing the next listing to rescan.
func (e *Engine) InvalidateFolder(modelType string) {
	e.mu.Lock()
	delete(e.results, modelType)
	e.mu.Unlock()
	if err := e.cache.Invalidate(modelType); err != nil {
		log.WithError(err).Warnf("Could not invalidate cache for %s", modelType)
	}
}

// RefreshFromDisk re-reads one model's sidecar and preview from disk and
// patches the cached record. Used after metadata edits.
func (e *Engine) RefreshFromDisk(record *models.ModelRecord, fullPath string) {
	meta, body, err := sidecar.Read(fullPath)
	if err == nil {
		record.Metadata = meta
		record.Description = body
	}
	record.Preview = sidecar.FindPreview(fullPath)
	if info, statErr := os.Stat(fullPath); statErr == nil {
		record.SizeBytes = info.Size()
		record.UpdatedAt = info.ModTime()
	}
	e.PatchRecord(record)
}
