package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-model-manager/internal/database"
	"go-model-manager/internal/models"

	log "github.com/sirupsen/logrus"
)

// TaskStore persists download task records in the key/value database.
// Each record is written as one JSON document, so a crash between writes
// never leaves a half-updated record behind.
type TaskStore struct {
	db *database.DB
}

// NewTaskStore wraps an open database.
func NewTaskStore(db *database.DB) *TaskStore {
	return &TaskStore{db: db}
}

// Save writes the task record, replacing any previous version.
func (s *TaskStore) Save(task *models.DownloadTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshalling task %s: %w", task.TaskID, err)
	}
	if err := s.db.Put(database.TaskKey(task.TaskID), data); err != nil {
		return fmt.Errorf("saving task %s: %w", task.TaskID, err)
	}
	return nil
}

// Get loads a single task by ID. Returns models.ErrNotFound when the task
// does not exist.
func (s *TaskStore) Get(taskID string) (*models.DownloadTask, error) {
	data, err := s.db.Get(database.TaskKey(taskID))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("loading task %s: %w", taskID, err)
	}
	var task models.DownloadTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshalling task %s: %w", taskID, err)
	}
	return &task, nil
}

// Delete removes a task record. Deleting a missing task returns
// models.ErrNotFound.
func (s *TaskStore) Delete(taskID string) error {
	err := s.db.Delete(database.TaskKey(taskID))
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("task %s: %w", taskID, models.ErrNotFound)
	}
	return err
}

// LoadAll returns every persisted task.
func (s *TaskStore) LoadAll() ([]*models.DownloadTask, error) {
	var tasks []*models.DownloadTask
	err := s.db.Fold(func(key []byte, value []byte) error {
		if !database.HasPrefix(key, database.TaskKeyPrefix) {
			return nil
		}
		var task models.DownloadTask
		if err := json.Unmarshal(value, &task); err != nil {
			log.WithError(err).Warnf("Skipping undecodable task record %s", string(key))
			return nil
		}
		tasks = append(tasks, &task)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	return tasks, nil
}

// Recover loads every persisted task for startup. Tasks found in the "doing"
// state are demoted to "pause": a task can only be mid-transfer in the store
// if the previous process died, and a recovered task must wait for an
// explicit resume. Only call this before any worker runs.
func (s *TaskStore) Recover() ([]*models.DownloadTask, error) {
	tasks, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if task.Status != models.StatusDoing {
			continue
		}
		log.WithField("taskId", task.TaskID).Info("Recovered interrupted download, pausing")
		task.Status = models.StatusPause
		if err := s.Save(task); err != nil {
			log.WithError(err).Warnf("Failed to persist pause for recovered task %s", task.TaskID)
		}
	}
	return tasks, nil
}

// scanCacheEntry is the stored snapshot of one model type's scan results.
type scanCacheEntry struct {
	ScannedAt time.Time             `json:"scannedAt"`
	Records   []*models.ModelRecord `json:"records"`
}

// ScanCacheStore persists scan result snapshots per model type with a TTL.
type ScanCacheStore struct {
	db  *database.DB
	ttl time.Duration
}

// NewScanCacheStore wraps an open database with the given freshness window.
func NewScanCacheStore(db *database.DB, ttl time.Duration) *ScanCacheStore {
	return &ScanCacheStore{db: db, ttl: ttl}
}

// Save stores the scan snapshot for a model type, stamped with the current time.
func (s *ScanCacheStore) Save(modelType string, records []*models.ModelRecord) error {
	entry := scanCacheEntry{ScannedAt: time.Now(), Records: records}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling scan cache for %s: %w", modelType, err)
	}
	if err := s.db.Put(database.ScanCacheKey(modelType), data); err != nil {
		return fmt.Errorf("saving scan cache for %s: %w", modelType, err)
	}
	return nil
}

// Get returns the cached records for a model type if the snapshot is still
// within the TTL. A stale or missing snapshot returns (nil, false, nil).
func (s *ScanCacheStore) Get(modelType string) ([]*models.ModelRecord, bool, error) {
	data, err := s.db.Get(database.ScanCacheKey(modelType))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("loading scan cache for %s: %w", modelType, err)
	}
	var entry scanCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.WithError(err).Warnf("Discarding undecodable scan cache for %s", modelType)
		return nil, false, nil
	}
	if time.Since(entry.ScannedAt) > s.ttl {
		return nil, false, nil
	}
	return entry.Records, true, nil
}

// GetStale returns the cached records regardless of age, along with the time
// they were captured. Used by diff scans as the baseline.
func (s *ScanCacheStore) GetStale(modelType string) ([]*models.ModelRecord, time.Time, error) {
	data, err := s.db.Get(database.ScanCacheKey(modelType))
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("loading scan cache for %s: %w", modelType, err)
	}
	var entry scanCacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, time.Time{}, nil
	}
	return entry.Records, entry.ScannedAt, nil
}

// Invalidate removes the cached snapshot for a model type, forcing the next
// read to rescan. Missing snapshots are ignored.
func (s *ScanCacheStore) Invalidate(modelType string) error {
	err := s.db.Delete(database.ScanCacheKey(modelType))
	if errors.Is(err, database.ErrNotFound) {
		return nil
	}
	return err
}
