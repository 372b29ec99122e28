// Package server exposes the download and scan subsystems over HTTP, plus a
// Server-Sent Events push channel. Push events are best-effort; clients
// resync through the list endpoints on reconnect.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go-model-manager/internal/events"
	"go-model-manager/internal/helpers"
	"go-model-manager/internal/manager"
	"go-model-manager/internal/models"
	"go-model-manager/internal/scanner"
	"go-model-manager/internal/sidecar"

	log "github.com/sirupsen/logrus"
)

// Server wires the HTTP handlers to the download manager and scan engine.
type Server struct {
	cfg     *models.Config
	manager *manager.Manager
	engine  *scanner.Engine
	bus     *events.Bus
}

// New builds the HTTP server facade.
func New(cfg *models.Config, m *manager.Manager, e *scanner.Engine, bus *events.Bus) *Server {
	return &Server{cfg: cfg, manager: m, engine: e, bus: bus}
}

// Routes builds the request multiplexer.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/download", s.handleCreateDownload)
	mux.HandleFunc("GET /api/download/task", s.handleListTasks)
	mux.HandleFunc("GET /api/download/status/{taskId}", s.handleTaskStatus)
	mux.HandleFunc("PUT /api/download/{taskId}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/download/{taskId}", s.handleDeleteTask)

	mux.HandleFunc("GET /api/models", s.handleModelRoots)
	mux.HandleFunc("GET /api/models/search", s.handleSearch)
	mux.HandleFunc("GET /api/models/{folder}", s.handleListModels)

	mux.HandleFunc("GET /api/scan/start", s.handleStartScan)
	mux.HandleFunc("GET /api/scan/status/{taskId}", s.handleScanStatus)

	mux.HandleFunc("GET /api/model/{folder}/{index}/{path...}", s.handleModelInfo)
	mux.HandleFunc("PUT /api/model/{folder}/{index}/{path...}", s.handleModelUpdate)
	mux.HandleFunc("DELETE /api/model/{folder}/{index}/{path...}", s.handleModelDelete)

	mux.HandleFunc("GET /api/settings/apikey", s.handleGetAPIKeys)
	mux.HandleFunc("PUT /api/settings/apikey", s.handleSetAPIKey)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	var handler http.Handler = mux
	if s.cfg.LogHttpRequests {
		handler = logRequests(handler)
	}
	return handler
}

// --- Download endpoints ---

func (s *Server) handleCreateDownload(w http.ResponseWriter, r *http.Request) {
	var req manager.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.NewValidationError("body", "invalid JSON: %v", err))
		return
	}
	task, err := s.manager.CreateTask(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]string{"taskId": task.TaskID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.manager.ListTasks()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, tasks)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.GetTask(r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, task)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.NewValidationError("body", "invalid JSON: %v", err))
		return
	}
	if err := s.manager.UpdateTaskStatus(r.PathValue("taskId"), body.Status); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteTask(r.PathValue("taskId")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, nil)
}

// --- Model endpoints ---

func (s *Server) handleModelRoots(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.cfg.ModelRoots)
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	records, err := s.engine.ListModels(r.PathValue("folder"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, records)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, models.NewValidationError("q", "query must not be empty"))
		return
	}
	result, err := s.engine.Search(query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, result)
}

// --- Scan endpoints ---

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	mode := r.URL.Query().Get("mode")
	taskID, err := s.engine.StartScan(folder, mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]string{"taskId": taskID})
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	task, partial, err := s.engine.GetScanTask(r.PathValue("taskId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]interface{}{
		"task":    task,
		"results": partial,
	})
}

// --- Per-model metadata endpoints ---

// resolveModel maps the {folder}/{index}/{path...} triple to an absolute
// model path inside a configured root.
func (s *Server) resolveModel(r *http.Request) (string, *models.ModelRecord, error) {
	folder := r.PathValue("folder")
	roots, ok := s.cfg.ModelRoots[folder]
	if !ok {
		return "", nil, models.NewValidationError("folder", "unknown model type %q", folder)
	}
	idx, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || idx < 0 || idx >= len(roots) {
		return "", nil, models.NewValidationError("index", "path index out of range")
	}
	rel := helpers.NormalizePath(r.PathValue("path"))
	if rel == "" || strings.Contains(rel, "..") {
		return "", nil, models.NewValidationError("path", "invalid model path")
	}

	full := filepath.Join(roots[idx], filepath.FromSlash(rel))
	if _, statErr := os.Stat(full); statErr != nil {
		return "", nil, fmt.Errorf("model %s: %w", rel, models.ErrNotFound)
	}

	ext := filepath.Ext(rel)
	subFolder := ""
	if dir := filepath.Dir(rel); dir != "." {
		subFolder = helpers.NormalizePath(dir)
	}
	record := &models.ModelRecord{
		ModelType: folder,
		PathIndex: idx,
		SubFolder: subFolder,
		Basename:  strings.TrimSuffix(filepath.Base(rel), ext),
		Extension: ext,
	}
	return full, record, nil
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	full, record, err := s.resolveModel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	meta, body, err := sidecar.Read(full)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		writeError(w, err)
		return
	}
	record.Metadata = meta
	record.Description = body
	record.Preview = sidecar.FindPreview(full)
	if info, statErr := os.Stat(full); statErr == nil {
		record.SizeBytes = info.Size()
		record.UpdatedAt = info.ModTime()
	}
	writeData(w, record)
}

func (s *Server) handleModelUpdate(w http.ResponseWriter, r *http.Request) {
	full, record, err := s.resolveModel(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Description  *string  `json:"description"`
		TrainedWords []string `json:"trainedWords"`
		BaseModel    *string  `json:"baseModel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.NewValidationError("body", "invalid JSON: %v", err))
		return
	}

	meta, text, err := sidecar.Read(full)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		writeError(w, err)
		return
	}
	if body.Description != nil {
		text = *body.Description
	}
	if body.TrainedWords != nil {
		meta.TrainedWords = body.TrainedWords
	}
	if body.BaseModel != nil {
		meta.BaseModel = *body.BaseModel
	}
	if err := sidecar.Write(full, meta, text); err != nil {
		writeError(w, err)
		return
	}

	s.engine.RefreshFromDisk(record, full)
	writeData(w, nil)
}

func (s *Server) handleModelDelete(w http.ResponseWriter, r *http.Request) {
	full, record, err := s.resolveModel(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := os.Remove(full); err != nil {
		writeError(w, fmt.Errorf("removing model file: %w", err))
		return
	}
	if err := os.Remove(sidecar.Path(full)); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Could not remove sidecar for %s", full)
	}
	if preview := sidecar.FindPreview(full); preview != "" {
		if err := os.Remove(preview); err != nil {
			log.WithError(err).Warnf("Could not remove preview for %s", full)
		}
	}

	s.engine.RemoveRecord(record)
	writeData(w, nil)
}

// --- Settings endpoints ---

func (s *Server) handleGetAPIKeys(w http.ResponseWriter, r *http.Request) {
	masked := make(map[string]string, len(s.cfg.ApiKeys))
	for platform, key := range s.cfg.ApiKeys {
		masked[platform] = maskKey(key)
	}
	writeData(w, masked)
}

func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Platform string `json:"platform"`
		Key      string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, models.NewValidationError("body", "invalid JSON: %v", err))
		return
	}
	known := false
	for _, p := range models.KnownPlatforms {
		if p == body.Platform {
			known = true
			break
		}
	}
	if !known {
		writeError(w, models.NewValidationError("platform", "unknown platform %q", body.Platform))
		return
	}
	if body.Key == "" {
		delete(s.cfg.ApiKeys, body.Platform)
	} else {
		s.cfg.ApiKeys[body.Platform] = body.Key
	}
	log.WithField("platform", body.Platform).Info("API key updated")
	writeData(w, nil)
}

// maskKey hides the middle of an API key, keeping enough for recognition.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// --- Push channel ---

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, dispose := s.bus.Subscribe()
	defer dispose()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			data, err := ev.Encode()
			if err != nil {
				log.WithError(err).Warn("Could not encode push event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		}
	}
}

// --- Response helpers ---

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		log.WithError(err).Warn("Could not encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	if encErr := json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()}); encErr != nil {
		log.WithError(encErr).Warn("Could not encode error response")
	}
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("Request handled")
	})
}
