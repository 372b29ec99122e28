package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

type (
	Config struct {
		// Paths
		ModelRoots     map[string][]string `toml:"ModelRoots"` // model type -> configured root folders
		DownloadPath   string              `toml:"DownloadPath"`
		DatabasePath   string              `toml:"DatabasePath"`
		BleveIndexPath string              `toml:"BleveIndexPath"`

		// Connection/Auth
		ApiKeys   map[string]string `toml:"ApiKeys"` // platform -> API key
		UserAgent string            `toml:"UserAgent"`

		// Downloader Behavior
		Concurrency        int  `toml:"Concurrency"`
		ChunkTimeoutSec    int  `toml:"ChunkTimeoutSec"`
		MaxRetries         int  `toml:"MaxRetries"`
		KeepCompletedTasks bool `toml:"KeepCompletedTasks"`

		// Scanner Behavior
		ScanCacheTTLSec  int      `toml:"ScanCacheTTLSec"`
		ExcludeScanTypes []string `toml:"ExcludeScanTypes"`

		// Server
		ListenAddr string `toml:"ListenAddr"`

		// Other
		LogHttpRequests bool `toml:"LogHttpRequests"`
	}

	// DownloadTask is the persisted record of a single model download.
	// BytesPerSecond is recomputed while the task runs and never persisted.
	DownloadTask struct {
		TaskID              string      `json:"taskId"`
		ModelType           string      `json:"type"`
		PathIndex           int         `json:"pathIndex"`
		SubFolder           string      `json:"subFolder,omitempty"`
		Basename            string      `json:"basename"`
		Extension           string      `json:"extension"`
		SourceURL           string      `json:"downloadUrl"`
		SourcePlatform      string      `json:"downloadPlatform"`
		TotalSizeBytes      int64       `json:"totalSize"`
		DownloadedSizeBytes int64       `json:"downloadedSize"`
		BytesPerSecond      float64     `json:"bps"`
		Status              string      `json:"status"`
		ErrorMessage        string      `json:"error,omitempty"`
		Description         string      `json:"description,omitempty"`
		PreviewURL          string      `json:"preview,omitempty"`
		Hashes              Hashes      `json:"hashes,omitempty"`
		Metadata            SidecarMeta `json:"metadata,omitempty"`
		CreatedAt           time.Time   `json:"createdAt"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2,omitempty"`
		SHA256 string `json:"SHA256,omitempty"`
		CRC32  string `json:"CRC32,omitempty"`
		BLAKE3 string `json:"BLAKE3,omitempty"`
	}

	// SidecarMeta is the structured front-matter block embedded at the top
	// of a model's sidecar description file.
	SidecarMeta struct {
		Website      string            `yaml:"website,omitempty" json:"website,omitempty"`
		ModelPage    string            `yaml:"modelPage,omitempty" json:"modelPage,omitempty"`
		Author       string            `yaml:"author,omitempty" json:"author,omitempty"`
		BaseModel    string            `yaml:"baseModel,omitempty" json:"baseModel,omitempty"`
		Hashes       map[string]string `yaml:"hashes,omitempty" json:"hashes,omitempty"`
		TrainedWords []string          `yaml:"trainedWords,omitempty" json:"trainedWords,omitempty"`
		Preview      []string          `yaml:"preview,omitempty" json:"preview,omitempty"`
	}

	// ModelRecord is the scan engine's view of one entry under a model root.
	// The (ModelType, PathIndex, SubFolder, Basename, Extension) tuple is the
	// record's identity; nothing else is authoritative across restarts.
	ModelRecord struct {
		ModelType   string      `json:"type"`
		PathIndex   int         `json:"pathIndex"`
		SubFolder   string      `json:"subFolder"`
		Basename    string      `json:"basename"`
		Extension   string      `json:"extension"`
		IsFolder    bool        `json:"isFolder"`
		SizeBytes   int64       `json:"sizeBytes"`
		CreatedAt   time.Time   `json:"createdAt"`
		UpdatedAt   time.Time   `json:"updatedAt"`
		Preview     string      `json:"preview,omitempty"`
		Description string      `json:"description,omitempty"`
		Metadata    SidecarMeta `json:"metadata"`
	}

	// ScanTask tracks one folder enumeration job.
	ScanTask struct {
		TaskID    string    `json:"taskId"`
		Folder    string    `json:"folder"`
		Mode      string    `json:"mode"`
		Status    string    `json:"status"`
		Error     string    `json:"error,omitempty"`
		StartedAt time.Time `json:"startedAt"`
	}
)

// Download task status values.
const (
	StatusWaiting   = "waiting"
	StatusDoing     = "doing"
	StatusPause     = "pause"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Scan modes.
const (
	ScanModeFull = "full"
	ScanModeDiff = "diff"
)

// Download platforms with platform-specific auth rules.
const (
	PlatformCivitai     = "civitai"
	PlatformHuggingFace = "huggingface"
)

// KnownPlatforms lists the platforms a task may be created for.
var KnownPlatforms = []string{PlatformCivitai, PlatformHuggingFace}

// ModelFileExtensions are the file extensions recognized as model files.
var ModelFileExtensions = []string{".safetensors", ".ckpt", ".pt", ".pth", ".bin"}

// IsModelFileExtension reports whether ext (including the leading dot) is a
// recognized model file extension.
func IsModelFileExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, e := range ModelFileExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Fullname returns the destination file name (basename plus extension).
func (t *DownloadTask) Fullname() string {
	return t.Basename + t.Extension
}

// RelPath returns the destination path relative to the selected model root.
func (t *DownloadTask) RelPath() string {
	if t.SubFolder == "" {
		return t.Fullname()
	}
	return path.Join(t.SubFolder, t.Fullname())
}

// Live reports whether the task still owns its destination path. Only one
// live task may target a given destination at a time.
func (t *DownloadTask) Live() bool {
	switch t.Status {
	case StatusWaiting, StatusDoing, StatusPause:
		return true
	}
	return false
}

// CanTransition validates a status change against the task state machine.
// Transitions to the same status are allowed so repeated updates are no-ops.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusWaiting:
		return to == StatusDoing || to == StatusPause
	case StatusDoing:
		return to == StatusPause || to == StatusCompleted || to == StatusFailed
	case StatusPause:
		return to == StatusWaiting
	case StatusFailed:
		return to == StatusWaiting // retry
	}
	return false
}

// Identity returns the record's primary key as a single string, also used as
// the search index document ID.
func (r *ModelRecord) Identity() string {
	return fmt.Sprintf("%s/%d/%s", r.ModelType, r.PathIndex, r.RelPath())
}

// Fullname returns the file name (basename plus extension).
func (r *ModelRecord) Fullname() string {
	return r.Basename + r.Extension
}

// RelPath returns the record's path relative to its root folder.
func (r *ModelRecord) RelPath() string {
	if r.SubFolder == "" {
		return r.Fullname()
	}
	return path.Join(r.SubFolder, r.Fullname())
}

// Empty reports whether no hash value is set.
func (h Hashes) Empty() bool {
	return h.AutoV2 == "" && h.SHA256 == "" && h.CRC32 == "" && h.BLAKE3 == ""
}

// Map converts the hashes to the sidecar front-matter representation,
// omitting empty values.
func (h Hashes) Map() map[string]string {
	m := make(map[string]string)
	if h.AutoV2 != "" {
		m["AutoV2"] = h.AutoV2
	}
	if h.SHA256 != "" {
		m["SHA256"] = h.SHA256
	}
	if h.CRC32 != "" {
		m["CRC32"] = h.CRC32
	}
	if h.BLAKE3 != "" {
		m["BLAKE3"] = h.BLAKE3
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// HashesFromMap builds a Hashes struct from a sidecar front-matter map.
func HashesFromMap(m map[string]string) Hashes {
	return Hashes{
		AutoV2: m["AutoV2"],
		SHA256: m["SHA256"],
		CRC32:  m["CRC32"],
		BLAKE3: m["BLAKE3"],
	}
}
