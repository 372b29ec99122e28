// Package sidecar reads and writes the metadata files stored alongside model
// files. Each model file has up to two companions named after its basename:
// a markdown description with an embedded YAML front-matter block, and a
// preview image. The on-disk files are the source of truth; everything the
// scanner caches is derived from them.
package sidecar

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go-model-manager/internal/models"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	frontMatterDelimiter = "---"
	triggerWordsHeading  = "# Trigger Words"
)

// previewExtensions are the recognized preview image extensions, in the order
// they are searched.
var previewExtensions = []string{".webp", ".png", ".jpg", ".jpeg", ".gif"}

// Path returns the sidecar markdown path for a model file.
func Path(modelPath string) string {
	return strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".md"
}

// PreviewPath returns the preview image path for a model file with the given
// image extension. The ".preview" infix pairs it unambiguously with the model.
func PreviewPath(modelPath, imageExt string) string {
	base := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
	return base + ".preview" + imageExt
}

// FindPreview returns the existing preview image for a model file, or ""
// when none exists. The ".preview" infix convention is checked first, then a
// bare image sharing the model's basename.
func FindPreview(modelPath string) string {
	base := strings.TrimSuffix(modelPath, filepath.Ext(modelPath))
	for _, ext := range previewExtensions {
		if candidate := PreviewPath(modelPath, ext); exists(candidate) {
			return candidate
		}
	}
	for _, ext := range previewExtensions {
		if candidate := base + ext; exists(candidate) {
			return candidate
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Read parses a model's sidecar file into its front-matter block and the
// remaining markdown body. A missing sidecar returns models.ErrNotFound.
// A sidecar without a front-matter block is treated as all-body.
func Read(modelPath string) (models.SidecarMeta, string, error) {
	data, err := os.ReadFile(Path(modelPath))
	if err != nil {
		if os.IsNotExist(err) {
			return models.SidecarMeta{}, "", fmt.Errorf("sidecar for %s: %w", modelPath, models.ErrNotFound)
		}
		return models.SidecarMeta{}, "", fmt.Errorf("reading sidecar for %s: %w", modelPath, err)
	}
	return Parse(string(data))
}

// Parse splits sidecar content into front-matter and body. Content that does
// not start with a front-matter delimiter is returned entirely as body.
func Parse(content string) (models.SidecarMeta, string, error) {
	var meta models.SidecarMeta

	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, frontMatterDelimiter+"\n") {
		return meta, normalized, nil
	}

	rest := normalized[len(frontMatterDelimiter)+1:]

	var block, body string
	if end := strings.Index(rest, "\n"+frontMatterDelimiter+"\n"); end >= 0 {
		block = rest[:end]
		body = rest[end+len("\n"+frontMatterDelimiter+"\n"):]
		body = strings.TrimPrefix(body, "\n")
	} else if strings.HasSuffix(rest, "\n"+frontMatterDelimiter) {
		block = strings.TrimSuffix(rest, "\n"+frontMatterDelimiter)
	} else {
		// Unterminated front matter, treat the whole file as body.
		return meta, normalized, nil
	}

	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return models.SidecarMeta{}, "", fmt.Errorf("parsing front matter: %w", err)
	}
	return meta, body, nil
}

// Render builds the full sidecar file content from front-matter and body.
// An empty meta produces a plain markdown file without a front-matter block.
func Render(meta models.SidecarMeta, body string) (string, error) {
	if metaIsEmpty(meta) {
		return body, nil
	}

	block, err := yaml.Marshal(&meta)
	if err != nil {
		return "", fmt.Errorf("marshalling front matter: %w", err)
	}

	var b strings.Builder
	b.WriteString(frontMatterDelimiter)
	b.WriteString("\n")
	b.Write(block)
	b.WriteString(frontMatterDelimiter)
	b.WriteString("\n")
	if body != "" {
		b.WriteString("\n")
		b.WriteString(body)
	}
	return b.String(), nil
}

func metaIsEmpty(meta models.SidecarMeta) bool {
	return meta.Website == "" && meta.ModelPage == "" && meta.Author == "" &&
		meta.BaseModel == "" && len(meta.Hashes) == 0 &&
		len(meta.TrainedWords) == 0 && len(meta.Preview) == 0
}

// Write persists a sidecar atomically: content is written to a temp file in
// the same directory and renamed into place, so a crash never leaves a
// truncated sidecar next to a model.
func Write(modelPath string, meta models.SidecarMeta, body string) error {
	content, err := Render(meta, body)
	if err != nil {
		return err
	}

	target := Path(modelPath)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing sidecar temp file for %s: %w", modelPath, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing sidecar for %s: %w", modelPath, err)
	}
	log.WithField("path", target).Debug("Sidecar written")
	return nil
}

// BuildBody assembles a markdown body from a free-text description and
// trigger words. The trigger words get their own heading so they survive a
// round trip through TriggerWordsFromBody.
func BuildBody(description string, trainedWords []string) string {
	var b strings.Builder
	if description != "" {
		b.WriteString(strings.TrimRight(description, "\n"))
		b.WriteString("\n")
	}
	if len(trainedWords) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(triggerWordsHeading)
		b.WriteString("\n\n")
		for _, w := range trainedWords {
			b.WriteString("- ")
			b.WriteString(w)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// TriggerWordsFromBody extracts trigger words from a markdown body. It reads
// the list items (or bare comma-separated lines) under a "# Trigger Words"
// heading until the next heading.
func TriggerWordsFromBody(body string) []string {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	var words []string
	inSection := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			inSection = strings.EqualFold(trimmed, triggerWordsHeading)
			continue
		}
		if !inSection || trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			if w := strings.TrimSpace(trimmed[2:]); w != "" {
				words = append(words, w)
			}
			continue
		}
		for _, w := range strings.Split(trimmed, ",") {
			if w = strings.TrimSpace(w); w != "" {
				words = append(words, w)
			}
		}
	}
	return words
}

// IsComplete reports whether a sidecar carries the fields required to skip
// metadata extraction on rescan: at least one content hash and a model page
// reference.
func IsComplete(meta models.SidecarMeta) bool {
	return len(meta.Hashes) > 0 && meta.ModelPage != ""
}

// Locker serializes writes to sidecar files per path. Two in-flight
// operations must never write the same sidecar concurrently.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocker returns an empty per-path lock table.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the lock for the given sidecar path and returns the unlock
// function. Paths are normalized so equivalent spellings share a lock.
func (l *Locker) Lock(path string) func() {
	key := filepath.Clean(path)

	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
