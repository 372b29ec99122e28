package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"strings"

	"go-model-manager/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// CheckHash verifies a file against provided hashes (BLAKE3, CRC32, SHA256).
// It returns true if any of the provided hashes match. The file is streamed
// once through all requested hashers, so multi-gigabyte models never get
// loaded into memory.
func CheckHash(filepath string, hashes models.Hashes) bool {
	if hashes.Empty() {
		return false
	}
	file, err := os.Open(filepath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error opening file %s during hash check", filepath)
		}
		return false
	}
	defer file.Close()

	blake3Hasher := blake3.New(32, nil)
	sha256Hasher := sha256.New()
	crc32Hasher := crc32.NewIEEE()

	if _, err := io.Copy(io.MultiWriter(blake3Hasher, sha256Hasher, crc32Hasher), file); err != nil {
		log.WithError(err).Errorf("Error reading file %s for hash check", filepath)
		return false
	}

	if hashes.BLAKE3 != "" {
		calculated := strings.ToUpper(hex.EncodeToString(blake3Hasher.Sum(nil)))
		if calculated == strings.ToUpper(strings.TrimSpace(hashes.BLAKE3)) {
			log.WithField("hash", "BLAKE3").Debugf("Hash match for %s", filepath)
			return true
		}
	}

	if hashes.CRC32 != "" {
		calculated := fmt.Sprintf("%x", crc32Hasher.Sum32())
		if calculated == strings.ToLower(strings.TrimSpace(hashes.CRC32)) {
			log.WithField("hash", "CRC32").Debugf("Hash match for %s", filepath)
			return true
		}
	}

	if hashes.SHA256 != "" {
		calculated := hex.EncodeToString(sha256Hasher.Sum(nil))
		if calculated == strings.ToLower(strings.TrimSpace(hashes.SHA256)) {
			log.WithField("hash", "SHA256").Debugf("Hash match for %s", filepath)
			return true
		}
	}

	return false
}

// FileSHA256 returns the lowercase hex SHA256 of a file, streaming it in chunks.
func FileSHA256(filepath string) (string, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing %s: %w", filepath, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	// Simplify repeated separators
	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")

	// Remove leading/trailing separators
	str = strings.Trim(str, "_-")

	return str
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
// Uses standard directory permissions (0700).
func CheckAndMakeDir(dir string) bool {
	err := os.MkdirAll(dir, 0700)
	if err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return false
	}
	return true
}

// NormalizePath converts OS path separators to forward slashes so identity
// tuples compare the same on every platform.
func NormalizePath(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}
