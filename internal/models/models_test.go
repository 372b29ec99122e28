package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want bool
	}{
		{"waiting to doing", StatusWaiting, StatusDoing, true},
		{"waiting to pause", StatusWaiting, StatusPause, true},
		{"doing to pause", StatusDoing, StatusPause, true},
		{"doing to completed", StatusDoing, StatusCompleted, true},
		{"doing to failed", StatusDoing, StatusFailed, true},
		{"pause to waiting", StatusPause, StatusWaiting, true},
		{"failed retry", StatusFailed, StatusWaiting, true},
		{"completed is terminal", StatusCompleted, StatusDoing, false},
		{"completed no pause", StatusCompleted, StatusPause, false},
		{"pause cannot jump to doing", StatusPause, StatusDoing, false},
		{"waiting cannot complete", StatusWaiting, StatusCompleted, false},
		{"same status is a no-op", StatusDoing, StatusDoing, true},
		{"repeated pause is a no-op", StatusPause, StatusPause, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestDownloadTaskPaths(t *testing.T) {
	task := &DownloadTask{
		Basename:  "detail-tweaker",
		Extension: ".safetensors",
	}
	assert.Equal(t, "detail-tweaker.safetensors", task.Fullname())
	assert.Equal(t, "detail-tweaker.safetensors", task.RelPath())

	task.SubFolder = "styles/anime"
	assert.Equal(t, "styles/anime/detail-tweaker.safetensors", task.RelPath())
}

func TestDownloadTaskLive(t *testing.T) {
	for status, want := range map[string]bool{
		StatusWaiting:   true,
		StatusDoing:     true,
		StatusPause:     true,
		StatusCompleted: false,
		StatusFailed:    false,
	} {
		task := &DownloadTask{Status: status}
		assert.Equal(t, want, task.Live(), "status %s", status)
	}
}

func TestModelRecordIdentity(t *testing.T) {
	a := &ModelRecord{ModelType: "loras", PathIndex: 0, Basename: "x", Extension: ".safetensors"}
	b := &ModelRecord{ModelType: "loras", PathIndex: 1, Basename: "x", Extension: ".safetensors"}
	c := &ModelRecord{ModelType: "loras", PathIndex: 0, SubFolder: "sub", Basename: "x", Extension: ".safetensors"}

	assert.Equal(t, "loras/0/x.safetensors", a.Identity())
	assert.NotEqual(t, a.Identity(), b.Identity(), "path index is part of the identity")
	assert.NotEqual(t, a.Identity(), c.Identity(), "sub folder is part of the identity")
}

func TestIsModelFileExtension(t *testing.T) {
	assert.True(t, IsModelFileExtension(".safetensors"))
	assert.True(t, IsModelFileExtension(".CKPT"))
	assert.False(t, IsModelFileExtension(".txt"))
	assert.False(t, IsModelFileExtension(""))
}

func TestHashesMapRoundTrip(t *testing.T) {
	h := Hashes{SHA256: "aa", BLAKE3: "bb"}
	m := h.Map()
	assert.Equal(t, map[string]string{"SHA256": "aa", "BLAKE3": "bb"}, m)
	assert.Equal(t, h, HashesFromMap(m))

	assert.Nil(t, Hashes{}.Map())
	assert.True(t, Hashes{}.Empty())
	assert.False(t, h.Empty())
}

func TestValidationErrorUnwraps(t *testing.T) {
	err := NewValidationError("pathIndex", "index %d out of range", 7)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "pathIndex")
	assert.Contains(t, err.Error(), "7")
}
