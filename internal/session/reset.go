package session

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// ResetResult describes what a reset did.
type ResetResult struct {
	Deleted bool   `json:"deleted"`
	File    string `json:"file,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
}

// Reset deletes the single largest artifact file in dir. The largest file
// is the active conversation transcript, so removing it forces the agent
// onto a fresh session while leaving the rest of its state alone.
//
// Size ties break toward the most recently modified file. A missing or
// empty directory is a no-op, not an error: resetting an already-clean
// session must be idempotent.
func Reset(dir string) (ResetResult, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return ResetResult{}, nil
	}
	if err != nil {
		return ResetResult{}, fmt.Errorf("read session directory: %w", err)
	}

	var best os.FileInfo
	var bestPath string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if best == nil ||
			info.Size() > best.Size() ||
			(info.Size() == best.Size() && info.ModTime().After(best.ModTime())) {
			best = info
			bestPath = filepath.Join(dir, entry.Name())
		}
	}
	if best == nil {
		return ResetResult{}, nil
	}

	if err := os.Remove(bestPath); err != nil {
		if os.IsNotExist(err) {
			return ResetResult{}, nil
		}
		return ResetResult{}, fmt.Errorf("delete session artifact: %w", err)
	}

	log.Info().
		Str("file", bestPath).
		Int64("bytes", best.Size()).
		Msg("session artifact deleted")
	return ResetResult{Deleted: true, File: bestPath, Bytes: best.Size()}, nil
}
