package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// LogStorage manages saving step output to files, one directory per
// run.
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler.
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes the output of one step of one job instance and
// returns the file path. Output is expected to be redacted already.
func (ls *LogStorage) SaveLog(runID, instance, step, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID))
	if err := os.MkdirAll(dir, 0o775); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("%s_%s.log", sanitize(instance), sanitize(step))
	filePath := filepath.Join(dir, filename)

	if err := os.WriteFile(filePath, []byte(output), 0o644); err != nil {
		return "", err
	}
	return filePath, nil
}

// sanitize removes special characters from name parts so step and
// instance names are safe in filenames.
func sanitize(name string) string {
	clean := make([]rune, 0, len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			clean = append(clean, r)
		} else {
			clean = append(clean, '_')
		}
	}
	if len(clean) == 0 {
		return "step"
	}
	return string(clean)
}
