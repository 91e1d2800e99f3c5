package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoRecord is returned when no journal entry exists for an operation.
var ErrNoRecord = errors.New("no journal record found")

var nameReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_")

// FileJournal writes one JSON file per operation and outcome under dir.
// A later record for the same operation and outcome replaces the earlier one.
type FileJournal struct {
	dir string
}

// NewFileJournal creates the journal directory if needed.
func NewFileJournal(dir string) (*FileJournal, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}
	return &FileJournal{dir: dir}, nil
}

// recordPath returns the file for an operation's record.
func (j *FileJournal) recordPath(outcome, operation string) string {
	return filepath.Join(j.dir, outcome, nameReplacer.Replace(operation)+".json")
}

// Record persists rec atomically.
func (j *FileJournal) Record(ctx context.Context, rec *Record) error {
	path := j.recordPath(rec.Outcome, rec.Operation)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write journal temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename journal file: %w", err)
	}

	return nil
}

// Load reads the record for an operation and outcome.
func (j *FileJournal) Load(outcome, operation string) (*Record, error) {
	data, err := os.ReadFile(j.recordPath(outcome, operation))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRecord
		}
		return nil, fmt.Errorf("read journal file: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse journal file: %w", err)
	}
	return &rec, nil
}

func (j *FileJournal) Close() error { return nil }

// Verify FileJournal implements Journal.
var _ Journal = (*FileJournal)(nil)
