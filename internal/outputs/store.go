// Package outputs persists workflow output records as newline-delimited JSON
// files, one file per workflow component id.
package outputs

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Mode selects how Write treats an existing file.
type Mode string

const (
	ModeAppend  Mode = "append"
	ModeReplace Mode = "replace"
)

// Store writes and reads per-workflow NDJSON files under a fixed directory.
type Store struct {
	dir string
	log *zap.Logger
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// the first write.
func NewStore(dir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{dir: dir, log: log.Named("outputs")}
}

func (s *Store) path(workflowID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("workflow_%d.jsonl", workflowID))
}

// Write persists records for the given workflow id. ModeReplace truncates the
// file first; ModeAppend adds to whatever is already there. Records are
// written one JSON document per line, in order.
func (s *Store) Write(workflowID int64, records []map[string]any, mode Mode) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	switch mode {
	case ModeReplace:
		flags |= os.O_TRUNC
	case ModeAppend, "":
		flags |= os.O_APPEND
	default:
		return fmt.Errorf("invalid output mode: %s", mode)
	}

	f, err := os.OpenFile(s.path(workflowID), flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output file: %w", err)
	}

	s.log.Debug("wrote workflow outputs",
		zap.Int64("workflow_id", workflowID),
		zap.Int("records", len(records)),
		zap.String("mode", string(mode)))
	return nil
}

// Read returns all records persisted for the workflow id. A missing file is
// an empty list, not an error. Malformed lines are skipped.
func (s *Store) Read(workflowID int64) ([]map[string]any, error) {
	f, err := os.Open(s.path(workflowID))
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]any{}, nil
		}
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	records := []map[string]any{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			s.log.Warn("skipping malformed output line",
				zap.Int64("workflow_id", workflowID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read output file: %w", err)
	}
	return records, nil
}
