// Package annotation holds the per-image annotation records that feed an export run.
//
// Records are read from labelme JSON files or the labeling tool's CSV layout.
// Unknown keys are carried opaquely and written back unchanged by Encode.
package annotation

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/menta2k/dataset-exporter/pkg/types"
)

// Store is an ordered collection of annotation records.
// Record order is the order records were added or, for LoadDir, lexical file order.
type Store struct {
	records []types.AnnotationRecord
	skipped []string
	logger  types.Logger
}

// NewStore creates an empty store
func NewStore(logger types.Logger) *Store {
	return &Store{logger: types.OrNop(logger)}
}

// Add appends a record
func (s *Store) Add(rec types.AnnotationRecord) {
	s.records = append(s.records, rec)
}

// Records returns the records in order. The slice is a copy; records must be treated as read-only.
func (s *Store) Records() []types.AnnotationRecord {
	out := make([]types.AnnotationRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records held
func (s *Store) Len() int { return len(s.records) }

// Skipped returns the files LoadDir could not read
func (s *Store) Skipped() []string {
	return append([]string(nil), s.skipped...)
}

// IsRecordFile reports whether a path looks like an annotation record
func IsRecordFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".csv":
		return true
	}
	return false
}

// ReadFile decodes one record file; the format is chosen by extension
func ReadFile(path string) (types.AnnotationRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.AnnotationRecord{}, fmt.Errorf("%w: %v", types.ErrRecordUnreadable, err)
	}

	var rec types.AnnotationRecord
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rec, err = DecodeCSV(bytes.NewReader(data))
	case ".json":
		rec, err = Decode(data)
	default:
		err = fmt.Errorf("%w: unsupported record format", types.ErrRecordUnreadable)
	}
	if err != nil {
		return types.AnnotationRecord{}, fmt.Errorf("%s: %w", path, err)
	}
	rec.Source = path
	return rec, nil
}

// LoadFile reads a record file and appends it
func (s *Store) LoadFile(path string) error {
	rec, err := ReadFile(path)
	if err != nil {
		return err
	}
	s.Add(rec)
	return nil
}

// LoadDir loads every record file directly inside dir, in lexical order.
// Unreadable records are logged and skipped; only a failure to list dir is returned.
func (s *Store) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read annotation directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && IsRecordFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		path := filepath.Join(dir, name)
		if err := s.LoadFile(path); err != nil {
			s.logger.Warnf("skipping record %s: %v", path, err)
			s.skipped = append(s.skipped, path)
			continue
		}
		loaded++
	}
	s.logger.Infof("loaded %d annotation records from %s (%d skipped)", loaded, dir, len(names)-loaded)
	return loaded, nil
}
