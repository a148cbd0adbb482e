// Package checkpoint persists the output artifact and the checkpoint state
// that make a run resumable.
//
// A run writes <output> (JSON array of records) and <output>.checkpoint.
// Both files are published by write-to-temp then rename, output first, so a
// crash at any point leaves the last good pair readable.
package checkpoint

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Sternrassler/course-crawler/pkg/logging"
	"github.com/Sternrassler/course-crawler/pkg/model"
	"github.com/rs/zerolog"
)

// ErrCorrupt wraps resume artifacts that cannot be read or do not agree.
var ErrCorrupt = errors.New("corrupt resume artifact")

// Suffix is appended to the output path to name the checkpoint file.
const Suffix = ".checkpoint"

// rename publishes a temp file; replaced in tests.
var rename = os.Rename

// Resume is the state recovered from a previous run.
type Resume struct {
	State   model.CheckpointState
	Records []model.Record
}

// Store persists run progress for one output target.
type Store interface {
	// Load returns the previous run's state, nil when there is none, or an
	// error wrapping ErrCorrupt.
	Load() (*Resume, error)

	// Save publishes records and then state.
	Save(records []model.Record, state model.CheckpointState) error

	// Complete publishes the final records and removes the checkpoint.
	Complete(records []model.Record) error
}

// FileStore keeps the artifacts next to each other on disk.
type FileStore struct {
	outputPath     string
	checkpointPath string
	logger         zerolog.Logger
}

// NewFileStore creates a store for outputPath.
func NewFileStore(outputPath string) *FileStore {
	return &FileStore{
		outputPath:     outputPath,
		checkpointPath: outputPath + Suffix,
		logger:         logging.NewLogger(logging.ComponentCheckpoint),
	}
}

// OutputPath returns the output artifact path.
func (s *FileStore) OutputPath() string { return s.outputPath }

// CheckpointPath returns the checkpoint artifact path.
func (s *FileStore) CheckpointPath() string { return s.checkpointPath }

// Load implements Store. Output records beyond TotalRecords come from a
// crash between the two publishes and are dropped.
func (s *FileStore) Load() (*Resume, error) {
	data, err := os.ReadFile(s.checkpointPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, s.checkpointPath, err)
	}

	var state model.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrCorrupt, s.checkpointPath, err)
	}
	if state.LastProcessedIndex < 0 || state.TotalRecords < 0 {
		return nil, fmt.Errorf("%w: negative counters in %s", ErrCorrupt, s.checkpointPath)
	}

	records, err := ReadRecords(s.outputPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && state.TotalRecords == 0:
		records = nil
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	if len(records) < state.TotalRecords {
		return nil, fmt.Errorf("%w: output holds %d records, checkpoint expects %d",
			ErrCorrupt, len(records), state.TotalRecords)
	}
	if len(records) > state.TotalRecords {
		s.logger.Warn().
			Int("output_records", len(records)).
			Int("total_records", state.TotalRecords).
			Msg("Output ahead of checkpoint - dropping unconfirmed records")
		records = records[:state.TotalRecords]
	}

	return &Resume{State: state, Records: records}, nil
}

// Save implements Store.
func (s *FileStore) Save(records []model.Record, state model.CheckpointState) error {
	if err := WriteRecords(s.outputPath, records); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeAtomic(s.checkpointPath, data); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}

	s.logger.Debug().
		Int("cursor", state.LastProcessedIndex).
		Int("records", state.TotalRecords).
		Bool("interrupted", state.Interrupted).
		Msg("Checkpoint saved")
	return nil
}

// Complete implements Store.
func (s *FileStore) Complete(records []model.Record) error {
	if err := WriteRecords(s.outputPath, records); err != nil {
		return err
	}
	if err := os.Remove(s.checkpointPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// ReadRecords reads an output artifact.
func ReadRecords(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read output %s: %w", path, err)
	}

	var records []model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse output %s: %w", path, err)
	}
	return records, nil
}

// WriteRecords atomically writes records as an indented JSON array.
func WriteRecords(path string, records []model.Record) error {
	if records == nil {
		records = []model.Record{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("marshal records: %w", err)
	}

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// writeAtomic replaces path with data via a synced temp file in the same dir.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return rename(tmpName, path)
}
