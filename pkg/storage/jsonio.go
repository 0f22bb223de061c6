package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// readCollection reads a JSON-array collection file into a typed slice.
// A missing file is an empty collection, not an error. A parse error is
// reported as ErrCorruption.
func readCollection[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []T{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return []T{}, nil
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return items, nil
}

// writeCollectionAtomic serializes items and replaces path via a
// write-to-temp + fsync + rename + directory-fsync sequence, so a crash
// mid-write never leaves a torn file.
func writeCollectionAtomic[T any](dir, path string, items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(dir, path, data)
}

// atomicWrite performs the temp+fsync+rename+dirfsync sequence for any
// file content, shared by collection writes and archive splits.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	df, err := os.Open(filepath.Dir(path))
	if err != nil {
		return nil // best-effort directory fsync; rename already succeeded
	}
	defer df.Close()
	_ = df.Sync()
	return nil
}
