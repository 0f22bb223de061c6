package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WriteReport atomically writes v as pretty-printed JSON to
// {prefix}_{ts}.json inside the Store's root directory, used for the
// periodic HealthMonitor/Scheduler report files that live alongside the
// collections but are never re-read through the locked collection API.
func (s *Store) WriteReport(prefix string, now time.Time, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%d.json", prefix, now.UnixMilli()))
	if err := atomicWrite(s.dir, path, data); err != nil {
		return "", err
	}
	return path, nil
}

// WriteState atomically overwrites {name}.json with v, used for small
// single-file markers like the Scheduler's last_run_{kind} timestamps.
func (s *Store) WriteState(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return atomicWrite(s.dir, filepath.Join(s.dir, name+".json"), data)
}

// ReadState loads {name}.json into v, reporting found=false (not an
// error) if the marker has never been written.
func (s *Store) ReadState(name string, v any) (found bool, err error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return true, nil
}
