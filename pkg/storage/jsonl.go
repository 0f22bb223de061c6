package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
)

// AppendJSONL appends one entry as a compact, newline-terminated JSON
// line to path. The write is serialized against all other appenders
// (in-process or cross-process) by an exclusive flock on a sidecar
// lock file, giving total order within a trace even under concurrent
// writers.
func AppendJSONL[T any](ctx context.Context, s *Store, path string, entry T) error {
	lk, err := acquireLock(ctx, path+".lock", lockExclusive, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lk.release()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// ReadJSONL reads every line of path as a T. Blank lines are skipped.
// A missing file yields an empty, nil-error result.
func ReadJSONL[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, sc.Err()
}

// CountLines returns the number of non-blank lines in path, used for
// telemetry_volume without unmarshaling every span.
func CountLines(path string) (int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}
