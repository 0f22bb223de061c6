package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmsh/swarmsh/pkg/types"
)

// ArchiveTelemetry splits the oldest lines off telemetry_spans.jsonl,
// keeping the newest `retain` records in the primary file and moving the
// rest into archives/telemetry_archive_{ts}.jsonl. now is injected so
// callers control the archive filename's timestamp.
func (s *Store) ArchiveTelemetry(ctx context.Context, retain int, now time.Time) (archived int, err error) {
	lk, err := acquireLock(ctx, s.SpanLogPath()+".lock", lockExclusive, s.lockTimeout)
	if err != nil {
		return 0, err
	}
	defer lk.release()

	lines, err := readLines(s.SpanLogPath())
	if err != nil {
		return 0, err
	}
	if len(lines) <= retain {
		return 0, nil
	}

	cut := len(lines) - retain
	old := lines[:cut]
	keep := lines[cut:]

	archivePath := filepath.Join(s.dir, "archives", fmt.Sprintf("telemetry_archive_%d.jsonl", now.UnixNano()))
	if err := atomicWrite(s.dir, archivePath, joinLines(old)); err != nil {
		return 0, err
	}
	if err := atomicWrite(s.dir, s.SpanLogPath(), joinLines(keep)); err != nil {
		return 0, err
	}
	return len(old), nil
}

// ArchiveCompletedWork moves terminal WorkItems older than olderThan
// into archives/completed_{date}.json, leaving the primary collection
// lean.
func (s *Store) ArchiveCompletedWork(ctx context.Context, olderThan time.Time, now time.Time) (archived int, err error) {
	var moved []*types.WorkItem
	err = s.WithWorkItems(ctx, true, func(items []*types.WorkItem) ([]*types.WorkItem, error) {
		var kept []*types.WorkItem
		for _, w := range items {
			if w.Status.Terminal() && w.CompletedAt != nil && w.CompletedAt.Before(olderThan) {
				moved = append(moved, w)
				continue
			}
			kept = append(kept, w)
		}
		return kept, nil
	})
	if err != nil || len(moved) == 0 {
		return 0, err
	}

	archivePath := filepath.Join(s.dir, "archives", fmt.Sprintf("completed_%s.json", now.Format("2006-01-02")))
	existing, _ := readCollection[*types.WorkItem](archivePath)
	existing = append(existing, moved...)
	if err := writeCollectionAtomic(s.dir, archivePath, existing); err != nil {
		return 0, err
	}
	return len(moved), nil
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	return lines, sc.Err()
}

func joinLines(lines [][]byte) []byte {
	var out []byte
	for _, l := range lines {
		out = append(out, l...)
		out = append(out, '\n')
	}
	return out
}
