// Package storage implements SwarmSH's durable, locked, JSON-shaped
// persistence over WorkItem, Agent, and CoordinationLogEntry collections
// plus the append-only Span log.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/swarmsh/swarmsh/pkg/log"
	"github.com/swarmsh/swarmsh/pkg/types"
)

// Collection names the three locked collections. The span log and fast-
// path log are append-only and do not go through WithCollection.
type Collection string

const (
	CollectionWork  Collection = "work_claims"
	CollectionAgent Collection = "agent_status"
	CollectionLog   Collection = "coordination_log"
)

// ErrLockTimeout is returned when a collection lock is not acquired
// within the configured timeout.
var ErrLockTimeout = errors.New("lock timeout")

// ErrCorruption is returned when a collection file fails to parse. The
// Store refuses further writes to the affected collection rather than
// silently reinitializing.
var ErrCorruption = errors.New("store corruption")

// Store owns all mutable access to SwarmSH's collections. Every other
// component obtains values by copy and requests mutations through this
// transactional API.
type Store struct {
	dir         string
	lockTimeout time.Duration
	idx         *index

	corruptMu sync.RWMutex
	corrupt   map[Collection]bool
}

// Open prepares dir as COORDINATION_DIR: creates backups/ and archives/
// subdirectories and opens the non-authoritative fast-lookup cache.
func Open(dir string, lockTimeout time.Duration) (*Store, error) {
	for _, sub := range []string{"", "backups", "archives"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", sub, err)
		}
	}

	s := &Store{
		dir:         dir,
		lockTimeout: lockTimeout,
		corrupt:     make(map[Collection]bool),
	}

	idx, err := openIndex(filepath.Join(dir, "index.bolt"))
	if err != nil {
		// The index cache is never authoritative: a bolt file that cannot
		// be opened leaves the Store without the cache (lookups scan the
		// JSON files), never a fatal error.
		log.WithComponent("storage").Warn().Err(err).Msg("fast index cache unavailable, continuing without it")
		idx = nil
	}
	s.idx = idx

	if idx != nil {
		if items, err := readCollection[*types.WorkItem](s.path(CollectionWork)); err == nil {
			idx.refreshWork(items)
		}
		if agents, err := readCollection[*types.Agent](s.path(CollectionAgent)); err == nil {
			idx.refreshAgents(agents)
		}
	}

	return s, nil
}

// Close releases the fast index cache.
func (s *Store) Close() error {
	if s.idx != nil {
		return s.idx.Close()
	}
	return nil
}

// Dir returns COORDINATION_DIR.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(col Collection) string {
	return filepath.Join(s.dir, string(col)+".json")
}

func (s *Store) lockPath(col Collection) string {
	return filepath.Join(s.dir, string(col)+".lock")
}

// WithCollection acquires the named collection's lock for the duration
// of fn. In exclusive mode it reads the full collection into memory,
// invokes fn, and atomically persists fn's returned snapshot if fn
// returns a nil error; on a non-nil error nothing is written. In shared
// mode it passes an immutable snapshot and never writes, regardless of
// what fn returns.
//
// T must match the collection's entity type (*types.WorkItem,
// *types.Agent, or *types.CoordinationLogEntry); callers are expected to
// call the typed wrappers in collections.go rather than this directly.
func WithCollection[T any](ctx context.Context, s *Store, col Collection, exclusive bool, fn func(snapshot []T) ([]T, error)) error {
	s.corruptMu.RLock()
	isCorrupt := s.corrupt[col]
	s.corruptMu.RUnlock()
	if isCorrupt {
		return fmt.Errorf("storage: %s: %w", col, ErrCorruption)
	}

	mode := lockShared
	if exclusive {
		mode = lockExclusive
	}

	lk, err := acquireLock(ctx, s.lockPath(col), mode, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lk.release()

	snapshot, err := readCollection[T](s.path(col))
	if err != nil {
		if errors.Is(err, ErrCorruption) {
			s.corruptMu.Lock()
			s.corrupt[col] = true
			s.corruptMu.Unlock()
		}
		return fmt.Errorf("storage: read %s: %w", col, err)
	}

	result, err := fn(snapshot)
	if err != nil {
		return err
	}

	if !exclusive {
		return nil
	}

	if err := writeCollectionAtomic(s.dir, s.path(col), result); err != nil {
		return fmt.Errorf("storage: write %s: %w", col, err)
	}
	return nil
}
