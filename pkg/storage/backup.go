package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Backup copies a collection's current on-disk contents into
// backups/{collection}_{ts}.json, used by the Optimizer before applying
// a mutation. A missing source collection is not an error — there is
// nothing to protect yet.
func (s *Store) Backup(col Collection, now time.Time) error {
	src := s.path(col)
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer in.Close()

	dst := filepath.Join(s.dir, "backups", fmt.Sprintf("%s_%d.json", col, now.UnixNano()))
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
