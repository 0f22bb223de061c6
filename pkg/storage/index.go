package storage

import (
	"encoding/json"
	"time"

	"github.com/swarmsh/swarmsh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWorkIndex  = []byte("work_index")
	bucketAgentIndex = []byte("agent_index")
)

// index is a non-authoritative bbolt-backed cache mapping entity ID to
// its last-known serialized form, rebuilt after every exclusive write to
// the corresponding collection. It exists purely to make single-ID
// lookups O(1) once a collection grows past a few thousand entries;
// losing it (a missing or corrupt file) never surfaces as StoreCorruption
// — the caller transparently falls back to a full scan.
type index struct {
	db *bolt.DB
}

func openIndex(path string) (*index, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWorkIndex); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketAgentIndex)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &index{db: db}, nil
}

func (i *index) Close() error { return i.db.Close() }

func (i *index) refreshWork(items []*types.WorkItem) {
	_ = i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkIndex)
		if err := clearBucket(b); err != nil {
			return err
		}
		for _, w := range items {
			data, err := json.Marshal(w)
			if err != nil {
				continue
			}
			if err := b.Put([]byte(w.WorkID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func clearBucket(b *bolt.Bucket) error {
	var keys [][]byte
	if err := b.ForEach(func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (i *index) refreshAgents(agents []*types.Agent) {
	_ = i.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentIndex)
		if err := clearBucket(b); err != nil {
			return err
		}
		for _, a := range agents {
			data, err := json.Marshal(a)
			if err != nil {
				continue
			}
			if err := b.Put([]byte(a.AgentID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (i *index) getWork(workID string) (*types.WorkItem, bool) {
	var w *types.WorkItem
	_ = i.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkIndex).Get([]byte(workID))
		if data == nil {
			return nil
		}
		var v types.WorkItem
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
		w = &v
		return nil
	})
	return w, w != nil
}

func (i *index) getAgent(agentID string) (*types.Agent, bool) {
	var a *types.Agent
	_ = i.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgentIndex).Get([]byte(agentID))
		if data == nil {
			return nil
		}
		var v types.Agent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
		a = &v
		return nil
	})
	return a, a != nil
}
