// Package store is the C1 State Store: a process-wide embedded key/value
// database with independent namespaces ("trees"), atomic per-operation
// get/insert/remove/scan, and automatic durability.
//
// It is built on go.etcd.io/bbolt, the same embedded-btree-file database
// moby-moby vendors for its own graph/image metadata (see
// moby-moby's vendored go.etcd.io/bbolt). A bbolt bucket is exactly
// this daemon's "tree": a named, independently-iterable key/value namespace
// inside one on-disk file, with bbolt's single-writer/multi-reader
// transactions giving us the atomicity and snapshot-scan guarantees
// the registry needs directly, with no extra locking layer needed.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bpfman/bpfman-core/internal/bpfmanerrors"
)

// Mode selects persistent-on-disk vs. in-memory operation. Ephemeral mode
// exists precisely so tests don't need a filesystem.
type Mode int

const (
	Persistent Mode = iota
	Ephemeral
)

// Store is the opened database handle. The zero value is not usable;
// construct with Open.
type Store struct {
	db *bolt.DB

	mu        sync.Mutex
	ephemeral bool
	memTrees  map[string]map[string][]byte // used only in Ephemeral mode
}

// flushInterval is how often a persistent Store is flushed to disk in
// the background, bounding data loss on an unclean shutdown to this
// window: flushed automatically at bounded intervals.
const flushInterval = 2 * time.Second

// Open opens (or creates) the database at path. Mode Ephemeral ignores
// path entirely and keeps everything in memory, for tests.
//
// Opening is idempotent: bbolt's own file locking means a second Open
// against the same path from another process fails fast rather than
// corrupting state, which is what surfaces as StorageUnavailable here.
func Open(path string, mode Mode) (*Store, error) {
	if mode == Ephemeral {
		return &Store{ephemeral: true, memTrees: make(map[string]map[string][]byte)}, nil
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err,
			fmt.Sprintf("open store at %s", path))
	}

	s := &Store{db: db}
	go s.autoFlush()
	return s, nil
}

func (s *Store) autoFlush() {
	if s.ephemeral {
		return
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for range ticker.C {
		if s.db == nil {
			return
		}
		_ = s.db.Sync()
	}
}

// Flush blocks until all writes are durable on disk. A no-op in
// Ephemeral mode.
func (s *Store) Flush() error {
	if s.ephemeral || s.db == nil {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "flush store")
	}
	return nil
}

// Close flushes and releases the underlying database file.
func (s *Store) Close() error {
	if s.ephemeral {
		return nil
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tree returns a handle scoped to one namespace. Trees are created on
// first reference: tree(name) -> Tree.
func (s *Store) Tree(name string) *Tree {
	return &Tree{store: s, name: name}
}

// Tree is one namespace inside the Store.
type Tree struct {
	store *Store
	name  string
}

// Insert writes k->v, replacing any existing value for k.
func (t *Tree) Insert(k, v []byte) error {
	if t.store.ephemeral {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		tree := t.store.memTrees[t.name]
		if tree == nil {
			tree = make(map[string][]byte)
			t.store.memTrees[t.name] = tree
		}
		cp := make([]byte, len(v))
		copy(cp, v)
		tree[string(k)] = cp
		return nil
	}

	err := t.store.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(t.name))
		if err != nil {
			return err
		}
		return b.Put(k, v)
	})
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "insert")
	}
	return nil
}

// Get reads the value for k, returning (nil, false) if absent.
func (t *Tree) Get(k []byte) ([]byte, bool, error) {
	if t.store.ephemeral {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		tree := t.store.memTrees[t.name]
		if tree == nil {
			return nil, false, nil
		}
		v, ok := tree[string(k)]
		return v, ok, nil
	}

	var out []byte
	var found bool
	err := t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		v := b.Get(k)
		if v == nil {
			return nil
		}
		found = true
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, false, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "get")
	}
	return out, found, nil
}

// Remove deletes k, if present. Removing an absent key is not an error
// (callers treat deletes as idempotent).
func (t *Tree) Remove(k []byte) error {
	if t.store.ephemeral {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		if tree := t.store.memTrees[t.name]; tree != nil {
			delete(tree, string(k))
		}
		return nil
	}

	err := t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		return b.Delete(k)
	})
	if err != nil {
		return bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "remove")
	}
	return nil
}

// KV is one key/value pair returned by a prefix scan.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanPrefix returns every (k, v) pair whose key starts with prefix, in
// key-sorted order. It observes a single consistent snapshot for the
// scan (a bolt.View transaction, or a point-in-time copy in memory mode)
// but makes no cross-call consistency guarantee.
func (t *Tree) ScanPrefix(prefix []byte) ([]KV, error) {
	if t.store.ephemeral {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		tree := t.store.memTrees[t.name]
		var out []KV
		for k, v := range tree {
			if hasPrefix([]byte(k), prefix) {
				cp := make([]byte, len(v))
				copy(cp, v)
				out = append(out, KV{Key: []byte(k), Value: cp})
			}
		}
		sort.Slice(out, func(i, j int) bool { return string(out[i].Key) < string(out[j].Key) })
		return out, nil
	}

	var out []KV
	err := t.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			kc := make([]byte, len(k))
			copy(kc, k)
			vc := make([]byte, len(v))
			copy(vc, v)
			out = append(out, KV{Key: kc, Value: vc})
		}
		return nil
	})
	if err != nil {
		return nil, bpfmanerrors.Wrap(bpfmanerrors.KindStorageUnavailable, err, "scan_prefix")
	}
	return out, nil
}

// RemovePrefix atomically replaces an ordered-sequence group by first
// deleting every key under prefix, used by the registry's setters
// ("writers replace all entries atomically by first removing the prefix
// range").
func (t *Tree) RemovePrefix(prefix []byte) error {
	kvs, err := t.ScanPrefix(prefix)
	if err != nil {
		return err
	}
	if t.store.ephemeral {
		t.store.mu.Lock()
		defer t.store.mu.Unlock()
		tree := t.store.memTrees[t.name]
		for _, kv := range kvs {
			delete(tree, string(kv.Key))
		}
		return nil
	}
	return t.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(t.name))
		if b == nil {
			return nil
		}
		for _, kv := range kvs {
			if err := b.Delete(kv.Key); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}
