// Package store keeps the catalog snapshot between runs in a bbolt file.
//
// bbolt takes an exclusive flock on the file, so two processes can never
// merge at the same time; Open gives up after the configured lock timeout.
// Within a process, Update calls are serialized by a mutex.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"

	appLog "ecalsync/internal/log"
	"ecalsync/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	lastRunKey    = []byte("last_run")
)

// ErrLocked is returned by Open when another process holds the snapshot.
var ErrLocked = errors.New("snapshot is locked by another process")

// RunMeta describes the run that last committed the snapshot.
type RunMeta struct {
	RunID           string    `json:"run_id"`
	FinishedAt      time.Time `json:"finished_at"`
	TaxonomyVersion string    `json:"taxonomy_version"`
	Entries         int       `json:"entries"`
}

// storedEntry keeps the bookkeeping the catalog does not publish.
type storedEntry struct {
	model.CatalogEntry
	LastSeen time.Time `json:"last_seen"`
}

type Store struct {
	mu   sync.Mutex
	db   *bolt.DB
	path string
}

// Open opens (creating if needed) the snapshot at path, waiting at most
// lockTimeout for another holder to release it.
func Open(path string, lockTimeout time.Duration) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("open snapshot %s: %w", path, ErrLocked)
		}
		return nil, eris.Wrapf(err, "open snapshot %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return eris.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// OpenReadOnly opens an existing snapshot under a shared lock, for readers
// that must not create the file or block other readers. A missing file is
// reported as fs.ErrNotExist.
func OpenReadOnly(path string, lockTimeout time.Duration) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open snapshot %s: %w", path, fs.ErrNotExist)
		}
		return nil, eris.Wrapf(err, "stat snapshot %s", path)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("open snapshot %s: %w", path, ErrLocked)
		}
		return nil, eris.Wrapf(err, "open snapshot %s", path)
	}
	return &Store{db: db, path: path}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Entries returns the committed snapshot.
func (s *Store) Entries() ([]model.CatalogEntry, error) {
	var out []model.CatalogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = loadEntries(tx)
		return err
	})
	return out, err
}

// LastRun returns the metadata of the last committed run, if any.
func (s *Store) LastRun() (RunMeta, bool, error) {
	var (
		meta RunMeta
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}
		raw := b.Get(lastRunKey)
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &meta)
	})
	return meta, ok, err
}

// UpdateFunc computes the next snapshot from the previous one. Any side
// effect that must be atomic with the snapshot (writing the catalog) belongs
// inside it: returning an error discards the new snapshot.
type UpdateFunc func(prev []model.CatalogEntry) ([]model.CatalogEntry, RunMeta, error)

// Update runs fn in a single write transaction and commits its result.
func (s *Store) Update(fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bolt.Tx) error {
		prev, err := loadEntries(tx)
		if err != nil {
			return err
		}
		next, meta, err := fn(prev)
		if err != nil {
			return err
		}

		if err := tx.DeleteBucket(entriesBucket); err != nil {
			return eris.Wrap(err, "reset entries")
		}
		b, err := tx.CreateBucket(entriesBucket)
		if err != nil {
			return eris.Wrap(err, "recreate entries")
		}
		for _, e := range next {
			raw, err := json.Marshal(storedEntry{CatalogEntry: e, LastSeen: e.LastSeen})
			if err != nil {
				return eris.Wrapf(err, "encode entry %s", e.ID)
			}
			if err := b.Put([]byte(e.ID), raw); err != nil {
				return eris.Wrapf(err, "put entry %s", e.ID)
			}
		}

		raw, err := json.Marshal(meta)
		if err != nil {
			return eris.Wrap(err, "encode run meta")
		}
		if err := tx.Bucket(metaBucket).Put(lastRunKey, raw); err != nil {
			return eris.Wrap(err, "put run meta")
		}
		appLog.Debug("snapshot committed", "path", s.path, "entries", len(next), "run_id", meta.RunID)
		return nil
	})
}

func loadEntries(tx *bolt.Tx) ([]model.CatalogEntry, error) {
	b := tx.Bucket(entriesBucket)
	if b == nil {
		return nil, nil
	}
	out := make([]model.CatalogEntry, 0, b.Stats().KeyN)
	err := b.ForEach(func(k, v []byte) error {
		var se storedEntry
		if err := json.Unmarshal(v, &se); err != nil {
			return eris.Wrapf(err, "decode entry %s", k)
		}
		e := se.CatalogEntry
		e.LastSeen = se.LastSeen
		out = append(out, e)
		return nil
	})
	return out, err
}
