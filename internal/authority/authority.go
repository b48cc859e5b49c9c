// Package authority is the central coordinator: it owns the repo
// aggregates (publications, bundles, promotions, releases, lanes, pins,
// gate graphs) in an embedded BadgerDB and a content-addressed object
// store per repo. Aggregate mutations lock per (repo, scope, gate);
// object reads never lock.
package authority

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/converge-vcs/converge/internal/converr"
	"github.com/converge-vcs/converge/internal/gate"
	"github.com/converge-vcs/converge/internal/store"
)

// Authority serves every repo under one data directory.
type Authority struct {
	db      *badger.DB
	dataDir string
	log     zerolog.Logger

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	stores map[string]*store.Store
}

// Options configures Open.
type Options struct {
	DataDir  string
	InMemory bool // state kept in memory; objects still hit disk
	Logger   zerolog.Logger
}

// Open starts an authority over the given data directory.
func Open(opts Options) (*Authority, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		bopts = badger.DefaultOptions(filepath.Join(opts.DataDir, "state"))
	}
	bopts = bopts.WithLogger(nil)
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	return &Authority{
		db:      db,
		dataDir: opts.DataDir,
		log:     opts.Logger,
		locks:   make(map[string]*sync.Mutex),
		stores:  make(map[string]*store.Store),
	}, nil
}

// Close releases the state database.
func (a *Authority) Close() error { return a.db.Close() }

// lock returns the mutex serializing one (repo, scope, gate) cell.
func (a *Authority) lock(repo, scope, gateID string) *sync.Mutex {
	key := repo + "\x00" + scope + "\x00" + gateID
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.locks[key]
	if !ok {
		m = &sync.Mutex{}
		a.locks[key] = m
	}
	return m
}

// Store returns (opening if needed) the object store for a repo.
func (a *Authority) Store(repoID string) (*store.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.stores[repoID]; ok {
		return st, nil
	}
	st, err := store.Open(filepath.Join(a.dataDir, repoID, "objects"))
	if err != nil {
		return nil, err
	}
	a.stores[repoID] = st
	return st, nil
}

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// wrapTxnErr maps badger transaction conflicts to the retriable
// concurrent-modification kind.
func wrapTxnErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, badger.ErrConflict) {
		return converr.New(converr.KindConcurrentModification, err)
	}
	return err
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, b)
}

func jsonUnmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func getJSON(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// CreateRepo registers a repo with the default single-gate graph.
func (a *Authority) CreateRepo(id string) (*Repo, error) {
	if err := ValidateRepoID(id); err != nil {
		return nil, err
	}
	repo := &Repo{ID: id, CreatedAt: now()}
	err := a.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(repoKey(id)); err == nil {
			return fmt.Errorf("repo %s already exists", id)
		}
		if err := putJSON(txn, repoKey(id), repo); err != nil {
			return err
		}
		return putJSON(txn, graphKey(id), gate.DefaultGraph())
	})
	if err != nil {
		return nil, wrapTxnErr(err)
	}
	if _, err := a.Store(id); err != nil {
		return nil, err
	}
	a.log.Info().Str("repo", id).Msg("repo created")
	return repo, nil
}

// GetRepo loads a repo record.
func (a *Authority) GetRepo(id string) (*Repo, error) {
	var repo Repo
	err := a.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, repoKey(id), &repo)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, converr.New(converr.KindRepoUnknown, fmt.Errorf("repo %s not found", id))
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

// ListRepos returns every repo id.
func (a *Authority) ListRepos() ([]string, error) {
	var ids []string
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte("repo:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

// AddScope registers a scope on a repo. Idempotent.
func (a *Authority) AddScope(repoID, scope string) error {
	if err := ValidateScopeID(scope); err != nil {
		return err
	}
	err := a.db.Update(func(txn *badger.Txn) error {
		var repo Repo
		if err := getJSON(txn, repoKey(repoID), &repo); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return converr.New(converr.KindRepoUnknown, fmt.Errorf("repo %s not found", repoID))
			}
			return err
		}
		for _, s := range repo.Scopes {
			if s == scope {
				return nil
			}
		}
		repo.Scopes = append(repo.Scopes, scope)
		return putJSON(txn, repoKey(repoID), &repo)
	})
	return wrapTxnErr(err)
}

func (a *Authority) hasScope(repoID, scope string) (bool, error) {
	repo, err := a.GetRepo(repoID)
	if err != nil {
		return false, err
	}
	for _, s := range repo.Scopes {
		if s == scope {
			return true, nil
		}
	}
	return false, nil
}

// GateGraph loads a repo's gate graph.
func (a *Authority) GateGraph(repoID string) (*gate.Graph, error) {
	var g gate.Graph
	err := a.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, graphKey(repoID), &g)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, converr.New(converr.KindRepoUnknown, fmt.Errorf("repo %s not found", repoID))
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// PutGateGraph replaces a repo's gate graph after structural and semantic
// validation. Validation failures are collected, and the stored graph is
// untouched on rejection.
func (a *Authority) PutGateGraph(repoID string, doc []byte) (*gate.Graph, []gate.Issue, error) {
	if err := gate.ValidateDocument(doc); err != nil {
		return nil, nil, converr.New(converr.KindGateGraphInvalid, err)
	}
	var g gate.Graph
	if err := json.Unmarshal(doc, &g); err != nil {
		return nil, nil, converr.New(converr.KindGateGraphInvalid, err)
	}
	if issues := gate.Validate(&g); len(issues) > 0 {
		return nil, issues, gate.Err(issues)
	}
	if _, err := a.GetRepo(repoID); err != nil {
		return nil, nil, err
	}
	err := a.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, graphKey(repoID), &g)
	})
	if err != nil {
		return nil, nil, wrapTxnErr(err)
	}
	a.log.Info().Str("repo", repoID).Int("gates", len(g.Gates)).Msg("gate graph replaced")
	return &g, nil, nil
}
