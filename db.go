// Package blite is the embeddable entry point wiring the PageFile, WAL,
// transaction manager, checkpoint manager, field schema, collection
// manager, and change dispatcher into a single on-disk document database
// (spec §1).
package blite

import (
	"fmt"
	"os"
	"sync"

	"github.com/blitedb/blite/cbson"
	"github.com/blitedb/blite/changefeed"
	"github.com/blitedb/blite/checkpoint"
	"github.com/blitedb/blite/collection"
	"github.com/blitedb/blite/config"
	"github.com/blitedb/blite/storage"
	"github.com/blitedb/blite/txn"
	"github.com/blitedb/blite/wal"
)

// Config is the set of options recognized by spec §6.4 (pageSize,
// growBlockBytes, walAutoCheckpointBytes, walAutoCheckpointInterval,
// cachePages, maxDocumentBytes). It is an alias of config.Config so callers
// can write blite.Config / blite.WithPageSize without importing the config
// package directly.
type Config = config.Config

// Option mutates a Config under construction.
type Option = config.Option

var (
	WithPageSize                  = config.WithPageSize
	WithGrowBlockBytes            = config.WithGrowBlockBytes
	WithWalAutoCheckpointBytes    = config.WithWalAutoCheckpointBytes
	WithWalAutoCheckpointInterval = config.WithWalAutoCheckpointInterval
	WithCachePages                = config.WithCachePages
	WithMaxDocumentBytes          = config.WithMaxDocumentBytes
)

// LoadConfig reads recognized options from a YAML/JSON/TOML file, with
// environment variables overriding the file and defaults filling the rest.
func LoadConfig(path string) (Config, error) {
	return config.Load(path)
}

// DB is one open BLite database: a PageFile-backed file (or an in-memory
// instance for tests and ephemeral use) plus every layer built on top of
// it.
type DB struct {
	mu sync.Mutex

	cfg    config.Config
	pf     *storage.PageFile
	log    *wal.WAL
	walTmp bool

	schema  *cbson.FieldSchema
	txnMgr  *txn.Manager
	ckptMgr *checkpoint.Manager
	feed    *changefeed.Dispatcher
	coll    *collection.Manager

	closed bool
}

// Open opens (creating if necessary) the database file at path, replaying
// and truncating its write-ahead log if the previous session ended
// uncleanly, and starts the periodic checkpoint trigger.
func Open(path string, opts ...config.Option) (*DB, error) {
	cfg := config.New(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pf, err := storage.Open(path, cfg.PageFileOptions())
	if err != nil {
		return nil, fmt.Errorf("blite: open %q: %w", path, err)
	}
	w, err := wal.Open(path + ".wal")
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("blite: open wal for %q: %w", path, err)
	}
	db, err := newDB(cfg, pf, w, false)
	if err != nil {
		w.Close()
		pf.Close()
		return nil, err
	}
	return db, nil
}

// OpenMemory opens an ephemeral, non-persistent database backed by an
// in-memory PageFile, useful for tests and scratch collections. Its
// write-ahead log still lives on disk (the transaction manager and
// checkpoint manager require a real file) but is removed on Close.
func OpenMemory(opts ...config.Option) (*DB, error) {
	cfg := config.New(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pf, err := storage.OpenMemory(cfg.PageFileOptions())
	if err != nil {
		return nil, fmt.Errorf("blite: open memory pagefile: %w", err)
	}
	tmp, err := os.CreateTemp("", "blite-*.wal")
	if err != nil {
		pf.Close()
		return nil, fmt.Errorf("blite: create temp wal: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	w, err := wal.Open(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		pf.Close()
		return nil, fmt.Errorf("blite: open temp wal: %w", err)
	}
	db, err := newDB(cfg, pf, w, true)
	if err != nil {
		w.Close()
		os.Remove(tmpPath)
		pf.Close()
		return nil, err
	}
	return db, nil
}

func newDB(cfg config.Config, pf *storage.PageFile, w *wal.WAL, walTmp bool) (*DB, error) {
	txnMgr := txn.NewManager(w)
	ckptMgr := checkpoint.NewManager(pf, w, txnMgr, cfg.CheckpointOptions())
	if err := ckptMgr.Recover(); err != nil {
		return nil, fmt.Errorf("blite: recover: %w", err)
	}

	schema, err := cbson.LoadFieldSchema(pf)
	if err != nil {
		return nil, fmt.Errorf("blite: load field schema: %w", err)
	}
	schema.Attach(pf)

	feed := changefeed.NewDispatcher()
	coll, err := collection.Open(pf, schema, txnMgr, feed, cfg.CollectionOptions())
	if err != nil {
		return nil, fmt.Errorf("blite: open collection manager: %w", err)
	}

	if err := ckptMgr.Start(); err != nil {
		return nil, fmt.Errorf("blite: start checkpoint scheduler: %w", err)
	}

	return &DB{
		cfg:     cfg,
		pf:      pf,
		log:     w,
		walTmp:  walTmp,
		schema:  schema,
		txnMgr:  txnMgr,
		ckptMgr: ckptMgr,
		feed:    feed,
		coll:    coll,
	}, nil
}

// Begin starts a new transaction against this database.
func (db *DB) Begin(isolation txn.Isolation) (*txn.Txn, error) {
	return db.txnMgr.Begin(isolation)
}

// CreateCollection registers a new collection named name, keyed by keyType.
func (db *DB) CreateCollection(name string, keyType collection.KeyType) (*collection.Collection, error) {
	return db.coll.Create(name, keyType)
}

// Collection looks up a previously created collection.
func (db *DB) Collection(name string) (*collection.Collection, bool) {
	return db.coll.Collection(name)
}

// CollectionNames lists every registered collection.
func (db *DB) CollectionNames() []string {
	return db.coll.Names()
}

// Subscribe opens a change-feed subscription for collection (spec §4.7,
// §6.3). A non-positive capacity falls back to changefeed.DefaultQueueCapacity.
func (db *DB) Subscribe(collection string, capacity int) *changefeed.Subscription {
	return db.feed.Subscribe(collection, capacity)
}

// Checkpoint runs one checkpoint pass in the given mode, applying committed
// WAL writes to the PageFile and, for Truncate/Restart, reclaiming log
// space.
func (db *DB) Checkpoint(mode checkpoint.Mode) error {
	return db.ckptMgr.Run(mode)
}

// Close runs a final Truncate checkpoint, persists the field schema, and
// releases the PageFile and WAL. Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true

	db.ckptMgr.Stop()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(db.ckptMgr.Run(checkpoint.Truncate))
	record(db.schema.Persist(db.pf))
	record(db.log.Close())
	record(db.pf.Close())
	if db.walTmp {
		os.Remove(db.log.Path())
	}
	return firstErr
}
