package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/healthdb/healthdb/pkg/types"
)

// Definition statically describes a logical database.
type Definition struct {
	// Name is the database name; the file is <dir>/<Name>.db
	Name string

	// Version is the required database version
	Version int

	// Tables are the tables held by the database
	Tables []*types.Table

	// Views are the derived views held by the database
	Views []types.View
}

// Validate checks the definition's tables and views.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("store: database name is required")
	}
	seen := make(map[string]bool, len(d.Tables))
	for _, t := range d.Tables {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("store: %s: %w", d.Name, err)
		}
		if t.Name == attributesTable || seen[t.Name] {
			return fmt.Errorf("store: %s: table name %q is reserved or duplicated", d.Name, t.Name)
		}
		seen[t.Name] = true
	}
	owners := make(map[string]bool, len(d.Views))
	for _, v := range d.Views {
		if !seen[v.Table] {
			return fmt.Errorf("store: %s: view %s belongs to unknown table %q", d.Name, v.Name, v.Table)
		}
		if owners[v.Table] {
			return fmt.Errorf("store: %s: table %s has more than one view", d.Name, v.Table)
		}
		owners[v.Table] = true
	}
	return nil
}

// Options configure how a logical database is opened.
type Options struct {
	// Location is the zone timestamps are stored in; nil means time.Local
	Location *time.Location

	// Retry governs transient error handling
	Retry RetryPolicy

	// Logger receives retry and view rebuild events; nil disables logging
	Logger *zap.Logger

	// ReadConns is the size of the read pool (default 4)
	ReadConns int
}

// Database is one open logical database: a single write connection and a
// pool of read-only connections over the same SQLite file.
type Database struct {
	def      Definition
	path     string
	db       *sql.DB
	readDB   *sql.DB
	versions *VersionManager
	codec    codec
	retry    RetryPolicy
	logger   *zap.Logger
	tables   map[string]*types.Table
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the logical database under dir. The database
// version is verified before any table is created, then each table's
// version is verified before its DDL runs, then stale views are rebuilt.
// A version mismatch is fatal and leaves no connection open.
func Open(ctx context.Context, dir string, def Definition, opts Options) (*Database, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("store: failed to create directory %s: %w", dir, err)
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Retry.Attempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadConns <= 0 {
		opts.ReadConns = 4
	}

	path := filepath.Join(dir, def.Name+".db")

	// Write connection: single writer with WAL mode. Transactions take the
	// write lock up front so a session never deadlocks on lock upgrade.
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database %s: %w", def.Name, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &Database{
		def:      def,
		path:     path,
		db:       db,
		versions: NewVersionManager(db, def.Name),
		codec:    codec{loc: opts.Location},
		retry:    opts.Retry,
		logger:   opts.Logger.With(zap.String("db", def.Name)),
		tables:   make(map[string]*types.Table, len(def.Tables)),
	}
	for _, t := range def.Tables {
		d.tables[t.Name] = t
	}

	if err := d.initialize(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: failed to open read database %s: %w", def.Name, err)
	}
	readDB.SetMaxOpenConns(opts.ReadConns)
	readDB.SetMaxIdleConns(opts.ReadConns)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	d.readDB = readDB

	return d, nil
}

func (d *Database) initialize(ctx context.Context) error {
	return d.retry.Do(ctx, d.logger, "open "+d.def.Name, func() error {
		if _, err := d.db.ExecContext(ctx, CreateAttributesTableSQL); err != nil {
			return fmt.Errorf("store: %s: failed to create attributes table: %w", d.def.Name, err)
		}
		if err := d.versions.CheckDatabaseVersion(ctx, d.def.Version); err != nil {
			return err
		}
		for _, t := range d.def.Tables {
			if err := d.versions.CheckTableVersion(ctx, t); err != nil {
				return err
			}
			for _, stmt := range AllTableSQL(t) {
				if _, err := d.db.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("store: %s: failed to create table %s: %w", d.def.Name, t.Name, err)
				}
			}
		}
		return d.ensureViews(ctx)
	})
}

// Name returns the logical database name.
func (d *Database) Name() string {
	return d.def.Name
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.path
}

// Location returns the zone timestamps are stored in.
func (d *Database) Location() *time.Location {
	return d.codec.loc
}

// Versions returns the database's version manager.
func (d *Database) Versions() *VersionManager {
	return d.versions
}

// Table looks up a declared table by name.
func (d *Database) Table(name string) (*types.Table, bool) {
	t, ok := d.tables[name]
	return t, ok
}

// Store returns an autocommit store for t on the write connection. It must
// not be used while a Session of the same database is open.
func (d *Database) Store(t *types.Table) *Store {
	return d.newStore(t, d.db)
}

// Reader returns a store for t on the read pool. Writes through it fail.
func (d *Database) Reader(t *types.Table) *Store {
	return d.newStore(t, d.readDB)
}

func (d *Database) newStore(t *types.Table, q querier) *Store {
	return &Store{
		table:  t,
		q:      q,
		codec:  d.codec,
		retry:  d.retry,
		logger: d.logger,
		dbName: d.def.Name,
	}
}

// Close closes both connection pools.
func (d *Database) Close() error {
	var firstErr error
	if d.readDB != nil {
		if err := d.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if err := d.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
