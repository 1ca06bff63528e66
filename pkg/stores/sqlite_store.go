package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface on a SQLite database. Like
// the memory store it serializes every operation through a dispatcher
// goroutine; the SQL statements of one operation therefore never
// interleave with another's.
type SQLiteStore struct {
	d    *dispatcher
	db   *sql.DB
	path string
	now  func() int64

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration

	// Owned by the dispatcher goroutine.
	journals map[string]*sqlJournal

	obsMu     sync.Mutex
	observers map[int]func()
	obsNext   int

	logger zerolog.Logger
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Now supplies commit timestamps in unix nanoseconds. Nil uses the
	// wall clock.
	Now func() int64

	Logger zerolog.Logger
}

// sqlJournal stages mutations in memory; CommitJournal writes them in a
// single transaction.
type sqlJournal struct {
	id      string
	store   *SQLiteStore
	parents []CommitID
	merge   bool
	base    map[string]Entry
	pending map[string]journalOp
	closed  bool
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = func() int64 { return time.Now().UnixNano() }
	}

	return &SQLiteStore{
		d:               newDispatcher(),
		path:            cfg.Path,
		now:             now,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
		journals:        make(map[string]*sqlJournal),
		observers:       make(map[int]func()),
		logger:          cfg.Logger.With().Str("component", "sqlite-store").Logger(),
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close stops the dispatcher and closes the database. Accepted operations
// finish first.
func (s *SQLiteStore) Close() error {
	s.d.close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// StartCommit opens a single-parent journal. See Store.
func (s *SQLiteStore) StartCommit(parent CommitID, t JournalType, done func(Status, Journal)) {
	_ = t // implicit journals would be discarded on recovery; staging is in memory either way
	s.run(func() { done(s.startJournal([]CommitID{parent}, false)) }, func() { done(StatusIllegalState, nil) })
}

// StartMergeCommit opens a two-parent merge journal. See Store.
func (s *SQLiteStore) StartMergeCommit(left, right CommitID, done func(Status, Journal)) {
	s.run(func() { done(s.startJournal([]CommitID{left, right}, true)) }, func() { done(StatusIllegalState, nil) })
}

func (s *SQLiteStore) startJournal(parents []CommitID, merge bool) (Status, Journal) {
	if s.db == nil {
		return StatusIllegalState, nil
	}
	base := make(map[string]Entry)
	for i, p := range parents {
		if p == "" {
			if merge {
				return StatusIllegalState, nil
			}
			continue
		}
		var exists int
		err := s.db.QueryRow("SELECT 1 FROM commits WHERE id = ?", string(p)).Scan(&exists)
		if err == sql.ErrNoRows {
			return StatusKeyNotFound, nil
		}
		if err != nil {
			s.logger.Error().Err(err).Str("commit_id", string(p)).Msg("Failed to look up parent commit")
			return StatusIOError, nil
		}
		if i == 0 {
			view, st := s.loadView(p)
			if st != StatusOK {
				return st, nil
			}
			base = view
		}
	}

	j := &sqlJournal{
		id:      uuid.NewString(),
		store:   s,
		parents: append([]CommitID(nil), parents...),
		merge:   merge,
		base:    base,
		pending: make(map[string]journalOp),
	}
	s.journals[j.id] = j
	return StatusOK, j
}

func (s *SQLiteStore) loadView(id CommitID) (map[string]Entry, Status) {
	rows, err := s.db.Query(
		"SELECT key, object_id, priority FROM commit_entries WHERE commit_id = ?", string(id))
	if err != nil {
		s.logger.Error().Err(err).Str("commit_id", string(id)).Msg("Failed to load commit entries")
		return nil, StatusIOError
	}
	defer rows.Close()

	view := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, (*string)(&e.ObjectID), (*string)(&e.Priority)); err != nil {
			return nil, StatusIOError
		}
		view[e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, StatusIOError
	}
	return view, StatusOK
}

// CommitJournal finalizes a journal in a single transaction. See Store.
func (s *SQLiteStore) CommitJournal(j Journal, done func(Status, *Commit)) {
	s.run(func() { done(s.commitJournal(j)) }, func() { done(StatusIllegalState, nil) })
}

func (s *SQLiteStore) commitJournal(j Journal) (Status, *Commit) {
	sj, ok := s.openJournal(j)
	if !ok {
		return StatusIllegalState, nil
	}
	sj.closed = true
	delete(s.journals, sj.id)

	view := make(map[string]Entry, len(sj.base)+len(sj.pending))
	for k, e := range sj.base {
		view[k] = e
	}
	for k, op := range sj.pending {
		if op.del {
			delete(view, k)
			continue
		}
		view[k] = op.entry
	}

	var (
		timestamp  int64
		generation uint64
	)
	parents := make([]CommitID, 0, len(sj.parents))
	for _, p := range sj.parents {
		if p == "" {
			continue
		}
		parents = append(parents, p)
		var pts int64
		var pgen uint64
		err := s.db.QueryRow("SELECT timestamp, generation FROM commits WHERE id = ?", string(p)).
			Scan(&pts, &pgen)
		if err != nil {
			s.logger.Error().Err(err).Str("commit_id", string(p)).Msg("Failed to load parent commit")
			return StatusIOError, nil
		}
		if pts > timestamp {
			timestamp = pts
		}
		if pgen > generation {
			generation = pgen
		}
	}
	if !sj.merge {
		timestamp = s.now()
	}
	generation++

	entries := viewToEntries(view)
	commit := &Commit{
		ID:         ComputeCommitID(parents, timestamp, generation, entries),
		Parents:    parents,
		Timestamp:  timestamp,
		Generation: generation,
	}

	if st := s.writeCommit(commit, entries); st != StatusOK {
		return st, nil
	}

	s.logger.Debug().
		Str("commit_id", string(commit.ID)).
		Int("parents", len(parents)).
		Int("entries", len(entries)).
		Msg("Journal committed")

	s.notifyHeadObservers()
	return StatusOK, commit.Clone()
}

func (s *SQLiteStore) writeCommit(commit *Commit, entries []Entry) Status {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to begin transaction")
		return StatusIOError
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO commits (id, timestamp, generation, created_at) VALUES (?, ?, ?, ?)",
		string(commit.ID), commit.Timestamp, commit.Generation, s.now()); err != nil {
		return StatusIOError
	}
	for ord, p := range commit.Parents {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO commit_parents (commit_id, parent_id, ord) VALUES (?, ?, ?)",
			string(commit.ID), string(p), ord); err != nil {
			return StatusIOError
		}
	}
	for _, e := range entries {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO commit_entries (commit_id, key, object_id, priority) VALUES (?, ?, ?, ?)",
			string(commit.ID), e.Key, string(e.ObjectID), string(e.Priority)); err != nil {
			return StatusIOError
		}
	}
	for _, p := range commit.Parents {
		if _, err := tx.Exec("DELETE FROM heads WHERE commit_id = ?", string(p)); err != nil {
			return StatusIOError
		}
	}
	if _, err := tx.Exec(
		"INSERT OR IGNORE INTO heads (commit_id) VALUES (?)", string(commit.ID)); err != nil {
		return StatusIOError
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to commit transaction")
		return StatusIOError
	}
	return StatusOK
}

// RollbackJournal discards a journal. See Store.
func (s *SQLiteStore) RollbackJournal(j Journal, done func(Status)) {
	s.run(func() {
		sj, ok := s.openJournal(j)
		if !ok {
			done(StatusIllegalState)
			return
		}
		sj.closed = true
		delete(s.journals, sj.id)
		done(StatusOK)
	}, func() { done(StatusIllegalState) })
}

// GetCommit loads a commit by id. See Store.
func (s *SQLiteStore) GetCommit(id CommitID, done func(Status, *Commit)) {
	s.run(func() {
		c, st := s.getCommit(id)
		done(st, c)
	}, func() { done(StatusIllegalState, nil) })
}

func (s *SQLiteStore) getCommit(id CommitID) (*Commit, Status) {
	if s.db == nil {
		return nil, StatusIllegalState
	}
	c := &Commit{ID: id}
	err := s.db.QueryRow("SELECT timestamp, generation FROM commits WHERE id = ?", string(id)).
		Scan(&c.Timestamp, &c.Generation)
	if err == sql.ErrNoRows {
		return nil, StatusKeyNotFound
	}
	if err != nil {
		s.logger.Error().Err(err).Str("commit_id", string(id)).Msg("Failed to get commit")
		return nil, StatusIOError
	}

	rows, err := s.db.Query(
		"SELECT parent_id FROM commit_parents WHERE commit_id = ? ORDER BY ord", string(id))
	if err != nil {
		return nil, StatusIOError
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, StatusIOError
		}
		c.Parents = append(c.Parents, CommitID(p))
	}
	if err := rows.Err(); err != nil {
		return nil, StatusIOError
	}
	return c, StatusOK
}

// GetHeadCommitIDs reports heads ordered by (timestamp, id). See Store.
func (s *SQLiteStore) GetHeadCommitIDs(done func(Status, []CommitID)) {
	s.run(func() {
		if s.db == nil {
			done(StatusIllegalState, nil)
			return
		}
		rows, err := s.db.Query(
			"SELECT h.commit_id FROM heads h JOIN commits c ON c.id = h.commit_id ORDER BY c.timestamp, h.commit_id")
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to list heads")
			done(StatusIOError, nil)
			return
		}
		defer rows.Close()

		var ids []CommitID
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				done(StatusIOError, nil)
				return
			}
			ids = append(ids, CommitID(id))
		}
		if err := rows.Err(); err != nil {
			done(StatusIOError, nil)
			return
		}
		done(StatusOK, ids)
	}, func() { done(StatusIllegalState, nil) })
}

// GetCommitContents returns a commit's sorted key-value view. See Store.
func (s *SQLiteStore) GetCommitContents(c *Commit, done func(Status, []Entry)) {
	s.run(func() {
		if s.db == nil {
			done(StatusIllegalState, nil)
			return
		}
		if _, st := s.getCommit(c.ID); st != StatusOK {
			done(st, nil)
			return
		}
		view, st := s.loadView(c.ID)
		if st != StatusOK {
			done(st, nil)
			return
		}
		done(StatusOK, viewToEntries(view))
	}, func() { done(StatusIllegalState, nil) })
}

// GetEntryFromCommit looks up one key in a commit's view. See Store.
func (s *SQLiteStore) GetEntryFromCommit(c *Commit, key string, done func(Status, *Entry)) {
	s.run(func() {
		if s.db == nil {
			done(StatusIllegalState, nil)
			return
		}
		e := Entry{Key: key}
		err := s.db.QueryRow(
			"SELECT object_id, priority FROM commit_entries WHERE commit_id = ? AND key = ?",
			string(c.ID), key).Scan((*string)(&e.ObjectID), (*string)(&e.Priority))
		if err == sql.ErrNoRows {
			done(StatusKeyNotFound, nil)
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("key", key).Msg("Failed to get entry")
			done(StatusIOError, nil)
			return
		}
		done(StatusOK, &e)
	}, func() { done(StatusIllegalState, nil) })
}

// AddObjectFromLocal stores a value blob. See Store.
func (s *SQLiteStore) AddObjectFromLocal(data []byte, done func(Status, ObjectID)) {
	s.run(func() {
		if s.db == nil {
			done(StatusIllegalState, "")
			return
		}
		id := ComputeObjectID(data)
		if _, err := s.db.Exec(
			"INSERT OR IGNORE INTO objects (id, data, created_at) VALUES (?, ?, ?)",
			string(id), data, s.now()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to add object")
			done(StatusIOError, "")
			return
		}
		done(StatusOK, id)
	}, func() { done(StatusIllegalState, "") })
}

// GetObject loads an object's bytes. The store holds all objects locally;
// the location hint is ignored. See Store.
func (s *SQLiteStore) GetObject(id ObjectID, _ ObjectLocation, done func(Status, []byte)) {
	s.run(func() {
		if s.db == nil {
			done(StatusIllegalState, nil)
			return
		}
		var data []byte
		err := s.db.QueryRow("SELECT data FROM objects WHERE id = ?", string(id)).Scan(&data)
		if err == sql.ErrNoRows {
			done(StatusKeyNotFound, nil)
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("object_id", string(id)).Msg("Failed to get object")
			done(StatusIOError, nil)
			return
		}
		done(StatusOK, data)
	}, func() { done(StatusIllegalState, nil) })
}

// WatchHeads registers a head-change observer. See Store.
func (s *SQLiteStore) WatchHeads(observer func()) (cancel func()) {
	s.obsMu.Lock()
	id := s.obsNext
	s.obsNext++
	s.observers[id] = observer
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *SQLiteStore) notifyHeadObservers() {
	s.obsMu.Lock()
	obs := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		obs = append(obs, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

func (s *SQLiteStore) run(task, reject func()) {
	if !s.d.enqueue(task) {
		go reject()
	}
}

func (s *SQLiteStore) openJournal(j Journal) (*sqlJournal, bool) {
	sj, ok := j.(*sqlJournal)
	if !ok || sj.store != s || sj.closed {
		return nil, false
	}
	if _, live := s.journals[sj.id]; !live {
		return nil, false
	}
	return sj, true
}

// ID implements Journal.
func (j *sqlJournal) ID() string { return j.id }

// Put implements Journal.
func (j *sqlJournal) Put(key string, object ObjectID, priority Priority, done func(Status)) {
	j.store.run(func() {
		if _, ok := j.store.openJournal(j); !ok {
			done(StatusIllegalState)
			return
		}
		j.pending[key] = journalOp{entry: Entry{Key: key, ObjectID: object, Priority: priority}}
		done(StatusOK)
	}, func() { done(StatusIllegalState) })
}

// Delete implements Journal.
func (j *sqlJournal) Delete(key string, done func(Status)) {
	j.store.run(func() {
		if _, ok := j.store.openJournal(j); !ok {
			done(StatusIllegalState)
			return
		}
		j.pending[key] = journalOp{del: true}
		done(StatusOK)
	}, func() { done(StatusIllegalState) })
}
