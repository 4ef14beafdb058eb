package engine

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/realmkit/internal/database"
)

// MigrationFunc is invoked inside a write when the file's schema version is older than the
// requested one.
type MigrationFunc func(conn *Conn, oldVersion uint64) error

// Config describes how to open a connection.
type Config struct {
	Path          string
	SchemaVersion uint64
	EncryptionKey []byte
	Migration     MigrationFunc
	// SchemaJSON is persisted so later opens without a schema can recover it.
	SchemaJSON []byte
	WatchFile  bool
	Logger     *zap.Logger
}

type writeState struct {
	tx            *gorm.DB
	working       *snapshot
	version       int64
	dirty         bool
	schemaVersion *uint64
	schemaJSON    []byte
}

// Conn is one connection to a realm file. A Conn is not safe for concurrent use; separate
// goroutines open separate connections.
type Conn struct {
	id     string
	coord  *coordinator
	logger *zap.Logger
	view   *snapshot
	write  *writeState
	closed bool

	tokenMu sync.Mutex
	tokens  []*Token
}

// Open connects to the file at cfg.Path, creating it when missing, and runs the migration
// callback exactly once when the stored schema version is older than cfg.SchemaVersion.
func Open(cfg Config) (*Conn, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coord, err := acquireCoordinator(cfg.Path, cfg.EncryptionKey, logger)
	if err != nil {
		return nil, err
	}
	conn := &Conn{
		id:     uuid.NewString(),
		coord:  coord,
		logger: logger,
		view:   coord.latestSnapshot(),
	}
	if cfg.WatchFile {
		if err := coord.ensureWatcher(); err != nil {
			logger.Warn("file watcher unavailable", zap.String("path", coord.path), zap.Error(err))
		}
	}
	if err := conn.prepare(cfg); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Conn) prepare(cfg Config) error {
	known, stored, storedJSON := c.coord.schemaState()
	if known && stored > cfg.SchemaVersion {
		return fmt.Errorf("%w: file has %d, requested %d", ErrSchemaVersionDowngrade, stored, cfg.SchemaVersion)
	}
	schemaChanged := cfg.SchemaJSON != nil && !bytes.Equal(storedJSON, cfg.SchemaJSON)
	if known && stored == cfg.SchemaVersion && !schemaChanged {
		return nil
	}

	if err := c.BeginWrite(); err != nil {
		return err
	}
	// Another connection may have migrated while this one waited for the write lock.
	known, stored, storedJSON = c.coord.schemaState()
	if known && stored > cfg.SchemaVersion {
		_ = c.CancelWrite()
		return fmt.Errorf("%w: file has %d, requested %d", ErrSchemaVersionDowngrade, stored, cfg.SchemaVersion)
	}
	if known && stored < cfg.SchemaVersion && cfg.Migration != nil {
		if err := c.migrate(cfg, stored); err != nil {
			_ = c.CancelWrite()
			return err
		}
	}
	if !known || stored != cfg.SchemaVersion {
		version := cfg.SchemaVersion
		c.write.schemaVersion = &version
		if err := c.write.tx.Save(&metaRecord{Key: metaSchemaVersion, IntValue: int64(version)}).Error; err != nil {
			_ = c.CancelWrite()
			return storageError("store schema version", err)
		}
	}
	if cfg.SchemaJSON != nil && !bytes.Equal(storedJSON, cfg.SchemaJSON) {
		c.write.schemaJSON = slices.Clone(cfg.SchemaJSON)
		if err := c.write.tx.Save(&metaRecord{Key: metaSchemaJSON, Blob: cfg.SchemaJSON}).Error; err != nil {
			_ = c.CancelWrite()
			return storageError("store schema", err)
		}
	}
	_, err := c.CommitWrite()
	return err
}

func (c *Conn) migrate(cfg Config, from uint64) error {
	var callbackErr error
	migration := database.Migration{
		Name: fmt.Sprintf("schema_v%d_to_v%d", from, cfg.SchemaVersion),
		Apply: func(*gorm.DB) error {
			callbackErr = runMigration(c, cfg.Migration, from)
			return callbackErr
		},
	}
	if err := database.ApplyMigrations(c.write.tx, c.logger, []database.Migration{migration}); err != nil {
		if callbackErr != nil {
			return &MigrationFailure{FromVersion: from, ToVersion: cfg.SchemaVersion, Err: callbackErr}
		}
		return storageError("record migration", err)
	}
	return nil
}

func runMigration(conn *Conn, fn MigrationFunc, from uint64) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("migration panicked: %v", recovered)
		}
	}()
	return fn(conn, from)
}

// ID identifies this connection.
func (c *Conn) ID() string {
	return c.id
}

// Path returns the absolute file path.
func (c *Conn) Path() string {
	return c.coord.path
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool {
	return c.closed
}

// Close cancels any open write, stops notification tokens and releases the file once the
// last connection is gone. Close is idempotent.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	if c.write != nil {
		_ = c.CancelWrite()
	}
	c.tokenMu.Lock()
	tokens := c.tokens
	c.tokens = nil
	c.tokenMu.Unlock()
	for _, token := range tokens {
		token.markClosed()
	}
	c.closed = true
	return c.coord.release()
}

// BeginWrite acquires the file's write lock, advancing the connection to the latest version.
func (c *Conn) BeginWrite() error {
	if c.closed {
		return ErrClosed
	}
	if c.write != nil {
		return ErrWriteInProgress
	}
	c.coord.writeMu.Lock()
	tx := c.coord.db.Begin()
	if tx.Error != nil {
		c.coord.writeMu.Unlock()
		return storageError("begin", tx.Error)
	}
	latest := c.coord.latestSnapshot()
	stored, err := readCommitVersion(tx)
	if err == nil && stored > latest.version {
		var reloaded *snapshot
		reloaded, err = loadSnapshot(tx, c.coord.sealer)
		if err == nil {
			c.coord.publish(reloaded)
			latest = reloaded
		}
	}
	if err == nil {
		err = c.coord.advanceRowIDs(tx)
	}
	if err != nil {
		tx.Rollback()
		c.coord.writeMu.Unlock()
		return err
	}
	c.view = latest
	c.write = &writeState{tx: tx, working: latest.fork(), version: latest.version + 1}
	return nil
}

// InWrite reports whether a write transaction is open.
func (c *Conn) InWrite() bool {
	return c.write != nil
}

// CommitWrite persists the open write and publishes the new version.
func (c *Conn) CommitWrite() (int64, error) {
	w := c.write
	if w == nil {
		return 0, ErrNotInWrite
	}
	defer func() {
		c.write = nil
		c.coord.writeMu.Unlock()
	}()

	if !w.dirty && w.schemaVersion == nil && w.schemaJSON == nil {
		w.tx.Rollback()
		return c.view.version, nil
	}
	if w.dirty {
		if err := w.tx.Save(&metaRecord{Key: metaCommitVersion, IntValue: w.version}).Error; err != nil {
			w.tx.Rollback()
			return 0, storageError("store commit version", err)
		}
		if err := w.tx.Save(&metaRecord{Key: metaNextRowID, IntValue: c.coord.nextRowID}).Error; err != nil {
			w.tx.Rollback()
			return 0, storageError("store next row id", err)
		}
		w.working.version = w.version
	}
	if err := w.tx.Commit().Error; err != nil {
		return 0, storageError("commit", err)
	}
	c.coord.setSchemaState(w.schemaVersion, w.schemaJSON)
	if w.dirty {
		c.coord.publish(w.working)
		c.view = w.working
	}
	return c.view.version, nil
}

// CancelWrite discards the open write.
func (c *Conn) CancelWrite() error {
	w := c.write
	if w == nil {
		return ErrNotInWrite
	}
	c.write = nil
	defer c.coord.writeMu.Unlock()
	if err := w.tx.Rollback().Error; err != nil {
		return storageError("rollback", err)
	}
	return nil
}

func (c *Conn) requireWrite() (*writeState, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.write == nil {
		return nil, ErrNotInWrite
	}
	return c.write, nil
}

func (c *Conn) current() *snapshot {
	if c.write != nil {
		return c.write.working
	}
	return c.view
}

// Insert adds a row. primaryKey is the canonical string form of the primary key, if any.
func (c *Conn) Insert(class string, primaryKey *string, payload []byte) (Row, error) {
	w, err := c.requireWrite()
	if err != nil {
		return Row{}, err
	}
	var key *string
	if primaryKey != nil {
		if _, exists := w.working.lookup(class, *primaryKey); exists {
			return Row{}, fmt.Errorf("%w: %s %q", ErrDuplicatePrimaryKey, class, *primaryKey)
		}
		copied := *primaryKey
		key = &copied
	}
	sealed, err := c.coord.sealer.seal(class, payload)
	if err != nil {
		return Row{}, storageError("seal", err)
	}
	record := rowRecord{ID: c.coord.allocateRowID(), Class: class, PrimaryKey: key, Payload: sealed, Version: w.version}
	if err := w.tx.Create(&record).Error; err != nil {
		return Row{}, storageError("insert", err)
	}
	row := Row{ID: record.ID, Class: class, PrimaryKey: key, Payload: slices.Clone(payload), Version: w.version}
	w.working.put(row)
	w.dirty = true
	return row, nil
}

// Update replaces the payload of an existing row.
func (c *Conn) Update(id int64, payload []byte) (Row, error) {
	w, err := c.requireWrite()
	if err != nil {
		return Row{}, err
	}
	row, ok := w.working.get(id)
	if !ok {
		return Row{}, fmt.Errorf("%w: %d", ErrRowNotFound, id)
	}
	sealed, err := c.coord.sealer.seal(row.Class, payload)
	if err != nil {
		return Row{}, storageError("seal", err)
	}
	result := w.tx.Model(&rowRecord{}).Where("id = ?", id).Updates(map[string]any{"payload": sealed, "version": w.version})
	if result.Error != nil {
		return Row{}, storageError("update", result.Error)
	}
	row.Payload = slices.Clone(payload)
	row.Version = w.version
	w.working.put(row)
	w.dirty = true
	return row, nil
}

// Delete removes a row.
func (c *Conn) Delete(id int64) error {
	w, err := c.requireWrite()
	if err != nil {
		return err
	}
	if _, ok := w.working.get(id); !ok {
		return fmt.Errorf("%w: %d", ErrRowNotFound, id)
	}
	if err := w.tx.Delete(&rowRecord{}, id).Error; err != nil {
		return storageError("delete", err)
	}
	w.working.remove(id)
	w.dirty = true
	return nil
}

// DeleteClass removes every row of class and returns how many were removed.
func (c *Conn) DeleteClass(class string) (int, error) {
	w, err := c.requireWrite()
	if err != nil {
		return 0, err
	}
	ids := w.working.classIDs(class)
	if len(ids) == 0 {
		return 0, nil
	}
	if err := w.tx.Where("class = ?", class).Delete(&rowRecord{}).Error; err != nil {
		return 0, storageError("delete class", err)
	}
	for _, id := range ids {
		w.working.remove(id)
	}
	w.dirty = true
	return len(ids), nil
}

// Get returns a row as seen by this connection.
func (c *Conn) Get(id int64) (Row, error) {
	if c.closed {
		return Row{}, ErrClosed
	}
	row, ok := c.current().get(id)
	if !ok {
		return Row{}, fmt.Errorf("%w: %d", ErrRowNotFound, id)
	}
	return row, nil
}

// FindByPrimaryKey looks a row up by its canonical primary key.
func (c *Conn) FindByPrimaryKey(class, key string) (Row, bool, error) {
	if c.closed {
		return Row{}, false, ErrClosed
	}
	row, ok := c.current().lookup(class, key)
	return row, ok, nil
}

// Scan returns the rows of class in insertion order.
func (c *Conn) Scan(class string) ([]Row, error) {
	if c.closed {
		return nil, ErrClosed
	}
	return c.current().scan(class), nil
}

// PayloadBytesSince sums the payload sizes of rows changed after version.
func (c *Conn) PayloadBytesSince(version int64) int64 {
	var total int64
	for _, row := range c.current().rows {
		if row.Version > version {
			total += int64(len(row.Payload))
		}
	}
	return total
}

// Version is the commit version this connection currently reads.
func (c *Conn) Version() int64 {
	return c.view.version
}

// LatestVersion is the newest committed version of the file.
func (c *Conn) LatestVersion() int64 {
	return c.coord.latestSnapshot().version
}

// Refresh advances the connection to the latest version. It reports whether the version
// changed. Refresh is a no-op inside a write.
func (c *Conn) Refresh() bool {
	if c.closed || c.write != nil {
		return false
	}
	latest := c.coord.latestSnapshot()
	if latest.version == c.view.version {
		return false
	}
	c.view = latest
	return true
}

// WaitForChange blocks until a version newer than since is committed.
func (c *Conn) WaitForChange(ctx context.Context, since int64) error {
	if c.closed {
		return ErrClosed
	}
	return c.coord.waitForChange(ctx, since)
}

// Changed returns a channel closed by the next commit.
func (c *Conn) Changed() <-chan struct{} {
	return c.coord.changedChannel()
}

// SchemaJSON returns the persisted schema document, if any.
func (c *Conn) SchemaJSON() []byte {
	_, _, schemaJSON := c.coord.schemaState()
	return slices.Clone(schemaJSON)
}

// StoredSchemaVersion returns the schema version recorded in the file.
func (c *Conn) StoredSchemaVersion() uint64 {
	_, version, _ := c.coord.schemaState()
	return version
}
