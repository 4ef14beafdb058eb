package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/realmkit/internal/database"
)

// coordinator is shared by every connection open on the same file. It serializes writes,
// owns the latest published snapshot and broadcasts commits.
type coordinator struct {
	path     string
	db       *gorm.DB
	logger   *zap.Logger
	sealer   *sealer
	keyCheck []byte

	// writeMu is held for the whole lifetime of one write transaction.
	writeMu sync.Mutex
	// nextRowID is guarded by writeMu. It only moves forward, so ids handed out by a
	// cancelled write are never reused by this process.
	nextRowID int64

	mu            sync.Mutex
	latest        *snapshot
	changed       chan struct{}
	refs          int
	schemaKnown   bool
	schemaVersion uint64
	schemaJSON    []byte
	watcher       *fileWatcher
}

var registry = struct {
	mu     sync.Mutex
	byPath map[string]*coordinator
}{byPath: map[string]*coordinator{}}

func acquireCoordinator(path string, key []byte, logger *zap.Logger) (*coordinator, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, storageError("resolve path", err)
	}
	keySealer, err := newSealer(key)
	if err != nil {
		return nil, err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if existing, ok := registry.byPath[absolute]; ok {
		if err := keySealer.verify(existing.keyCheck); err != nil {
			return nil, err
		}
		existing.mu.Lock()
		existing.refs++
		existing.mu.Unlock()
		return existing, nil
	}

	db, err := database.OpenSQLite(absolute, logger, &rowRecord{}, &metaRecord{})
	if err != nil {
		return nil, storageError("open", err)
	}
	coord := &coordinator{
		path:    absolute,
		db:      db,
		logger:  logger,
		sealer:  keySealer,
		changed: make(chan struct{}),
		refs:    1,
	}
	if err := coord.load(); err != nil {
		_ = database.Close(db)
		return nil, err
	}
	registry.byPath[absolute] = coord
	return coord, nil
}

func (c *coordinator) load() error {
	metas, err := readMeta(c.db)
	if err != nil {
		return storageError("read meta", err)
	}
	if check, ok := metas[metaKeyCheck]; ok {
		c.keyCheck = check.Blob
	} else if len(metas) == 0 && c.sealer != nil {
		var rows int64
		if err := c.db.Model(&rowRecord{}).Count(&rows).Error; err != nil {
			return storageError("count rows", err)
		}
		if rows == 0 {
			check, err := c.sealer.keyCheck()
			if err != nil {
				return storageError("key check", err)
			}
			if err := c.db.Save(&metaRecord{Key: metaKeyCheck, Blob: check}).Error; err != nil {
				return storageError("store key check", err)
			}
			c.keyCheck = check
		}
	}
	if err := c.sealer.verify(c.keyCheck); err != nil {
		return err
	}
	if record, ok := metas[metaSchemaVersion]; ok {
		c.schemaKnown = true
		c.schemaVersion = uint64(record.IntValue)
	}
	if record, ok := metas[metaSchemaJSON]; ok {
		c.schemaJSON = record.Blob
	}
	loaded, err := loadSnapshot(c.db, c.sealer)
	if err != nil {
		return err
	}
	c.latest = loaded
	next, err := readNextRowID(c.db)
	if err != nil {
		return err
	}
	c.nextRowID = next
	return nil
}

// advanceRowIDs raises the counter to the value persisted by other processes.
func (c *coordinator) advanceRowIDs(db *gorm.DB) error {
	next, err := readNextRowID(db)
	if err != nil {
		return err
	}
	c.nextRowID = max(c.nextRowID, next)
	return nil
}

func (c *coordinator) allocateRowID() int64 {
	id := c.nextRowID
	c.nextRowID++
	return id
}

func (c *coordinator) release() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	c.mu.Lock()
	c.refs--
	remaining := c.refs
	watcher := c.watcher
	if remaining == 0 {
		c.watcher = nil
	}
	c.mu.Unlock()
	if remaining > 0 {
		return nil
	}
	delete(registry.byPath, c.path)
	if watcher != nil {
		watcher.stop()
	}
	return database.Close(c.db)
}

func (c *coordinator) latestSnapshot() *snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *coordinator) publish(next *snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest = next
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *coordinator) changedChannel() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

func (c *coordinator) schemaState() (bool, uint64, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schemaKnown, c.schemaVersion, c.schemaJSON
}

func (c *coordinator) setSchemaState(version *uint64, schemaJSON []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if version != nil {
		c.schemaKnown = true
		c.schemaVersion = *version
	}
	if schemaJSON != nil {
		c.schemaJSON = schemaJSON
	}
}

func (c *coordinator) waitForChange(ctx context.Context, since int64) error {
	for {
		c.mu.Lock()
		version := c.latest.version
		changed := c.changed
		c.mu.Unlock()
		if version > since {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// reloadIfStale picks up commits made by another process.
func (c *coordinator) reloadIfStale() (bool, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stored, err := readCommitVersion(c.db)
	if err != nil {
		return false, err
	}
	if stored <= c.latestSnapshot().version {
		return false, nil
	}
	loaded, err := loadSnapshot(c.db, c.sealer)
	if err != nil {
		return false, err
	}
	c.publish(loaded)
	return true, nil
}

func readMeta(db *gorm.DB) (map[string]metaRecord, error) {
	var records []metaRecord
	if err := db.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make(map[string]metaRecord, len(records))
	for _, record := range records {
		out[record.Key] = record
	}
	return out, nil
}

func readCommitVersion(db *gorm.DB) (int64, error) {
	var record metaRecord
	err := db.Where("meta_key = ?", metaCommitVersion).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, storageError("read commit version", err)
	}
	return record.IntValue, nil
}

// readNextRowID returns the first id not yet used by any committed row.
func readNextRowID(db *gorm.DB) (int64, error) {
	var record metaRecord
	stored := int64(1)
	err := db.Where("meta_key = ?", metaNextRowID).Take(&record).Error
	switch {
	case err == nil:
		stored = max(stored, record.IntValue)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, storageError("read next row id", err)
	}
	var highest sql.NullInt64
	if err := db.Model(&rowRecord{}).Select("MAX(id)").Scan(&highest).Error; err != nil {
		return 0, storageError("read highest row id", err)
	}
	if highest.Valid {
		stored = max(stored, highest.Int64+1)
	}
	return stored, nil
}

func loadSnapshot(db *gorm.DB, keySealer *sealer) (*snapshot, error) {
	version, err := readCommitVersion(db)
	if err != nil {
		return nil, err
	}
	var records []rowRecord
	if err := db.Order("id ASC").Find(&records).Error; err != nil {
		return nil, storageError("load rows", err)
	}
	loaded := emptySnapshot()
	loaded.version = version
	for _, record := range records {
		payload, err := keySealer.open(record.Class, record.Payload)
		if err != nil {
			return nil, err
		}
		loaded.put(Row{
			ID:         record.ID,
			Class:      record.Class,
			PrimaryKey: record.PrimaryKey,
			Payload:    payload,
			Version:    record.Version,
		})
	}
	return loaded, nil
}
