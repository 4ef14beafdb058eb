// Package realm is the object store API: thread-confined realm instances, managed objects,
// live results and the notification pipeline delivering change sets to them.
package realm

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/engine"
	"github.com/MarcoPoloResearchLab/realmkit/internal/handle"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

type cachedRow struct {
	version int64
	values  []any
}

// Realm is one connection to a realm file confined to the goroutine that opened it.
type Realm struct {
	id       string
	owner    int64
	config   Config
	logger   *zap.Logger
	conn     *engine.Conn
	arena    *handle.Arena
	self     *handle.Handle
	schema   *schema.Schema
	registry *schema.Registry

	tx *Transaction
	// mutations counts local changes so results materialized inside a write stay current.
	mutations uint64
	rowCache  map[int64]cachedRow
	notifiers []*collectionNotifier
}

// Open opens a realm confined to the calling goroutine.
func Open(cfg Config) (*Realm, error) {
	return open(cfg)
}

func open(cfg Config) (*Realm, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var resolved resolvedSchema
	if !cfg.Dynamic {
		var err error
		resolved, err = resolveSchema(cfg)
		if err != nil {
			return nil, schemaError("Open", err)
		}
	}

	engineConfig := engine.Config{
		Path:          cfg.Path,
		SchemaVersion: cfg.SchemaVersion,
		EncryptionKey: cfg.EncryptionKey,
		SchemaJSON:    resolved.encoded,
		WatchFile:     cfg.WatchFile,
		Logger:        logger,
	}
	if cfg.Migration != nil {
		engineConfig.Migration = func(conn *engine.Conn, oldVersion uint64) error {
			return runMigration(cfg, resolved, logger, conn, oldVersion)
		}
	}
	conn, err := engine.Open(engineConfig)
	if err != nil {
		return nil, engineError("Open", err)
	}

	if cfg.Dynamic {
		stored, err := decodeStoredSchema(conn.SchemaJSON())
		if err != nil {
			_ = conn.Close()
			return nil, newError(KindSchema, "Open", err)
		}
		resolved.schema = stored
	}

	r, err := newRealm(cfg, resolved, logger, conn, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Debug("realm opened",
		zap.String("realm_id", r.id),
		zap.String("path", conn.Path()),
		zap.Int64("version", conn.Version()))
	return r, nil
}

func newRealm(cfg Config, resolved resolvedSchema, logger *zap.Logger, conn *engine.Conn, ownsConn bool) (*Realm, error) {
	registry, err := schema.BuildRegistry(resolved.schema, resolved.goTypes)
	if err != nil {
		return nil, schemaError("Open", err)
	}
	r := &Realm{
		id:       uuid.NewString(),
		owner:    goroutineID(),
		config:   cfg,
		logger:   logger,
		conn:     conn,
		schema:   resolved.schema,
		registry: registry,
		rowCache: map[int64]cachedRow{},
	}
	r.arena = handle.NewArena("realm " + r.id)
	var release func() error
	if ownsConn {
		release = conn.Close
	}
	self, err := r.arena.Acquire(handle.KindRealm, release)
	if err != nil {
		return nil, newError(KindResource, "Open", err)
	}
	r.self = self
	return r, nil
}

func runMigration(cfg Config, resolved resolvedSchema, logger *zap.Logger, conn *engine.Conn, oldVersion uint64) error {
	migrating, err := newRealm(cfg, resolved, logger, conn, false)
	if err != nil {
		return err
	}
	migrating.tx = &Transaction{realm: migrating, external: true}
	defer migrating.arena.Close()
	return cfg.Migration(&Migration{
		Realm:            migrating,
		OldSchemaVersion: oldVersion,
		NewSchemaVersion: cfg.SchemaVersion,
	})
}

// check enforces thread confinement and the realm lifetime.
func (r *Realm) check(op string) error {
	if goroutineID() != r.owner {
		return newError(KindThread, op, ErrWrongThread)
	}
	if err := r.self.Check(); err != nil {
		return newError(KindResource, op, fmt.Errorf("%w: %w", ErrRealmClosed, err))
	}
	return nil
}

// CheckThread reports ErrWrongThread when called from a goroutine other than the one that
// opened the realm. It does not check whether the realm is closed.
func (r *Realm) CheckThread() error {
	if goroutineID() != r.owner {
		return newError(KindThread, "CheckThread", ErrWrongThread)
	}
	return nil
}

func (r *Realm) requireWrite(op string) error {
	if err := r.check(op); err != nil {
		return err
	}
	if r.tx == nil {
		return newError(KindTransaction, op, ErrNotInWrite)
	}
	return nil
}

// ID uniquely identifies this realm instance.
func (r *Realm) ID() string {
	return r.id
}

// Path returns the absolute file path.
func (r *Realm) Path() string {
	return r.conn.Path()
}

// Config returns the configuration the realm was opened with.
func (r *Realm) Config() Config {
	return r.config
}

// Logger returns the realm logger.
func (r *Realm) Logger() *zap.Logger {
	return r.logger
}

// Schema returns the resolved schema, including internal classes.
func (r *Realm) Schema() *schema.Schema {
	return r.schema
}

// Metadata returns the per-class metadata of this instance.
func (r *Realm) Metadata(class string) (*schema.Metadata, error) {
	if err := r.check("Metadata"); err != nil {
		return nil, err
	}
	return r.metadata("Metadata", class)
}

func (r *Realm) metadata(op, class string) (*schema.Metadata, error) {
	meta, err := r.registry.Lookup(class)
	if err != nil {
		return nil, schemaError(op, err)
	}
	return meta, nil
}

// IsClosed reports whether Close has been called.
func (r *Realm) IsClosed() bool {
	return !r.self.Valid()
}

// Close releases every handle derived from the realm and then the connection. Close is
// idempotent.
func (r *Realm) Close() error {
	if !r.self.Valid() {
		return nil
	}
	if goroutineID() != r.owner {
		return newError(KindThread, "Close", ErrWrongThread)
	}
	if r.tx != nil && !r.tx.external {
		_ = r.tx.Rollback()
	}
	r.notifiers = nil
	r.rowCache = nil
	if err := r.arena.Close(); err != nil {
		return newError(KindStorage, "Close", err)
	}
	return nil
}

// Version returns the commit version this instance reads.
func (r *Realm) Version() (int64, error) {
	if err := r.check("Version"); err != nil {
		return 0, err
	}
	return r.conn.Version(), nil
}

// Refresh advances the instance to the latest committed version and delivers pending
// notifications. It reports whether the version changed.
func (r *Realm) Refresh() (bool, error) {
	if err := r.check("Refresh"); err != nil {
		return false, err
	}
	advanced := r.conn.Refresh()
	r.deliverNotifications()
	return advanced, nil
}

// WaitForChange blocks until another instance commits, then refreshes.
func (r *Realm) WaitForChange(ctx context.Context) error {
	if err := r.check("WaitForChange"); err != nil {
		return err
	}
	if err := r.conn.WaitForChange(ctx, r.conn.Version()); err != nil {
		if errors.Is(err, ctx.Err()) {
			return err
		}
		return engineError("WaitForChange", err)
	}
	_, err := r.Refresh()
	return err
}

// Changed returns a channel closed by the next commit of any instance of the same file. It
// is the only realm accessor that may be used from any goroutine.
func (r *Realm) Changed() <-chan struct{} {
	return r.conn.Changed()
}

// ChangedBytesSince sums the payload sizes of objects changed after version.
func (r *Realm) ChangedBytesSince(version int64) (int64, error) {
	if err := r.check("ChangedBytesSince"); err != nil {
		return 0, err
	}
	return r.conn.PayloadBytesSince(version), nil
}

// rowValues decodes a row, reusing the decoded values while the row version is unchanged.
func (r *Realm) rowValues(meta *schema.Metadata, row engine.Row) ([]any, error) {
	if cached, ok := r.rowCache[row.ID]; ok && cached.version == row.Version {
		return cached.values, nil
	}
	values, err := schema.DecodeRow(meta.Class(), row.Payload)
	if err != nil {
		return nil, newError(KindStorage, "decode", err)
	}
	if r.rowCache != nil {
		r.rowCache[row.ID] = cachedRow{version: row.Version, values: values}
	}
	return values, nil
}

func (r *Realm) loadRow(op string, meta *schema.Metadata, rowID int64) (engine.Row, []any, error) {
	row, err := r.conn.Get(rowID)
	if err != nil {
		if errors.Is(err, engine.ErrRowNotFound) {
			return engine.Row{}, nil, newError(KindResource, op, ErrObjectInvalidated)
		}
		return engine.Row{}, nil, engineError(op, err)
	}
	if row.Class != meta.ClassName() {
		return engine.Row{}, nil, newError(KindResource, op, ErrObjectInvalidated)
	}
	values, err := r.rowValues(meta, row)
	if err != nil {
		return engine.Row{}, nil, err
	}
	return row, values, nil
}

func (r *Realm) noteMutation(rowID int64, version int64, values []any) {
	r.mutations++
	if values == nil {
		delete(r.rowCache, rowID)
		return
	}
	r.rowCache[rowID] = cachedRow{version: version, values: values}
}

func (r *Realm) resetCaches() {
	r.mutations++
	r.rowCache = map[int64]cachedRow{}
}

func (r *Realm) deliverNotifications() {
	r.conn.DeliverNotifications()
	for _, notifier := range append([]*collectionNotifier(nil), r.notifiers...) {
		notifier.flushBaselines()
	}
}
