package realm

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/realmkit/internal/engine"
	"github.com/MarcoPoloResearchLab/realmkit/internal/query"
	"github.com/MarcoPoloResearchLab/realmkit/internal/schema"
)

// Kind classifies realm errors.
type Kind int

const (
	KindUnknown Kind = iota
	// KindResource covers use after close, invalidated objects and unmanaged objects.
	KindResource
	// KindThread reports access from a goroutine other than the one that opened the realm.
	KindThread
	// KindTransaction reports write-only operations outside a write and nested writes.
	KindTransaction
	// KindSchema reports missing primary keys, unknown classes or properties, type mismatches
	// and unqueryable properties.
	KindSchema
	// KindMigration wraps failures of the caller supplied migration callback.
	KindMigration
	// KindStorage wraps failures of the storage engine.
	KindStorage
	// KindArgument reports invalid arguments such as out of range indices.
	KindArgument
)

var kindNames = map[Kind]string{
	KindUnknown:     "unknown",
	KindResource:    "resource",
	KindThread:      "thread",
	KindTransaction: "transaction",
	KindSchema:      "schema",
	KindMigration:   "migration",
	KindStorage:     "storage",
	KindArgument:    "argument",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrRealmClosed          = errors.New("realm: closed")
	ErrObjectInvalidated    = errors.New("realm: object invalidated")
	ErrUnmanagedObject      = errors.New("realm: object is not managed by a realm")
	ErrResultsInvalidated   = errors.New("realm: results invalidated")
	ErrWrongThread          = errors.New("realm: accessed from incorrect goroutine")
	ErrNotInWrite           = errors.New("realm: not in a write transaction")
	ErrNestedWrite          = errors.New("realm: write transaction already open")
	ErrNoPrimaryKey         = errors.New("realm: class has no primary key")
	ErrClassNotInSchema     = errors.New("realm: class not in schema")
	ErrUnknownProperty      = errors.New("realm: unknown property")
	ErrTypeMismatch         = errors.New("realm: type mismatch")
	ErrDuplicatePrimaryKey  = errors.New("realm: duplicate primary key")
	ErrPrimaryKeyImmutable  = errors.New("realm: primary key cannot be changed")
	ErrIndexOutOfRange      = errors.New("realm: index out of range")
	ErrSchemaUnavailable    = errors.New("realm: no schema stored in file")
	ErrInvalidQuery         = query.ErrInvalidQuery
	ErrObjectFromOtherRealm = errors.New("realm: object belongs to another realm instance")
)

// Error carries the taxonomy kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// MigrationError wraps an error returned, or a panic raised, by a migration callback.
type MigrationError struct {
	OldSchemaVersion uint64
	NewSchemaVersion uint64
	Err              error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("realm: migration from schema version %d to %d failed: %v", e.OldSchemaVersion, e.NewSchemaVersion, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var migrationErr *MigrationError
	if errors.As(err, &migrationErr) {
		return KindMigration
	}
	var realmErr *Error
	if errors.As(err, &realmErr) {
		return realmErr.Kind
	}
	return KindUnknown
}

func newError(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// schemaError maps schema and query package failures onto realm sentinels.
func schemaError(op string, err error) error {
	switch {
	case errors.Is(err, schema.ErrUnknownClass):
		return newError(KindSchema, op, fmt.Errorf("%w: %w", ErrClassNotInSchema, err))
	case errors.Is(err, schema.ErrUnknownProperty):
		return newError(KindSchema, op, fmt.Errorf("%w: %w", ErrUnknownProperty, err))
	case errors.Is(err, schema.ErrTypeMismatch), errors.Is(err, schema.ErrNullNotAllowed):
		return newError(KindSchema, op, fmt.Errorf("%w: %w", ErrTypeMismatch, err))
	default:
		return newError(KindSchema, op, err)
	}
}

// engineError maps storage engine failures onto realm sentinels.
func engineError(op string, err error) error {
	var failure *engine.MigrationFailure
	switch {
	case errors.As(err, &failure):
		return &MigrationError{OldSchemaVersion: failure.FromVersion, NewSchemaVersion: failure.ToVersion, Err: failure.Err}
	case errors.Is(err, engine.ErrClosed):
		return newError(KindResource, op, fmt.Errorf("%w: %w", ErrRealmClosed, err))
	case errors.Is(err, engine.ErrNotInWrite):
		return newError(KindTransaction, op, fmt.Errorf("%w: %w", ErrNotInWrite, err))
	case errors.Is(err, engine.ErrWriteInProgress):
		return newError(KindTransaction, op, fmt.Errorf("%w: %w", ErrNestedWrite, err))
	case errors.Is(err, engine.ErrDuplicatePrimaryKey):
		return newError(KindSchema, op, fmt.Errorf("%w: %w", ErrDuplicatePrimaryKey, err))
	case errors.Is(err, engine.ErrRowNotFound):
		return newError(KindResource, op, fmt.Errorf("%w: %w", ErrObjectInvalidated, err))
	default:
		return newError(KindStorage, op, err)
	}
}
