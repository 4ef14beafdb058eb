// Package engine is the storage collaborator behind realm instances: it persists rows in
// SQLite, serializes writes per file, versions commits and computes raw change sets.
package engine

import (
	"errors"
	"fmt"
)

var (
	ErrClosed                 = errors.New("engine: connection closed")
	ErrNotInWrite             = errors.New("engine: not in a write transaction")
	ErrWriteInProgress        = errors.New("engine: write transaction already open on this connection")
	ErrRowNotFound            = errors.New("engine: row not found")
	ErrDuplicatePrimaryKey    = errors.New("engine: duplicate primary key")
	ErrInvalidKey             = errors.New("engine: encryption key must be 64 bytes")
	ErrDecryptionFailed       = errors.New("engine: unable to decrypt file with the provided key")
	ErrSchemaVersionDowngrade = errors.New("engine: file schema version is newer than requested")
	ErrStorage                = errors.New("engine: storage failure")
)

// MigrationFailure reports an error produced by the caller supplied migration callback,
// as opposed to a failure of the engine to open the file.
type MigrationFailure struct {
	FromVersion uint64
	ToVersion   uint64
	Err         error
}

func (f *MigrationFailure) Error() string {
	return fmt.Sprintf("engine: migration from schema version %d to %d failed: %v", f.FromVersion, f.ToVersion, f.Err)
}

func (f *MigrationFailure) Unwrap() error {
	return f.Err
}

func storageError(action string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorage, action, err)
}
