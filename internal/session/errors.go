package session

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
)

var (
	errMissingTransport = errors.New("session: transport dependency required")
	errMissingPath      = errors.New("session: realm path required")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrTokenExpired is returned by transports whose bearer token has expired.
	ErrTokenExpired = errors.New("session: access token expired")
)

// ErrorCategory classifies sync errors.
type ErrorCategory string

const (
	CategoryConnection       ErrorCategory = protocol.CategoryConnection
	CategoryAuthentication   ErrorCategory = protocol.CategoryAuthentication
	CategoryPermissionDenied ErrorCategory = protocol.CategoryPermissionDenied
	CategoryClientReset      ErrorCategory = protocol.CategoryClientReset
	CategoryProtocol         ErrorCategory = protocol.CategoryProtocol
)

// SyncError is delivered through the session error handler, never returned from calls.
// Client reset errors carry the paths needed for a manual recovery.
type SyncError struct {
	Code         int
	Message      string
	Category     ErrorCategory
	BackupPath   string
	OriginalPath string
	Err          error
}

func (e *SyncError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("sync %s error %d: %s", e.Category, e.Code, e.Message)
	}
	return fmt.Sprintf("sync %s error: %s", e.Category, e.Message)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsClientReset reports whether the server discarded the local history.
func (e *SyncError) IsClientReset() bool {
	return e.Category == CategoryClientReset
}

func syncErrorFromMessage(message protocol.Message, originalPath string) *SyncError {
	category := ErrorCategory(message.Category)
	if category == "" {
		category = CategoryProtocol
	}
	syncErr := &SyncError{
		Code:     message.Code,
		Message:  message.Error,
		Category: category,
	}
	if category == CategoryClientReset {
		syncErr.BackupPath = message.BackupPath
		syncErr.OriginalPath = originalPath
	}
	return syncErr
}

func connectionError(err error) *SyncError {
	category := CategoryConnection
	if errors.Is(err, ErrTokenExpired) || errors.Is(err, errUnauthorized) {
		category = CategoryAuthentication
	}
	return &SyncError{Message: err.Error(), Category: category, Err: err}
}
