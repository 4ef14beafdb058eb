package syncserver

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingUserID        = errors.New("user identifier is required")
	errMissingName          = errors.New("subscription name is required")
	errMissingTokens        = errors.New("token manager dependency required")
	errMissingIdentities    = errors.New("identity resolver dependency required")
	errMissingStore         = errors.New("subscription store dependency required")
	errMissingSecret        = errors.New("shared secret must be provided")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// ServiceError carries a stable "operation.reason" code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opStoreNew      = "syncserver.store.new"
	opUpsert        = "syncserver.store.upsert"
	opSetState      = "syncserver.store.set_state"
	opDelete        = "syncserver.store.delete"
	opList          = "syncserver.store.list"
	opExpire        = "syncserver.store.expire"
	opRecordUpload  = "syncserver.store.record_upload"
	opServerNew     = "syncserver.server.new"
	opHandleMessage = "syncserver.connection.handle"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
