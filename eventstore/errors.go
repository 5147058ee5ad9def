package eventstore

import errspkg "github.com/drblury/eventcore/internal/runtime/errors"

var (
	ErrConcurrencyConflict   = errspkg.ErrConcurrencyConflict
	ErrStorageUnavailable    = errspkg.ErrStorageUnavailable
	ErrTenantMismatch        = errspkg.ErrTenantMismatch
	ErrNoEvents              = errspkg.ErrNoEvents
	ErrStreamRequired        = errspkg.ErrStreamRequired
	ErrEventTypeRequired     = errspkg.ErrEventTypeRequired
	ErrEventIDRequired       = errspkg.ErrEventIDRequired
	ErrProcessorNameRequired = errspkg.ErrProcessorNameRequired
)

type (
	ConcurrencyConflictError = errspkg.ConcurrencyConflictError
	StorageError             = errspkg.StorageError
	TenantMismatchError      = errspkg.TenantMismatchError
)
