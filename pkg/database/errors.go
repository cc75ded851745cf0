package database

import "errors"

// Configuration errors
var (
	ErrInvalidDatabasePath      = errors.New("invalid database path")
	ErrInvalidMaxConnections    = errors.New("invalid max connections")
	ErrInvalidConnectionTimeout = errors.New("invalid connection timeout")
	ErrInvalidSynchronousMode   = errors.New("invalid synchronous mode")
	ErrInvalidBatchSize         = errors.New("invalid batch size")
	ErrInvalidBufferSize        = errors.New("invalid buffer size")
	ErrInvalidFlushInterval     = errors.New("invalid flush interval")
	ErrInvalidRetention         = errors.New("invalid retention period")
)

// Operation errors
var (
	ErrDatabaseNotConnected = errors.New("database not connected")
	ErrWriterStopped        = errors.New("journal writer stopped")
)

// Migration errors
var (
	ErrMigrationNotFound = errors.New("migration not found")
	ErrChecksumMismatch  = errors.New("migration checksum mismatch")
	ErrCannotRollback    = errors.New("cannot rollback migration")
)
