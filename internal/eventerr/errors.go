// Package eventerr defines the typed error kinds that cross the engine's
// package boundary, per the error taxonomy of the core's external interfaces.
package eventerr

import "github.com/pkg/errors"

// Sentinel programmer-error values. These fail immediately at the call site
// and are never wrapped with positional context.
var (
	ErrNameEmpty       = errors.New("name cannot be empty")
	ErrNameInvalid     = errors.New("name must contain only letters, digits, underscore and dash")
	ErrNoEvents        = errors.New("no events given")
	ErrClosed          = errors.New("instance is closed")
	ErrMatcherRequired = errors.New("matcher is required")
	ErrStreamsRequired = errors.New("at least one stream is required")
	ErrStoreRequired   = errors.New("store is required")
)

// OptimisticConcurrencyError is returned when the expected version of a
// write-stream does not match its current version at commit time.
type OptimisticConcurrencyError struct {
	Stream   string
	Expected int64
	Actual   int64
}

func (e *OptimisticConcurrencyError) Error() string {
	return errors.Errorf("optimistic concurrency error on stream %q: expected version %d, got %d",
		e.Stream, e.Expected, e.Actual).Error()
}

// CorruptFileError indicates a document or entry could not be parsed from
// its on-disk framing, including a torn write discovered on reopen.
type CorruptFileError struct {
	Path   string
	Reason string
}

func (e *CorruptFileError) Error() string {
	return errors.Errorf("corrupt file %q: %s", e.Path, e.Reason).Error()
}

// InvalidDataSizeError is returned when a caller's expected document size
// disagrees with the size recorded on disk.
type InvalidDataSizeError struct {
	Expected int
	Actual   int
}

func (e *InvalidDataSizeError) Error() string {
	return errors.Errorf("invalid data size: expected %d, got %d", e.Expected, e.Actual).Error()
}

// MetadataMismatchError is returned when an index is reopened with metadata
// that differs from what was persisted at creation.
type MetadataMismatchError struct {
	Path string
}

func (e *MetadataMismatchError) Error() string {
	return errors.Errorf("metadata mismatch for %q: stored metadata is immutable", e.Path).Error()
}

// InvalidHeaderError is returned when a file's magic bytes do not match the
// expected value for its kind.
type InvalidHeaderError struct {
	Path string
	Want string
	Got  string
}

func (e *InvalidHeaderError) Error() string {
	return errors.Errorf("invalid header for %q: want magic %q, got %q", e.Path, e.Want, e.Got).Error()
}

// VersionMismatchError is returned when a file's header magic matches but
// its version byte does not.
type VersionMismatchError struct {
	Path string
	Want byte
	Got  byte
}

func (e *VersionMismatchError) Error() string {
	return errors.Errorf("version mismatch for %q: want %d, got %d", e.Path, e.Want, e.Got).Error()
}

// StreamExistsError is returned when creating a read-stream whose name is
// already registered in the catalog.
type StreamExistsError struct {
	Name string
}

func (e *StreamExistsError) Error() string {
	return errors.Errorf("stream %q already exists", e.Name).Error()
}

// LockHeldError is returned when a writer attempts to open a data directory
// that another writer already holds the lock for.
type LockHeldError struct {
	Path string
}

func (e *LockHeldError) Error() string {
	return errors.Errorf("lock %q is held by another writer", e.Path).Error()
}

// InvalidStateError is returned by write-path operations invoked on a
// closed component, per the state-error half of the taxonomy.
type InvalidStateError struct {
	Op string
}

func (e *InvalidStateError) Error() string {
	return errors.Errorf("invalid state: %s called on closed instance", e.Op).Error()
}

// InvalidArgumentError is returned for programmer errors surfaced as
// values rather than panics, e.g. JoinEventStream's constructor.
type InvalidArgumentError struct {
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return errors.Errorf("invalid argument: %s", e.Reason).Error()
}
