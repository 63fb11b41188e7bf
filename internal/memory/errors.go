package memory

// outOfCapacityError signals that every tier, including cold archive, was
// exhausted after one eviction pass. Fatal to the requesting acquire; never
// retried automatically.
type outOfCapacityError struct{ id string }

func (e outOfCapacityError) Error() string { return "out of capacity: " + e.id }

// ErrOutOfCapacity constructs an outOfCapacityError for a block id.
func ErrOutOfCapacity(id string) error { return outOfCapacityError{id: id} }

// IsOutOfCapacity reports whether err indicates total tier exhaustion.
func IsOutOfCapacity(err error) bool {
	_, ok := err.(outOfCapacityError)
	return ok
}

// blockNotFoundError is returned when an operation names an unknown block.
type blockNotFoundError struct{ id string }

func (e blockNotFoundError) Error() string { return "block not found: " + e.id }

// ErrBlockNotFound constructs a blockNotFoundError.
func ErrBlockNotFound(id string) error { return blockNotFoundError{id: id} }

// IsBlockNotFound reports whether the error indicates a missing block id.
func IsBlockNotFound(err error) bool {
	_, ok := err.(blockNotFoundError)
	return ok
}

// corruptBlockError signals a checksum or size mismatch after decompression.
// Fatal for that block only; concurrent operations on other blocks proceed.
type corruptBlockError struct{ id string }

func (e corruptBlockError) Error() string { return "corrupt block: " + e.id }

// ErrCorruptBlock constructs a corruptBlockError.
func ErrCorruptBlock(id string) error { return corruptBlockError{id: id} }

// IsCorruptBlock reports whether err indicates block payload corruption.
func IsCorruptBlock(err error) bool {
	_, ok := err.(corruptBlockError)
	return ok
}

// migrationInProgressError rejects a second concurrent migration of one
// block; the state machine allows a single PendingMigration at a time.
type migrationInProgressError struct{ id string }

func (e migrationInProgressError) Error() string { return "migration in progress: " + e.id }

// ErrMigrationInProgress constructs a migrationInProgressError.
func ErrMigrationInProgress(id string) error { return migrationInProgressError{id: id} }

// IsMigrationInProgress reports whether err indicates a concurrent migration.
func IsMigrationInProgress(err error) bool {
	_, ok := err.(migrationInProgressError)
	return ok
}
