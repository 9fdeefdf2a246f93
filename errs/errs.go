// Package errs defines the closed set of error kinds the storage engine
// returns across package boundaries (spec.md §7). Every exported error
// type carries the offending path and, where applicable, a block index,
// and supports errors.Is/errors.As via Unwrap.
package errs

import "fmt"

// Sentinels usable with errors.Is. The concrete error types below all
// Unwrap to one of these.
var (
	SentinelBlockCorrupt    = fmt.Errorf("block corrupt")
	SentinelInvalidFormat   = fmt.Errorf("invalid format")
	SentinelNotFound        = fmt.Errorf("not found")
	SentinelAlreadyExists   = fmt.Errorf("already exists")
	SentinelConcurrentWrite = fmt.Errorf("concurrent writer")
	SentinelCidCollision    = fmt.Errorf("cid collision")
	SentinelContentMissing  = fmt.Errorf("content missing")
	SentinelLockContention  = fmt.Errorf("lock contention")
	SentinelStaleReplaced   = fmt.Errorf("file was replaced, retry")
)

// BlockCorrupt reports that a block's checksum did not match its
// payload. The block's contents are never returned to the caller.
type BlockCorrupt struct {
	File  string
	Index int
}

func (e *BlockCorrupt) Error() string {
	return fmt.Sprintf("%s: block %d: checksum mismatch", e.File, e.Index)
}
func (e *BlockCorrupt) Unwrap() error { return SentinelBlockCorrupt }

// InvalidFormat reports an unrecognized magic line or an unknown
// setting key in an otherwise well-formed container file.
type InvalidFormat struct {
	File   string
	Reason string
}

func (e *InvalidFormat) Error() string {
	return fmt.Sprintf("%s: invalid format: %s", e.File, e.Reason)
}
func (e *InvalidFormat) Unwrap() error { return SentinelInvalidFormat }

// NotFound reports that a requested item (snapshot, CID, metadata key)
// does not exist.
type NotFound struct {
	What string
	Key  string
}

func (e *NotFound) Error() string { return fmt.Sprintf("%s not found: %s", e.What, e.Key) }
func (e *NotFound) Unwrap() error { return SentinelNotFound }

// AlreadyExists reports that a create-only operation found its target
// already present (a non-empty storage root, a taken snapshot minute).
type AlreadyExists struct {
	What string
	Key  string
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.What, e.Key)
}
func (e *AlreadyExists) Unwrap() error { return SentinelAlreadyExists }

// ConcurrentWriter reports a live (non-stale) ".new" file blocking a
// create operation.
type ConcurrentWriter struct {
	File string
}

func (e *ConcurrentWriter) Error() string {
	return fmt.Sprintf("%s: another writer appears to be active", e.File)
}
func (e *ConcurrentWriter) Unwrap() error { return SentinelConcurrentWrite }

// CidCollision describes a checksum collision met during object add.
// objectstore resolves such collisions by suffix extension without
// constructing this error, so no package in this module returns it.
type CidCollision struct {
	Checksum string
}

func (e *CidCollision) Error() string {
	return fmt.Sprintf("checksum %s: collision, extending cid", e.Checksum)
}
func (e *CidCollision) Unwrap() error { return SentinelCidCollision }

// ContentMissing reports that a manifest references a CID absent from
// its storage's content index.
type ContentMissing struct {
	Cid string
}

func (e *ContentMissing) Error() string { return fmt.Sprintf("content missing for cid %s", e.Cid) }
func (e *ContentMissing) Unwrap() error { return SentinelContentMissing }

// LockContention reports that an advisory lock could not be acquired
// within the caller's patience.
type LockContention struct {
	File string
}

func (e *LockContention) Error() string { return fmt.Sprintf("%s: lock contention", e.File) }
func (e *LockContention) Unwrap() error { return SentinelLockContention }

// StaleReplaced reports that a file was atomically replaced between the
// time a caller opened it and the time it took a lock on it; the caller
// should re-open and retry, bounded.
type StaleReplaced struct {
	File string
}

func (e *StaleReplaced) Error() string { return fmt.Sprintf("%s: replaced underneath us", e.File) }
func (e *StaleReplaced) Unwrap() error { return SentinelStaleReplaced }
