package storage

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/edbstore/ebakup/errs"
)

// staleAge is how old an orphaned ".new" file must be before a create
// operation is allowed to reclaim it (spec.md §4.5/§4.8).
const staleAge = 2 * time.Hour

// lockHandle is one held advisory lock, keeping the file descriptor
// open for as long as the lock is held (flock is associated with the
// open file description, not the path).
type lockHandle struct {
	path  string
	fh    *os.File
	write bool
}

// lockTable enforces spec.md §5's ordering rule within a single
// Storage: db/main dominates every other db/ lock, must be acquired
// first, released last, and is never upgraded from read to write while
// anything else is held. It does not coordinate across processes --
// that's the flock syscalls' job -- only within this one.
type lockTable struct {
	mainPath string

	mu       sync.Mutex
	mainHeld *lockHandle
	held     []*lockHandle // non-main locks, in acquisition order
}

func newLockTable(mainPath string) *lockTable {
	return &lockTable{mainPath: mainPath}
}

// lock acquires an advisory lock on path, enforcing that main is held
// first. Locking main itself is reentrant from within the same
// Storage: a second call returns the already-held handle, except that
// a request for a write lock while main is held for reading is refused
// (a held read lock is never upgraded). If the file is replaced between
// open and lock (*errs.StaleReplaced), the acquisition is retried a
// bounded number of times before the error is returned.
func (lt *lockTable) lock(path string, write bool) (*lockHandle, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	isMain := path == lt.mainPath
	if isMain {
		if lt.mainHeld != nil {
			if write && !lt.mainHeld.write {
				return nil, errors.Errorf("storage: %s: cannot upgrade main lock from read to write while held", path)
			}
			return lt.mainHeld, nil
		}
	} else if lt.mainHeld == nil {
		return nil, errors.Errorf("storage: %s: main lock must be held before acquiring any other lock", path)
	}

	const maxStaleRetries = 3
	h, err := acquireFlock(path, write)
	for attempt := 1; attempt < maxStaleRetries && err != nil; attempt++ {
		if _, stale := err.(*errs.StaleReplaced); !stale {
			break
		}
		h, err = acquireFlock(path, write)
	}
	if err != nil {
		return nil, err
	}
	if isMain {
		lt.mainHeld = h
	} else {
		lt.held = append(lt.held, h)
	}
	return h, nil
}

// unlock releases h, enforcing LIFO order among non-main locks and
// that main is released last.
func (lt *lockTable) unlock(h *lockHandle) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if h == lt.mainHeld {
		if len(lt.held) > 0 {
			return errors.Errorf("storage: %s: main lock must be released last", h.path)
		}
		lt.mainHeld = nil
		return releaseFlock(h)
	}

	n := len(lt.held)
	if n == 0 || lt.held[n-1] != h {
		return errors.Errorf("storage: %s: locks must be released LIFO", h.path)
	}
	lt.held = lt.held[:n-1]
	return releaseFlock(h)
}

// acquireFlock takes a non-blocking advisory lock on path and then
// verifies the opened file is still the current directory entry
// (spec.md §5: "a successful acquisition is followed by a
// still-current check... to detect atomic-replace races").
func acquireFlock(path string, write bool) (*lockHandle, error) {
	fh, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", path)
	}

	op := unix.LOCK_SH
	if write {
		op = unix.LOCK_EX
	}
	if err := unix.Flock(int(fh.Fd()), op|unix.LOCK_NB); err != nil {
		fh.Close()
		return nil, &errs.LockContention{File: path}
	}

	held, err := fh.Stat()
	if err != nil {
		unix.Flock(int(fh.Fd()), unix.LOCK_UN)
		fh.Close()
		return nil, errors.Wrapf(err, "storage: stat %s", path)
	}
	current, err := os.Stat(path)
	if err != nil || !os.SameFile(held, current) {
		unix.Flock(int(fh.Fd()), unix.LOCK_UN)
		fh.Close()
		return nil, &errs.StaleReplaced{File: path}
	}

	return &lockHandle{path: path, fh: fh, write: write}, nil
}

func releaseFlock(h *lockHandle) error {
	err := unix.Flock(int(h.fh.Fd()), unix.LOCK_UN)
	if cerr := h.fh.Close(); err == nil {
		err = cerr
	}
	return errors.Wrapf(err, "storage: unlock %s", h.path)
}

// isStaleNew reports whether a ".new" file at path is old enough to be
// reclaimed by a competing create operation (spec.md §4.8).
func isStaleNew(path string, now time.Time) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return now.Sub(fi.ModTime()) > staleAge
}
