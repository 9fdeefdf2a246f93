package storage

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/objectstore"
	"github.com/edbstore/ebakup/verifylog"
)

// VerifyContent reopens the object body for cid, recomputes its
// digest, and compares it against the checksum recorded when it was
// added (spec.md §8, scenario 4 and invariant 1). It returns
// *errs.ContentMissing if cid isn't in the content index at all, and
// *errs.BlockCorrupt if the stored body no longer matches its checksum.
func (s *Storage) VerifyContent(cid []byte) error {
	return s.withMainLock(false, func() error {
		return s.withLock(s.contentPath, false, func() error {
			ix, err := s.openIndex()
			if err != nil {
				return err
			}
			defer ix.Close()
			entry, ok := ix.Lookup(cid)
			if !ok {
				return &errs.ContentMissing{Cid: string(cid)}
			}
			store := objectstore.New(s.contentDir, s.tmpDir, ix, s.algo)
			return store.Verify(cid, entry.Checksum)
		})
	})
}

// lastcheckPath and issuesPath are the fixed locations of the two
// verification-log files under db/ (spec.md §6).
func (s *Storage) lastcheckPath() string { return filepath.Join(s.dbDir, "lastcheck") }
func (s *Storage) issuesPath() string    { return filepath.Join(s.dbDir, "issues") }

// OpenLastcheckLog opens this storage's lastcheck file (spec.md §4.7),
// creating it if this is the first verification run against this
// storage. Callers must Close the result.
//
// The create-if-missing check runs before any lock is taken on path:
// acquireFlock opens with O_RDWR and no O_CREATE (storage/lock.go), so
// a file that doesn't exist yet can't be locked at all, let alone
// opened under lock.
func (s *Storage) OpenLastcheckLog() (*verifylog.Lastcheck, error) {
	path := s.lastcheckPath()
	var lc *verifylog.Lastcheck
	err := s.withMainLock(false, func() error {
		exists, err := fileExists(path)
		if err != nil {
			return err
		}
		if !exists {
			lc, err = verifylog.CreateLastcheck(path, blockfile.DefaultBlockSize, s.algo)
			return err
		}
		return s.withLock(path, true, func() error {
			var err error
			lc, err = verifylog.OpenLastcheck(path)
			return err
		})
	})
	return lc, err
}

// OpenIssuesLog opens this storage's issues file (spec.md §4.7),
// creating it if this is the first verification run against this
// storage. Callers must Close the result.
func (s *Storage) OpenIssuesLog() (*verifylog.Issues, error) {
	path := s.issuesPath()
	var iss *verifylog.Issues
	err := s.withMainLock(false, func() error {
		exists, err := fileExists(path)
		if err != nil {
			return err
		}
		if !exists {
			iss, err = verifylog.CreateIssues(path, blockfile.DefaultBlockSize, s.algo)
			return err
		}
		return s.withLock(path, true, func() error {
			var err error
			iss, err = verifylog.OpenIssues(path)
			return err
		})
	})
	return iss, err
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "storage: stat %s", path)
}
