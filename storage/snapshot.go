package storage

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/manifest"
)

// SnapshotBuilder accumulates the directory/file entries of one backup
// and finalizes them into a new manifest on Finish, per spec.md §4.3/
// §4.5. It wraps manifest.Builder with the façade's naming and
// concurrent-writer detection.
type SnapshotBuilder struct {
	s     *Storage
	start time.Time
	name  string
	path  string
	b     *manifest.Builder
}

// StartSnapshot begins a new backup whose manifest will be named from
// start ("YYYY/MM-DDThh:mm"). It fails with AlreadyExists if that
// minute slot already has a finished manifest, or ConcurrentWriter if
// a live (non-stale) ".new" is already being written for it.
func (s *Storage) StartSnapshot(start time.Time) (*SnapshotBuilder, error) {
	name := snapshotNameFor(start)
	path, err := s.snapshotPath(name)
	if err != nil {
		return nil, err
	}

	var builder *SnapshotBuilder
	err = s.withMainLock(false, func() error {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return errors.Wrapf(err, "storage: mkdir %s", filepath.Dir(path))
		}
		if _, err := os.Stat(path); err == nil {
			return &errs.AlreadyExists{What: "snapshot", Key: name}
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(err, "storage: stat %s", path)
		}

		newPath := path + ".new"
		if _, err := os.Stat(newPath); err == nil {
			if !isStaleNew(newPath, s.clock()) {
				return &errs.ConcurrentWriter{File: newPath}
			}
			if err := os.Remove(newPath); err != nil {
				return errors.Wrapf(err, "storage: reclaim stale %s", newPath)
			}
			s.log.Verbose("reclaimed stale %s", newPath)
		} else if !os.IsNotExist(err) {
			return errors.Wrapf(err, "storage: stat %s", newPath)
		}

		builder = &SnapshotBuilder{
			s:     s,
			start: start,
			name:  name,
			path:  path,
			b:     manifest.NewBuilder(blockfile.DefaultBlockSize, s.algo),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return builder, nil
}

// Name returns the "YYYY/MM-DDThh:mm" name this snapshot will be
// finalized under.
func (b *SnapshotBuilder) Name() string { return b.name }

// AddDirectory registers a directory under parent (RootDirID for the
// backup's root) and returns its dirid for use as a parent in further
// calls.
func (b *SnapshotBuilder) AddDirectory(parent int64, name []byte, extra map[string]string) (int64, error) {
	return b.b.AddDirectory(parent, name, extra)
}

// AddFile registers a file entry. cid must already be present in the
// storage's content index -- callers add content via Storage.AddContent
// before referencing it here (spec.md §5's ordering guarantee: a
// manifest entry never references a CID whose object and content-index
// entry aren't already durable).
func (b *SnapshotBuilder) AddFile(parent int64, name, cid []byte, size int64, mtime time.Time, ftype manifest.FileType, extra map[string]string) error {
	return b.b.AddFile(parent, name, cid, size, mtime, ftype, extra)
}

// Finish writes the accumulated entries to a ".new" file and renames
// it into place as the finished manifest, ending the backup at end.
func (b *SnapshotBuilder) Finish(end time.Time) error {
	return b.b.Finish(b.path, b.start, end)
}

// Abandon discards any in-progress ".new" file for this snapshot
// without finalizing it, leaving storage in its prior state (spec.md
// §5: "the builder discards .new on drop").
func (b *SnapshotBuilder) Abandon() error {
	err := os.Remove(b.path + ".new")
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "storage: abandon %s", b.path+".new")
	}
	return nil
}
