package storage

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/errs"
)

// ReceiveSnapshotVerbatim copies the manifest named name from src into
// this storage byte-for-byte (spec.md §4.6: "copy the manifest file
// verbatim, block-for-block"), via the same ".new"-then-rename staging
// StartSnapshot uses, so a partial sync leaves at most a reclaimable
// ".new" behind. It is a no-op if the destination already has this
// snapshot.
func (dst *Storage) ReceiveSnapshotVerbatim(src *Storage, name string) error {
	srcPath, err := src.SnapshotPath(name)
	if err != nil {
		return err
	}
	dstPath, err := dst.SnapshotPath(name)
	if err != nil {
		return err
	}

	return dst.withMainLock(false, func() error {
		if _, err := os.Stat(dstPath); err == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			return errors.Wrapf(err, "storage: mkdir %s", filepath.Dir(dstPath))
		}

		newPath := dstPath + ".new"
		if _, err := os.Stat(newPath); err == nil {
			if !isStaleNew(newPath, dst.clock()) {
				return &errs.ConcurrentWriter{File: newPath}
			}
			if err := os.Remove(newPath); err != nil {
				return errors.Wrapf(err, "storage: reclaim stale %s", newPath)
			}
			dst.log.Verbose("reclaimed stale %s", newPath)
		}

		err := src.withMainLock(false, func() error {
			return copyFileVerbatim(srcPath, newPath)
		})
		if err != nil {
			os.Remove(newPath)
			return err
		}
		return os.Rename(newPath, dstPath)
	})
}

func copyFileVerbatim(srcPath, dstPath string) error {
	in, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "storage: open %s", srcPath)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "storage: create %s", dstPath)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "storage: copy %s to %s", srcPath, dstPath)
	}
	return errors.Wrapf(out.Sync(), "storage: fsync %s", dstPath)
}
