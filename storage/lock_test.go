package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edbstore/ebakup/errs"
)

func newTestLockTable(t *testing.T) (*lockTable, string, string) {
	t.Helper()
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main")
	otherPath := filepath.Join(dir, "other")
	for _, p := range []string{mainPath, otherPath} {
		if err := os.WriteFile(p, []byte("x"), 0644); err != nil {
			t.Fatalf("seed %s: %v", p, err)
		}
	}
	return newLockTable(mainPath), mainPath, otherPath
}

func TestLockRequiresMainFirst(t *testing.T) {
	lt, _, other := newTestLockTable(t)
	if _, err := lt.lock(other, false); err == nil {
		t.Fatal("locking a non-main file before main succeeded, want error")
	}
}

func TestLockReleaseMustBeLIFO(t *testing.T) {
	lt, mainPath, other := newTestLockTable(t)
	hMain, err := lt.lock(mainPath, false)
	if err != nil {
		t.Fatalf("lock main: %v", err)
	}
	hOther, err := lt.lock(other, true)
	if err != nil {
		t.Fatalf("lock other: %v", err)
	}
	if err := lt.unlock(hMain); err == nil {
		t.Fatal("releasing main before other succeeded, want error")
	}
	if err := lt.unlock(hOther); err != nil {
		t.Fatalf("unlock other: %v", err)
	}
	if err := lt.unlock(hMain); err != nil {
		t.Fatalf("unlock main: %v", err)
	}
}

func TestLockForbidsUpgradeWhileHeld(t *testing.T) {
	lt, mainPath, _ := newTestLockTable(t)
	hMain, err := lt.lock(mainPath, false)
	if err != nil {
		t.Fatalf("lock main read: %v", err)
	}
	defer lt.unlock(hMain)
	if _, err := lt.lock(mainPath, true); err == nil {
		t.Fatal("upgrading main read to write succeeded, want error")
	}
}

func TestAcquireFlockLocksFileReplacedBeforeCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("original"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	fh, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fh.Close()

	// Replace the directory entry with a new inode before locking, as
	// a rename-over-the-top race would.
	replacement := path + ".tmp"
	if err := os.WriteFile(replacement, []byte("replacement"), 0644); err != nil {
		t.Fatalf("seed replacement: %v", err)
	}

	// acquireFlock opens, locks and stats path itself, so a swap between
	// those steps cannot be staged from here. This covers the other
	// case: a file replaced before the call is the current entry and
	// locks cleanly.
	if err := os.Rename(replacement, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	h, err := acquireFlock(path, false)
	if err != nil {
		t.Fatalf("acquireFlock on freshly-replaced-but-now-current file: %v", err)
	}
	releaseFlock(h)
}

func TestLockContentionAcrossLockTables(t *testing.T) {
	dir := t.TempDir()
	mainPath := filepath.Join(dir, "main")
	if err := os.WriteFile(mainPath, []byte("x"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	lt1 := newLockTable(mainPath)
	lt2 := newLockTable(mainPath)

	h1, err := lt1.lock(mainPath, true)
	if err != nil {
		t.Fatalf("lock (first table): %v", err)
	}
	defer lt1.unlock(h1)

	if _, err := lt2.lock(mainPath, true); err == nil {
		t.Fatal("second lock table acquired a write lock already held, want LockContention")
	} else if _, ok := err.(*errs.LockContention); !ok {
		t.Errorf("second lock table error = %v, want *errs.LockContention", err)
	}
}

func TestIsStaleNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.new")
	if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	now := time.Now()
	if isStaleNew(path, now) {
		t.Error("freshly-written .new reported stale")
	}
	old := now.Add(-3 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if !isStaleNew(path, now) {
		t.Error("3-hour-old .new not reported stale")
	}
}
