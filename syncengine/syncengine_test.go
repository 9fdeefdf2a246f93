package syncengine

import (
	"bytes"
	"testing"
	"time"

	"github.com/edbstore/ebakup/manifest"
	"github.com/edbstore/ebakup/storage"
)

func mustSnapshot(t *testing.T, s *storage.Storage, start time.Time, name string, body []byte) {
	t.Helper()
	cid, err := s.AddContent(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	b, err := s.StartSnapshot(start)
	if err != nil {
		t.Fatalf("StartSnapshot: %v", err)
	}
	if err := b.AddFile(manifest.RootDirID, []byte(name), cid, int64(len(body)), start, manifest.TypeRegular, nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := b.Finish(start); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestSyncCopiesMissingSnapshotsOldestFirst(t *testing.T) {
	src, err := storage.Create(t.TempDir())
	if err != nil {
		t.Fatalf("create src: %v", err)
	}
	dst, err := storage.Create(t.TempDir())
	if err != nil {
		t.Fatalf("create dst: %v", err)
	}

	t1 := time.Date(2025, 1, 2, 3, 4, 0, 0, time.UTC)
	t2 := time.Date(2025, 1, 2, 3, 5, 0, 0, time.UTC)
	mustSnapshot(t, src, t1, "a.txt", []byte("first snapshot"))
	mustSnapshot(t, src, t2, "b.txt", []byte("second snapshot"))

	result, err := Sync(src, dst)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(result.SnapshotsCopied) != 2 {
		t.Fatalf("copied %d snapshots, want 2", len(result.SnapshotsCopied))
	}
	if result.SnapshotsCopied[0] != "2025/01-02T03:04" || result.SnapshotsCopied[1] != "2025/01-02T03:05" {
		t.Errorf("copy order = %v, want oldest first", result.SnapshotsCopied)
	}
	if result.ObjectsCopied != 2 {
		t.Errorf("copied %d objects, want 2", result.ObjectsCopied)
	}

	dstSnaps, err := dst.Snapshots()
	if err != nil {
		t.Fatalf("dst.Snapshots: %v", err)
	}
	if len(dstSnaps) != 2 {
		t.Fatalf("dst has %d snapshots, want 2", len(dstSnaps))
	}

	m, err := dst.Snapshot(dstSnaps[0].Name)
	if err != nil {
		t.Fatalf("dst.Snapshot: %v", err)
	}
	_, f := m.Lookup(manifest.RootDirID, []byte("a.txt"))
	if f == nil {
		t.Fatal("a.txt missing from synced destination")
	}

	srcSnaps, err := src.Snapshots()
	if err != nil {
		t.Fatalf("src.Snapshots: %v", err)
	}
	if len(srcSnaps) != 2 {
		t.Errorf("sync mutated src: now has %d snapshots, want 2", len(srcSnaps))
	}
}

func TestSyncIsIdempotentAndDeduplicatesObjects(t *testing.T) {
	src, err := storage.Create(t.TempDir())
	if err != nil {
		t.Fatalf("create src: %v", err)
	}
	dst, err := storage.Create(t.TempDir())
	if err != nil {
		t.Fatalf("create dst: %v", err)
	}

	body := []byte("shared body referenced by two snapshots")
	t1 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 1, 1, 0, 1, 0, 0, time.UTC)
	mustSnapshot(t, src, t1, "x", body)
	mustSnapshot(t, src, t2, "y", body)

	first, err := Sync(src, dst)
	if err != nil {
		t.Fatalf("Sync (first): %v", err)
	}
	if first.ObjectsCopied != 1 {
		t.Errorf("first Sync copied %d objects, want 1 for a body shared by two snapshots", first.ObjectsCopied)
	}
	result, err := Sync(src, dst)
	if err != nil {
		t.Fatalf("Sync (second, should be a no-op): %v", err)
	}
	if len(result.SnapshotsCopied) != 0 || result.ObjectsCopied != 0 {
		t.Errorf("repeat Sync copied %+v, want nothing", result)
	}
}
