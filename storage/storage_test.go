package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/manifest"
	"github.com/edbstore/ebakup/objectstore"
	"github.com/edbstore/ebakup/verifylog"
)

func TestCreateFailsOnNonEmptyDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "stray"), []byte("x"), 0644); err != nil {
		t.Fatalf("seed stray file: %v", err)
	}
	_, err := Create(root)
	if _, ok := err.(*errs.AlreadyExists); !ok {
		t.Fatalf("Create on non-empty dir = %v, want *errs.AlreadyExists", err)
	}
}

func TestCreateThenOpen(t *testing.T) {
	root := t.TempDir()
	s, err := Create(root)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, p := range []string{"db/main", "db/content", "content", "tmp"} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("expected %s to exist: %v", p, err)
		}
	}

	s2, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s2.Algorithm() != s.Algorithm() {
		t.Errorf("reopened algorithm = %q, want %q", s2.Algorithm(), s.Algorithm())
	}
}

func TestAddContentDeduplicatesAcrossCalls(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	body := []byte("storage facade content add")
	cid1, err := s.AddContent(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	cid2, err := s.AddContent(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("AddContent (dup): %v", err)
	}
	if !bytes.Equal(cid1, cid2) {
		t.Errorf("cid1 = %x, cid2 = %x, want equal", cid1, cid2)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	body := []byte("hello")
	cid, err := s.AddContent(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := s.StartSnapshot(start)
	if err != nil {
		t.Fatalf("StartSnapshot: %v", err)
	}
	mtime := start
	if err := b.AddFile(manifest.RootDirID, []byte("a.txt"), cid, int64(len(body)), mtime, manifest.TypeRegular, nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	end := start.Add(time.Second)
	if err := b.Finish(end); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	snaps, err := s.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("got %d snapshots, want 1", len(snaps))
	}
	if snaps[0].Name != b.Name() {
		t.Errorf("snapshot name = %q, want %q", snaps[0].Name, b.Name())
	}
	if !snaps[0].Start.Equal(start) {
		t.Errorf("snapshot start = %v, want %v", snaps[0].Start, start)
	}

	m, err := s.Snapshot(snaps[0].Name)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	_, f := m.Lookup(manifest.RootDirID, []byte("a.txt"))
	if f == nil {
		t.Fatal("a.txt not found in reopened manifest")
	}
	if !bytes.Equal(f.Cid, cid) {
		t.Errorf("file cid = %x, want %x", f.Cid, cid)
	}
}

func TestStartSnapshotRejectsDuplicateMinute(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	b1, err := s.StartSnapshot(start)
	if err != nil {
		t.Fatalf("StartSnapshot (first): %v", err)
	}
	if err := b1.Finish(start); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := s.StartSnapshot(start); err == nil {
		t.Fatal("StartSnapshot for a finished minute succeeded, want AlreadyExists")
	} else if _, ok := err.(*errs.AlreadyExists); !ok {
		t.Errorf("StartSnapshot for a finished minute = %v, want *errs.AlreadyExists", err)
	}
}

func TestStartSnapshotRejectsLiveConcurrentWriter(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	b1, err := s.StartSnapshot(start)
	if err != nil {
		t.Fatalf("StartSnapshot (first): %v", err)
	}

	// Leave b1's builder un-finished: no ".new" has actually been
	// written yet (Builder.Finish is what creates it), so simulate a
	// concurrent writer directly by touching the .new file a second
	// builder would race against.
	path, err := s.snapshotPath(b1.Name())
	if err != nil {
		t.Fatalf("snapshotPath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path+".new", []byte("in progress"), 0644); err != nil {
		t.Fatalf("seed .new: %v", err)
	}

	if _, err := s.StartSnapshot(start); err == nil {
		t.Fatal("StartSnapshot against a live .new succeeded, want ConcurrentWriter")
	} else if _, ok := err.(*errs.ConcurrentWriter); !ok {
		t.Errorf("StartSnapshot against a live .new = %v, want *errs.ConcurrentWriter", err)
	}
}

func TestStartSnapshotReclaimsStaleNew(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	name := snapshotNameFor(start)
	path, err := s.snapshotPath(name)
	if err != nil {
		t.Fatalf("snapshotPath: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path+".new", []byte("orphaned"), 0644); err != nil {
		t.Fatalf("seed stale .new: %v", err)
	}
	stale := time.Now().Add(-3 * time.Hour)
	if err := os.Chtimes(path+".new", stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	b, err := s.StartSnapshot(start)
	if err != nil {
		t.Fatalf("StartSnapshot should reclaim stale .new: %v", err)
	}
	if err := b.Finish(start); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestShadowCopyHardLinksFiles(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	body := []byte("shadow copy body")
	cid, err := s.AddContent(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := s.StartSnapshot(start)
	if err != nil {
		t.Fatalf("StartSnapshot: %v", err)
	}
	if err := b.AddFile(manifest.RootDirID, []byte("f.txt"), cid, int64(len(body)), start, manifest.TypeRegular, nil); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if err := b.Finish(start); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	target := filepath.Join(t.TempDir(), "shadow")
	if err := s.ShadowCopy(b.Name(), target); err != nil {
		t.Fatalf("ShadowCopy: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(target, "f.txt"))
	if err != nil {
		t.Fatalf("read shadow-copied file: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("shadow-copied content = %q, want %q", got, body)
	}
}

func TestVerifyContentDetectsGoodMissingAndCorrupt(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	body := []byte("verify me")
	cid, err := s.AddContent(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("AddContent: %v", err)
	}

	if err := s.VerifyContent(cid); err != nil {
		t.Fatalf("VerifyContent on an untouched object: %v", err)
	}

	if err := s.VerifyContent([]byte("no such cid")); err == nil {
		t.Fatal("VerifyContent on an unknown cid should fail")
	} else if _, ok := err.(*errs.ContentMissing); !ok {
		t.Errorf("VerifyContent on an unknown cid = %T, want *errs.ContentMissing", err)
	}

	store := objectstore.New(s.contentDir, s.tmpDir, nil, s.algo)
	objPath, err := store.PathFor(cid)
	if err != nil {
		t.Fatalf("PathFor: %v", err)
	}
	if err := os.WriteFile(objPath, []byte("tampered"), 0644); err != nil {
		t.Fatalf("tamper with object body: %v", err)
	}
	err = s.VerifyContent(cid)
	if _, ok := err.(*errs.BlockCorrupt); !ok {
		t.Errorf("VerifyContent on a tampered object = %v (%T), want *errs.BlockCorrupt", err, err)
	}
}

func TestOpenLastcheckLogCreatesOnFirstUse(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	lc, err := s.OpenLastcheckLog()
	if err != nil {
		t.Fatalf("OpenLastcheckLog (first use): %v", err)
	}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := lc.MarkChecked('B', now, []verifylog.Range{{First: []byte("2025/06-01T00:00"), Last: []byte("2025/06-01T00:00")}}); err != nil {
		t.Fatalf("MarkChecked: %v", err)
	}
	if err := lc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lc2, err := s.OpenLastcheckLog()
	if err != nil {
		t.Fatalf("OpenLastcheckLog (reopen): %v", err)
	}
	defer lc2.Close()
	if len(lc2.Entries()) != 1 {
		t.Errorf("Entries() after reopen = %d, want 1", len(lc2.Entries()))
	}
}

func TestOpenIssuesLogCreatesOnFirstUse(t *testing.T) {
	s, err := Create(t.TempDir())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	iss, err := s.OpenIssuesLog()
	if err != nil {
		t.Fatalf("OpenIssuesLog (first use): %v", err)
	}
	cid := []byte("some-cid")
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ev := verifylog.ChangeEvent{Before: now, After: now, State: verifylog.ChangeState{Kind: verifylog.StateGood}}
	if err := iss.RecordObjectEvent(cid, ev); err != nil {
		t.Fatalf("RecordObjectEvent: %v", err)
	}
	if err := iss.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	iss2, err := s.OpenIssuesLog()
	if err != nil {
		t.Fatalf("OpenIssuesLog (reopen): %v", err)
	}
	defer iss2.Close()
	events, ok := iss2.ObjectHistory(cid)
	if !ok || len(events) != 1 {
		t.Errorf("ObjectHistory(cid) after reopen = %v, %v, want one event", events, ok)
	}
}
