package objectstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/contentindex"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	root := t.TempDir()
	ixPath := filepath.Join(root, "content-index")
	ix, err := contentindex.Create(ixPath, 4096, checksum.SHA256)
	if err != nil {
		t.Fatalf("create content index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return New(filepath.Join(root, "content"), filepath.Join(root, "tmp"), ix, checksum.SHA256, opts...)
}

func TestAddDeduplicates(t *testing.T) {
	s := newTestStore(t)
	body := []byte("hello, deduplicated world")

	cid1, err := s.Add(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	cid2, err := s.Add(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("add (dup): %v", err)
	}
	if !bytes.Equal(cid1, cid2) {
		t.Errorf("cid1 = %x, cid2 = %x, want equal", cid1, cid2)
	}
	if s.index.Len() != 1 {
		t.Errorf("content index has %d entries, want 1 after dedup", s.index.Len())
	}
}

func TestAddAndReadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	body := []byte("round trip body")
	cid, err := s.Add(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	r, err := s.Open(cid)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %q, want %q", got, body)
	}

	e, ok := s.index.Lookup(cid)
	if !ok {
		t.Fatal("content index has no entry for added cid")
	}
	if err := s.Verify(cid, e.Checksum); err != nil {
		t.Errorf("verify: %v", err)
	}
}

func TestAddSpillsPastThreshold(t *testing.T) {
	s := newTestStore(t, WithSpillThreshold(16))
	body := bytes.Repeat([]byte{0x5a}, 1024)
	cid, err := s.Add(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	r, err := s.Open(cid)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("spilled object content mismatch: got %d bytes, want %d", len(got), len(body))
	}
}

// TestAddResolvesChecksumCollision simulates a checksum collision by
// hand-registering a content-index entry whose checksum equals the
// real checksum of bodyA but whose object body on disk is bodyX (a
// distinct byte sequence) -- equivalent to spec.md §8's "stub the
// hash" scenario without needing a pluggable digest function.
func TestAddResolvesChecksumCollision(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	bodyA := []byte("first payload, the real owner of this checksum")
	sum, err := checksum.Sum(checksum.SHA256, bodyA)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}

	bodyX := []byte("a different payload occupying the colliding slot")
	path, err := s.pathFor(sum)
	if err != nil {
		t.Fatalf("pathFor: %v", err)
	}
	if err := writeFileAndDirs(path, bodyX); err != nil {
		t.Fatalf("seed colliding object: %v", err)
	}
	if err := s.index.Add(sum, sum, now); err != nil {
		t.Fatalf("seed index entry: %v", err)
	}

	cidA, err := s.Add(bytes.NewReader(bodyA))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	wantCid := append(append([]byte(nil), sum...), 0x00)
	if !bytes.Equal(cidA, wantCid) {
		t.Fatalf("cid = %x, want %x (sum plus one suffix octet)", cidA, wantCid)
	}

	r, err := s.Open(cidA)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, bodyA) {
		t.Errorf("got %q, want %q", got, bodyA)
	}

	// The original colliding object must still be retrievable at the
	// unextended cid.
	rX, err := s.Open(sum)
	if err != nil {
		t.Fatalf("open original: %v", err)
	}
	defer rX.Close()
	gotX, err := io.ReadAll(rX)
	if err != nil {
		t.Fatalf("read original: %v", err)
	}
	if !bytes.Equal(gotX, bodyX) {
		t.Errorf("original object changed: got %q, want %q", gotX, bodyX)
	}
}

func writeFileAndDirs(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
