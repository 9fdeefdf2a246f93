package contentindex

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/checksum"
)

func TestAddLookupRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	ix, err := Create(path, 256, checksum.SHA256)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ix.Close()

	now := time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)
	cid1 := bytes.Repeat([]byte{0x01}, 32)
	if err := ix.Add(cid1, cid1, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	cid2 := bytes.Repeat([]byte{0x02}, 32)
	if err := ix.Add(cid2, cid2, now.Add(time.Minute)); err != nil {
		t.Fatalf("add: %v", err)
	}

	e, ok := ix.Lookup(cid1)
	if !ok {
		t.Fatal("cid1 not found")
	}
	if !e.AddedAt.Equal(now) {
		t.Errorf("got AddedAt %v, want %v", e.AddedAt, now)
	}
	if !bytes.Equal(e.Checksum, cid1) {
		t.Errorf("got checksum %x, want %x", e.Checksum, cid1)
	}

	matches := ix.LookupByChecksum(cid2)
	if len(matches) != 1 || !bytes.Equal(matches[0], cid2) {
		t.Errorf("LookupByChecksum(cid2) = %v, want [%x]", matches, cid2)
	}

	if ix.Len() != 2 {
		t.Errorf("Len() = %d, want 2", ix.Len())
	}
}

func TestAddIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	ix, err := Create(path, 256, checksum.SHA256)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ix.Close()

	cid := bytes.Repeat([]byte{0x07}, 32)
	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := ix.Add(cid, cid, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := ix.Add(cid, cid, now.Add(time.Hour)); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if ix.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after idempotent re-add", ix.Len())
	}
	e, _ := ix.Lookup(cid)
	if !e.AddedAt.Equal(now) {
		t.Errorf("re-add must not overwrite AddedAt: got %v, want %v", e.AddedAt, now)
	}
}

func TestOpenSkipsDeprecatedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	ix, err := Create(path, 512, checksum.SHA256)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cid := bytes.Repeat([]byte{0x09}, 32)
	now := time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := ix.Add(cid, cid, now); err != nil {
		t.Fatalf("add: %v", err)
	}
	ix.Close()

	// Inject a deprecated 0xd0 blob and a 0xcc "closed" marker directly
	// after the active entry, before the 0x00 terminator, simulating a
	// file written by an older version of the format.
	f, err := blockfile.Open(path, Magic)
	if err != nil {
		t.Fatalf("reopen raw: %v", err)
	}
	payload, err := f.ReadBlock(1)
	if err != nil {
		t.Fatalf("read block 1: %v", err)
	}
	entryEnd := len(encodeContentEntry(Entry{Cid: cid, Checksum: cid, AddedAt: now}))
	if payload[entryEnd] != 0 {
		t.Fatalf("no terminator found after the active entry in block 1")
	}
	var injected bytes.Buffer
	injected.Write(payload[:entryEnd])
	injected.WriteByte(tagDeprecated)
	injected.WriteByte(3) // varuint length 3
	injected.Write([]byte{0xaa, 0xbb, 0xcc})
	injected.WriteByte(tagClosed)
	injected.Write(closedLiteral)
	injected.WriteByte(0)
	if injected.Len() > f.PayloadSize() {
		t.Fatalf("injected payload too large for test block size")
	}
	if err := f.RewriteBlock(1, injected.Bytes()); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	f.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("open with deprecated entries: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (deprecated entries must not surface)", reopened.Len())
	}
	if _, ok := reopened.Lookup(cid); !ok {
		t.Fatal("active entry lost across deprecated-entry reopen")
	}
}

func TestAddSpansMultipleBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "content")
	ix, err := Create(path, 128, checksum.SHA256)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer ix.Close()

	now := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	var cids [][]byte
	for i := 0; i < 10; i++ {
		cid := bytes.Repeat([]byte{byte(i + 1)}, 32)
		cids = append(cids, cid)
		if err := ix.Add(cid, cid, now); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	if ix.Len() != 10 {
		t.Fatalf("Len() = %d, want 10", ix.Len())
	}
	for i, cid := range cids {
		if _, ok := ix.Lookup(cid); !ok {
			t.Errorf("entry %d not found after multi-block packing", i)
		}
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Len() != 10 {
		t.Fatalf("after reopen: Len() = %d, want 10", reopened.Len())
	}

	var seen int
	if err := reopened.ForEach(func(e Entry) error {
		seen++
		return nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if seen != 10 {
		t.Fatalf("ForEach visited %d entries, want 10", seen)
	}
}
