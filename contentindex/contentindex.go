// Package contentindex implements the content-items index (spec.md
// §4.2, the on-disk file db/content): one entry per object body,
// mapping a content id (CID) to the checksum that identified it at
// insertion time and the time it was added. The index is the single
// mutable shared file touched during an ordinary backup (spec.md §5);
// Add is therefore the one operation in this package that requires a
// write lock and a freshness check against the file's mtime.
package contentindex

import (
	"bytes"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/wire"
)

// Magic is the settings-block magic line for db/content.
const Magic = "ebakup content data"

const (
	tagContent    byte = 0xdd // active entry
	tagDeprecated byte = 0xd0 // historical, unspecified payload: length-prefixed blob
	tagClosed     byte = 0xcc // historical "closed" marker, fixed 6-byte literal
	tagCkdata0    byte = 0xa0 // historical per-entry update record, length-prefixed blob
	tagCkdata1    byte = 0xa1
)

var closedLiteral = []byte("closed")

// Entry is one content-index record: the CID an object is addressed by,
// the checksum that was computed over its bytes at insertion time (the
// "good checksum"), and when it was added.
type Entry struct {
	Cid      []byte
	Checksum []byte
	AddedAt  time.Time
}

func (e Entry) cidKey() string      { return string(e.Cid) }
func (e Entry) checksumKey() string { return string(e.Checksum) }

// Index is an open content index.
type Index struct {
	path string
	f    *blockfile.File
	algo checksum.Algorithm

	order      []Entry
	byCid      map[string]int // index into order
	byChecksum map[string][]string

	lastBlockIndex   int64
	lastBlockEntries [][]byte // raw encoded entries currently packed into the last block
	loadedMtime      time.Time
}

var knownSettings = map[string]bool{"edb-blocksize": true, "edb-blocksum": true}

// Create creates a new, empty content index at path.
func Create(path string, blockSize int, algo checksum.Algorithm) (*Index, error) {
	f, err := blockfile.Create(path, Magic, blockSize, algo, nil)
	if err != nil {
		return nil, err
	}
	return &Index{
		path:       path,
		f:          f,
		algo:       algo,
		byCid:      make(map[string]int),
		byChecksum: make(map[string][]string),
	}, nil
}

// Open opens an existing content index and parses all of its entries
// into memory.
func Open(path string) (*Index, error) {
	f, err := blockfile.Open(path, Magic)
	if err != nil {
		return nil, err
	}
	if err := f.Settings().CheckKnown(path, knownSettings); err != nil {
		f.Close()
		return nil, err
	}
	ix := &Index{
		path:       path,
		f:          f,
		algo:       f.Algorithm(),
		byCid:      make(map[string]int),
		byChecksum: make(map[string][]string),
	}
	if err := ix.load(); err != nil {
		f.Close()
		return nil, err
	}
	return ix, nil
}

func (ix *Index) load() error {
	ix.order = nil
	ix.byCid = make(map[string]int)
	ix.byChecksum = make(map[string][]string)
	ix.lastBlockEntries = nil
	ix.lastBlockIndex = 0

	for i := int64(1); i < ix.f.NumBlocks(); i++ {
		payload, err := ix.f.ReadBlock(i)
		if err != nil {
			return err
		}
		raw, err := ix.scanBlock(payload)
		if err != nil {
			return err
		}
		ix.lastBlockIndex = i
		ix.lastBlockEntries = raw
	}
	if fi, err := os.Stat(ix.path); err == nil {
		ix.loadedMtime = fi.ModTime()
	}
	return nil
}

// scanBlock parses every entry in a block's payload, recording active
// entries into the in-memory index and returning the raw encoded bytes
// of each entry (active or deprecated) in file order, so that a
// subsequent Add can repack this block if there's still room in it.
func (ix *Index) scanBlock(payload []byte) ([][]byte, error) {
	var raw [][]byte
	off := 0
	for off < len(payload) {
		tag := payload[off]
		if tag == 0 {
			break
		}
		switch tag {
		case tagContent:
			entry, n, err := decodeContentEntry(payload[off:])
			if err != nil {
				return nil, errors.Wrapf(err, "contentindex: %s", ix.path)
			}
			ix.record(entry)
			raw = append(raw, payload[off:off+n])
			off += n
		case tagDeprecated, tagCkdata0, tagCkdata1:
			n, ok := skipLengthPrefixed(payload[off:])
			if !ok {
				return nil, &errs.InvalidFormat{File: ix.path, Reason: "truncated deprecated entry"}
			}
			raw = append(raw, payload[off:off+n])
			off += n
		case tagClosed:
			n := 1 + len(closedLiteral)
			if off+n > len(payload) || !bytes.Equal(payload[off+1:off+n], closedLiteral) {
				return nil, &errs.InvalidFormat{File: ix.path, Reason: "malformed closed marker"}
			}
			raw = append(raw, payload[off:off+n])
			off += n
		default:
			return nil, &errs.InvalidFormat{File: ix.path, Reason: "unrecognized content entry tag"}
		}
	}
	return raw, nil
}

func skipLengthPrefixed(data []byte) (int, bool) {
	l, n, ok := wire.GetUvarint(data[1:])
	if !ok || 1+n+int(l) > len(data) {
		return 0, false
	}
	return 1 + n + int(l), true
}

func decodeContentEntry(data []byte) (Entry, int, error) {
	off := 1
	cidLen, n, ok := wire.GetUvarint(data[off:])
	if !ok {
		return Entry{}, 0, errors.New("truncated cidlen")
	}
	off += n
	ckLen, n, ok := wire.GetUvarint(data[off:])
	if !ok {
		return Entry{}, 0, errors.New("truncated cklen")
	}
	off += n

	composite := cidLen
	if ckLen > composite {
		composite = ckLen
	}
	if off+int(composite)+8 > len(data) {
		return Entry{}, 0, errors.New("truncated content entry")
	}
	combined := data[off : off+int(composite)]
	off += int(composite)

	first := beU32(data[off : off+4])
	off += 4
	// "last" is retained on disk for backward compatibility with
	// readers of older index files but is otherwise unused: modern
	// writers always set last == first.
	off += 4

	cid := append([]byte(nil), combined[:cidLen]...)
	cksum := append([]byte(nil), combined[:ckLen]...)
	return Entry{
		Cid:      cid,
		Checksum: cksum,
		AddedAt:  time.Unix(int64(first), 0).UTC(),
	}, off, nil
}

func beU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func encodeContentEntry(e Entry) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagContent)
	wire.PutUvarint(&buf, uint64(len(e.Cid)))
	wire.PutUvarint(&buf, uint64(len(e.Checksum)))
	composite := e.Cid
	if len(e.Checksum) > len(composite) {
		composite = e.Checksum
	}
	buf.Write(composite)
	putU32(&buf, uint32(e.AddedAt.Unix()))
	putU32(&buf, uint32(e.AddedAt.Unix())) // last == first for modern writers
	return buf.Bytes()
}

func putU32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 24))
}

func (ix *Index) record(e Entry) {
	key := e.cidKey()
	if i, ok := ix.byCid[key]; ok {
		ix.order[i] = e
		return
	}
	ix.byCid[key] = len(ix.order)
	ix.order = append(ix.order, e)
	ck := e.checksumKey()
	ix.byChecksum[ck] = append(ix.byChecksum[ck], key)
}

// Lookup returns the entry for cid, if present.
func (ix *Index) Lookup(cid []byte) (Entry, bool) {
	i, ok := ix.byCid[string(cid)]
	if !ok {
		return Entry{}, false
	}
	return ix.order[i], true
}

// LookupByChecksum returns the CIDs of every entry whose good checksum
// equals checksum. Used during object-add to detect pre-existing
// identical content and checksum collisions (spec.md §4.4).
func (ix *Index) LookupByChecksum(sum []byte) [][]byte {
	keys := ix.byChecksum[string(sum)]
	cids := make([][]byte, len(keys))
	for i, k := range keys {
		cids[i] = []byte(k)
	}
	return cids
}

// ForEach calls f for every entry in file order. It is restartable:
// each call iterates the in-memory snapshot taken at Open/refresh time.
func (ix *Index) ForEach(f func(Entry) error) error {
	for _, e := range ix.order {
		if err := f(e); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of entries in the index.
func (ix *Index) Len() int { return len(ix.order) }

// Path returns the path the index was opened or created with.
func (ix *Index) Path() string { return ix.path }

// refreshIfStale re-reads the whole index from disk if its mtime has
// advanced since the in-memory state was built. This is the mtime-gated
// re-read the spec.md §9 open question (and §5's ordering guarantees)
// calls for: it protects a writer that's held the write lock the whole
// time from losing entries appended by another process between its
// last read and this write.
func (ix *Index) refreshIfStale() error {
	fi, err := os.Stat(ix.path)
	if err != nil {
		return errors.Wrapf(err, "contentindex: stat %s", ix.path)
	}
	if fi.ModTime().Equal(ix.loadedMtime) {
		return nil
	}
	reopened, err := blockfile.Open(ix.path, Magic)
	if err != nil {
		return err
	}
	ix.f.Close()
	ix.f = reopened
	return ix.load()
}

// maxAddRetries bounds the re-read-then-append race's retry loop
// (spec.md §9: a retry loop is recommended but not mandated by the
// spec; this implementation adds a small bounded one).
const maxAddRetries = 8

// Add appends a new entry (cid, checksum, addedAt) to the index,
// packing it into the current last block if there's room or starting a
// new block otherwise. Callers must hold the content index's write
// lock (spec.md §5); Add re-reads the file if another process appended
// to it since this Index was loaded, so that a concurrent appender's
// entry is never silently lost. If the file keeps changing across
// maxAddRetries re-reads, Add returns *errs.LockContention.
func (ix *Index) Add(cid, sum []byte, addedAt time.Time) error {
	for attempt := 0; ; attempt++ {
		if attempt >= maxAddRetries {
			return &errs.LockContention{File: ix.path}
		}
		if err := ix.refreshIfStale(); err != nil {
			return err
		}
		if _, ok := ix.Lookup(cid); ok {
			return nil // idempotent: already present after refresh
		}
		// Another process may have appended since the refresh; re-read
		// and try again rather than rewrite a stale last block.
		if fi, err := os.Stat(ix.path); err == nil && !fi.ModTime().Equal(ix.loadedMtime) {
			continue
		}

		entry := Entry{Cid: cid, Checksum: sum, AddedAt: addedAt}
		encoded := encodeContentEntry(entry)

		packed := joinEntries(ix.lastBlockEntries)
		if ix.f.NumBlocks() > 1 && len(packed)+len(encoded)+1 <= ix.f.PayloadSize() {
			newRaw := append(append([][]byte(nil), ix.lastBlockEntries...), encoded)
			payload := append(joinEntries(newRaw), 0)
			if err := ix.f.RewriteBlock(ix.lastBlockIndex, payload); err != nil {
				return err
			}
			ix.lastBlockEntries = newRaw
		} else {
			payload := append(append([]byte(nil), encoded...), 0)
			if err := ix.f.AppendBlock(payload); err != nil {
				return err
			}
			ix.lastBlockIndex = ix.f.NumBlocks() - 1
			ix.lastBlockEntries = [][]byte{encoded}
		}
		ix.record(entry)

		if err := ix.f.Sync(); err != nil {
			return err
		}
		if fi, err := os.Stat(ix.path); err == nil {
			ix.loadedMtime = fi.ModTime()
		}
		return nil
	}
}

func joinEntries(raw [][]byte) []byte {
	var buf bytes.Buffer
	for _, r := range raw {
		buf.Write(r)
	}
	return buf.Bytes()
}

// Close releases the underlying file handle.
func (ix *Index) Close() error { return ix.f.Close() }
