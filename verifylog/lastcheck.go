package verifylog

import (
	"bytes"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/wire"
)

// LastcheckMagic is the settings-block magic line for db/lastcheck.
const LastcheckMagic = "ebakup last-check data"

const (
	tagSnapshotRange byte = 'B'
	tagContentRange  byte = 'C'
)

// Range is one closed, lexicographic range [First, Last] of snapshot
// names or CIDs (spec.md §4.7: "the endpoints need not name extant
// items").
type Range struct {
	First, Last []byte
}

// CheckEntry is one lastcheck record: every range of the given kind
// ('B' for snapshot names, 'C' for CIDs) that was last verified at At.
type CheckEntry struct {
	Kind   byte
	At     time.Time
	Ranges []Range
}

var knownLastcheckSettings = map[string]bool{"edb-blocksize": true, "edb-blocksum": true}

// Lastcheck is an open lastcheck file.
type Lastcheck struct {
	f       *blockfile.File
	entries []CheckEntry

	lastBlockIndex   int64
	lastBlockEntries [][]byte
}

// CreateLastcheck creates a new, empty lastcheck file at path.
func CreateLastcheck(path string, blockSize int, algo checksum.Algorithm) (*Lastcheck, error) {
	f, err := blockfile.Create(path, LastcheckMagic, blockSize, algo, nil)
	if err != nil {
		return nil, err
	}
	return &Lastcheck{f: f, lastBlockIndex: -1}, nil
}

// OpenLastcheck opens an existing lastcheck file and parses all of its
// entries into memory.
func OpenLastcheck(path string) (*Lastcheck, error) {
	f, err := blockfile.Open(path, LastcheckMagic)
	if err != nil {
		return nil, err
	}
	if err := f.Settings().CheckKnown(path, knownLastcheckSettings); err != nil {
		f.Close()
		return nil, err
	}
	lc := &Lastcheck{f: f}
	if err := lc.load(); err != nil {
		f.Close()
		return nil, err
	}
	return lc, nil
}

func (lc *Lastcheck) load() error {
	lc.lastBlockIndex = -1
	for i := int64(1); i < lc.f.NumBlocks(); i++ {
		payload, err := lc.f.ReadBlock(i)
		if err != nil {
			return err
		}
		raw, err := scanEntries(lc.f.Path(), payload)
		if err != nil {
			return err
		}
		if len(raw) > 0 {
			lc.lastBlockIndex = i
			lc.lastBlockEntries = raw
		}
		for _, r := range raw {
			e, err := decodeCheckEntry(r)
			if err != nil {
				return err
			}
			lc.entries = append(lc.entries, e)
		}
	}
	return nil
}

// scanEntries splits a block's payload into raw (still-encoded)
// entries, stopping at the first all-zero padding byte.
func scanEntries(path string, payload []byte) ([][]byte, error) {
	var out [][]byte
	pos := 0
	for pos < len(payload) {
		if payload[pos] == 0 {
			break
		}
		start := pos
		tag := payload[pos]
		if tag != tagSnapshotRange && tag != tagContentRange {
			return nil, &errs.InvalidFormat{File: path, Reason: "unknown lastcheck entry tag"}
		}
		pos++
		size, n, ok := wire.GetUvarint(payload[pos:])
		if !ok {
			return nil, &errs.InvalidFormat{File: path, Reason: "truncated lastcheck entry size"}
		}
		pos += n
		if pos+int(size) > len(payload) {
			return nil, &errs.InvalidFormat{File: path, Reason: "lastcheck entry runs past block"}
		}
		pos += int(size)
		out = append(out, payload[start:pos])
	}
	return out, nil
}

// Entries returns every lastcheck record currently on file, in
// append order.
func (lc *Lastcheck) Entries() []CheckEntry {
	out := make([]CheckEntry, len(lc.entries))
	copy(out, lc.entries)
	return out
}

// MarkChecked records that ranges of the given kind were verified at
// at. If the most recently written entry has the same kind and
// timestamp, the new ranges are coalesced into it (spec.md §4.7:
// "implementations should coalesce on write") rather than appended as
// a separate entry.
func (lc *Lastcheck) MarkChecked(kind byte, at time.Time, ranges []Range) error {
	if kind != tagSnapshotRange && kind != tagContentRange {
		return errors.Errorf("verifylog: unknown range kind %q", kind)
	}
	merged := coalesceRanges(append([]Range(nil), ranges...))

	if n := len(lc.entries); n > 0 {
		last := lc.entries[n-1]
		if last.Kind == kind && last.At.Equal(at) {
			lc.entries[n-1].Ranges = coalesceRanges(append(append([]Range(nil), last.Ranges...), merged...))
			return lc.rewriteLastBlock()
		}
	}

	entry := CheckEntry{Kind: kind, At: at, Ranges: merged}
	lc.entries = append(lc.entries, entry)
	return lc.appendEntry(encodeCheckEntry(entry))
}

func (lc *Lastcheck) appendEntry(raw []byte) error {
	if lc.lastBlockIndex >= 0 {
		candidate := joinRaw(append(append([][]byte(nil), lc.lastBlockEntries...), raw))
		if len(candidate) <= lc.f.PayloadSize() {
			if err := lc.f.RewriteBlock(lc.lastBlockIndex, candidate); err != nil {
				return err
			}
			lc.lastBlockEntries = append(lc.lastBlockEntries, raw)
			return nil
		}
	}
	if len(raw) > lc.f.PayloadSize() {
		return errors.Errorf("verifylog: lastcheck entry of %d bytes exceeds block payload size %d", len(raw), lc.f.PayloadSize())
	}
	if err := lc.f.AppendBlock(raw); err != nil {
		return err
	}
	lc.lastBlockIndex = lc.f.NumBlocks() - 1
	lc.lastBlockEntries = [][]byte{raw}
	return nil
}

// rewriteLastBlock re-encodes the most recent entry (which MarkChecked
// just mutated in place) and rewrites it into the block it currently
// lives in.
func (lc *Lastcheck) rewriteLastBlock() error {
	if lc.lastBlockIndex < 0 || len(lc.lastBlockEntries) == 0 {
		return errors.New("verifylog: rewriteLastBlock called with no current block")
	}
	raw := encodeCheckEntry(lc.entries[len(lc.entries)-1])
	entries := append(append([][]byte(nil), lc.lastBlockEntries[:len(lc.lastBlockEntries)-1]...), raw)
	payload := joinRaw(entries)
	if len(payload) > lc.f.PayloadSize() {
		// The coalesced entry no longer fits where it was; spill it to
		// a fresh block instead (the rest of that block's entries stay
		// put, mirroring spec.md §4.7's rewrite discipline for issues).
		lc.lastBlockEntries = lc.lastBlockEntries[:len(lc.lastBlockEntries)-1]
		if err := lc.f.RewriteBlock(lc.lastBlockIndex, joinRaw(lc.lastBlockEntries)); err != nil {
			return err
		}
		if err := lc.f.AppendBlock(raw); err != nil {
			return err
		}
		lc.lastBlockIndex = lc.f.NumBlocks() - 1
		lc.lastBlockEntries = [][]byte{raw}
		return nil
	}
	lc.lastBlockEntries = entries
	return lc.f.RewriteBlock(lc.lastBlockIndex, payload)
}

func joinRaw(entries [][]byte) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e)
	}
	return buf.Bytes()
}

// Close releases the underlying file handle.
func (lc *Lastcheck) Close() error { return lc.f.Close() }

func encodeCheckEntry(e CheckEntry) []byte {
	var body bytes.Buffer
	ts := EncodeTimestamp(e.At)
	body.Write(ts[:])
	for _, r := range e.Ranges {
		wire.PutLenBytes(&body, r.First)
		wire.PutLenBytes(&body, r.Last)
	}

	var out bytes.Buffer
	out.WriteByte(e.Kind)
	wire.PutUvarint(&out, uint64(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func decodeCheckEntry(raw []byte) (CheckEntry, error) {
	if len(raw) < 1 {
		return CheckEntry{}, &errs.InvalidFormat{Reason: "empty lastcheck entry"}
	}
	kind := raw[0]
	size, n, ok := wire.GetUvarint(raw[1:])
	if !ok {
		return CheckEntry{}, &errs.InvalidFormat{Reason: "truncated lastcheck entry"}
	}
	body := raw[1+n:]
	if uint64(len(body)) != size {
		return CheckEntry{}, &errs.InvalidFormat{Reason: "lastcheck entry size mismatch"}
	}
	if len(body) < TimestampSize {
		return CheckEntry{}, &errs.InvalidFormat{Reason: "lastcheck entry missing timestamp"}
	}
	var ts [TimestampSize]byte
	copy(ts[:], body[:TimestampSize])
	at, err := DecodeTimestamp(ts)
	if err != nil {
		return CheckEntry{}, err
	}
	pos := TimestampSize
	var ranges []Range
	for pos < len(body) {
		first, n1, ok := wire.GetLenBytes(body[pos:])
		if !ok {
			return CheckEntry{}, &errs.InvalidFormat{Reason: "truncated lastcheck range"}
		}
		pos += n1
		last, n2, ok := wire.GetLenBytes(body[pos:])
		if !ok {
			return CheckEntry{}, &errs.InvalidFormat{Reason: "truncated lastcheck range"}
		}
		pos += n2
		ranges = append(ranges, Range{First: append([]byte(nil), first...), Last: append([]byte(nil), last...)})
	}
	return CheckEntry{Kind: kind, At: at, Ranges: ranges}, nil
}

// coalesceRanges sorts ranges lexicographically by First and merges
// any that overlap or touch, per spec.md §4.7's "implementations
// should coalesce on write".
func coalesceRanges(ranges []Range) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sort.Slice(ranges, func(i, j int) bool { return bytes.Compare(ranges[i].First, ranges[j].First) < 0 })
	out := []Range{ranges[0]}
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if bytes.Compare(r.First, last.Last) <= 0 {
			if bytes.Compare(r.Last, last.Last) > 0 {
				last.Last = r.Last
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
