package verifylog

import (
	"bytes"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/wire"
)

// IssuesMagic is the settings-block magic line for db/issues.
const IssuesMagic = "ebakup issue data"

const (
	issueTagObject   byte = 'C'
	issueTagManifest byte = 'B'
)

// Change-event state tags (spec.md §4.7).
const (
	StateGood              byte = 'g'
	StateChecksumUncertain byte = 'k'
	StateMissing           byte = 'm'
	StateChecksumMismatch  byte = 'w'
)

// ChangeState is the state half of a ChangeEvent. Checksum is only
// meaningful when Kind == StateChecksumMismatch.
type ChangeState struct {
	Kind     byte
	Checksum []byte
}

// ChangeEvent is one observed transition in an object's verification
// history.
type ChangeEvent struct {
	Before, After time.Time
	State         ChangeState
}

// BkChangeEvent is one observed transition in a manifest's verification
// history. When Blank is true none of the other detail fields are
// meaningful (spec.md §4.7's "b" alternative to a details sequence).
type BkChangeEvent struct {
	Before, After      time.Time
	Rewritten          bool
	Blank              bool
	CorrectBlocks      []int64
	LogicallyBadBlocks []int64
	MissingCids        [][]byte
	RewrittenBlocks    []int64
}

// ObjectIssue is the full verification history recorded for one CID.
type ObjectIssue struct {
	Cid    []byte
	Events []ChangeEvent
}

// ManifestIssue is the full verification history recorded for one
// snapshot name.
type ManifestIssue struct {
	Name   []byte
	Events []BkChangeEvent
}

var knownIssuesSettings = map[string]bool{"edb-blocksize": true, "edb-blocksum": true}

type entryLoc struct {
	block int64
	pos   int
}

// Issues is an open issues file (spec.md §4.7): a per-item history of
// detected changes, one entry per object CID or manifest name. Unlike
// lastcheck's coalescing appends, issues holds "exactly one history
// entry per item" (spec.md): recording a new event finds that item's
// existing entry wherever it lives and rewrites the block that owns
// it, spilling to another block only if the grown entry no longer
// fits.
type Issues struct {
	f *blockfile.File

	blockEntries map[int64][][]byte // block index -> raw entries in that block, in order

	objects   map[string]*ObjectIssue
	objLoc    map[string]entryLoc
	manifests map[string]*ManifestIssue
	mfLoc     map[string]entryLoc
}

// CreateIssues creates a new, empty issues file at path.
func CreateIssues(issuesPath string, blockSize int, algo checksum.Algorithm) (*Issues, error) {
	f, err := blockfile.Create(issuesPath, IssuesMagic, blockSize, algo, nil)
	if err != nil {
		return nil, err
	}
	return newIssues(f), nil
}

// OpenIssues opens an existing issues file and parses its entries.
func OpenIssues(path string) (*Issues, error) {
	f, err := blockfile.Open(path, IssuesMagic)
	if err != nil {
		return nil, err
	}
	if err := f.Settings().CheckKnown(path, knownIssuesSettings); err != nil {
		f.Close()
		return nil, err
	}
	iss := newIssues(f)
	if err := iss.load(); err != nil {
		f.Close()
		return nil, err
	}
	return iss, nil
}

func newIssues(f *blockfile.File) *Issues {
	return &Issues{
		f:            f,
		blockEntries: make(map[int64][][]byte),
		objects:      make(map[string]*ObjectIssue),
		objLoc:       make(map[string]entryLoc),
		manifests:    make(map[string]*ManifestIssue),
		mfLoc:        make(map[string]entryLoc),
	}
}

func (iss *Issues) load() error {
	for i := int64(1); i < iss.f.NumBlocks(); i++ {
		payload, err := iss.f.ReadBlock(i)
		if err != nil {
			return err
		}
		raw, err := scanEntries(iss.f.Path(), payload)
		if err != nil {
			return err
		}
		iss.blockEntries[i] = raw
		for pos, r := range raw {
			if err := iss.indexRaw(r, i, pos); err != nil {
				return err
			}
		}
	}
	return nil
}

func (iss *Issues) indexRaw(raw []byte, block int64, pos int) error {
	if len(raw) < 1 {
		return &errs.InvalidFormat{File: iss.f.Path(), Reason: "empty issues entry"}
	}
	switch raw[0] {
	case issueTagObject:
		oi, err := decodeObjectIssue(raw)
		if err != nil {
			return err
		}
		key := hex.EncodeToString(oi.Cid)
		iss.objects[key] = &oi
		iss.objLoc[key] = entryLoc{block: block, pos: pos}
	case issueTagManifest:
		mi, err := decodeManifestIssue(raw)
		if err != nil {
			return err
		}
		key := string(mi.Name)
		iss.manifests[key] = &mi
		iss.mfLoc[key] = entryLoc{block: block, pos: pos}
	default:
		return &errs.InvalidFormat{File: iss.f.Path(), Reason: "unknown issues entry tag"}
	}
	return nil
}

// ObjectHistory returns the recorded history for cid, if any.
func (iss *Issues) ObjectHistory(cid []byte) ([]ChangeEvent, bool) {
	oi, ok := iss.objects[hex.EncodeToString(cid)]
	if !ok {
		return nil, false
	}
	return append([]ChangeEvent(nil), oi.Events...), true
}

// ManifestHistory returns the recorded history for a snapshot name, if
// any.
func (iss *Issues) ManifestHistory(name []byte) ([]BkChangeEvent, bool) {
	mi, ok := iss.manifests[string(name)]
	if !ok {
		return nil, false
	}
	return append([]BkChangeEvent(nil), mi.Events...), true
}

// RecordObjectEvent appends ev to cid's history, creating the entry if
// this is the first event recorded for cid.
func (iss *Issues) RecordObjectEvent(cid []byte, ev ChangeEvent) error {
	key := hex.EncodeToString(cid)
	oi, ok := iss.objects[key]
	if !ok {
		oi = &ObjectIssue{Cid: append([]byte(nil), cid...)}
		iss.objects[key] = oi
		oi.Events = append(oi.Events, ev)
		return iss.appendNew(encodeObjectIssue(oi), func(block, pos int64) {
			iss.objLoc[key] = entryLoc{block: block, pos: int(pos)}
		})
	}
	oi.Events = append(oi.Events, ev)
	return iss.rewrite(key, iss.objLoc, encodeObjectIssue(oi), func(loc entryLoc) { iss.objLoc[key] = loc })
}

// RecordManifestEvent appends ev to name's history, creating the entry
// if this is the first event recorded for name.
func (iss *Issues) RecordManifestEvent(name []byte, ev BkChangeEvent) error {
	key := string(name)
	mi, ok := iss.manifests[key]
	if !ok {
		mi = &ManifestIssue{Name: append([]byte(nil), name...)}
		iss.manifests[key] = mi
		mi.Events = append(mi.Events, ev)
		return iss.appendNew(encodeManifestIssue(mi), func(block, pos int64) {
			iss.mfLoc[key] = entryLoc{block: block, pos: int(pos)}
		})
	}
	mi.Events = append(mi.Events, ev)
	return iss.rewrite(key, iss.mfLoc, encodeManifestIssue(mi), func(loc entryLoc) { iss.mfLoc[key] = loc })
}

// appendNew places a brand-new entry into the last existing block if
// it fits there, else a fresh block, and reports the entry's final
// location via record.
func (iss *Issues) appendNew(raw []byte, record func(block, pos int64)) error {
	if last := iss.f.NumBlocks() - 1; last >= 1 {
		entries := iss.blockEntries[last]
		if joinedLen(entries)+len(raw) <= iss.f.PayloadSize() {
			entries = append(entries, raw)
			if err := iss.f.RewriteBlock(last, joinRaw(entries)); err != nil {
				return err
			}
			iss.blockEntries[last] = entries
			record(last, int64(len(entries)-1))
			return nil
		}
	}
	if len(raw) > iss.f.PayloadSize() {
		return errors.Errorf("verifylog: issues entry of %d bytes exceeds block payload size %d", len(raw), iss.f.PayloadSize())
	}
	if err := iss.f.AppendBlock(raw); err != nil {
		return err
	}
	block := iss.f.NumBlocks() - 1
	iss.blockEntries[block] = [][]byte{raw}
	record(block, 0)
	return nil
}

// rewrite re-encodes an existing entry in place. If it still fits in
// its owning block, that block is rewritten with the entry replaced;
// otherwise the entry is removed from its old block (which is
// rewritten without it) and spilled via appendNew, per spec.md §4.7's
// "spill one entry from that block to another block with space".
func (iss *Issues) rewrite(key string, locs map[string]entryLoc, raw []byte, record func(entryLoc)) error {
	loc := locs[key]
	entries := iss.blockEntries[loc.block]
	candidate := append(append([][]byte(nil), entries[:loc.pos]...), raw)
	candidate = append(candidate, entries[loc.pos+1:]...)

	if joinedLen(candidate) <= iss.f.PayloadSize() {
		if err := iss.f.RewriteBlock(loc.block, joinRaw(candidate)); err != nil {
			return err
		}
		iss.blockEntries[loc.block] = candidate
		record(entryLoc{block: loc.block, pos: loc.pos})
		return nil
	}

	without := append(append([][]byte(nil), entries[:loc.pos]...), entries[loc.pos+1:]...)
	if err := iss.f.RewriteBlock(loc.block, joinRaw(without)); err != nil {
		return err
	}
	iss.blockEntries[loc.block] = without

	var newLoc entryLoc
	err := iss.appendNew(raw, func(block, pos int64) { newLoc = entryLoc{block: block, pos: int(pos)} })
	if err != nil {
		return err
	}
	record(newLoc)
	return nil
}

func joinedLen(entries [][]byte) int {
	n := 0
	for _, e := range entries {
		n += len(e)
	}
	return n
}

// Close releases the underlying file handle.
func (iss *Issues) Close() error { return iss.f.Close() }

func encodeObjectIssue(oi *ObjectIssue) []byte {
	var body bytes.Buffer
	wire.PutLenBytes(&body, oi.Cid)
	for _, ev := range oi.Events {
		encodeChangeEvent(&body, ev)
	}
	var out bytes.Buffer
	out.WriteByte(issueTagObject)
	wire.PutUvarint(&out, uint64(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func encodeManifestIssue(mi *ManifestIssue) []byte {
	var body bytes.Buffer
	wire.PutLenBytes(&body, mi.Name)
	for _, ev := range mi.Events {
		encodeBkChangeEvent(&body, ev)
	}
	var out bytes.Buffer
	out.WriteByte(issueTagManifest)
	wire.PutUvarint(&out, uint64(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func encodeChangeEvent(buf *bytes.Buffer, ev ChangeEvent) {
	before := EncodeTimestamp(ev.Before)
	after := EncodeTimestamp(ev.After)
	buf.Write(before[:])
	buf.Write(after[:])
	buf.WriteByte(ev.State.Kind)
	if ev.State.Kind == StateChecksumMismatch {
		wire.PutLenBytes(buf, ev.State.Checksum)
	}
}

func encodeBlockList(buf *bytes.Buffer, tag byte, indices []int64) {
	buf.WriteByte(tag)
	wire.PutUvarint(buf, uint64(len(indices)))
	for _, idx := range indices {
		wire.PutUvarint(buf, uint64(idx))
	}
}

func encodeBkChangeEvent(buf *bytes.Buffer, ev BkChangeEvent) {
	before := EncodeTimestamp(ev.Before)
	after := EncodeTimestamp(ev.After)
	buf.Write(before[:])
	buf.Write(after[:])
	if ev.Rewritten {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	if ev.Blank {
		buf.WriteByte('b')
		return
	}
	if ev.CorrectBlocks != nil {
		encodeBlockList(buf, 'k', ev.CorrectBlocks)
	}
	if ev.LogicallyBadBlocks != nil {
		encodeBlockList(buf, 'l', ev.LogicallyBadBlocks)
	}
	for _, cid := range ev.MissingCids {
		buf.WriteByte('c')
		wire.PutLenBytes(buf, cid)
	}
	encodeBlockList(buf, 'w', ev.RewrittenBlocks)
}

func decodeObjectIssue(raw []byte) (ObjectIssue, error) {
	if len(raw) < 1 || raw[0] != issueTagObject {
		return ObjectIssue{}, &errs.InvalidFormat{Reason: "not an object issue entry"}
	}
	size, n, ok := wire.GetUvarint(raw[1:])
	if !ok {
		return ObjectIssue{}, &errs.InvalidFormat{Reason: "truncated issues entry"}
	}
	body := raw[1+n:]
	if uint64(len(body)) != size {
		return ObjectIssue{}, &errs.InvalidFormat{Reason: "issues entry size mismatch"}
	}
	cid, consumed, ok := wire.GetLenBytes(body)
	if !ok {
		return ObjectIssue{}, &errs.InvalidFormat{Reason: "truncated object issue cid"}
	}
	oi := ObjectIssue{Cid: append([]byte(nil), cid...)}
	pos := consumed
	for pos < len(body) {
		ev, n, err := decodeChangeEvent(body[pos:])
		if err != nil {
			return ObjectIssue{}, err
		}
		oi.Events = append(oi.Events, ev)
		pos += n
	}
	return oi, nil
}

func decodeManifestIssue(raw []byte) (ManifestIssue, error) {
	if len(raw) < 1 || raw[0] != issueTagManifest {
		return ManifestIssue{}, &errs.InvalidFormat{Reason: "not a manifest issue entry"}
	}
	size, n, ok := wire.GetUvarint(raw[1:])
	if !ok {
		return ManifestIssue{}, &errs.InvalidFormat{Reason: "truncated issues entry"}
	}
	body := raw[1+n:]
	if uint64(len(body)) != size {
		return ManifestIssue{}, &errs.InvalidFormat{Reason: "issues entry size mismatch"}
	}
	name, consumed, ok := wire.GetLenBytes(body)
	if !ok {
		return ManifestIssue{}, &errs.InvalidFormat{Reason: "truncated manifest issue name"}
	}
	mi := ManifestIssue{Name: append([]byte(nil), name...)}
	pos := consumed
	for pos < len(body) {
		ev, n, err := decodeBkChangeEvent(body[pos:])
		if err != nil {
			return ManifestIssue{}, err
		}
		mi.Events = append(mi.Events, ev)
		pos += n
	}
	return mi, nil
}

func decodeChangeEvent(b []byte) (ChangeEvent, int, error) {
	if len(b) < 2*TimestampSize+1 {
		return ChangeEvent{}, 0, &errs.InvalidFormat{Reason: "truncated change event"}
	}
	var before, after [TimestampSize]byte
	copy(before[:], b[:TimestampSize])
	copy(after[:], b[TimestampSize:2*TimestampSize])
	bt, err := DecodeTimestamp(before)
	if err != nil {
		return ChangeEvent{}, 0, err
	}
	at, err := DecodeTimestamp(after)
	if err != nil {
		return ChangeEvent{}, 0, err
	}
	pos := 2 * TimestampSize
	kind := b[pos]
	pos++
	state := ChangeState{Kind: kind}
	switch kind {
	case StateGood, StateChecksumUncertain, StateMissing:
		// no further payload
	case StateChecksumMismatch:
		cksum, n, ok := wire.GetLenBytes(b[pos:])
		if !ok {
			return ChangeEvent{}, 0, &errs.InvalidFormat{Reason: "truncated change event checksum"}
		}
		state.Checksum = append([]byte(nil), cksum...)
		pos += n
	default:
		return ChangeEvent{}, 0, &errs.InvalidFormat{Reason: "unknown change event state"}
	}
	return ChangeEvent{Before: bt, After: at, State: state}, pos, nil
}

func decodeBlockList(b []byte) ([]int64, int, error) {
	n64, n, ok := wire.GetUvarint(b)
	if !ok {
		return nil, 0, &errs.InvalidFormat{Reason: "truncated block list count"}
	}
	pos := n
	out := make([]int64, 0, int(n64))
	for i := uint64(0); i < n64; i++ {
		v, n, ok := wire.GetUvarint(b[pos:])
		if !ok {
			return nil, 0, &errs.InvalidFormat{Reason: "truncated block list entry"}
		}
		out = append(out, int64(v))
		pos += n
	}
	return out, pos, nil
}

func decodeBkChangeEvent(b []byte) (BkChangeEvent, int, error) {
	if len(b) < 2*TimestampSize+1 {
		return BkChangeEvent{}, 0, &errs.InvalidFormat{Reason: "truncated backup change event"}
	}
	var before, after [TimestampSize]byte
	copy(before[:], b[:TimestampSize])
	copy(after[:], b[TimestampSize:2*TimestampSize])
	bt, err := DecodeTimestamp(before)
	if err != nil {
		return BkChangeEvent{}, 0, err
	}
	at, err := DecodeTimestamp(after)
	if err != nil {
		return BkChangeEvent{}, 0, err
	}
	pos := 2 * TimestampSize
	if pos >= len(b) {
		return BkChangeEvent{}, 0, &errs.InvalidFormat{Reason: "truncated backup change event"}
	}
	rewritten := b[pos] != 0
	pos++

	ev := BkChangeEvent{Before: bt, After: at, Rewritten: rewritten}
	if pos >= len(b) {
		return BkChangeEvent{}, 0, &errs.InvalidFormat{Reason: "truncated backup change event details"}
	}
	if b[pos] == 'b' {
		ev.Blank = true
		return ev, pos + 1, nil
	}

	if b[pos] == 'k' {
		blocks, n, err := decodeBlockList(b[pos+1:])
		if err != nil {
			return BkChangeEvent{}, 0, err
		}
		ev.CorrectBlocks = blocks
		pos += 1 + n
	}
	if pos < len(b) && b[pos] == 'l' {
		blocks, n, err := decodeBlockList(b[pos+1:])
		if err != nil {
			return BkChangeEvent{}, 0, err
		}
		ev.LogicallyBadBlocks = blocks
		pos += 1 + n
	}
	for pos < len(b) && b[pos] == 'c' {
		cid, n, ok := wire.GetLenBytes(b[pos+1:])
		if !ok {
			return BkChangeEvent{}, 0, &errs.InvalidFormat{Reason: "truncated missing-cid record"}
		}
		ev.MissingCids = append(ev.MissingCids, append([]byte(nil), cid...))
		pos += 1 + n
	}
	if pos >= len(b) || b[pos] != 'w' {
		return BkChangeEvent{}, 0, &errs.InvalidFormat{Reason: "backup change event missing mandatory trailer"}
	}
	blocks, n, err := decodeBlockList(b[pos+1:])
	if err != nil {
		return BkChangeEvent{}, 0, err
	}
	ev.RewrittenBlocks = blocks
	pos += 1 + n

	return ev, pos, nil
}
