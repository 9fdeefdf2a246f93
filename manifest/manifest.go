// Package manifest implements the per-snapshot manifest codec (spec.md
// §4.3, the YYYY/MM-DDThh:mm files under a storage tree): an immutable
// record of a snapshot's directory tree, file metadata, and CIDs, plus
// a per-manifest arena of interned extra key-value metadata. Grounded
// on original_source/pyebakup/database/dataitems.py (the item kinds)
// and original_source/pyebakup/database/dbinternals/backupinfobuilder.py
// (dirid/kvid/xid allocation order), expressed with blockfile framing
// and wire varints in place of the Python implementation's line-based
// settings block and free-form item objects.
package manifest

import (
	"bytes"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/wire"
)

// Magic is the settings-block magic line for a snapshot manifest.
const Magic = "ebakup backup data"

// Reserved directory and extras-arena ids. 0-7 are reserved; dirid and
// xid allocation for real entries starts at 8, matching the teacher's
// pyebakup allocator.
const (
	RootDirID     = 0
	NoExtras      = 0
	firstDirID    = 8
	firstExtrasID = 8
)

const (
	tagKeyValue   byte = 0x21
	tagExtraDef   byte = 0x22
	tagDirectory  byte = 0x90
	tagDirectoryX byte = 0x92
	tagFile       byte = 0x91
	tagFileX      byte = 0x93
	tagFileSpecial byte = 0x94
)

// FileType names a non-regular file's kind, stored verbatim in the
// manifest (spec.md §4.3, §9: "this specification does not fix
// semantics for them beyond storing their type and optional content").
// An empty FileType means "regular file".
type FileType byte

const (
	TypeRegular FileType = 0
	TypeSymlink FileType = 'L'
	TypeSocket  FileType = 'S'
	TypePipe    FileType = 'P'
	TypeDevice  FileType = 'D'
	TypeUnknown FileType = '?'
)

// Directory is one directory entry.
type Directory struct {
	DirID  int64
	Parent int64
	Name   []byte
	Extra  map[string]string
}

// File is one file entry. Cid may be empty for non-content specials
// (e.g. a socket or pipe placeholder).
type File struct {
	Parent   int64
	Name     []byte
	Cid      []byte
	Size     int64
	Mtime    time.Time
	Type     FileType
	Extra    map[string]string
}

// Manifest is a fully decoded, in-memory snapshot manifest.
type Manifest struct {
	Start time.Time
	End   time.Time

	directories map[int64]*Directory
	dirOrder    []int64
	files       []File

	// byParent[dirid] holds indices into files plus child dirids, for
	// directory-listing and lookup.
	filesByParent map[int64][]int
	dirsByParent  map[int64][]int64
}

func newManifest() *Manifest {
	return &Manifest{
		directories:   map[int64]*Directory{},
		filesByParent: map[int64][]int{},
		dirsByParent:  map[int64][]int64{},
	}
}

func (m *Manifest) index() {
	m.filesByParent = map[int64][]int{}
	m.dirsByParent = map[int64][]int64{}
	for _, id := range m.dirOrder {
		d := m.directories[id]
		m.dirsByParent[d.Parent] = append(m.dirsByParent[d.Parent], id)
	}
	for i, f := range m.files {
		m.filesByParent[f.Parent] = append(m.filesByParent[f.Parent], i)
	}
}

// Directories returns every directory in the manifest, in definition
// order (the order dirids were allocated).
func (m *Manifest) Directories() []Directory {
	out := make([]Directory, 0, len(m.dirOrder))
	for _, id := range m.dirOrder {
		out = append(out, *m.directories[id])
	}
	return out
}

// Files returns every file in the manifest, in write order.
func (m *Manifest) Files() []File {
	return append([]File(nil), m.files...)
}

// Lookup finds the directory or file named name within parent dirid.
// At most one of (dir, file) is non-nil.
func (m *Manifest) Lookup(parent int64, name []byte) (dir *Directory, file *File) {
	for _, idx := range m.filesByParent[parent] {
		if bytes.Equal(m.files[idx].Name, name) {
			f := m.files[idx]
			return nil, &f
		}
	}
	for _, id := range m.dirsByParent[parent] {
		d := m.directories[id]
		if bytes.Equal(d.Name, name) {
			return d, nil
		}
	}
	return nil, nil
}

// List returns the names of child directories and files of parent,
// both sorted byte-wise (spec.md §4.3: "Directory listings sort
// entries by byte-wise name order").
func (m *Manifest) List(parent int64) (dirs, files [][]byte) {
	for _, id := range m.dirsByParent[parent] {
		dirs = append(dirs, m.directories[id].Name)
	}
	for _, idx := range m.filesByParent[parent] {
		files = append(files, m.files[idx].Name)
	}
	sort.Slice(dirs, func(i, j int) bool { return bytes.Compare(dirs[i], dirs[j]) < 0 })
	sort.Slice(files, func(i, j int) bool { return bytes.Compare(files[i], files[j]) < 0 })
	return dirs, files
}

var knownSettings = map[string]bool{
	"edb-blocksize": true, "edb-blocksum": true, "start": true, "end": true,
}

const timeLayout = "2006-01-02T15:04:05"

// Open parses a finalized manifest file. It rejects unrecognized
// magic, unknown settings, out-of-order block sets, and any entry tag
// outside the closed set (spec.md §4.3's reader contract).
func Open(path string) (*Manifest, error) {
	f, err := blockfile.OpenReadOnly(path, Magic)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(f *blockfile.File) (*Manifest, error) {
	if err := f.Settings().CheckKnown(f.Path(), knownSettings); err != nil {
		return nil, err
	}
	m := newManifest()
	if v, ok := f.Settings().Get("start"); ok {
		t, err := time.ParseInLocation(timeLayout, v, time.UTC)
		if err != nil {
			return nil, &errs.InvalidFormat{File: f.Path(), Reason: "bad start time: " + v}
		}
		m.Start = t
	} else {
		return nil, &errs.InvalidFormat{File: f.Path(), Reason: "missing start setting"}
	}
	if v, ok := f.Settings().Get("end"); ok {
		t, err := time.ParseInLocation(timeLayout, v, time.UTC)
		if err != nil {
			return nil, &errs.InvalidFormat{File: f.Path(), Reason: "bad end time: " + v}
		}
		m.End = t
	}

	kv := map[int64][2][]byte{}
	extradefs := map[int64][]int64{}

	const (
		stateDefinitions = iota
		stateData
	)
	state := stateDefinitions

	for i := int64(1); i < f.NumBlocks(); i++ {
		payload, err := f.ReadBlock(i)
		if err != nil {
			return nil, err
		}
		off := 0
		for off < len(payload) {
			if payload[off] == 0 {
				break
			}
			tag := payload[off]
			switch tag {
			case tagKeyValue, tagExtraDef:
				if state != stateDefinitions {
					return nil, &errs.InvalidFormat{File: f.Path(), Reason: "definition entry in data block"}
				}
			case tagDirectory, tagDirectoryX, tagFile, tagFileX, tagFileSpecial:
				state = stateData
			default:
				return nil, &errs.InvalidFormat{File: f.Path(), Reason: "unrecognized manifest entry tag"}
			}

			n, err := decodeEntry(f.Path(), payload[off:], m, kv, extradefs)
			if err != nil {
				return nil, err
			}
			off += n
		}
	}
	m.dirOrder = sortedKeys(m.directories)
	m.index()
	return m, nil
}

func sortedKeys(d map[int64]*Directory) []int64 {
	ids := make([]int64, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func decodeEntry(path string, data []byte, m *Manifest, kv map[int64][2][]byte, extradefs map[int64][]int64) (int, error) {
	tag := data[0]
	off := 1
	readVarint := func() (uint64, error) {
		v, n, ok := wire.GetUvarint(data[off:])
		if !ok {
			return 0, &errs.InvalidFormat{File: path, Reason: "truncated integer"}
		}
		off += n
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		b, n, ok := wire.GetLenBytes(data[off:])
		if !ok {
			return nil, &errs.InvalidFormat{File: path, Reason: "truncated byte string"}
		}
		off += n
		return b, nil
	}

	switch tag {
	case tagKeyValue:
		kvid, err := readVarint()
		if err != nil {
			return 0, err
		}
		key, err := readBytes()
		if err != nil {
			return 0, err
		}
		val, err := readBytes()
		if err != nil {
			return 0, err
		}
		kv[int64(kvid)] = [2][]byte{key, val}
		return off, nil

	case tagExtraDef:
		xid, err := readVarint()
		if err != nil {
			return 0, err
		}
		count, err := readVarint()
		if err != nil {
			return 0, err
		}
		ids := make([]int64, count)
		for i := range ids {
			v, err := readVarint()
			if err != nil {
				return 0, err
			}
			ids[i] = int64(v)
		}
		extradefs[int64(xid)] = ids
		return off, nil

	case tagDirectory, tagDirectoryX:
		dirid, err := readVarint()
		if err != nil {
			return 0, err
		}
		parent, err := readVarint()
		if err != nil {
			return 0, err
		}
		name, err := readBytes()
		if err != nil {
			return 0, err
		}
		var extra map[string]string
		if tag == tagDirectoryX {
			xid, err := readVarint()
			if err != nil {
				return 0, err
			}
			extra, err = resolveExtra(path, int64(xid), kv, extradefs)
			if err != nil {
				return 0, err
			}
		}
		if _, dup := m.directories[int64(dirid)]; dup {
			return 0, &errs.InvalidFormat{File: path, Reason: "duplicate dirid"}
		}
		m.directories[int64(dirid)] = &Directory{
			DirID: int64(dirid), Parent: int64(parent), Name: name, Extra: extra,
		}
		return off, nil

	case tagFile, tagFileX, tagFileSpecial:
		parent, err := readVarint()
		if err != nil {
			return 0, err
		}
		name, err := readBytes()
		if err != nil {
			return 0, err
		}
		cid, err := readBytes()
		if err != nil {
			return 0, err
		}
		size, err := readVarint()
		if err != nil {
			return 0, err
		}
		if off+9 > len(data) {
			return 0, &errs.InvalidFormat{File: path, Reason: "truncated mtime"}
		}
		var raw [9]byte
		copy(raw[:], data[off:off+9])
		off += 9
		mtime, err := wire.DecodeMtime(raw)
		if err != nil {
			return 0, errors.Wrapf(err, "manifest: %s", path)
		}

		var ftype FileType
		if tag == tagFileSpecial {
			if off >= len(data) {
				return 0, &errs.InvalidFormat{File: path, Reason: "truncated file type"}
			}
			ftype = FileType(data[off])
			off++
		}

		var extra map[string]string
		if tag == tagFileX || tag == tagFileSpecial {
			xid, err := readVarint()
			if err != nil {
				return 0, err
			}
			extra, err = resolveExtra(path, int64(xid), kv, extradefs)
			if err != nil {
				return 0, err
			}
		}

		m.files = append(m.files, File{
			Parent: int64(parent), Name: name, Cid: cid, Size: int64(size),
			Mtime: mtime, Type: ftype, Extra: extra,
		})
		return off, nil
	}
	return 0, &errs.InvalidFormat{File: path, Reason: "unrecognized manifest entry tag"}
}

func resolveExtra(path string, xid int64, kv map[int64][2][]byte, extradefs map[int64][]int64) (map[string]string, error) {
	if xid == NoExtras {
		return nil, nil
	}
	kvids, ok := extradefs[xid]
	if !ok {
		return nil, &errs.InvalidFormat{File: path, Reason: "unknown extradef xid"}
	}
	extra := make(map[string]string, len(kvids))
	for _, id := range kvids {
		pair, ok := kv[id]
		if !ok {
			return nil, &errs.InvalidFormat{File: path, Reason: "unknown key-value kvid"}
		}
		extra[string(pair[0])] = string(pair[1])
	}
	return extra, nil
}

// Builder constructs a new manifest. It allocates dirids and interns
// (key,value)/extras-bundle ids exactly as the teacher's
// BackupInfoBuilder does, then packs definition and data entries
// greedily into blocks, never splitting an entry across two blocks.
type Builder struct {
	blockSize int
	algo      checksum.Algorithm

	nextDirID    int64
	nextExtrasID int64
	kvids        map[[2]string]int64
	xids         map[string]int64 // key: joined sorted kvids

	defEntries  [][]byte
	dataEntries [][]byte

	dirParents map[int64]int64 // dirid -> parent, for acyclicity checking
}

// NewBuilder starts a new manifest builder.
func NewBuilder(blockSize int, algo checksum.Algorithm) *Builder {
	return &Builder{
		blockSize:    blockSize,
		algo:         algo,
		nextDirID:    firstDirID,
		nextExtrasID: firstExtrasID,
		kvids:        map[[2]string]int64{},
		xids:         map[string]int64{},
		dirParents:   map[int64]int64{RootDirID: -1},
	}
}

// AddDirectory records a new directory under parent and returns its
// allocated dirid. parent must be RootDirID or a previously returned
// dirid.
func (b *Builder) AddDirectory(parent int64, name []byte, extra map[string]string) (int64, error) {
	if _, ok := b.dirParents[parent]; !ok {
		return 0, errors.Errorf("manifest: builder: unknown parent dirid %d", parent)
	}
	dirid := b.nextDirID
	b.nextDirID++
	b.dirParents[dirid] = parent

	xid, hasExtra := b.internExtra(extra)
	var buf bytes.Buffer
	if hasExtra {
		buf.WriteByte(tagDirectoryX)
	} else {
		buf.WriteByte(tagDirectory)
	}
	wire.PutUvarint(&buf, uint64(dirid))
	wire.PutUvarint(&buf, uint64(parent))
	wire.PutLenBytes(&buf, name)
	if hasExtra {
		wire.PutUvarint(&buf, uint64(xid))
	}
	b.dataEntries = append(b.dataEntries, buf.Bytes())
	return dirid, nil
}

// AddFile records a regular or special file under parent.
func (b *Builder) AddFile(parent int64, name, cid []byte, size int64, mtime time.Time, ftype FileType, extra map[string]string) error {
	if _, ok := b.dirParents[parent]; !ok {
		return errors.Errorf("manifest: builder: unknown parent dirid %d", parent)
	}
	xid, hasExtra := b.internExtra(extra)

	var buf bytes.Buffer
	switch {
	case ftype != TypeRegular:
		buf.WriteByte(tagFileSpecial)
	case hasExtra:
		buf.WriteByte(tagFileX)
	default:
		buf.WriteByte(tagFile)
	}
	wire.PutUvarint(&buf, uint64(parent))
	wire.PutLenBytes(&buf, name)
	wire.PutLenBytes(&buf, cid)
	wire.PutUvarint(&buf, uint64(size))
	enc := wire.EncodeMtime(mtime)
	buf.Write(enc[:])
	if ftype != TypeRegular {
		buf.WriteByte(byte(ftype))
	}
	if ftype != TypeRegular || hasExtra {
		wire.PutUvarint(&buf, uint64(xid))
	}
	b.dataEntries = append(b.dataEntries, buf.Bytes())
	return nil
}

func (b *Builder) internExtra(extra map[string]string) (int64, bool) {
	if len(extra) == 0 {
		return NoExtras, false
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvids := make([]int64, len(keys))
	for i, k := range keys {
		pair := [2]string{k, extra[k]}
		id, ok := b.kvids[pair]
		if !ok {
			id = b.nextExtrasID
			// Key-value ids share the same counter space as extradef
			// ids in this implementation's arena, matching the
			// teacher's separate-but-parallel allocators; each is
			// still unique within its own tag namespace (0x21 vs
			// 0x22), so collisions across the two are harmless.
			b.nextExtrasID++
			b.kvids[pair] = id
			var buf bytes.Buffer
			buf.WriteByte(tagKeyValue)
			wire.PutUvarint(&buf, uint64(id))
			wire.PutLenBytes(&buf, []byte(k))
			wire.PutLenBytes(&buf, []byte(extra[k]))
			b.defEntries = append(b.defEntries, buf.Bytes())
		}
		kvids[i] = id
	}

	bundleKey := bundleKeyOf(kvids)
	xid, ok := b.xids[bundleKey]
	if !ok {
		xid = b.nextExtrasID
		b.nextExtrasID++
		b.xids[bundleKey] = xid
		var buf bytes.Buffer
		buf.WriteByte(tagExtraDef)
		wire.PutUvarint(&buf, uint64(xid))
		wire.PutUvarint(&buf, uint64(len(kvids)))
		for _, id := range kvids {
			wire.PutUvarint(&buf, uint64(id))
		}
		b.defEntries = append(b.defEntries, buf.Bytes())
	}
	return xid, true
}

func bundleKeyOf(ids []int64) string {
	var buf bytes.Buffer
	for _, id := range ids {
		wire.PutUvarint(&buf, uint64(id))
	}
	return buf.String()
}

// Finish packs the definition and data entries into blocks and writes
// the manifest as path+".new", then renames it to path. Callers are
// responsible for the yearly-directory/exclusive-creation/lock
// protocol of spec.md §4.3; Finish only handles framing and the
// atomic rename.
func (b *Builder) Finish(path string, start, end time.Time) error {
	newPath := path + ".new"
	extra := [][2]string{
		{"start", start.UTC().Format(timeLayout)},
	}
	f, err := blockfile.Create(newPath, Magic, b.blockSize, b.algo, extra)
	if err != nil {
		return err
	}

	if err := packEntries(f, b.defEntries); err != nil {
		f.Close()
		return err
	}
	if err := packEntries(f, b.dataEntries); err != nil {
		f.Close()
		return err
	}

	settings := f.Settings()
	settings.Set("end", end.UTC().Format(timeLayout))
	if err := f.RewriteSettings(settings); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return errors.Wrapf(os.Rename(newPath, path), "manifest: finalize %s", path)
}

// packEntries greedily fills blocks with entries, never splitting one
// across a block boundary (spec.md §4.3's writer contract).
func packEntries(f *blockfile.File, entries [][]byte) error {
	if len(entries) == 0 {
		return nil
	}
	payloadSize := f.PayloadSize()
	var cur bytes.Buffer
	flush := func() error {
		if cur.Len() == 0 {
			return nil
		}
		buf := append(append([]byte(nil), cur.Bytes()...), 0)
		if err := f.AppendBlock(buf); err != nil {
			return err
		}
		cur.Reset()
		return nil
	}
	for _, e := range entries {
		if len(e)+1 > payloadSize {
			return errors.Errorf("manifest: entry of %d bytes exceeds block payload size %d", len(e), payloadSize)
		}
		if cur.Len()+len(e)+1 > payloadSize {
			if err := flush(); err != nil {
				return err
			}
		}
		cur.Write(e)
	}
	return flush()
}
