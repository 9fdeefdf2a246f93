// Package blockfile implements the block-framed container format shared
// by every file under db/ (spec.md §4.1): a settings block followed by
// zero or more payload blocks, each padded with zeros and trailing a
// checksum computed over the rest of the block. Entry framing within a
// data block's payload (directory/file/content-index/log entries) is
// the concern of the codec packages built on top of this one; blockfile
// only guarantees that a block index maps to a checksum-verified
// payload of a fixed size.
package blockfile

import (
	"bytes"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/errs"
)

// DefaultBlockSize is used by writers that don't specify edb-blocksize.
const DefaultBlockSize = 4096

// boundedPrefixSize bounds the bootstrap read used to locate
// edb-blocksize before the real block size is known. It must be large
// enough to hold any plausible magic line and settings lines; it need
// not (and for files with a larger real block size, will not) cover the
// whole first block.
const boundedPrefixSize = 4096

// File is an open block container. It is not safe for concurrent use
// by multiple goroutines without external synchronization; the storage
// façade's locking discipline (spec.md §5) provides that.
type File struct {
	path      string
	fh        *os.File
	blockSize int
	sumSize   int
	algo      checksum.Algorithm
	settings  *Settings
	numBlocks int64
}

// Path returns the path the file was opened or created with.
func (f *File) Path() string { return f.path }

// BlockSize returns the fixed size, in bytes, of every block including
// its trailing checksum.
func (f *File) BlockSize() int { return f.blockSize }

// PayloadSize returns the number of usable payload bytes per block
// (BlockSize minus the checksum length).
func (f *File) PayloadSize() int { return f.blockSize - f.sumSize }

// Algorithm returns the checksum algorithm declared by edb-blocksum.
func (f *File) Algorithm() checksum.Algorithm { return f.algo }

// Settings returns the parsed settings block. Mutating the returned
// value has no effect until it is passed to RewriteSettings.
func (f *File) Settings() *Settings { return f.settings }

// NumBlocks returns the number of blocks currently in the file,
// including the settings block at index 0.
func (f *File) NumBlocks() int64 { return f.numBlocks }

// Create creates a new container file at path (failing if it already
// exists), writes its settings block, and returns the open File. extra
// settings (e.g. "checksum" for db/main, "start" for a manifest) are
// added after edb-blocksize/edb-blocksum.
func Create(path, magic string, blockSize int, algo checksum.Algorithm, extra [][2]string) (*File, error) {
	if !checksum.Valid(algo) {
		return nil, errors.Errorf("blockfile: create %s: unknown checksum algorithm %q", path, algo)
	}
	sumSize, err := checksum.Size(algo)
	if err != nil {
		return nil, err
	}

	fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &errs.AlreadyExists{What: "file", Key: path}
		}
		return nil, errors.Wrapf(err, "blockfile: create %s", path)
	}

	settings := NewSettings(magic)
	settings.Set("edb-blocksize", strconv.Itoa(blockSize))
	settings.Set("edb-blocksum", string(algo))
	for _, kv := range extra {
		settings.Set(kv[0], kv[1])
	}

	f := &File{
		path:      path,
		fh:        fh,
		blockSize: blockSize,
		sumSize:   sumSize,
		algo:      algo,
		settings:  settings,
	}

	payload := settings.Encode()
	if len(payload) > f.PayloadSize() {
		fh.Close()
		os.Remove(path)
		return nil, errors.Errorf("blockfile: create %s: settings block too large for blocksize %d", path, blockSize)
	}
	if err := f.AppendBlock(payload); err != nil {
		fh.Close()
		os.Remove(path)
		return nil, err
	}
	return f, nil
}

// Open opens an existing container file, bootstrapping its block size
// and checksum algorithm from the settings block and verifying that
// block's own checksum. It returns InvalidFormat if the magic line does
// not equal wantMagic.
func Open(path, wantMagic string) (*File, error) {
	fh, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{What: "file", Key: path}
		}
		return nil, errors.Wrapf(err, "blockfile: open %s", path)
	}

	f, err := openHandle(path, fh, wantMagic)
	if err != nil {
		fh.Close()
		return nil, err
	}
	return f, nil
}

// OpenReadOnly is like Open but never requests write access, for code
// paths that are guaranteed to only read (e.g. a mirrored copy taken
// under a read lock).
func OpenReadOnly(path, wantMagic string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &errs.NotFound{What: "file", Key: path}
		}
		return nil, errors.Wrapf(err, "blockfile: open %s", path)
	}
	f, err := openHandle(path, fh, wantMagic)
	if err != nil {
		fh.Close()
		return nil, err
	}
	return f, nil
}

func openHandle(path string, fh *os.File, wantMagic string) (*File, error) {
	fi, err := fh.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "blockfile: stat %s", path)
	}
	size := fi.Size()
	if size == 0 {
		return nil, &errs.InvalidFormat{File: path, Reason: "empty file"}
	}

	prefixLen := int64(boundedPrefixSize)
	if prefixLen > size {
		prefixLen = size
	}
	prefix := make([]byte, prefixLen)
	if _, err := fh.ReadAt(prefix, 0); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "blockfile: read %s", path)
	}

	settings, _, err := parseSettingsPrefix(prefix)
	if err != nil {
		if ifm, ok := err.(*errs.InvalidFormat); ok {
			ifm.File = path
			return nil, ifm
		}
		return nil, err
	}
	if settings.Magic != wantMagic {
		return nil, &errs.InvalidFormat{File: path, Reason: "unexpected magic " + settings.Magic}
	}

	blockSize := DefaultBlockSize
	if v, ok := settings.Get("edb-blocksize"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, &errs.InvalidFormat{File: path, Reason: "bad edb-blocksize " + v}
		}
		blockSize = n
	}
	algo := checksum.Default
	if v, ok := settings.Get("edb-blocksum"); ok {
		algo = checksum.Algorithm(v)
		if !checksum.Valid(algo) {
			return nil, &errs.InvalidFormat{File: path, Reason: "bad edb-blocksum " + v}
		}
	}
	sumSize, err := checksum.Size(algo)
	if err != nil {
		return nil, err
	}
	if size%int64(blockSize) != 0 {
		return nil, &errs.InvalidFormat{File: path, Reason: "file size is not a multiple of the block size"}
	}

	f := &File{
		path:      path,
		fh:        fh,
		blockSize: blockSize,
		sumSize:   sumSize,
		algo:      algo,
		numBlocks: size / int64(blockSize),
	}

	// Re-read block 0 at its correctly-aligned size and verify its
	// checksum with the algorithm it declares itself.
	block0, err := f.ReadBlock(0)
	if err != nil {
		return nil, err
	}
	verified, _, err := parseSettingsPrefix(block0)
	if err != nil {
		if ifm, ok := err.(*errs.InvalidFormat); ok {
			ifm.File = path
			return nil, ifm
		}
		return nil, err
	}
	f.settings = verified
	return f, nil
}

func (f *File) sum(data []byte) []byte {
	h, err := checksum.New(f.algo)
	if err != nil {
		// f.algo was validated at Open/Create time; this would mean
		// memory corruption of the File struct itself.
		panic(err)
	}
	h.Write(data)
	return h.Sum(nil)
}

// ReadBlock returns the verified payload of the block at index, or
// *errs.BlockCorrupt if its checksum does not match.
func (f *File) ReadBlock(index int64) ([]byte, error) {
	if index < 0 || index >= f.numBlocks {
		return nil, &errs.NotFound{What: "block", Key: f.path}
	}
	block := make([]byte, f.blockSize)
	if _, err := f.fh.ReadAt(block, index*int64(f.blockSize)); err != nil {
		return nil, errors.Wrapf(err, "blockfile: read %s block %d", f.path, index)
	}
	payloadLen := f.blockSize - f.sumSize
	payload := block[:payloadLen]
	want := block[payloadLen:]
	got := f.sum(payload)
	if !bytes.Equal(got, want) {
		return nil, &errs.BlockCorrupt{File: f.path, Index: int(index)}
	}
	return payload, nil
}

// AppendBlock pads payload with zeros to PayloadSize, appends a
// checksum, and writes it as the new last block. It is the caller's
// responsibility to never split one logical entry across two calls
// that aren't consecutive AppendBlock calls for the same block.
func (f *File) AppendBlock(payload []byte) error {
	return f.writeBlockAt(f.numBlocks, payload, true)
}

// RewriteBlock replaces the payload of an existing block in place.
// Callers must hold the write lock appropriate to the file (spec.md
// §5); blockfile does not itself perform locking.
func (f *File) RewriteBlock(index int64, payload []byte) error {
	if index < 0 || index >= f.numBlocks {
		return &errs.NotFound{What: "block", Key: f.path}
	}
	return f.writeBlockAt(index, payload, false)
}

// RewriteSettings re-encodes settings and rewrites block 0 with it,
// e.g. to add the "end" setting when a manifest is finalized.
func (f *File) RewriteSettings(settings *Settings) error {
	payload := settings.Encode()
	if len(payload) > f.PayloadSize() {
		return errors.Errorf("blockfile: %s: settings block too large", f.path)
	}
	if err := f.RewriteBlock(0, payload); err != nil {
		return err
	}
	f.settings = settings
	return nil
}

func (f *File) writeBlockAt(index int64, payload []byte, isAppend bool) error {
	payloadLen := f.blockSize - f.sumSize
	if len(payload) > payloadLen {
		return errors.Errorf("blockfile: %s: payload of %d bytes exceeds block payload size %d", f.path, len(payload), payloadLen)
	}
	block := make([]byte, f.blockSize)
	copy(block, payload) // remainder is already zero: this is the 0x00 padding
	sum := f.sum(block[:payloadLen])
	copy(block[payloadLen:], sum)

	if _, err := f.fh.WriteAt(block, index*int64(f.blockSize)); err != nil {
		return errors.Wrapf(err, "blockfile: write %s block %d", f.path, index)
	}
	if isAppend {
		f.numBlocks++
	}
	return nil
}

// Sync flushes the file to stable storage.
func (f *File) Sync() error {
	return errors.Wrapf(f.fh.Sync(), "blockfile: fsync %s", f.path)
}

// Close releases the underlying file handle without syncing.
func (f *File) Close() error {
	return f.fh.Close()
}
