// Package storage implements the storage façade (spec.md §4.5): it
// binds a directory, bootstraps or verifies its db/main settings, and
// exposes the operations that sit above the block container, content
// index, object store, and manifest codec -- snapshot enumeration,
// snapshot creation, content add, and shadow-copy materialization --
// under the locking discipline of spec.md §5.
//
// Grounded on the teacher's storage/disk.go for the "hash determines a
// write path, fsync, rename" shape of content add (now delegated to
// objectstore) and on original_source/pyebakup/dbfile.py for the
// create/open/".new"-then-rename/lock discipline this façade adds on
// top.
package storage

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/edbstore/ebakup/blockfile"
	"github.com/edbstore/ebakup/checksum"
	"github.com/edbstore/ebakup/contentindex"
	"github.com/edbstore/ebakup/eblog"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/manifest"
	"github.com/edbstore/ebakup/objectstore"
)

// MainMagic is the settings-block magic line for db/main.
const MainMagic = "ebakup database v1"

const snapshotTimeLayout = "2006-01-02T15:04:05"

var knownMainSettings = map[string]bool{
	"edb-blocksize": true,
	"edb-blocksum":  true,
	"checksum":      true,
}

// Snapshot names a single backup and the start time recorded in its
// manifest settings, as returned by Storage.Snapshots.
type Snapshot struct {
	Name  string
	Start time.Time
}

// Storage is an open storage root: a directory containing db/,
// content/, and tmp/ per spec.md §6.
type Storage struct {
	root        string
	dbDir       string
	contentDir  string
	tmpDir      string
	mainPath    string
	contentPath string

	algo    checksum.Algorithm
	locks   *lockTable
	nowFunc func() time.Time
	log     *eblog.Logger
}

// Option configures a Storage at construction time.
type Option func(*Storage)

// WithLogger attaches a logger that receives operational narration
// (stale ".new" reclamation, and similar notable-but-not-erroneous
// events) the façade would otherwise discard. A nil or omitted logger
// behaves as eblog.New(false, false) does -- silent but for
// warnings/errors.
func WithLogger(log *eblog.Logger) Option {
	return func(s *Storage) { s.log = log }
}

// Create initializes a new storage root at path, failing with
// AlreadyExists if the directory exists and is non-empty (spec.md
// §4.5, §4.8).
func Create(path string, opts ...Option) (*Storage, error) {
	entries, err := os.ReadDir(path)
	switch {
	case err == nil && len(entries) > 0:
		return nil, &errs.AlreadyExists{What: "storage root", Key: path}
	case err != nil && !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "storage: stat %s", path)
	}

	dbDir := filepath.Join(path, "db")
	contentDir := filepath.Join(path, "content")
	tmpDir := filepath.Join(path, "tmp")
	for _, d := range []string{path, dbDir, contentDir, tmpDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrapf(err, "storage: mkdir %s", d)
		}
	}

	mainPath := filepath.Join(dbDir, "main")
	mf, err := blockfile.Create(mainPath, MainMagic, blockfile.DefaultBlockSize, checksum.Default,
		[][2]string{{"checksum", string(checksum.Default)}})
	if err != nil {
		return nil, err
	}
	if err := mf.Sync(); err != nil {
		mf.Close()
		return nil, err
	}
	if err := mf.Close(); err != nil {
		return nil, err
	}

	contentPath := filepath.Join(dbDir, "content")
	ci, err := contentindex.Create(contentPath, blockfile.DefaultBlockSize, checksum.Default)
	if err != nil {
		return nil, err
	}
	if err := ci.Close(); err != nil {
		return nil, err
	}

	return Open(path, opts...)
}

// Open binds an existing storage root, reading and validating db/main.
func Open(path string, opts ...Option) (*Storage, error) {
	dbDir := filepath.Join(path, "db")
	mainPath := filepath.Join(dbDir, "main")

	mf, err := blockfile.OpenReadOnly(mainPath, MainMagic)
	if err != nil {
		return nil, err
	}
	if err := mf.Settings().CheckKnown(mainPath, knownMainSettings); err != nil {
		mf.Close()
		return nil, err
	}
	algo := checksum.Default
	if v, ok := mf.Settings().Get("checksum"); ok {
		algo = checksum.Algorithm(v)
		if !checksum.Valid(algo) {
			mf.Close()
			return nil, &errs.InvalidFormat{File: mainPath, Reason: "unknown checksum " + v}
		}
	}
	if err := mf.Close(); err != nil {
		return nil, err
	}

	s := &Storage{
		root:        path,
		dbDir:       dbDir,
		contentDir:  filepath.Join(path, "content"),
		tmpDir:      filepath.Join(path, "tmp"),
		mainPath:    mainPath,
		contentPath: filepath.Join(dbDir, "content"),
		algo:        algo,
		locks:       newLockTable(mainPath),
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Logger returns the logger attached via WithLogger, or nil if none
// was attached -- eblog.Logger's methods are all nil-receiver safe.
func (s *Storage) Logger() *eblog.Logger { return s.log }

// Root returns the storage's bound directory.
func (s *Storage) Root() string { return s.root }

// Algorithm returns the checksum algorithm declared by db/main's
// "checksum" setting.
func (s *Storage) Algorithm() checksum.Algorithm { return s.algo }

func (s *Storage) withMainLock(write bool, fn func() error) error {
	h, err := s.locks.lock(s.mainPath, write)
	if err != nil {
		return err
	}
	defer s.checkedUnlock(h)
	return fn()
}

func (s *Storage) withLock(path string, write bool, fn func() error) error {
	h, err := s.locks.lock(path, write)
	if err != nil {
		return err
	}
	defer s.checkedUnlock(h)
	return fn()
}

// checkedUnlock releases h. An error here means this package's own
// lock/unlock call pairing broke an invariant lockTable enforces
// (main released last, LIFO order) -- not a storage fault a caller
// could act on -- so it's surfaced as a logged assertion rather than
// threaded back through fn's return value.
func (s *Storage) checkedUnlock(h *lockHandle) {
	err := s.locks.unlock(h)
	s.log.Check(err == nil, "storage: unlock %s: %v", h.path, err)
}

// openIndex opens the content index. It takes no lock itself: callers
// hold the db/content lock around it, a write lock where they mutate
// the index (contentindex.Index.Add also does its own mtime-gated
// re-read, per spec.md §5's documented content-index race).
func (s *Storage) openIndex() (*contentindex.Index, error) {
	return contentindex.Open(s.contentPath)
}

// Snapshots returns every snapshot under db/, ordered by name (which
// sorts chronologically by construction: YYYY/MM-DDThh:mm).
func (s *Storage) Snapshots() ([]Snapshot, error) {
	var result []Snapshot
	err := s.withMainLock(false, func() error {
		years, err := os.ReadDir(s.dbDir)
		if err != nil {
			return errors.Wrapf(err, "storage: read %s", s.dbDir)
		}
		for _, y := range years {
			if !y.IsDir() || !isAllDigits(y.Name()) {
				continue
			}
			yearDir := filepath.Join(s.dbDir, y.Name())
			files, err := os.ReadDir(yearDir)
			if err != nil {
				return errors.Wrapf(err, "storage: read %s", yearDir)
			}
			for _, f := range files {
				if f.IsDir() || strings.HasSuffix(f.Name(), ".new") {
					continue
				}
				name := y.Name() + "/" + f.Name()
				start, err := readManifestStart(filepath.Join(yearDir, f.Name()))
				if err != nil {
					return err
				}
				result = append(result, Snapshot{Name: name, Start: start})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// readManifestStart opens only the settings block of a manifest to
// recover its declared start time, without decoding its directory/file
// entries -- Snapshots lists potentially many manifests and has no
// need for their bodies.
func readManifestStart(path string) (time.Time, error) {
	f, err := blockfile.OpenReadOnly(path, manifest.Magic)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()
	v, ok := f.Settings().Get("start")
	if !ok {
		return time.Time{}, &errs.InvalidFormat{File: path, Reason: "missing start setting"}
	}
	t, err := time.ParseInLocation(snapshotTimeLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, &errs.InvalidFormat{File: path, Reason: "malformed start setting " + v}
	}
	return t, nil
}

// Snapshot opens and fully decodes the manifest named name (as
// returned by Snapshots, "YYYY/MM-DDThh:mm").
func (s *Storage) Snapshot(name string) (*manifest.Manifest, error) {
	path, err := s.snapshotPath(name)
	if err != nil {
		return nil, err
	}
	var m *manifest.Manifest
	err = s.withMainLock(false, func() error {
		path, lockErr := s.resolveSnapshotFile(path)
		if lockErr != nil {
			return lockErr
		}
		m, lockErr = manifest.Open(path)
		return lockErr
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Storage) snapshotPath(name string) (string, error) {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) != 2 || !isAllDigits(parts[0]) {
		return "", errors.Errorf("storage: malformed snapshot name %q", name)
	}
	return filepath.Join(s.dbDir, parts[0], parts[1]), nil
}

func (s *Storage) resolveSnapshotFile(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", &errs.NotFound{What: "snapshot", Key: path}
		}
		return "", errors.Wrapf(err, "storage: stat %s", path)
	}
	return path, nil
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// AddContent streams r into the object store, returning its CID. It
// takes the db/content write lock for the duration of the add.
func (s *Storage) AddContent(r io.Reader) (cid []byte, err error) {
	err = s.withMainLock(false, func() error {
		return s.withLock(s.contentPath, true, func() error {
			ix, err := s.openIndex()
			if err != nil {
				return err
			}
			defer ix.Close()
			store := objectstore.New(s.contentDir, s.tmpDir, ix, s.algo, objectstore.WithClock(s.clock))
			cid, err = store.Add(r)
			return err
		})
	})
	return cid, err
}

func (s *Storage) clock() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc()
	}
	return time.Now()
}

// HasContent reports whether cid is present in this storage's content
// index, without reading the object body.
func (s *Storage) HasContent(cid []byte) (bool, error) {
	var found bool
	err := s.withMainLock(false, func() error {
		return s.withLock(s.contentPath, false, func() error {
			ix, err := s.openIndex()
			if err != nil {
				return err
			}
			defer ix.Close()
			_, found = ix.Lookup(cid)
			return nil
		})
	})
	return found, err
}

// OpenContent returns a reader over the object body for cid, for
// copying between storages (syncengine) or other read-only consumers.
func (s *Storage) OpenContent(cid []byte) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := s.withMainLock(false, func() error {
		return s.withLock(s.contentPath, false, func() error {
			ix, err := s.openIndex()
			if err != nil {
				return err
			}
			defer ix.Close()
			store := objectstore.New(s.contentDir, s.tmpDir, ix, s.algo)
			rc, err = store.Open(cid)
			return err
		})
	})
	return rc, err
}

// SnapshotPath returns the absolute path a snapshot named name is (or
// would be) stored at, without requiring it to exist -- used by
// syncengine to locate both a source manifest to read and a
// destination path to write a verbatim copy to.
func (s *Storage) SnapshotPath(name string) (string, error) {
	return s.snapshotPath(name)
}

// SnapshotExists reports whether a finished (non-".new") manifest
// named name is present.
func (s *Storage) SnapshotExists(name string) (bool, error) {
	path, err := s.snapshotPath(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "storage: stat %s", path)
}

// ShadowCopy materializes a read-only tree of hard links mirroring the
// manifest named name into targetDir: one link per file, directories
// created as plain directories (spec.md §4.5's "delegated, read-only"
// shadow copy).
func (s *Storage) ShadowCopy(name, targetDir string) error {
	m, err := s.Snapshot(name)
	if err != nil {
		return err
	}
	var store *objectstore.Store
	err = s.withMainLock(false, func() error {
		ix, err := s.openIndex()
		if err != nil {
			return err
		}
		defer ix.Close()
		store = objectstore.New(s.contentDir, s.tmpDir, ix, s.algo)
		return hardLinkTree(m, manifest.RootDirID, targetDir, store)
	})
	return err
}

func hardLinkTree(m *manifest.Manifest, dirID int64, targetDir string, store *objectstore.Store) error {
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return errors.Wrapf(err, "storage: mkdir %s", targetDir)
	}
	for _, dir := range m.Directories() {
		if dir.Parent != dirID {
			continue
		}
		if err := hardLinkTree(m, dir.DirID, filepath.Join(targetDir, string(dir.Name)), store); err != nil {
			return err
		}
	}
	for _, f := range m.Files() {
		if f.Parent != dirID {
			continue
		}
		if f.Type != manifest.TypeRegular {
			continue // spec.md §9: special-file shadow semantics unspecified beyond manifest storage
		}
		objPath, err := store.PathFor(f.Cid)
		if err != nil {
			return err
		}
		linkPath := filepath.Join(targetDir, string(f.Name))
		if err := os.Link(objPath, linkPath); err != nil {
			return errors.Wrapf(err, "storage: link %s", linkPath)
		}
	}
	return nil
}

func snapshotNameFor(t time.Time) string {
	return strconv.Itoa(t.Year()) + "/" + t.Format("01-02T15:04")
}
