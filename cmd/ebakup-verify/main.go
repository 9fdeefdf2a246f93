// cmd/ebakup-verify/main.go
//
// A thin, read-only example binary exercising the storage façade's
// verification path (spec.md §4.7/§4.8): walk every snapshot in a
// storage root, verify every object they reference still matches its
// recorded checksum, and record the outcome in the lastcheck/issues
// logs. It is not a general CLI -- spec.md §6 leaves the full
// backup/sync/verify/shadowcopy/info surface out of scope.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edbstore/ebakup/eblog"
	"github.com/edbstore/ebakup/errs"
	"github.com/edbstore/ebakup/manifest"
	"github.com/edbstore/ebakup/storage"
	"github.com/edbstore/ebakup/verifylog"
)

// maxParallelVerifies bounds how many objects are verified at once,
// matching the teacher's Fsck walk (cmd/bk/backup.go's sem-channel
// parallelism capped at 16).
const maxParallelVerifies = 16

func usage() {
	fmt.Fprintf(os.Stderr, "usage: ebakup-verify [-v] [-debug] <storage root>\n")
	os.Exit(2)
}

func main() {
	verbose := flag.Bool("v", false, "log each snapshot as it's checked")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 1 {
		usage()
	}
	root := flag.Arg(0)

	log := eblog.New(*verbose, *debug)
	if err := run(root, log); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
	if log.NErrors > 0 {
		os.Exit(1)
	}
}

func run(root string, log *eblog.Logger) error {
	s, err := storage.Open(root, storage.WithLogger(log))
	if err != nil {
		return err
	}

	snaps, err := s.Snapshots()
	if err != nil {
		return err
	}

	lc, err := s.OpenLastcheckLog()
	if err != nil {
		return err
	}
	defer lc.Close()
	iss, err := s.OpenIssuesLog()
	if err != nil {
		return err
	}
	defer iss.Close()

	checked := make(map[string]bool)
	now := time.Now()
	var ranges []verifylog.Range

	for _, snap := range snaps {
		log.Verbose("checking snapshot %s", snap.Name)
		m, err := s.Snapshot(snap.Name)
		if err != nil {
			log.Error("%s: %v", snap.Name, err)
			continue
		}
		var pending [][]byte
		for _, f := range m.Files() {
			if f.Type != manifest.TypeRegular {
				continue
			}
			key := string(f.Cid)
			if checked[key] {
				continue
			}
			checked[key] = true
			pending = append(pending, f.Cid)
		}

		for _, cid := range verifyAll(s, pending) {
			if err := iss.RecordObjectEvent(cid.cid, verifylog.ChangeEvent{
				Before: now, After: now, State: classify(cid.err),
			}); err != nil {
				return err
			}
			if cid.err != nil {
				log.Error("%s: %v", snap.Name, cid.err)
			} else {
				log.Debug("ok: cid %x", cid.cid)
			}
		}
		ranges = append(ranges, verifylog.Range{First: []byte(snap.Name), Last: []byte(snap.Name)})
	}

	if len(ranges) > 0 {
		if err := lc.MarkChecked('B', now, ranges); err != nil {
			return err
		}
	}

	fmt.Printf("checked %d snapshots, %d distinct objects, %d errors\n", len(snaps), len(checked), log.NErrors)
	return nil
}

// verifyResult pairs one cid with the error (if any) VerifyContent
// returned for it.
type verifyResult struct {
	cid []byte
	err error
}

// verifyAll runs VerifyContent over cids in parallel, capped at
// maxParallelVerifies concurrent objects -- the same sem-channel +
// WaitGroup shape as the teacher's Fsck walk (cmd/bk/backup.go), since
// re-hashing every object body is the same I/O- and CPU-bound
// fan-out, just against the façade's VerifyContent instead of a
// recursive directory walk.
func verifyAll(s *storage.Storage, cids [][]byte) []verifyResult {
	results := make([]verifyResult, len(cids))
	sem := make(chan struct{}, maxParallelVerifies)
	var wg sync.WaitGroup
	for i, cid := range cids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, cid []byte) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = verifyResult{cid: cid, err: s.VerifyContent(cid)}
		}(i, cid)
	}
	wg.Wait()
	return results
}

// classify maps a VerifyContent outcome onto the change-event
// vocabulary of spec.md §4.7.
func classify(err error) verifylog.ChangeState {
	if err == nil {
		return verifylog.ChangeState{Kind: verifylog.StateGood}
	}
	var missing *errs.ContentMissing
	if errors.As(err, &missing) {
		return verifylog.ChangeState{Kind: verifylog.StateMissing}
	}
	// BlockCorrupt (and any other verify failure) doesn't carry the
	// mismatching digest back up to here, only the offending path, so
	// the "w" state is recorded with an empty checksum field.
	return verifylog.ChangeState{Kind: verifylog.StateChecksumMismatch}
}
