// Package chunkserver implements the chunkserver agent of spec.md §4.6
// (component F): local block storage, the dataplane OP_WRITE/OP_READ
// handlers with chain forwarding, and the heartbeat/block-report/
// recvedBlks/task-poll control loop. The staging-file-then-fsync-then-
// rename write discipline is adapted from backend/local's temp-file-then-
// rename object writes, applied here to fixed block files instead of
// arbitrary object uploads.
package chunkserver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/minidfs/minidfs/internal/domain"
)

// blockFilePrefix names the on-disk file for a block: dataDir/blk_<id>
// (spec.md §6 "Chunkserver block files").
const blockFilePrefix = "blk_"

// BlockStore owns one chunkserver's local disk inventory: the
// authoritative on-disk set (blksServed) and the set of blocks received
// since the last report to the Master (blksRecved), both mutex-protected
// (spec.md §4.6).
type BlockStore struct {
	dataDir string

	mu         sync.Mutex
	blksServed map[domain.BlockID]struct{}
	blksRecved map[domain.BlockID]struct{}
}

// Open scans dataDir for existing block files (scanStoredBlocks, spec.md
// §4.6) and returns a BlockStore populated with what it finds.
func Open(dataDir string) (*BlockStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "chunkserver: create data dir")
	}
	s := &BlockStore{
		dataDir:    dataDir,
		blksServed: make(map[domain.BlockID]struct{}),
		blksRecved: make(map[domain.BlockID]struct{}),
	}
	if err := s.scanStoredBlocks(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BlockStore) scanStoredBlocks() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return errors.Wrap(err, "chunkserver: scan data dir")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, blockFilePrefix) {
			continue
		}
		idStr := strings.TrimPrefix(name, blockFilePrefix)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue // not a blk_<decimal> file; ignore (spec.md §4.6)
		}
		s.blksServed[domain.BlockID(id)] = struct{}{}
	}
	return nil
}

func (s *BlockStore) finalPath(id domain.BlockID) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s%d", blockFilePrefix, uint64(id)))
}

// Exists reports whether id is in the authoritative on-disk inventory.
func (s *BlockStore) Exists(id domain.BlockID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blksServed[id]
	return ok
}

// Write streams exactly n bytes from r into a staging file, fsyncs it,
// and renames it into place as dataDir/blk_<id> (spec.md §4.5/§6: "Staging
// file path differs from the final ... path. Rename only after the full
// payload is on disk and fsynced"). On success id is added to both
// blksServed and blksRecved.
func (s *BlockStore) Write(id domain.BlockID, r io.Reader, n int64) error {
	staging, err := os.CreateTemp(s.dataDir, fmt.Sprintf(".%s%d-*.staging", blockFilePrefix, uint64(id)))
	if err != nil {
		return errors.Wrap(err, "chunkserver: create staging file")
	}
	stagingPath := staging.Name()
	defer os.Remove(stagingPath) // no-op once renamed away

	if _, err := io.CopyN(staging, r, n); err != nil {
		staging.Close()
		return errors.Wrap(err, "chunkserver: write staging file")
	}
	if err := staging.Sync(); err != nil {
		staging.Close()
		return errors.Wrap(err, "chunkserver: fsync staging file")
	}
	if err := staging.Close(); err != nil {
		return errors.Wrap(err, "chunkserver: close staging file")
	}
	if err := os.Rename(stagingPath, s.finalPath(id)); err != nil {
		return errors.Wrap(err, "chunkserver: rename staging file into place")
	}

	s.mu.Lock()
	s.blksServed[id] = struct{}{}
	s.blksRecved[id] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Read returns a reader over id's on-disk bytes plus its length.
func (s *BlockStore) Read(id domain.BlockID) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.finalPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, domain.NewError(domain.NoSuchFile)
		}
		return nil, 0, errors.Wrap(err, "chunkserver: open block file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, errors.Wrap(err, "chunkserver: stat block file")
	}
	return f, info.Size(), nil
}

// Delete removes a block from disk and from blksServed, used when the
// Master reports id as an orphan (spec.md §4.6).
func (s *BlockStore) Delete(id domain.BlockID) error {
	s.mu.Lock()
	delete(s.blksServed, id)
	s.mu.Unlock()

	if err := os.Remove(s.finalPath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "chunkserver: delete block file")
	}
	return nil
}

// ServedBlocks returns a snapshot of the authoritative on-disk inventory,
// for blkReport.
func (s *BlockStore) ServedBlocks() []domain.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BlockID, 0, len(s.blksServed))
	for id := range s.blksServed {
		out = append(out, id)
	}
	return out
}

// DrainRecved returns and clears the set of blocks received since the
// last call, for recvedBlks (spec.md §4.6: "Whenever blksRecved is
// non-empty: send it and clear").
func (s *BlockStore) DrainRecved() []domain.BlockID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blksRecved) == 0 {
		return nil
	}
	out := make([]domain.BlockID, 0, len(s.blksRecved))
	for id := range s.blksRecved {
		out = append(out, id)
	}
	s.blksRecved = make(map[domain.BlockID]struct{})
	return out
}
