// Package namespace implements the Master's in-memory directory tree,
// file-to-block map and block descriptor table (spec.md §4.2, component B).
// The block-location map lives in internal/cluster instead: spec.md §5's
// lock-acquisition order separates mutex_namespace from mutex_chunkservers,
// and locations are learned from chunkserver reports, not from the
// namespace's own mutations, so the two tables are owned by the components
// that actually mutate them (spec.md §9: arena-of-IDs, not shared pointers).
package namespace

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/minidfs/minidfs/internal/domain"
)

// Store holds the four in-memory mappings of spec.md §4.2 plus the
// monotone DfID/BlockID counters. All exported methods validate before
// mutating: on any rejection the store is left unchanged (spec.md §4.2).
type Store struct {
	mu sync.RWMutex // mutex_namespace

	nameToID map[string]domain.DfID
	idToName map[domain.DfID]string
	children map[domain.DfID][]domain.DfID // defined only for directories
	inodes   map[domain.DfID]*domain.Inode
	blocks   map[domain.BlockID]*domain.BlockDescriptor

	nextDfID   atomic.Uint64
	nextBlkID  atomic.Uint64
}

// New returns a Store reset to the empty root-only namespace.
func New() *Store {
	s := &Store{}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.nameToID = map[string]domain.DfID{"/": domain.RootDfID}
	s.idToName = map[domain.DfID]string{domain.RootDfID: "/"}
	s.children = map[domain.DfID][]domain.DfID{domain.RootDfID: {}}
	s.inodes = map[domain.DfID]*domain.Inode{
		domain.RootDfID: {ID: domain.RootDfID, Name: "/", IsDir: true},
	}
	s.blocks = map[domain.BlockID]*domain.BlockDescriptor{}
	s.nextDfID.Store(1)
	s.nextBlkID.Store(1)
}

// Format resets the store to {"/": 0} with empty counters (spec.md §4.2).
func (s *Store) Format() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// NextBlockID allocates a new, monotonically increasing BlockID without
// holding mu (spec.md §9: counters are atomic, advanced without any lock).
func (s *Store) NextBlockID() domain.BlockID {
	return domain.BlockID(s.nextBlkID.Add(1) - 1)
}

// NextDfID allocates a new, monotonically increasing DfID.
func (s *Store) NextDfID() domain.DfID {
	return domain.DfID(s.nextDfID.Add(1) - 1)
}

// RestoreCounters advances the counters to at least dfid+1 / blkid+1,
// never moving them backward. Used during edit replay (spec.md §4.3,
// invariant 4); fsimage load sets the counters through LoadSnapshot.
func (s *Store) RestoreCounters(highDfID domain.DfID, highBlkID domain.BlockID) {
	for {
		cur := s.nextDfID.Load()
		if cur > uint64(highDfID) {
			break
		}
		if s.nextDfID.CompareAndSwap(cur, uint64(highDfID)+1) {
			break
		}
	}
	for {
		cur := s.nextBlkID.Load()
		if cur > uint64(highBlkID) {
			break
		}
		if s.nextBlkID.CompareAndSwap(cur, uint64(highBlkID)+1) {
			break
		}
	}
}

// splitPath returns the parent directory path of p. For "/x" it returns
// "/"; for "/" it returns "" (root has no parent; callers treat this as
// terminal) per spec.md §4.2.
func splitPath(p string) string {
	if p == "/" {
		return ""
	}
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}

func basename(p string) string {
	idx := strings.LastIndex(p, "/")
	return p[idx+1:]
}

// Exists reports whether path names a committed inode.
func (s *Store) Exists(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nameToID[path]
	return ok
}

// Lookup returns the inode at path, if any.
func (s *Store) Lookup(path string) (*domain.Inode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.nameToID[path]
	if !ok {
		return nil, false
	}
	in := s.inodes[id]
	cp := *in
	cp.Blocks = append([]domain.BlockID(nil), in.Blocks...)
	return &cp, true
}

// BlockDescriptor returns the descriptor for id, if known.
func (s *Store) BlockDescriptor(id domain.BlockID) (domain.BlockDescriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bd, ok := s.blocks[id]
	if !ok {
		return domain.BlockDescriptor{}, false
	}
	return *bd, true
}

// ListDir returns the immediate children of a directory path, or an error
// if path is absent or not a directory.
func (s *Store) ListDir(path string) ([]domain.DirEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.nameToID[path]
	if !ok {
		return nil, domain.NewError(domain.NoSuchFile)
	}
	in := s.inodes[id]
	if !in.IsDir {
		return nil, domain.NewError(domain.NoSuchFile)
	}

	kids := s.children[id]
	entries := make([]domain.DirEntry, 0, len(kids))
	for _, cid := range kids {
		cin := s.inodes[cid]
		var length int64
		if !cin.IsDir {
			for _, bid := range cin.Blocks {
				if bd, ok := s.blocks[bid]; ok {
					length += bd.Len
				}
			}
		}
		entries = append(entries, domain.DirEntry{
			Basename: basename(cin.Name),
			IsDir:    cin.IsDir,
			Length:   length,
		})
	}
	return entries, nil
}

// MakeDir creates a directory inode at path. Parent must exist and be a
// directory; path must be absent. Appends the child to the parent's
// dentry and returns the new DfID.
//
// beforeCommit, if non-nil, runs after validation and DfID reservation but
// before the mutation is applied, still holding mutex_namespace; if it
// returns an error, the store is left unchanged. Callers use this to
// append the edit-log record before the in-memory mutation becomes
// visible (spec.md §9 Open Question: never mutate, then log).
func (s *Store) MakeDir(path string, beforeCommit func(id domain.DfID) error) (domain.DfID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nameToID[path]; exists {
		return 0, domain.NewError(domain.FileAlreadyExisted)
	}
	parentPath := splitPath(path)
	parentID, ok := s.nameToID[parentPath]
	if !ok {
		return 0, domain.NewError(domain.NoSuchFile)
	}
	if !s.inodes[parentID].IsDir {
		return 0, domain.NewError(domain.NoSuchFile)
	}

	id := s.NextDfID()
	if beforeCommit != nil {
		if err := beforeCommit(id); err != nil {
			return 0, err
		}
	}
	s.commitInode(id, path, true, nil, parentID)
	return id, nil
}

// CommitFile inserts a completed file's inode using the given ordered
// block list. Parent must exist. Used by the write pipeline's complete()
// (spec.md §4.5) once blocks are known; not called directly by create().
//
// beforeCommit has the same staged-append contract as MakeDir's.
func (s *Store) CommitFile(path string, blocks []domain.BlockID, descriptors map[domain.BlockID]int64, beforeCommit func(id domain.DfID) error) (domain.DfID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nameToID[path]; exists {
		return 0, domain.NewError(domain.FileAlreadyExisted)
	}
	parentPath := splitPath(path)
	parentID, ok := s.nameToID[parentPath]
	if !ok {
		return 0, domain.NewError(domain.NoSuchFile)
	}
	if !s.inodes[parentID].IsDir {
		return 0, domain.NewError(domain.NoSuchFile)
	}

	id := s.NextDfID()
	if beforeCommit != nil {
		if err := beforeCommit(id); err != nil {
			return 0, err
		}
	}

	for _, bid := range blocks {
		length := descriptors[bid]
		s.blocks[bid] = &domain.BlockDescriptor{ID: bid, Len: length}
	}
	s.commitInode(id, path, false, blocks, parentID)
	return id, nil
}

func (s *Store) commitInode(id domain.DfID, path string, isDir bool, blocks []domain.BlockID, parentID domain.DfID) {
	s.nameToID[path] = id
	s.idToName[id] = path
	s.inodes[id] = &domain.Inode{ID: id, Name: path, IsDir: isDir, Blocks: blocks}
	if isDir {
		s.children[id] = []domain.DfID{}
	}
	s.children[parentID] = append(s.children[parentID], id)
}

// Remove deletes a file inode (directories are rejected: spec.md §9
// "remove on a directory is rejected by the source"). Returns the block
// IDs that were released so the caller can fold them into the replication
// queue / location map cleanup, and the parent DfID for the edit record.
//
// beforeCommit has the same staged-append contract as MakeDir's, receiving
// the released block IDs and parent DfID the caller will need for its
// edit record.
func (s *Store) Remove(path string, beforeCommit func(released []domain.BlockID, parentID domain.DfID) error) (released []domain.BlockID, parentID domain.DfID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.nameToID[path]
	if !ok {
		return nil, 0, domain.NewError(domain.NoSuchFile)
	}
	in := s.inodes[id]
	if in.IsDir {
		return nil, 0, domain.NewError(domain.Failure)
	}

	parentPath := splitPath(path)
	parentID = s.nameToID[parentPath]
	released = append([]domain.BlockID(nil), in.Blocks...)

	if beforeCommit != nil {
		if err := beforeCommit(released, parentID); err != nil {
			return nil, 0, err
		}
	}

	for _, bid := range released {
		delete(s.blocks, bid)
	}

	delete(s.nameToID, path)
	delete(s.idToName, id)
	delete(s.inodes, id)

	kids := s.children[parentID]
	for i, cid := range kids {
		if cid == id {
			s.children[parentID] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	return released, parentID, nil
}

// AllCommittedBlocks returns every BlockID currently referenced by a
// committed inode. Used by the cluster controller to evaluate the safe
// mode exit condition (spec.md §4.4: "for every block in the namespace").
func (s *Store) AllCommittedBlocks() []domain.BlockID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BlockID, 0, len(s.blocks))
	for id := range s.blocks {
		out = append(out, id)
	}
	return out
}

// Snapshot returns a point-in-time copy of every inode and dentry list,
// plus the current counter high-water marks, for fsimage serialization
// (spec.md §4.3). Callers must hold the disk-image lock so the snapshot
// and the eventual fsimage write are consistent with each other.
func (s *Store) Snapshot() (inodes []domain.Inode, dentries map[domain.DfID][]domain.DfID, nextDfID domain.DfID, nextBlkID domain.BlockID) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inodes = make([]domain.Inode, 0, len(s.inodes))
	for _, in := range s.inodes {
		cp := *in
		cp.Blocks = append([]domain.BlockID(nil), in.Blocks...)
		inodes = append(inodes, cp)
	}
	dentries = make(map[domain.DfID][]domain.DfID, len(s.children))
	for id, kids := range s.children {
		dentries[id] = append([]domain.DfID(nil), kids...)
	}
	return inodes, dentries, domain.DfID(s.nextDfID.Load()), domain.BlockID(s.nextBlkID.Load())
}

// LoadSnapshot replaces the store's content with a previously captured
// image. Used only during boot, before any concurrent access is possible.
func (s *Store) LoadSnapshot(inodes []domain.Inode, dentries map[domain.DfID][]domain.DfID, nextDfID domain.DfID, nextBlkID domain.BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nameToID = make(map[string]domain.DfID, len(inodes))
	s.idToName = make(map[domain.DfID]string, len(inodes))
	s.inodes = make(map[domain.DfID]*domain.Inode, len(inodes))
	s.blocks = make(map[domain.BlockID]*domain.BlockDescriptor)
	s.children = make(map[domain.DfID][]domain.DfID, len(dentries))

	for i := range inodes {
		in := inodes[i]
		s.nameToID[in.Name] = in.ID
		s.idToName[in.ID] = in.Name
		s.inodes[in.ID] = &in
		if !in.IsDir {
			for _, bid := range in.Blocks {
				if _, exists := s.blocks[bid]; !exists {
					s.blocks[bid] = &domain.BlockDescriptor{ID: bid}
				}
			}
		}
	}
	for id, kids := range dentries {
		s.children[id] = append([]domain.DfID(nil), kids...)
	}
	s.nextDfID.Store(uint64(nextDfID))
	s.nextBlkID.Store(uint64(nextBlkID))
}

// SetBlockLength sets a block's authoritative length, creating its
// descriptor if the block is not yet in the table.
func (s *Store) SetBlockLength(id domain.BlockID, length int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bd, ok := s.blocks[id]; ok {
		bd.Len = length
	} else {
		s.blocks[id] = &domain.BlockDescriptor{ID: id, Len: length}
	}
}

// ApplyMkdir replays a MKDIR edit record during boot (namespace only; no
// further edit-log append).
func (s *Store) ApplyMkdir(rec domain.EditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parentPath := splitPath(rec.Path)
	parentID, ok := s.nameToID[parentPath]
	if !ok {
		return // best-effort replay; malformed logs are not expected post-boot
	}
	s.commitInode(rec.DfID, rec.Path, true, nil, parentID)
}

// ApplyCreate replays a CREATE edit record during boot.
func (s *Store) ApplyCreate(rec domain.EditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	parentPath := splitPath(rec.Path)
	parentID, ok := s.nameToID[parentPath]
	if !ok {
		return
	}
	for _, bid := range rec.Blocks {
		if _, exists := s.blocks[bid]; !exists {
			s.blocks[bid] = &domain.BlockDescriptor{ID: bid}
		}
	}
	s.commitInode(rec.DfID, rec.Path, false, rec.Blocks, parentID)
}

// ApplyRemove replays a REMOVE edit record during boot. Block IDs are
// recomputed from the live inode rather than carried in the record
// (spec.md §3: "Remove does not carry released block IDs").
func (s *Store) ApplyRemove(rec domain.EditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.nameToID[rec.Path]
	if !ok {
		return
	}
	in := s.inodes[id]
	for _, bid := range in.Blocks {
		delete(s.blocks, bid)
	}
	delete(s.nameToID, rec.Path)
	delete(s.idToName, id)
	delete(s.inodes, id)
	kids := s.children[rec.ParentID]
	for i, cid := range kids {
		if cid == id {
			s.children[rec.ParentID] = append(kids[:i], kids[i+1:]...)
			break
		}
	}
}
