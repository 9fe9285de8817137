package durability

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/namespace"
	"github.com/minidfs/minidfs/internal/wire"
)

// WriteFsimage serializes the store's current namespace to path. The image
// is written to a sibling temp file, fsynced, then renamed over path so a
// crash mid-write never leaves a half-written fsimage behind — the same
// staging-then-rename discipline the chunkserver's block store uses for
// block files (spec.md §4.6), adapted here from backend/local's
// temp-file-then-rename object writes.
func WriteFsimage(store *namespace.Store, path string) error {
	inodes, dentries, nextDfID, nextBlkID := store.Snapshot()

	enc := wire.NewEncoder()
	enc.PutUint64(uint64(nextDfID))
	enc.PutUint64(uint64(nextBlkID))

	enc.PutUint32(uint32(len(inodes)))
	for _, in := range inodes {
		enc.PutUint64(uint64(in.ID))
		enc.PutString(in.Name)
		if in.IsDir {
			enc.PutUint8(1)
		} else {
			enc.PutUint8(0)
		}
		enc.PutUint32(uint32(len(in.Blocks)))
		for _, b := range in.Blocks {
			enc.PutUint64(uint64(b))
		}
	}

	enc.PutUint32(uint32(len(dentries)))
	for id, kids := range dentries {
		enc.PutUint64(uint64(id))
		enc.PutUint32(uint32(len(kids)))
		for _, k := range kids {
			enc.PutUint64(uint64(k))
		}
	}

	return atomicWriteFile(path, enc.Bytes())
}

// LoadFsimage deserializes path into store. Called once at boot, before
// any edit-log replay and before the store is visible to any other
// goroutine.
func LoadFsimage(store *namespace.Store, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		store.Format()
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "durability: read fsimage")
	}

	dec := wire.NewDecoder(data)
	nextDfID, err := dec.Uint64()
	if err != nil {
		return errors.Wrap(err, "durability: decode fsimage header")
	}
	nextBlkID, err := dec.Uint64()
	if err != nil {
		return errors.Wrap(err, "durability: decode fsimage header")
	}

	inodeCount, err := dec.Uint32()
	if err != nil {
		return errors.Wrap(err, "durability: decode fsimage inode count")
	}
	inodes := make([]domain.Inode, 0, inodeCount)
	for i := uint32(0); i < inodeCount; i++ {
		id, err := dec.Uint64()
		if err != nil {
			return errors.Wrap(err, "durability: decode inode id")
		}
		name, err := dec.String()
		if err != nil {
			return errors.Wrap(err, "durability: decode inode name")
		}
		isDirByte, err := dec.Uint8()
		if err != nil {
			return errors.Wrap(err, "durability: decode inode isdir")
		}
		blockCount, err := dec.Uint32()
		if err != nil {
			return errors.Wrap(err, "durability: decode inode block count")
		}
		blocks := make([]domain.BlockID, 0, blockCount)
		for j := uint32(0); j < blockCount; j++ {
			b, err := dec.Uint64()
			if err != nil {
				return errors.Wrap(err, "durability: decode inode block id")
			}
			blocks = append(blocks, domain.BlockID(b))
		}
		inodes = append(inodes, domain.Inode{
			ID:     domain.DfID(id),
			Name:   name,
			IsDir:  isDirByte == 1,
			Blocks: blocks,
		})
	}

	dentryCount, err := dec.Uint32()
	if err != nil {
		return errors.Wrap(err, "durability: decode fsimage dentry count")
	}
	dentries := make(map[domain.DfID][]domain.DfID, dentryCount)
	for i := uint32(0); i < dentryCount; i++ {
		id, err := dec.Uint64()
		if err != nil {
			return errors.Wrap(err, "durability: decode dentry id")
		}
		kidCount, err := dec.Uint32()
		if err != nil {
			return errors.Wrap(err, "durability: decode dentry child count")
		}
		kids := make([]domain.DfID, 0, kidCount)
		for j := uint32(0); j < kidCount; j++ {
			k, err := dec.Uint64()
			if err != nil {
				return errors.Wrap(err, "durability: decode dentry child id")
			}
			kids = append(kids, domain.DfID(k))
		}
		dentries[domain.DfID(id)] = kids
	}

	store.LoadSnapshot(inodes, dentries, domain.DfID(nextDfID), domain.BlockID(nextBlkID))
	return nil
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "durability: create fsimage temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "durability: write fsimage temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "durability: fsync fsimage temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "durability: close fsimage temp file")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.Wrap(err, "durability: rename fsimage into place")
	}
	return nil
}
