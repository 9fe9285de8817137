package master

import (
	"context"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// handleGetBlockLocations implements spec.md §6 getBlockLocations: in =
// path, out = the file's blocks each paired with their known endpoints.
func (m *DFSMaster) handleGetBlockLocations(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}

	in, ok := m.store.Lookup(path)
	if !ok {
		return nil, domain.NewError(domain.NoSuchFile)
	}

	enc := wire.NewEncoder()
	enc.PutUint32(uint32(len(in.Blocks)))
	for _, bid := range in.Blocks {
		bd, _ := m.store.BlockDescriptor(bid)
		lb := domain.LocatedBlock{Block: bd, Chain: m.cluster.LocationsOf(bid)}
		enc.PutLocatedBlock(lb)
	}
	return enc.Bytes(), nil
}

// handleCreate implements spec.md §4.5/§6 create: in = path, out = one
// located block.
func (m *DFSMaster) handleCreate(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	lb, err := m.pipe.Create(path)
	if err != nil {
		return nil, err
	}
	enc := wire.NewEncoder()
	enc.PutLocatedBlock(lb)
	return enc.Bytes(), nil
}

// handleAddBlock implements spec.md §4.5/§6 addBlock.
func (m *DFSMaster) handleAddBlock(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	lb, err := m.pipe.AddBlock(path)
	if err != nil {
		return nil, err
	}
	enc := wire.NewEncoder()
	enc.PutLocatedBlock(lb)
	return enc.Bytes(), nil
}

// handleBlockAck implements spec.md §4.5/§6 blockAck: in = the client's
// ack'd chain prefix, out empty.
func (m *DFSMaster) handleBlockAck(ctx context.Context, payload []byte) ([]byte, error) {
	lb, err := wire.NewDecoder(payload).LocatedBlock()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	if err := m.pipe.BlockAck(lb); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleComplete implements spec.md §4.5/§6 complete. Triggers the
// checkpoint-threshold check after the edit record is durably appended.
func (m *DFSMaster) handleComplete(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	if _, err := m.pipe.Complete(path); err != nil {
		return nil, err
	}
	m.maybeCheckpoint()
	return nil, nil
}

// handleRemove implements spec.md §4.2/§6 remove: directories are
// rejected (FAILURE), appends a REMOVE edit record before the mutation is
// visible.
func (m *DFSMaster) handleRemove(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}

	_, _, err = m.store.Remove(path, func(released []domain.BlockID, parentID domain.DfID) error {
		return m.editLog.Append(domain.EditRecord{Op: domain.EditRemove, Path: path, ParentID: parentID})
	})
	if err != nil {
		return nil, err
	}
	m.maybeCheckpoint()
	return nil, nil
}

// handleExists implements spec.md §6 exists: the result is encoded in the
// status byte, not the payload.
func (m *DFSMaster) handleExists(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	if m.store.Exists(path) {
		return nil, domain.NewError(domain.Exist)
	}
	return nil, domain.NewError(domain.NotExist)
}

// handleMakeDir implements spec.md §4.2/§6 makeDir.
func (m *DFSMaster) handleMakeDir(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}

	_, err = m.store.MakeDir(path, func(id domain.DfID) error {
		return m.editLog.Append(domain.EditRecord{Op: domain.EditMkdir, Path: path, DfID: id})
	})
	if err != nil {
		return nil, err
	}
	m.maybeCheckpoint()
	return nil, nil
}

// handleListDir implements spec.md §6 listDir.
func (m *DFSMaster) handleListDir(ctx context.Context, payload []byte) ([]byte, error) {
	path, err := wire.NewDecoder(payload).String()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	entries, err := m.store.ListDir(path)
	if err != nil {
		return nil, err
	}

	enc := wire.NewEncoder()
	enc.PutUint32(uint32(len(entries)))
	for _, e := range entries {
		enc.PutString(e.Basename)
		if e.IsDir {
			enc.PutUint8(1)
		} else {
			enc.PutUint8(0)
		}
		enc.PutUint64(uint64(e.Length))
	}
	return enc.Bytes(), nil
}

// handleHeartBeat implements spec.md §4.4/§6 heartBeat.
func (m *DFSMaster) handleHeartBeat(ctx context.Context, payload []byte) ([]byte, error) {
	ep, err := wire.NewDecoder(payload).Endpoint()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	m.cluster.RecordHeartbeat(ep)
	return nil, nil
}

// handleBlkReport implements spec.md §4.4/§6 blkReport: in = endpoint +
// reported block IDs, out = the subset the Master no longer references
// (the chunkserver deletes those locally). Safe mode may end here, since
// this is exactly how its exit condition becomes true (spec.md §4.4).
func (m *DFSMaster) handleBlkReport(ctx context.Context, payload []byte) ([]byte, error) {
	ep, blockIDs, err := decodeEndpointAndBlocks(payload)
	if err != nil {
		return nil, err
	}
	orphans := m.cluster.RecordBlockReport(ep, blockIDs)
	m.cluster.ReevaluateSafeMode()

	enc := wire.NewEncoder()
	enc.PutUint32(uint32(len(orphans)))
	for _, bid := range orphans {
		enc.PutUint64(uint64(bid))
	}
	return enc.Bytes(), nil
}

// handleGetBlkTask implements spec.md §4.4/§6 getBlkTask: in = endpoint,
// out = the COPY tasks assigned to it, or NO_BLK_TASK if none.
func (m *DFSMaster) handleGetBlkTask(ctx context.Context, payload []byte) ([]byte, error) {
	ep, err := wire.NewDecoder(payload).Endpoint()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	tasks := m.cluster.GetBlkTask(ep)
	if len(tasks) == 0 {
		return nil, domain.NewError(domain.NoBlkTask)
	}

	enc := wire.NewEncoder()
	enc.PutUint32(uint32(len(tasks)))
	for _, t := range tasks {
		enc.PutUint8(uint8(domain.Copy))
		enc.PutLocatedBlock(domain.LocatedBlock{Block: t.Block, Chain: t.Destinations})
	}
	return enc.Bytes(), nil
}

// handleRecvedBlks implements spec.md §4.6/§6 recvedBlks.
func (m *DFSMaster) handleRecvedBlks(ctx context.Context, payload []byte) ([]byte, error) {
	ep, blockIDs, err := decodeEndpointAndBlocks(payload)
	if err != nil {
		return nil, err
	}
	m.cluster.RecordRecvedBlks(ep, blockIDs)
	m.cluster.ReevaluateSafeMode()
	return nil, nil
}

func decodeEndpointAndBlocks(payload []byte) (domain.Endpoint, []domain.BlockID, error) {
	dec := wire.NewDecoder(payload)
	ep, err := dec.Endpoint()
	if err != nil {
		return domain.Endpoint{}, nil, domain.WrapError(domain.Failure, err)
	}
	n, err := dec.Uint32()
	if err != nil {
		return domain.Endpoint{}, nil, domain.WrapError(domain.Failure, err)
	}
	ids := make([]domain.BlockID, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := dec.Uint64()
		if err != nil {
			return domain.Endpoint{}, nil, domain.WrapError(domain.Failure, err)
		}
		ids = append(ids, domain.BlockID(v))
	}
	return ep, ids, nil
}
