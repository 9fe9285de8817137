// Package writepipeline implements the Master's create/addBlock/blockAck/
// complete state machine (spec.md §4.5, component E). It owns the two
// mid-flight tables — filesInCreating and blocksInCreating — and is the
// boundary across which a file moves from "absent" to "committed" in the
// namespace.
package writepipeline

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/minidfs/minidfs/internal/cluster"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/durability"
	"github.com/minidfs/minidfs/internal/namespace"
)

// inFlightBlock is one block's ack state while its file is still being
// created: the located block handed to the client, plus how many chain
// entries the client has since confirmed as successfully written.
type inFlightBlock struct {
	lb       domain.LocatedBlock
	ackCount int
}

// Coordinator implements spec.md §4.5. Its own mutex is spec.md §5's
// mutex_in_creating. complete() releases it before calling into
// Store.CommitFile (mutex_namespace, then the edit log through a
// beforeCommit hook) and cluster.Controller. create() and addBlock() call
// cluster.Controller.AllocateChunkservers (mutex_chunkservers) while still
// holding mutex_in_creating, the reverse of §5's documented order
// (mutex_fs_image → mutex_namespace → mutex_chunkservers →
// mutex_in_creating); the Controller never calls back into the
// Coordinator, so the two locks are never taken in the other order.
type Coordinator struct {
	mu sync.Mutex // mutex_in_creating

	store   *namespace.Store
	cluster *cluster.Controller
	log     *durability.EditLog
	logger  *logrus.Logger

	filesInCreating  map[string][]domain.BlockID
	blocksInCreating map[domain.BlockID]*inFlightBlock
}

// New builds a Coordinator wired to the namespace store, cluster
// controller and edit log it will mutate on complete().
func New(store *namespace.Store, ctrl *cluster.Controller, log *durability.EditLog, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:            store,
		cluster:          ctrl,
		log:              log,
		logger:           logger,
		filesInCreating:  make(map[string][]domain.BlockID),
		blocksInCreating: make(map[domain.BlockID]*inFlightBlock),
	}
}

// Reset clears all in-flight creation state. Called by Format (spec.md
// §4.2) alongside namespace.Store.Format and cluster.Controller.Reset.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filesInCreating = make(map[string][]domain.BlockID)
	c.blocksInCreating = make(map[domain.BlockID]*inFlightBlock)
}

// Create begins a new file at path (spec.md §4.5 create). path must be
// absent from both the committed namespace and filesInCreating; its
// parent must exist as a committed directory. Returns the first located
// block. Does not grant a DfID.
func (c *Coordinator) Create(path string) (domain.LocatedBlock, error) {
	if c.store.Exists(path) {
		return domain.LocatedBlock{}, domain.NewError(domain.FileAlreadyExisted)
	}
	parent := parentOf(path)
	if in, ok := c.store.Lookup(parent); !ok || !in.IsDir {
		return domain.LocatedBlock{}, domain.NewError(domain.NoSuchFile)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, creating := c.filesInCreating[path]; creating {
		return domain.LocatedBlock{}, domain.NewError(domain.FileInCreating)
	}

	lb, err := c.allocateBlock()
	if err != nil {
		return domain.LocatedBlock{}, err
	}
	c.filesInCreating[path] = []domain.BlockID{lb.Block.ID}
	c.blocksInCreating[lb.Block.ID] = &inFlightBlock{lb: lb}
	return lb, nil
}

// AddBlock allocates the next block of a file already in filesInCreating
// (spec.md §4.5 addBlock).
func (c *Coordinator) AddBlock(path string) (domain.LocatedBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	blocks, creating := c.filesInCreating[path]
	if !creating {
		return domain.LocatedBlock{}, domain.NewError(domain.NoSuchFile)
	}

	lb, err := c.allocateBlock()
	if err != nil {
		return domain.LocatedBlock{}, err
	}
	c.filesInCreating[path] = append(blocks, lb.Block.ID)
	c.blocksInCreating[lb.Block.ID] = &inFlightBlock{lb: lb}
	return lb, nil
}

func (c *Coordinator) allocateBlock() (domain.LocatedBlock, error) {
	chain, err := c.cluster.AllocateChunkservers(c.cluster.ReplicationFactor())
	if err != nil {
		return domain.LocatedBlock{}, err
	}
	bid := c.store.NextBlockID()
	return domain.LocatedBlock{
		Block: domain.BlockDescriptor{ID: bid, Len: 0},
		Chain: chain,
	}, nil
}

// BlockAck records how many chain entries the client confirmed as
// successfully written for lb.Block.ID (spec.md §4.5 blockAck). lb.Chain
// is the ack'd prefix; its length is the ack count. No edit-log entry is
// written here — only complete() commits.
func (c *Coordinator) BlockAck(lb domain.LocatedBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	inFlight, ok := c.blocksInCreating[lb.Block.ID]
	if !ok {
		return domain.NewError(domain.NoSuchFile)
	}
	inFlight.ackCount = len(lb.Chain)
	inFlight.lb.Block.Len = lb.Block.Len
	return nil
}

// Complete commits path (spec.md §4.5 complete): assigns a DfID, inserts
// the ack'd blocks into the namespace (blocks never ack'd are dropped),
// enqueues under-replicated blocks for repair, appends a CREATE edit
// record, and clears the in-flight tables for path.
func (c *Coordinator) Complete(path string) (domain.DfID, error) {
	c.mu.Lock()
	blockIDs, creating := c.filesInCreating[path]
	if !creating {
		c.mu.Unlock()
		return 0, domain.NewError(domain.NoSuchFile)
	}

	var committed []domain.BlockID
	descriptors := make(map[domain.BlockID]int64, len(blockIDs))
	deficits := make(map[domain.BlockID]int)
	for _, bid := range blockIDs {
		inFlight := c.blocksInCreating[bid]
		if inFlight == nil || inFlight.ackCount == 0 {
			continue // never ack'd: silently dropped (spec.md §4.5)
		}
		committed = append(committed, bid)
		descriptors[bid] = inFlight.lb.Block.Len
		if need := c.cluster.ReplicationFactor() - inFlight.ackCount; need > 0 {
			deficits[bid] = need
		}
	}
	delete(c.filesInCreating, path)
	for _, bid := range blockIDs {
		delete(c.blocksInCreating, bid)
	}
	c.mu.Unlock()

	id, err := c.store.CommitFile(path, committed, descriptors, func(id domain.DfID) error {
		return c.log.Append(domain.EditRecord{
			Op:     domain.EditCreate,
			Path:   path,
			DfID:   id,
			Blocks: committed,
		})
	})
	if err != nil {
		return 0, err
	}

	for bid, need := range deficits {
		c.cluster.EnqueueReplication(bid, need)
	}
	c.logger.WithField("path", path).WithField("dfid", uint64(id)).Info("writepipeline: file committed")
	return id, nil
}

func parentOf(path string) string {
	if path == "/" {
		return "/"
	}
	i := len(path) - 1
	for i > 0 && path[i] != '/' {
		i--
	}
	if i == 0 {
		return "/"
	}
	return path[:i]
}
