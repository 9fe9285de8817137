// Package cluster implements the Master's safe mode, chunkserver liveness
// tracking, block-location map, replication queue and task dispatch
// (spec.md §4.4, component D). It owns everything spec.md §5 guards with
// mutex_chunkservers, including the block-location map that conceptually
// belongs to the namespace's "four mappings" in §4.2 but is, by §5's lock
// ordering and by the fact it is populated only from reports rather than
// namespace mutations, a separate table in practice.
package cluster

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/namespace"
)

// Task is a unit of replication work handed to a chunkserver from
// getBlkTask (spec.md §6): copy Block to each endpoint in Destinations.
type Task struct {
	Block        domain.BlockDescriptor
	Destinations []domain.Endpoint
}

type endpointState struct {
	touched bool
}

// Controller holds every piece of cluster state guarded by spec.md §5's
// mutex_chunkservers: the block-location map, the alive set, and the
// replication deficit queue. It also owns safe mode, which is evaluated in
// terms of the namespace's committed blocks (via store) and this
// controller's own location/alive state.
type Controller struct {
	mu sync.Mutex // mutex_chunkservers

	store *namespace.Store
	log   *logrus.Logger

	replicationFactor int
	rng               *rand.Rand

	safeMode bool
	alive    map[domain.Endpoint]*endpointState
	// locations is intentionally never shrunk when an endpoint is evicted
	// from alive (spec.md §9: stale entries are tolerated until a future
	// blkReport from a live server overwrites them).
	locations map[domain.BlockID][]domain.Endpoint
	reported  map[domain.Endpoint]map[domain.BlockID]struct{}
	deficit   map[domain.BlockID]int
}

// New builds a Controller that starts in safe mode, per spec.md §4.4. seed
// is the documented PRNG seed source for allocateChunkservers (spec.md §9:
// "use a well-specified PRNG with a documented seed source for reproducible
// testing") — callers in production pass a process-start-derived seed;
// tests pass a fixed one.
func New(store *namespace.Store, replicationFactor int, seed int64, log *logrus.Logger) *Controller {
	return &Controller{
		store:             store,
		log:               log,
		replicationFactor: replicationFactor,
		rng:               rand.New(rand.NewSource(seed)),
		safeMode:          true,
		alive:             make(map[domain.Endpoint]*endpointState),
		locations:         make(map[domain.BlockID][]domain.Endpoint),
		reported:          make(map[domain.Endpoint]map[domain.BlockID]struct{}),
		deficit:           make(map[domain.BlockID]int),
	}
}

// Reset clears all cluster state and re-enters safe mode. Called by
// Format (spec.md §4.2).
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.safeMode = true
	c.alive = make(map[domain.Endpoint]*endpointState)
	c.locations = make(map[domain.BlockID][]domain.Endpoint)
	c.reported = make(map[domain.Endpoint]map[domain.BlockID]struct{})
	c.deficit = make(map[domain.BlockID]int)
}

// IsSafeMode reports the current safe-mode state.
func (c *Controller) IsSafeMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.safeMode
}

// Admit implements wire.Gate: client-facing methods are rejected with
// SAFE_MODE while the Master is in safe mode (spec.md §4.1, §4.4).
func (c *Controller) Admit(method domain.MethodID) error {
	c.mu.Lock()
	sm := c.safeMode
	c.mu.Unlock()
	if sm && method.IsClientFacing() {
		return domain.NewError(domain.SafeMode)
	}
	return nil
}

// Settle implements wire.Gate: after a client request is served, lazily
// re-evaluate whether safe mode can now end (spec.md §4.4: "Safe-mode
// state is polled lazily").
func (c *Controller) Settle(method domain.MethodID) {
	if method.IsClientFacing() {
		c.ReevaluateSafeMode()
	}
}

func (c *Controller) touch(ep domain.Endpoint) {
	st, ok := c.alive[ep]
	if !ok {
		st = &endpointState{}
		c.alive[ep] = st
	}
	st.touched = true
}

// RecordHeartbeat marks ep as live for this tick (spec.md §4.6, §4.4).
func (c *Controller) RecordHeartbeat(ep domain.Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(ep)
}

// RecordBlockReport marks ep live, learns every reported block's location,
// and returns the subset of reported block IDs that the namespace no
// longer references — the chunkserver deletes those locally (spec.md §6
// blkReport).
func (c *Controller) RecordBlockReport(ep domain.Endpoint, blockIDs []domain.BlockID) []domain.BlockID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.touch(ep)
	var orphans []domain.BlockID
	for _, bid := range blockIDs {
		c.addLocationLocked(bid, ep)
		if _, known := c.store.BlockDescriptor(bid); !known {
			orphans = append(orphans, bid)
		}
	}
	return orphans
}

// RecordRecvedBlks marks ep live and learns the newly received blocks'
// location (spec.md §6 recvedBlks).
func (c *Controller) RecordRecvedBlks(ep domain.Endpoint, blockIDs []domain.BlockID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch(ep)
	for _, bid := range blockIDs {
		c.addLocationLocked(bid, ep)
	}
}

// addLocationLocked records that ep holds bid, decrementing (and possibly
// clearing) any outstanding replication deficit for bid (spec.md §4.4:
// "Decrements when a new location is learned").
func (c *Controller) addLocationLocked(bid domain.BlockID, ep domain.Endpoint) {
	existing := c.locations[bid]
	for _, e := range existing {
		if e == ep {
			return // already known; not a *new* location
		}
	}
	c.locations[bid] = append(existing, ep)

	if set, ok := c.reported[ep]; ok {
		set[bid] = struct{}{}
	} else {
		c.reported[ep] = map[domain.BlockID]struct{}{bid: {}}
	}

	if d, ok := c.deficit[bid]; ok {
		d--
		if d <= 0 {
			delete(c.deficit, bid)
		} else {
			c.deficit[bid] = d
		}
	}
}

// EnqueueReplication records that bid needs `need` additional replicas.
// Called by the write pipeline after complete() when a block's ack count
// fell short of the replication factor (spec.md §4.5).
func (c *Controller) EnqueueReplication(bid domain.BlockID, need int) {
	if need <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.deficit[bid]; ok {
		if need > cur {
			c.deficit[bid] = need
		}
		return
	}
	c.deficit[bid] = need
}

// StatusCheckTick runs one iteration of the periodic liveness sweep
// (spec.md §4.4): any endpoint whose touched flag is already clear is
// declared dead; every block it was known to hold is pushed into the
// replication queue needing one more replica.
func (c *Controller) StatusCheckTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ep, st := range c.alive {
		if st.touched {
			st.touched = false
			continue
		}
		for bid := range c.reported[ep] {
			if d, ok := c.deficit[bid]; !ok || d < 1 {
				c.deficit[bid] = 1
			}
		}
		delete(c.alive, ep)
		c.log.WithField("endpoint", ep.String()).Warn("cluster: chunkserver missed its liveness deadline, declared dead")
	}
}

// LocationsOf returns the known (possibly stale) locations for bid, for
// getBlockLocations (spec.md §6).
func (c *Controller) LocationsOf(bid domain.BlockID) []domain.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Endpoint(nil), c.locations[bid]...)
}

// AllocateChunkservers returns n distinct live chunkservers chosen by
// uniform shuffle (spec.md §4.4). Fails with FAILURE if fewer than n are
// alive.
func (c *Controller) AllocateChunkservers(n int) ([]domain.Endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocateLocked(n, nil)
}

func (c *Controller) allocateLocked(n int, exclude map[domain.Endpoint]struct{}) ([]domain.Endpoint, error) {
	candidates := make([]domain.Endpoint, 0, len(c.alive))
	for ep := range c.alive {
		if _, excluded := exclude[ep]; excluded {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) < n {
		return nil, domain.NewError(domain.Failure)
	}
	c.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	return candidates[:n], nil
}

// ReplicationFactor returns the configured target replica count.
func (c *Controller) ReplicationFactor() int { return c.replicationFactor }

// GetBlkTask implements spec.md §4.4's task dispatch: scan the replication
// queue for blocks ep can source, pick destinations, and remove the
// dispatched entries from the queue best-effort.
func (c *Controller) GetBlkTask(ep domain.Endpoint) []Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tasks []Task
	for bid, need := range c.deficit {
		holders := c.locations[bid]
		sourced := false
		exclude := map[domain.Endpoint]struct{}{}
		for _, h := range holders {
			exclude[h] = struct{}{}
			if h == ep {
				sourced = true
			}
		}
		if !sourced {
			continue
		}
		dests, err := c.allocateLocked(need, exclude)
		if err != nil {
			continue // not enough alive destinations yet; retry next heartbeat cycle
		}
		bd, ok := c.store.BlockDescriptor(bid)
		if !ok {
			delete(c.deficit, bid)
			continue
		}
		tasks = append(tasks, Task{Block: bd, Destinations: dests})
		delete(c.deficit, bid)
	}
	return tasks
}

// ReevaluateSafeMode implements the safe-mode exit condition of spec.md
// §4.4: every block in the namespace has at least one live location.
// Master handlers call this after every client request (the lazy poll, via
// Settle) and after every chunkserver report, since reports are exactly
// how the condition becomes true.
func (c *Controller) ReevaluateSafeMode() {
	blocks := c.store.AllCommittedBlocks()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.safeMode {
		return
	}
	for _, bid := range blocks {
		if !c.hasLiveLocationLocked(bid) {
			return
		}
	}
	c.safeMode = false
	c.log.Info("cluster: safe mode exit condition satisfied, leaving safe mode")
}

func (c *Controller) hasLiveLocationLocked(bid domain.BlockID) bool {
	for _, ep := range c.locations[bid] {
		if _, alive := c.alive[ep]; alive {
			return true
		}
	}
	return false
}
