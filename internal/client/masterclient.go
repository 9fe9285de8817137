// Package client implements the RPC stub used to talk to the Master
// (spec.md §6 control-plane framing) and the dataplane chain-write/
// chain-read clients used to talk directly to chunkservers (spec.md §4.5,
// §6 dataplane framing). internal/chunkserver's chain forwarder reuses
// WriteChain to act as a client to the next hop in a replication chain.
package client

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// connectRetryAttempts and connectRetryBackoff implement spec.md §5's
// "two attempts, with a short fixed back-off" connect policy.
const (
	connectRetryAttempts = 2
	connectRetryBackoff  = 100 * time.Millisecond
)

func dialWithRetry(addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < connectRetryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(connectRetryBackoff)
		}
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "client: connect failed after retry")
}

// MasterClient is a thin stub over the Master's control-plane RPCs
// (spec.md §4.1/§6). Every call opens one connection, sends one request,
// reads one response, and closes, matching the Master's one-shot dispatch
// contract.
type MasterClient struct {
	addr string
	log  *logrus.Logger
}

// NewMasterClient builds a client dialing addr ("host:port") for every
// call.
func NewMasterClient(addr string, log *logrus.Logger) *MasterClient {
	return &MasterClient{addr: addr, log: log}
}

func (c *MasterClient) call(method domain.MethodID, payload []byte) ([]byte, error) {
	conn, err := dialWithRetry(c.addr)
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	defer conn.Close()

	reqID := uuid.NewString()
	log := c.log.WithField("req", reqID).WithField("method", method)

	if err := wire.WriteRequest(conn, method, payload); err != nil {
		log.WithError(err).Debug("client: write request failed")
		return nil, domain.WrapError(domain.Failure, err)
	}
	status, resp, err := wire.ReadResponse(conn)
	if err != nil {
		log.WithError(err).Debug("client: read response failed")
		return nil, domain.WrapError(domain.Failure, err)
	}
	if status != domain.Success {
		return resp, domain.NewError(status)
	}
	return resp, nil
}

func pathRequest(path string) []byte {
	enc := wire.NewEncoder()
	enc.PutString(path)
	return enc.Bytes()
}

// GetBlockLocations calls getBlockLocations (spec.md §6).
func (c *MasterClient) GetBlockLocations(path string) ([]domain.LocatedBlock, error) {
	resp, err := c.call(domain.MethodGetBlockLocations, pathRequest(path))
	if err != nil {
		return nil, err
	}
	dec := wire.NewDecoder(resp)
	n, err := dec.Uint32()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	out := make([]domain.LocatedBlock, 0, n)
	for i := uint32(0); i < n; i++ {
		lb, err := dec.LocatedBlock()
		if err != nil {
			return nil, domain.WrapError(domain.Failure, err)
		}
		out = append(out, lb)
	}
	return out, nil
}

// Create calls create (spec.md §6).
func (c *MasterClient) Create(path string) (domain.LocatedBlock, error) {
	return c.locatedBlockCall(domain.MethodCreate, path)
}

// AddBlock calls addBlock (spec.md §6).
func (c *MasterClient) AddBlock(path string) (domain.LocatedBlock, error) {
	return c.locatedBlockCall(domain.MethodAddBlock, path)
}

func (c *MasterClient) locatedBlockCall(method domain.MethodID, path string) (domain.LocatedBlock, error) {
	resp, err := c.call(method, pathRequest(path))
	if err != nil {
		return domain.LocatedBlock{}, err
	}
	lb, err := wire.NewDecoder(resp).LocatedBlock()
	if err != nil {
		return domain.LocatedBlock{}, domain.WrapError(domain.Failure, err)
	}
	return lb, nil
}

// BlockAck calls blockAck (spec.md §6): lb.Chain must already be truncated
// to the chain prefix that actually succeeded.
func (c *MasterClient) BlockAck(lb domain.LocatedBlock) error {
	enc := wire.NewEncoder()
	enc.PutLocatedBlock(lb)
	_, err := c.call(domain.MethodBlockAck, enc.Bytes())
	return err
}

// Complete calls complete (spec.md §6).
func (c *MasterClient) Complete(path string) error {
	_, err := c.call(domain.MethodComplete, pathRequest(path))
	return err
}

// Remove calls remove (spec.md §6).
func (c *MasterClient) Remove(path string) error {
	_, err := c.call(domain.MethodRemove, pathRequest(path))
	return err
}

// Exists calls exists (spec.md §6): the result is the status byte itself.
func (c *MasterClient) Exists(path string) (bool, error) {
	_, err := c.call(domain.MethodExists, pathRequest(path))
	switch domain.StatusOf(err) {
	case domain.Exist:
		return true, nil
	case domain.NotExist:
		return false, nil
	default:
		return false, err
	}
}

// MakeDir calls makeDir (spec.md §6).
func (c *MasterClient) MakeDir(path string) error {
	_, err := c.call(domain.MethodMakeDir, pathRequest(path))
	return err
}

// ListDir calls listDir (spec.md §6).
func (c *MasterClient) ListDir(path string) ([]domain.DirEntry, error) {
	resp, err := c.call(domain.MethodListDir, pathRequest(path))
	if err != nil {
		return nil, err
	}
	dec := wire.NewDecoder(resp)
	n, err := dec.Uint32()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	entries := make([]domain.DirEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		name, err := dec.String()
		if err != nil {
			return nil, domain.WrapError(domain.Failure, err)
		}
		isDirByte, err := dec.Uint8()
		if err != nil {
			return nil, domain.WrapError(domain.Failure, err)
		}
		length, err := dec.Uint64()
		if err != nil {
			return nil, domain.WrapError(domain.Failure, err)
		}
		entries = append(entries, domain.DirEntry{Basename: name, IsDir: isDirByte != 0, Length: int64(length)})
	}
	return entries, nil
}

func endpointRequest(ep domain.Endpoint) []byte {
	enc := wire.NewEncoder()
	enc.PutEndpoint(ep)
	return enc.Bytes()
}

func endpointAndBlocksRequest(ep domain.Endpoint, blockIDs []domain.BlockID) []byte {
	enc := wire.NewEncoder()
	enc.PutEndpoint(ep)
	enc.PutUint32(uint32(len(blockIDs)))
	for _, bid := range blockIDs {
		enc.PutUint64(uint64(bid))
	}
	return enc.Bytes()
}

// HeartBeat calls heartBeat (spec.md §6).
func (c *MasterClient) HeartBeat(ep domain.Endpoint) error {
	_, err := c.call(domain.MethodHeartBeat, endpointRequest(ep))
	return err
}

// BlkReport calls blkReport (spec.md §6), returning the block IDs the
// Master says are orphans.
func (c *MasterClient) BlkReport(ep domain.Endpoint, blockIDs []domain.BlockID) ([]domain.BlockID, error) {
	resp, err := c.call(domain.MethodBlkReport, endpointAndBlocksRequest(ep, blockIDs))
	if err != nil {
		return nil, err
	}
	return decodeBlockIDList(resp)
}

// RecvedBlks calls recvedBlks (spec.md §6).
func (c *MasterClient) RecvedBlks(ep domain.Endpoint, blockIDs []domain.BlockID) error {
	_, err := c.call(domain.MethodRecvedBlks, endpointAndBlocksRequest(ep, blockIDs))
	return err
}

// GetBlkTask calls getBlkTask (spec.md §6). A NoBlkTask status is
// reported as (nil, nil) since it is an expected steady-state response,
// not a failure.
func (c *MasterClient) GetBlkTask(ep domain.Endpoint) ([]Task, error) {
	resp, err := c.call(domain.MethodGetBlkTask, endpointRequest(ep))
	if domain.StatusOf(err) == domain.NoBlkTask {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	dec := wire.NewDecoder(resp)
	n, err := dec.Uint32()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	tasks := make([]Task, 0, n)
	for i := uint32(0); i < n; i++ {
		if _, err := dec.Uint8(); err != nil { // opcode, always COPY today
			return nil, domain.WrapError(domain.Failure, err)
		}
		lb, err := dec.LocatedBlock()
		if err != nil {
			return nil, domain.WrapError(domain.Failure, err)
		}
		tasks = append(tasks, Task{Block: lb.Block, Destinations: lb.Chain})
	}
	return tasks, nil
}

// Task mirrors cluster.Task on the wire-decoded side of getBlkTask, kept
// as its own type so internal/client has no import dependency on
// internal/cluster.
type Task struct {
	Block        domain.BlockDescriptor
	Destinations []domain.Endpoint
}

func decodeBlockIDList(payload []byte) ([]domain.BlockID, error) {
	dec := wire.NewDecoder(payload)
	n, err := dec.Uint32()
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	ids := make([]domain.BlockID, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := dec.Uint64()
		if err != nil {
			return nil, domain.WrapError(domain.Failure, err)
		}
		ids = append(ids, domain.BlockID(v))
	}
	return ids, nil
}
