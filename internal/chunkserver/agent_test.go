package chunkserver_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minidfs/minidfs/internal/chunkserver"
	"github.com/minidfs/minidfs/internal/client"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// fakeMasterRecorder is a one-shot-per-connection fake Master that records
// every call it sees, for asserting the Agent's control-loop traffic
// without pulling in internal/master.
type fakeMasterRecorder struct {
	mu          sync.Mutex
	heartbeats  int
	blkReports  [][]domain.BlockID
	recvedCalls [][]domain.BlockID
	orphans     []domain.BlockID
	tasks       []client.Task
	tasksServed bool
}

func (f *fakeMasterRecorder) serve(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handle(conn)
		}
	}()
	return ln.Addr().String()
}

func (f *fakeMasterRecorder) handle(conn net.Conn) {
	defer conn.Close()
	method, payload, err := wire.ReadRequest(conn)
	if err != nil {
		return
	}
	switch method {
	case domain.MethodHeartBeat:
		f.mu.Lock()
		f.heartbeats++
		f.mu.Unlock()
		_ = wire.WriteResponse(conn, domain.Success, nil)

	case domain.MethodBlkReport:
		_, ids, decErr := decodeEndpointAndBlocks(payload)
		if decErr != nil {
			_ = wire.WriteResponse(conn, domain.Failure, nil)
			return
		}
		f.mu.Lock()
		f.blkReports = append(f.blkReports, ids)
		orphans := f.orphans
		f.mu.Unlock()
		enc := wire.NewEncoder()
		enc.PutUint32(uint32(len(orphans)))
		for _, o := range orphans {
			enc.PutUint64(uint64(o))
		}
		_ = wire.WriteResponse(conn, domain.Success, enc.Bytes())

	case domain.MethodRecvedBlks:
		_, ids, decErr := decodeEndpointAndBlocks(payload)
		if decErr != nil {
			_ = wire.WriteResponse(conn, domain.Failure, nil)
			return
		}
		f.mu.Lock()
		f.recvedCalls = append(f.recvedCalls, ids)
		f.mu.Unlock()
		_ = wire.WriteResponse(conn, domain.Success, nil)

	case domain.MethodGetBlkTask:
		f.mu.Lock()
		tasks := f.tasks
		served := f.tasksServed
		f.tasksServed = true
		f.mu.Unlock()
		if served || len(tasks) == 0 {
			_ = wire.WriteResponse(conn, domain.NoBlkTask, nil)
			return
		}
		enc := wire.NewEncoder()
		enc.PutUint32(uint32(len(tasks)))
		for _, task := range tasks {
			enc.PutUint8(uint8(domain.Copy))
			enc.PutLocatedBlock(domain.LocatedBlock{Block: task.Block, Chain: task.Destinations})
		}
		_ = wire.WriteResponse(conn, domain.Success, enc.Bytes())

	default:
		_ = wire.WriteResponse(conn, domain.Failure, nil)
	}
}

func decodeEndpointAndBlocks(payload []byte) (domain.Endpoint, []domain.BlockID, error) {
	dec := wire.NewDecoder(payload)
	ep, err := dec.Endpoint()
	if err != nil {
		return domain.Endpoint{}, nil, err
	}
	n, err := dec.Uint32()
	if err != nil {
		return domain.Endpoint{}, nil, err
	}
	ids := make([]domain.BlockID, 0, n)
	for i := uint32(0); i < n; i++ {
		v, err := dec.Uint64()
		if err != nil {
			return domain.Endpoint{}, nil, err
		}
		ids = append(ids, domain.BlockID(v))
	}
	return ep, ids, nil
}

func fastAgentConfig(self domain.Endpoint) chunkserver.Config {
	return chunkserver.Config{
		Self:                   self,
		HeartBeatInterval:      15 * time.Millisecond,
		BlockReportInterval:    15 * time.Millisecond,
		BlkTaskStartupInterval: 10 * time.Millisecond,
	}
}

func TestAgentSendsHeartbeatsAndBlockReports(t *testing.T) {
	fm := &fakeMasterRecorder{}
	masterAddr := fm.serve(t)

	store, err := chunkserver.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write(1, newBytesReader([]byte("x")), 1))

	self := domain.Endpoint{Ip: "127.0.0.1", Port: 9100}
	agent := chunkserver.NewAgent(fastAgentConfig(self), store, client.NewMasterClient(masterAddr, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		fm.mu.Lock()
		defer fm.mu.Unlock()
		return fm.heartbeats > 0 && len(fm.blkReports) > 0
	}, time.Second, 5*time.Millisecond)

	fm.mu.Lock()
	sawBlock1 := false
	for _, report := range fm.blkReports {
		for _, id := range report {
			if id == 1 {
				sawBlock1 = true
			}
		}
	}
	fm.mu.Unlock()
	assert.True(t, sawBlock1)

	cancel()
	<-done
}

func TestAgentDeletesOrphansReportedByMaster(t *testing.T) {
	fm := &fakeMasterRecorder{orphans: []domain.BlockID{5}}
	masterAddr := fm.serve(t)

	store, err := chunkserver.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write(5, newBytesReader([]byte("y")), 1))

	self := domain.Endpoint{Ip: "127.0.0.1", Port: 9101}
	agent := chunkserver.NewAgent(fastAgentConfig(self), store, client.NewMasterClient(masterAddr, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !store.Exists(5) }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestAgentReportsRecvedBlksThenDrainsThem(t *testing.T) {
	fm := &fakeMasterRecorder{}
	masterAddr := fm.serve(t)

	store, err := chunkserver.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write(9, newBytesReader([]byte("z")), 1))

	self := domain.Endpoint{Ip: "127.0.0.1", Port: 9102}
	agent := chunkserver.NewAgent(fastAgentConfig(self), store, client.NewMasterClient(masterAddr, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		fm.mu.Lock()
		defer fm.mu.Unlock()
		for _, ids := range fm.recvedCalls {
			for _, id := range ids {
				if id == 9 {
					return true
				}
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Nil(t, store.DrainRecved())

	cancel()
	<-done
}

// TestAgentPollsTaskAndRunsCopy confirms the Agent, once its startup delay
// elapses, fetches a COPY task from the Master and streams the block to
// the designated destination chunkserver (spec.md §4.4).
func TestAgentPollsTaskAndRunsCopy(t *testing.T) {
	destAddr, destStore := startDataServer(t)
	destEp := endpointOf(t, destAddr)

	store, err := chunkserver.Open(t.TempDir())
	require.NoError(t, err)
	data := []byte("copy me")
	require.NoError(t, store.Write(77, newBytesReader(data), int64(len(data))))

	fm := &fakeMasterRecorder{
		tasks: []client.Task{{
			Block:        domain.BlockDescriptor{ID: 77, Len: int64(len(data))},
			Destinations: []domain.Endpoint{destEp},
		}},
	}
	masterAddr := fm.serve(t)

	self := domain.Endpoint{Ip: "127.0.0.1", Port: 9103}
	agent := chunkserver.NewAgent(fastAgentConfig(self), store, client.NewMasterClient(masterAddr, testLogger()), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		agent.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return destStore.Exists(77) }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
