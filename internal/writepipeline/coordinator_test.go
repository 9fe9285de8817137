package writepipeline_test

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minidfs/minidfs/internal/cluster"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/durability"
	"github.com/minidfs/minidfs/internal/namespace"
	"github.com/minidfs/minidfs/internal/writepipeline"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

func setup(t *testing.T, replication int) (*namespace.Store, *cluster.Controller, *writepipeline.Coordinator, *durability.EditLog) {
	store := namespace.New()
	dir := t.TempDir()
	editLog, err := durability.OpenEditLog(filepath.Join(dir, "editlog"))
	require.NoError(t, err)
	t.Cleanup(func() { editLog.Close() })

	ctrl := cluster.New(store, replication, 1, testLogger())
	for i := 0; i < 4; i++ {
		ctrl.RecordHeartbeat(domain.Endpoint{Ip: "10.0.0.1", Port: 9000 + i})
	}
	coord := writepipeline.New(store, ctrl, editLog, testLogger())
	return store, ctrl, coord, editLog
}

func TestCreateThenCompleteCommitsFile(t *testing.T) {
	store, _, coord, _ := setup(t, 2)

	lb, err := coord.Create("/f")
	require.NoError(t, err)
	require.Len(t, lb.Chain, 2)

	err = coord.BlockAck(domain.LocatedBlock{Block: domain.BlockDescriptor{ID: lb.Block.ID, Len: 5}, Chain: lb.Chain})
	require.NoError(t, err)

	id, err := coord.Complete("/f")
	require.NoError(t, err)
	assert.NotZero(t, id)

	in, ok := store.Lookup("/f")
	require.True(t, ok)
	assert.Equal(t, []domain.BlockID{lb.Block.ID}, in.Blocks)
}

func TestConcurrentCreateFailsWithFileInCreating(t *testing.T) {
	_, _, coord, _ := setup(t, 1)

	_, err := coord.Create("/f")
	require.NoError(t, err)

	_, err = coord.Create("/f")
	require.Error(t, err)
	assert.Equal(t, domain.FileInCreating, domain.StatusOf(err))
}

func TestCompleteDropsNeverAckedBlocks(t *testing.T) {
	store, _, coord, _ := setup(t, 1)

	first, err := coord.Create("/f")
	require.NoError(t, err)
	err = coord.BlockAck(domain.LocatedBlock{Block: domain.BlockDescriptor{ID: first.Block.ID, Len: 4}, Chain: first.Chain})
	require.NoError(t, err)

	_, err = coord.AddBlock("/f")
	require.NoError(t, err) // second block is never ack'd

	id, err := coord.Complete("/f")
	require.NoError(t, err)

	in, ok := store.Lookup("/f")
	require.True(t, ok)
	assert.Equal(t, []domain.BlockID{first.Block.ID}, in.Blocks)
	assert.NotZero(t, id)
}

func TestCompleteEnqueuesReplicationForShortAcks(t *testing.T) {
	_, ctrl, coord, _ := setup(t, 3)

	lb, err := coord.Create("/f")
	require.NoError(t, err)

	// Ack only 1 of 3 chain entries.
	err = coord.BlockAck(domain.LocatedBlock{Block: domain.BlockDescriptor{ID: lb.Block.ID, Len: 4}, Chain: lb.Chain[:1]})
	require.NoError(t, err)

	_, err = coord.Complete("/f")
	require.NoError(t, err)

	// Simulate the chain head reporting its locally-written replica back to
	// the Master, the way recvedBlks would in the real system.
	ctrl.RecordRecvedBlks(lb.Chain[0], []domain.BlockID{lb.Block.ID})

	task := ctrl.GetBlkTask(lb.Chain[0])
	require.Len(t, task, 1)
	assert.Equal(t, lb.Block.ID, task[0].Block.ID)
}

func TestCreateRejectsMissingParent(t *testing.T) {
	_, _, coord, _ := setup(t, 1)
	_, err := coord.Create("/missing/f")
	require.Error(t, err)
	assert.Equal(t, domain.NoSuchFile, domain.StatusOf(err))
}
