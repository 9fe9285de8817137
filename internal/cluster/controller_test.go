package cluster_test

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minidfs/minidfs/internal/cluster"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/namespace"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(nopWriter{})
	return log
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSafeModeGatesClientMethods(t *testing.T) {
	store := namespace.New()
	c := cluster.New(store, 1, 1, testLogger())

	err := c.Admit(domain.MethodExists)
	require.Error(t, err)
	assert.Equal(t, domain.SafeMode, domain.StatusOf(err))

	err = c.Admit(domain.MethodHeartBeat)
	assert.NoError(t, err, "chunkserver-facing methods are processed even in safe mode")
}

func TestSafeModeExitsOnceEveryBlockReported(t *testing.T) {
	store := namespace.New()
	_, err := store.CommitFile("/f", []domain.BlockID{1}, map[domain.BlockID]int64{1: 5}, nil)
	require.NoError(t, err)

	c := cluster.New(store, 1, 1, testLogger())
	assert.True(t, c.IsSafeMode())

	ep := domain.Endpoint{Ip: "10.0.0.1", Port: 9000}
	c.RecordBlockReport(ep, []domain.BlockID{1})
	c.ReevaluateSafeMode()

	assert.False(t, c.IsSafeMode())
}

func TestDeadNodeDetectionEnqueuesReplication(t *testing.T) {
	store := namespace.New()
	_, err := store.CommitFile("/f", []domain.BlockID{1}, map[domain.BlockID]int64{1: 5}, nil)
	require.NoError(t, err)

	c := cluster.New(store, 2, 1, testLogger())
	a := domain.Endpoint{Ip: "10.0.0.1", Port: 9000}
	b := domain.Endpoint{Ip: "10.0.0.2", Port: 9000}
	third := domain.Endpoint{Ip: "10.0.0.3", Port: 9000}
	c.RecordBlockReport(a, []domain.BlockID{1})
	c.RecordBlockReport(b, []domain.BlockID{1})
	c.RecordHeartbeat(third)

	// Tick once to clear the touched flags, then stop b's heartbeats.
	c.StatusCheckTick()
	c.RecordHeartbeat(a)
	c.RecordHeartbeat(third)
	c.StatusCheckTick()

	task := c.GetBlkTask(a)
	require.Len(t, task, 1)
	assert.Equal(t, domain.BlockID(1), task[0].Block.ID)
	assert.NotContains(t, task[0].Destinations, a)
	assert.NotContains(t, task[0].Destinations, b)
}

func TestAllocateChunkserversFailsWhenTooFewAlive(t *testing.T) {
	store := namespace.New()
	c := cluster.New(store, 1, 1, testLogger())
	c.RecordHeartbeat(domain.Endpoint{Ip: "10.0.0.1", Port: 9000})

	_, err := c.AllocateChunkservers(2)
	assert.Error(t, err)
}
