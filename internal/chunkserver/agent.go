package chunkserver

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/minidfs/minidfs/internal/client"
	"github.com/minidfs/minidfs/internal/domain"
)

// Config is the subset of internal/config.Config the chunkserver agent
// needs.
type Config struct {
	Self                   domain.Endpoint
	HeartBeatInterval      time.Duration
	BlockReportInterval    time.Duration
	BlkTaskStartupInterval time.Duration
}

// Agent runs the single control thread of spec.md §4.6: heartbeat,
// block-report, recvedBlks and (after its startup delay) task-poll
// ticks, each on its own period.
type Agent struct {
	cfg    Config
	store  *BlockStore
	master *client.MasterClient
	log    *logrus.Logger
}

// NewAgent builds a control-loop Agent.
func NewAgent(cfg Config, store *BlockStore, master *client.MasterClient, log *logrus.Logger) *Agent {
	return &Agent{cfg: cfg, store: store, master: master, log: log}
}

// Run drives the control loop until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) {
	heartbeat := time.NewTicker(a.cfg.HeartBeatInterval)
	defer heartbeat.Stop()
	blockReport := time.NewTicker(a.cfg.BlockReportInterval)
	defer blockReport.Stop()
	recvedPoll := time.NewTicker(a.cfg.HeartBeatInterval)
	defer recvedPoll.Stop()

	taskPollStarted := false
	var taskPoll *time.Ticker
	startupTimer := time.NewTimer(a.cfg.BlkTaskStartupInterval)
	defer startupTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			if taskPoll != nil {
				taskPoll.Stop()
			}
			return

		case <-heartbeat.C:
			if err := a.master.HeartBeat(a.cfg.Self); err != nil {
				a.log.WithError(err).Warn("chunkserver: heartbeat failed")
			}

		case <-blockReport.C:
			a.sendBlockReport()

		case <-recvedPoll.C:
			a.sendRecvedBlks()

		case <-startupTimer.C:
			if !taskPollStarted {
				taskPollStarted = true
				taskPoll = time.NewTicker(a.cfg.HeartBeatInterval)
			}

		case tick := <-taskPollTickerChan(taskPoll):
			_ = tick
			a.pollTasks()
		}
	}
}

// taskPollTickerChan returns t.C, or a nil channel (which blocks forever
// in a select) before the task poll ticker has started.
func taskPollTickerChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (a *Agent) sendBlockReport() {
	served := a.store.ServedBlocks()
	orphans, err := a.master.BlkReport(a.cfg.Self, served)
	if err != nil {
		a.log.WithError(err).Warn("chunkserver: block report failed")
		return
	}
	for _, bid := range orphans {
		if err := a.store.Delete(bid); err != nil {
			a.log.WithError(err).WithField("block", bid).Warn("chunkserver: failed to delete orphaned block")
		}
	}
}

func (a *Agent) sendRecvedBlks() {
	recved := a.store.DrainRecved()
	if len(recved) == 0 {
		return
	}
	if err := a.master.RecvedBlks(a.cfg.Self, recved); err != nil {
		a.log.WithError(err).Warn("chunkserver: recvedBlks failed")
	}
}

func (a *Agent) pollTasks() {
	tasks, err := a.master.GetBlkTask(a.cfg.Self)
	if err != nil {
		a.log.WithError(err).Warn("chunkserver: getBlkTask failed")
		return
	}
	for _, t := range tasks {
		a.runCopyTask(t)
	}
}

// runCopyTask streams the block to its destinations, acting as the chain
// head of a one-shot replication chain (spec.md §4.4 "open a write chain
// to the designated destinations and stream the block").
func (a *Agent) runCopyTask(t client.Task) {
	r, size, err := a.store.Read(t.Block.ID)
	if err != nil {
		a.log.WithError(err).WithField("block", t.Block.ID).Warn("chunkserver: copy task source block missing")
		return
	}
	defer r.Close()

	lb := domain.LocatedBlock{Block: t.Block, Chain: t.Destinations}
	if _, err := client.WriteChain(lb, r, size); err != nil {
		a.log.WithError(err).WithField("block", t.Block.ID).Warn("chunkserver: copy task forward failed")
	}
}
