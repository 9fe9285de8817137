package durability

import (
	"github.com/pkg/errors"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/namespace"
)

// Paths names the on-disk locations of the two durability artefacts,
// corresponding to config.NameSysFile and config.EditLogFile.
type Paths struct {
	Fsimage string
	EditLog string
}

// Boot executes spec.md §4.3's boot sequence: load the fsimage, replay the
// edit log from the start (advancing counters past any DfID/BlockID the
// log mentions), then open the edit log for future appends. The Master
// enters safe mode immediately afterward; Boot itself has no opinion about
// safe mode.
func Boot(store *namespace.Store, p Paths) (*EditLog, error) {
	if err := LoadFsimage(store, p.Fsimage); err != nil {
		return nil, errors.Wrap(err, "durability: boot: load fsimage")
	}

	replayErr := ReplayEditLog(p.EditLog, func(rec domain.EditRecord) {
		applyAndAdvance(store, rec)
	})
	if replayErr != nil {
		return nil, errors.Wrap(replayErr, "durability: boot: replay edit log")
	}

	log, err := OpenEditLog(p.EditLog)
	if err != nil {
		return nil, errors.Wrap(err, "durability: boot: open edit log")
	}
	return log, nil
}

func applyAndAdvance(store *namespace.Store, rec domain.EditRecord) {
	switch rec.Op {
	case domain.EditMkdir:
		store.ApplyMkdir(rec)
		store.RestoreCounters(rec.DfID, 0)
	case domain.EditCreate:
		store.ApplyCreate(rec)
		highBlk := domain.BlockID(0)
		for _, b := range rec.Blocks {
			if b > highBlk {
				highBlk = b
			}
		}
		store.RestoreCounters(rec.DfID, highBlk)
	case domain.EditRemove:
		store.ApplyRemove(rec)
	}
}

// Checkpoint truncates the edit log, then serializes the in-memory
// namespace to fsimage, resetting the per-process edit counter (spec.md
// §4.3). Callers must hold the disk-image lock (here, the EditLog's own
// mutex is sufficient for the log half; the fsimage write only reads the
// namespace store under its own lock).
func Checkpoint(store *namespace.Store, log *EditLog, fsimagePath string) error {
	if err := log.Truncate(); err != nil {
		return errors.Wrap(err, "durability: checkpoint: truncate edit log")
	}
	if err := WriteFsimage(store, fsimagePath); err != nil {
		return errors.Wrap(err, "durability: checkpoint: write fsimage")
	}
	return nil
}
