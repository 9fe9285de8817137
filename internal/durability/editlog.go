// Package durability implements the Master's two on-disk artefacts
// (spec.md §4.3, component C): the whole-namespace fsimage snapshot and the
// append-only edit log, plus the boot/replay/checkpoint sequencing that
// ties them together.
package durability

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// editLogMagic is the fixed constant that opens every edit-log record
// (spec.md §4.3: "magic:u32 (fixed constant)").
const editLogMagic uint32 = 0x6d444653 // "mDFS"

// EditLog is the append-only sequence of namespace mutation records. Every
// operation that mutates the committed namespace must append its record
// here before returning success (spec.md §4.3 Edit policy); a failed
// append must propagate as OP_LOG_FAILURE without having mutated the
// in-memory namespace (spec.md §9 Open Question, resolved by staging in
// internal/writepipeline and internal/master before calling Append).
type EditLog struct {
	mu   sync.Mutex // part of mutex_fs_image in spec.md §5's acquisition order
	path string
	f    *os.File
	w    *bufio.Writer
	// count is the number of records appended since the last Truncate, used by
	// the Master to trigger a checkpoint once a configured threshold is
	// crossed (spec.md §4.3).
	count int
}

// OpenEditLog opens (creating if absent) the edit log file for appending.
func OpenEditLog(path string) (*EditLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "durability: open edit log")
	}
	return &EditLog{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

// Append encodes rec and fsyncs it to disk before returning. On any
// failure the caller must treat the whole operation as having not
// happened: EditLog never partially commits a record.
func (l *EditLog) Append(rec domain.EditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payload := encodeEditRecord(rec)

	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	var magicBuf [4]byte
	binary.BigEndian.PutUint32(magicBuf[:], editLogMagic)

	if _, err := l.w.Write(magicBuf[:]); err != nil {
		return domain.WrapError(domain.OpLogFailure, err)
	}
	if _, err := l.w.Write(lenBuf[:n]); err != nil {
		return domain.WrapError(domain.OpLogFailure, err)
	}
	if _, err := l.w.Write(payload); err != nil {
		return domain.WrapError(domain.OpLogFailure, err)
	}
	if err := l.w.Flush(); err != nil {
		return domain.WrapError(domain.OpLogFailure, err)
	}
	if err := l.f.Sync(); err != nil {
		return domain.WrapError(domain.OpLogFailure, err)
	}
	l.count++
	return nil
}

// Count returns the number of records appended since the last Truncate.
func (l *EditLog) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Truncate empties the edit log and resets the per-process counter. Called
// under the disk-image lock as the first step of a checkpoint (spec.md
// §4.3).
func (l *EditLog) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.f.Truncate(0); err != nil {
		return errors.Wrap(err, "durability: truncate edit log")
	}
	if _, err := l.f.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "durability: seek edit log")
	}
	l.w = bufio.NewWriter(l.f)
	l.count = 0
	return nil
}

// Close releases the underlying file handle.
func (l *EditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// ReplayEditLog reads every record from path in order and invokes apply
// for each. Used only during boot, before the log is open for appending.
func ReplayEditLog(path string, apply func(domain.EditRecord)) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // a fresh install has no edit log yet
	}
	if err != nil {
		return errors.Wrap(err, "durability: open edit log for replay")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var magicBuf [4]byte
		if _, err := io.ReadFull(r, magicBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return errors.Wrap(err, "durability: read edit log magic")
		}
		if binary.BigEndian.Uint32(magicBuf[:]) != editLogMagic {
			return errors.New("durability: edit log magic mismatch, log is corrupt")
		}
		length, err := binary.ReadUvarint(r)
		if err != nil {
			return errors.Wrap(err, "durability: read edit log record length")
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return errors.Wrap(err, "durability: read edit log record payload")
		}
		rec, err := decodeEditRecord(payload)
		if err != nil {
			return errors.Wrap(err, "durability: decode edit log record")
		}
		apply(rec)
	}
}

func encodeEditRecord(rec domain.EditRecord) []byte {
	enc := wire.NewEncoder()
	enc.PutUint8(uint8(rec.Op))
	enc.PutString(rec.Path)
	enc.PutUint64(uint64(rec.DfID))
	enc.PutUint32(uint32(len(rec.Blocks)))
	for _, b := range rec.Blocks {
		enc.PutUint64(uint64(b))
	}
	enc.PutUint64(uint64(rec.ParentID))
	return enc.Bytes()
}

func decodeEditRecord(payload []byte) (domain.EditRecord, error) {
	dec := wire.NewDecoder(payload)
	op, err := dec.Uint8()
	if err != nil {
		return domain.EditRecord{}, err
	}
	path, err := dec.String()
	if err != nil {
		return domain.EditRecord{}, err
	}
	dfid, err := dec.Uint64()
	if err != nil {
		return domain.EditRecord{}, err
	}
	n, err := dec.Uint32()
	if err != nil {
		return domain.EditRecord{}, err
	}
	blocks := make([]domain.BlockID, 0, n)
	for i := uint32(0); i < n; i++ {
		b, err := dec.Uint64()
		if err != nil {
			return domain.EditRecord{}, err
		}
		blocks = append(blocks, domain.BlockID(b))
	}
	parentID, err := dec.Uint64()
	if err != nil {
		return domain.EditRecord{}, err
	}
	return domain.EditRecord{
		Op:       domain.EditOp(op),
		Path:     path,
		DfID:     domain.DfID(dfid),
		Blocks:   blocks,
		ParentID: domain.DfID(parentID),
	}, nil
}
