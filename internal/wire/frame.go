package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/minidfs/minidfs/internal/domain"
)

// headerLen is the size of the len:u32 field itself; the length prefix
// counts the method/status byte and the payload but not itself (spec.md
// §4.1: "len:u32 (total bytes including this header)" where "this header"
// is the method/status byte, matching the original rpc_server framer).
const headerLen = 4

// MaxPayload bounds a single frame's payload to guard against a corrupt or
// hostile length prefix driving an unbounded allocation.
const MaxPayload = 256 << 20 // 256MiB, generous for a block-sized payload

// ReadRequest reads one request frame: len:u32, method_id:u8, payload.
func ReadRequest(r io.Reader) (domain.MethodID, []byte, error) {
	total, err := readLen(r)
	if err != nil {
		return 0, nil, err
	}
	if total < 1 {
		return 0, nil, errors.New("wire: request frame shorter than method byte")
	}
	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, errors.Wrap(err, "wire: read request body")
	}
	return domain.MethodID(rest[0]), rest[1:], nil
}

// WriteRequest writes one request frame.
func WriteRequest(w io.Writer, method domain.MethodID, payload []byte) error {
	return writeFrame(w, byte(method), payload)
}

// ReadResponse reads one response frame: len:u32, status:u8, payload.
func ReadResponse(r io.Reader) (domain.Status, []byte, error) {
	total, err := readLen(r)
	if err != nil {
		return 0, nil, err
	}
	if total < 1 {
		return 0, nil, errors.New("wire: response frame shorter than status byte")
	}
	rest := make([]byte, total)
	if _, err := io.ReadFull(r, rest); err != nil {
		return 0, nil, errors.Wrap(err, "wire: read response body")
	}
	return domain.Status(rest[0]), rest[1:], nil
}

// WriteResponse writes one response frame.
func WriteResponse(w io.Writer, status domain.Status, payload []byte) error {
	return writeFrame(w, byte(status), payload)
}

func readLen(r io.Reader) (int, error) {
	var lb [headerLen]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return 0, errors.Wrap(err, "wire: read frame length")
	}
	total := binary.BigEndian.Uint32(lb[:])
	if total > MaxPayload {
		return 0, errors.Errorf("wire: frame length %d exceeds max payload %d", total, MaxPayload)
	}
	return int(total), nil
}

func writeFrame(w io.Writer, discriminant byte, payload []byte) error {
	total := uint32(1 + len(payload))
	var lb [headerLen]byte
	binary.BigEndian.PutUint32(lb[:], total)
	buf := make([]byte, 0, headerLen+int(total))
	buf = append(buf, lb[:]...)
	buf = append(buf, discriminant)
	buf = append(buf, payload...)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "wire: write frame")
	}
	return nil
}
