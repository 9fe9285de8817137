package client

import (
	"encoding/binary"
	"io"

	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// putDatalen writes datalen as two big-endian u32 halves, high word first
// (spec.md §6 dataplane framing: "datalen:u64 (sent as two u32 halves,
// big-endian, high first)") — a distinct convention from the control-plane
// codec's native PutUint64, kept separate since only this one field uses
// it.
func putDatalen(w io.Writer, datalen uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(datalen>>32))
	binary.BigEndian.PutUint32(b[4:8], uint32(datalen))
	_, err := w.Write(b[:])
	return err
}

func readDatalen(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	hi := binary.BigEndian.Uint32(b[0:4])
	lo := binary.BigEndian.Uint32(b[4:8])
	return uint64(hi)<<32 | uint64(lo), nil
}

// WriteChain implements the client-side (and chunkserver-forwarder-side)
// half of spec.md §4.5's chain write: dial the chain head (retrying per
// §5), send OP_WRITE + the located block + the data, and return the
// number of chain members that reported success (head included). A
// partial chain failure still returns a positive count — the caller
// truncates its subsequent blockAck's chain to that length.
func WriteChain(lb domain.LocatedBlock, data io.Reader, datalen int64) (int, error) {
	if len(lb.Chain) == 0 {
		return 0, domain.NewError(domain.Failure)
	}
	conn, err := dialWithRetry(lb.Chain[0].String())
	if err != nil {
		return 0, domain.WrapError(domain.Failure, err)
	}
	defer conn.Close()

	if err := writeWriteHeader(conn, lb); err != nil {
		return 0, domain.WrapError(domain.Failure, err)
	}
	if err := putDatalen(conn, uint64(datalen)); err != nil {
		return 0, domain.WrapError(domain.Failure, err)
	}
	if _, err := io.CopyN(conn, data, datalen); err != nil {
		return 0, domain.WrapError(domain.Failure, err)
	}

	status, err := readStatusByte(conn)
	if err != nil {
		return 0, domain.WrapError(domain.Failure, err)
	}
	return int(status), nil
}

func writeWriteHeader(w io.Writer, lb domain.LocatedBlock) error {
	enc := wire.NewEncoder()
	enc.PutLocatedBlock(lb)
	lbBytes := enc.Bytes()

	if _, err := w.Write([]byte{byte(domain.OpWrite)}); err != nil {
		return err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(lbBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(lbBytes)
	return err
}

func readStatusByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBlock implements the client-side half of spec.md §4.5/§6 OP_READ:
// dial ep, send the block descriptor, and return the block's bytes.
func ReadBlock(ep domain.Endpoint, block domain.BlockDescriptor) ([]byte, error) {
	conn, err := dialWithRetry(ep.String())
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	defer conn.Close()

	enc := wire.NewEncoder()
	enc.PutBlockDescriptor(block)
	bdBytes := enc.Bytes()

	if _, err := conn.Write([]byte{byte(domain.OpRead)}); err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(bdBytes)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	if _, err := conn.Write(bdBytes); err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}

	status, err := readStatusByte(conn)
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	if domain.Status(status) != domain.Success {
		return nil, domain.NewError(domain.Status(status))
	}

	datalen, err := readDatalen(conn)
	if err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	data := make([]byte, datalen)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, domain.WrapError(domain.Failure, err)
	}
	return data, nil
}
