// Package wire implements the length-prefixed, method-ID-dispatched framing
// shared by all miniDFS control traffic (spec.md §4.1), plus the small
// length-delimited binary codec used to encode the structured payloads of
// spec.md §6. Bulk block payloads use the separate dataplane framing in
// internal/chunkserver and internal/client instead of this codec.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/minidfs/minidfs/internal/domain"
)

// Encoder builds a payload byte-by-field in network byte order.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

// PutUint8 appends a single byte.
func (e *Encoder) PutUint8(v uint8) { e.buf.WriteByte(v) }

// PutUint16 appends a big-endian uint16.
func (e *Encoder) PutUint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

// PutUint32 appends a big-endian uint32.
func (e *Encoder) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

// PutUint64 appends a big-endian uint64.
func (e *Encoder) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

// PutString appends a uint32-length-prefixed UTF-8 string.
func (e *Encoder) PutString(s string) {
	e.PutUint32(uint32(len(s)))
	e.buf.WriteString(s)
}

// PutBytes appends a uint32-length-prefixed byte blob.
func (e *Encoder) PutBytes(b []byte) {
	e.PutUint32(uint32(len(b)))
	e.buf.Write(b)
}

// PutEndpoint appends a chunkserver endpoint (ip string + port uint32).
func (e *Encoder) PutEndpoint(ep domain.Endpoint) {
	e.PutString(ep.Ip)
	e.PutUint32(uint32(ep.Port))
}

// PutBlockDescriptor appends a (BlockID, length) pair.
func (e *Encoder) PutBlockDescriptor(b domain.BlockDescriptor) {
	e.PutUint64(uint64(b.ID))
	e.PutUint64(uint64(b.Len))
}

// PutLocatedBlock appends a block descriptor plus its chain.
func (e *Encoder) PutLocatedBlock(lb domain.LocatedBlock) {
	e.PutBlockDescriptor(lb.Block)
	e.PutUint16(uint16(len(lb.Chain)))
	for _, ep := range lb.Chain {
		e.PutEndpoint(ep)
	}
}

// Decoder reads fields out of a fixed payload in the order they were
// written. Decoder never reads past the underlying buffer; any truncated
// payload surfaces as a wrapped io.EOF (nothing left to read) or
// io.ErrUnexpectedEOF (a field cut short).
type Decoder struct {
	r io.Reader
}

// NewDecoder wraps payload for sequential field decoding.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(payload)}
}

func (d *Decoder) readFull(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, errors.Wrap(err, "wire: truncated payload")
	}
	return buf, nil
}

// Uint8 reads a single byte.
func (d *Decoder) Uint8() (uint8, error) {
	b, err := d.readFull(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big-endian uint16.
func (d *Decoder) Uint16() (uint16, error) {
	b, err := d.readFull(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Uint32 reads a big-endian uint32.
func (d *Decoder) Uint32() (uint32, error) {
	b, err := d.readFull(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// Uint64 reads a big-endian uint64.
func (d *Decoder) Uint64() (uint64, error) {
	b, err := d.readFull(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// String reads a uint32-length-prefixed UTF-8 string.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	b, err := d.readFull(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Bytes reads a uint32-length-prefixed byte blob.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.readFull(int(n))
}

// Endpoint reads a chunkserver endpoint.
func (d *Decoder) Endpoint() (domain.Endpoint, error) {
	ip, err := d.String()
	if err != nil {
		return domain.Endpoint{}, err
	}
	port, err := d.Uint32()
	if err != nil {
		return domain.Endpoint{}, err
	}
	return domain.Endpoint{Ip: ip, Port: int(port)}, nil
}

// BlockDescriptor reads a (BlockID, length) pair.
func (d *Decoder) BlockDescriptor() (domain.BlockDescriptor, error) {
	id, err := d.Uint64()
	if err != nil {
		return domain.BlockDescriptor{}, err
	}
	length, err := d.Uint64()
	if err != nil {
		return domain.BlockDescriptor{}, err
	}
	return domain.BlockDescriptor{ID: domain.BlockID(id), Len: int64(length)}, nil
}

// LocatedBlock reads a block descriptor plus its chain.
func (d *Decoder) LocatedBlock() (domain.LocatedBlock, error) {
	block, err := d.BlockDescriptor()
	if err != nil {
		return domain.LocatedBlock{}, err
	}
	n, err := d.Uint16()
	if err != nil {
		return domain.LocatedBlock{}, err
	}
	chain := make([]domain.Endpoint, 0, n)
	for i := uint16(0); i < n; i++ {
		ep, err := d.Endpoint()
		if err != nil {
			return domain.LocatedBlock{}, err
		}
		chain = append(chain, ep)
	}
	return domain.LocatedBlock{Block: block, Chain: chain}, nil
}
