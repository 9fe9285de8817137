package chunkserver

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/minidfs/minidfs/internal/client"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// DataServer accepts inbound block connections and implements spec.md §6's
// dataplane framing: OP_WRITE (with chain forwarding) and OP_READ.
type DataServer struct {
	store *BlockStore
	log   *logrus.Logger
}

// NewDataServer builds a DataServer backed by store.
func NewDataServer(store *BlockStore, log *logrus.Logger) *DataServer {
	return &DataServer{store: store, log: log}
}

// Serve runs the accept loop until ln is closed.
func (d *DataServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.handleConn(conn)
	}
}

func (d *DataServer) handleConn(conn net.Conn) {
	defer conn.Close()

	var opByte [1]byte
	if _, err := io.ReadFull(conn, opByte[:]); err != nil {
		d.log.WithError(err).Debug("chunkserver: failed to read opcode, closing")
		return
	}

	switch domain.Status(opByte[0]) {
	case domain.OpWrite:
		d.handleWrite(conn)
	case domain.OpRead:
		d.handleRead(conn)
	default:
		d.log.WithField("opcode", opByte[0]).Warn("chunkserver: unknown dataplane opcode, closing")
	}
}

func readU16Prefixed(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
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

// handleWrite implements spec.md §4.5's chain-receive logic: write to a
// local staging file while forwarding header+data to the next hop (chain
// with self trimmed from the front) in parallel, then reply with the
// downstream success count plus one. A forwarding failure still completes
// the local write and replies with the local count (spec.md §4.5 "Chain
// failure handling").
func (d *DataServer) handleWrite(conn net.Conn) {
	lbBytes, err := readU16Prefixed(conn)
	if err != nil {
		d.log.WithError(err).Debug("chunkserver: read located block failed")
		return
	}
	lb, err := wire.NewDecoder(lbBytes).LocatedBlock()
	if err != nil {
		d.log.WithError(err).Debug("chunkserver: decode located block failed")
		return
	}
	datalen, err := readDatalen(conn)
	if err != nil {
		d.log.WithError(err).Debug("chunkserver: read datalen failed")
		return
	}

	downstream := trimSelf(lb.Chain)

	var pr *io.PipeReader
	var pw *io.PipeWriter
	var g *errgroup.Group
	var dest io.Writer = discardWriter{}
	forwardAck := 0
	if len(downstream) > 0 {
		pr, pw = io.Pipe()
		dest = &forwardWriter{w: pw}
		g = new(errgroup.Group)
		forwardLB := domain.LocatedBlock{Block: lb.Block, Chain: downstream}
		g.Go(func() error {
			ack, ferr := client.WriteChain(forwardLB, pr, datalen)
			if ferr != nil {
				pr.CloseWithError(ferr)
				return ferr
			}
			forwardAck = ack
			return nil
		})
	}

	local := io.TeeReader(io.LimitReader(conn, datalen), dest)
	writeErr := d.store.Write(lb.Block.ID, local, datalen)
	if pw != nil {
		pw.Close()
	}

	localCount := byte(0)
	if writeErr == nil {
		localCount = 1
	} else {
		d.log.WithError(writeErr).Warn("chunkserver: local block write failed")
	}

	total := localCount
	if g != nil {
		if gerr := g.Wait(); gerr != nil {
			d.log.WithError(gerr).Warn("chunkserver: forward to downstream failed, replying with local count only")
		} else {
			total = localCount + byte(forwardAck)
		}
	}

	conn.Write([]byte{total})
}

func trimSelf(chain []domain.Endpoint) []domain.Endpoint {
	if len(chain) <= 1 {
		return nil
	}
	return chain[1:]
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// forwardWriter feeds the downstream pipe and stops forwarding after the
// first write error, so a failed forward never fails the local write.
type forwardWriter struct {
	w      io.Writer
	failed bool
}

func (f *forwardWriter) Write(p []byte) (int, error) {
	if !f.failed {
		if _, err := f.w.Write(p); err != nil {
			f.failed = true
		}
	}
	return len(p), nil
}

// handleRead implements spec.md §6 OP_READ.
func (d *DataServer) handleRead(conn net.Conn) {
	bdBytes, err := readU16Prefixed(conn)
	if err != nil {
		d.log.WithError(err).Debug("chunkserver: read block descriptor failed")
		return
	}
	bd, err := wire.NewDecoder(bdBytes).BlockDescriptor()
	if err != nil {
		d.log.WithError(err).Debug("chunkserver: decode block descriptor failed")
		return
	}

	r, size, err := d.store.Read(bd.ID)
	if err != nil {
		d.log.WithError(err).WithField("block", bd.ID).Debug("chunkserver: read block failed")
		conn.Write([]byte{byte(domain.Failure)})
		return
	}
	defer r.Close()

	conn.Write([]byte{byte(domain.Success)})
	var dlBuf [8]byte
	binary.BigEndian.PutUint32(dlBuf[0:4], uint32(uint64(size)>>32))
	binary.BigEndian.PutUint32(dlBuf[4:8], uint32(size))
	conn.Write(dlBuf[:])
	io.Copy(conn, r)
}
