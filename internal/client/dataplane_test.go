package client_test

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minidfs/minidfs/internal/client"
	"github.com/minidfs/minidfs/internal/domain"
	"github.com/minidfs/minidfs/internal/wire"
)

// fakeChunkserver accepts exactly one connection and hands it to handler,
// for exercising WriteChain/ReadBlock's wire format byte-for-byte without
// depending on internal/chunkserver.
func fakeChunkserver(t *testing.T, handler func(conn net.Conn)) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
	return ln.Addr().String()
}

func TestWriteChainSendsExpectedFrame(t *testing.T) {
	var gotOpcode byte
	var gotLBLen uint16
	var gotData []byte

	addr := fakeChunkserver(t, func(conn net.Conn) {
		var b [1]byte
		_, _ = io.ReadFull(conn, b[:])
		gotOpcode = b[0]

		var lenBuf [2]byte
		_, _ = io.ReadFull(conn, lenBuf[:])
		gotLBLen = binary.BigEndian.Uint16(lenBuf[:])

		lbBuf := make([]byte, gotLBLen)
		_, _ = io.ReadFull(conn, lbBuf[:])

		var dlBuf [8]byte
		_, _ = io.ReadFull(conn, dlBuf[:])
		datalen := uint64(binary.BigEndian.Uint32(dlBuf[0:4]))<<32 | uint64(binary.BigEndian.Uint32(dlBuf[4:8]))

		gotData = make([]byte, datalen)
		_, _ = io.ReadFull(conn, gotData)

		_, _ = conn.Write([]byte{1})
	})
	host, port := splitHostPort(t, addr)
	ep := domain.Endpoint{Ip: host, Port: port}

	lb := domain.LocatedBlock{Block: domain.BlockDescriptor{ID: 1}, Chain: []domain.Endpoint{ep}}
	ack, err := client.WriteChain(lb, bytes.NewReader([]byte("hello")), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, ack)
	assert.Equal(t, byte(domain.OpWrite), gotOpcode)
	assert.Equal(t, []byte("hello"), gotData)
}

func TestReadBlockSendsExpectedFrameAndParsesResponse(t *testing.T) {
	addr := fakeChunkserver(t, func(conn net.Conn) {
		var b [1]byte
		_, _ = io.ReadFull(conn, b[:])
		assert.Equal(t, byte(domain.OpRead), b[0])

		var lenBuf [2]byte
		_, _ = io.ReadFull(conn, lenBuf[:])
		n := binary.BigEndian.Uint16(lenBuf[:])
		bdBuf := make([]byte, n)
		_, _ = io.ReadFull(conn, bdBuf)
		bd, err := wire.NewDecoder(bdBuf).BlockDescriptor()
		require.NoError(t, err)
		assert.Equal(t, domain.BlockID(9), bd.ID)

		_, _ = conn.Write([]byte{byte(domain.Success)})
		var dlBuf [8]byte
		binary.BigEndian.PutUint32(dlBuf[4:8], 5)
		_, _ = conn.Write(dlBuf[:])
		_, _ = conn.Write([]byte("world"))
	})
	host, port := splitHostPort(t, addr)
	ep := domain.Endpoint{Ip: host, Port: port}

	data, err := client.ReadBlock(ep, domain.BlockDescriptor{ID: 9})
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), data)
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	var port int
	_, err = fmt.Sscan(portStr, &port)
	require.NoError(t, err)
	return host, port
}
