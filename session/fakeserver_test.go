package session

import (
	"encoding/binary"
	"net"
	"testing"

	"cqlcore/session/wire"
)

// fakeFrameHandler answers one decoded request frame (everything but
// STARTUP, which the harness answers with READY automatically) with a
// response opcode and body. It runs on the connection's single serving
// goroutine, so responses to a single client connection are strictly
// ordered with the requests that produced them.
type fakeFrameHandler func(op wire.Opcode, body []byte) (wire.Opcode, []byte)

// startFakeServer opens a loopback listener that speaks just enough of the
// frame protocol to drive Conn/Pool/Session against: it answers STARTUP
// with READY and everything else via handle. Grounded on the teacher's
// dial-with-timeout idiom turned inside out - this is the listening half a
// real cluster node would run.
func startFakeServer(t *testing.T, version wire.ProtocolVersion, handle fakeFrameHandler) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveFakeConn(conn, version, handle)
		}
	}()
	return ln.Addr().String()
}

func serveFakeConn(conn net.Conn, version wire.ProtocolVersion, handle fakeFrameHandler) {
	defer conn.Close()
	dec := wire.NewDecoder(version)
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		dec.Feed(buf[:n])
		for {
			header, body, ok, err := dec.Next()
			if err != nil {
				return
			}
			if !ok {
				break
			}

			var respOp wire.Opcode
			var respBody []byte
			if header.Opcode == wire.OpStartup {
				respOp, respBody = wire.OpReady, nil
			} else {
				respOp, respBody = handle(header.Opcode, body)
			}

			if _, err := conn.Write(encodeFakeFrame(version, respOp, header.Stream, respBody)); err != nil {
				return
			}
		}
	}
}

// encodeFakeFrame renders a response frame header by hand rather than
// through wire.Encode, since wire.Request's WriteBody takes an unexported
// *bodyWriter a test outside package wire cannot implement.
func encodeFakeFrame(version wire.ProtocolVersion, op wire.Opcode, stream int16, body []byte) []byte {
	header := make([]byte, version.HeaderSize())
	header[0] = byte(version) | 0x80
	if version <= wire.ProtoV2 {
		header[2] = byte(stream)
		header[3] = byte(op)
		binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))
	} else {
		binary.BigEndian.PutUint16(header[2:4], uint16(stream))
		header[4] = byte(op)
		binary.BigEndian.PutUint32(header[5:9], uint32(len(body)))
	}
	return append(header, body...)
}

func voidResultBody() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(wire.ResultVoid))
	return b
}

func preparedResultBody(id []byte) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(wire.ResultPrepared))
	idLen := make([]byte, 4)
	binary.BigEndian.PutUint32(idLen, uint32(len(id)))
	return append(append(b, idLen...), id...)
}

func writeLongString(s string) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(len(s)))
	return append(b, s...)
}

func writeShort(n uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, n)
	return b
}

func writeInt(n int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(n))
	return b
}

func errorBody(code wire.ErrorCode, msg string) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(code))
	return append(b, writeLongString(msg)...)
}

func unavailableErrorBody(consistency wire.Consistency, required, alive int32) []byte {
	b := errorBody(wire.ErrUnavailable, "unavailable")
	b = append(b, writeShort(uint16(consistency))...)
	b = append(b, writeInt(required)...)
	b = append(b, writeInt(alive)...)
	return b
}

func unpreparedErrorBody(id []byte) []byte {
	b := errorBody(wire.ErrUnprepared, "unprepared")
	idLen := make([]byte, 4)
	binary.BigEndian.PutUint32(idLen, uint32(len(id)))
	return append(append(b, idLen...), id...)
}
