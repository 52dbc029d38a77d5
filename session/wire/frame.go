// Package wire encodes and decodes the binary frame protocol used to talk
// to cluster nodes. It knows nothing about hosts, pools or policies - only
// bytes in, bytes out.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Opcode identifies the kind of message carried by a frame.
type Opcode byte

const (
	OpError         Opcode = 0x00
	OpStartup       Opcode = 0x01
	OpReady         Opcode = 0x02
	OpAuthenticate  Opcode = 0x03
	OpOptions       Opcode = 0x05
	OpSupported     Opcode = 0x06
	OpQuery         Opcode = 0x07
	OpResult        Opcode = 0x08
	OpPrepare       Opcode = 0x09
	OpExecute       Opcode = 0x0A
	OpRegister      Opcode = 0x0B
	OpEvent         Opcode = 0x0C
	OpBatch         Opcode = 0x0D
	OpAuthChallenge Opcode = 0x0E
	OpAuthResponse  Opcode = 0x0F
	OpAuthSuccess   Opcode = 0x10
)

func (o Opcode) String() string {
	switch o {
	case OpError:
		return "ERROR"
	case OpStartup:
		return "STARTUP"
	case OpReady:
		return "READY"
	case OpAuthenticate:
		return "AUTHENTICATE"
	case OpOptions:
		return "OPTIONS"
	case OpSupported:
		return "SUPPORTED"
	case OpQuery:
		return "QUERY"
	case OpResult:
		return "RESULT"
	case OpPrepare:
		return "PREPARE"
	case OpExecute:
		return "EXECUTE"
	case OpRegister:
		return "REGISTER"
	case OpEvent:
		return "EVENT"
	case OpBatch:
		return "BATCH"
	case OpAuthChallenge:
		return "AUTH_CHALLENGE"
	case OpAuthResponse:
		return "AUTH_RESPONSE"
	case OpAuthSuccess:
		return "AUTH_SUCCESS"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", byte(o))
	}
}

// ProtocolVersion is the negotiated wire version, 2 through 4.
type ProtocolVersion byte

const (
	ProtoV2 ProtocolVersion = 2
	ProtoV3 ProtocolVersion = 3
	ProtoV4 ProtocolVersion = 4
)

// directionResponse is set on the protocol version byte of a response frame.
const directionResponse = 0x80

// HeaderSize returns 8 for v2, 9 for v3+ (stream id widens from 1 to 2 bytes).
func (v ProtocolVersion) HeaderSize() int {
	if v <= ProtoV2 {
		return 8
	}
	return 9
}

// MaxStreams is the size of the stream id pool for this version.
func (v ProtocolVersion) MaxStreams() int {
	if v <= ProtoV2 {
		return 128
	}
	return 32768
}

// Frame-level flags (byte 2 of the header).
const (
	FlagCompression  byte = 0x01
	FlagTracing      byte = 0x02
	FlagCustomPayload byte = 0x04
	FlagWarning      byte = 0x08
)

// Flags on a QUERY/EXECUTE body selecting which optional fields follow.
const (
	QueryFlagValues           byte = 0x01
	QueryFlagSkipMetadata     byte = 0x02
	QueryFlagPageSize         byte = 0x04
	QueryFlagPagingState      byte = 0x08
	QueryFlagSerialConsistency byte = 0x10
	QueryFlagDefaultTimestamp byte = 0x20
	QueryFlagNamedValues      byte = 0x40
)

// Consistency is the u16 consistency level encoding.
type Consistency uint16

const (
	Any         Consistency = 0x00
	One         Consistency = 0x01
	Two         Consistency = 0x02
	Three       Consistency = 0x03
	Quorum      Consistency = 0x04
	All         Consistency = 0x05
	LocalQuorum Consistency = 0x06
	EachQuorum  Consistency = 0x07
	Serial      Consistency = 0x08
	LocalSerial Consistency = 0x09
	LocalOne    Consistency = 0x0A
)

func (c Consistency) String() string {
	switch c {
	case Any:
		return "ANY"
	case One:
		return "ONE"
	case Two:
		return "TWO"
	case Three:
		return "THREE"
	case Quorum:
		return "QUORUM"
	case All:
		return "ALL"
	case LocalQuorum:
		return "LOCAL_QUORUM"
	case EachQuorum:
		return "EACH_QUORUM"
	case Serial:
		return "SERIAL"
	case LocalSerial:
		return "LOCAL_SERIAL"
	case LocalOne:
		return "LOCAL_ONE"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint16(c))
	}
}

// IsSerial reports whether c is one of the two serial consistency levels.
// The top-level consistency of a QUERY/EXECUTE must never be one of these;
// they are only valid in the serial_consistency field.
func (c Consistency) IsSerial() bool {
	return c == Serial || c == LocalSerial
}

// ErrorCode is the 32-bit code at the start of an ERROR body.
type ErrorCode uint32

const (
	ErrServerError     ErrorCode = 0x0000
	ErrProtocolError   ErrorCode = 0x000A
	ErrBadCredentials  ErrorCode = 0x0100
	ErrUnavailable     ErrorCode = 0x1000
	ErrOverloaded      ErrorCode = 0x1001
	ErrIsBootstrapping ErrorCode = 0x1002
	ErrTruncateError   ErrorCode = 0x1003
	ErrWriteTimeout    ErrorCode = 0x1100
	ErrReadTimeout     ErrorCode = 0x1200
	ErrReadFailure     ErrorCode = 0x1300
	ErrFunctionFailure ErrorCode = 0x1400
	ErrWriteFailure    ErrorCode = 0x1500
	ErrSyntaxError     ErrorCode = 0x2000
	ErrUnauthorized    ErrorCode = 0x2100
	ErrInvalid         ErrorCode = 0x2200
	ErrConfigError     ErrorCode = 0x2300
	ErrAlreadyExists   ErrorCode = 0x2400
	ErrUnprepared      ErrorCode = 0x2500
)

// EventStreamID is reserved for server-initiated push frames.
const EventStreamID int16 = -1

// MaxBodyLength is the default cap on a decoded body length, guarding
// against a corrupt or malicious length field.
const MaxBodyLength = 256 * 1024 * 1024

// ProtocolError is raised by the decoder on any framing violation.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "protocol error: " + e.Reason }

// Header is the decoded fixed portion of a frame.
type Header struct {
	Version  ProtocolVersion
	Response bool
	Flags    byte
	Stream   int16
	Opcode   Opcode
	Length   uint32
}

// Request is anything that can render itself into a frame body.
type Request interface {
	Opcode() Opcode
	Flags() byte
	WriteBody(buf *bodyWriter)
}

// Encode renders req into a complete frame: header followed by body.
func Encode(version ProtocolVersion, req Request, stream int16, compressed bool) []byte {
	bw := &bodyWriter{}
	req.WriteBody(bw)
	body := bw.Bytes()

	header := make([]byte, version.HeaderSize())
	header[0] = byte(version)
	frameFlags := req.Flags()
	if compressed {
		frameFlags |= FlagCompression
	}
	header[1] = frameFlags

	if version <= ProtoV2 {
		header[2] = byte(stream)
		header[3] = byte(req.Opcode())
		binary.BigEndian.PutUint32(header[4:8], uint32(len(body)))
	} else {
		binary.BigEndian.PutUint16(header[2:4], uint16(stream))
		header[4] = byte(req.Opcode())
		binary.BigEndian.PutUint32(header[5:9], uint32(len(body)))
	}
	return append(header, body...)
}

// Decoder is a reentrant streaming decoder: Feed bytes as they arrive from
// the socket and it surfaces complete (Header, body) pairs via Next().
// It keeps a small expect-header / expect-body(n) state machine so a single
// read() call spanning frame boundaries never loses data.
type Decoder struct {
	version ProtocolVersion
	maxLen  uint32

	buf []byte

	haveHeader bool
	header     Header
}

// NewDecoder creates a Decoder for the given negotiated protocol version.
func NewDecoder(version ProtocolVersion) *Decoder {
	return &Decoder{version: version, maxLen: MaxBodyLength}
}

// SetMaxBodyLength overrides the default 256MiB frame body cap.
func (d *Decoder) SetMaxBodyLength(n uint32) { d.maxLen = n }

// Feed appends newly read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next attempts to decode one complete frame from the buffered bytes. It
// returns ok=false (no error) when more bytes are needed.
func (d *Decoder) Next() (Header, []byte, bool, error) {
	if !d.haveHeader {
		hsz := d.version.HeaderSize()
		if len(d.buf) < hsz {
			return Header{}, nil, false, nil
		}
		h, err := decodeHeader(d.buf[:hsz], d.version)
		if err != nil {
			return Header{}, nil, false, err
		}
		if h.Length > d.maxLen {
			return Header{}, nil, false, &ProtocolError{Reason: fmt.Sprintf("body length %d exceeds max %d", h.Length, d.maxLen)}
		}
		d.header = h
		d.buf = d.buf[hsz:]
		d.haveHeader = true
	}

	if uint32(len(d.buf)) < d.header.Length {
		return Header{}, nil, false, nil
	}

	body := d.buf[:d.header.Length]
	d.buf = d.buf[d.header.Length:]
	h := d.header
	d.haveHeader = false
	return h, body, true, nil
}

func decodeHeader(b []byte, version ProtocolVersion) (Header, error) {
	if len(b) < int(version.HeaderSize()) {
		return Header{}, &ProtocolError{Reason: "truncated header"}
	}
	versionByte := b[0]
	response := versionByte&directionResponse != 0
	wireVersion := ProtocolVersion(versionByte &^ directionResponse)

	h := Header{Version: wireVersion, Response: response, Flags: b[1]}
	if version <= ProtoV2 {
		h.Stream = int16(int8(b[2]))
		h.Opcode = Opcode(b[3])
		h.Length = binary.BigEndian.Uint32(b[4:8])
	} else {
		h.Stream = int16(binary.BigEndian.Uint16(b[2:4]))
		h.Opcode = Opcode(b[4])
		h.Length = binary.BigEndian.Uint32(b[5:9])
	}
	if !isKnownOpcode(h.Opcode) {
		return Header{}, &ProtocolError{Reason: fmt.Sprintf("unknown opcode 0x%02x", byte(h.Opcode))}
	}
	return h, nil
}

func isKnownOpcode(o Opcode) bool {
	switch o {
	case OpError, OpStartup, OpReady, OpAuthenticate, OpOptions, OpSupported,
		OpQuery, OpResult, OpPrepare, OpExecute, OpRegister, OpEvent, OpBatch,
		OpAuthChallenge, OpAuthResponse, OpAuthSuccess:
		return true
	default:
		return false
	}
}

// bodyWriter accumulates the encoded wire representation of a request body
// using the length-prefixed primitives of section 4.1.
type bodyWriter struct {
	buf []byte
}

func (w *bodyWriter) Bytes() []byte { return w.buf }

func (w *bodyWriter) WriteByte(b byte) { w.buf = append(w.buf, b) }

func (w *bodyWriter) WriteShort(n uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	w.buf = append(w.buf, b[:]...)
}

func (w *bodyWriter) WriteInt(n int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(n))
	w.buf = append(w.buf, b[:]...)
}

func (w *bodyWriter) WriteString(s string) {
	w.WriteShort(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *bodyWriter) WriteLongString(s string) {
	w.WriteInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteBytes writes a length-prefixed byte blob. A nil slice encodes as
// length -1 (null); use WriteUnset for the v4+ "not set" sentinel (-2).
func (w *bodyWriter) WriteBytes(b []byte) {
	if b == nil {
		w.WriteInt(-1)
		return
	}
	w.WriteInt(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteUnset writes the v4+ "value not set" sentinel, length -2.
func (w *bodyWriter) WriteUnset() { w.WriteInt(-2) }

func (w *bodyWriter) WriteStringList(items []string) {
	w.WriteShort(uint16(len(items)))
	for _, s := range items {
		w.WriteString(s)
	}
}

func (w *bodyWriter) WriteStringMap(m map[string]string) {
	w.WriteShort(uint16(len(m)))
	for k, v := range m {
		w.WriteString(k)
		w.WriteString(v)
	}
}

// bodyReader parses the length-prefixed primitives back out of a decoded
// response body.
type bodyReader struct {
	buf []byte
	pos int
}

func newBodyReader(body []byte) *bodyReader { return &bodyReader{buf: body} }

func (r *bodyReader) remaining() int { return len(r.buf) - r.pos }

func (r *bodyReader) ReadByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, &ProtocolError{Reason: "truncated body reading byte"}
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *bodyReader) ReadShort() (uint16, error) {
	if r.remaining() < 2 {
		return 0, &ProtocolError{Reason: "truncated body reading short"}
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *bodyReader) ReadInt() (int32, error) {
	if r.remaining() < 4 {
		return 0, &ProtocolError{Reason: "truncated body reading int"}
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return int32(v), nil
}

func (r *bodyReader) ReadString() (string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", &ProtocolError{Reason: "truncated body reading string"}
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *bodyReader) ReadLongString() (string, error) {
	n, err := r.ReadInt()
	if err != nil {
		return "", err
	}
	if n < 0 || r.remaining() < int(n) {
		return "", &ProtocolError{Reason: "truncated body reading long string"}
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes reads a length-prefixed blob. Returns (nil, false, nil) for a
// null value (-1) and (nil, true, nil) for the unset sentinel (-2).
func (r *bodyReader) ReadBytes() (value []byte, unset bool, err error) {
	n, err := r.ReadInt()
	if err != nil {
		return nil, false, err
	}
	if n == -1 {
		return nil, false, nil
	}
	if n == -2 {
		return nil, true, nil
	}
	if n < 0 || r.remaining() < int(n) {
		return nil, false, &ProtocolError{Reason: "truncated body reading bytes"}
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, false, nil
}

func (r *bodyReader) ReadStringList() ([]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make([]string, n)
	for i := range out {
		out[i], err = r.ReadString()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *bodyReader) ReadStringMap() (map[string]string, error) {
	n, err := r.ReadShort()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, n)
	for i := uint16(0); i < n; i++ {
		k, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		v, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}
