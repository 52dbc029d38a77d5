package session

import (
	"encoding/binary"
	"strconv"

	"cqlcore/session/token"
	"cqlcore/session/wire"
)

// Row-result decoding here is deliberately thin: the control connection
// only ever reads a fixed, known set of columns off system.local and
// system.peers, so this decodes column names and raw per-cell bytes and
// leaves type interpretation (text, collection-of-text) to the two small
// helpers below rather than a general CQL type codec.

const (
	rowsFlagGlobalTablesSpec int32 = 0x0001
	rowsFlagHasMorePages     int32 = 0x0002
)

func decodeRowsResult(body []byte) (cols []string, rows [][][]byte, err error) {
	r := newRowReader(body)
	kind, err := r.readInt()
	if err != nil {
		return nil, nil, err
	}
	if wire.ResultKind(kind) != wire.ResultRows {
		return nil, nil, &wire.ProtocolError{Reason: "expected rows result kind"}
	}

	flags, err := r.readInt()
	if err != nil {
		return nil, nil, err
	}
	colCount, err := r.readInt()
	if err != nil {
		return nil, nil, err
	}

	globalSpec := flags&rowsFlagGlobalTablesSpec != 0
	if globalSpec {
		if _, err := r.readString(); err != nil { // keyspace
			return nil, nil, err
		}
		if _, err := r.readString(); err != nil { // table
			return nil, nil, err
		}
	}

	cols = make([]string, colCount)
	for i := 0; i < int(colCount); i++ {
		if !globalSpec {
			if _, err := r.readString(); err != nil {
				return nil, nil, err
			}
			if _, err := r.readString(); err != nil {
				return nil, nil, err
			}
		}
		name, err := r.readString()
		if err != nil {
			return nil, nil, err
		}
		cols[i] = name
		if err := r.skipColumnType(); err != nil {
			return nil, nil, err
		}
	}

	rowCount, err := r.readInt()
	if err != nil {
		return nil, nil, err
	}
	rows = make([][][]byte, rowCount)
	for i := 0; i < int(rowCount); i++ {
		row := make([][]byte, colCount)
		for c := 0; c < int(colCount); c++ {
			cell, err := r.readCell()
			if err != nil {
				return nil, nil, err
			}
			row[c] = cell
		}
		rows[i] = row
	}
	return cols, rows, nil
}

func colIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func cellAt(cols []string, row [][]byte, name string) []byte {
	i := colIndex(cols, name)
	if i < 0 {
		return nil
	}
	return row[i]
}

func decodeText(raw []byte) string {
	if raw == nil {
		return ""
	}
	return string(raw)
}

// decodeTextCollection reads the native-protocol encoding of a list<text>
// or set<text> cell: [count int32]([size int32][bytes])*.
func decodeTextCollection(raw []byte) []string {
	if len(raw) < 4 {
		return nil
	}
	count := int32(binary.BigEndian.Uint32(raw[:4]))
	pos := 4
	out := make([]string, 0, count)
	for i := int32(0); i < count; i++ {
		if pos+4 > len(raw) {
			break
		}
		size := int32(binary.BigEndian.Uint32(raw[pos : pos+4]))
		pos += 4
		if size < 0 || pos+int(size) > len(raw) {
			break
		}
		out = append(out, string(raw[pos:pos+int(size)]))
		pos += int(size)
	}
	return out
}

func decodeTokens(raw []byte) []token.Token {
	strs := decodeTextCollection(raw)
	out := make([]token.Token, 0, len(strs))
	for _, s := range strs {
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			out = append(out, token.Token(uint64(v)))
			continue
		}
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			out = append(out, token.Token(v))
		}
	}
	return out
}

func rowToLocal(cols []string, row [][]byte) localRow {
	return localRow{
		clusterName:   decodeText(cellAt(cols, row, "cluster_name")),
		partitioner:   decodeText(cellAt(cols, row, "partitioner")),
		tokens:        decodeTokens(cellAt(cols, row, "tokens")),
		dc:            decodeText(cellAt(cols, row, "data_center")),
		rack:          decodeText(cellAt(cols, row, "rack")),
		release:       decodeText(cellAt(cols, row, "release_version")),
		schemaVersion: decodeText(cellAt(cols, row, "schema_version")),
	}
}

func rowToPeer(cols []string, row [][]byte) peerRow {
	return peerRow{
		endpoint:      decodeText(cellAt(cols, row, "peer")),
		hostID:        decodeText(cellAt(cols, row, "host_id")),
		tokens:        decodeTokens(cellAt(cols, row, "tokens")),
		dc:            decodeText(cellAt(cols, row, "data_center")),
		rack:          decodeText(cellAt(cols, row, "rack")),
		release:       decodeText(cellAt(cols, row, "release_version")),
		schemaVersion: decodeText(cellAt(cols, row, "schema_version")),
	}
}

// rowReader is a bare-bones cursor over a RESULT body; unlike
// wire.bodyReader it also knows how to skip an option-encoded column type
// spec, which the request-side codec never needs to produce.
type rowReader struct {
	buf []byte
	pos int
}

func newRowReader(body []byte) *rowReader { return &rowReader{buf: body} }

func (r *rowReader) remaining() int { return len(r.buf) - r.pos }

func (r *rowReader) readInt() (int32, error) {
	if r.remaining() < 4 {
		return 0, &wire.ProtocolError{Reason: "truncated rows result reading int"}
	}
	v := int32(binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4]))
	r.pos += 4
	return v, nil
}

func (r *rowReader) readShort() (uint16, error) {
	if r.remaining() < 2 {
		return 0, &wire.ProtocolError{Reason: "truncated rows result reading short"}
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *rowReader) readString() (string, error) {
	n, err := r.readShort()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", &wire.ProtocolError{Reason: "truncated rows result reading string"}
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *rowReader) readCell() ([]byte, error) {
	n, err := r.readInt()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if r.remaining() < int(n) {
		return nil, &wire.ProtocolError{Reason: "truncated rows result reading cell"}
	}
	b := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return b, nil
}

// skipColumnType consumes one [option] column type spec: a u16 id,
// followed by nested specs for the parameterized types this driver's
// system-table queries actually use (list/set/map).
func (r *rowReader) skipColumnType() error {
	id, err := r.readShort()
	if err != nil {
		return err
	}
	switch id {
	case 0x0020, 0x0022: // list, set
		return r.skipColumnType()
	case 0x0021: // map
		if err := r.skipColumnType(); err != nil {
			return err
		}
		return r.skipColumnType()
	case 0x0000: // custom
		_, err := r.readString()
		return err
	default:
		return nil
	}
}
