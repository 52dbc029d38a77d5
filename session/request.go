package session

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"cqlcore/session/wire"
)

// Request is the immutable value a caller submits to a Session: either a
// query by text or a previously prepared statement by id, plus bound
// values, consistency, and the optional flags of section 3. Submitting a
// Request never mutates it; the Executor reads it once per attempt.
type Request struct {
	Query      string // CQL text; required unless PreparedID is set directly
	PreparedID []byte // bypasses the prepared-statement cache entirely when set

	// UsePrepared tells the Session to prepare Query (once, caching the
	// resulting id by query text + keyspace) and send an EXECUTE instead of
	// a plain QUERY. Ignored when PreparedID is set directly.
	UsePrepared bool

	Values   []wire.BoundValue
	Keyspace string
	RoutingKey []byte

	Consistency       wire.Consistency
	SerialConsistency wire.Consistency
	HasSerialConsistency bool

	PageSize    int32
	HasPageSize bool
	PagingState []byte
	HasPagingState bool

	DefaultTimestamp    int64
	HasDefaultTimestamp bool

	Tracing bool

	// Idempotent tells the Retry Policy whether a non-idempotent write may
	// be retried against another host after a connection error (section 7).
	Idempotent bool

	// Timeout overrides the session default per-request deadline; zero
	// means use the session default.
	Timeout time.Duration
}

// NewQuery builds a plain QUERY request at the given consistency.
func NewQuery(cql string, consistency wire.Consistency) *Request {
	return &Request{Query: cql, Consistency: consistency}
}

// NewExecute builds an EXECUTE request against an already-prepared
// statement id.
func NewExecute(preparedID []byte, consistency wire.Consistency) *Request {
	return &Request{PreparedID: preparedID, Consistency: consistency}
}

// Validate enforces the two client-side rules section 9 calls out as
// ambiguous in the source system and resolves explicitly here: Unset bound
// values are rejected on protocol versions below 4, and a top-level SERIAL
// or LOCAL_SERIAL consistency on a QUERY/EXECUTE is rejected outright
// rather than forwarded to the server.
func (r *Request) Validate(version wire.ProtocolVersion) error {
	if r.Consistency.IsSerial() {
		return &InvalidRequestError{Message: "SERIAL and LOCAL_SERIAL are not valid as the top-level consistency; use SerialConsistency instead"}
	}
	if version < wire.ProtoV4 {
		for _, v := range r.Values {
			if v.Kind == wire.ValueUnset {
				return &InvalidRequestError{Message: "unset bound values require protocol version 4 or later"}
			}
		}
	}
	return nil
}

// params renders this Request's shared QUERY/EXECUTE fields.
func (r *Request) params() wire.QueryParams {
	return wire.QueryParams{
		Consistency:          r.Consistency,
		Values:               r.Values,
		PageSize:             r.PageSize,
		HasPageSize:          r.HasPageSize,
		PagingState:          r.PagingState,
		HasPagingState:       r.HasPagingState,
		SerialConsistency:    r.SerialConsistency,
		HasSerialConsistency: r.HasSerialConsistency,
		DefaultTimestamp:     r.DefaultTimestamp,
		HasDefaultTimestamp:  r.HasDefaultTimestamp,
	}
}

// withConsistency returns a copy of r at a new consistency level, leaving r
// itself unchanged. The Executor does not use it: a same-host retry that
// downgrades consistency keeps the new level in a local variable instead.
func (r *Request) withConsistency(c wire.Consistency) *Request {
	clone := *r
	clone.Consistency = c
	return &clone
}

// Bound-value constructors. Kept alongside Request rather than in wire,
// since wire knows only bytes and this layer owns the CQL type mapping.

// BindText encodes a text/varchar/ascii value.
func BindText(s string) wire.BoundValue {
	return wire.BoundValue{Kind: wire.ValueSet, Bytes: []byte(s)}
}

// BindBytes encodes a blob value verbatim.
func BindBytes(b []byte) wire.BoundValue {
	return wire.BoundValue{Kind: wire.ValueSet, Bytes: b}
}

// BindInt64 encodes a bigint value, big-endian 8 bytes.
func BindInt64(v int64) wire.BoundValue {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return wire.BoundValue{Kind: wire.ValueSet, Bytes: b}
}

// BindBool encodes a boolean value as a single byte.
func BindBool(v bool) wire.BoundValue {
	b := byte(0)
	if v {
		b = 1
	}
	return wire.BoundValue{Kind: wire.ValueSet, Bytes: []byte{b}}
}

// BindDecimal encodes a CQL decimal value: a 4-byte big-endian scale
// followed by a two's-complement big-endian unscaled value, per the native
// protocol's decimal type. shopspring/decimal is the ecosystem's standard
// arbitrary-precision decimal, used here rather than a hand-rolled bignum
// encoder.
func BindDecimal(d decimal.Decimal) wire.BoundValue {
	scale := -d.Exponent()
	unscaled := d.Coefficient()
	encoded := encodeVarintBigInt(unscaled)
	out := make([]byte, 4+len(encoded))
	out[0] = byte(scale >> 24)
	out[1] = byte(scale >> 16)
	out[2] = byte(scale >> 8)
	out[3] = byte(scale)
	copy(out[4:], encoded)
	return wire.BoundValue{Kind: wire.ValueSet, Bytes: out}
}

// DecodeDecimal reverses BindDecimal's encoding.
func DecodeDecimal(raw []byte) decimal.Decimal {
	if len(raw) < 4 {
		return decimal.Zero
	}
	scale := int32(raw[0])<<24 | int32(raw[1])<<16 | int32(raw[2])<<8 | int32(raw[3])
	unscaled := decodeVarintBigInt(raw[4:])
	return decimal.NewFromBigInt(unscaled, -scale)
}

// encodeVarintBigInt renders a big.Int as a minimal two's-complement
// big-endian byte slice, matching the CQL varint encoding.
func encodeVarintBigInt(v *big.Int) []byte {
	if v.Sign() == 0 {
		return []byte{0}
	}
	if v.Sign() > 0 {
		b := v.Bytes()
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		return b
	}
	// two's complement for negative values: invert magnitude bytes of
	// (-(v+1)) and sign-extend if the top bit isn't already set.
	abs := new(big.Int).Add(v, big.NewInt(1))
	abs.Neg(abs)
	b := abs.Bytes()
	for i := range b {
		b[i] = ^b[i]
	}
	if len(b) == 0 || b[0]&0x80 == 0 {
		b = append([]byte{0xff}, b...)
	}
	return b
}

func decodeVarintBigInt(b []byte) *big.Int {
	if len(b) == 0 {
		return big.NewInt(0)
	}
	if b[0]&0x80 == 0 {
		return new(big.Int).SetBytes(b)
	}
	inv := make([]byte, len(b))
	for i, c := range b {
		inv[i] = ^c
	}
	mag := new(big.Int).SetBytes(inv)
	mag.Add(mag, big.NewInt(1))
	return mag.Neg(mag)
}
