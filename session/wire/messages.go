package wire

// StartupRequest negotiates CQL version and compression.
type StartupRequest struct {
	Options map[string]string
}

func (r *StartupRequest) Opcode() Opcode { return OpStartup }
func (r *StartupRequest) Flags() byte    { return 0 }
func (r *StartupRequest) WriteBody(w *bodyWriter) {
	w.WriteStringMap(r.Options)
}

// OptionsRequest asks the server which startup options it supports; also
// used as the heartbeat probe.
type OptionsRequest struct{}

func (r *OptionsRequest) Opcode() Opcode          { return OpOptions }
func (r *OptionsRequest) Flags() byte             { return 0 }
func (r *OptionsRequest) WriteBody(w *bodyWriter) {}

// AuthResponseRequest answers an AUTH_CHALLENGE (or the initial SASL token).
type AuthResponseRequest struct {
	Token []byte
}

func (r *AuthResponseRequest) Opcode() Opcode { return OpAuthResponse }
func (r *AuthResponseRequest) Flags() byte    { return 0 }
func (r *AuthResponseRequest) WriteBody(w *bodyWriter) {
	w.WriteBytes(r.Token)
}

// RegisterRequest subscribes the connection to server push events. Only
// meaningful on a control connection.
type RegisterRequest struct {
	EventTypes []string
}

func (r *RegisterRequest) Opcode() Opcode { return OpRegister }
func (r *RegisterRequest) Flags() byte    { return 0 }
func (r *RegisterRequest) WriteBody(w *bodyWriter) {
	w.WriteStringList(r.EventTypes)
}

// BoundValueKind distinguishes Set/Null/Unset per section 9: nullable
// "unset" is modeled as a three-valued variant distinct from null.
type BoundValueKind byte

const (
	ValueSet BoundValueKind = iota
	ValueNull
	ValueUnset
)

// BoundValue is one value bound to a QUERY/EXECUTE/BATCH parameter.
type BoundValue struct {
	Kind  BoundValueKind
	Bytes []byte
	Name  string // set when encoding named values (QueryFlagNamedValues)
}

func (v BoundValue) write(w *bodyWriter) {
	switch v.Kind {
	case ValueNull:
		w.WriteBytes(nil)
	case ValueUnset:
		w.WriteUnset()
	default:
		w.WriteBytes(v.Bytes)
	}
}

// QueryParams are the optional fields that follow the query flags byte,
// shared between QUERY and EXECUTE bodies.
type QueryParams struct {
	Consistency       Consistency
	Values            []BoundValue
	SkipMetadata      bool
	PageSize          int32
	PagingState       []byte
	SerialConsistency Consistency
	DefaultTimestamp  int64
	HasPageSize       bool
	HasPagingState    bool
	HasSerialConsistency bool
	HasDefaultTimestamp  bool
	NamedValues       bool
}

func (p *QueryParams) flags() byte {
	var f byte
	if len(p.Values) > 0 {
		f |= QueryFlagValues
	}
	if p.SkipMetadata {
		f |= QueryFlagSkipMetadata
	}
	if p.HasPageSize {
		f |= QueryFlagPageSize
	}
	if p.HasPagingState {
		f |= QueryFlagPagingState
	}
	if p.HasSerialConsistency {
		f |= QueryFlagSerialConsistency
	}
	if p.HasDefaultTimestamp {
		f |= QueryFlagDefaultTimestamp
	}
	if p.NamedValues {
		f |= QueryFlagNamedValues
	}
	return f
}

func (p *QueryParams) write(w *bodyWriter) {
	w.WriteShort(uint16(p.Consistency))
	w.WriteByte(p.flags())
	if len(p.Values) > 0 {
		w.WriteShort(uint16(len(p.Values)))
		for _, v := range p.Values {
			if p.NamedValues {
				w.WriteString(v.Name)
			}
			v.write(w)
		}
	}
	if p.HasPageSize {
		w.WriteInt(p.PageSize)
	}
	if p.HasPagingState {
		w.WriteBytes(p.PagingState)
	}
	if p.HasSerialConsistency {
		w.WriteShort(uint16(p.SerialConsistency))
	}
	if p.HasDefaultTimestamp {
		var b [8]byte
		for i := 7; i >= 0; i-- {
			b[i] = byte(p.DefaultTimestamp)
			p.DefaultTimestamp >>= 8
		}
		w.buf = append(w.buf, b[:]...)
	}
}

// QueryRequest issues a query by text.
type QueryRequest struct {
	Query  string
	Params QueryParams
}

func (r *QueryRequest) Opcode() Opcode { return OpQuery }
func (r *QueryRequest) Flags() byte    { return 0 }
func (r *QueryRequest) WriteBody(w *bodyWriter) {
	w.WriteLongString(r.Query)
	r.Params.write(w)
}

// PrepareRequest asks the server to prepare a query for later EXECUTE.
type PrepareRequest struct {
	Query string
}

func (r *PrepareRequest) Opcode() Opcode { return OpPrepare }
func (r *PrepareRequest) Flags() byte    { return 0 }
func (r *PrepareRequest) WriteBody(w *bodyWriter) {
	w.WriteLongString(r.Query)
}

// ExecuteRequest runs a previously prepared statement by id.
type ExecuteRequest struct {
	PreparedID []byte
	Params     QueryParams
}

func (r *ExecuteRequest) Opcode() Opcode { return OpExecute }
func (r *ExecuteRequest) Flags() byte    { return 0 }
func (r *ExecuteRequest) WriteBody(w *bodyWriter) {
	w.WriteBytes(r.PreparedID)
	r.Params.write(w)
}

// ErrorBody is the parsed body of an ERROR frame: the fixed [code][message]
// prefix common to every kind, plus the extra fields the retry-relevant
// codes (unavailable, read/write timeout) carry after it.
type ErrorBody struct {
	Code    ErrorCode
	Message string

	Consistency Consistency // unavailable, read/write timeout

	// Unavailable
	RequiredReplicas int32
	AliveReplicas    int32

	// Read/write timeout
	Received    int32
	BlockFor    int32
	DataPresent bool   // read timeout only
	WriteType   string // write timeout only

	// Unprepared
	UnknownID []byte
}

// ParseErrorBody decodes the fixed [code][message] prefix common to every
// ERROR body, then the extra fields specific to the codes the session
// layer's retry policy needs (unavailable, read/write timeout, unprepared).
// Other codes carry no extra fields the client acts on and are left as-is.
func ParseErrorBody(body []byte) (ErrorBody, error) {
	r := newBodyReader(body)
	code, err := r.ReadInt()
	if err != nil {
		return ErrorBody{}, err
	}
	msg, err := r.ReadLongString()
	if err != nil {
		return ErrorBody{}, err
	}
	eb := ErrorBody{Code: ErrorCode(uint32(code)), Message: msg}

	switch eb.Code {
	case ErrUnavailable:
		cl, err := r.ReadShort()
		if err != nil {
			return eb, err
		}
		required, err := r.ReadInt()
		if err != nil {
			return eb, err
		}
		alive, err := r.ReadInt()
		if err != nil {
			return eb, err
		}
		eb.Consistency, eb.RequiredReplicas, eb.AliveReplicas = Consistency(cl), required, alive
	case ErrWriteTimeout, ErrWriteFailure:
		cl, err := r.ReadShort()
		if err != nil {
			return eb, err
		}
		received, err := r.ReadInt()
		if err != nil {
			return eb, err
		}
		blockFor, err := r.ReadInt()
		if err != nil {
			return eb, err
		}
		eb.Consistency, eb.Received, eb.BlockFor = Consistency(cl), received, blockFor
		if eb.Code == ErrWriteFailure {
			if _, err := r.ReadInt(); err != nil { // num failures, unused
				return eb, err
			}
		}
		wt, err := r.ReadString()
		if err != nil {
			return eb, err
		}
		eb.WriteType = wt
	case ErrReadTimeout, ErrReadFailure:
		cl, err := r.ReadShort()
		if err != nil {
			return eb, err
		}
		received, err := r.ReadInt()
		if err != nil {
			return eb, err
		}
		blockFor, err := r.ReadInt()
		if err != nil {
			return eb, err
		}
		eb.Consistency, eb.Received, eb.BlockFor = Consistency(cl), received, blockFor
		if eb.Code == ErrReadFailure {
			if _, err := r.ReadInt(); err != nil { // num failures, unused
				return eb, err
			}
		}
		present, err := r.ReadByte()
		if err != nil {
			return eb, err
		}
		eb.DataPresent = present != 0
	case ErrUnprepared:
		id, _, err := r.ReadBytes()
		if err != nil {
			return eb, err
		}
		eb.UnknownID = id
	}
	return eb, nil
}

// ResultKind identifies the shape of a RESULT body.
type ResultKind int32

const (
	ResultVoid         ResultKind = 0x0001
	ResultRows         ResultKind = 0x0002
	ResultSetKeyspace  ResultKind = 0x0003
	ResultPrepared     ResultKind = 0x0004
	ResultSchemaChange ResultKind = 0x0005
)

// PreparedResult is the parsed RESULT body for a PREPARE response.
type PreparedResult struct {
	ID []byte
}

// ParsePreparedResult extracts the prepared-statement id from a
// kind=Prepared RESULT body (the metadata that follows is not needed by the
// session layer, which treats bound values opaquely).
func ParsePreparedResult(body []byte) (PreparedResult, error) {
	r := newBodyReader(body)
	kindRaw, err := r.ReadInt()
	if err != nil {
		return PreparedResult{}, err
	}
	if ResultKind(kindRaw) != ResultPrepared {
		return PreparedResult{}, &ProtocolError{Reason: "expected prepared result kind"}
	}
	id, unset, err := r.ReadBytes()
	if err != nil {
		return PreparedResult{}, err
	}
	if unset {
		return PreparedResult{}, &ProtocolError{Reason: "prepared id encoded as unset"}
	}
	return PreparedResult{ID: id}, nil
}

// EventBody is a decoded server push event (TOPOLOGY_CHANGE, STATUS_CHANGE,
// SCHEMA_CHANGE).
type EventBody struct {
	Type    string
	Change  string
	Address string
}

// ParseEventBody decodes the [event_type] and, for every type except
// SCHEMA_CHANGE, the [change_type] that follows. The rest of the body (the
// [inet] address of TOPOLOGY_CHANGE and STATUS_CHANGE, the change fields of
// SCHEMA_CHANGE) is left unread in the returned reader; Address is not
// filled in.
func ParseEventBody(body []byte) (EventBody, *bodyReader, error) {
	r := newBodyReader(body)
	typ, err := r.ReadString()
	if err != nil {
		return EventBody{}, nil, err
	}
	ev := EventBody{Type: typ}
	if typ == "SCHEMA_CHANGE" {
		return ev, r, nil
	}
	change, err := r.ReadString()
	if err != nil {
		return EventBody{}, nil, err
	}
	ev.Change = change
	return ev, r, nil
}
