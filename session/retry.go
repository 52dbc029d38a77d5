package session

// RetryDecisionKind is one of the four total outcomes a RetryPolicy may
// return for a given (error, context) pair.
type RetryDecisionKind int

const (
	RetrySameHost RetryDecisionKind = iota
	RetryNextHost
	Rethrow
	Ignore
)

// RetryDecision additionally carries the consistency level to retry at,
// when the policy chooses to downgrade it.
type RetryDecision struct {
	Kind        RetryDecisionKind
	Consistency int // wire.Consistency; -1 means "unchanged"
}

// WriteType distinguishes the kinds of write a WriteTimeout can report.
type WriteType string

const (
	WriteTypeSimple    WriteType = "SIMPLE"
	WriteTypeBatch     WriteType = "BATCH"
	WriteTypeBatchLog  WriteType = "BATCH_LOG"
	WriteTypeUnloggedBatch WriteType = "UNLOGGED_BATCH"
	WriteTypeCounter   WriteType = "COUNTER"
	WriteTypeCAS       WriteType = "CAS"
)

// RetryContext is everything a RetryPolicy needs to make a total decision.
type RetryContext struct {
	Consistency    int
	WriteType      WriteType
	RetryCount     int
	Idempotent     bool
	ReceivedCount  int
	RequiredCount  int
	DataRetrieved  bool
}

// RetryPolicy decides what to do after a request fails. Every
// (error, context) pair maps to exactly one action: the function is total.
type RetryPolicy interface {
	OnReadTimeout(ctx RetryContext) RetryDecision
	OnWriteTimeout(ctx RetryContext) RetryDecision
	OnUnavailable(ctx RetryContext) RetryDecision
	OnConnectionError(ctx RetryContext) RetryDecision
	OnOtherError(ctx RetryContext) RetryDecision // overloaded, bootstrapping
}

// DefaultRetryPolicy implements the table from section 4.7.
type DefaultRetryPolicy struct{}

func (DefaultRetryPolicy) OnReadTimeout(ctx RetryContext) RetryDecision {
	if ctx.RetryCount > 0 {
		return RetryDecision{Kind: Rethrow, Consistency: -1}
	}
	if ctx.ReceivedCount >= ctx.RequiredCount && !ctx.DataRetrieved {
		return RetryDecision{Kind: RetrySameHost, Consistency: -1}
	}
	return RetryDecision{Kind: Rethrow, Consistency: -1}
}

func (DefaultRetryPolicy) OnWriteTimeout(ctx RetryContext) RetryDecision {
	if ctx.RetryCount > 0 {
		return RetryDecision{Kind: Rethrow, Consistency: -1}
	}
	if ctx.WriteType == WriteTypeBatchLog {
		return RetryDecision{Kind: RetrySameHost, Consistency: -1}
	}
	return RetryDecision{Kind: Rethrow, Consistency: -1}
}

func (DefaultRetryPolicy) OnUnavailable(ctx RetryContext) RetryDecision {
	if ctx.RetryCount > 0 {
		return RetryDecision{Kind: Rethrow, Consistency: -1}
	}
	return RetryDecision{Kind: RetryNextHost, Consistency: -1}
}

func (DefaultRetryPolicy) OnConnectionError(ctx RetryContext) RetryDecision {
	if !ctx.Idempotent {
		return RetryDecision{Kind: Rethrow, Consistency: -1}
	}
	return RetryDecision{Kind: RetryNextHost, Consistency: -1}
}

func (DefaultRetryPolicy) OnOtherError(ctx RetryContext) RetryDecision {
	return RetryDecision{Kind: RetryNextHost, Consistency: -1}
}
