package session

import (
	"context"
	"encoding/binary"
	"time"

	"cqlcore/session/config"
	"cqlcore/session/wire"
)

// Response is a request's raw, undecoded result: the header and body of
// whichever RESULT (or void-shaped) frame the server sent back. Decoding
// rows into typed values is left to a caller-supplied codec; this layer's
// job ends at "the bytes that came back, unchanged" (section 8, scenario 1).
type Response struct {
	Header wire.Header
	Body   []byte
}

// nonRetryableError marks an attempt outcome that must not be retried
// against another host: a Rethrow retry decision, or a server/client error
// no retry could fix (bad credentials, invalid request, an EXECUTE against
// a caller-supplied prepared id the server has forgotten).
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

type attemptResult struct {
	host *HostInfo
	resp *Response
	err  error
}

// Execute runs req to completion: one query plan, consumed lazily, with
// speculative additional attempts per the Speculative Execution Policy and
// a per-attempt retry loop driven by the Retry Policy (section 4.9's
// INIT -> PLAN_NEXT_HOST -> ACQUIRE_CONN -> SEND -> AWAIT -> DECIDE state
// machine).
func (s *Session) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(s.version); err != nil {
		return nil, err
	}

	var resp *Response
	var err error
	s.metrics.requestTimer.Time(func() {
		plan := s.policy.NewPlan(req.Keyspace, req.RoutingKey)
		resp, err = s.attemptWithSpeculation(ctx, req, plan)
	})
	return resp, err
}

// attemptWithSpeculation drains plan, launching one attempt immediately and
// further attempts at the delays the Speculative Execution Policy names,
// racing all outstanding attempts on a single result channel sized to the
// maximum number that could ever be in flight at once so no send can block.
// The first success wins; a nonRetryableError fails the whole request
// immediately; any other error just means that host is out of the running
// and the plan is asked for its next candidate.
func (s *Session) attemptWithSpeculation(ctx context.Context, req *Request, plan Plan) (*Response, error) {
	delays := s.specPolicy.Delays()
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan attemptResult, 1+len(delays))
	errs := make(map[string]error)
	launched := 0
	exhausted := false

	launch := func() bool {
		if exhausted {
			return false
		}
		host, ok := plan.Next()
		if !ok {
			exhausted = true
			return false
		}
		launched++
		go func() {
			resp, err := s.attemptOnHost(attemptCtx, host, req)
			resultCh <- attemptResult{host: host, resp: resp, err: err}
		}()
		return true
	}

	if !launch() {
		return nil, &NoHostAvailableError{Errors: errs}
	}

	delayIdx := 0
	var timer *time.Timer
	var timerCh <-chan time.Time
	if delayIdx < len(delays) {
		timer = time.NewTimer(delays[delayIdx])
		timerCh = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case res := <-resultCh:
			launched--
			if res.err == nil {
				cancel()
				return res.resp, nil
			}
			if fatal, ok := res.err.(*nonRetryableError); ok {
				cancel()
				return nil, fatal.err
			}
			errs[res.host.Endpoint] = res.err
			launch() // a failed attempt immediately frees a slot for the plan's next host
			if launched == 0 && exhausted {
				return nil, &NoHostAvailableError{Errors: errs}
			}

		case <-timerCh:
			if s.metrics != nil {
				s.metrics.speculative.Inc(1)
			}
			delayIdx++
			launch()
			if delayIdx < len(delays) {
				timer = time.NewTimer(delays[delayIdx])
				timerCh = timer.C
			} else {
				timerCh = nil
			}
			if launched == 0 && exhausted {
				return nil, &NoHostAvailableError{Errors: errs}
			}

		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// attemptOnHost runs req against one host end to end, including same-host
// retries the Retry Policy grants (consistency downgrades, batchlog
// replays) and the UNPREPARED auto-reprepare-and-resend path, which never
// consumes a retry attempt (section 4.9). It returns a *nonRetryableError
// for any outcome attemptWithSpeculation must not paper over by trying
// another host.
func (s *Session) attemptOnHost(ctx context.Context, host *HostInfo, req *Request) (*Response, error) {
	pool, err := s.poolFor(host.Endpoint)
	if err != nil {
		return nil, &TransportError{Endpoint: host.Endpoint, Err: err}
	}

	consistency := req.Consistency
	retryCount := 0
	reprepared := false

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		conn, err := pool.Acquire()
		if err != nil {
			return nil, &TransportError{Endpoint: host.Endpoint, Err: err}
		}

		var preparedID []byte
		switch {
		case req.PreparedID != nil:
			preparedID = req.PreparedID
		case req.UsePrepared:
			if id, ok := s.getPreparedID(req.Keyspace, req.Query); ok {
				preparedID = id
			} else {
				id, perr := s.prepareOn(conn, req)
				if perr != nil {
					return nil, perr
				}
				preparedID = id
			}
		}

		wreq := s.buildWireRequest(req, consistency, preparedID)
		resp, sendErr := conn.SendWithDeadline(wreq, deadlineFor(req, s.cfg))
		if sendErr != nil {
			decision := s.retryPolicy.OnConnectionError(RetryContext{
				Consistency: int(consistency),
				RetryCount:  retryCount,
				Idempotent:  req.Idempotent,
			})
			if decision.Kind == RetrySameHost {
				retryCount++
				s.metrics.retries.Inc(1)
				continue
			}
			if decision.Kind == Rethrow {
				return nil, &nonRetryableError{err: sendErr}
			}
			return nil, sendErr // RetryNextHost, Ignore: let the plan move on
		}

		if resp.header.Opcode != wire.OpError {
			if resp.header.Opcode == wire.OpResult && isSchemaChangeResult(resp.body) {
				go func() {
					<-s.control.RefreshNow()
					_ = s.control.AwaitSchemaAgreement(s.cfg.SchemaAgreementTimeout)
				}()
			}
			return &Response{Header: resp.header, Body: resp.body}, nil
		}

		body, perr := wire.ParseErrorBody(resp.body)
		if perr != nil {
			return nil, perr
		}

		if body.Code == wire.ErrUnprepared {
			if req.PreparedID != nil || !req.UsePrepared || reprepared {
				return nil, &nonRetryableError{err: classifyServerError(body)}
			}
			reprepared = true
			s.invalidatePreparedID(req.Keyspace, req.Query)
			continue // not a retry attempt: resend once the id is fresh
		}

		decision, classified := s.decide(body, retryCount, consistency, req)
		if decision.Kind == RetrySameHost {
			retryCount++
			s.metrics.retries.Inc(1)
			if decision.Consistency >= 0 {
				consistency = wire.Consistency(decision.Consistency)
			}
			continue
		}
		if decision.Kind == Rethrow {
			return nil, &nonRetryableError{err: classified}
		}
		return nil, classified // RetryNextHost, Ignore
	}
}

// decide dispatches a parsed ERROR body to the right RetryPolicy method and
// returns both its decision and the classified error the decision was made
// about, so a caller needing the error (Rethrow, or propagating upward for
// the next host) never has to reclassify it. Codes the retry policy can
// never fix (bad credentials, syntax/invalid/unauthorized/config errors)
// are rethrown directly without ever reaching the policy: section 7
// requires these surfaced immediately, not routed to another host.
func (s *Session) decide(body wire.ErrorBody, retryCount int, consistency wire.Consistency, req *Request) (RetryDecision, error) {
	classified := classifyServerError(body)

	switch classified.(type) {
	case *AuthenticationError, *InvalidRequestError:
		return RetryDecision{Kind: Rethrow, Consistency: -1}, classified
	}

	rctx := RetryContext{
		Consistency: int(consistency),
		RetryCount:  retryCount,
		Idempotent:  req.Idempotent,
	}

	switch body.Code {
	case wire.ErrReadTimeout, wire.ErrReadFailure:
		rctx.ReceivedCount = int(body.Received)
		rctx.RequiredCount = int(body.BlockFor)
		rctx.DataRetrieved = body.DataPresent
		return s.retryPolicy.OnReadTimeout(rctx), classified
	case wire.ErrWriteTimeout, wire.ErrWriteFailure:
		rctx.ReceivedCount = int(body.Received)
		rctx.RequiredCount = int(body.BlockFor)
		rctx.WriteType = WriteType(body.WriteType)
		return s.retryPolicy.OnWriteTimeout(rctx), classified
	case wire.ErrUnavailable:
		rctx.ReceivedCount = int(body.AliveReplicas)
		rctx.RequiredCount = int(body.RequiredReplicas)
		return s.retryPolicy.OnUnavailable(rctx), classified
	default:
		return s.retryPolicy.OnOtherError(rctx), classified
	}
}

// buildWireRequest renders req as either an EXECUTE (when preparedID is
// non-nil) or a plain QUERY, at the consistency level this attempt is
// currently using (which a same-host retry may have downgraded).
func (s *Session) buildWireRequest(req *Request, consistency wire.Consistency, preparedID []byte) wire.Request {
	params := req.params()
	params.Consistency = consistency
	if preparedID != nil {
		return &wire.ExecuteRequest{PreparedID: preparedID, Params: params}
	}
	return &wire.QueryRequest{Query: req.Query, Params: params}
}

// prepareOn issues a PREPARE for req.Query over conn and caches the
// resulting id, following the reference driver's prepare-and-cache idiom
// (stmtsLRU) this package's prepared-statement cache is grounded on.
func (s *Session) prepareOn(conn *Conn, req *Request) ([]byte, error) {
	resp, err := conn.Send(&wire.PrepareRequest{Query: req.Query})
	if err != nil {
		return nil, err
	}
	if resp.header.Opcode == wire.OpError {
		body, perr := wire.ParseErrorBody(resp.body)
		if perr != nil {
			return nil, perr
		}
		return nil, classifyServerError(body)
	}
	pr, err := wire.ParsePreparedResult(resp.body)
	if err != nil {
		return nil, err
	}
	s.cachePreparedID(req.Keyspace, req.Query, pr.ID)
	return pr.ID, nil
}

func deadlineFor(req *Request, cfg *config.ClusterConfig) time.Time {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = cfg.RequestTimeout
	}
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// isSchemaChangeResult reports whether body is a RESULT frame of
// kind=SchemaChange, without decoding the rest of it: only the leading
// 4-byte kind field is needed to decide whether to await schema agreement.
func isSchemaChangeResult(body []byte) bool {
	if len(body) < 4 {
		return false
	}
	kind := wire.ResultKind(binary.BigEndian.Uint32(body[:4]))
	return kind == wire.ResultSchemaChange
}
