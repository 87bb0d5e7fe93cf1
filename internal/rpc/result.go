package rpc

import (
	apperrors "execution_core/pkg/errors"
)

// Outcome is the closed set of ways a correlated call can end
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRemoteRejection
	// OutcomeTimedOut means the outcome is unknown: the venue may still have acted
	OutcomeTimedOut
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRemoteRejection:
		return "remote_rejection"
	case OutcomeTimedOut:
		return "timed_out"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Result is what a Call resolves to. Err is set for every outcome except
// success and maps onto the apperrors taxonomy.
type Result struct {
	Outcome     Outcome
	RequestID   string
	RequestType RequestType
	Response    *Response
	Err         error
}

// OK reports a successful remote reply
func (r *Result) OK() bool {
	return r != nil && r.Outcome == OutcomeSuccess
}

func resultFromResponse(pending *Pending, resp *Response) *Result {
	res := &Result{RequestID: resp.RequestID, RequestType: pending.RequestType, Response: resp}
	if resp.Success {
		res.Outcome = OutcomeSuccess
		return res
	}
	res.Outcome = OutcomeRemoteRejection
	msg := resp.Error
	if msg == "" {
		msg = "no reason given"
	}
	res.Err = &apperrors.RemoteRejectionError{RequestType: string(pending.RequestType), Message: msg}
	return res
}

func timedOutResult(pending *Pending) *Result {
	return &Result{
		Outcome:     OutcomeTimedOut,
		RequestID:   pending.RequestID,
		RequestType: pending.RequestType,
		Err:         &apperrors.TimeoutError{RequestType: string(pending.RequestType), RequestID: pending.RequestID},
	}
}

func transportFailure(id string, t RequestType, err error) *Result {
	return &Result{Outcome: OutcomeTransportFailure, RequestID: id, RequestType: t, Err: err}
}
