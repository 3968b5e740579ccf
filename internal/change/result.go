package change

import (
	"context"
	"errors"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
)

// Status is the terminal outcome of a change.
type Status string

const (
	StatusSuccess  Status = api.StatusSuccess
	StatusConflict Status = api.StatusConflict
	StatusTimeout  Status = api.StatusTimeout
	StatusRejected Status = api.StatusRejected
	StatusAborted  Status = api.StatusAborted
)

// Result is the outcome delivered to the caller of a change.
type Result struct {
	ChangeID string
	Status   Status
	Detail   string
	// EntryID is the appended entry on success and the blocking entry on conflict.
	EntryID string
	// Leader names the current local consensus leader when known.
	Leader string
}

// Success builds a success result.
func Success(changeID, entryID string) Result {
	return Result{ChangeID: changeID, Status: StatusSuccess, EntryID: entryID}
}

// Conflict builds a conflict result pointing at the blocking entry.
func Conflict(changeID, blocking, detail string) Result {
	return Result{ChangeID: changeID, Status: StatusConflict, EntryID: blocking, Detail: detail}
}

// Timeout builds a timeout result.
func Timeout(changeID, detail string) Result {
	return Result{ChangeID: changeID, Status: StatusTimeout, Detail: detail}
}

// Aborted builds an aborted result.
func Aborted(changeID, detail string) Result {
	return Result{ChangeID: changeID, Status: StatusAborted, Detail: detail}
}

// Rejected builds a rejected result.
func Rejected(changeID, detail string) Result {
	return Result{ChangeID: changeID, Status: StatusRejected, Detail: detail}
}

// OK reports whether r is a success.
func (r Result) OK() bool {
	return r.Status == StatusSuccess
}

// Terminal reports whether r is a known outcome.
func (r Result) Terminal() bool {
	switch r.Status {
	case StatusSuccess, StatusConflict, StatusTimeout, StatusRejected, StatusAborted:
		return true
	}
	return false
}

// ToAPI renders r in its wire form.
func (r Result) ToAPI() api.ChangeResult {
	return api.ChangeResult{
		ChangeID:               r.ChangeID,
		Status:                 string(r.Status),
		DetailedMessage:        r.Detail,
		EntryID:                r.EntryID,
		CurrentConsensusLeader: r.Leader,
	}
}

// ResultFromAPI converts a wire result.
func ResultFromAPI(in api.ChangeResult) Result {
	return Result{
		ChangeID: in.ChangeID,
		Status:   Status(in.Status),
		Detail:   in.DetailedMessage,
		EntryID:  in.EntryID,
		Leader:   in.CurrentConsensusLeader,
	}
}

// ResultFromError classifies a protocol error into a terminal result. Client
// input errors are returned unchanged in err.
func ResultFromError(changeID string, cause error) (Result, error) {
	if conflict, ok := history.IsConflict(cause); ok {
		return Conflict(changeID, conflict.Head, conflict.Error()), nil
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return Timeout(changeID, cause.Error()), nil
	}
	f, ok := failure.As(cause)
	if !ok {
		return Result{}, cause
	}
	switch f.Code {
	case failure.CodeConflict:
		return Result{ChangeID: changeID, Status: StatusConflict, EntryID: f.EntryID, Detail: f.Detail, Leader: f.Leader}, nil
	case failure.CodeTimeout, failure.CodeAlreadyLocked, failure.CodeUnavailable:
		return Result{ChangeID: changeID, Status: StatusTimeout, Detail: f.Error(), Leader: f.Leader}, nil
	case failure.CodeRejected, failure.CodeNotElectingYou, failure.CodeNotValidLeader:
		return Result{ChangeID: changeID, Status: StatusRejected, Detail: f.Error(), Leader: f.Leader}, nil
	case failure.CodeAborted:
		return Result{ChangeID: changeID, Status: StatusAborted, Detail: f.Detail, Leader: f.Leader}, nil
	default:
		return Result{}, cause
	}
}
