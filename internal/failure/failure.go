// Package failure defines the transport-neutral error taxonomy shared by the
// commit protocols, the HTTP adapter and the peer client.
package failure

import (
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/peersetd/api"
)

// Stable error codes.
const (
	CodeConflict         = "conflict"
	CodeTimeout          = "timeout"
	CodeRejected         = "rejected"
	CodeAborted          = "aborted"
	CodeAlreadyLocked    = "already_locked"
	CodeNotLocked        = "not_locked"
	CodeNotElectingYou   = "not_electing_you"
	CodeNotValidLeader   = "not_valid_leader"
	CodeNotLeader        = "not_leader"
	CodeUnknownPeerset   = "unknown_peerset"
	CodeUnknownChange    = "unknown_change"
	CodeMissingParameter = "missing_parameter"
	CodeInvalidBody      = "invalid_body"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal_error"
)

// Failure captures protocol error details that adapters map to HTTP status
// codes and JSON error bodies.
type Failure struct {
	Code       string
	Detail     string
	HTTPStatus int
	RetryAfter int64 // seconds
	Leader     string
	EntryID    string
	Ballot     *api.Ballot
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Status returns the HTTP status for f, falling back to the code's default.
func (f Failure) Status() int {
	if f.HTTPStatus != 0 {
		return f.HTTPStatus
	}
	switch f.Code {
	case CodeConflict, CodeAlreadyLocked, CodeNotElectingYou, CodeNotValidLeader, CodeAborted, CodeRejected:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeNotLeader:
		return http.StatusMisdirectedRequest
	case CodeUnknownPeerset, CodeUnknownChange:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// New builds a Failure with a formatted detail.
func New(code, format string, args ...any) Failure {
	return Failure{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// MissingParameter reports an absent client input.
func MissingParameter(name string) Failure {
	return Failure{Code: CodeMissingParameter, Detail: name + " is required"}
}

// UnknownPeerset reports a peerset that is not part of the topology.
func UnknownPeerset(id string) Failure {
	return Failure{Code: CodeUnknownPeerset, Detail: fmt.Sprintf("peerset %q is not known", id)}
}

// As extracts a Failure from err.
func As(err error) (Failure, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f, true
	}
	return Failure{}, false
}

// Is reports whether err carries a Failure with the supplied code.
func Is(err error, code string) bool {
	f, ok := As(err)
	return ok && f.Code == code
}

// Retryable reports whether a caller may retry the operation that produced err.
// Client input errors are terminal; everything else is treated as transient.
func Retryable(err error) bool {
	f, ok := As(err)
	if !ok {
		return err != nil
	}
	switch f.Code {
	case CodeUnknownPeerset, CodeMissingParameter, CodeInvalidBody, CodeUnknownChange:
		return false
	}
	return true
}

// ToResponse renders f as the JSON error body.
func (f Failure) ToResponse() api.ErrorResponse {
	return api.ErrorResponse{
		ErrorCode:              f.Code,
		Detail:                 f.Detail,
		CurrentConsensusLeader: f.Leader,
		RetryAfterSeconds:      f.RetryAfter,
		Ballot:                 f.Ballot,
		EntryID:                f.EntryID,
	}
}

// FromResponse rebuilds a Failure from a decoded error body.
func FromResponse(status int, resp api.ErrorResponse) Failure {
	code := resp.ErrorCode
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	return Failure{
		Code:       code,
		Detail:     resp.Detail,
		HTTPStatus: status,
		RetryAfter: resp.RetryAfterSeconds,
		Leader:     resp.CurrentConsensusLeader,
		EntryID:    resp.EntryID,
		Ballot:     resp.Ballot,
	}
}
