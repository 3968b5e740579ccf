package api

// Change type discriminators.
const (
	// ChangeTypeStandard marks a plain change carrying client content.
	ChangeTypeStandard = "standard"
	// ChangeTypeTwoPC marks a 2PC wrapper recording an accept or abort outcome.
	ChangeTypeTwoPC = "two_pc"
)

// 2PC wrapper statuses.
const (
	TwoPCStatusAccepted = "accepted"
	TwoPCStatusAborted  = "aborted"
)

// Change result statuses.
const (
	StatusSuccess  = "success"
	StatusConflict = "conflict"
	StatusTimeout  = "timeout"
	StatusRejected = "rejected"
	StatusAborted  = "aborted"
)

// Commit protocol selectors accepted by POST /v1/change.
const (
	ProtocolGPAC  = "gpac"
	ProtocolTwoPC = "two_pc"
)

// ChangePeerset names a peerset touched by a change together with the entry
// id the change expects to find at that peerset's head.
type ChangePeerset struct {
	// PeersetID identifies the peerset.
	PeersetID string `json:"peerset_id"`
	// ParentID is the expected head entry id; empty selects the initial entry.
	ParentID string `json:"parent_id,omitempty"`
}

// Change is the wire form of every change variant. Type selects which of the
// optional fields are meaningful.
type Change struct {
	// Type is either "standard" or "two_pc".
	Type string `json:"type"`
	// ID identifies the change; generated by the server when omitted.
	ID string `json:"id,omitempty"`
	// Content carries the opaque client payload of a standard change.
	Content string `json:"content,omitempty"`
	// Peersets lists every peerset the change touches with its expected parent.
	Peersets []ChangePeerset `json:"peersets"`
	// NotificationURL receives the final change result when set.
	NotificationURL string `json:"notification_url,omitempty"`
	// Status is the 2PC outcome recorded by a two_pc change.
	Status string `json:"status,omitempty"`
	// Inner is the wrapped standard change of a two_pc change.
	Inner *Change `json:"inner,omitempty"`
	// LeaderPeerset names the 2PC leader peerset of a two_pc change.
	LeaderPeerset string `json:"leader_peerset,omitempty"`
}

// SubmitChangeRequest models the JSON payload for POST /v1/change.
type SubmitChangeRequest struct {
	// Change is the change to commit.
	Change Change `json:"change"`
	// Protocol selects gpac or two_pc for multi-peerset changes. Empty uses the server default.
	Protocol string `json:"protocol,omitempty"`
}

// ChangeResult reports the terminal outcome of a change.
type ChangeResult struct {
	// ChangeID identifies the change.
	ChangeID string `json:"change_id"`
	// Status is one of success, conflict, timeout, rejected or aborted.
	Status string `json:"status"`
	// DetailedMessage explains non-success outcomes.
	DetailedMessage string `json:"detailed_message,omitempty"`
	// EntryID is the appended entry on success or the blocking entry on conflict.
	EntryID string `json:"entry_id,omitempty"`
	// CurrentConsensusLeader names the local consensus leader when the request was redirected.
	CurrentConsensusLeader string `json:"current_consensus_leader,omitempty"`
}

// ChangeStatusResponse answers GET /v1/change/{changeId}.
type ChangeStatusResponse struct {
	// ChangeID identifies the change.
	ChangeID string `json:"change_id"`
	// Pending reports that the change is still in flight on this node.
	Pending bool `json:"pending"`
	// Result is the terminal outcome once known.
	Result *ChangeResult `json:"result,omitempty"`
}

// ProposeChangeRequest forwards a change to the local consensus leader of a peerset.
type ProposeChangeRequest struct {
	// PeersetID identifies the peerset whose history receives the change.
	PeersetID string `json:"peerset_id"`
	// Change is the change to append.
	Change Change `json:"change"`
}

// HistoryHeadResponse reports the current head entry of a peerset history.
type HistoryHeadResponse struct {
	// PeersetID identifies the peerset.
	PeersetID string `json:"peerset_id"`
	// EntryID is the current head entry id.
	EntryID string `json:"entry_id"`
}

// HistoryEntry is one hash-linked history record.
type HistoryEntry struct {
	// ID is the content hash of the entry.
	ID string `json:"id"`
	// ParentID is the id of the preceding entry; empty for the initial entry.
	ParentID string `json:"parent_id,omitempty"`
	// Content is the serialized change carried by the entry.
	Content string `json:"content,omitempty"`
}

// HistoryResponse answers GET /v1/history with entries ordered head first.
type HistoryResponse struct {
	// PeersetID identifies the peerset.
	PeersetID string `json:"peerset_id"`
	// Head is the current head entry id.
	Head string `json:"head"`
	// Entries lists entries from the head towards the initial entry.
	Entries []HistoryEntry `json:"entries"`
}

// TransactionBlockedResponse reports which transaction, if any, holds a peerset's lock.
type TransactionBlockedResponse struct {
	// PeersetID identifies the peerset.
	PeersetID string `json:"peerset_id"`
	// Blocked reports whether a transaction holds the lock.
	Blocked bool `json:"blocked"`
	// Protocol is the holder's commit protocol.
	Protocol string `json:"protocol,omitempty"`
	// ChangeID is the holder's change id.
	ChangeID string `json:"change_id,omitempty"`
}

// HealthResponse answers GET /healthz.
type HealthResponse struct {
	// Status is "ok" while the node serves requests.
	Status string `json:"status"`
	// PeerID identifies the answering node.
	PeerID string `json:"peer_id"`
}

// ErrorResponse is the JSON body returned for every non-2xx response.
type ErrorResponse struct {
	// ErrorCode is the stable peersetd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// CurrentConsensusLeader names the peer to retry against when applicable.
	CurrentConsensusLeader string `json:"current_consensus_leader,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
	// Ballot carries the participant's promised ballot on ballot rejections.
	Ballot *Ballot `json:"ballot,omitempty"`
	// EntryID points at the blocking entry on conflicts.
	EntryID string `json:"entry_id,omitempty"`
}
