package api

// AcceptRequest models POST /v1/2pc/accept.
type AcceptRequest struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID selects the participant peerset on the receiving node.
	PeersetID string `json:"peerset_id"`
	// LeaderPeerID identifies the leader node participants ask for the decision.
	LeaderPeerID string `json:"leader_peer_id"`
	// Change is the two_pc change in accepted state.
	Change Change `json:"change"`
}

// AcceptResponse reports a participant's vote.
type AcceptResponse struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID identifies the answering participant peerset.
	PeersetID string `json:"peerset_id"`
	// Accepted reports that the participant recorded the accepted change.
	Accepted bool `json:"accepted"`
	// EntryID is the accepted entry on success or the blocking entry on refusal.
	EntryID string `json:"entry_id,omitempty"`
	// Detail explains a refusal.
	Detail string `json:"detail,omitempty"`
}

// DecisionRequest models POST /v1/2pc/decision.
type DecisionRequest struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID selects the participant peerset on the receiving node.
	PeersetID string `json:"peerset_id"`
	// Decision is "accepted" or "aborted".
	Decision string `json:"decision"`
	// Change is the two_pc change the decision refers to.
	Change Change `json:"change"`
}

// DecisionResponse acknowledges a decision.
type DecisionResponse struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID identifies the answering participant peerset.
	PeersetID string `json:"peerset_id"`
	// Result is the local outcome of applying the decision.
	Result ChangeResult `json:"result"`
}

// AskResponse answers GET /v1/2pc/ask/{changeId}.
type AskResponse struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// Decided reports whether the leader reached a decision.
	Decided bool `json:"decided"`
	// Decision is "accepted" or "aborted" once decided.
	Decision string `json:"decision,omitempty"`
	// Change is the two_pc change the decision refers to.
	Change *Change `json:"change,omitempty"`
}
