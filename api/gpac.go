package api

// GPAC decision values.
const (
	GPACCommit = "commit"
	GPACAbort  = "abort"
)

// Ballot orders competing GPAC coordinators. Ballots compare by Number and
// then by PeerID.
type Ballot struct {
	// Number is the monotonically increasing ballot counter.
	Number uint64 `json:"number"`
	// PeerID identifies the coordinator that issued the ballot.
	PeerID string `json:"peer_id,omitempty"`
}

// ElectMeRequest models POST /v1/gpac/elect.
type ElectMeRequest struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID selects the participant peerset on the receiving node.
	PeersetID string `json:"peerset_id"`
	// Ballot is the coordinator's ballot.
	Ballot Ballot `json:"ballot"`
	// Change is the full change so a participant can recover the transaction.
	Change Change `json:"change"`
}

// ElectedYouResponse is the promise returned by a participant.
type ElectedYouResponse struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID identifies the answering participant peerset.
	PeersetID string `json:"peerset_id"`
	// Ballot echoes the promised ballot.
	Ballot Ballot `json:"ballot"`
	// InitVal is the participant's own vote: commit when the change fits its head.
	InitVal string `json:"init_val"`
	// AcceptNum is the ballot of the last accepted value, if any.
	AcceptNum *Ballot `json:"accept_num,omitempty"`
	// AcceptVal is the last accepted value, if any.
	AcceptVal string `json:"accept_val,omitempty"`
	// Decided carries the final decision when the participant already applied one.
	Decided string `json:"decided,omitempty"`
}

// AgreeRequest models POST /v1/gpac/ft-agree.
type AgreeRequest struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID selects the participant peerset on the receiving node.
	PeersetID string `json:"peerset_id"`
	// Ballot is the coordinator's ballot.
	Ballot Ballot `json:"ballot"`
	// Value is the proposed decision.
	Value string `json:"value"`
	// Change is the full change.
	Change Change `json:"change"`
}

// AgreedResponse reports whether a participant accepted a proposed value.
type AgreedResponse struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID identifies the answering participant peerset.
	PeersetID string `json:"peerset_id"`
	// Ballot echoes the accepted ballot.
	Ballot Ballot `json:"ballot"`
	// Accepted reports that the value was recorded.
	Accepted bool `json:"accepted"`
}

// ApplyRequest models POST /v1/gpac/apply.
type ApplyRequest struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID selects the participant peerset on the receiving node.
	PeersetID string `json:"peerset_id"`
	// Ballot is the deciding coordinator's ballot.
	Ballot Ballot `json:"ballot"`
	// Decision is the final decision.
	Decision string `json:"decision"`
	// Change is the full change.
	Change Change `json:"change"`
}

// ApplyResponse acknowledges an applied decision.
type ApplyResponse struct {
	// ChangeID identifies the transaction.
	ChangeID string `json:"change_id"`
	// PeersetID identifies the answering participant peerset.
	PeersetID string `json:"peerset_id"`
	// Result is the local outcome of applying the decision.
	Result ChangeResult `json:"result"`
}
