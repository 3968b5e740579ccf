package api

// HTTP routes served by every peersetd node.
const (
	PathGPACElect       = "/v1/gpac/elect"
	PathGPACAgree       = "/v1/gpac/ft-agree"
	PathGPACApply       = "/v1/gpac/apply"
	PathTwoPCAccept     = "/v1/2pc/accept"
	PathTwoPCDecision   = "/v1/2pc/decision"
	PathTwoPCAsk        = "/v1/2pc/ask/"
	PathProposeChange   = "/v1/consensus/propose-change"
	PathChange          = "/v1/change"
	PathChangeStatus    = "/v1/change/"
	PathHistoryHead     = "/v1/history/head"
	PathHistoryEntry    = "/v1/history/entry"
	PathHistory         = "/v1/history"
	PathTransactionLock = "/v1/transaction/blocked"
	PathHealth          = "/healthz"
)
