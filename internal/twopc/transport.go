package twopc

import (
	"context"
	"net/url"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/peerclient"
)

// Transport delivers 2PC messages to a peer.
type Transport interface {
	Accept(ctx context.Context, peer string, req api.AcceptRequest) (api.AcceptResponse, error)
	Decision(ctx context.Context, peer string, req api.DecisionRequest) (api.DecisionResponse, error)
	Ask(ctx context.Context, peer, changeID string) (api.AskResponse, error)
}

// HTTPTransport sends 2PC messages through the peer client.
type HTTPTransport struct {
	Client *peerclient.Client
}

// Accept posts an accept request.
func (t HTTPTransport) Accept(ctx context.Context, peer string, req api.AcceptRequest) (api.AcceptResponse, error) {
	var out api.AcceptResponse
	err := t.Client.Post(ctx, peer, api.PathTwoPCAccept, req, &out)
	return out, err
}

// Decision posts a decision.
func (t HTTPTransport) Decision(ctx context.Context, peer string, req api.DecisionRequest) (api.DecisionResponse, error) {
	var out api.DecisionResponse
	err := t.Client.Post(ctx, peer, api.PathTwoPCDecision, req, &out)
	return out, err
}

// Ask queries the leader for a decision.
func (t HTTPTransport) Ask(ctx context.Context, peer, changeID string) (api.AskResponse, error) {
	var out api.AskResponse
	err := t.Client.Get(ctx, peer, api.PathTwoPCAsk+url.PathEscape(changeID), &out)
	return out, err
}

type localTransport struct {
	self   string
	node   *Protocol
	remote Transport
}

func (t localTransport) Accept(ctx context.Context, peer string, req api.AcceptRequest) (api.AcceptResponse, error) {
	if peer == t.self {
		return t.node.HandleAccept(ctx, req)
	}
	return t.remote.Accept(ctx, peer, req)
}

func (t localTransport) Decision(ctx context.Context, peer string, req api.DecisionRequest) (api.DecisionResponse, error) {
	if peer == t.self {
		return t.node.HandleDecision(ctx, req)
	}
	return t.remote.Decision(ctx, peer, req)
}

func (t localTransport) Ask(ctx context.Context, peer, changeID string) (api.AskResponse, error) {
	if peer == t.self {
		return t.node.HandleAsk(ctx, changeID)
	}
	return t.remote.Ask(ctx, peer, changeID)
}
