package gpac

import (
	"context"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/peerclient"
)

// Transport delivers GPAC messages to the participant of req.PeersetID on a
// peer. Rejections surface as failure.Failure values.
type Transport interface {
	Elect(ctx context.Context, peer string, req api.ElectMeRequest) (api.ElectedYouResponse, error)
	Agree(ctx context.Context, peer string, req api.AgreeRequest) (api.AgreedResponse, error)
	Apply(ctx context.Context, peer string, req api.ApplyRequest) (api.ApplyResponse, error)
}

// HTTPTransport sends GPAC messages through the peer client.
type HTTPTransport struct {
	Client *peerclient.Client
}

// Elect posts ElectMe.
func (t HTTPTransport) Elect(ctx context.Context, peer string, req api.ElectMeRequest) (api.ElectedYouResponse, error) {
	var out api.ElectedYouResponse
	err := t.Client.Post(ctx, peer, api.PathGPACElect, req, &out)
	return out, err
}

// Agree posts Agree.
func (t HTTPTransport) Agree(ctx context.Context, peer string, req api.AgreeRequest) (api.AgreedResponse, error) {
	var out api.AgreedResponse
	err := t.Client.Post(ctx, peer, api.PathGPACAgree, req, &out)
	return out, err
}

// Apply posts Apply.
func (t HTTPTransport) Apply(ctx context.Context, peer string, req api.ApplyRequest) (api.ApplyResponse, error) {
	var out api.ApplyResponse
	err := t.Client.Post(ctx, peer, api.PathGPACApply, req, &out)
	return out, err
}

// localTransport short-circuits messages addressed to this node.
type localTransport struct {
	self   string
	node   *Protocol
	remote Transport
}

func (t localTransport) Elect(ctx context.Context, peer string, req api.ElectMeRequest) (api.ElectedYouResponse, error) {
	if peer == t.self {
		return t.node.HandleElect(ctx, req)
	}
	return t.remote.Elect(ctx, peer, req)
}

func (t localTransport) Agree(ctx context.Context, peer string, req api.AgreeRequest) (api.AgreedResponse, error) {
	if peer == t.self {
		return t.node.HandleAgree(ctx, req)
	}
	return t.remote.Agree(ctx, peer, req)
}

func (t localTransport) Apply(ctx context.Context, peer string, req api.ApplyRequest) (api.ApplyResponse, error) {
	if peer == t.self {
		return t.node.HandleApply(ctx, req)
	}
	return t.remote.Apply(ctx, peer, req)
}
