// Package client provides the Go SDK for talking to a peersetd node over HTTP.
//
// Every node accepts every change. A change names the peersets it touches
// together with the entry id it expects at each peerset's head; the node
// commits it atomically across those peersets with GPAC (the default) or 2PC,
// forwarding to a member node when it does not serve one of them itself.
//
// # Quick start
//
//	ctx := context.Background()
//	cli, err := client.New("http://peer0:9450")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	head, err := cli.Head(ctx, "ps1")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := cli.Submit(ctx, api.Change{
//	    Type:    api.ChangeTypeStandard,
//	    Content: "debit:42",
//	    Peersets: []api.ChangePeerset{
//	        {PeersetID: "ps1", ParentID: head},
//	        {PeersetID: "ps2"},
//	    },
//	}, api.ProtocolGPAC)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if res.Status != api.StatusSuccess {
//	    log.Printf("change %s: %s (%s)", res.ChangeID, res.Status, res.DetailedMessage)
//	}
//
// Submit blocks until the change reaches a terminal status. A non-success
// status such as conflict is a normal result, not an error; errors are
// reserved for transport failures and rejected requests, and the latter are
// returned as *APIError carrying the server's error code and retry hint.
//
// # Asynchronous submission
//
// SubmitAsync returns as soon as the node has accepted the change. Poll for
// the outcome with Result, which returns ErrPending while the change is in
// flight, or block with Wait:
//
//	id, err := cli.SubmitAsync(ctx, change, "")
//	...
//	res, err := cli.Wait(ctx, id)
//
// Results are kept by the node that accepted the submission, so Result and
// Wait must target the same node.
//
// # Correlation
//
// Requests carry an X-Correlation-Id header when the context holds one:
//
//	ctx = client.WithCorrelationID(ctx, client.GenerateCorrelationID())
//
// WithDefaultCorrelationID sets a fallback id for the whole client.
package client
