// Package peersetd exposes the Go APIs behind a node that commits changes
// atomically across several independently replicated histories ("peersets").
//
// Every peerset owns a hash-linked history: each entry records its parent's
// id, and a change only lands when its expected parent is still the head. A
// change that touches more than one peerset is committed by GPAC, a
// Paxos-style atomic commit with ballots and participant-driven recovery, or
// by classic two-phase commit. Changes touching a single peerset go straight
// to that peerset's local consensus.
//
// # Running a node
//
//	cfg := peersetd.Config{
//	    SelfID:       "peer0",
//	    Listen:       ":9450",
//	    TopologyFile: "/etc/peersetd/topology.yaml",
//	    Consensus:    peersetd.ConsensusRaft,
//	    HistoryStore: peersetd.HistoryBolt,
//	    DataDir:      "/var/lib/peersetd",
//	}
//	srv, err := peersetd.NewServer(cfg, peersetd.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("peersetd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// The topology file lists every peer with its HTTP address (and raft address
// when Consensus is raft) and every peerset with its members. It is watched;
// address changes are applied live, membership changes require a restart.
// Peersets with more than one member need Consensus raft; direct keeps an
// unreplicated history and is limited to single-member peersets.
//
//	peers:
//	  - id: peer0
//	    address: 10.0.0.10:9450
//	    raft_address: 10.0.0.10:9550
//	  - id: peer1
//	    address: 10.0.0.11:9450
//	    raft_address: 10.0.0.11:9550
//	peersets:
//	  - id: accounts
//	    peers: [peer0, peer1]
//	  - id: ledger
//	    peers: [peer1]
//
// A node hosting several raft peersets binds one raft port per peerset: the
// peer's raft_address port plus the peerset's position in the topology.
//
// # Talking to a node
//
// Use pkt.systems/peersetd/client. Any node accepts any change and forwards
// it to a member node when needed.
//
// # Observability
//
// Logging goes through pkt.systems/pslog. Setting MetricsListen serves
// Prometheus metrics (protocol counters, history sizes) and OTLPEndpoint
// exports OpenTelemetry traces for every request and peer RPC.
package peersetd
