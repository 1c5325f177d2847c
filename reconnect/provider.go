// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package reconnect

import "github.com/hashgraph/hedera-platform-sub002/common"

// SignedStateProvider adapts a signed state's event list into the flat
// leaf set Send streams: one leaf per consensus event the round
// committed to, keyed by the event's own hash. The application-level
// StateRoot a signed state separately carries (the Merkle root of the
// application's own state tree, opaque to this platform) is not the
// wire commitment this protocol verifies — this platform does not walk
// into that tree node-by-node, only the flat event set a round decided
// on — so Root() is the commitment over Events itself.
type SignedStateProvider struct {
	StateRoot common.Hash
	Events    []common.Hash
}

func (p SignedStateProvider) Root() common.Hash { return CommitmentRoot(p.Events) }

func (p SignedStateProvider) Nodes() []Node {
	nodes := make([]Node, len(p.Events))
	for i, h := range p.Events {
		nodes[i] = Node{Hash: h, Payload: h.Bytes()}
	}
	return nodes
}

var _ Provider = SignedStateProvider{}
