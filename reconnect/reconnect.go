// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package reconnect implements C8: the STATE_REQ/STATE_ACK/STATE_NACK
// state-transfer protocol a fallen-behind node uses to catch up from a
// healthy peer's signed state, spec.md §4.3's closing paragraph.
// Grounded in the teacher's eth/downloader skeleton-chain fetch (pull a
// trusted checkpoint, then pipeline-verify the pieces that hang off it)
// generalized from "chain of headers" to "flat set of state-tree nodes".
package reconnect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/wire"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/platform/errs"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// ErrBusy is returned to a receiver whose STATE_REQ was answered
// STATE_NACK (the sender is already serving another peer).
var ErrBusy = errors.New("reconnect: sender busy")

// ErrHashMismatch means the reconstructed state's commitment hash does
// not match the root the sender advertised.
var ErrHashMismatch = errors.New("reconnect: state hash mismatch after transfer")

// Node is one leaf of the state tree this protocol transfers. The
// platform's "application state" is opaque to this package: whatever it
// is, it is represented here as a flat set of (hash, payload) pairs
// whose hashes the root commits to. A real Merkle tree with internal
// nodes is not needed at this spec's scope — every signed state already
// names its full leaf set (SignedState.Events) — so Node models a leaf
// directly rather than adding an unused internal-node layer.
type Node struct {
	Hash    common.Hash
	Payload []byte
}

// Provider is the sender side's view of a transferable state: a root
// commitment and the full ordered leaf set it commits to. Root must
// equal CommitmentRoot over the hashes of Nodes(), in the same order —
// Receive recomputes it independently and rejects a mismatch.
type Provider interface {
	Root() common.Hash
	Nodes() []Node
}

// CommitmentRoot hashes an ordered leaf-hash list into a single root,
// the same commitment function both Provider implementations and the
// receiver's verification step must agree on.
func CommitmentRoot(hashes []common.Hash) common.Hash {
	buf := new(bytes.Buffer)
	for _, hh := range hashes {
		buf.Write(hh[:])
	}
	return platformcrypto.Hash(buf.Bytes())
}

// Send runs the sender side of one reconnect round: read STATE_REQ,
// reply ACK/NACK, and on ACK stream provider's leaves, skipping any the
// receiver already reports having. busy should reflect whether this
// node is already serving a different reconnecting peer (spec.md §4.3:
// "busy / currently reconnecting another peer").
func Send(conn io.ReadWriter, busy bool, provider Provider, log xlog.Logger) error {
	op, err := wire.ReadOpcode(conn)
	if err != nil {
		return errs.Transient(fmt.Errorf("reconnect: read STATE_REQ: %w", err))
	}
	if op != wire.OpStateReq {
		return errs.Protocol(fmt.Errorf("reconnect: expected STATE_REQ, got %s", op))
	}
	return RespondToRequest(conn, busy, provider, log)
}

// RespondToRequest runs Send's body for a caller that has already read
// the STATE_REQ opcode off a shared, opcode-multiplexed socket (e.g.
// gossip.Manager.Dispatch, which must read the opcode itself before it
// knows which handler to hand the frame to).
func RespondToRequest(conn io.ReadWriter, busy bool, provider Provider, log xlog.Logger) error {
	if busy {
		return wire.WriteOpcode(conn, wire.OpStateNack)
	}
	if err := wire.WriteOpcode(conn, wire.OpStateAck); err != nil {
		return errs.Transient(err)
	}

	root := provider.Root()
	if err := wire.WriteBlob(conn, root.Bytes()); err != nil {
		return errs.Transient(err)
	}
	nodes := provider.Nodes()
	if err := wire.WriteUint32(conn, uint32(len(nodes))); err != nil {
		return errs.Transient(err)
	}

	sent := 0
	for _, n := range nodes {
		if err := wire.WriteBlob(conn, n.Hash.Bytes()); err != nil {
			return errs.Transient(err)
		}
		reply, err := wire.ReadOpcode(conn)
		if err != nil {
			return errs.Transient(err)
		}
		switch reply {
		case wire.OpStateAck: // receiver already has a matching node, nothing to send
		case wire.OpStateNack:
			if err := wire.WriteBlob(conn, n.Payload); err != nil {
				return errs.Transient(err)
			}
			sent++
		default:
			return errs.Protocol(fmt.Errorf("reconnect: unexpected per-node reply %s", reply))
		}
	}
	if log != nil {
		log.Info("served reconnect state", "nodes", len(nodes), "sent", sent)
	}
	return nil
}

// Result is what a successful Receive reconstructs.
type Result struct {
	Root  common.Hash
	Nodes []Node
}

// Receive runs the receiver (laggard) side of one reconnect round:
// request state, accept or bail on NACK, then for every leaf the sender
// announces either claim it locally (already-known hashes skip the
// transfer) or accept the streamed payload. haveLocally reports whether
// this node already holds a node with the given hash (from its own
// last-retained signed state), letting the transfer skip anything
// unchanged since the round this node last had.
func Receive(ctx context.Context, conn io.ReadWriter, haveLocally func(common.Hash) ([]byte, bool)) (*Result, error) {
	if err := wire.WriteOpcode(conn, wire.OpStateReq); err != nil {
		return nil, errs.Transient(err)
	}

	op, err := wire.ReadOpcode(conn)
	if err != nil {
		return nil, errs.Transient(err)
	}
	switch op {
	case wire.OpStateNack:
		return nil, ErrBusy
	case wire.OpStateAck:
		// proceed
	default:
		return nil, errs.Protocol(fmt.Errorf("reconnect: unexpected reply to STATE_REQ: %s", op))
	}

	rootBytes, err := wire.ReadBlob(conn)
	if err != nil {
		return nil, errs.Transient(err)
	}
	root := common.BytesToHash(rootBytes)

	count, err := wire.ReadUint32(conn)
	if err != nil {
		return nil, errs.Transient(err)
	}

	nodes := make([]Node, 0, count)
	hashes := make([]common.Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		hb, err := wire.ReadBlob(conn)
		if err != nil {
			return nil, errs.Transient(err)
		}
		h := common.BytesToHash(hb)
		hashes = append(hashes, h)

		if payload, ok := haveLocally(h); ok {
			if err := wire.WriteOpcode(conn, wire.OpStateAck); err != nil {
				return nil, errs.Transient(err)
			}
			nodes = append(nodes, Node{Hash: h, Payload: payload})
			continue
		}
		if err := wire.WriteOpcode(conn, wire.OpStateNack); err != nil {
			return nil, errs.Transient(err)
		}
		payload, err := wire.ReadBlob(conn)
		if err != nil {
			return nil, errs.Transient(err)
		}
		nodes = append(nodes, Node{Hash: h, Payload: payload})
	}

	if got := CommitmentRoot(hashes); got != root {
		return nil, errs.Protocol(ErrHashMismatch)
	}
	return &Result{Root: root, Nodes: nodes}, nil
}

// SignAndAck produces this node's own signature over the reconstructed
// root, completing spec.md §4.3's "(b) injects its own signature" step.
func SignAndAck(key *platformcrypto.PrivateKey, res *Result) ([]byte, error) {
	return key.Sign(res.Root)
}
