// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package event implements C2: event identity, parents, hashing and
// wire (de)serialization, per spec.md §3 and §6.
package event

import (
	"time"

	"github.com/hashgraph/hedera-platform-sub002/common"
)

// Transaction is an opaque application payload, optionally flagged as a
// system transaction (e.g. a signed-state signature or freeze marker —
// see signedstate and pipeline).
type Transaction struct {
	System bool
	Data   []byte
}

// Event is one node's contribution to the hashgraph. Fields below the
// divider are filled in only by the consensus engine and must never be
// set by any other package (spec.md §3 invariant: once consensus=true,
// none of these may change).
type Event struct {
	Creator         common.NodeID
	Seq             uint64
	SelfParent      common.Hash
	OtherParent     common.Hash
	SelfParentSeq   uint64 // -1 (represented as ^uint64(0)) when SelfParent is absent
	CreatedAt       time.Time
	Transactions    []Transaction
	Signature       []byte

	// ---- consensus-derived fields ----
	Generation         uint64
	RoundCreated        uint64
	Witness             bool
	FameDecided         bool
	Famous              bool
	Consensus           bool
	RoundReceived       uint64
	ConsensusOrder      uint64
	ConsensusTimestamp  time.Time
	RunningHash         common.Hash

	hash common.Hash // memoized; see Hash()
}

// NoSelfParentSeq marks SelfParentSeq absent.
const NoSelfParentSeq = ^uint64(0)

// HasSelfParent reports whether e has a self-parent (false only at a
// creator's genesis event).
func (e *Event) HasSelfParent() bool { return !e.SelfParent.IsZero() }

// HasOtherParent reports whether e has an other-parent (false only at
// the very first event in the whole hashgraph).
func (e *Event) HasOtherParent() bool { return !e.OtherParent.IsZero() }
