// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package hashgraph

import (
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
)

// vote is one witness's fame opinion of an earlier witness, cast during
// virtual voting (spec.md §4.1 step 5).
type vote struct {
	decided bool
	famous  bool
}

// Round is the bookkeeping for one round number: its witnesses (one per
// creator that produced a witness that round) and, for each, the fame
// vote state and final decision.
type Round struct {
	Number        uint64
	Witnesses     map[common.NodeID]*event.Event // creator -> witness event
	votes         map[common.NodeID]map[common.NodeID]vote // witness creator -> voter creator -> vote
	decided       map[common.NodeID]bool
	famous        map[common.NodeID]bool
	MinGeneration uint64
	fameDecided   bool
}

func newRound(number uint64) *Round {
	return &Round{
		Number:    number,
		Witnesses: make(map[common.NodeID]*event.Event),
		votes:     make(map[common.NodeID]map[common.NodeID]vote),
		decided:   make(map[common.NodeID]bool),
		famous:    make(map[common.NodeID]bool),
	}
}

// Decided reports whether every witness in this round has its fame
// decided (spec.md §3: "A round is decided when the fame of every one
// of its witnesses is decided").
func (r *Round) Decided() bool {
	if len(r.Witnesses) == 0 {
		return false
	}
	for creator := range r.Witnesses {
		if !r.decided[creator] {
			return false
		}
	}
	return true
}

// FamousWitnesses returns the witness events decided famous, in no
// particular order; callers that need determinism sort by creator id.
func (r *Round) FamousWitnesses() []*event.Event {
	out := make([]*event.Event, 0, len(r.famous))
	for creator, famous := range r.famous {
		if famous {
			out = append(out, r.Witnesses[creator])
		}
	}
	return out
}
