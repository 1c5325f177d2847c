// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package hashgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

type testNode struct {
	id  common.NodeID
	key *platformcrypto.PrivateKey
}

func newTestNetwork(t *testing.T, n int) ([]testNode, *addressbook.AddressBook) {
	t.Helper()
	nodes := make([]testNode, n)
	addrs := make([]addressbook.Address, n)
	for i := 0; i < n; i++ {
		key, err := platformcrypto.GenerateKey()
		require.NoError(t, err)
		nodes[i] = testNode{id: common.NodeID(i), key: key}
		addrs[i] = addressbook.Address{ID: common.NodeID(i), PubKey: key.PublicKey(), Stake: 1}
	}
	ab, err := addressbook.New(1, addrs)
	require.NoError(t, err)
	return nodes, ab
}

// mkEvent builds and signs an event for creator, chaining selfParent and
// otherParent, with seq taken from the creator's running counter.
func mkEvent(t *testing.T, nodes []testNode, seqs map[common.NodeID]uint64, lastHash map[common.NodeID]common.Hash, creator int, other int, ts time.Time) *event.Event {
	t.Helper()
	creatorID := nodes[creator].id
	seq := seqs[creatorID]
	e := &event.Event{
		Creator:   creatorID,
		Seq:       seq,
		CreatedAt: ts,
	}
	if seq > 0 {
		e.SelfParent = lastHash[creatorID]
	}
	if other >= 0 {
		e.OtherParent = lastHash[nodes[other].id]
	}
	require.NoError(t, e.Sign(nodes[creator].key))
	seqs[creatorID] = seq + 1
	lastHash[creatorID] = e.Hash()
	return e
}

// TestGenerationAndWitnessGenesis checks spec.md §3: a node's first
// event is always a round-1 witness with generation 1.
func TestGenerationAndWitnessGenesis(t *testing.T) {
	nodes, ab := newTestNetwork(t, 4)
	g := New(ab, nil, nil)

	seqs := map[common.NodeID]uint64{}
	lastHash := map[common.NodeID]common.Hash{}
	base := time.Unix(1700000000, 0).UTC()

	e0 := mkEvent(t, nodes, seqs, lastHash, 0, -1, base)
	_, err := g.AddEvent(e0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), e0.Generation)
	require.Equal(t, uint64(1), e0.RoundCreated)
	require.True(t, e0.Witness)
}

// TestSeqGapRejected checks spec.md §4.1 step 1 / §8 scenario 5: an
// event whose seq skips ahead of the creator's chain is rejected.
func TestSeqGapRejected(t *testing.T) {
	nodes, ab := newTestNetwork(t, 4)
	g := New(ab, nil, nil)

	e := &event.Event{Creator: nodes[0].id, Seq: 1, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.Sign(nodes[0].key))
	_, err := g.AddEvent(e)
	require.ErrorIs(t, err, ErrSeqGap)
}

// TestDuplicateAddIsNoop checks spec.md §8: re-adding an already-known
// event is a no-op, not an error.
func TestDuplicateAddIsNoop(t *testing.T) {
	nodes, ab := newTestNetwork(t, 4)
	g := New(ab, nil, nil)

	e := &event.Event{Creator: nodes[0].id, Seq: 0, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.Sign(nodes[0].key))
	_, err := g.AddEvent(e)
	require.NoError(t, err)

	out, err := g.AddEvent(e)
	require.NoError(t, err)
	require.Nil(t, out)
}

// TestUnknownCreatorRejected checks spec.md §4.1 step 1: events from a
// node absent from the address book are rejected.
func TestUnknownCreatorRejected(t *testing.T) {
	_, ab := newTestNetwork(t, 2)
	g := New(ab, nil, nil)

	stranger, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	e := &event.Event{Creator: common.NodeID(99), Seq: 0, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.Sign(stranger))
	_, err = g.AddEvent(e)
	require.ErrorIs(t, err, ErrUnknownCreator)
}

// TestFameAndConsensusOnFourNodeGraph builds a small fully-connected
// four-node gossip graph, deep enough that round 1's witnesses get their
// fame decided and the first events reach consensus (the genesis events
// receive round 2, the first round whose famous witnesses all descend
// from them), then checks that consensus order and timestamps are
// monotone.
func TestFameAndConsensusOnFourNodeGraph(t *testing.T) {
	nodes, ab := newTestNetwork(t, 4)
	g := New(ab, nil, nil)

	seqs := map[common.NodeID]uint64{}
	lastHash := map[common.NodeID]common.Hash{}
	base := time.Unix(1700000000, 0).UTC()

	var allConsensus []*event.Event
	add := func(creator, other int, tOffset int) *event.Event {
		e := mkEvent(t, nodes, seqs, lastHash, creator, other, base.Add(time.Duration(tOffset)*time.Second))
		out, err := g.AddEvent(e)
		require.NoError(t, err)
		allConsensus = append(allConsensus, out...)
		return e
	}

	// Round 1: every node creates a genesis witness.
	add(0, -1, 0)
	add(1, -1, 1)
	add(2, -1, 2)
	add(3, -1, 3)

	// Two gossip laps: each node syncs with the next. A round-2 witness
	// needs an event that strongly sees the round-1 witnesses of all 4
	// nodes (ExceedsSuperMajority with total stake 4 needs more than 3),
	// which this ring schedule does not reach within these two laps.
	add(0, 1, 4)
	add(1, 2, 5)
	add(2, 3, 6)
	add(3, 0, 7)

	add(0, 1, 8)
	add(1, 2, 9)
	add(2, 3, 10)
	add(3, 0, 11)

	require.GreaterOrEqual(t, g.MaxRound(), uint64(2))

	round1, ok := g.Round(1)
	require.True(t, ok)
	require.Len(t, round1.Witnesses, 4)

	// Keep ring-gossiping; each lap transitively folds every other
	// creator's chain into every node's ancestor set. Round 2 appears on
	// the second pass of this loop, round 1's fame is decided on the
	// seventh, and the first consensus events come out on the eleventh,
	// when round 2 is decided. Bounded generously since this is a
	// feasibility check, not a liveness proof.
	for i := 0; i < 16 && (!round1.Decided() || len(allConsensus) == 0); i++ {
		add(0, 1, 12+2*i)
		add(1, 2, 13+2*i)
		add(2, 3, 14+2*i)
		add(3, 0, 15+2*i)
	}

	require.True(t, round1.Decided(), "round 1 fame must be decided within this bounded, deterministic gossip schedule")
	require.GreaterOrEqual(t, g.MaxRound(), uint64(2))
	require.NotEmpty(t, allConsensus)

	for i := 1; i < len(allConsensus); i++ {
		require.LessOrEqual(t, allConsensus[i-1].ConsensusOrder, allConsensus[i].ConsensusOrder)
		require.False(t, allConsensus[i].ConsensusTimestamp.Before(allConsensus[i-1].ConsensusTimestamp))
	}
}

// TestAdvanceExpirationEmitsStaleOnce checks spec.md §8: an event that
// never reaches consensus before its generation ages out is reported
// stale exactly once, and never also reported as consensus.
func TestAdvanceExpirationEmitsStaleOnce(t *testing.T) {
	nodes, ab := newTestNetwork(t, 1)
	g := New(ab, nil, nil)

	e := &event.Event{Creator: nodes[0].id, Seq: 0, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.Sign(nodes[0].key))
	_, err := g.AddEvent(e)
	require.NoError(t, err)
	require.False(t, e.Consensus)

	stale := g.AdvanceExpiration(2)
	require.Len(t, stale, 1)
	require.Equal(t, e.Hash(), stale[0].Hash())
	require.False(t, g.Contains(e.Hash()))

	// A second advance past the same floor must not re-report it.
	more := g.AdvanceExpiration(2)
	require.Empty(t, more)
}
