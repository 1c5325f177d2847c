// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package signedstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

type testNode struct {
	id  common.NodeID
	key *platformcrypto.PrivateKey
}

func newTestBook(t *testing.T, n int) ([]testNode, *addressbook.AddressBook) {
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

func TestAddSignatureCompletesAtSuperMajority(t *testing.T) {
	nodes, ab := newTestBook(t, 4)
	m := New(ab, nil, nil, 0)

	root := common.BytesToHash([]byte("state-root"))
	s := &SignedState{Round: 1, StateRoot: root, ConsensusTimestamp: time.Now().UTC()}
	m.AddUnsignedState(s)

	_, ok := m.MostRecentComplete()
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		sig, err := nodes[i].key.Sign(root)
		require.NoError(t, err)
		require.NoError(t, m.AddSignature(1, nodes[i].id, sig))
	}
	_, ok = m.MostRecentComplete()
	require.False(t, ok, "3 of 4 equal stakes should not yet exceed this module's strict supermajority threshold")

	sig, err := nodes[3].key.Sign(root)
	require.NoError(t, err)
	require.NoError(t, m.AddSignature(1, nodes[3].id, sig))

	complete, ok := m.MostRecentComplete()
	require.True(t, ok)
	require.Equal(t, uint64(1), complete.Round)
}

func TestAddSignatureRejectsBadSignature(t *testing.T) {
	nodes, ab := newTestBook(t, 2)
	m := New(ab, nil, nil, 0)

	root := common.BytesToHash([]byte("root"))
	s := &SignedState{Round: 1, StateRoot: root}
	m.AddUnsignedState(s)

	wrongKey, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	sig, err := wrongKey.Sign(root)
	require.NoError(t, err)

	err = m.AddSignature(1, nodes[0].id, sig)
	require.Error(t, err)
}

func TestAddSignatureDiscardsStaleRound(t *testing.T) {
	nodes, ab := newTestBook(t, 2)
	m := New(ab, nil, nil, 0)
	m.AdvanceOldestRetained(5)

	sig, err := nodes[0].key.Sign(common.ZeroHash)
	require.NoError(t, err)
	require.NoError(t, m.AddSignature(1, nodes[0].id, sig))
}

func TestReserveReleaseKeepsMostRecent(t *testing.T) {
	nodes, ab := newTestBook(t, 1)
	m := New(ab, nil, nil, 0)
	_ = nodes

	s := &SignedState{Round: 1, StateRoot: common.ZeroHash}
	m.AddUnsignedState(s)

	got, release, err := m.Reserve(1)
	require.NoError(t, err)
	require.Equal(t, s, got)
	release()

	_, ok := m.MostRecentAny()
	require.True(t, ok, "most-recent-any state survives the reader's release")
}
