// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package shadowgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

func signedEvent(t *testing.T, creator common.NodeID, seq uint64, selfParent, otherParent common.Hash) *event.Event {
	t.Helper()
	key, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	e := &event.Event{
		Creator:     creator,
		Seq:         seq,
		SelfParent:  selfParent,
		OtherParent: otherParent,
		CreatedAt:   time.Now().UTC(),
		Generation:  seq + 1,
	}
	require.NoError(t, e.Sign(key))
	return e
}

func TestInsertTracksTips(t *testing.T) {
	g := New(64)
	e0 := signedEvent(t, 1, 0, common.ZeroHash, common.ZeroHash)
	g.Insert(e0)
	e1 := signedEvent(t, 1, 1, e0.Hash(), common.ZeroHash)
	g.Insert(e1)

	tips := g.Tips()
	require.Equal(t, e1.Hash(), tips[1])
	require.True(t, g.Contains(e0.Hash()))
}

func TestDescendants(t *testing.T) {
	g := New(0)
	e0 := signedEvent(t, 1, 0, common.ZeroHash, common.ZeroHash)
	g.Insert(e0)
	e1 := signedEvent(t, 1, 1, e0.Hash(), common.ZeroHash)
	g.Insert(e1)
	e2 := signedEvent(t, 1, 2, e1.Hash(), common.ZeroHash)
	g.Insert(e2)

	d := g.Descendants(e0.Hash())
	require.True(t, d.Contains(e1.Hash()))
	require.True(t, d.Contains(e2.Hash()))
	require.False(t, d.Contains(e0.Hash()))
}

func TestExpireDropsOldGenerationsAndTips(t *testing.T) {
	g := New(0)
	e0 := signedEvent(t, 1, 0, common.ZeroHash, common.ZeroHash)
	g.Insert(e0)

	g.Expire(5)
	require.False(t, g.Contains(e0.Hash()))
	require.Empty(t, g.Tips())
}

func TestDiffReturnsOnlyUnknownAncestors(t *testing.T) {
	mine := New(0)
	theirs := New(0)

	e0 := signedEvent(t, 1, 0, common.ZeroHash, common.ZeroHash)
	mine.Insert(e0)
	theirs.Insert(e0)

	e1 := signedEvent(t, 1, 1, e0.Hash(), common.ZeroHash)
	mine.Insert(e1)

	missing := mine.Diff(theirs.Tips())
	require.Contains(t, missing, e1.Hash())
	require.NotContains(t, missing, e0.Hash())
}
