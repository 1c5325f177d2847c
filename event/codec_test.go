package event

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

func newSignedEvent(t *testing.T, key *platformcrypto.PrivateKey, creator common.NodeID, seq uint64) *Event {
	t.Helper()
	e := &Event{
		Creator:      creator,
		Seq:          seq,
		CreatedAt:    time.Unix(1000, 0).UTC(),
		Transactions: []Transaction{{Data: []byte("tx1")}, {System: true, Data: []byte("sys")}},
		OtherParent:  common.BytesToHash([]byte("other")),
	}
	require.NoError(t, e.Sign(key))
	return e
}

func TestEncodeDecodeRoundTripPreservesHash(t *testing.T) {
	key, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	e := newSignedEvent(t, key, 3, 7)
	wantHash := e.Hash()

	buf := new(bytes.Buffer)
	require.NoError(t, Encode(buf, e))

	got, err := Decode(buf)
	require.NoError(t, err)

	require.Equal(t, wantHash, got.Hash())
	require.Equal(t, e.OtherParent, got.OtherParent)
	require.Equal(t, e.Signature, got.Signature)
	require.Equal(t, e.Transactions, got.Transactions)
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	key, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	e := newSignedEvent(t, key, 1, 1)

	verify := func(id common.NodeID, digest common.Hash, sig []byte) error {
		return platformcrypto.Verify(key.PublicKey(), digest, sig)
	}
	require.NoError(t, e.VerifySignature(verify))
}

func TestHashExcludesOtherParentAndSignature(t *testing.T) {
	key, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	e1 := newSignedEvent(t, key, 1, 1)
	e2 := newSignedEvent(t, key, 1, 1)
	e2.OtherParent = common.BytesToHash([]byte("different-other-parent"))
	require.NoError(t, e2.Sign(key))

	require.Equal(t, e1.Hash(), e2.Hash())
}

func TestNextRunningHashDeterministic(t *testing.T) {
	key, err := platformcrypto.GenerateKey()
	require.NoError(t, err)
	e := newSignedEvent(t, key, 1, 1)

	h1 := NextRunningHash(common.ZeroHash, e)
	h2 := NextRunningHash(common.ZeroHash, e)
	require.Equal(t, h1, h2)
	require.NotEqual(t, common.ZeroHash, h1)
}
