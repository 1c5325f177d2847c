// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package reconnect

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/wire"
)

func TestSendReceiveTransfersUnknownNodes(t *testing.T) {
	events := []common.Hash{
		common.BytesToHash([]byte("e0")),
		common.BytesToHash([]byte("e1")),
		common.BytesToHash([]byte("e2")),
	}
	provider := SignedStateProvider{Events: events}

	connSender, connReceiver := net.Pipe()
	defer connSender.Close()
	defer connReceiver.Close()

	// Receiver already has e1; the rest must be streamed.
	have := map[common.Hash][]byte{events[1]: events[1].Bytes()}
	haveLocally := func(h common.Hash) ([]byte, bool) {
		v, ok := have[h]
		return v, ok
	}

	var wg sync.WaitGroup
	var sendErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr = Send(connSender, false, provider, nil)
	}()

	res, err := Receive(context.Background(), connReceiver, haveLocally)
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, err)
	require.Equal(t, provider.Root(), res.Root)
	require.Len(t, res.Nodes, 3)
	for i, n := range res.Nodes {
		require.Equal(t, events[i], n.Hash)
		require.Equal(t, events[i].Bytes(), n.Payload)
	}
}

func TestSendRespondsNackWhenBusy(t *testing.T) {
	provider := SignedStateProvider{Events: []common.Hash{common.BytesToHash([]byte("e0"))}}
	connSender, connReceiver := net.Pipe()
	defer connSender.Close()
	defer connReceiver.Close()

	var wg sync.WaitGroup
	var sendErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		sendErr = Send(connSender, true, provider, nil)
	}()

	_, err := Receive(context.Background(), connReceiver, func(common.Hash) ([]byte, bool) { return nil, false })
	wg.Wait()

	require.NoError(t, sendErr)
	require.ErrorIs(t, err, ErrBusy)
}

func TestReceiveRejectsRootMismatch(t *testing.T) {
	events := []common.Hash{common.BytesToHash([]byte("e0"))}
	provider := SignedStateProvider{StateRoot: common.BytesToHash([]byte("wrong-root")), Events: events}

	connSender, connReceiver := net.Pipe()
	defer connSender.Close()
	defer connReceiver.Close()

	// A malicious/buggy sender whose Root() doesn't match its Nodes().
	badProvider := rootLiarProvider{inner: provider}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = Send(connSender, false, badProvider, nil)
	}()

	_, err := Receive(context.Background(), connReceiver, func(common.Hash) ([]byte, bool) { return nil, false })
	wg.Wait()

	require.ErrorIs(t, err, ErrHashMismatch)
}

// TestRespondToRequestSkipsStateReqRead checks the opcode-already-read
// entry point gossip.Manager.Dispatch uses on a shared, multiplexed
// socket, where the STATE_REQ opcode was consumed by the dispatcher
// before RespondToRequest is ever called.
func TestRespondToRequestSkipsStateReqRead(t *testing.T) {
	provider := SignedStateProvider{Events: []common.Hash{common.BytesToHash([]byte("e0"))}}
	connSender, connReceiver := net.Pipe()
	defer connSender.Close()
	defer connReceiver.Close()

	var wg sync.WaitGroup
	var sendErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		// Simulate a dispatcher that already consumed the opcode off the
		// shared socket before routing to RespondToRequest.
		op, err := wire.ReadOpcode(connSender)
		if err != nil {
			sendErr = err
			return
		}
		if op != wire.OpStateReq {
			t.Errorf("expected STATE_REQ, got %s", op)
			return
		}
		sendErr = RespondToRequest(connSender, false, provider, nil)
	}()

	res, err := Receive(context.Background(), connReceiver, func(common.Hash) ([]byte, bool) { return nil, false })
	wg.Wait()

	require.NoError(t, sendErr)
	require.NoError(t, err)
	require.Equal(t, provider.Root(), res.Root)
}

type rootLiarProvider struct{ inner SignedStateProvider }

func (p rootLiarProvider) Root() common.Hash  { return common.BytesToHash([]byte("not-the-real-root")) }
func (p rootLiarProvider) Nodes() []Node      { return p.inner.Nodes() }

func TestDriverTracksConsecutiveFailures(t *testing.T) {
	d := NewDriver(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return nil, context.DeadlineExceeded
	}, func(common.Hash) ([]byte, bool) { return nil, false }, 2, nil)

	_, _, err := d.Attempt(context.Background(), nil)
	require.Error(t, err)
	require.False(t, d.Exhausted())

	_, _, err = d.Attempt(context.Background(), nil)
	require.Error(t, err)
	require.True(t, d.Exhausted())
}
