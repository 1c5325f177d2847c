// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package gossip

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/common"
)

func TestHeartbeatRoundTrip(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	cmA := NewConnManager(common.NodeID(1), connA, 0, nil, nil)
	cmB := NewConnManager(common.NodeID(0), connB, 0, nil, nil)

	var wg sync.WaitGroup
	var respondErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		respondErr = cmB.RespondHeartbeat()
	}()

	require.NoError(t, cmA.Heartbeat(time.Second))
	wg.Wait()
	require.NoError(t, respondErr)
}

func TestHeartbeatRateLimited(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	cmA := NewConnManager(common.NodeID(1), connA, time.Hour, nil, nil)
	cmB := NewConnManager(common.NodeID(0), connB, 0, nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cmB.RespondHeartbeat()
	}()
	require.NoError(t, cmA.Heartbeat(time.Second))
	wg.Wait()

	// Second call within the same pacing window should no-op rather than
	// block waiting for a peer reply — nobody is reading connB here, so a
	// real write would hang the test if the limiter didn't gate it.
	require.NoError(t, cmA.Heartbeat(time.Second))
}
