// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
)

type fakeStream struct {
	mu     sync.Mutex
	events []*event.Event
}

func (s *fakeStream) WriteEvent(e *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *fakeStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func acceptAll(*event.Event) error { return nil }

// immediateConsensus treats every submitted event as instantly reaching
// consensus, standing in for a hashgraph whose fame decisions are all
// already settled — enough to exercise the pipeline's own queue/backpressure
// and running-hash/freeze behavior independent of consensus timing.
func immediateConsensus(order *uint64) Adder {
	return func(e *event.Event) ([]*event.Event, error) {
		e.Consensus = true
		e.RoundReceived = 1
		e.ConsensusOrder = *order
		*order++
		return []*event.Event{e}, nil
	}
}

func newEvent(creator common.NodeID, seq uint64) *event.Event {
	return &event.Event{Creator: creator, Seq: seq, CreatedAt: time.Now().UTC()}
}

func TestPipelineProcessesToConsensusAndUpdatesRunningHash(t *testing.T) {
	var order uint64
	stream := &fakeStream{}
	var handled []uint64
	var mu sync.Mutex

	p := New(Config{IntakeCapacity: 4, ForCurrCapacity: 4, ForConsCapacity: 4, HandlerConcurrency: 2, EnableStreaming: true},
		nil, nil, acceptAll, immediateConsensus(&order), nil, nil,
		func(e *event.Event) {
			mu.Lock()
			handled = append(handled, e.ConsensusOrder)
			mu.Unlock()
		}, stream)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() { cancel(); p.Stop() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(ctx, newEvent(1, uint64(i))))
	}

	require.Eventually(t, func() bool { return stream.count() == 5 }, time.Second, time.Millisecond)
	require.NotEqual(t, common.ZeroHash, p.RunningHash())

	mu.Lock()
	gotHandled := len(handled)
	mu.Unlock()
	require.Equal(t, 5, gotHandled)
}

func TestPipelineRejectsInvalidEventsWithoutBlocking(t *testing.T) {
	var order uint64
	reject := func(*event.Event) error { return errors.New("bad event") }

	p := New(Config{IntakeCapacity: 2, ForCurrCapacity: 2, ForConsCapacity: 2, HandlerConcurrency: 1},
		nil, nil, reject, immediateConsensus(&order), nil, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() { cancel(); p.Stop() }()

	require.NoError(t, p.Submit(ctx, newEvent(1, 0)))
	require.NoError(t, p.Submit(ctx, newEvent(1, 1)))
	require.Equal(t, common.ZeroHash, p.RunningHash())
}

func TestPipelineFreezeStopsRunningHashAfterFreezeRound(t *testing.T) {
	var order uint64
	stream := &fakeStream{}

	p := New(Config{IntakeCapacity: 4, ForCurrCapacity: 4, ForConsCapacity: 4, HandlerConcurrency: 1, EnableStreaming: true, FreezeRound: 1},
		nil, nil, acceptAll, immediateConsensus(&order), nil, nil, nil, stream)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	defer func() { cancel(); p.Stop() }()

	require.NoError(t, p.Submit(ctx, newEvent(1, 0)))
	require.Eventually(t, func() bool { return p.Frozen() }, time.Second, time.Millisecond)

	frozenHash := p.RunningHash()
	require.NoError(t, p.Submit(ctx, newEvent(1, 1)))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, frozenHash, p.RunningHash())
}
