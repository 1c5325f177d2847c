// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package pipeline implements C5: the bounded intake → consensus →
// handler queue chain of spec.md §4.2, including running-hash
// computation, freeze semantics and the event-stream writer. Grounded
// in the teacher's bounded-channel worker-pool shape (eth/downloader's
// queue feeding a fixed set of fetch/process goroutines) generalized
// from "block headers/bodies" to "events", with a
// golang.org/x/sync/semaphore.Weighted bounding concurrent intake
// validation the way the downloader bounds concurrent peer requests. The
// pre-consensus and consensus handlers each run on their own single
// worker, one event at a time.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
	"github.com/hashgraph/hedera-platform-sub002/internal/metrics"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
)

// Validator runs the hashgraph's pre-insertion reject checks
// (hashgraph.Graph.Validate).
type Validator func(e *event.Event) error

// Adder is the hashgraph's serialized mutator (hashgraph.Graph.AddEvent).
type Adder func(e *event.Event) ([]*event.Event, error)

// ShadowInserter indexes an accepted event into the shadow graph.
type ShadowInserter func(e *event.Event)

// StreamWriter persists a consensus event to the plaintext event-stream
// log when enableEventStreaming is on.
type StreamWriter interface {
	WriteEvent(e *event.Event) error
}

// Config bounds the three queues of spec.md §4.2 and, through
// HandlerConcurrency, the number of concurrent intake validations.
type Config struct {
	IntakeCapacity     int
	ForCurrCapacity    int
	ForConsCapacity    int
	HandlerConcurrency int64
	EnableStreaming    bool
	FreezeRound        uint64 // 0 = no freeze configured
}

// Pipeline wires intake → forCurr (speculative/pre-consensus handling)
// → forCons (consensus handling: running hash, handler, stream write).
type Pipeline struct {
	cfg Config
	log xlog.Logger

	intake  chan *event.Event
	forCurr chan *event.Event
	forCons chan []*event.Event

	validate Validator
	add      Adder
	indexShadow ShadowInserter
	preConsensusHandler func(*event.Event)
	consensusHandler    func(*event.Event)
	stream StreamWriter

	sem *semaphore.Weighted

	runningHash atomic.Value // common.Hash
	frozen      atomic.Bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	rejected  *metricCounter
	processed *metricCounter
	depthGauge *metricGauge
}

type metricCounter struct{ inc func() }
type metricGauge struct{ set func(float64) }

// New builds a Pipeline. preConsensusHandler and consensusHandler are
// the application callbacks invoked for forCurr and forCons events
// respectively; either may be nil.
func New(cfg Config, log xlog.Logger, reg *metrics.Registry, validate Validator, add Adder, indexShadow ShadowInserter, preConsensusHandler, consensusHandler func(*event.Event), stream StreamWriter) *Pipeline {
	p := &Pipeline{
		cfg:                 cfg,
		log:                 log,
		intake:              make(chan *event.Event, cfg.IntakeCapacity),
		forCurr:             make(chan *event.Event, cfg.ForCurrCapacity),
		forCons:             make(chan []*event.Event, cfg.ForConsCapacity),
		validate:            validate,
		add:                 add,
		indexShadow:         indexShadow,
		preConsensusHandler: preConsensusHandler,
		consensusHandler:    consensusHandler,
		stream:              stream,
		sem:                 semaphore.NewWeighted(maxInt64(cfg.HandlerConcurrency, 1)),
	}
	p.runningHash.Store(common.ZeroHash)
	if reg != nil {
		rejected := reg.Counter("pipeline_rejected_total", "Events rejected at intake validation")
		processed := reg.Counter("pipeline_consensus_total", "Events that reached consensus")
		depth := reg.Gauge("pipeline_intake_depth", "Current intake queue depth")
		p.rejected = &metricCounter{inc: func() { rejected.WithLabelValues().Inc() }}
		p.processed = &metricCounter{inc: func() { processed.WithLabelValues().Inc() }}
		p.depthGauge = &metricGauge{set: func(v float64) { depth.WithLabelValues().Set(v) }}
	}
	return p
}

func maxInt64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}

// Start launches the three worker goroutines. Cancelling ctx (or
// calling Stop) makes each worker return at once; events still queued
// are not processed.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(3)
	go p.runIntakeWorker(ctx)
	go p.runForCurrWorker(ctx)
	go p.runForConsWorker(ctx)
}

// Stop cancels the workers and waits for them to exit.
func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit enqueues e onto intake, blocking (spec.md §4.2: "on full,
// producers block") unless ctx is cancelled first — cancellation is how
// the gossip reader backs off a shutdown rather than wedging forever.
func (p *Pipeline) Submit(ctx context.Context, e *event.Event) error {
	select {
	case p.intake <- e:
		if p.depthGauge != nil {
			p.depthGauge.set(float64(len(p.intake)))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningHash returns the running hash as of the most recently processed
// consensus event.
func (p *Pipeline) RunningHash() common.Hash {
	return p.runningHash.Load().(common.Hash)
}

// Frozen reports whether the freeze round has been reached and the
// forCons worker has stopped advancing the running hash / stream.
func (p *Pipeline) Frozen() bool { return p.frozen.Load() }

func (p *Pipeline) runIntakeWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-p.intake:
			if !ok {
				return
			}
			if err := p.sem.Acquire(ctx, 1); err != nil {
				return
			}
			if err := p.validate(e); err != nil {
				p.sem.Release(1)
				if p.rejected != nil {
					p.rejected.inc()
				}
				if p.log != nil {
					p.log.Debug("event rejected at intake", "err", err)
				}
				continue
			}
			p.sem.Release(1)
			if p.indexShadow != nil {
				p.indexShadow(e)
			}
			select {
			case p.forCurr <- e:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runForCurrWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-p.forCurr:
			if !ok {
				return
			}
			if p.preConsensusHandler != nil {
				p.preConsensusHandler(e)
			}
			newlyConsensus, err := p.add(e)
			if err != nil {
				if p.log != nil {
					p.log.Warn("hashgraph rejected event past intake validation", "err", err)
				}
				continue
			}
			if len(newlyConsensus) == 0 {
				continue
			}
			select {
			case p.forCons <- newlyConsensus:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pipeline) runForConsWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-p.forCons:
			if !ok {
				return
			}
			// Freeze takes effect only after the last event of the freeze
			// round has been written, per spec.md §4.2: a batch carries every
			// event of each round it decides, so the cut falls at the first
			// event past the freeze round or at the end of the batch.
			for _, e := range batch {
				if p.cfg.FreezeRound != 0 && e.RoundReceived > p.cfg.FreezeRound {
					p.frozen.Store(true)
				}
				p.processConsensusEvent(e)
			}
			if n := len(batch); n > 0 && p.cfg.FreezeRound != 0 && batch[n-1].RoundReceived >= p.cfg.FreezeRound {
				p.frozen.Store(true)
			}
		}
	}
}

func (p *Pipeline) processConsensusEvent(e *event.Event) {
	if !p.frozen.Load() {
		prev := p.RunningHash()
		next := event.NextRunningHash(prev, e)
		e.RunningHash = next
		p.runningHash.Store(next)

		if p.stream != nil && p.cfg.EnableStreaming {
			if err := p.stream.WriteEvent(e); err != nil && p.log != nil {
				p.log.Error("event stream write failed", "err", err)
			}
		}
	}
	if p.consensusHandler != nil {
		p.consensusHandler(e)
	}
	if p.processed != nil {
		p.processed.inc()
	}
}

// Validate wraps a hashgraph error into a descriptive pipeline-level
// error, used when the caller wants to surface rejection reasons
// outside the worker's own logging.
func Validate(validate Validator, e *event.Event) error {
	if err := validate(e); err != nil {
		return fmt.Errorf("pipeline: event rejected: %w", err)
	}
	return nil
}
