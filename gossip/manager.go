// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package gossip

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
	"github.com/hashgraph/hedera-platform-sub002/internal/metrics"
	"github.com/hashgraph/hedera-platform-sub002/internal/wire"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/pipeline"
	"github.com/hashgraph/hedera-platform-sub002/platform/errs"
	"github.com/hashgraph/hedera-platform-sub002/shadowgraph"
)

// EventSource resolves a hash to the full event it names, used to
// serialize events a sync round decides to offer a peer. hashgraph.Graph
// satisfies this directly.
type EventSource interface {
	EventByHash(h common.Hash) (*event.Event, bool)
}

// GraphView is the subset of hashgraph.Graph the synthesize-after-sync
// path of spec.md §4.3 step 8 consults, beyond plain event lookup: this
// node's own chain tip (for self-parent linkage) and round-level stake
// bookkeeping (for the strong-minority gate).
type GraphView interface {
	EventSource
	SelfTip(creator common.NodeID) (common.Hash, bool)
	StrongMinorityInMaxRound(creator common.NodeID) bool
}

// Signer produces e's signature over its own hash, completing a
// self-authored event before it is submitted to the pipeline.
type Signer func(e *event.Event) error

// Config is the subset of spec.md §6's options the gossip subsystem
// consumes.
type Config struct {
	Throttle7MaxBytes   int
	Throttle7Extra      int
	Throttle7Threshold  int
	MaxIncomingSyncsInc int
	MaxOutgoingSyncs    int
	SleepHeartbeat      time.Duration
	TimeoutSyncClientSocket time.Duration
	WaitListenerRead    time.Duration

	FallenBehindThreshold float64 // fraction of neighbors reporting us behind

	// TransactionThrottleRate paces self-authored event synthesis
	// (spec.md §4.3 step 8), in events per second; zero disables
	// synthesis entirely (an observer-only or replay-only node).
	TransactionThrottleRate  float64
	TransactionThrottleBurst int
	// MaxTransactionsPerEvent caps how many pending transactions are
	// folded into a single synthesized event.
	MaxTransactionsPerEvent int
}

// Manager coordinates every peer connection: the simultaneous-sync
// throttle, fallen-behind bookkeeping, and dispatch into the shared
// shadow graph / pipeline.
type Manager struct {
	cfg    Config
	ab     *addressbook.AddressBook
	selfID common.NodeID

	shadow *shadowgraph.Graph
	events GraphView
	pipe   *pipeline.Pipeline

	log xlog.Logger
	reg *metrics.Registry

	syncThrottle *semaphore.Weighted

	mu    sync.Mutex
	conns map[common.NodeID]*ConnManager

	fallenBehind  atomic.Bool
	reportsFrom   map[common.NodeID]bool
	numNeighbors  int

	onFallenBehind func()
	stateSender    StateSender
	signer         Signer

	txThrottle *rate.Limiter
	txMu       sync.Mutex
	pendingTxs [][]byte
}

// StateSender handles one inbound STATE_REQ already read off the shared
// socket by Dispatch, implementing the reconnect package's sender role
// (see reconnect.RespondToRequest). A nil StateSender means this node
// never serves reconnect requests, and Dispatch returns a protocol error
// for STATE_REQ without writing a reply.
type StateSender func(conn io.ReadWriteCloser) error

// New builds a Manager. numNeighbors is the peer count used to scale
// fallenBehindThreshold into an absolute report count; selfID is this
// node's own address-book id, consulted by the synthesize-after-sync
// path to find its stake and its own chain tip.
func New(cfg Config, ab *addressbook.AddressBook, shadow *shadowgraph.Graph, events GraphView, pipe *pipeline.Pipeline, log xlog.Logger, reg *metrics.Registry, numNeighbors int, selfID common.NodeID) *Manager {
	m := &Manager{
		cfg:          cfg,
		ab:           ab,
		selfID:       selfID,
		shadow:       shadow,
		events:       events,
		pipe:         pipe,
		log:          log,
		reg:          reg,
		syncThrottle: semaphore.NewWeighted(int64(maxInt(cfg.MaxIncomingSyncsInc+cfg.MaxOutgoingSyncs, 1))),
		conns:        make(map[common.NodeID]*ConnManager),
		reportsFrom:  make(map[common.NodeID]bool),
		numNeighbors: numNeighbors,
	}
	if cfg.TransactionThrottleRate > 0 {
		burst := cfg.TransactionThrottleBurst
		if burst < 1 {
			burst = 1
		}
		m.txThrottle = rate.NewLimiter(rate.Limit(cfg.TransactionThrottleRate), burst)
	}
	return m
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}

// OnFallenBehind registers the callback fired when this node transitions
// into FALLEN_BEHIND, e.g. to kick off reconnect.
func (m *Manager) OnFallenBehind(fn func()) { m.onFallenBehind = fn }

// SetStateSender registers the handler Dispatch hands a STATE_REQ frame
// to, letting this node serve state transfer to a fallen-behind peer.
func (m *Manager) SetStateSender(fn StateSender) { m.stateSender = fn }

// SetSigner registers the function used to sign a self-authored event
// before it is submitted, letting Manager stay free of any direct
// dependency on the node's private key.
func (m *Manager) SetSigner(fn Signer) { m.signer = fn }

// SubmitTransaction enqueues data to be carried by this node's next
// synthesized event (spec.md §8: "each node submits a transaction").
// Transactions wait here until a sync round's postconditions let
// synthesizeAfterSync fold them into an event; there is no separate
// mempool lifecycle beyond this queue, which has no size limit.
func (m *Manager) SubmitTransaction(data []byte) {
	m.txMu.Lock()
	m.pendingTxs = append(m.pendingTxs, data)
	m.txMu.Unlock()
}

// drainPendingTxs removes and returns up to max queued transactions, in
// submission order.
func (m *Manager) drainPendingTxs(max int) []event.Transaction {
	if max <= 0 {
		max = 1
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if len(m.pendingTxs) == 0 {
		return nil
	}
	if len(m.pendingTxs) < max {
		max = len(m.pendingTxs)
	}
	out := make([]event.Transaction, max)
	for i := 0; i < max; i++ {
		out[i] = event.Transaction{Data: m.pendingTxs[i]}
	}
	m.pendingTxs = m.pendingTxs[max:]
	return out
}

// RegisterPeer wires conn as peer's connection.
func (m *Manager) RegisterPeer(peer common.NodeID, conn io.ReadWriteCloser) *ConnManager {
	cm := NewConnManager(peer, conn, m.cfg.SleepHeartbeat, m.log, m.reg)
	m.mu.Lock()
	m.conns[peer] = cm
	m.mu.Unlock()
	return cm
}

func (m *Manager) conn(peer common.NodeID) (*ConnManager, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cm, ok := m.conns[peer]
	return cm, ok
}

// FallenBehind reports whether this node currently refuses new syncs.
func (m *Manager) FallenBehind() bool { return m.fallenBehind.Load() }

// ResetFallenBehind clears the state, called only after a successful
// reconnect state load (spec.md §4.3).
func (m *Manager) ResetFallenBehind() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallenBehind.Store(false)
	m.reportsFrom = make(map[common.NodeID]bool)
}

func (m *Manager) reportFallenBehind(peer common.NodeID) {
	m.mu.Lock()
	m.reportsFrom[peer] = true
	n := len(m.reportsFrom)
	m.mu.Unlock()

	threshold := m.cfg.FallenBehindThreshold * float64(maxInt(m.numNeighbors, 1))
	if float64(n) > threshold && m.fallenBehind.CompareAndSwap(false, true) {
		if m.log != nil {
			m.log.Warn("entering fallen-behind state", "reports", n)
		}
		if m.onFallenBehind != nil {
			m.onFallenBehind()
		}
	}
}

// Call runs one caller-side sync round against peer (spec.md §4.3).
func (m *Manager) Call(ctx context.Context, peer common.NodeID) error {
	if m.fallenBehind.Load() {
		return errs.FallenBehind(fmt.Errorf("gossip: refusing to call %s while fallen behind", peer))
	}
	cm, ok := m.conn(peer)
	if !ok {
		return fmt.Errorf("gossip: no connection to peer %s", peer)
	}
	if !m.syncThrottle.TryAcquire(1) {
		return nil // saturated; caller retries later
	}
	defer m.syncThrottle.Release(1)

	cm.lockCallListen.Lock()
	defer cm.lockCallListen.Unlock()
	cm.lockCallHeartbeat.Lock()
	defer cm.lockCallHeartbeat.Unlock()

	if err := wire.WriteOpcode(cm.Conn, wire.OpSyncReq); err != nil {
		return errs.Transient(err)
	}
	cm.countOp(wire.OpSyncReq)

	op, err := wire.ReadOpcode(cm.Conn)
	if err != nil {
		return errs.Transient(err)
	}
	cm.countOp(op)
	switch op {
	case wire.OpSyncNack:
		return nil
	case wire.OpEventDiscarded:
		m.reportFallenBehind(peer)
		return nil
	case wire.OpSyncAck:
		// proceed below
	default:
		return errs.Protocol(fmt.Errorf("gossip: unexpected reply to SYNC_REQ: %s", op))
	}

	peerTips, err := m.exchangeAndStream(ctx, cm)
	if err != nil {
		return err
	}
	if err := m.finishSync(cm); err != nil {
		return err
	}
	m.synthesizeAfterSync(ctx, peer, peerTips)
	return nil
}

// Listen runs one listener-side sync round for an inbound request from
// peer (spec.md §4.3).
func (m *Manager) Listen(ctx context.Context, peer common.NodeID) error {
	cm, ok := m.conn(peer)
	if !ok {
		return fmt.Errorf("gossip: no connection to peer %s", peer)
	}

	op, err := wire.ReadOpcode(cm.Conn)
	if err != nil {
		return errs.Transient(err)
	}
	cm.countOp(op)
	if op != wire.OpSyncReq {
		return errs.Protocol(fmt.Errorf("gossip: expected SYNC_REQ, got %s", op))
	}
	return m.handleSyncReq(ctx, cm)
}

// Dispatch reads a single inbound frame from peer and handles whichever
// of the three request shapes it is: a HEARTBEAT (replied to inline), a
// SYNC_REQ (handled as a full listener-side sync round) or a STATE_REQ
// (handed to the registered StateSender). A single socket per peer
// carries these frame kinds interleaved, so the inbound
// loop must branch on the opcode actually read rather than assume which
// one is next — unlike Listen and ConnManager.RespondHeartbeat, which
// each assume their own specific opcode and are used directly only by
// the caller/heartbeat roles that already know what they're waiting for.
func (m *Manager) Dispatch(ctx context.Context, peer common.NodeID) error {
	cm, ok := m.conn(peer)
	if !ok {
		return fmt.Errorf("gossip: no connection to peer %s", peer)
	}

	op, err := wire.ReadOpcode(cm.Conn)
	if err != nil {
		return errs.Transient(err)
	}
	cm.countOp(op)
	switch op {
	case wire.OpHeartbeat:
		if err := wire.WriteOpcode(cm.Conn, wire.OpHeartbeatAck); err != nil {
			return errs.Transient(err)
		}
		cm.countOp(wire.OpHeartbeatAck)
		return nil
	case wire.OpSyncReq:
		return m.handleSyncReq(ctx, cm)
	case wire.OpStateReq:
		if m.stateSender == nil {
			return errs.Protocol(fmt.Errorf("gossip: no state sender registered for STATE_REQ"))
		}
		return m.stateSender(cm.Conn)
	default:
		return errs.Protocol(fmt.Errorf("gossip: unexpected opcode on inbound socket: %s", op))
	}
}

func (m *Manager) handleSyncReq(ctx context.Context, cm *ConnManager) error {
	if m.fallenBehind.Load() {
		if err := wire.WriteOpcode(cm.Conn, wire.OpEventDiscarded); err != nil {
			return errs.Transient(err)
		}
		cm.countOp(wire.OpEventDiscarded)
		return nil
	}
	if !m.syncThrottle.TryAcquire(1) {
		if err := wire.WriteOpcode(cm.Conn, wire.OpSyncNack); err != nil {
			return errs.Transient(err)
		}
		cm.countOp(wire.OpSyncNack)
		return nil
	}
	defer m.syncThrottle.Release(1)

	if err := wire.WriteOpcode(cm.Conn, wire.OpSyncAck); err != nil {
		return errs.Transient(err)
	}
	cm.countOp(wire.OpSyncAck)

	peerTips, err := m.exchangeAndStream(ctx, cm)
	if err != nil {
		return err
	}
	if err := m.finishSync(cm); err != nil {
		return err
	}
	m.synthesizeAfterSync(ctx, cm.Peer, peerTips)
	return nil
}

// exchangeAndStream runs the symmetric half of spec.md §4.3 steps 3-6
// (tip exchange, per-tip booleans, diff streaming) common to both the
// caller and listener role once SYNC_ACK has been agreed. Every paired
// step writes in a goroutine while the main flow reads, so a
// synchronous full-duplex transport (net.Pipe in tests, a TCP socket in
// production) never deadlocks two symmetric peers racing to write
// first. It returns the peer's advertised tips (creator -> tip hash),
// which the caller uses as the candidate other-parent for a
// self-authored event synthesized after a clean round (spec.md §4.3
// step 8).
func (m *Manager) exchangeAndStream(ctx context.Context, cm *ConnManager) (map[common.NodeID]common.Hash, error) {
	myTips := tipsToList(m.ab, m.shadow.Tips())

	var peerList []common.Hash
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return wire.WriteHashList(cm.Conn, myTips) })
	g.Go(func() error {
		var err error
		peerList, err = wire.ReadHashList(cm.Conn)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errs.Transient(err)
	}
	peerTips := listToTips(m.ab, peerList)

	myBools := make([]bool, len(peerList))
	for i, h := range peerList {
		if !h.IsZero() {
			myBools[i] = m.shadow.Descendants(h).Cardinality() > 0
		}
	}
	var peerBools []bool
	g, _ = errgroup.WithContext(ctx)
	g.Go(func() error { return wire.WriteBoolList(cm.Conn, myBools) })
	g.Go(func() error {
		var err error
		peerBools, err = wire.ReadBoolList(cm.Conn)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errs.Transient(err)
	}
	_ = peerBools // informational only in this implementation

	missing := m.shadow.Diff(peerTips)
	sortByGeneration(m.events, missing)

	g, _ = errgroup.WithContext(ctx)
	g.Go(func() error { return m.streamDiff(cm, missing) })
	g.Go(func() error { return m.receiveDiff(ctx, cm) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return peerTips, nil
}

func sortByGeneration(events EventSource, hashes []common.Hash) {
	gen := make(map[common.Hash]uint64, len(hashes))
	for _, h := range hashes {
		if e, ok := events.EventByHash(h); ok {
			gen[h] = e.Generation
		}
	}
	sort.Slice(hashes, func(i, j int) bool { return gen[hashes[i]] < gen[hashes[j]] })
}

func (m *Manager) streamDiff(cm *ConnManager, missing []common.Hash) error {
	var written int
	for _, h := range missing {
		e, ok := m.events.EventByHash(h)
		if !ok {
			continue
		}
		if err := wire.WriteOpcode(cm.Conn, wire.OpEventNext); err != nil {
			return err
		}
		if err := event.Encode(cm.Conn, e); err != nil {
			return err
		}
		written++
	}
	if err := wire.WriteOpcode(cm.Conn, wire.OpEventDone); err != nil {
		return err
	}
	return wire.WriteBlob(cm.Conn, m.throttlePadding(written))
}

// throttlePadding builds the throttle7 padding of spec.md §4.3 step 6:
// its size scales linearly with the events this node has written to the
// peer this round, capped at Throttle7MaxBytes, and it is empty once that
// written count reaches Throttle7Threshold. The number of events this
// node has received plays no part in the padding size.
func (m *Manager) throttlePadding(written int) []byte {
	if written >= m.cfg.Throttle7Threshold {
		return nil
	}
	size := written * m.cfg.Throttle7Extra
	if size > m.cfg.Throttle7MaxBytes {
		size = m.cfg.Throttle7MaxBytes
	}
	if size <= 0 {
		return nil
	}
	return make([]byte, size)
}

func (m *Manager) receiveDiff(ctx context.Context, cm *ConnManager) error {
	for {
		op, err := wire.ReadOpcode(cm.Conn)
		if err != nil {
			return err
		}
		switch op {
		case wire.OpEventNext:
			e, err := event.Decode(cm.Conn)
			if err != nil {
				return errs.Protocol(err)
			}
			if err := m.pipe.Submit(ctx, e); err != nil {
				return err
			}
		case wire.OpEventDone:
			_, err := wire.ReadBlob(cm.Conn) // discard throttle padding
			return err
		default:
			return errs.Protocol(fmt.Errorf("gossip: unexpected opcode in diff stream: %s", op))
		}
	}
}

func (m *Manager) finishSync(cm *ConnManager) error {
	g := new(errgroup.Group)
	g.Go(func() error { return wire.WriteOpcode(cm.Conn, wire.OpSyncDone) })
	var op wire.Opcode
	g.Go(func() error {
		var err error
		op, err = wire.ReadOpcode(cm.Conn)
		return err
	})
	if err := g.Wait(); err != nil {
		return errs.Transient(err)
	}
	if op != wire.OpSyncDone {
		return errs.Protocol(fmt.Errorf("gossip: expected SYNC_DONE, got %s", op))
	}
	return nil
}

// synthesizeAfterSync implements spec.md §4.3 step 8. It only ever runs
// once a full sync round has completed cleanly — neither SYNC_NACK'd,
// EVENT_DISCARDED'd, nor aborted — so "neither side fell behind this
// sync" already holds by construction at the call site. The remaining
// gates are: this node carries stake (a zero-stake node is an observer
// and never originates events), event creation is not frozen, at least
// one of the two participants is in the current strong-minority-in-
// max-round set, and the transaction throttle still has budget.
func (m *Manager) synthesizeAfterSync(ctx context.Context, peer common.NodeID, peerTips map[common.NodeID]common.Hash) {
	addr, ok := m.ab.ByID(m.selfID)
	if !ok || addr.Stake == 0 {
		return
	}
	if m.pipe.Frozen() {
		return
	}
	if !m.events.StrongMinorityInMaxRound(m.selfID) && !m.events.StrongMinorityInMaxRound(peer) {
		return
	}
	if m.txThrottle == nil || !m.txThrottle.Allow() {
		return
	}

	otherParent := peerTips[peer]
	selfParent, _ := m.events.SelfTip(m.selfID)
	var seq uint64
	if sp, ok := m.events.EventByHash(selfParent); ok {
		seq = sp.Seq + 1
	}

	e := &event.Event{
		Creator:      m.selfID,
		Seq:          seq,
		SelfParent:   selfParent,
		OtherParent:  otherParent,
		CreatedAt:    time.Now().UTC(),
		Transactions: m.drainPendingTxs(m.cfg.MaxTransactionsPerEvent),
	}
	if m.signer != nil {
		if err := m.signer(e); err != nil {
			if m.log != nil {
				m.log.Warn("sign synthesized event", xlog.WithErr(err)...)
			}
			return
		}
	}
	if err := m.pipe.Submit(ctx, e); err != nil && m.log != nil {
		m.log.Warn("submit synthesized event", xlog.WithErr(err)...)
	}
}
