// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Command hashgraphd is the process entrypoint: it loads configuration
// and the address book, wires the eight components together (addressbook,
// event, shadowgraph, hashgraph, pipeline, gossip, signedstate,
// reconnect) behind one platform.Context, and blocks on an OS signal for
// shutdown. Grounded in the teacher's cmd/geth main/usage split (flag
// parsing + config loading + node.New + node.Wait), generalized from "one
// Ethereum node" to "one hashgraph node".
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
	"github.com/hashgraph/hedera-platform-sub002/gossip"
	"github.com/hashgraph/hedera-platform-sub002/hashgraph"
	"github.com/hashgraph/hedera-platform-sub002/internal/wire"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/pipeline"
	"github.com/hashgraph/hedera-platform-sub002/platform"
	"github.com/hashgraph/hedera-platform-sub002/platform/errs"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
	"github.com/hashgraph/hedera-platform-sub002/reconnect"
	"github.com/hashgraph/hedera-platform-sub002/shadowgraph"
	"github.com/hashgraph/hedera-platform-sub002/signedstate"
	"github.com/hashgraph/hedera-platform-sub002/statestore"
)

func main() {
	os.Exit(int(run()))
}

func run() errs.ExitCode {
	configPath := flag.String("config", "config.toml", "path to the node's TOML configuration")
	bookPath := flag.String("addressbook", "addressbook.toml", "path to the TOML address book")
	keyPath := flag.String("keyfile", "node.key", "path to this node's private key file")
	selfFlag := flag.Int64("self", -1, "this node's address-book id")
	flag.Parse()

	if _, err := maxprocs.Set(); err != nil {
		xlog.Warn("automaxprocs: could not set GOMAXPROCS", xlog.WithErr(err)...)
	}

	cfg, err := platform.LoadConfig(*configPath)
	if err != nil {
		xlog.Error("load config", xlog.WithErr(err)...)
		return errs.ExitKeyLoadingFailed
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		xlog.Error("create data dir", xlog.WithErr(err)...)
		return errs.ExitSavedStateNotLoaded
	}
	lock := flock.New(filepath.Join(cfg.DataDir, "LOCK"))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		xlog.Error("data directory already in use", "dataDir", cfg.DataDir)
		return errs.ExitSavedStateNotLoaded
	}
	defer lock.Unlock()

	setupLogging(cfg)

	ab, err := loadAddressBook(*bookPath)
	if err != nil {
		xlog.Error("load address book", xlog.WithErr(err)...)
		return errs.ExitKeyLoadingFailed
	}

	key, err := loadOrCreateKey(*keyPath)
	if err != nil {
		xlog.Error("load node key", xlog.WithErr(err)...)
		return errs.ExitKeyLoadingFailed
	}

	self := common.NodeID(*selfFlag)
	if _, ok := ab.ByID(self); !ok {
		xlog.Error("self id not present in address book", "self", self)
		return errs.ExitKeyLoadingFailed
	}

	ctx := platform.New(cfg, self, key)
	n, err := newNode(ctx, ab)
	if err != nil {
		xlog.Error("build node", xlog.WithErr(err)...)
		return errs.ExitSavedStateNotLoaded
	}
	defer n.close()

	runCtx, cancel := context.WithCancel(context.Background())
	n.start(runCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-n.shutdownCh:
	}
	cancel()
	n.wait()

	if n.reconnectExhausted() {
		return errs.ExitReconnectFailureLimit
	}
	return errs.ExitNormal
}

func setupLogging(cfg platform.Config) {
	logPath := filepath.Join(cfg.DataDir, "hashgraphd.log")
	handler := xlog.NewGlogHandler(xlog.NewFileHandler(logPath, 100, 10, 30))
	xlog.SetDefault(xlog.New(handler))
}

func loadOrCreateKey(path string) (*platformcrypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return platformcrypto.LoadPrivateKey(raw)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	key, err := platformcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key.Bytes(), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// node wires every component together for one running hashgraph process.
type node struct {
	ctx *platform.Context
	ab  *addressbook.AddressBook

	shadow   *shadowgraph.Graph
	graph    *hashgraph.Graph
	store    *statestore.Store
	states   *signedstate.Manager
	pipe     *pipeline.Pipeline
	gossipMgr *gossip.Manager

	reconnectDriver *reconnect.Driver
	reconnectBusy   atomic.Bool

	listener   net.Listener
	shutdownCh chan struct{}
	shutdownOnce sync.Once

	wg sync.WaitGroup
}

func newNode(ctx *platform.Context, ab *addressbook.AddressBook) (*node, error) {
	shadow := shadowgraph.New(4096)
	graph := hashgraph.New(ab, ctx.WithComponent("hashgraph").Log, ctx.Reg)

	store, err := statestore.Open(filepath.Join(ctx.Config.DataDir, "statestore"))
	if err != nil {
		return nil, fmt.Errorf("open statestore: %w", err)
	}
	states := signedstate.New(ab, ctx.WithComponent("signedstate").Log, store, ctx.Config.State.SaveStatePeriod.Duration)

	n := &node{ctx: ctx, ab: ab, shadow: shadow, graph: graph, store: store, states: states, shutdownCh: make(chan struct{})}

	pipeCfg := pipeline.Config{
		IntakeCapacity:     ctx.Config.EventIntakeQueueCapacity,
		ForCurrCapacity:    ctx.Config.EventIntakeQueueCapacity,
		ForConsCapacity:    ctx.Config.EventIntakeQueueCapacity,
		HandlerConcurrency: 4,
		EnableStreaming:    ctx.Config.EnableEventStreaming,
	}
	n.pipe = pipeline.New(pipeCfg, ctx.WithComponent("pipeline").Log, ctx.Reg,
		graph.Validate, graph.AddEvent, shadow.Insert,
		nil, n.onConsensusEvent, nil)

	gossipCfg := gossip.Config{
		Throttle7MaxBytes:        ctx.Config.Throttle7MaxBytes,
		Throttle7Extra:           ctx.Config.Throttle7Extra,
		Throttle7Threshold:       ctx.Config.Throttle7Threshold,
		MaxIncomingSyncsInc:      ctx.Config.MaxIncomingSyncsInc,
		MaxOutgoingSyncs:         ctx.Config.MaxOutgoingSyncs,
		SleepHeartbeat:           ctx.Config.SleepHeartbeat.Duration,
		TimeoutSyncClientSocket:  ctx.Config.TimeoutSyncClientSocket.Duration,
		WaitListenerRead:         ctx.Config.WaitListenerRead.Duration,
		FallenBehindThreshold:    ctx.Config.Reconnect.FallenBehindThreshold,
		TransactionThrottleRate:  ctx.Config.TransactionThrottleRate,
		TransactionThrottleBurst: ctx.Config.TransactionThrottleBurst,
		MaxTransactionsPerEvent:  ctx.Config.MaxTransactionsPerEvent,
	}
	n.gossipMgr = gossip.New(gossipCfg, ab, shadow, graph, n.pipe, ctx.WithComponent("gossip").Log, ctx.Reg, ab.Len()-1, ctx.Self)
	n.gossipMgr.SetSigner(func(e *event.Event) error { return e.Sign(ctx.Key) })

	reconnectLog := ctx.WithComponent("reconnect").Log
	n.reconnectDriver = reconnect.NewDriver(n.dialReconnectPeer, n.haveEventLocally,
		ctx.Config.Reconnect.MaximumReconnectFailuresBeforeShutdown, reconnectLog)
	n.gossipMgr.OnFallenBehind(func() { go n.runReconnectLoop(reconnectLog) })
	n.gossipMgr.SetStateSender(n.serveStateRequest)

	return n, nil
}

// dialReconnectPeer opens a fresh connection to an arbitrary other member
// of the address book and completes the same CONNECT handshake a regular
// peer dial does, so the remote's acceptLoop/Dispatch routes the
// subsequent STATE_REQ frame to its state sender.
func (n *node) dialReconnectPeer(ctx context.Context) (io.ReadWriteCloser, error) {
	var target *addressbook.Address
	n.ab.Iterate(func(a addressbook.Address) bool {
		if a.ID != n.ctx.Self {
			target = &a
			return false
		}
		return true
	})
	if target == nil {
		return nil, fmt.Errorf("reconnect: no other address book member to dial")
	}
	conn, err := net.Dial("tcp", target.Endpoint)
	if err != nil {
		return nil, err
	}
	if err := writeConnectHandshake(conn, n.ctx.Self); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// haveEventLocally is the reconnect receiver's precondition check: this
// node already holds a node's payload whenever its hashgraph already has
// the event.
func (n *node) haveEventLocally(h common.Hash) ([]byte, bool) {
	e, ok := n.graph.EventByHash(h)
	if !ok {
		return nil, false
	}
	var buf bytes.Buffer
	if err := event.Encode(&buf, e); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

// serveStateRequest is the reconnect sender role, wired to gossip's
// Dispatch for STATE_REQ frames. Only one reconnecting peer is served at
// a time (spec.md §4.3's "busy" precondition).
func (n *node) serveStateRequest(conn io.ReadWriteCloser) error {
	if !n.reconnectBusy.CompareAndSwap(false, true) {
		return reconnect.RespondToRequest(conn, true, nil, n.ctx.Log)
	}
	defer n.reconnectBusy.Store(false)

	s, ok := n.states.MostRecentComplete()
	if !ok {
		return reconnect.RespondToRequest(conn, true, nil, n.ctx.Log)
	}
	provider := reconnect.SignedStateProvider{StateRoot: s.StateRoot, Events: s.Events}
	return reconnect.RespondToRequest(conn, false, provider, n.ctx.Log)
}

// runReconnectLoop retries reconnect.Driver.Attempt until it succeeds or
// the consecutive-failure limit trips, per spec.md §4.3. A successful
// transfer resubmits every received event through the normal pipeline
// (re-validating and re-inserting it exactly as if gossip had delivered
// it) and clears the fallen-behind state; exhaustion signals run() to
// shut down with errs.ExitReconnectFailureLimit.
func (n *node) runReconnectLoop(log xlog.Logger) {
	for {
		if n.reconnectDriver.Exhausted() {
			log.Error("reconnect failure limit reached, shutting down")
			n.shutdownOnce.Do(func() { close(n.shutdownCh) })
			return
		}
		res, _, err := n.reconnectDriver.Attempt(context.Background(), n.ctx.Key)
		if err != nil {
			time.Sleep(n.ctx.Config.SleepHeartbeat.Duration)
			continue
		}
		for _, nd := range res.Nodes {
			e, err := event.Decode(bytes.NewReader(nd.Payload))
			if err != nil {
				continue
			}
			_ = n.pipe.Submit(context.Background(), e)
		}
		n.gossipMgr.ResetFallenBehind()
		return
	}
}

// onConsensusEvent is the pipeline's consensusHandler: at every round
// boundary (an event whose RoundReceived has not been seen before) it
// hands the newly-decided round's event set to the signed-state manager
// and immediately contributes this node's own signature, per spec.md
// §4.5. The application state tree itself is outside this platform's
// scope (spec.md Non-goals), so StateRoot here commits only to the
// round's consensus event set, not to any application-level Merkle tree.
func (n *node) onConsensusEvent(e *event.Event) {
	if !e.Consensus {
		return
	}
	s, ok := n.states.MostRecentAny()
	if !ok || s.Round != e.RoundReceived {
		s = &signedstate.SignedState{
			Round:              e.RoundReceived,
			ConsensusTimestamp: e.ConsensusTimestamp,
			MinGenerations:     map[uint64]uint64{e.RoundReceived: n.graph.MinGenerationNonAncient()},
			Signatures:         make(map[common.NodeID][]byte),
		}
		n.states.AddUnsignedState(s)
	}
	s.Events = append(s.Events, e.Hash())
	s.StateRoot = platformcrypto.Hash(eventHashesToBytes(s.Events))

	sig, err := n.ctx.Key.Sign(s.StateRoot)
	if err != nil {
		n.ctx.Log.Error("sign state root", xlog.WithErr(err)...)
		return
	}
	if err := n.states.AddSignature(s.Round, n.ctx.Self, sig); err != nil {
		n.ctx.Log.Warn("add own signature", xlog.WithErr(err)...)
	}
}

func eventHashesToBytes(hashes []common.Hash) []byte {
	out := make([]byte, 0, len(hashes)*common.HashLen)
	for _, h := range hashes {
		out = append(out, h.Bytes()...)
	}
	return out
}

func (n *node) start(ctx context.Context) {
	n.pipe.Start(ctx)

	addr, _ := n.ab.ByID(n.ctx.Self)
	ln, err := net.Listen("tcp", addr.Endpoint)
	if err != nil {
		n.ctx.Log.Error("listen", xlog.WithErr(err)...)
		return
	}
	n.listener = ln

	n.wg.Add(1)
	go n.acceptLoop(ctx)

	n.ab.Iterate(func(peer addressbook.Address) bool {
		if peer.ID == n.ctx.Self {
			return true
		}
		n.wg.Add(1)
		go n.dialLoop(ctx, peer)
		return true
	})
}

func (n *node) acceptLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			return
		}
		peer, err := readConnectHandshake(conn)
		if err != nil {
			n.ctx.Log.Warn("connect handshake failed", xlog.WithErr(err)...)
			conn.Close()
			continue
		}
		n.gossipMgr.RegisterPeer(peer, conn)
		n.wg.Add(1)
		go n.serveInbound(ctx, peer)
	}
}

func (n *node) serveInbound(ctx context.Context, peer common.NodeID) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := n.gossipMgr.Dispatch(ctx, peer); err != nil {
			n.ctx.Log.Warn("inbound dispatch failed", "peer", peer, xlog.WithErr(err)...)
			return
		}
	}
}

func (n *node) dialLoop(ctx context.Context, peer addressbook.Address) {
	defer n.wg.Done()
	conn, err := net.Dial("tcp", peer.Endpoint)
	if err != nil {
		n.ctx.Log.Warn("dial peer failed", "peer", peer.ID, xlog.WithErr(err)...)
		return
	}
	if err := writeConnectHandshake(conn, n.ctx.Self); err != nil {
		conn.Close()
		return
	}
	n.gossipMgr.RegisterPeer(peer.ID, conn)

	ticker := time.NewTicker(n.ctx.Config.SleepHeartbeat.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.gossipMgr.Call(ctx, peer.ID); err != nil {
				n.ctx.Log.Warn("sync call failed", "peer", peer.ID, xlog.WithErr(err)...)
				return
			}
		}
	}
}

func writeConnectHandshake(conn net.Conn, self common.NodeID) error {
	if err := wire.WriteOpcode(conn, wire.OpConnect); err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(self))
	return wire.WriteBlob(conn, b[:])
}

func readConnectHandshake(conn net.Conn) (common.NodeID, error) {
	op, err := wire.ReadOpcode(conn)
	if err != nil {
		return 0, err
	}
	if op != wire.OpConnect {
		return 0, fmt.Errorf("expected CONNECT, got %s", op)
	}
	b, err := wire.ReadBlob(conn)
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("malformed CONNECT payload")
	}
	return common.NodeID(binary.BigEndian.Uint64(b)), nil
}

func (n *node) wait() {
	if n.listener != nil {
		n.listener.Close()
	}
	n.pipe.Stop()
	n.wg.Wait()
}

func (n *node) reconnectExhausted() bool { return n.reconnectDriver.Exhausted() }

// SubmitTransaction is this platform's public surface for application
// threads to originate a transaction (spec.md §5's "application threads
// submitting transactions"): it queues data for the next self-authored
// event the gossip subsystem synthesizes after a clean sync round.
func (n *node) SubmitTransaction(data []byte) { n.gossipMgr.SubmitTransaction(data) }

func (n *node) close() {
	if n.store != nil {
		n.store.Close()
	}
}
