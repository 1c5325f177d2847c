// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package gossip implements C6: the pairwise caller/listener sync
// protocol, heartbeats, per-peer connection lifecycle, fallen-behind
// tracking and the simultaneous-sync throttle of spec.md §4.3.
// Grounded in the teacher's per-peer goroutine-with-locks shape (only
// visible through its p2p test fixtures — one read loop, one write
// path, a mutex serializing writes onto a shared connection) and, for
// the overall caller/listener/heartbeat division, the same shape seen
// in DEXON's core/test fake network transport.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/metrics"
	"github.com/hashgraph/hedera-platform-sub002/internal/wire"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/platform/errs"
)

// ErrHeartbeatMismatch is returned when the peer's heartbeat reply byte
// does not match the expected opcode.
var ErrHeartbeatMismatch = errors.New("gossip: heartbeat ack mismatch")

// ConnManager owns one peer's connection: the socket, the two
// mutual-exclusion locks that keep the caller, listener and heartbeat
// roles from writing over each other on the shared socket pair, and a
// rate limiter pacing this peer's heartbeats.
type ConnManager struct {
	Peer common.NodeID
	Conn io.ReadWriteCloser

	// lockCallListen serializes the caller role against the listener
	// role sharing this peer's socket; lockCallHeartbeat serializes the
	// caller role against the heartbeat role. Listener and heartbeat
	// never contend with each other directly — both only ever read or
	// write while the caller isn't mid-round, per spec.md §4.3's "each
	// sharing a single socket pair per peer behind a mutual-exclusion
	// lock".
	lockCallListen    sync.Mutex
	lockCallHeartbeat sync.Mutex

	heartbeatLimiter *rate.Limiter

	log xlog.Logger
	opCounter func(op wire.Opcode)

	fallenBehindReports int
}

// NewConnManager wraps conn for peer, pacing heartbeats to at most one
// per sleepHeartbeat interval.
func NewConnManager(peer common.NodeID, conn io.ReadWriteCloser, sleepHeartbeat time.Duration, log xlog.Logger, reg *metrics.Registry) *ConnManager {
	cm := &ConnManager{
		Peer: peer,
		Conn: conn,
		log:  log,
	}
	if sleepHeartbeat <= 0 {
		sleepHeartbeat = time.Second
	}
	cm.heartbeatLimiter = rate.NewLimiter(rate.Every(sleepHeartbeat), 1)
	if reg != nil {
		counter := reg.Counter("messages_total", "Gossip wire messages sent or received", "opcode")
		cm.opCounter = func(op wire.Opcode) { counter.WithLabelValues(op.String()).Inc() }
	}
	return cm
}

func (cm *ConnManager) countOp(op wire.Opcode) {
	if cm.opCounter != nil {
		cm.opCounter(op)
	}
}

// Heartbeat runs one caller-side heartbeat round: write HEARTBEAT, read
// HEARTBEAT_ACK within the deadline. A timeout or other I/O failure is
// returned as a transient I/O error; a reply other than HEARTBEAT_ACK is
// returned as a protocol violation (ErrHeartbeatMismatch). Heartbeat
// does not close the socket itself.
func (cm *ConnManager) Heartbeat(readTimeout time.Duration) error {
	if !cm.heartbeatLimiter.Allow() {
		return nil // paced out; try again next tick
	}
	cm.lockCallHeartbeat.Lock()
	defer cm.lockCallHeartbeat.Unlock()

	if err := wire.WriteOpcode(cm.Conn, wire.OpHeartbeat); err != nil {
		return errs.Transient(fmt.Errorf("gossip: write heartbeat: %w", err))
	}
	cm.countOp(wire.OpHeartbeat)

	if dl, ok := cm.Conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = dl.SetReadDeadline(time.Now().Add(readTimeout))
	}
	op, err := wire.ReadOpcode(cm.Conn)
	if err != nil {
		return errs.Transient(fmt.Errorf("gossip: read heartbeat ack: %w", err))
	}
	if op != wire.OpHeartbeatAck {
		return errs.Protocol(ErrHeartbeatMismatch)
	}
	cm.countOp(wire.OpHeartbeatAck)
	return nil
}

// RespondHeartbeat runs one listener-side heartbeat reply: read
// HEARTBEAT, write HEARTBEAT_ACK.
func (cm *ConnManager) RespondHeartbeat() error {
	op, err := wire.ReadOpcode(cm.Conn)
	if err != nil {
		return errs.Transient(fmt.Errorf("gossip: read heartbeat: %w", err))
	}
	if op != wire.OpHeartbeat {
		return errs.Protocol(fmt.Errorf("gossip: expected HEARTBEAT, got %s", op))
	}
	cm.countOp(op)
	if err := wire.WriteOpcode(cm.Conn, wire.OpHeartbeatAck); err != nil {
		return errs.Transient(fmt.Errorf("gossip: write heartbeat ack: %w", err))
	}
	cm.countOp(wire.OpHeartbeatAck)
	return nil
}

// Close releases the underlying connection.
func (cm *ConnManager) Close() error { return cm.Conn.Close() }

// runUntilCancel is a small helper the caller/heartbeat loops share: it
// keeps calling fn on the given period until ctx is cancelled.
func runUntilCancel(ctx context.Context, period time.Duration, fn func() error, onErr func(error)) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
