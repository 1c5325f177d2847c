// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package reconnect

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/platform/errs"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// Dialer opens a fresh connection to one of the candidate peers a
// fallen-behind node may try, in priority order.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Driver retries Receive against a sequence of peers, counting
// consecutive failures against a shutdown threshold (spec.md §4.3:
// "consecutive reconnect failures above a threshold terminate the
// process").
type Driver struct {
	dial        Dialer
	haveLocally func(common.Hash) ([]byte, bool)
	maxFailures int
	log         xlog.Logger

	consecutiveFailures int
}

// NewDriver builds a Driver. haveLocally should reflect the node's most
// recently retained signed state, so unchanged leaves are never
// re-transferred.
func NewDriver(dial Dialer, haveLocally func(common.Hash) ([]byte, bool), maxFailures int, log xlog.Logger) *Driver {
	return &Driver{dial: dial, haveLocally: haveLocally, maxFailures: maxFailures, log: log}
}

// Attempt runs one reconnect round. On success it resets the failure
// counter and returns the loaded state plus this node's signature over
// its root; on failure it increments the counter and wraps the error as
// errs.ReconnectLoadFailure. Once Exhausted reports true the caller
// should terminate with platform/errs.ExitReconnectFailureLimit.
func (d *Driver) Attempt(ctx context.Context, key *platformcrypto.PrivateKey) (*Result, []byte, error) {
	session := uuid.New().String()

	conn, err := d.dial(ctx)
	if err != nil {
		d.fail(session, err)
		return nil, nil, errs.ReconnectLoadFailure(err)
	}
	defer conn.Close()

	res, err := Receive(ctx, conn, d.haveLocally)
	if err != nil {
		d.fail(session, err)
		return nil, nil, errs.ReconnectLoadFailure(err)
	}

	sig, err := SignAndAck(key, res)
	if err != nil {
		d.fail(session, err)
		return nil, nil, errs.ReconnectLoadFailure(err)
	}

	d.consecutiveFailures = 0
	if d.log != nil {
		d.log.Info("reconnect succeeded", "session", session, "nodes", len(res.Nodes))
	}
	return res, sig, nil
}

func (d *Driver) fail(session string, err error) {
	d.consecutiveFailures++
	if d.log != nil {
		d.log.Warn("reconnect attempt failed", "session", session, "consecutiveFailures", d.consecutiveFailures, "err", err)
	}
}

// Exhausted reports whether the consecutive-failure count has crossed
// maxFailures, meaning the process should terminate with
// errs.ExitReconnectFailureLimit.
func (d *Driver) Exhausted() bool {
	return d.maxFailures > 0 && d.consecutiveFailures >= d.maxFailures
}
