// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package platform

import (
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/metrics"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// Context is the explicit platform-wide value threaded through every
// subsystem's constructor, replacing the source's global singletons
// (settings, crypto factory, notification engine) per spec.md §9. The
// only process-wide state left outside Context is the once-initialized
// signer/verifier chosen at startup, which Context itself carries.
type Context struct {
	Config Config
	Self   common.NodeID
	Key    *platformcrypto.PrivateKey
	Log    xlog.Logger
	Reg    *metrics.Registry
}

// New builds a platform Context for node self, wiring a namespaced
// metrics registry and a logger annotated with the node's identity.
func New(cfg Config, self common.NodeID, key *platformcrypto.PrivateKey) *Context {
	log := xlog.Root().With("node", self)
	return &Context{
		Config: cfg,
		Self:   self,
		Key:    key,
		Log:    log,
		Reg:    metrics.New("hashgraph"),
	}
}

// WithComponent returns a derived Context whose logger and metrics
// registry are scoped to component (e.g. "gossip", "consensus"), so log
// lines and metric names self-identify their owning subsystem.
func (c *Context) WithComponent(component string) *Context {
	return &Context{
		Config: c.Config,
		Self:   c.Self,
		Key:    c.Key,
		Log:    c.Log.With("component", component),
		Reg:    metrics.New("hashgraph_" + component),
	}
}
