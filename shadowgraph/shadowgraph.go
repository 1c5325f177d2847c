// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package shadowgraph implements C3: a gossip-only index over events —
// tips, parent/child edges and descendant queries — kept separate from
// the consensus engine's heavier Round/vote bookkeeping so sync can run
// without taking the hashgraph lock. Grounded in the teacher's
// lightweight header-only index pattern (core/forkid and the light
// client's odr cache keep a thin, GC-friendly shadow of full block data)
// generalized from "block header" to "event shadow".
package shadowgraph

import (
	lru "github.com/hashicorp/golang-lru/v2"
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
)

// shadow is the minimal per-event record the sync protocol needs: its
// identity, generation (for expiry comparisons), parent hashes (copied
// from the event at Insert) and child edges.
type shadow struct {
	hash        common.Hash
	generation  uint64
	selfParent  common.Hash
	otherParent common.Hash
	children    mapset.Set[common.Hash]

	searchMark uint64 // last sync epoch this node was visited during a diff walk
	syncMark   uint64 // last sync epoch this node was offered to a peer
}

// Graph is the shadow-graph index: one shadow record per live event,
// plus the creator-indexed tip set the gossip layer exchanges with
// peers (spec.md §6's tip-hash list).
type Graph struct {
	nodes map[common.Hash]*shadow
	tips  map[common.NodeID]common.Hash // creator -> its highest-seq live event

	descendantCache *lru.Cache[common.Hash, mapset.Set[common.Hash]]

	epoch uint64 // bumped once per sync session, see NewEpoch
}

// New builds an empty shadow graph. descendantCacheSize bounds the LRU
// used to memoize descendant-set queries (0 disables caching).
func New(descendantCacheSize int) *Graph {
	g := &Graph{
		nodes: make(map[common.Hash]*shadow),
		tips:  make(map[common.NodeID]common.Hash),
	}
	if descendantCacheSize > 0 {
		c, _ := lru.New[common.Hash, mapset.Set[common.Hash]](descendantCacheSize)
		g.descendantCache = c
	}
	return g
}

// Insert adds e's shadow record, wiring it as a child of its parents (if
// those parents are still tracked) and advancing the creator's tip.
func (g *Graph) Insert(e *event.Event) {
	h := e.Hash()
	if _, ok := g.nodes[h]; ok {
		return
	}
	s := &shadow{
		hash:        h,
		generation:  e.Generation,
		selfParent:  e.SelfParent,
		otherParent: e.OtherParent,
		children:    mapset.NewThreadUnsafeSet[common.Hash](),
	}
	g.nodes[h] = s
	if e.HasSelfParent() {
		if p, ok := g.nodes[e.SelfParent]; ok {
			p.children.Add(h)
		}
	}
	if e.HasOtherParent() {
		if p, ok := g.nodes[e.OtherParent]; ok {
			p.children.Add(h)
		}
	}
	if cur, ok := g.tips[e.Creator]; !ok || g.nodes[cur].generation < s.generation {
		g.tips[e.Creator] = h
	}
	g.invalidateDescendantCache()
}

// Contains reports whether h has a live shadow record.
func (g *Graph) Contains(h common.Hash) bool {
	_, ok := g.nodes[h]
	return ok
}

// Expire drops every shadow record whose generation is below minGen,
// matching the hashgraph's own expiry floor (spec.md §4.1 "Expiration")
// so the two indexes never disagree about what counts as ancient.
func (g *Graph) Expire(minGen uint64) {
	for h, s := range g.nodes {
		if s.generation < minGen {
			delete(g.nodes, h)
			for creator, tip := range g.tips {
				if tip == h {
					delete(g.tips, creator)
				}
			}
		}
	}
	g.invalidateDescendantCache()
}

// Tips returns the current per-creator tips, the source of the tip-hash
// list exchanged during a sync round (spec.md §6).
func (g *Graph) Tips() map[common.NodeID]common.Hash {
	out := make(map[common.NodeID]common.Hash, len(g.tips))
	for k, v := range g.tips {
		out[k] = v
	}
	return out
}

// Descendants returns every hash reachable from h by following child
// edges, h itself excluded. Results are memoized until the next Insert
// or Expire invalidates the cache.
func (g *Graph) Descendants(h common.Hash) mapset.Set[common.Hash] {
	if g.descendantCache != nil {
		if cached, ok := g.descendantCache.Get(h); ok {
			return cached
		}
	}
	out := mapset.NewThreadUnsafeSet[common.Hash]()
	var walk func(common.Hash)
	walk = func(cur common.Hash) {
		s, ok := g.nodes[cur]
		if !ok {
			return
		}
		for _, c := range s.children.ToSlice() {
			if !out.Contains(c) {
				out.Add(c)
				walk(c)
			}
		}
	}
	walk(h)
	if g.descendantCache != nil {
		g.descendantCache.Add(h, out)
	}
	return out
}

func (g *Graph) invalidateDescendantCache() {
	if g.descendantCache != nil {
		g.descendantCache.Purge()
	}
}

// NewEpoch starts a fresh sync session and returns its id, used to tag
// searchMark/syncMark so a diff walk never needs to clear per-node
// marks between syncs (spec.md §6 sync protocol).
func (g *Graph) NewEpoch() uint64 {
	g.epoch++
	return g.epoch
}

// MarkSearched tags h as visited during the diff walk for the given
// epoch, returning false if it was already marked (a cycle guard for the
// recursive ancestor walk in Diff).
func (g *Graph) markSearched(h common.Hash, epoch uint64) bool {
	s, ok := g.nodes[h]
	if !ok {
		return false
	}
	if s.searchMark == epoch {
		return false
	}
	s.searchMark = epoch
	return true
}

// Diff computes the events this node has that a peer, whose reported
// tips are peerTips, does not — i.e. every ancestor of our tips that is
// not an ancestor-or-self of any peer tip. This is the "what do I send
// next" half of spec.md §6's sync protocol; the peer runs the same
// function with roles reversed to compute its own offer.
func (g *Graph) Diff(peerTips map[common.NodeID]common.Hash) []common.Hash {
	epoch := g.NewEpoch()
	known := mapset.NewThreadUnsafeSet[common.Hash]()
	for _, h := range peerTips {
		g.markAncestors(h, epoch, known)
	}

	var missing []common.Hash
	for _, tip := range g.tips {
		g.collectUnknownAncestors(tip, known, mapset.NewThreadUnsafeSet[common.Hash](), &missing)
	}
	return missing
}

func (g *Graph) markAncestors(h common.Hash, epoch uint64, known mapset.Set[common.Hash]) {
	if !g.markSearched(h, epoch) {
		return
	}
	known.Add(h)
	s := g.nodes[h]
	if !s.selfParent.IsZero() {
		g.markAncestors(s.selfParent, epoch, known)
	}
	if !s.otherParent.IsZero() {
		g.markAncestors(s.otherParent, epoch, known)
	}
}

func (g *Graph) collectUnknownAncestors(h common.Hash, known, visited mapset.Set[common.Hash], out *[]common.Hash) {
	if h.IsZero() || visited.Contains(h) {
		return
	}
	visited.Add(h)
	if known.Contains(h) {
		return
	}
	s, ok := g.nodes[h]
	if !ok {
		return
	}
	*out = append(*out, h)
	g.collectUnknownAncestors(s.selfParent, known, visited, out)
	g.collectUnknownAncestors(s.otherParent, known, visited, out)
}
