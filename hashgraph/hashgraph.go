// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package hashgraph implements C4: the hashgraph virtual-voting
// consensus engine of spec.md §4.1 — witnesses, round assignment, fame
// decision, round-received ordering, stale detection and generation
// bookkeeping. It is grounded in the teacher's per-round voting-snapshot
// pattern (consensus/clique's Snapshot.apply tallies votes across a
// rolling signer window; CarLiveChainCo-goiov's consensus/alien does the
// same over a checkpoint window) generalized from "N of M signers voted
// to add/remove a signer" to "stake-weighted witnesses voted a witness
// famous".
package hashgraph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/event"
	"github.com/hashgraph/hedera-platform-sub002/internal/metrics"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
)

// coinRoundFreq is how often (in rounds-of-separation between a voter
// witness and the witness being judged) voting falls back to a
// pseudo-random coin flip instead of a strongly-seen majority, per
// spec.md §4.1 step 5 / §9 open question (a). 10 matches the original
// Swirlds default.
const coinRoundFreq = 10

var (
	// ErrUnknownCreator rejects an event from a node absent from the
	// address book.
	ErrUnknownCreator = errors.New("hashgraph: unknown creator")
	// ErrBadSignature rejects an event whose signature does not verify.
	ErrBadSignature = errors.New("hashgraph: signature verification failed")
	// ErrSeqGap rejects an event whose seq does not strictly follow the
	// creator's last seen seq.
	ErrSeqGap = errors.New("hashgraph: sequence number gap")
	// ErrMissingParent rejects an event citing a parent hash the graph
	// has neither live nor recorded as expired.
	ErrMissingParent = errors.New("hashgraph: parent not found and not recorded expired")
	// ErrDuplicateEvent is returned (not fatal) when an event hash was
	// already added; spec.md §8 requires this to be a no-op.
	ErrDuplicateEvent = errors.New("hashgraph: duplicate event")
)

// Graph is one node's view of the hashgraph. AddEvent is externally
// serialized by the caller (spec.md §5); Graph adds its own mutex only
// as a defensive second line, matching the teacher's "ordinary mutex,
// no bespoke lock-graph logging" design note (spec.md §9).
type Graph struct {
	mu sync.Mutex

	ab  *addressbook.AddressBook
	log xlog.Logger

	events       map[common.Hash]*event.Event
	selfChildren map[common.Hash]common.Hash // selfParent hash -> child hash
	lastSeq      map[common.NodeID]int64     // -1 = none seen
	lastHash     map[common.NodeID]common.Hash
	expiredGen   map[common.Hash]uint64 // hash -> generation, for events dropped as ancient

	rounds   map[uint64]*Round
	maxRound uint64

	ancestorCache map[common.Hash]map[common.Hash]struct{}

	consensusOrderCounter uint64

	minGenNonAncient   uint64
	minRoundGeneration uint64

	staleQueue []*event.Event // unused: AdvanceExpiration returns stale events directly

	roundsDecided   *roundsDecidedMetric
	witnessesGauge  *gaugeMetric
}

// roundsDecidedMetric / gaugeMetric are tiny adapters so Graph doesn't
// take a hard dependency on prometheus label-vector call sites scattered
// through the voting code; see newMetrics.
type roundsDecidedMetric struct{ inc func() }
type gaugeMetric struct{ set func(float64) }

// New builds an empty Graph for address book ab.
func New(ab *addressbook.AddressBook, log xlog.Logger, reg *metrics.Registry) *Graph {
	g := &Graph{
		ab:            ab,
		log:           log,
		events:        make(map[common.Hash]*event.Event),
		selfChildren:  make(map[common.Hash]common.Hash),
		lastSeq:       make(map[common.NodeID]int64),
		lastHash:      make(map[common.NodeID]common.Hash),
		expiredGen:    make(map[common.Hash]uint64),
		rounds:        make(map[uint64]*Round),
		ancestorCache: make(map[common.Hash]map[common.Hash]struct{}),
	}
	ab.Iterate(func(a addressbook.Address) bool {
		g.lastSeq[a.ID] = -1
		return true
	})
	if reg != nil {
		counter := reg.Counter("rounds_decided_total", "Rounds whose fame was fully decided")
		gauge := reg.Gauge("witnesses_pending", "Witnesses awaiting a fame decision")
		g.roundsDecided = &roundsDecidedMetric{inc: func() { counter.WithLabelValues().Inc() }}
		g.witnessesGauge = &gaugeMetric{set: func(v float64) { gauge.WithLabelValues().Set(v) }}
	}
	return g
}

// Contains reports whether h is a live (non-expired) event in the graph.
func (g *Graph) Contains(h common.Hash) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.events[h]
	return ok
}

// precheck runs the stateless and cheap-first subset of spec.md §4.1
// step 1, shared by Validate (read-only, pre-intake) and AddEvent (the
// authoritative mutator).
func (g *Graph) precheck(e *event.Event) error {
	if _, ok := g.ab.ByID(e.Creator); !ok {
		return ErrUnknownCreator
	}
	if err := g.ab.Verify(e.Creator, e.Hash(), e.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if _, dup := g.events[e.Hash()]; dup {
		return ErrDuplicateEvent
	}
	wantSeq := g.lastSeq[e.Creator] + 1
	if int64(e.Seq) != wantSeq {
		return fmt.Errorf("%w: creator=%s have=%d want=%d", ErrSeqGap, e.Creator, e.Seq, wantSeq)
	}
	if e.HasSelfParent() {
		if _, live := g.events[e.SelfParent]; !live {
			if _, expired := g.expiredGen[e.SelfParent]; !expired {
				return fmt.Errorf("%w: self-parent %s", ErrMissingParent, e.SelfParent)
			}
		}
	}
	if e.HasOtherParent() {
		if _, live := g.events[e.OtherParent]; !live {
			if _, expired := g.expiredGen[e.OtherParent]; !expired {
				return fmt.Errorf("%w: other-parent %s", ErrMissingParent, e.OtherParent)
			}
		}
	}
	return nil
}

// Validate runs the reject checks of spec.md §4.1 step 1 without
// mutating the graph, so gossip intake can reject malformed events
// before they ever reach the serialized AddEvent mutator.
func (g *Graph) Validate(e *event.Event) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.precheck(e)
}

// AddEvent is the hashgraph's sole mutator (spec.md §4.1). It returns
// the newly-consensus events, in consensusOrder, produced by this
// insertion — nil if e did not cause any round to finish being decided.
func (g *Graph) AddEvent(e *event.Event) ([]*event.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.precheck(e); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			return nil, nil // spec.md §8: repeated AddEvent is a no-op, not an error
		}
		return nil, err
	}

	e.Generation = g.generation(e)

	// e must be reachable from its own hash before assignRound runs:
	// assignRound's strongly-sees check walks ancestorsOrSelf(e.Hash()),
	// which recurses into SelfParent/OtherParent via a g.events lookup —
	// inserting e first is what lets that walk see past e itself instead
	// of stopping at the singleton {e.Hash()} and memoizing a truncated
	// ancestor set for e's hash permanently.
	g.events[e.Hash()] = e
	e.RoundCreated = g.assignRound(e)
	e.Witness = g.isWitness(e)

	g.lastSeq[e.Creator] = int64(e.Seq)
	g.lastHash[e.Creator] = e.Hash()
	if e.HasSelfParent() {
		g.selfChildren[e.SelfParent] = e.Hash()
	}
	if e.RoundCreated > g.maxRound {
		g.maxRound = e.RoundCreated
	}

	if e.Witness {
		round := g.roundOrNew(e.RoundCreated)
		round.Witnesses[e.Creator] = e
	}

	var newlyConsensus []*event.Event
	if e.Witness {
		newlyConsensus = g.processFame(e)
	}
	return newlyConsensus, nil
}

func (g *Graph) roundOrNew(n uint64) *Round {
	r, ok := g.rounds[n]
	if !ok {
		r = newRound(n)
		g.rounds[n] = r
	}
	return r
}

// generation implements spec.md §3: 1 + max(parent generations), absent
// parents contributing 0.
func (g *Graph) generation(e *event.Event) uint64 {
	var selfGen, otherGen uint64
	if e.HasSelfParent() {
		selfGen = g.parentGeneration(e.SelfParent)
	}
	if e.HasOtherParent() {
		otherGen = g.parentGeneration(e.OtherParent)
	}
	if selfGen > otherGen {
		return selfGen + 1
	}
	return otherGen + 1
}

func (g *Graph) parentGeneration(h common.Hash) uint64 {
	if p, ok := g.events[h]; ok {
		return p.Generation
	}
	return g.expiredGen[h]
}

func (g *Graph) parentRound(h common.Hash) uint64 {
	if p, ok := g.events[h]; ok {
		return p.RoundCreated
	}
	return 0
}

// assignRound implements spec.md §4.1 step 3: the event's round is
// max(parents.roundCreated), promoted to r+1 iff it strongly sees
// supermajority stake of round r's witnesses.
func (g *Graph) assignRound(e *event.Event) uint64 {
	if !e.HasSelfParent() && !e.HasOtherParent() {
		return 1
	}
	base := g.parentRound(e.SelfParent)
	if or := g.parentRound(e.OtherParent); or > base {
		base = or
	}
	if base == 0 {
		base = 1
	}
	round, ok := g.rounds[base]
	if !ok || len(round.Witnesses) == 0 {
		return base
	}
	var stake common.Stake
	for creator, w := range round.Witnesses {
		if g.stronglySees(e, w) {
			addr, _ := g.ab.ByID(creator)
			stake += addr.Stake
		}
	}
	if g.ab.Quorum().ExceedsSuperMajority(stake) {
		return base + 1
	}
	return base
}

// isWitness implements spec.md §3: first event by its creator in its
// round, or the very first event (round 1).
func (g *Graph) isWitness(e *event.Event) bool {
	if !e.HasSelfParent() {
		return true
	}
	sp, ok := g.events[e.SelfParent]
	if !ok {
		// self-parent already expired: this is necessarily the first
		// live event by this creator in its round.
		return true
	}
	return sp.RoundCreated < e.RoundCreated
}

// ancestorsOrSelf returns the memoized set of hashes reachable from h
// (inclusive), via self-parent and other-parent edges. Forks cannot
// occur (precheck rejects seq gaps before they can fork the graph), so
// plain reachability is a sound "sees" relation — no fork-aware
// first-ancestor bookkeeping is required.
func (g *Graph) ancestorsOrSelf(h common.Hash) map[common.Hash]struct{} {
	if cached, ok := g.ancestorCache[h]; ok {
		return cached
	}
	result := map[common.Hash]struct{}{h: {}}
	if e, ok := g.events[h]; ok {
		if e.HasSelfParent() {
			for a := range g.ancestorsOrSelf(e.SelfParent) {
				result[a] = struct{}{}
			}
		}
		if e.HasOtherParent() {
			for a := range g.ancestorsOrSelf(e.OtherParent) {
				result[a] = struct{}{}
			}
		}
	}
	g.ancestorCache[h] = result
	return result
}

// sees reports whether y is an ancestor of, or equal to, x.
func (g *Graph) sees(x, y *event.Event) bool {
	_, ok := g.ancestorsOrSelf(x.Hash())[y.Hash()]
	return ok
}

// stronglySees implements "strongly sees": x reaches y through a set of
// distinct creators whose combined stake exceeds supermajority. Because
// each creator's chain is totally ordered and "sees y" only ever turns
// true and stays true as a chain extends, it suffices to check each
// creator's most-recent ancestor of x.
func (g *Graph) stronglySees(x, y *event.Event) bool {
	latest := make(map[common.NodeID]*event.Event)
	for h := range g.ancestorsOrSelf(x.Hash()) {
		a, ok := g.events[h]
		if !ok {
			continue
		}
		if cur, ok := latest[a.Creator]; !ok || a.Seq > cur.Seq {
			latest[a.Creator] = a
		}
	}
	var stake common.Stake
	for creator, a := range latest {
		if a.Hash() == y.Hash() || g.sees(a, y) {
			addr, _ := g.ab.ByID(creator)
			stake += addr.Stake
		}
	}
	return g.ab.Quorum().ExceedsSuperMajority(stake)
}

// coinFlip derives a deterministic pseudo-random bit from a witness's
// own signature, used only for the coin-round fallback of spec.md §4.1
// step 5. It must never depend on wall-clock or process randomness: all
// honest nodes must compute the same bit for the same event.
func coinFlip(e *event.Event) bool {
	if len(e.Signature) == 0 {
		return false
	}
	var parity byte
	for _, b := range e.Signature {
		parity ^= b
	}
	return parity&1 == 1
}

// processFame runs virtual voting for witness e against every
// not-yet-decided earlier round, per spec.md §4.1 step 5, and resolves
// round-received ordering (step 6) for any round that becomes fully
// decided as a result.
func (g *Graph) processFame(e *event.Event) []*event.Event {
	r := e.RoundCreated
	if r < 2 {
		return nil
	}
	prevRound, ok := g.rounds[r-1]
	if !ok {
		return nil
	}

	var newlyConsensus []*event.Event
	for ri := r - 1; ri >= 1; ri-- {
		round, ok := g.rounds[ri]
		if !ok {
			break
		}
		if round.Decided() {
			continue
		}
		for creator, w := range round.Witnesses {
			if round.decided[creator] {
				continue
			}
			g.castVote(e, w, round, prevRound, r-ri)
		}
		if round.Decided() && !round.fameDecided {
			round.fameDecided = true
			if g.roundsDecided != nil {
				g.roundsDecided.inc()
			}
			newlyConsensus = append(newlyConsensus, g.assignRoundReceived(round)...)
		}
		if ri == 1 {
			break
		}
	}
	return newlyConsensus
}

// castVote records voter e's opinion of witness w (sitting in round,
// decided against votes from prevRound = the round immediately below
// e's own round), per spec.md §4.1 step 5's three voting regimes.
func (g *Graph) castVote(e, w *event.Event, round, prevRound *Round, diff uint64) {
	if _, ok := round.votes[w.Creator]; !ok {
		round.votes[w.Creator] = make(map[common.NodeID]vote)
	}
	if diff == 1 {
		round.votes[w.Creator][e.Creator] = vote{famous: g.sees(e, w)}
		return
	}
	if diff%coinRoundFreq == 0 {
		round.votes[w.Creator][e.Creator] = vote{famous: coinFlip(e)}
		return
	}
	var yes, no common.Stake
	for creator2, v2 := range prevRound.Witnesses {
		if !g.stronglySees(e, v2) {
			continue
		}
		vv, ok := round.votes[w.Creator][creator2]
		if !ok {
			continue
		}
		addr, _ := g.ab.ByID(creator2)
		if vv.famous {
			yes += addr.Stake
		} else {
			no += addr.Stake
		}
	}
	q := g.ab.Quorum()
	switch {
	case q.ExceedsSuperMajority(yes):
		round.decided[w.Creator] = true
		round.famous[w.Creator] = true
		round.votes[w.Creator][e.Creator] = vote{decided: true, famous: true}
	case q.ExceedsSuperMajority(no):
		round.decided[w.Creator] = true
		round.famous[w.Creator] = false
		round.votes[w.Creator][e.Creator] = vote{decided: true, famous: false}
	default:
		round.votes[w.Creator][e.Creator] = vote{famous: yes >= no}
	}
}

// assignRoundReceived implements spec.md §4.1 step 6: every
// not-yet-consensus ancestor-or-self of every famous witness of round
// receives that round, with a median-of-first-self-descendant
// consensus timestamp and a deterministic tie-break order.
func (g *Graph) assignRoundReceived(round *Round) []*event.Event {
	famous := round.FamousWitnesses()
	if len(famous) == 0 {
		return nil
	}
	sort.Slice(famous, func(i, j int) bool { return famous[i].Creator < famous[j].Creator })

	candidateSet := g.ancestorsOrSelf(famous[0].Hash())
	for _, w := range famous[1:] {
		next := g.ancestorsOrSelf(w.Hash())
		for h := range candidateSet {
			if _, ok := next[h]; !ok {
				delete(candidateSet, h)
			}
		}
	}

	fp := fingerprint(famous)
	var candidates []*event.Event
	for h := range candidateSet {
		e, ok := g.events[h]
		if !ok || e.Consensus {
			continue
		}
		e.RoundReceived = round.Number
		e.ConsensusTimestamp = g.medianTimestamp(famous, e)
		e.Consensus = true
		candidates = append(candidates, e)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ConsensusTimestamp.Equal(b.ConsensusTimestamp) {
			return a.ConsensusTimestamp.Before(b.ConsensusTimestamp)
		}
		wa, wb := whiten(a.Hash(), fp), whiten(b.Hash(), fp)
		if wa != wb {
			return lessHash(wa, wb)
		}
		return lessHash(a.Hash(), b.Hash())
	})

	for _, e := range candidates {
		e.ConsensusOrder = g.consensusOrderCounter
		g.consensusOrderCounter++
	}
	return candidates
}

// medianTimestamp implements spec.md §4.1 step 6's consensus timestamp:
// the median, over the round's famous witnesses, of the creation time
// claimed by the first self-descendant of that witness which is itself
// an ancestor-or-self of e. Per spec.md §9 open question (a), ties in
// the median (an even-length timestamp list) resolve to the
// lower-middle element — the choice validated against scenario 1's
// requirement that consensusTimestamp stays monotone non-decreasing
// across single-creator bursts of same-timestamp transactions.
func (g *Graph) medianTimestamp(famous []*event.Event, e *event.Event) time.Time {
	var timestamps []time.Time
	for _, w := range famous {
		if d := g.firstSelfDescendantSeeing(w, e); d != nil {
			timestamps = append(timestamps, d.CreatedAt)
		}
	}
	if len(timestamps) == 0 {
		return e.CreatedAt
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })
	return timestamps[(len(timestamps)-1)/2]
}

// firstSelfDescendantSeeing walks w's self-child chain (inclusive of w
// itself) for the first event that has e as an ancestor-or-self.
func (g *Graph) firstSelfDescendantSeeing(w, e *event.Event) *event.Event {
	cur := w
	for {
		if _, ok := g.ancestorsOrSelf(cur.Hash())[e.Hash()]; ok {
			return cur
		}
		next, ok := g.selfChildren[cur.Hash()]
		if !ok {
			return nil
		}
		cur = g.events[next]
		if cur == nil {
			return nil
		}
	}
}

func fingerprint(famous []*event.Event) common.Hash {
	var fp common.Hash
	for _, w := range famous {
		h := w.Hash()
		for i := range fp {
			fp[i] ^= h[i]
		}
	}
	return fp
}

func whiten(h, fp common.Hash) common.Hash {
	var out common.Hash
	for i := range out {
		out[i] = h[i] ^ fp[i]
	}
	return out
}

func lessHash(a, b common.Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// MinGenerationNonAncient is the current "ancient" floor (spec.md §3):
// events whose generation is below this are candidates for expiry.
func (g *Graph) MinGenerationNonAncient() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minGenNonAncient
}

// AdvanceExpiration raises the ancient-generation floor and discards
// every event below it from hot structures, per spec.md §4.1
// "Expiration". Events that never reached consensus are returned as
// newly-stale (spec.md §8: exactly once, never alongside consensus);
// consensus-decided ancient events are simply forgotten. Both the floor
// and minRoundGeneration are non-decreasing — the caller (driven by the
// signed-state manager, spec.md §4.1) must never call this with a lower
// value than the last call.
func (g *Graph) AdvanceExpiration(minGen uint64) []*event.Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	if minGen <= g.minGenNonAncient {
		return nil
	}
	g.minGenNonAncient = minGen

	var stale []*event.Event
	for h, e := range g.events {
		if e.Generation >= minGen {
			continue
		}
		if !e.Consensus {
			stale = append(stale, e)
		}
		delete(g.events, h)
		delete(g.selfChildren, h)
		g.expiredGen[h] = e.Generation
		delete(g.ancestorCache, h)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Hash() != stale[j].Hash() && lessHash(stale[i].Hash(), stale[j].Hash()) })
	return stale
}

// MaxRound is the highest round number with at least one witness.
func (g *Graph) MaxRound() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxRound
}

// EventByHash returns the live (non-expired, non-evicted) event with
// hash h, if any — the lookup gossip uses to serialize events it has
// decided to offer a peer.
func (g *Graph) EventByHash(h common.Hash) (*event.Event, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.events[h]
	return e, ok
}

// Round returns round n's bookkeeping, if any.
func (g *Graph) Round(n uint64) (*Round, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rounds[n]
	return r, ok
}

// SelfTip returns creator's most recently added event hash, the
// self-parent a newly synthesized event by creator must chain onto
// (spec.md §4.3 step 8).
func (g *Graph) SelfTip(creator common.NodeID) (common.Hash, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.lastHash[creator]
	return h, ok
}

// StrongMinorityInMaxRound reports whether creator has a witness in the
// current max round and that round's witnesses collectively hold more
// than a strong minority of stake — spec.md §4.3 step 8's
// "strong-minority-in-max-round set".
func (g *Graph) StrongMinorityInMaxRound(creator common.NodeID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	round, ok := g.rounds[g.maxRound]
	if !ok {
		return false
	}
	if _, ok := round.Witnesses[creator]; !ok {
		return false
	}
	var stake common.Stake
	for c := range round.Witnesses {
		addr, _ := g.ab.ByID(c)
		stake += addr.Stake
	}
	return g.ab.Quorum().ExceedsStrongMinority(stake)
}
