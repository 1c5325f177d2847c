// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package signedstate implements C7: building signed states at round
// boundaries, gathering signatures, and exposing the most recent
// complete state for both local queries and reconnecting peers, per
// spec.md §4.5. Grounded in the teacher's vote-tally/threshold pattern
// (consensus/clique's Snapshot signer tally, generalized here from "N
// signer votes" to "stake-weighted signature set over a state root")
// and its reference-counted resource release idiom (core/state's
// trie.Database journal commit/release bookkeeping).
package signedstate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/xlog"
	"github.com/hashgraph/hedera-platform-sub002/platform/errs"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// ErrStaleRound is returned (not fatal) when a signature arrives for a
// round older than the oldest retained state.
var ErrStaleRound = errors.New("signedstate: round is older than oldest retained state")

// SignedState is one round boundary's snapshot, per spec.md §3.
type SignedState struct {
	Round              uint64
	StateRoot          common.Hash // Merkle root of the application state tree
	ConsensusTimestamp time.Time
	Events             []common.Hash          // events in this round, by hash
	MinGenerations     map[uint64]uint64       // round -> min generation, for restart
	Signatures         map[common.NodeID][]byte

	complete bool
	refCount int32
}

// roundTxt is the plaintext on-disk companion to state.bin/sigset.bin,
// per spec.md §6's signed-state file layout.
type roundTxt struct {
	LastRoundReceived  uint64
	ConsensusTimestamp time.Time
	MinGenerations     map[uint64]uint64
}

// Stake returns the state's current signed stake, given ab.
func (s *SignedState) stake(ab *addressbook.AddressBook) common.Stake {
	var total common.Stake
	for id := range s.Signatures {
		if addr, ok := ab.ByID(id); ok {
			total += addr.Stake
		}
	}
	return total
}

// Persister is the narrow subset of statestore.Store the manager needs,
// so tests can substitute an in-memory fake without a real LevelDB
// directory.
type Persister interface {
	WriteRound(round uint64, stateBin, sigsetBin, roundTxt []byte) error
}

// Manager owns the retained signed states: the most recent complete
// one, the most recent of any completeness (for reconnect sender
// preconditions), and everything still reserved by a reader.
type Manager struct {
	mu sync.Mutex

	ab        *addressbook.AddressBook
	log       xlog.Logger
	persister Persister
	savePeriod time.Duration
	lastSave  time.Time

	states             map[uint64]*SignedState
	oldestRetained     uint64
	mostRecentComplete uint64
	mostRecentAny      uint64

	onComplete func(*SignedState) // notification hook, e.g. reconnect eligibility
}

// New builds a Manager over address book ab. savePeriod of 0 disables
// periodic disk persistence (spec.md §4.5: "when configured").
func New(ab *addressbook.AddressBook, log xlog.Logger, persister Persister, savePeriod time.Duration) *Manager {
	return &Manager{
		ab:         ab,
		log:        log,
		persister:  persister,
		savePeriod: savePeriod,
		states:     make(map[uint64]*SignedState),
	}
}

// OnComplete registers a callback invoked whenever a state transitions
// to complete, used by the reconnect subsystem to learn it now has a
// state worth serving.
func (m *Manager) OnComplete(fn func(*SignedState)) { m.onComplete = fn }

// AddUnsignedState registers a freshly built state at a round boundary
// (spec.md §4.5's consensus-handler contract).
func (m *Manager) AddUnsignedState(s *SignedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Signatures == nil {
		s.Signatures = make(map[common.NodeID][]byte)
	}
	s.refCount = 1 // the manager itself holds one reservation until displaced
	m.states[s.Round] = s
	if s.Round > m.mostRecentAny {
		m.mostRecentAny = s.Round
	}
}

// AddSignature validates and records a peer's (or our own) signature
// over round's state root, per spec.md §4.5. An invalid signature is a
// protocol violation; a signature for an already-expired round is
// silently discarded.
func (m *Manager) AddSignature(round uint64, node common.NodeID, sig []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if round < m.oldestRetained {
		return nil // discarded, per spec.md §4.5, not an error
	}
	s, ok := m.states[round]
	if !ok {
		return fmt.Errorf("signedstate: unknown round %d", round)
	}
	if err := m.ab.Verify(node, s.StateRoot, sig); err != nil {
		return errs.Protocol(fmt.Errorf("signedstate: signature from %s: %w", node, err))
	}
	s.Signatures[node] = sig

	if !s.complete && m.ab.Quorum().ExceedsSuperMajority(s.stake(m.ab)) {
		s.complete = true
		if round > m.mostRecentComplete {
			m.mostRecentComplete = round
		}
		if m.onComplete != nil {
			m.onComplete(s)
		}
		if err := m.maybePersist(s); err != nil && m.log != nil {
			m.log.Warn("signed state persistence failed", xlog.WithErr(err)...)
		}
	}
	return nil
}

func (m *Manager) maybePersist(s *SignedState) error {
	if m.persister == nil {
		return nil
	}
	if m.savePeriod > 0 {
		if !m.lastSave.IsZero() && time.Since(m.lastSave) < m.savePeriod {
			return nil
		}
	}
	m.lastSave = time.Now()

	var sigBuf bytes.Buffer
	if err := gob.NewEncoder(&sigBuf).Encode(s.Signatures); err != nil {
		return err
	}
	var roundBuf bytes.Buffer
	rt := roundTxt{LastRoundReceived: s.Round, ConsensusTimestamp: s.ConsensusTimestamp, MinGenerations: s.MinGenerations}
	if err := gob.NewEncoder(&roundBuf).Encode(rt); err != nil {
		return err
	}
	return m.persister.WriteRound(s.Round, s.StateRoot.Bytes(), sigBuf.Bytes(), roundBuf.Bytes())
}

// Reserve increments round's reference count and returns a release
// function the caller must call exactly once.
func (m *Manager) Reserve(round uint64) (*SignedState, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[round]
	if !ok {
		return nil, nil, fmt.Errorf("signedstate: no state for round %d", round)
	}
	s.refCount++
	return s, func() { m.release(round) }, nil
}

func (m *Manager) release(round uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[round]
	if !ok {
		return
	}
	s.refCount--
	if s.refCount <= 0 && round != m.mostRecentComplete && round != m.mostRecentAny {
		delete(m.states, round)
	}
}

// MostRecentComplete returns the newest state whose signature set
// exceeds superMajority stake, if any.
func (m *Manager) MostRecentComplete() (*SignedState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[m.mostRecentComplete]
	return s, ok && s.complete
}

// MostRecentAny returns the newest state registered, regardless of
// completeness — the reconnect sender's precondition check in spec.md
// §4.6 compares its lastRoundReceived against the receiver's.
func (m *Manager) MostRecentAny() (*SignedState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[m.mostRecentAny]
	return s, ok
}

// AdvanceOldestRetained raises the floor below which AddSignature
// silently discards signatures and expiration may reclaim states
// (driven by the hashgraph's own AdvanceExpiration floor).
func (m *Manager) AdvanceOldestRetained(round uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if round <= m.oldestRetained {
		return
	}
	m.oldestRetained = round
	for r, s := range m.states {
		if r < round && s.refCount <= 0 {
			delete(m.states, r)
		}
	}
}

// SignStateRoot produces this node's own signature over root, used to
// immediately self-sign a newly built state (spec.md §4.5: "from self,
// immediately, over own hash").
func SignStateRoot(key *platformcrypto.PrivateKey, root common.Hash) ([]byte, error) {
	return key.Sign(root)
}
