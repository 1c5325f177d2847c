// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package addressbook implements C1: node identities, stakes, and
// signature verification, grounded in the teacher's validator-set
// pattern (consensus engines keep an ordered signer list plus per-signer
// stake/weight; see CarLiveChainCo-goiov's consensus/alien tally of
// "Signers" by vote weight).
package addressbook

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// Address is one roster entry: identity, endpoint, public key and stake.
type Address struct {
	ID       common.NodeID
	Endpoint string
	PubKey   platformcrypto.PublicKey
	Stake    common.Stake
}

// ZeroStake reports whether this address may not vote (spec.md §3).
func (a Address) ZeroStake() bool { return a.Stake == 0 }

// AddressBook is the ordered, immutable roster of a BFT membership
// epoch. It is immutable by construction: membership changes produce a
// new AddressBook value (spec.md Non-goals exclude dynamic membership
// beyond zero-stake flags, so New is the only constructor).
type AddressBook struct {
	version   uint64
	addrs     []Address
	byID      map[common.NodeID]int
	quorum    common.Quorum
	sigCache  *lru.Cache[common.Hash, bool]
}

// New builds an AddressBook from addrs, ordered as given (index order is
// part of the book's identity, per spec.md §3).
func New(version uint64, addrs []Address) (*AddressBook, error) {
	byID := make(map[common.NodeID]int, len(addrs))
	var total common.Stake
	for i, a := range addrs {
		if _, dup := byID[a.ID]; dup {
			return nil, fmt.Errorf("addressbook: duplicate node id %s", a.ID)
		}
		byID[a.ID] = i
		total += a.Stake
	}
	cache, _ := lru.New[common.Hash, bool](4096)
	return &AddressBook{
		version:  version,
		addrs:    append([]Address(nil), addrs...),
		byID:     byID,
		quorum:   common.Quorum{Total: total},
		sigCache: cache,
	}, nil
}

// Version is the address-book epoch counter (ambient addition, see
// SPEC_FULL.md §3).
func (ab *AddressBook) Version() uint64 { return ab.version }

// Len is the number of addresses in the book.
func (ab *AddressBook) Len() int { return len(ab.addrs) }

// At returns the address at roster index i.
func (ab *AddressBook) At(i int) (Address, bool) {
	if i < 0 || i >= len(ab.addrs) {
		return Address{}, false
	}
	return ab.addrs[i], true
}

// ByID looks up an address by node id.
func (ab *AddressBook) ByID(id common.NodeID) (Address, bool) {
	i, ok := ab.byID[id]
	if !ok {
		return Address{}, false
	}
	return ab.addrs[i], true
}

// Quorum returns the stake-weighted quorum thresholds derived from the
// book's total stake.
func (ab *AddressBook) Quorum() common.Quorum { return ab.quorum }

// TotalStake is the sum of every address's stake, including zero-stake
// observers (who contribute 0).
func (ab *AddressBook) TotalStake() common.Stake { return ab.quorum.Total }

// Verify checks that sig over digest was produced by id's signing key,
// with a small per-(signer,digest) verification cache: the same event
// digest is re-verified by the validator and, on retransmit, by a peer's
// sync offer, so memoizing avoids repeating elliptic-curve work for
// events already accepted this session.
func (ab *AddressBook) Verify(id common.NodeID, digest common.Hash, sig []byte) error {
	addr, ok := ab.ByID(id)
	if !ok {
		return fmt.Errorf("addressbook: unknown node %s", id)
	}
	cacheKey := platformcrypto.HashConcat(platformcrypto.HashConcat(digest, platformcrypto.Hash(sig)), platformcrypto.Hash(addr.PubKey[:]))
	if ok, hit := ab.sigCache.Get(cacheKey); hit {
		if ok {
			return nil
		}
		return platformcrypto.ErrInvalidSignature
	}
	err := platformcrypto.Verify(addr.PubKey, digest, sig)
	ab.sigCache.Add(cacheKey, err == nil)
	return err
}

// Iterate calls fn for every address in roster order; fn returning false
// stops iteration early.
func (ab *AddressBook) Iterate(fn func(Address) bool) {
	for _, a := range ab.addrs {
		if !fn(a) {
			return
		}
	}
}

// VotingMembers returns the addresses with non-zero stake, i.e. the
// nodes that participate in fame voting (spec.md §3).
func (ab *AddressBook) VotingMembers() []Address {
	out := make([]Address, 0, len(ab.addrs))
	for _, a := range ab.addrs {
		if !a.ZeroStake() {
			out = append(out, a)
		}
	}
	return out
}
