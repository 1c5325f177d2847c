// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.
//
// The hedera-platform-sub002 library is free software: you can redistribute
// it and/or modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation, either version 3
// of the License, or (at your option) any later version.
//
// The hedera-platform-sub002 library is distributed in the hope that it will
// be useful, but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the GNU Lesser
// General Public License for more details.

// Package common holds the small value types shared by every subsystem:
// node identities, hashes and stake-weighted quorum arithmetic.
package common

import (
	"encoding/hex"
	"fmt"
)

// NodeID identifies a node in the address book. IDs are dense and
// assigned by address-book position, not by public key.
type NodeID int64

func (id NodeID) String() string {
	return fmt.Sprintf("node%d", int64(id))
}

// HashLen is the digest size used throughout the event graph: 32 bytes
// (sha3-256). internal/wire reads and writes hashes of exactly this
// length; 48-byte digests are not accepted on the wire.
const HashLen = 32

// Hash is an event or state digest.
type Hash [HashLen]byte

// ZeroHash is the absent-parent / genesis marker.
var ZeroHash = Hash{}

func (h Hash) IsZero() bool { return h == ZeroHash }

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns a defensive copy of the digest bytes.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLen)
	copy(b, h[:])
	return b
}

// BytesToHash left-trims or zero-pads b to HashLen.
func BytesToHash(b []byte) Hash {
	var h Hash
	if len(b) > HashLen {
		b = b[len(b)-HashLen:]
	}
	copy(h[HashLen-len(b):], b)
	return h
}

// Stake is a node's voting weight. Zero-stake nodes are observers: they
// follow consensus but never vote and never count toward quorum.
type Stake uint64

// Quorum expresses the stake-weighted thresholds derived from an
// address book's total stake, per spec.md §3.
type Quorum struct {
	Total Stake
}

// Majority is total/2 (strictly greater-than comparisons are used by
// callers; this is the boundary value, not "majority reached").
func (q Quorum) Majority() Stake {
	return q.Total / 2
}

// SuperMajority is ceil(2*total/3), the strictly-greater-than threshold
// for Byzantine quorum (>2/3 of stake).
func (q Quorum) SuperMajority() Stake {
	return (2*q.Total + 2) / 3
}

// ExceedsSuperMajority reports whether s is a Byzantine supermajority of
// the quorum's total stake.
func (q Quorum) ExceedsSuperMajority(s Stake) bool {
	return s > q.SuperMajority()
}

// ExceedsMajority reports whether s is a strict majority of the quorum's
// total stake.
func (q Quorum) ExceedsMajority(s Stake) bool {
	return s > q.Majority()
}

// StrongMinority is floor(total/3), the threshold above which a set of
// nodes is large enough that no Byzantine supermajority can form without
// at least one of them (spec.md §4.3 step 8's "strong-minority-in-max-round
// set").
func (q Quorum) StrongMinority() Stake {
	return q.Total / 3
}

// ExceedsStrongMinority reports whether s is a strong minority of the
// quorum's total stake.
func (q Quorum) ExceedsStrongMinority(s Stake) bool {
	return s > q.StrongMinority()
}
