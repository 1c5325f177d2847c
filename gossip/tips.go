// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package gossip

import (
	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
)

// tipsToList serializes a creator->tip map into address-book index
// order, spec.md §6's tip-hash list; creators with no tracked tip
// contribute common.ZeroHash so index i always means "address book
// position i", letting the receiver reconstruct the map without
// shipping node ids on the wire.
func tipsToList(ab *addressbook.AddressBook, tips map[common.NodeID]common.Hash) []common.Hash {
	out := make([]common.Hash, ab.Len())
	for i := 0; i < ab.Len(); i++ {
		addr, _ := ab.At(i)
		if h, ok := tips[addr.ID]; ok {
			out[i] = h
		}
	}
	return out
}

// listToTips is tipsToList's inverse.
func listToTips(ab *addressbook.AddressBook, list []common.Hash) map[common.NodeID]common.Hash {
	out := make(map[common.NodeID]common.Hash)
	for i, h := range list {
		if i >= ab.Len() || h.IsZero() {
			continue
		}
		addr, _ := ab.At(i)
		out[addr.ID] = h
	}
	return out
}
