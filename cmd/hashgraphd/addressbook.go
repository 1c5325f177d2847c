// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package main

import (
	"encoding/hex"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/hashgraph/hedera-platform-sub002/addressbook"
	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// addressBookFile is the on-disk TOML roster format: one [[node]] table
// per member, pubkey hex-encoded (the compressed secp256k1 point
// platformcrypto.PublicKey wraps).
type addressBookFile struct {
	Version uint64 `toml:"version"`
	Node    []struct {
		ID       int64  `toml:"id"`
		Endpoint string `toml:"endpoint"`
		PubKey   string `toml:"pubkey"`
		Stake    uint64 `toml:"stake"`
	} `toml:"node"`
}

func loadAddressBook(path string) (*addressbook.AddressBook, error) {
	var f addressBookFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("load address book: %w", err)
	}
	addrs := make([]addressbook.Address, len(f.Node))
	for i, n := range f.Node {
		raw, err := hex.DecodeString(n.PubKey)
		if err != nil {
			return nil, fmt.Errorf("address book node %d: bad pubkey hex: %w", n.ID, err)
		}
		var pub platformcrypto.PublicKey
		if len(raw) != len(pub) {
			return nil, fmt.Errorf("address book node %d: pubkey must be %d bytes, got %d", n.ID, len(pub), len(raw))
		}
		copy(pub[:], raw)
		addrs[i] = addressbook.Address{
			ID:       common.NodeID(n.ID),
			Endpoint: n.Endpoint,
			PubKey:   pub,
			Stake:    common.Stake(n.Stake),
		}
	}
	return addressbook.New(f.Version, addrs)
}
