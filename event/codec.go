// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package event

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hashgraph/hedera-platform-sub002/common"
	"github.com/hashgraph/hedera-platform-sub002/internal/wire"
	"github.com/hashgraph/hedera-platform-sub002/platformcrypto"
)

// hashedBody serializes exactly the fields that participate in the
// event's hash and signature: creator, seq, self-parent, creation time
// and transactions. Other-parent and signature are deliberately left
// out — spec.md §6 calls them the "unhashed blob" — so a creator can
// finish hashing and signing its own event before it has necessarily
// settled on which other-parent to cite.
func hashedBody(e *Event) []byte {
	buf := new(bytes.Buffer)
	var u64 [8]byte

	binary.BigEndian.PutUint64(u64[:], uint64(e.Creator))
	buf.Write(u64[:])

	binary.BigEndian.PutUint64(u64[:], e.Seq)
	buf.Write(u64[:])

	buf.Write(e.SelfParent[:])

	binary.BigEndian.PutUint64(u64[:], uint64(e.CreatedAt.UnixNano()))
	buf.Write(u64[:])

	binary.BigEndian.PutUint32(u64[:4], uint32(len(e.Transactions)))
	buf.Write(u64[:4])
	for _, tx := range e.Transactions {
		if tx.System {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		binary.BigEndian.PutUint32(u64[:4], uint32(len(tx.Data)))
		buf.Write(u64[:4])
		buf.Write(tx.Data)
	}
	return buf.Bytes()
}

// Hash returns the event's identity hash, memoizing on first call. The
// hash is a pure function of hashedBody and never changes once computed,
// matching spec.md §3's "once consensus, fields don't change" invariant
// extended to identity itself.
func (e *Event) Hash() common.Hash {
	if e.hash.IsZero() {
		e.hash = platformcrypto.Hash(hashedBody(e))
	}
	return e.hash
}

// Sign signs e's hash with key, filling in e.Signature.
func (e *Event) Sign(key *platformcrypto.PrivateKey) error {
	sig, err := key.Sign(e.Hash())
	if err != nil {
		return err
	}
	e.Signature = sig
	return nil
}

// VerifySignature checks e.Signature against the creator's public key
// via verify (typically addressbook.AddressBook.Verify).
func (e *Event) VerifySignature(verify func(common.NodeID, common.Hash, []byte) error) error {
	return verify(e.Creator, e.Hash(), e.Signature)
}

// Encode writes e to w in the wire.WriteBlob framing: hashed body blob
// followed by the unhashed blob (other-parent hash + signature), per
// spec.md §6.
func Encode(w io.Writer, e *Event) error {
	if err := wire.WriteBlob(w, hashedBody(e)); err != nil {
		return err
	}
	unhashed := new(bytes.Buffer)
	unhashed.Write(e.OtherParent[:])
	if err := wire.WriteBlob(unhashed, e.Signature); err != nil {
		return err
	}
	return wire.WriteBlob(w, unhashed.Bytes())
}

// Decode reads an event previously written by Encode. It does not set
// any consensus-derived field; the caller (gossip intake) passes the
// result to the hashgraph validator.
func Decode(r io.Reader) (*Event, error) {
	hashed, err := wire.ReadBlob(r)
	if err != nil {
		return nil, fmt.Errorf("event: read hashed body: %w", err)
	}
	unhashed, err := wire.ReadBlob(r)
	if err != nil {
		return nil, fmt.Errorf("event: read unhashed blob: %w", err)
	}
	e, err := decodeHashedBody(hashed)
	if err != nil {
		return nil, err
	}
	ur := bytes.NewReader(unhashed)
	if _, err := io.ReadFull(ur, e.OtherParent[:]); err != nil {
		return nil, fmt.Errorf("event: read other-parent hash: %w", err)
	}
	sig, err := wire.ReadBlob(ur)
	if err != nil {
		return nil, fmt.Errorf("event: read signature: %w", err)
	}
	e.Signature = sig
	return e, nil
}

func decodeHashedBody(b []byte) (*Event, error) {
	r := bytes.NewReader(b)
	var u64 [8]byte
	e := &Event{}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	e.Creator = common.NodeID(binary.BigEndian.Uint64(u64[:]))

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	e.Seq = binary.BigEndian.Uint64(u64[:])

	if _, err := io.ReadFull(r, e.SelfParent[:]); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(r, u64[:]); err != nil {
		return nil, err
	}
	e.CreatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(u64[:]))).UTC()

	var u32 [4]byte
	if _, err := io.ReadFull(r, u32[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(u32[:])
	e.Transactions = make([]Transaction, n)
	for i := range e.Transactions {
		flag, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(r, u32[:]); err != nil {
			return nil, err
		}
		dataLen := binary.BigEndian.Uint32(u32[:])
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
		e.Transactions[i] = Transaction{System: flag == 1, Data: data}
	}
	return e, nil
}
