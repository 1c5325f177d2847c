// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashgraph/hedera-platform-sub002/common"
)

// MaxBlobSize bounds any single length-prefixed field accepted from the
// wire, so a corrupt or hostile peer cannot force an unbounded
// allocation from a forged u32 length.
const MaxBlobSize = 64 * 1024 * 1024

// WriteOpcode writes a single opcode byte.
func WriteOpcode(w io.Writer, op Opcode) error {
	_, err := w.Write([]byte{byte(op)})
	return err
}

// ReadOpcode reads a single opcode byte.
func ReadOpcode(r io.Reader) (Opcode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return Opcode(b[0]), nil
}

// WriteUint32 writes a big-endian u32, used for every length/count
// prefix on the wire.
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint32 reads a big-endian u32.
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteBlob writes a u32 length prefix followed by the bytes.
func WriteBlob(w io.Writer, b []byte) error {
	if err := WriteUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadBlob reads a u32-length-prefixed byte blob.
func ReadBlob(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxBlobSize {
		return nil, fmt.Errorf("wire: blob length %d exceeds max %d", n, MaxBlobSize)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// WriteHashList writes a u32 count followed by count fixed-width hashes,
// the tip-hash list format of spec.md §6.
func WriteHashList(w io.Writer, hashes []common.Hash) error {
	if err := WriteUint32(w, uint32(len(hashes))); err != nil {
		return err
	}
	for _, h := range hashes {
		if _, err := w.Write(h[:]); err != nil {
			return err
		}
	}
	return nil
}

// ReadHashList reads a tip-hash list.
func ReadHashList(r io.Reader) ([]common.Hash, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if uint64(n) > MaxBlobSize/common.HashLen {
		return nil, fmt.Errorf("wire: hash list count %d too large", n)
	}
	out := make([]common.Hash, n)
	for i := range out {
		if _, err := io.ReadFull(r, out[i][:]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteBoolList packs n booleans into ceil(n/8) bytes, preceded by a u32
// count, the tip-boolean-list format of spec.md §6.
func WriteBoolList(w io.Writer, bits []bool) error {
	if err := WriteUint32(w, uint32(len(bits))); err != nil {
		return err
	}
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	_, err := w.Write(packed)
	return err
}

// ReadBoolList reads a packed boolean list.
func ReadBoolList(r io.Reader) ([]bool, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	packed := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, packed); err != nil {
		return nil, err
	}
	out := make([]bool, n)
	for i := range out {
		out[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}
	return out, nil
}
