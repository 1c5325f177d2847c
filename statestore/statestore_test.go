// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

package statestore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteRound(7, []byte("state"), []byte("sigset"), []byte("round")))

	stateBin, sigsetBin, roundTxt, err := s.ReadRound(7)
	require.NoError(t, err)
	require.Equal(t, []byte("state"), stateBin)
	require.Equal(t, []byte("sigset"), sigsetBin)
	require.Equal(t, []byte("round"), roundTxt)
}

func TestNewestRoundDescending(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteRound(3, []byte("a"), []byte("a"), []byte("a")))
	require.NoError(t, s.WriteRound(9, []byte("b"), []byte("b"), []byte("b")))
	require.NoError(t, s.WriteRound(5, []byte("c"), []byte("c"), []byte("c")))

	n, ok, err := s.NewestRound()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(9), n)
}

func TestEventStreamOffsetDefaultsZero(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	off, err := s.EventStreamOffset()
	require.NoError(t, err)
	require.Zero(t, off)

	require.NoError(t, s.PutEventStreamOffset(42))
	off, err = s.EventStreamOffset()
	require.NoError(t, err)
	require.EqualValues(t, 42, off)
}

func TestKVInterface(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	var kv KV = s
	require.NoError(t, kv.Put([]byte("k"), []byte("v")))
	has, err := kv.Has([]byte("k"))
	require.NoError(t, err)
	require.True(t, has)

	b := kv.NewBatch()
	b.Put([]byte("k2"), []byte("v2"))
	require.NoError(t, b.Write())
	v, err := kv.Get([]byte("k2"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}
