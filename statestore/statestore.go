// Copyright 2024 The hedera-platform-sub002 Authors
// This file is part of the hedera-platform-sub002 library.

// Package statestore persists signed states, and the last flushed
// offset of the event-stream log (not the log itself), to disk, per
// spec.md §6's "Signed state file layout". It
// wraps syndtr/goleveldb for the keyed lookups the signed-state manager
// needs (has this round already been written, fetch the newest
// complete round) and plain files for the per-round
// directories the spec names (state.bin/sigset.bin/round.txt),
// grounded in the teacher's narrow `ethdb`-shaped key-value handle
// (Get/Put/Has/NewBatch) reconstructed from common go-ethereum-family
// usage, since no concrete ethdb source file survived retrieval.
package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// KV is the narrow key-value surface the rest of the platform needs
// from the on-disk index: round-number lookups for "do we already have
// this round" and ordered iteration for "what's the newest round".
type KV interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Has(key []byte) (bool, error)
	NewBatch() Batch
	Close() error
}

// Batch groups multiple writes into one atomic commit.
type Batch interface {
	Put(key, value []byte)
	Delete(key []byte)
	Write() error
}

// Store is the LevelDB-backed index plus the per-round directory tree
// for signed-state files, rooted at dir (platform.Config.DataDir).
type Store struct {
	db  *leveldb.DB
	dir string
}

// Open creates or reopens a Store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: mkdir %s: %w", dir, err)
	}
	db, err := leveldb.OpenFile(filepath.Join(dir, "index"), &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("statestore: open index: %w", err)
	}
	return &Store{db: db, dir: dir}, nil
}

// Close releases the underlying LevelDB handle.
func (s *Store) Close() error { return s.db.Close() }

// Get, Put, Has and NewBatch implement KV directly against the index
// database, giving signedstate a narrow storage surface to mock in
// tests without dragging in goleveldb.
func (s *Store) Get(key []byte) ([]byte, error) {
	v, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	return v, err
}

func (s *Store) Put(key, value []byte) error { return s.db.Put(key, value, nil) }

func (s *Store) Has(key []byte) (bool, error) { return s.db.Has(key, nil) }

// NewBatch returns a batch writer over the index database.
func (s *Store) NewBatch() Batch { return &levelBatch{db: s.db, b: new(leveldb.Batch)} }

type levelBatch struct {
	db *leveldb.DB
	b  *leveldb.Batch
}

func (b *levelBatch) Put(key, value []byte) { b.b.Put(key, value) }
func (b *levelBatch) Delete(key []byte)      { b.b.Delete(key) }
func (b *levelBatch) Write() error           { return b.db.Write(b.b, nil) }

var _ KV = (*Store)(nil)

// roundKey is the index key for round n's "last written" marker.
func roundKey(n uint64) []byte { return []byte("round/" + strconv.FormatUint(n, 10)) }

// roundDir is the per-round directory spec.md §6 names: state.bin,
// sigset.bin, round.txt.
func (s *Store) roundDir(n uint64) string {
	return filepath.Join(s.dir, "states", strconv.FormatUint(n, 10))
}

// WriteRound persists the three files of one round's signed-state
// snapshot and records the round in the index, so a restart can find
// the newest round without a full directory scan.
func (s *Store) WriteRound(n uint64, stateBin, sigsetBin, roundTxt []byte) error {
	dir := s.roundDir(n)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("statestore: mkdir round %d: %w", n, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "state.bin"), stateBin, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "sigset.bin"), sigsetBin, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "round.txt"), roundTxt, 0o644); err != nil {
		return err
	}
	return s.db.Put(roundKey(n), []byte{1}, nil)
}

// ReadRound loads the three files of round n's signed-state snapshot.
func (s *Store) ReadRound(n uint64) (stateBin, sigsetBin, roundTxt []byte, err error) {
	dir := s.roundDir(n)
	if stateBin, err = os.ReadFile(filepath.Join(dir, "state.bin")); err != nil {
		return
	}
	if sigsetBin, err = os.ReadFile(filepath.Join(dir, "sigset.bin")); err != nil {
		return
	}
	roundTxt, err = os.ReadFile(filepath.Join(dir, "round.txt"))
	return
}

// NewestRound scans the recorded rounds, descending by round number, as
// spec.md §6 requires for restart discovery.
func (s *Store) NewestRound() (uint64, bool, error) {
	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	var rounds []uint64
	for iter.Next() {
		key := string(iter.Key())
		var n uint64
		if _, err := fmt.Sscanf(key, "round/%d", &n); err == nil {
			rounds = append(rounds, n)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, false, err
	}
	if len(rounds) == 0 {
		return 0, false, nil
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] > rounds[j] })
	return rounds[0], true, nil
}

// PutEventStreamOffset records the last byte offset flushed to the
// plaintext event-stream log, so EnableEventStreaming can resume after a
// restart without re-scanning the log file.
func (s *Store) PutEventStreamOffset(off int64) error {
	return s.db.Put([]byte("eventstream/offset"), []byte(strconv.FormatInt(off, 10)), nil)
}

// EventStreamOffset reads back the last recorded offset, 0 if unset.
func (s *Store) EventStreamOffset() (int64, error) {
	v, err := s.db.Get([]byte("eventstream/offset"), nil)
	if err == leveldb.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var off int64
	_, err = fmt.Sscanf(string(v), "%d", &off)
	return off, err
}
