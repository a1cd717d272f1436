// Package store is the persistence collaborator: a pebble-backed snapshot of
// users and trade history, touched only at process start and stop, never
// mid-session.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"kestrel/internal/book"
	"kestrel/internal/directory"
)

// Key prefixes: u:<username> -> user record, t:<8-byte seq> -> trade.
const (
	userPrefix  = "u:"
	tradePrefix = "t:"
)

type Store struct {
	db  *pebble.DB
	seq uint64
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadSeq(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("reading trade sequence: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func kUser(name string) []byte {
	return append([]byte(userPrefix), name...)
}

func kTrade(seq uint64) []byte {
	key := make([]byte, len(tradePrefix)+8)
	copy(key, tradePrefix)
	binary.BigEndian.PutUint64(key[len(tradePrefix):], seq)
	return key
}

// prefixBounds covers every key starting with prefix. Relies on the prefix
// ending in ':', whose successor is ';'.
func prefixBounds(prefix string) *pebble.IterOptions {
	return &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: append([]byte(prefix[:len(prefix)-1]), ';'),
	}
}

func (s *Store) loadSeq() error {
	iter, err := s.db.NewIter(prefixBounds(tradePrefix))
	if err != nil {
		return err
	}
	defer iter.Close()

	if iter.Last() && len(iter.Key()) == len(tradePrefix)+8 {
		s.seq = binary.BigEndian.Uint64(iter.Key()[len(tradePrefix):]) + 1
	}
	return iter.Error()
}

// LoadUsers reads back every persisted account.
func (s *Store) LoadUsers() ([]directory.Record, error) {
	iter, err := s.db.NewIter(prefixBounds(userPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var users []directory.Record
	for iter.First(); iter.Valid(); iter.Next() {
		var r directory.Record
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, fmt.Errorf("decoding user %q: %w", iter.Key(), err)
		}
		users = append(users, r)
	}
	return users, iter.Error()
}

// LoadTrades reads back the stored trade history in sequence order.
func (s *Store) LoadTrades() ([]book.Trade, error) {
	iter, err := s.db.NewIter(prefixBounds(tradePrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var trades []book.Trade
	for iter.First(); iter.Valid(); iter.Next() {
		var t book.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			return nil, fmt.Errorf("decoding trade %x: %w", iter.Key(), err)
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// SaveUsers writes the directory snapshot in one synced batch.
func (s *Store) SaveUsers(users []directory.Record) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, r := range users {
		val, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := batch.Set(kUser(r.Username), val, nil); err != nil {
			return err
		}
	}
	return s.db.Apply(batch, pebble.Sync)
}

// AppendTrades appends this run's fills after the previously stored history.
func (s *Store) AppendTrades(trades []book.Trade) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, t := range trades {
		val, err := json.Marshal(t)
		if err != nil {
			return err
		}
		if err := batch.Set(kTrade(s.seq), val, nil); err != nil {
			return err
		}
		s.seq++
	}
	return s.db.Apply(batch, pebble.Sync)
}
