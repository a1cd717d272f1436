package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kestrel/internal/book"
	"kestrel/internal/directory"
)

func TestUsersRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveUsers([]directory.Record{
		{Username: "alice", PasswordHash: "$2a$10$abc"},
		{Username: "bob", PasswordHash: "$2a$10$def"},
	}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	users, err := s.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "$2a$10$def", users[1].PasswordHash)
}

func TestTradesAppendAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	trade := func(price uint64) book.Trade {
		return book.Trade{
			TakerID:   2,
			MakerID:   1,
			Taker:     "alice",
			Maker:     "bob",
			TakerSide: book.Bid,
			Price:     price,
			Size:      10,
			Timestamp: time.Now().UTC(),
		}
	}

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.AppendTrades([]book.Trade{trade(1000), trade(1010)}))
	require.NoError(t, s.Close())

	// A second run appends after the stored history, never over it.
	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.AppendTrades([]book.Trade{trade(1020)}))

	trades, err := s.LoadTrades()
	require.NoError(t, err)
	require.Len(t, trades, 3)
	assert.Equal(t, uint64(1000), trades[0].Price)
	assert.Equal(t, uint64(1020), trades[2].Price)
}
