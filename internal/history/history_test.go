package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.sqlite3"))
	require.NoError(t, err)
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record(Entry{TransferID: "t1", FileName: "a.txt", Size: 10, Direction: DirectionSent, Succeeded: true}))
	require.NoError(t, s.Record(Entry{TransferID: "t2", FileName: "b.txt", Size: 20, Direction: DirectionReceived, Succeeded: false, Error: "CHECKSUM_MISMATCH"}))

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Most recent first.
	require.Equal(t, "t2", entries[0].TransferID)
	require.Equal(t, "t1", entries[1].TransferID)
	require.False(t, entries[0].Succeeded)
	require.Equal(t, "CHECKSUM_MISMATCH", entries[0].Error)
}

func TestRecentHonorsLimit(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Record(Entry{TransferID: "t", FileName: "f", Direction: DirectionSent}))
	}
	entries, err := s.Recent(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

func TestOpenCreatesParentDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.sqlite3")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(Entry{TransferID: "t", FileName: "f", Direction: DirectionSent}))
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Record(Entry{TransferID: "old", FileName: "f", Direction: DirectionSent}))

	// Nothing is older than a day yet.
	n, err := s.Prune(24 * time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	// A negative cutoff moves into the future and takes everything.
	n, err = s.Prune(-time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
