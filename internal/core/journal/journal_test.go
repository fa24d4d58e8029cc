package journal_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halvards/moria-keeper/internal/core/journal"
)

func TestAppendAndRecent(t *testing.T) {
	j, err := journal.Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, j.Append(journal.PassRecord{
			WalletName: "alice",
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
			TxHashes:   []string{"tx"},
		}))
	}
	require.NoError(t, j.Append(journal.PassRecord{
		WalletName: "bob",
		Timestamp:  base,
		Error:      "insufficient funds",
	}))

	recent, err := j.Recent("alice", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	require.Equal(t, base.Add(4*time.Minute), recent[0].Timestamp.UTC())
	require.Equal(t, base.Add(2*time.Minute), recent[2].Timestamp.UTC())

	recent, err = j.Recent("bob", 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "insufficient funds", recent[0].Error)

	recent, err = j.Recent("carol", 10)
	require.NoError(t, err)
	require.Empty(t, recent)
}
