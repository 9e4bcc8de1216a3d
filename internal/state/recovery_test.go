package state

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/scangrade/pkg/types"
)

// ============================================================================
// Recovery performance
// ============================================================================

// journal commits n source files, each with one mapping and every tenth file
// with a pending page, and leaves the journal uncompacted.
func journal(tb testing.TB, dir string, n int) {
	tb.Helper()
	s, err := Open(dir, Options{RunID: "load"})
	require.NoError(tb, err)
	for i := 0; i < n; i++ {
		file := fmt.Sprintf("scan_%04d.pdf", i)
		tx := s.Begin()
		require.NoError(tb, tx.RecordProcessed(file, types.Rotate90))
		require.NoError(tb, tx.AcceptMapping(i+1, fmt.Sprintf("5%07d", i)))
		if i%10 == 0 {
			require.NoError(tb, tx.MarkNeedsReview(file, types.PendingPage{Offset: 1, Reason: "label unreadable"}))
		}
		require.NoError(tb, tx.Commit())
	}
	require.NoError(tb, s.wal.Close())
}

func TestRecoveryPerformance(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping recovery load test in short mode")
	}
	dir := t.TempDir()
	journal(t, dir, 300)

	start := time.Now()
	s, err := Open(dir, Options{RunID: "recover"})
	require.NoError(t, err)
	defer s.Close()
	recovery := time.Since(start)

	t.Logf("=== Recovery Performance ===")
	t.Logf("Recovery time: %v", recovery)
	t.Logf("Files recovered: %d, pending pages: %d", len(s.Records()), s.PendingCount())

	assert.Len(t, s.Records(), 300)
	assert.Equal(t, 30, s.PendingCount())
	assert.Equal(t, 300, s.Mapping().Len())
	assert.Less(t, recovery, 3*time.Second, "recovery time target")
}

func BenchmarkReplay(b *testing.B) {
	dir := b.TempDir()
	journal(b, dir, 200)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s, err := Open(dir, Options{})
		if err != nil {
			b.Fatal(err)
		}
		// 不 Close：Close 會 compact，下一輪就不必重放
		if err := s.wal.Close(); err != nil {
			b.Fatal(err)
		}
	}
}
