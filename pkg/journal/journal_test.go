package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/bitmesh/pkg/message"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordInboundDeduplicates(t *testing.T) {
	j := openTest(t)
	m := message.New("peer", "hello", message.TypeGeneral)

	require.NoError(t, j.RecordInbound(m))
	require.ErrorIs(t, j.RecordInbound(m), ErrDuplicate)

	// The same id may appear once in each direction.
	require.NoError(t, j.RecordOutbound(m))

	n, err := j.Count()
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestRecentOrderAndDecision(t *testing.T) {
	j := openTest(t)
	var ids []string
	for _, c := range []string{"a", "b", "c"} {
		m := message.New("peer", c, message.TypeGeneral)
		ids = append(ids, m.ID)
		require.NoError(t, j.RecordInbound(m))
	}
	require.NoError(t, j.SetDecision(ids[2], "respond (content_filter_match)"))

	entries, err := j.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Content)
	require.Equal(t, "c", entries[1].Content)
	require.Equal(t, "respond (content_filter_match)", entries[1].Decision)
	require.Equal(t, Inbound, entries[1].Direction)
}

func TestRetentionPrunes(t *testing.T) {
	now := time.Now()
	j := openTest(t, WithRetention(time.Hour), WithClock(func() time.Time { return now }))

	require.NoError(t, j.RecordInbound(message.New("peer", "old", message.TypeGeneral)))
	now = now.Add(2 * time.Hour)
	require.NoError(t, j.RecordInbound(message.New("peer", "new", message.TypeGeneral)))

	entries, err := j.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "new", entries[0].Content)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	require.NoError(t, err)
	m := message.New("peer", "persisted", message.TypeGeneral)
	require.NoError(t, j.RecordInbound(m))
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	require.ErrorIs(t, j.RecordInbound(m), ErrDuplicate)
}
