package activity

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browserlink/browserlink/internal/store"
)

func newTestBuffer(t *testing.T) *Buffer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.Migrate(db))
	return NewBuffer(db, zap.NewNop())
}

func seq(i int) map[string]any { return map[string]any{"seq": i} }

func TestRingEvictsOldestPastCapacity(t *testing.T) {
	b := newTestBuffer(t)
	for i := 0; i < RingCapacity+50; i++ {
		b.Record("click", seq(i))
	}
	assert.Equal(t, RingCapacity, b.Len())

	var got []Entry
	b.Flush(func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.Len(t, got, RingCapacity)
	// The retained entries are the 100 most recent, in original order.
	assert.Equal(t, seq(50), got[0].Data)
	assert.Equal(t, seq(RingCapacity+49), got[len(got)-1].Data)
}

func TestFlushSendsInInsertionOrderAndClears(t *testing.T) {
	b := newTestBuffer(t)
	for i := 0; i < 7; i++ {
		b.Record("scroll", seq(i))
	}

	var got []Entry
	sent := b.Flush(func(e Entry) error {
		got = append(got, e)
		return nil
	})
	assert.Equal(t, 7, sent)
	require.Len(t, got, 7)
	for i, e := range got {
		assert.Equal(t, seq(i), e.Data)
	}
	assert.Equal(t, 0, b.Len())
}

func TestFlushDoesNotRebufferFailures(t *testing.T) {
	b := newTestBuffer(t)
	for i := 0; i < 5; i++ {
		b.Record("click", seq(i))
	}

	calls := 0
	sent := b.Flush(func(Entry) error {
		calls++
		return errors.New("send failed")
	})
	// Every entry still gets exactly one send call, and the ring ends empty
	// regardless of individual outcomes.
	assert.Equal(t, 5, sent)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 0, b.Len())
}

func TestFlushEmptyRing(t *testing.T) {
	b := newTestBuffer(t)
	sent := b.Flush(func(Entry) error {
		t.Fatal("send must not be called")
		return nil
	})
	assert.Equal(t, 0, sent)
}

func TestDurableLogTrimsOnOverflow(t *testing.T) {
	b := newTestBuffer(t)
	for i := 0; i < 250; i++ {
		b.Record("click", seq(i))
	}

	got, err := b.ReadRecent(LogMaxEntries)
	require.NoError(t, err)
	// The log never exceeds its cap and keeps the most recent entries.
	assert.LessOrEqual(t, len(got), LogMaxEntries)
	assert.JSONEq(t, `{"seq":249}`, string(got[0].Data))
}

func TestReadRecentLimit(t *testing.T) {
	b := newTestBuffer(t)
	for i := 0; i < 30; i++ {
		b.Persist("formSubmission", seq(i))
	}
	got, err := b.ReadRecent(10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i, a := range got {
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, 29-i), string(a.Data))
	}
}

func TestPersistSkipsRing(t *testing.T) {
	b := newTestBuffer(t)
	b.Persist("pageLoad", seq(1))
	assert.Equal(t, 0, b.Len())

	got, err := b.ReadRecent(5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
