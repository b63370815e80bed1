package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/logger"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/store"
)

func stepClock(start time.Time, step time.Duration) func() time.Time {
	now := start
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemory(), 10, logger.Nop(), WithClock(stepClock(time.Unix(1700000000, 0), time.Second)))

	require.NoError(t, tr.Record(ctx, "leave.sync", "warden", map[string]any{"updated": 3}))
	require.NoError(t, tr.Record(ctx, "attendance.overwrite", "teacher", nil))

	entries, err := tr.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "leave.sync", entries[0].Operation)
	assert.Equal(t, "warden", entries[0].UserID)
	assert.Equal(t, tr.SessionID(), entries[0].SessionID)
	assert.EqualValues(t, 3, entries[0].Details["updated"])
	assert.Equal(t, "attendance.overwrite", entries[1].Operation)
}

func TestTrimKeepsNewest(t *testing.T) {
	ctx := context.Background()
	tr := New(store.NewMemory(), 3, logger.Nop(), WithClock(stepClock(time.Unix(1700000000, 0), time.Millisecond)))

	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Record(ctx, fmt.Sprintf("op-%d", i), "u", nil))
	}
	entries, err := tr.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "op-2", entries[0].Operation)
	assert.Equal(t, "op-4", entries[2].Operation)
}

func TestTrimUsesTimestampNotKeyOrder(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()

	// an entry whose key sorts last but whose timestamp is the oldest
	old := Entry{Operation: "stale", Timestamp: time.Unix(1, 0).UTC()}
	raw, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, Prefix+"99999999999999999999_000001", raw))

	tr := New(s, 2, logger.Nop(), WithClock(stepClock(time.Unix(1700000000, 0), time.Second)))
	require.NoError(t, tr.Record(ctx, "a", "u", nil))
	require.NoError(t, tr.Record(ctx, "b", "u", nil))

	entries, err := tr.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Operation)
	assert.Equal(t, "b", entries[1].Operation)
}
