package override

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// MockPersister は Persister のテスト用モック
type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) PersistOverrides(ctx context.Context, changes []domain.OverrideChange) error {
	args := m.Called(ctx, changes)
	return args.Error(0)
}

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return base }

// --- Record / Apply テスト ---

func TestRecord_DedupesIdenticalValues(t *testing.T) {
	l := NewLedger(nil, WithClock(fixedClock))

	assert.True(t, l.Record("e1", base, base.Add(time.Hour)))
	assert.False(t, l.Record("e1", base, base.Add(time.Hour)))
	assert.True(t, l.Record("e1", base, base.Add(2*time.Hour)))
	assert.Equal(t, 1, l.Len())
}

func TestApply_KeepsLocalTimeUntilServerCatchesUp(t *testing.T) {
	l := NewLedger(nil)
	l.Record("e1", base.Add(2*time.Hour), base.Add(3*time.Hour))

	stale := domain.Event{ID: "e1", StartTime: base, EndTime: base.Add(time.Hour)}
	applied := l.Apply(stale)
	assert.Equal(t, base.Add(2*time.Hour), applied.StartTime)
	assert.Equal(t, base.Add(3*time.Hour), applied.EndTime)
	assert.Equal(t, 1, l.Len(), "fetch alone must not clear the override")

	caughtUp := domain.Event{ID: "e1", StartTime: base.Add(2*time.Hour + 30*time.Second), EndTime: base.Add(3 * time.Hour)}
	applied = l.Apply(caughtUp)
	assert.Equal(t, caughtUp.StartTime, applied.StartTime)
	assert.Equal(t, 0, l.Len())
}

func TestApply_NoOverride(t *testing.T) {
	l := NewLedger(nil)
	ev := domain.Event{ID: "e1", StartTime: base, EndTime: base.Add(time.Hour)}
	assert.Equal(t, ev, l.Apply(ev))
}

// --- ClearIfSynced テスト ---

func TestClearIfSynced(t *testing.T) {
	l := NewLedger(nil, WithTolerance(time.Minute))
	l.Record("e1", base, base.Add(time.Hour))

	assert.False(t, l.ClearIfSynced("e1", base.Add(2*time.Minute), base.Add(time.Hour)))
	assert.True(t, l.ClearIfSynced("e1", base.Add(59*time.Second), base.Add(time.Hour-time.Second)))
	_, ok := l.Get("e1")
	assert.False(t, ok)
	assert.False(t, l.ClearIfSynced("missing", base, base))
}

// --- Restore / Rename テスト ---

func TestRestore(t *testing.T) {
	l := NewLedger(nil)
	prev := domain.TimeOverride{Start: base, End: base.Add(time.Hour)}
	l.Record("e1", base.Add(time.Hour), base.Add(2*time.Hour))

	l.Restore("e1", &prev)
	got, ok := l.Get("e1")
	require.True(t, ok)
	assert.Equal(t, base, got.Start)

	l.Restore("e1", nil)
	_, ok = l.Get("e1")
	assert.False(t, ok)
}

func TestRename(t *testing.T) {
	l := NewLedger(nil)
	l.Record("temp-1", base, base.Add(time.Hour))

	l.Rename("temp-1", "server-1")
	_, ok := l.Get("temp-1")
	assert.False(t, ok)
	_, ok = l.Get("server-1")
	assert.True(t, ok)
}

// --- Flush テスト ---

func TestFlush_PersistsDirtyInBatches(t *testing.T) {
	p := new(MockPersister)
	l := NewLedger(p, WithBatchSize(2))
	l.Record("a", base, base.Add(time.Hour))
	l.Record("b", base, base.Add(time.Hour))
	l.Record("c", base, base.Add(time.Hour))
	l.Remove("c")

	p.On("PersistOverrides", mock.Anything, mock.MatchedBy(func(changes []domain.OverrideChange) bool {
		return len(changes) == 2 && changes[0].EventID == "a" && changes[1].EventID == "b"
	})).Return(nil).Once()
	p.On("PersistOverrides", mock.Anything, mock.MatchedBy(func(changes []domain.OverrideChange) bool {
		return len(changes) == 1 && changes[0].EventID == "c" && changes[0].Override == nil
	})).Return(nil).Once()

	n, err := l.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, l.DirtyCount())

	n, err = l.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	p.AssertExpectations(t)
}

func TestFlush_FailureKeepsDirty(t *testing.T) {
	p := new(MockPersister)
	l := NewLedger(p)
	l.Record("a", base, base.Add(time.Hour))

	p.On("PersistOverrides", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	_, err := l.Flush(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "時刻オーバーライドの永続化に失敗しました")
	assert.Equal(t, 1, l.DirtyCount())
}

func TestHydrate_DoesNotMarkDirty(t *testing.T) {
	l := NewLedger(nil)
	l.Hydrate(map[string]domain.TimeOverride{"e1": {Start: base, End: base.Add(time.Hour)}})

	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 0, l.DirtyCount())
}
