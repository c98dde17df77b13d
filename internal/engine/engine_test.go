package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/cache"
	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/override"
	"github.com/k-negishi/calendar-sync-engine/internal/wire"
)

var jst = time.FixedZone("JST", 9*60*60)

var (
	jun1  = time.Date(2024, 6, 1, 0, 0, 0, 0, jst)
	jun3  = time.Date(2024, 6, 3, 10, 0, 0, 0, jst)
	jun10 = time.Date(2024, 6, 10, 10, 0, 0, 0, jst)
	jun17 = time.Date(2024, 6, 17, 10, 0, 0, 0, jst)
	jun30 = time.Date(2024, 6, 30, 0, 0, 0, 0, jst)
)

// MockBackend Backendのモック
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) ListEvents(ctx context.Context, start, end time.Time) (*wire.Page, error) {
	args := m.Called(ctx, start, end)
	page, _ := args.Get(0).(*wire.Page)
	return page, args.Error(1)
}

func (m *MockBackend) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event, sendNotifications bool) (*calendar.Event, error) {
	args := m.Called(ctx, calendarID, ev, sendNotifications)
	out, _ := args.Get(0).(*calendar.Event)
	return out, args.Error(1)
}

func (m *MockBackend) UpdateEvent(ctx context.Context, req wire.UpdateRequest) (*calendar.Event, error) {
	args := m.Called(ctx, req)
	out, _ := args.Get(0).(*calendar.Event)
	return out, args.Error(1)
}

func (m *MockBackend) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	args := m.Called(ctx, calendarID, eventID)
	return args.Error(0)
}

func (m *MockBackend) RespondToInvite(ctx context.Context, calendarID, eventID, status string) error {
	args := m.Called(ctx, calendarID, eventID, status)
	return args.Error(0)
}

// memCache メモリ上のDurableCache
type memCache struct {
	mu     sync.Mutex
	record cache.Record
	events map[string]domain.Event
	// beforeReplace ReplaceAll の反映前に呼ばれる
	beforeReplace func()
}

func newMemCache() *memCache {
	return &memCache{events: make(map[string]domain.Event)}
}

func (c *memCache) Load(context.Context) (cache.Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record, nil
}

func (c *memCache) ReplaceAll(events []domain.Event) {
	c.mu.Lock()
	hook := c.beforeReplace
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make(map[string]domain.Event, len(events))
	for _, ev := range events {
		c.events[ev.ID] = ev
	}
}

func (c *memCache) Upsert(events ...domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range events {
		c.events[ev.ID] = ev
	}
}

func (c *memCache) Remove(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.events, id)
	}
}

func (c *memCache) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.events[id]
	return ok
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	engine  *Engine
	backend *MockBackend
	clock   *fakeClock
	bus     *bus.Bus
	ledger  *override.Ledger
	cache   *memCache

	mu       sync.Mutex
	messages []bus.Message
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		backend: new(MockBackend),
		clock:   &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, jst)},
		bus:     bus.New(),
		cache:   newMemCache(),
	}
	env.bus.Subscribe(func(m bus.Message) {
		env.mu.Lock()
		env.messages = append(env.messages, m)
		env.mu.Unlock()
	})
	env.ledger = override.NewLedger(nil, override.WithClock(env.clock.Now))
	env.engine = New(Config{
		UserID:           "user-1",
		Location:         jst,
		MaxSegmentMonths: 18,
		PendingSyncTTL:   60 * time.Second,
		EnsureCooldown:   10 * time.Second,
		CacheMaxAge:      24 * time.Hour,
	}, Deps{
		Backend:   env.backend,
		Mapper:    wire.Mapper{Location: jst, ViewerEmails: []string{"me@example.com"}},
		Cache:     env.cache,
		Overrides: env.ledger,
		Bus:       env.bus,
		Now:       env.clock.Now,
	})
	t.Cleanup(env.engine.Close)
	return env
}

func (env *testEnv) published() []bus.Message {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]bus.Message(nil), env.messages...)
}

// loadJune 6月を取得済みにする
func (env *testEnv) loadJune(t *testing.T, events ...*calendar.Event) {
	t.Helper()
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(events...), nil).Once()
	require.NoError(t, env.engine.FetchForRange(context.Background(), jun1, jun30, false, true))
}

func timed(id string, start time.Time, d time.Duration) *calendar.Event {
	return &calendar.Event{
		Id:      id,
		Summary: id,
		Start:   &calendar.EventDateTime{DateTime: start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: start.Add(d).Format(time.RFC3339)},
	}
}

func organizedByMe(ev *calendar.Event) *calendar.Event {
	ev.Organizer = &calendar.EventOrganizer{Email: "me@example.com", Self: true}
	return ev
}

func pageOf(events ...*calendar.Event) *wire.Page {
	page := &wire.Page{}
	for _, ev := range events {
		page.Events = append(page.Events, wire.Item{CalendarID: "primary", Event: ev})
	}
	return page
}

func idsOf(events []domain.Event) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ID)
	}
	return out
}

// --- 作成テスト ---

func TestCreateEvent_ReplacesTempWithServerID(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).
		Return(timed("srv-1", jun10, 30*time.Minute), nil)

	created, err := env.engine.CreateEvent(context.Background(), domain.Event{Title: "打ち合わせ", StartTime: jun10}, CreateOptions{})

	require.NoError(t, err)
	assert.Equal(t, "srv-1", created.ID)
	assert.Equal(t, "打ち合わせ", created.Title)
	assert.Equal(t, domain.PendingSync, created.State)
	assert.True(t, env.engine.IsPendingSync("srv-1"))
	assert.Equal(t, []string{"srv-1"}, idsOf(env.engine.EventsForDate(jun10)))
	assert.Equal(t, []string{"srv-1"}, idsOf(env.engine.Events()))
	assert.True(t, env.cache.has("srv-1"))

	body := env.backend.Calls[0].Arguments.Get(2).(*calendar.Event)
	assert.Empty(t, body.Id)
	assert.Equal(t, jun10.Add(30*time.Minute).Format(time.RFC3339), body.End.DateTime)
}

func TestCreateEvent_FailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).Return(nil, domain.ErrNetwork)

	_, err := env.engine.CreateEvent(context.Background(), domain.Event{Title: "打ち合わせ", StartTime: jun10}, CreateOptions{})

	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.Empty(t, env.engine.Events())
	assert.Empty(t, env.engine.EventsForDate(jun10))
	assert.Empty(t, env.cache.events)
}

func TestCreateEvent_AllDaySpansInclusiveDays(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).Return(&calendar.Event{
		Id:    "srv-ad",
		Start: &calendar.EventDateTime{Date: "2024-06-01"},
		End:   &calendar.EventDateTime{Date: "2024-06-04"},
	}, nil)
	start, end := domain.AllDayRange(jun1, time.Date(2024, 6, 3, 0, 0, 0, 0, jst), jst)

	_, err := env.engine.CreateEvent(context.Background(),
		domain.Event{Title: "合宿", StartTime: start, EndTime: end, IsAllDay: true}, CreateOptions{})

	require.NoError(t, err)
	for day := 1; day <= 3; day++ {
		assert.Len(t, env.engine.EventsForDate(time.Date(2024, 6, day, 12, 0, 0, 0, jst)), 1, "6/%d", day)
	}
	assert.Empty(t, env.engine.EventsForDate(time.Date(2024, 6, 4, 12, 0, 0, 0, jst)))

	body := env.backend.Calls[0].Arguments.Get(2).(*calendar.Event)
	assert.Equal(t, "2024-06-01", body.Start.Date)
	assert.Equal(t, "2024-06-04", body.End.Date)
}

func TestCreateEvent_RecurringClonesEvictedByServerInstances(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t)
	meta := domain.RecurrenceState{Enabled: true, Frequency: domain.Weekly, Interval: 1, DaysOfWeek: []string{"MO"}, Ends: domain.EndsNever}
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).Return(timed("srv-s", jun3, time.Hour), nil)

	_, err := env.engine.CreateEvent(context.Background(),
		domain.Event{Title: "週次", StartTime: jun3, EndTime: jun3.Add(time.Hour), RecurrenceMeta: &meta}, CreateOptions{})
	require.NoError(t, err)

	day := env.engine.EventsForDate(jun17)
	require.Len(t, day, 1)
	assert.True(t, day[0].IsVirtualOccurrence())
	assert.Equal(t, "srv-s", day[0].ParentRecurrenceID)
	assert.False(t, env.cache.has(day[0].ID))
	assert.True(t, env.engine.IsPendingSync("srv-s"))

	// singleEvents の取得では親は Series にだけ入り、Events には展開済みインスタンスが並ぶ
	master := timed("srv-s", jun3, time.Hour)
	master.Recurrence = []string{"RRULE:FREQ=WEEKLY;BYDAY=MO"}
	page := &wire.Page{Series: []wire.Item{{CalendarID: "primary", Event: master}}}
	for _, start := range []time.Time{jun3, jun10, jun17, jun3.AddDate(0, 0, 21)} {
		instance := timed("srv-s_"+start.Format("20060102"), start, time.Hour)
		instance.RecurringEventId = "srv-s"
		page.Events = append(page.Events, wire.Item{CalendarID: "primary", Event: instance})
	}
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(page, nil).Once()
	require.NoError(t, env.engine.FetchForRange(context.Background(), jun1, jun30, false, true))

	assert.Equal(t, []string{"srv-s_20240603"}, idsOf(env.engine.EventsForDate(jun3)))
	assert.Equal(t, []string{"srv-s_20240610"}, idsOf(env.engine.EventsForDate(jun10)))
	assert.Equal(t, []string{"srv-s_20240617"}, idsOf(env.engine.EventsForDate(jun17)))
	for _, ev := range env.engine.Events() {
		assert.False(t, ev.IsVirtualOccurrence(), ev.ID)
	}
	_, ok := env.engine.Event("srv-s")
	assert.False(t, ok)
	assert.False(t, env.engine.IsPendingSync("srv-s"))
	assert.False(t, env.cache.has("srv-s"))
	assert.True(t, env.cache.has("srv-s_20240617"))
}

// --- 取得テスト ---

func TestFetchForRange_SkipsLoadedMonths(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(timed("ev-1", jun10, time.Hour)), nil)
	ctx := context.Background()

	require.NoError(t, env.engine.FetchForRange(ctx, jun1, jun30, false, false))
	require.NoError(t, env.engine.FetchForRange(ctx, jun10, jun10, false, false))

	env.backend.AssertNumberOfCalls(t, "ListEvents", 1)
	assert.True(t, env.engine.IsMonthLoaded("2024-06"))
	assert.False(t, env.engine.IsMonthLoaded("2024-07"))
	assert.Equal(t, []string{"ev-1"}, idsOf(env.engine.EventsForDate(jun10)))
	assert.True(t, env.cache.has("ev-1"))
}

func TestFetchForRange_SplitsLongRanges(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(), nil)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, jst)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, jst)

	require.NoError(t, env.engine.FetchForRange(context.Background(), start, end, false, false))

	env.backend.AssertNumberOfCalls(t, "ListEvents", 2)
	first, second := env.backend.Calls[0].Arguments, env.backend.Calls[1].Arguments
	assert.True(t, first.Get(1).(time.Time).Equal(start))
	assert.True(t, first.Get(2).(time.Time).Equal(domain.EndOfMonth(time.Date(2025, 6, 1, 0, 0, 0, 0, jst), jst)))
	assert.True(t, second.Get(1).(time.Time).Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, jst)))
	assert.True(t, second.Get(2).(time.Time).Equal(domain.EndOfMonth(end, jst)))

	loadedStart, loadedEnd, ok := env.engine.LoadedRange()
	require.True(t, ok)
	assert.True(t, loadedStart.Equal(start))
	assert.True(t, loadedEnd.Equal(domain.EndOfMonth(end, jst)))
}

func TestFetchForRange_FailedSegmentKeepsEarlierOnes(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(), nil).Once()
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(nil, domain.ErrNetwork).Once()

	err := env.engine.FetchForRange(context.Background(),
		time.Date(2024, 1, 1, 0, 0, 0, 0, jst), time.Date(2025, 12, 31, 0, 0, 0, 0, jst), false, false)

	require.ErrorIs(t, err, domain.ErrNetwork)
	assert.True(t, env.engine.IsMonthLoaded("2024-01"))
	assert.True(t, env.engine.IsMonthLoaded("2025-06"))
	assert.False(t, env.engine.IsMonthLoaded("2025-07"))
}

func TestFetchForRange_ForegroundRemovesMissingBackgroundKeeps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.loadJune(t, timed("ev-1", jun10, time.Hour), timed("ev-2", jun17, time.Hour))

	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(timed("ev-1", jun10, time.Hour)), nil).Once()
	require.NoError(t, env.engine.FetchForRange(ctx, jun1, jun30, true, true))
	_, ok := env.engine.Event("ev-2")
	assert.True(t, ok, "バックグラウンド取得では削除しない")

	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	_, ok = env.engine.Event("ev-2")
	assert.False(t, ok)
	assert.Empty(t, env.engine.EventsForDate(jun17))
	assert.False(t, env.cache.has("ev-2"))
}

func TestRefresh_DropsEventsDeletedOnServer(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, timed("ev-1", jun10, time.Hour), timed("ev-2", jun17, time.Hour))
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).Return(timed("srv-new", jun3, time.Hour), nil)
	_, err := env.engine.CreateEvent(context.Background(),
		domain.Event{Title: "新規", StartTime: jun3, EndTime: jun3.Add(time.Hour)}, CreateOptions{})
	require.NoError(t, err)

	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(timed("ev-1", jun10, time.Hour)), nil).Once()
	require.NoError(t, env.engine.Refresh(context.Background()))

	_, ok := env.engine.Event("ev-2")
	assert.False(t, ok)
	assert.Empty(t, env.engine.EventsForDate(jun17))
	assert.False(t, env.cache.has("ev-2"))
	_, ok = env.engine.Event("srv-new")
	assert.True(t, ok, "同期待ちのイベントは残す")

	loadedStart, loadedEnd, _ := env.engine.LoadedRange()
	call := env.backend.Calls[len(env.backend.Calls)-1].Arguments
	assert.True(t, call.Get(1).(time.Time).Equal(loadedStart))
	assert.True(t, call.Get(2).(time.Time).Equal(loadedEnd))
}

func TestRefresh_NothingLoaded(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.engine.Refresh(context.Background()))
	env.backend.AssertNotCalled(t, "ListEvents", mock.Anything, mock.Anything, mock.Anything)
}

func TestFetchForRange_DeleteDuringFetchDoesNotResurrect(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-1").Return(nil)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, env.engine.DeleteEvent(context.Background(), "ev-1", domain.DeleteSingle))
		}).
		Return(pageOf(timed("ev-1", jun10, time.Hour)), nil).Once()

	require.NoError(t, env.engine.FetchForRange(context.Background(), jun1, jun30, false, true))

	_, ok := env.engine.Event("ev-1")
	assert.False(t, ok)
	assert.Empty(t, env.engine.EventsForDate(jun10))
}

func TestFetchForRange_DeleteDuringPersistIsNotOverwritten(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-1").Return(nil)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(timed("ev-1", jun10, time.Hour)), nil).Once()

	// 全件置き換えの反映中に削除が割り込む
	deleted := make(chan error, 1)
	var once sync.Once
	env.cache.mu.Lock()
	env.cache.beforeReplace = func() {
		once.Do(func() {
			go func() { deleted <- env.engine.DeleteEvent(ctx, "ev-1", domain.DeleteSingle) }()
			select {
			case err := <-deleted:
				deleted <- err
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
	env.cache.mu.Unlock()

	require.NoError(t, env.engine.FetchForRange(ctx, jun1, jun30, false, true))
	require.NoError(t, <-deleted)

	_, ok := env.engine.Event("ev-1")
	assert.False(t, ok)
	assert.False(t, env.cache.has("ev-1"))
}

func TestFetchForRange_PendingSyncSurvivesUntilTTL(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).Return(timed("srv-1", jun10, time.Hour), nil)
	_, err := env.engine.CreateEvent(context.Background(),
		domain.Event{Title: "新規", StartTime: jun10, EndTime: jun10.Add(time.Hour)}, CreateOptions{})
	require.NoError(t, err)

	env.loadJune(t)
	_, ok := env.engine.Event("srv-1")
	assert.True(t, ok, "TTL内は取得結果になくても残す")

	env.clock.Advance(61 * time.Second)
	env.loadJune(t)
	_, ok = env.engine.Event("srv-1")
	assert.False(t, ok)
}

// --- 範囲保証テスト ---

func TestEnsureRangeLoaded_CooldownAndGaps(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(), nil)
	ctx := context.Background()
	visStart, visEnd := jun10, time.Date(2024, 6, 20, 0, 0, 0, 0, jst)

	require.NoError(t, env.engine.EnsureRangeLoaded(ctx, visStart, visEnd, LoadOptions{}))
	require.NoError(t, env.engine.EnsureRangeLoaded(ctx, visStart, visEnd, LoadOptions{}))
	env.backend.AssertNumberOfCalls(t, "ListEvents", 1)

	env.clock.Advance(11 * time.Second)
	require.NoError(t, env.engine.EnsureRangeLoaded(ctx, visStart, visEnd, LoadOptions{}))
	env.backend.AssertNumberOfCalls(t, "ListEvents", 1)

	require.NoError(t, env.engine.EnsureRangeLoaded(ctx,
		time.Date(2024, 7, 10, 0, 0, 0, 0, jst), time.Date(2024, 7, 20, 0, 0, 0, 0, jst), LoadOptions{}))
	env.backend.AssertNumberOfCalls(t, "ListEvents", 2)
	start, end, ok := env.engine.LoadedRange()
	require.True(t, ok)
	assert.True(t, start.Equal(jun1))
	assert.True(t, end.Equal(domain.EndOfMonth(time.Date(2024, 7, 1, 0, 0, 0, 0, jst), jst)))

	require.NoError(t, env.engine.EnsureRangeLoaded(ctx, visStart, visEnd, LoadOptions{Force: true}))
	env.backend.AssertNumberOfCalls(t, "ListEvents", 3)
}

// --- 更新テスト ---

func TestUpdateEvent_OfflineRevertsWithoutOverride(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, organizedByMe(timed("ev-1", jun10, time.Hour)))
	env.backend.On("UpdateEvent", mock.Anything, mock.Anything).Return(nil, domain.ErrNetwork)
	newStart := jun10.Add(2 * time.Hour)

	_, err := env.engine.UpdateEvent(context.Background(), "ev-1", EventPatch{Start: &newStart}, domain.EditSingle)

	require.ErrorIs(t, err, domain.ErrNetwork)
	got, ok := env.engine.Event("ev-1")
	require.True(t, ok)
	assert.True(t, got.StartTime.Equal(jun10))
	assert.Equal(t, time.Hour, got.Duration())
	assert.Zero(t, env.ledger.Len())
	assert.Len(t, env.engine.EventsForDate(jun10), 1)
}

func TestUpdateEvent_KeepsDurationAndClearsSyncedOverride(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, organizedByMe(timed("ev-1", jun10, time.Hour)))
	newStart := jun10.Add(2 * time.Hour)
	env.backend.On("UpdateEvent", mock.Anything, mock.MatchedBy(func(req wire.UpdateRequest) bool {
		return req.EventID == "ev-1" && req.Scope == domain.EditSingle && req.CalendarID == "primary"
	})).Return(organizedByMe(timed("ev-1", newStart, time.Hour)), nil)

	got, err := env.engine.UpdateEvent(context.Background(), "ev-1", EventPatch{Start: &newStart}, "")

	require.NoError(t, err)
	assert.True(t, got.StartTime.Equal(newStart))
	assert.Equal(t, time.Hour, got.Duration())
	assert.Zero(t, env.ledger.Len())
}

func TestUpdateEvent_OverrideSurvivesStaleServerTimes(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, organizedByMe(timed("ev-1", jun10, time.Hour)))
	newStart := jun10.Add(2 * time.Hour)
	env.backend.On("UpdateEvent", mock.Anything, mock.Anything).Return(organizedByMe(timed("ev-1", jun10, time.Hour)), nil)

	_, err := env.engine.UpdateEvent(context.Background(), "ev-1", EventPatch{Start: &newStart}, domain.EditSingle)
	require.NoError(t, err)
	require.Equal(t, 1, env.ledger.Len())

	// 反映前の取得結果でもローカルの時刻を優先する
	env.loadJune(t, organizedByMe(timed("ev-1", jun10, time.Hour)))
	got, ok := env.engine.Event("ev-1")
	require.True(t, ok)
	assert.True(t, got.StartTime.Equal(newStart))
}

func TestUpdateEvent_PermissionFailurePublishesBounce(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	env.backend.On("UpdateEvent", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("googleapi: Error 403: forbiddenForNonOrganizer: %w", domain.ErrPermissionDenied))
	title := "変更後"

	_, err := env.engine.UpdateEvent(context.Background(), "ev-1", EventPatch{Title: &title}, domain.EditSingle)

	require.ErrorIs(t, err, domain.ErrPermissionDenied)
	got, _ := env.engine.Event("ev-1")
	assert.Equal(t, "ev-1", got.Title)

	var bounced []bus.EventBounced
	for _, m := range env.published() {
		if b, ok := m.(bus.EventBounced); ok {
			bounced = append(bounced, b)
		}
	}
	require.Len(t, bounced, 1)
	assert.Equal(t, "ev-1", bounced[0].EventID)
}

func TestUpdateEvent_UnknownAndInvalidScope(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.UpdateEvent(context.Background(), "missing", EventPatch{}, domain.EditSingle)
	assert.ErrorIs(t, err, domain.ErrUnknownEvent)

	_, err = env.engine.UpdateEvent(context.Background(), "missing", EventPatch{}, domain.EditScope("weird"))
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

// --- 出欠テスト ---

func TestRespondToInvite(t *testing.T) {
	env := newTestEnv(t)
	invite := timed("ev-1", jun10, time.Hour)
	invite.Organizer = &calendar.EventOrganizer{Email: "boss@example.com"}
	invite.Attendees = []*calendar.EventAttendee{
		{Email: "boss@example.com", ResponseStatus: "accepted"},
		{Email: "me@example.com", ResponseStatus: "needsAction"},
	}
	env.loadJune(t, invite)
	ctx := context.Background()

	t.Run("失敗すると元に戻す", func(t *testing.T) {
		env.backend.On("RespondToInvite", mock.Anything, "primary", "ev-1", "declined").Return(domain.ErrNetwork).Once()

		err := env.engine.RespondToInvite(ctx, "ev-1", "declined")

		require.ErrorIs(t, err, domain.ErrNetwork)
		got, _ := env.engine.Event("ev-1")
		assert.Equal(t, "needsAction", got.ViewerResponseStatus)
	})

	t.Run("成功すると自分の出欠を更新", func(t *testing.T) {
		env.backend.On("RespondToInvite", mock.Anything, "primary", "ev-1", "accepted").Return(nil).Once()

		require.NoError(t, env.engine.RespondToInvite(ctx, "ev-1", "ACCEPTED"))

		got, _ := env.engine.Event("ev-1")
		assert.Equal(t, "accepted", got.ViewerResponseStatus)
		for _, a := range got.Attendees {
			if a.Self {
				assert.Equal(t, "accepted", a.ResponseStatus)
			}
		}
	})

	t.Run("不正な出欠", func(t *testing.T) {
		assert.ErrorIs(t, env.engine.RespondToInvite(ctx, "ev-1", "maybe"), domain.ErrInvalidEvent)
	})
}

// --- 削除テスト ---

func TestDeleteEvent_FailureRestoresAndPublishes(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-1").Return(domain.ErrNetwork)

	require.NoError(t, env.engine.DeleteEvent(context.Background(), "ev-1", domain.DeleteSingle))
	env.engine.Close()

	_, ok := env.engine.Event("ev-1")
	assert.True(t, ok)
	assert.Len(t, env.engine.EventsForDate(jun10), 1)
	assert.True(t, env.cache.has("ev-1"))

	var failed []bus.DeleteFailed
	for _, m := range env.published() {
		if f, ok := m.(bus.DeleteFailed); ok {
			failed = append(failed, f)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "ev-1", failed[0].EventID)
	assert.True(t, errors.Is(failed[0].Err, domain.ErrNetwork))
}

func TestDeleteEvent_NotFoundCountsAsDeleted(t *testing.T) {
	env := newTestEnv(t)
	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-1").Return(domain.ErrNotFound)

	require.NoError(t, env.engine.DeleteEvent(context.Background(), "ev-1", domain.DeleteSingle))
	env.engine.Close()

	_, ok := env.engine.Event("ev-1")
	assert.False(t, ok)
	assert.False(t, env.cache.has("ev-1"))
	for _, m := range env.published() {
		_, failed := m.(bus.DeleteFailed)
		assert.False(t, failed)
	}
}

func TestDeleteEvent_SuppressionPrunedAfterLaterFetchOfMonth(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.loadJune(t, timed("ev-1", jun10, time.Hour), timed("ev-2", jun17, time.Hour))
	require.NoError(t, env.engine.LinkTodo(ctx, "todo-1", "ev-1"))
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-1").Return(nil)

	require.NoError(t, env.engine.DeleteEvent(ctx, "ev-1", domain.DeleteSingle))
	env.engine.Close()

	suppressed := func() (bool, bool) {
		env.engine.mu.Lock()
		defer env.engine.mu.Unlock()
		return env.engine.suppressedIDs["ev-1"], env.engine.suppressedTodos["todo-1"]
	}
	byID, byTodo := suppressed()
	assert.True(t, byID)
	assert.True(t, byTodo)

	// 別の月の取得では外さない
	jul1 := time.Date(2024, 7, 1, 0, 0, 0, 0, jst)
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).Return(pageOf(), nil).Once()
	require.NoError(t, env.engine.FetchForRange(ctx, jul1, jul1.AddDate(0, 1, -1), false, true))
	byID, byTodo = suppressed()
	assert.True(t, byID)
	assert.True(t, byTodo)

	env.loadJune(t, timed("ev-2", jun17, time.Hour))
	byID, byTodo = suppressed()
	assert.False(t, byID)
	assert.False(t, byTodo)
	env.engine.mu.Lock()
	assert.Empty(t, env.engine.tombstones)
	env.engine.mu.Unlock()
}

func TestDeleteEvent_FetchStartedBeforeConfirmationKeepsSuppression(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.loadJune(t, timed("ev-1", jun10, time.Hour))
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-1").Return(nil)
	// 削除確定前に始まった取得は削除前の状態を返しうる
	env.backend.On("ListEvents", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			require.NoError(t, env.engine.DeleteEvent(ctx, "ev-1", domain.DeleteSingle))
			env.engine.Close()
		}).
		Return(pageOf(timed("ev-1", jun10, time.Hour)), nil).Once()

	require.NoError(t, env.engine.FetchForRange(ctx, jun1, jun30, false, true))

	_, ok := env.engine.Event("ev-1")
	assert.False(t, ok)
	env.engine.mu.Lock()
	defer env.engine.mu.Unlock()
	assert.True(t, env.engine.suppressedIDs["ev-1"])
	assert.Contains(t, env.engine.tombstones, "ev-1")
}

func TestDeleteEvent_SeriesRemovesAllInstances(t *testing.T) {
	env := newTestEnv(t)
	master := timed("series", jun3, time.Hour)
	master.Recurrence = []string{"RRULE:FREQ=WEEKLY;BYDAY=MO"}
	first := timed("series_20240610", jun10, time.Hour)
	first.RecurringEventId = "series"
	second := timed("series_20240617", jun17, time.Hour)
	second.RecurringEventId = "series"
	env.loadJune(t, master, first, second)
	env.backend.On("DeleteEvent", mock.Anything, "primary", "series").Return(nil)

	require.NoError(t, env.engine.DeleteEvent(context.Background(), "series_20240610", domain.DeleteSeries))
	env.engine.Close()

	assert.Empty(t, env.engine.Events())
	env.backend.AssertCalled(t, "DeleteEvent", mock.Anything, "primary", "series")
}

// --- ToDo連携テスト ---

func TestTodoLink_OneEventPerTodo(t *testing.T) {
	env := newTestEnv(t)
	env.bus.Publish(bus.TodoConverted{TodoID: "todo-1", Event: domain.Event{
		ID: "ev-a", Title: "資料作成", StartTime: jun10, EndTime: jun10.Add(time.Hour),
	}})
	linked, ok := env.engine.LinkedEvent("todo-1")
	require.True(t, ok)
	assert.Equal(t, "ev-a", linked)

	server := timed("ev-b", jun10.Add(time.Hour), time.Hour)
	server.ExtendedProperties = &calendar.EventExtendedProperties{Private: map[string]string{wire.PropTodoID: "todo-1"}}
	env.loadJune(t, server)

	var holders []string
	for _, ev := range env.engine.Events() {
		if ev.TodoID == "todo-1" {
			holders = append(holders, ev.ID)
		}
	}
	assert.Equal(t, []string{"ev-b"}, holders)
	linked, _ = env.engine.LinkedEvent("todo-1")
	assert.Equal(t, "ev-b", linked)
}

func TestTodoDeleted_RemovesLinkedEvent(t *testing.T) {
	env := newTestEnv(t)
	server := timed("ev-b", jun10, time.Hour)
	server.ExtendedProperties = &calendar.EventExtendedProperties{Private: map[string]string{wire.PropTodoID: "todo-1"}}
	env.loadJune(t, server)
	env.backend.On("DeleteEvent", mock.Anything, "primary", "ev-b").Return(nil)

	env.bus.Publish(bus.TodoDeleted{TodoID: "todo-1"})
	env.engine.Close()

	_, ok := env.engine.Event("ev-b")
	assert.False(t, ok)
	_, linked := env.engine.LinkedEvent("todo-1")
	assert.False(t, linked)
	env.backend.AssertCalled(t, "DeleteEvent", mock.Anything, "primary", "ev-b")
}

func TestTodoCompletionChanged_SetsChecked(t *testing.T) {
	env := newTestEnv(t)
	server := timed("ev-b", jun10, time.Hour)
	server.ExtendedProperties = &calendar.EventExtendedProperties{Private: map[string]string{wire.PropTodoID: "todo-1"}}
	env.loadJune(t, server)

	env.bus.Publish(bus.TodoCompletionChanged{TodoID: "todo-1", Completed: true})

	got, _ := env.engine.Event("ev-b")
	assert.True(t, got.IsChecked)

	// 再取得してもチェック状態を保つ
	env.loadJune(t, server)
	got, _ = env.engine.Event("ev-b")
	assert.True(t, got.IsChecked)
}

// --- 同期待ちテスト ---

func TestSweepPendingSync(t *testing.T) {
	env := newTestEnv(t)
	env.backend.On("InsertEvent", mock.Anything, "primary", mock.Anything, false).Return(timed("srv-1", jun10, time.Hour), nil)
	_, err := env.engine.CreateEvent(context.Background(),
		domain.Event{Title: "新規", StartTime: jun10, EndTime: jun10.Add(time.Hour)}, CreateOptions{})
	require.NoError(t, err)

	assert.Zero(t, env.engine.SweepPendingSync())
	env.clock.Advance(61 * time.Second)
	assert.Equal(t, 1, env.engine.SweepPendingSync())

	assert.False(t, env.engine.IsPendingSync("srv-1"))
	got, _ := env.engine.Event("srv-1")
	assert.Equal(t, domain.Confirmed, got.State)
	assert.Zero(t, env.engine.SweepPendingSync())
}

// --- 復元テスト ---

func TestHydrate(t *testing.T) {
	confirmed := domain.Event{ID: "ev-1", Title: "会議", StartTime: jun10, EndTime: jun10.Add(time.Hour), IsRemoteSourced: true}
	optimistic := domain.Event{ID: "temp-x", Title: "作成中", StartTime: jun10, EndTime: jun10.Add(time.Hour), State: domain.Optimistic}

	t.Run("新しいキャッシュは復元する", func(t *testing.T) {
		env := newTestEnv(t)
		env.cache.record = cache.Record{
			Events:  []domain.Event{confirmed, optimistic},
			SavedAt: env.clock.Now().Add(-time.Hour),
			Version: cache.SchemaVersion,
		}

		require.NoError(t, env.engine.Hydrate(context.Background()))

		assert.Equal(t, []string{"ev-1"}, idsOf(env.engine.Events()))
		assert.Equal(t, []string{"ev-1"}, idsOf(env.engine.EventsForDate(jun10)))
	})

	t.Run("古いキャッシュは使わない", func(t *testing.T) {
		env := newTestEnv(t)
		env.cache.record = cache.Record{
			Events:  []domain.Event{confirmed},
			SavedAt: env.clock.Now().Add(-25 * time.Hour),
			Version: cache.SchemaVersion,
		}

		require.NoError(t, env.engine.Hydrate(context.Background()))
		assert.Empty(t, env.engine.Events())
	})

	t.Run("バージョン違いは使わない", func(t *testing.T) {
		env := newTestEnv(t)
		env.cache.record = cache.Record{
			Events:  []domain.Event{confirmed},
			SavedAt: env.clock.Now(),
			Version: cache.SchemaVersion - 1,
		}

		require.NoError(t, env.engine.Hydrate(context.Background()))
		assert.Empty(t, env.engine.Events())
	})
}
