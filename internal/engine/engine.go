package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/cache"
	"github.com/k-negishi/calendar-sync-engine/internal/dayindex"
	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/metrics"
	"github.com/k-negishi/calendar-sync-engine/internal/override"
	"github.com/k-negishi/calendar-sync-engine/internal/snapshot"
	"github.com/k-negishi/calendar-sync-engine/internal/wire"
)

// Backend カレンダーバックエンドのポート
type Backend interface {
	ListEvents(ctx context.Context, start, end time.Time) (*wire.Page, error)
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event, sendNotifications bool) (*calendar.Event, error)
	UpdateEvent(ctx context.Context, req wire.UpdateRequest) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	RespondToInvite(ctx context.Context, calendarID, eventID, status string) error
}

// DurableCache ローカル永続キャッシュのポート。書き込みは完了を待たない
type DurableCache interface {
	Load(ctx context.Context) (cache.Record, error)
	ReplaceAll(events []domain.Event)
	Upsert(events ...domain.Event)
	Remove(ids ...string)
}

// TodoLinker ToDoとイベントの紐付けを永続化するポート
type TodoLinker interface {
	Link(ctx context.Context, todoID, eventID string) error
	Unlink(ctx context.Context, id string) error
}

// UserStateStore 端末ローカルのユーザー状態
type UserStateStore interface {
	TodoLinker
	SetChecked(ctx context.Context, eventID string, checked bool) error
	LoadChecked(ctx context.Context) (map[string]bool, error)
	LoadLinks(ctx context.Context) (map[string]string, error)
	LoadOverrides(ctx context.Context, loc *time.Location) (map[string]domain.TimeOverride, error)
}

// Config エンジンの調整値
type Config struct {
	UserID           string
	Location         *time.Location
	PastMonths       int
	FutureMonths     int
	MaxSegmentMonths int
	PendingSyncTTL   time.Duration
	EnsureCooldown   time.Duration
	CacheMaxAge      time.Duration
	DeleteQueueSize  int
}

// DefaultConfig 既定値
func DefaultConfig() Config {
	return Config{
		Location:         time.UTC,
		PastMonths:       24,
		FutureMonths:     24,
		MaxSegmentMonths: 18,
		PendingSyncTTL:   60 * time.Second,
		EnsureCooldown:   10 * time.Second,
		CacheMaxAge:      24 * time.Hour,
		DeleteQueueSize:  64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Location == nil {
		c.Location = d.Location
	}
	if c.PastMonths < 0 {
		c.PastMonths = 0
	}
	if c.FutureMonths < 0 {
		c.FutureMonths = 0
	}
	if c.MaxSegmentMonths <= 0 {
		c.MaxSegmentMonths = d.MaxSegmentMonths
	}
	if c.PendingSyncTTL <= 0 {
		c.PendingSyncTTL = d.PendingSyncTTL
	}
	if c.EnsureCooldown < 0 {
		c.EnsureCooldown = 0
	}
	if c.CacheMaxAge <= 0 {
		c.CacheMaxAge = d.CacheMaxAge
	}
	if c.DeleteQueueSize <= 0 {
		c.DeleteQueueSize = d.DeleteQueueSize
	}
	return c
}

// Deps エンジンが利用するコンポーネント。Backend 以外は省略可
type Deps struct {
	Backend   Backend
	Mapper    wire.Mapper
	Cache     DurableCache
	Snapshots *snapshot.Store
	Overrides *override.Ledger
	UserState UserStateStore
	Bus       *bus.Bus
	Now       func() time.Time
}

type timeRange struct {
	start time.Time
	end   time.Time
}

type ensureMark struct {
	start time.Time
	end   time.Time
	at    time.Time
}

// Engine イベントの同期とローカルキャッシュを担うセッション単位のエンジン
type Engine struct {
	cfg       Config
	backend   Backend
	mapper    wire.Mapper
	cache     DurableCache
	snapshots *snapshot.Store
	overrides *override.Ledger
	userState UserStateStore
	bus       *bus.Bus
	now       func() time.Time
	logger    *slog.Logger

	mu              sync.Mutex
	events          map[string]domain.Event
	index           *dayindex.Index
	loaded          *timeRange
	loadedMonths    map[string]bool
	inFlight        map[string]bool
	suppressedIDs   map[string]bool
	suppressedTodos map[string]bool
	pending         map[string]time.Time
	todoToEvent     map[string]string
	eventToTodo     map[string]string
	checked         map[string]bool
	clones          map[string][]string
	tombstones      map[string]tombstone
	fetchSeq        uint64
	lastEnsure      ensureMark

	// セグメント取得は1本ずつ
	fetchMu sync.Mutex

	deletes     chan deleteJob
	queueMu     sync.RWMutex
	workers     sync.WaitGroup
	closeOnce   sync.Once
	closed      chan struct{}
	unsubscribe func()
}

// New エンジンを作成し、削除キューとバス購読を開始する
func New(cfg Config, deps Deps) *Engine {
	cfg = cfg.withDefaults()
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	overrides := deps.Overrides
	if overrides == nil {
		overrides = override.NewLedger(nil, override.WithClock(now))
	}
	mapper := deps.Mapper
	if mapper.Location == nil {
		mapper.Location = cfg.Location
	}

	e := &Engine{
		cfg:             cfg,
		backend:         deps.Backend,
		mapper:          mapper,
		cache:           deps.Cache,
		snapshots:       deps.Snapshots,
		overrides:       overrides,
		userState:       deps.UserState,
		bus:             deps.Bus,
		now:             now,
		logger:          slog.Default().With("component", "engine", "user", cfg.UserID),
		events:          make(map[string]domain.Event),
		index:           dayindex.New(cfg.Location),
		loadedMonths:    make(map[string]bool),
		inFlight:        make(map[string]bool),
		suppressedIDs:   make(map[string]bool),
		suppressedTodos: make(map[string]bool),
		pending:         make(map[string]time.Time),
		todoToEvent:     make(map[string]string),
		eventToTodo:     make(map[string]string),
		checked:         make(map[string]bool),
		clones:          make(map[string][]string),
		tombstones:      make(map[string]tombstone),
		deletes:         make(chan deleteJob, cfg.DeleteQueueSize),
		closed:          make(chan struct{}),
	}

	e.workers.Add(1)
	go e.runDeletes()
	if e.bus != nil {
		e.unsubscribe = e.bus.Subscribe(e.handleMessage)
	}
	return e
}

// Close バス購読を解除し、削除キューを処理し切ってから停止する
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}
		close(e.closed)
		e.queueMu.Lock()
		close(e.deletes)
		e.queueMu.Unlock()
	})
	e.workers.Wait()
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// --- 参照 ---

// EventsForDate 指定日のイベントを表示順で返す
func (e *Engine) EventsForDate(t time.Time) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.index.EventsForDate(t)
	out := list[:0]
	for _, ev := range list {
		if e.isSuppressedLocked(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Event IDでイベントを取得
func (e *Engine) Event(id string) (domain.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ev, ok := e.events[id]
	if !ok {
		return domain.Event{}, false
	}
	return ev.Clone(), true
}

// Events 全イベントを開始時刻順で返す
func (e *Engine) Events() []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sortedEventsLocked(nil)
}

// LoadedRange 読み込み済みの範囲
func (e *Engine) LoadedRange() (start, end time.Time, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded == nil {
		return time.Time{}, time.Time{}, false
	}
	return e.loaded.start, e.loaded.end, true
}

// IsMonthLoaded YYYY-MM の月が読み込み済みか
func (e *Engine) IsMonthLoaded(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadedMonths[key]
}

// IsPendingSync 同期待ちマーカーを持つか
func (e *Engine) IsPendingSync(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// LinkedEvent ToDoに紐付くイベントID
func (e *Engine) LinkedEvent(todoID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.todoToEvent[todoID]
	return id, ok
}

// RebuildDayIndex 日付索引を全件から再構築する。
// 楽観的・同期待ちのイベントがある間は行わず false を返す
func (e *Engine) RebuildDayIndex() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildIndexLocked()
}

func (e *Engine) rebuildIndexLocked() bool {
	for _, ev := range e.events {
		if ev.IsOptimistic() || ev.IsPendingSync() {
			return false
		}
	}
	e.index.Rebuild(e.sortedEventsLocked(nil), e.isSuppressedLocked)
	return true
}

// --- スナップショット ---

// SaveSnapshot 表示範囲のイベントをスナップショットとして保存
func (e *Engine) SaveSnapshot(view string, start, end time.Time) error {
	if e.snapshots == nil {
		return nil
	}
	e.mu.Lock()
	events := e.sortedEventsLocked(func(ev domain.Event) bool {
		return ev.StartTime.Before(end) && ev.EndTime.After(start) && !e.isSuppressedLocked(ev)
	})
	e.mu.Unlock()
	return e.snapshots.Put(e.snapshotKey(view, start, end), events)
}

// RestoreSnapshot スナップショットを読み込み、未保持のイベントを状態に反映する
func (e *Engine) RestoreSnapshot(view string, start, end time.Time) ([]domain.Event, bool) {
	if e.snapshots == nil {
		return nil, false
	}
	events, ok := e.snapshots.Get(e.snapshotKey(view, start, end))
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	for _, ev := range events {
		if _, exists := e.events[ev.ID]; exists || e.isSuppressedLocked(ev) || ev.IsOptimistic() {
			continue
		}
		e.putLocked(ev.AsConfirmed())
	}
	e.mu.Unlock()
	return events, true
}

func (e *Engine) snapshotKey(view string, start, end time.Time) snapshot.Key {
	return snapshot.Key{UserID: e.cfg.UserID, View: view, Start: start, End: end}
}

// --- キャッシュからの復元 ---

// Hydrate 永続キャッシュとユーザー状態から状態を復元する。
// キャッシュが古い・読めない場合はイベントを復元せずに終える
func (e *Engine) Hydrate(ctx context.Context) error {
	e.hydrateUserState(ctx)
	if e.cache == nil {
		return nil
	}
	rec, err := e.cache.Load(ctx)
	if err != nil {
		metrics.CacheWriteFailures.Inc()
		e.logger.Warn("キャッシュの読み込みに失敗しました", "error", err)
		return nil
	}
	if rec.Version != cache.SchemaVersion || rec.SavedAt.IsZero() || e.now().Sub(rec.SavedAt) > e.cfg.CacheMaxAge {
		e.logger.Debug("キャッシュが古いため復元しません", "version", rec.Version, "saved_at", rec.SavedAt)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	restored := 0
	for _, ev := range rec.Events {
		// 前回セッションの一時イベントは復元しない
		if ev.IsOptimistic() || domain.IsTempID(ev.ID) || ev.IsVirtualOccurrence() {
			continue
		}
		if _, exists := e.events[ev.ID]; exists || e.isSuppressedLocked(ev) {
			continue
		}
		ev = e.overrides.Apply(ev.AsConfirmed())
		ev.IsChecked = e.checked[ev.ID]
		e.events[ev.ID] = ev
		if ev.TodoID != "" {
			if _, linked := e.todoToEvent[ev.TodoID]; !linked {
				e.todoToEvent[ev.TodoID] = ev.ID
				e.eventToTodo[ev.ID] = ev.TodoID
			}
		}
		restored++
	}
	if !e.rebuildIndexLocked() {
		for _, ev := range rec.Events {
			if cur, ok := e.events[ev.ID]; ok {
				e.index.Insert(cur)
			}
		}
	}
	metrics.LoadedEvents.Set(float64(len(e.events)))
	e.logger.Info("キャッシュから復元しました", "events", restored)
	return nil
}

func (e *Engine) hydrateUserState(ctx context.Context) {
	if e.userState == nil {
		return
	}
	if overrides, err := e.userState.LoadOverrides(ctx, e.cfg.Location); err != nil {
		e.logger.Warn("時刻オーバーライドの復元に失敗しました", "error", err)
	} else {
		e.overrides.Hydrate(overrides)
	}

	links, err := e.userState.LoadLinks(ctx)
	if err != nil {
		e.logger.Warn("ToDo紐付けの復元に失敗しました", "error", err)
	}
	checked, err := e.userState.LoadChecked(ctx)
	if err != nil {
		e.logger.Warn("チェック状態の復元に失敗しました", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for todoID, eventID := range links {
		e.todoToEvent[todoID] = eventID
		e.eventToTodo[eventID] = todoID
	}
	for id, v := range checked {
		e.checked[id] = v
	}
}

// Refresh 読み込み済み範囲を全件再取得する。サーバー側で消えたイベントも取り除くが、
// 楽観的・同期待ちのイベントは残す
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.loaded == nil {
		e.mu.Unlock()
		return nil
	}
	start, end := e.loaded.start, e.loaded.end
	e.mu.Unlock()
	return e.FetchForRange(ctx, start, end, false, true)
}

// --- 状態操作 (e.mu を保持して呼ぶ) ---

// putLocked 状態・索引・スナップショットに反映する
func (e *Engine) putLocked(ev domain.Event) {
	e.events[ev.ID] = ev
	if e.isSuppressedLocked(ev) {
		e.index.Remove(ev.ID)
	} else {
		e.index.Insert(ev)
	}
	if e.snapshots != nil {
		e.snapshots.UpsertEvent(e.cfg.UserID, ev)
	}
}

// dropLocked 状態・索引・スナップショットから取り除く
func (e *Engine) dropLocked(id string) (domain.Event, bool) {
	ev, ok := e.events[id]
	delete(e.events, id)
	delete(e.pending, id)
	e.index.Remove(id)
	if e.snapshots != nil {
		e.snapshots.RemoveEvent(e.cfg.UserID, id)
	}
	return ev, ok
}

func (e *Engine) isSuppressedLocked(ev domain.Event) bool {
	if e.suppressedIDs[ev.ID] {
		return true
	}
	return ev.TodoID != "" && e.suppressedTodos[ev.TodoID]
}

func (e *Engine) sortedEventsLocked(keep func(domain.Event) bool) []domain.Event {
	out := make([]domain.Event, 0, len(e.events))
	for _, ev := range e.events {
		if keep != nil && !keep(ev) {
			continue
		}
		out = append(out, ev.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// persistableLocked 永続キャッシュに保存する対象 (ローカル展開インスタンスは除く)
func (e *Engine) persistableLocked() []domain.Event {
	return e.sortedEventsLocked(func(ev domain.Event) bool {
		return !ev.IsVirtualOccurrence() && !e.isSuppressedLocked(ev)
	})
}

// cacheUpsertLocked / cacheRemoveLocked は e.mu を保持して呼ぶ。
// 書き込みキューへの投入順が状態の変更順と一致する
func (e *Engine) cacheUpsertLocked(events ...domain.Event) {
	if e.cache == nil {
		return
	}
	keep := events[:0:0]
	for _, ev := range events {
		if !ev.IsVirtualOccurrence() {
			keep = append(keep, ev)
		}
	}
	if len(keep) > 0 {
		e.cache.Upsert(keep...)
	}
}

func (e *Engine) cacheRemoveLocked(ids ...string) {
	if e.cache != nil && len(ids) > 0 {
		e.cache.Remove(ids...)
	}
}

func (e *Engine) publish(msgs ...bus.Message) {
	if e.bus == nil {
		return
	}
	for _, m := range msgs {
		e.bus.Publish(m)
	}
}
