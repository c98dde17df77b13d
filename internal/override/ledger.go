package override

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

const (
	// DefaultTolerance サーバー時刻と一致とみなす誤差
	DefaultTolerance = 60 * time.Second
	// DefaultBatchSize 1回のフラッシュで永続化する最大件数
	DefaultBatchSize = 50
)

// Persister 時刻オーバーライドの永続化先
type Persister interface {
	PersistOverrides(ctx context.Context, changes []domain.OverrideChange) error
}

// Ledger サーバー未反映のローカル時刻変更の台帳
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]domain.TimeOverride
	dirty     map[string]struct{}
	tolerance time.Duration
	batchSize int
	persister Persister
	now       func() time.Time
	logger    *slog.Logger
}

// Option Ledger の設定
type Option func(*Ledger)

// WithTolerance 一致判定の許容誤差を設定
func WithTolerance(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.tolerance = d
		}
	}
}

// WithBatchSize フラッシュ1回あたりの上限件数を設定
func WithBatchSize(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// WithClock 現在時刻の取得関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger 台帳を作成。persister が nil の場合は永続化しない
func NewLedger(persister Persister, opts ...Option) *Ledger {
	l := &Ledger{
		entries:   make(map[string]domain.TimeOverride),
		dirty:     make(map[string]struct{}),
		tolerance: DefaultTolerance,
		batchSize: DefaultBatchSize,
		persister: persister,
		now:       time.Now,
		logger:    slog.With("component", "override"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Tolerance 許容誤差
func (l *Ledger) Tolerance() time.Duration { return l.tolerance }

// Record 時刻変更を記録する。同じ値が既にあれば何もせず false
func (l *Ledger) Record(eventID string, start, end time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.entries[eventID]; ok && cur.Start.Equal(start) && cur.End.Equal(end) {
		return false
	}
	l.entries[eventID] = domain.TimeOverride{Start: start, End: end, UpdatedAt: l.now()}
	l.dirty[eventID] = struct{}{}
	return true
}

// Get 記録済みのオーバーライドを取得
func (l *Ledger) Get(eventID string) (domain.TimeOverride, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.entries[eventID]
	return o, ok
}

// Remove オーバーライドを削除
func (l *Ledger) Remove(eventID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(eventID)
}

// Restore 更新前の状態に戻す。prev が nil なら削除
func (l *Ledger) Restore(eventID string, prev *domain.TimeOverride) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev == nil {
		l.removeLocked(eventID)
		return
	}
	l.entries[eventID] = *prev
	l.dirty[eventID] = struct{}{}
}

// ClearIfSynced サーバー時刻がオーバーライドと許容誤差内で一致したら削除
func (l *Ledger) ClearIfSynced(eventID string, serverStart, serverEnd time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.entries[eventID]
	if !ok || !o.Matches(serverStart, serverEnd, l.tolerance) {
		return false
	}
	l.removeLocked(eventID)
	return true
}

// Apply サーバー取得イベントにオーバーライドを適用する。
// サーバーが追いついていればオーバーライドを削除してそのまま返す。
func (l *Ledger) Apply(ev domain.Event) domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.entries[ev.ID]
	if !ok {
		return ev
	}
	if o.Matches(ev.StartTime, ev.EndTime, l.tolerance) {
		l.removeLocked(ev.ID)
		return ev
	}
	ev.StartTime = o.Start
	ev.EndTime = o.End
	return ev
}

// Rename 一時IDから確定IDへ付け替える
func (l *Ledger) Rename(oldID, newID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.entries[oldID]
	if !ok {
		return
	}
	l.removeLocked(oldID)
	l.entries[newID] = o
	l.dirty[newID] = struct{}{}
}

// Hydrate 永続化済みの状態を読み込む (dirty にはしない)
func (l *Ledger) Hydrate(entries map[string]domain.TimeOverride) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, o := range entries {
		if _, exists := l.entries[id]; !exists {
			l.entries[id] = o
		}
	}
}

// Len 記録件数
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// DirtyCount 未永続化の件数
func (l *Ledger) DirtyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.dirty)
}

// Flush 未永続化の変更を最大 batchSize 件まとめて永続化する
func (l *Ledger) Flush(ctx context.Context) (int, error) {
	l.mu.Lock()
	if l.persister == nil || len(l.dirty) == 0 {
		l.mu.Unlock()
		return 0, nil
	}
	ids := make([]string, 0, len(l.dirty))
	for id := range l.dirty {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) > l.batchSize {
		ids = ids[:l.batchSize]
	}
	changes := make([]domain.OverrideChange, 0, len(ids))
	for _, id := range ids {
		change := domain.OverrideChange{EventID: id}
		if o, ok := l.entries[id]; ok {
			o := o
			change.Override = &o
		}
		changes = append(changes, change)
		delete(l.dirty, id)
	}
	l.mu.Unlock()

	if err := l.persister.PersistOverrides(ctx, changes); err != nil {
		l.mu.Lock()
		for _, id := range ids {
			l.dirty[id] = struct{}{}
		}
		l.mu.Unlock()
		l.logger.Warn("時刻オーバーライドの永続化に失敗しました", "count", len(changes), "error", err)
		return 0, fmt.Errorf("時刻オーバーライドの永続化に失敗しました: %w", err)
	}
	return len(changes), nil
}

func (l *Ledger) removeLocked(eventID string) {
	if _, ok := l.entries[eventID]; !ok {
		return
	}
	delete(l.entries, eventID)
	l.dirty[eventID] = struct{}{}
}
