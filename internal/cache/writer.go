package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/metrics"
)

// DefaultQueueSize 書き込みキューの既定長
const DefaultQueueSize = 256

const writeTimeout = 10 * time.Second

type writeOp struct {
	name string
	fn   func(ctx context.Context) error
	done chan struct{}
}

// Writer 1ユーザー分のキャッシュ書き込みを1本のgoroutineで直列に実行する。
// 呼び出し側は書き込み完了を待たない。キューが満杯の間だけ投入を待つ
type Writer struct {
	store  *Store
	userID string
	ops    chan writeOp
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewWriter 書き込みキューを作成し、処理goroutineを開始する
func NewWriter(store *Store, userID string, capacity int) *Writer {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	w := &Writer{
		store:  store,
		userID: userID,
		ops:    make(chan writeOp, capacity),
		logger: slog.Default().With("component", "cache", "user", userID),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer w.wg.Done()
	for op := range w.ops {
		if op.fn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := op.fn(ctx); err != nil {
				metrics.CacheWriteFailures.Inc()
				w.logger.Warn("キャッシュの書き込みに失敗しました", "op", op.name, "error", err)
			}
			cancel()
		}
		if op.done != nil {
			close(op.done)
		}
	}
}

func (w *Writer) enqueue(op writeOp) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.ops <- op:
		return true
	default:
	}
	// 満杯でも破棄せず空きを待つ
	w.logger.Debug("キャッシュ書き込みキューの空きを待ちます", "op", op.name)
	w.ops <- op
	return true
}

// Load 保存済みのイベント一式を同期的に読み込む
func (w *Writer) Load(ctx context.Context) (Record, error) {
	return w.store.LoadEvents(ctx, w.userID)
}

// ReplaceAll 全件置き換えをキューに積む
func (w *Writer) ReplaceAll(events []domain.Event) {
	snapshot := cloneEvents(events)
	w.enqueue(writeOp{name: "replace", fn: func(ctx context.Context) error {
		return w.store.ReplaceEvents(ctx, w.userID, snapshot)
	}})
}

// Upsert 追加・更新をキューに積む
func (w *Writer) Upsert(events ...domain.Event) {
	if len(events) == 0 {
		return
	}
	snapshot := cloneEvents(events)
	w.enqueue(writeOp{name: "upsert", fn: func(ctx context.Context) error {
		return w.store.UpsertEvents(ctx, w.userID, snapshot)
	}})
}

// Remove 削除をキューに積む
func (w *Writer) Remove(ids ...string) {
	if len(ids) == 0 {
		return
	}
	snapshot := append([]string(nil), ids...)
	w.enqueue(writeOp{name: "remove", fn: func(ctx context.Context) error {
		return w.store.RemoveEvents(ctx, w.userID, snapshot)
	}})
}

// Flush それまでに積まれた書き込みが終わるまで待つ
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	// バリアは破棄せずに待つ
	select {
	case w.ops <- writeOp{name: "flush", done: done}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 残りの書き込みを処理してから停止する
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.ops)
	w.mu.Unlock()
	w.wg.Wait()
}

func cloneEvents(events []domain.Event) []domain.Event {
	out := make([]domain.Event, len(events))
	for i, ev := range events {
		out[i] = ev.Clone()
	}
	return out
}
