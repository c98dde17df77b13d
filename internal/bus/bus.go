package bus

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// Message バス上を流れるメッセージ。このパッケージ外では実装できない
type Message interface {
	Name() string
	message()
}

// TodoConverted ToDoがイベントに変換された
type TodoConverted struct {
	TodoID string
	Event  domain.Event
}

// TodoDeleted ToDoが削除された
type TodoDeleted struct {
	TodoID string
}

// TodoCompletionChanged ToDoの完了状態が変わった
type TodoCompletionChanged struct {
	TodoID    string
	Completed bool
}

// EventsRefreshNeeded 読み込み済み範囲の再取得要求
type EventsRefreshNeeded struct {
	Reason string
}

// EventBounced 権限エラーで変更が元に戻された
type EventBounced struct {
	EventID string
	Title   string
	Err     error
}

// DeleteFailed バックエンドでの削除に失敗し、イベントを復元した
type DeleteFailed struct {
	EventID string
	Title   string
	Err     error
}

func (TodoConverted) Name() string         { return "TodoConverted" }
func (TodoDeleted) Name() string           { return "TodoDeleted" }
func (TodoCompletionChanged) Name() string { return "TodoCompletionChanged" }
func (EventsRefreshNeeded) Name() string   { return "EventsRefreshNeeded" }
func (EventBounced) Name() string          { return "EventBounced" }
func (DeleteFailed) Name() string          { return "DeleteFailed" }

func (TodoConverted) message()         {}
func (TodoDeleted) message()           {}
func (TodoCompletionChanged) message() {}
func (EventsRefreshNeeded) message()   {}
func (EventBounced) message()          {}
func (DeleteFailed) message()          {}

// Handler メッセージの受信処理
type Handler func(Message)

// Bus 同期配信のメッセージバス
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
	logger *slog.Logger
}

// New バスを作成
func New() *Bus {
	return &Bus{
		subs:   make(map[int]Handler),
		logger: slog.Default().With("component", "bus"),
	}
}

// Subscribe 購読を登録し、解除関数を返す
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish 登録順に全購読者へ配信する。購読者内のpanicは他の購読者に波及させない
func (b *Bus) Publish(msg Message) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	handlers := make(map[int]Handler, len(ids))
	for _, id := range ids {
		handlers[id] = b.subs[id]
	}
	b.mu.RUnlock()

	sort.Ints(ids)
	b.logger.Debug("メッセージ配信", "message", msg.Name(), "subscribers", len(ids))
	for _, id := range ids {
		b.deliver(handlers[id], msg)
	}
}

func (b *Bus) deliver(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("購読者の処理でpanicが発生しました", "message", msg.Name(), "panic", r)
		}
	}()
	h(msg)
}
