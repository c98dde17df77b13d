package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
)

const (
	alertTimeout   = 10 * time.Second
	alertQueueSize = 32
)

// AlertNotifier 警告を送信するポート
type AlertNotifier interface {
	SendAlert(ctx context.Context, text string) error
}

// AlertForwarder 元に戻された変更をバスから受け取り、利用者に知らせる。
// 送信は専用のgoroutineで行い、発行元を待たせない
type AlertForwarder struct {
	notifier AlertNotifier
	logger   *slog.Logger
	queue    chan alert

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type alert struct {
	name string
	text string
}

// NewAlertForwarder フォワーダーを作成し、送信goroutineを開始する
func NewAlertForwarder(notifier AlertNotifier) *AlertForwarder {
	f := &AlertForwarder{
		notifier: notifier,
		logger:   slog.Default().With("component", "alert"),
		queue:    make(chan alert, alertQueueSize),
	}
	f.wg.Add(1)
	go f.run()
	return f
}

// Attach バスを購読し、解除関数を返す
func (f *AlertForwarder) Attach(b *bus.Bus) func() {
	return b.Subscribe(f.Handle)
}

// Handle 権限エラーと削除失敗だけを送信キューに積む。キューが満杯なら破棄する
func (f *AlertForwarder) Handle(msg bus.Message) {
	text, ok := alertText(msg)
	if !ok {
		return
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		f.logger.Debug("停止後の警告を破棄しました", "message", msg.Name())
		return
	}
	select {
	case f.queue <- alert{name: msg.Name(), text: text}:
	default:
		f.logger.Warn("警告の送信待ちが満杯のため破棄しました", "message", msg.Name())
	}
}

// Close 積まれた警告を送り切ってから停止する
func (f *AlertForwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *AlertForwarder) run() {
	defer f.wg.Done()
	for a := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		if err := f.notifier.SendAlert(ctx, a.text); err != nil {
			f.logger.Warn("警告の送信に失敗しました", "message", a.name, "error", err)
		}
		cancel()
	}
}

func alertText(msg bus.Message) (string, bool) {
	switch m := msg.(type) {
	case bus.EventBounced:
		return fmt.Sprintf("「%s」は主催者ではないため変更できませんでした。元に戻しました", displayTitle(m.Title, m.EventID)), true
	case bus.DeleteFailed:
		return fmt.Sprintf("「%s」の削除に失敗したため元に戻しました", displayTitle(m.Title, m.EventID)), true
	default:
		return "", false
	}
}

func displayTitle(title, id string) string {
	if title != "" {
		return title
	}
	return id
}
