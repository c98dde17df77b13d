package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/engine"
)

// EventSource 日付ごとのイベントを提供するポート
type EventSource interface {
	EnsureRangeLoaded(ctx context.Context, visibleStart, visibleEnd time.Time, opts engine.LoadOptions) error
	EventsForDate(t time.Time) []domain.Event
}

// Notifier 通知を送信するポート
type Notifier interface {
	SendScheduleNotification(ctx context.Context, todayEvents, tomorrowEvents []domain.Event) error
}

// NotifyScheduleUseCase 予定通知ユースケース
type NotifyScheduleUseCase struct {
	source   EventSource
	notifier Notifier
	logger   *slog.Logger
}

// NewNotifyScheduleUseCase ユースケースを生成
func NewNotifyScheduleUseCase(source EventSource, notifier Notifier) *NotifyScheduleUseCase {
	return &NotifyScheduleUseCase{
		source:   source,
		notifier: notifier,
		logger:   slog.Default().With("component", "usecase"),
	}
}

// Execute 今日と明日を含む範囲を読み込み、日別インデックスから予定を取り出して通知する
func (uc *NotifyScheduleUseCase) Execute(ctx context.Context, today, tomorrow time.Time) (skipped bool, err error) {
	if err := uc.source.EnsureRangeLoaded(ctx, today, tomorrow, engine.LoadOptions{}); err != nil {
		uc.logger.Error("予定の読み込みに失敗しました", "error", err)
		return false, fmt.Errorf("予定の読み込みに失敗しました: %w", err)
	}

	todayEvents := visible(uc.source.EventsForDate(today))
	tomorrowEvents := visible(uc.source.EventsForDate(tomorrow))

	// 予定が両日ともない場合はスキップ
	if len(todayEvents) == 0 && len(tomorrowEvents) == 0 {
		return true, nil
	}

	if err := uc.notifier.SendScheduleNotification(ctx, todayEvents, tomorrowEvents); err != nil {
		uc.logger.Error("LINE通知の送信に失敗しました", "error", err)
		return false, err
	}

	uc.logger.Info("予定を通知しました", "today", len(todayEvents), "tomorrow", len(tomorrowEvents))
	return false, nil
}

// visible 辞退済みの招待を除く
func visible(events []domain.Event) []domain.Event {
	out := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		if ev.ViewerResponseStatus == "declined" {
			continue
		}
		out = append(out, ev)
	}
	return out
}
