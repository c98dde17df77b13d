package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// LINENotifier LINE Messaging APIを使用したNotifierの実装
type LINENotifier struct {
	channelAccessToken string
	userID             string
	httpClient         *http.Client
	endpoint           string
	clock              func() time.Time
	location           *time.Location
}

// lineMessage LINE APIに送信するメッセージ構造体
type lineMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// linePushRequest LINE Push APIのリクエスト構造体
type linePushRequest struct {
	To       string        `json:"to"`
	Messages []lineMessage `json:"messages"`
}

// lineErrorResponse LINE APIのエラーレスポンス構造体
type lineErrorResponse struct {
	Message string `json:"message"`
	Details []struct {
		Message  string `json:"message"`
		Property string `json:"property"`
	} `json:"details"`
}

// NewLINENotifier LINE通知クライアントを作成
func NewLINENotifier(channelAccessToken, userID string, location *time.Location) *LINENotifier {
	if location == nil {
		location = time.UTC
	}
	return &LINENotifier{
		channelAccessToken: channelAccessToken,
		userID:             userID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		endpoint: "https://api.line.me/v2/bot/message/push",
		clock:    time.Now,
		location: location,
	}
}

// SendAlert 同期の失敗などを短い文面で通知
func (n *LINENotifier) SendAlert(ctx context.Context, text string) error {
	return n.sendPushMessage(ctx, "⚠️ "+text)
}

// SendScheduleNotification カレンダー予定をLINEで通知
func (n *LINENotifier) SendScheduleNotification(ctx context.Context, todayEvents, tomorrowEvents []domain.Event) error {
	// 通知メッセージを作成
	message := n.buildScheduleMessage(todayEvents, tomorrowEvents)

	// LINE Push APIでメッセージを送信
	return n.sendPushMessage(ctx, message)
}

// buildScheduleMessage 予定通知用のメッセージを構築
func (n *LINENotifier) buildScheduleMessage(todayEvents, tomorrowEvents []domain.Event) string {
	var messageBuilder strings.Builder
	loc := n.location
	if loc == nil {
		loc = time.UTC
	}
	today := n.clock().In(loc)

	messageBuilder.WriteString("Calendar Sync Digest\n\n")

	// 本日の予定
	dowToday := getWeekdayJapanese(today.Weekday())
	if len(todayEvents) > 0 {
		messageBuilder.WriteString(fmt.Sprintf("本日 %s(%s) (%d件):\n", today.Format("1/2"), dowToday, len(todayEvents)))
		for _, event := range todayEvents {
			appendEventToMessage(&messageBuilder, event, loc)
		}
	} else {
		messageBuilder.WriteString(fmt.Sprintf("本日 %s(%s): 予定なし\n", today.Format("1/2"), dowToday))
	}

	messageBuilder.WriteString("\n\n")

	// 翌日の予定
	tomorrow := today.AddDate(0, 0, 1)
	dowTomorrow := getWeekdayJapanese(tomorrow.Weekday())
	if len(tomorrowEvents) > 0 {
		messageBuilder.WriteString(fmt.Sprintf("翌日 %s(%s) (%d件):\n", tomorrow.Format("1/2"), dowTomorrow, len(tomorrowEvents)))
		for _, event := range tomorrowEvents {
			appendEventToMessage(&messageBuilder, event, loc)
		}
	} else {
		messageBuilder.WriteString(fmt.Sprintf("翌日 %s(%s): 予定なし\n", tomorrow.Format("1/2"), dowTomorrow))
	}

	return messageBuilder.String()
}

// appendEventToMessage イベントをメッセージに追加。完了済みのToDo由来イベントには印をつける
func appendEventToMessage(builder *strings.Builder, event domain.Event, loc *time.Location) {
	marker := "🔸"
	if event.IsChecked {
		marker = "✅"
	}
	title := event.Title
	if event.IsPendingSync() || event.IsOptimistic() {
		title += " (同期中)"
	}
	if event.IsAllDay {
		builder.WriteString(fmt.Sprintf("%s %s (終日)\n", marker, title))
	} else {
		timeRange := fmt.Sprintf("%s〜%s",
			event.StartTime.In(loc).Format("15:04"),
			event.EndTime.In(loc).Format("15:04"))
		builder.WriteString(fmt.Sprintf("%s %s %s\n", marker, timeRange, title))
	}

	// 場所情報があれば追加
	if event.Location != "" {
		builder.WriteString(fmt.Sprintf("   📍 %s\n", event.Location))
	}
}

// sendPushMessage LINE Push APIでメッセージを送信
func (n *LINENotifier) sendPushMessage(ctx context.Context, message string) error {
	// リクエストボディを作成
	pushRequest := linePushRequest{
		To: n.userID,
		Messages: []lineMessage{
			{
				Type: "text",
				Text: message,
			},
		},
	}

	requestBody, err := json.Marshal(pushRequest)
	if err != nil {
		return fmt.Errorf("リクエストボディのJSON変換に失敗しました: %w", err)
	}

	// HTTPリクエストを作成
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		n.endpoint,
		bytes.NewBuffer(requestBody),
	)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	// ヘッダーを設定
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", n.channelAccessToken))

	// APIリクエストを送信
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("LINE APIリクエストの送信に失敗しました: %w", err)
	}
	defer resp.Body.Close()

	// レスポンスを確認
	if resp.StatusCode != http.StatusOK {
		// エラーレスポンスの詳細を取得
		var errorResponse lineErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errorResponse); err != nil {
			return fmt.Errorf("LINE API呼び出しが失敗しました (Status: %d, レスポンス解析不可: %v)", resp.StatusCode, err)
		}

		errorDetails := errorResponse.Message
		if len(errorResponse.Details) > 0 {
			errorDetails += fmt.Sprintf(" (詳細: %s)", errorResponse.Details[0].Message)
		}

		return fmt.Errorf("LINE API呼び出しが失敗しました (Status: %d): %s", resp.StatusCode, errorDetails)
	}

	return nil
}

// getWeekdayJapanese 曜日を日本語に変換
func getWeekdayJapanese(weekday time.Weekday) string {
	weekdays := map[time.Weekday]string{
		time.Sunday:    "日",
		time.Monday:    "月",
		time.Tuesday:   "火",
		time.Wednesday: "水",
		time.Thursday:  "木",
		time.Friday:    "金",
		time.Saturday:  "土",
	}
	return weekdays[weekday]
}
