package domain

import (
	"strings"
	"time"
)

// SyncState イベントのライフサイクル状態
type SyncState int

const (
	// Confirmed サーバーで確定済み
	Confirmed SyncState = iota
	// Optimistic ローカルで作成され、サーバー未確定
	Optimistic
	// PendingSync サーバーIDは受領済みだが、取得結果ではまだ観測されていない
	PendingSync
)

// String 状態名を返す
func (s SyncState) String() string {
	switch s {
	case Optimistic:
		return "optimistic"
	case PendingSync:
		return "pending_sync"
	default:
		return "confirmed"
	}
}

// Attendee 参加者と出欠状態
type Attendee struct {
	Email          string `msgpack:"email"`
	ResponseStatus string `msgpack:"response_status"`
	Self           bool   `msgpack:"self"`
}

// Reminder 通知設定
type Reminder struct {
	Method  string `msgpack:"method"`
	Minutes int64  `msgpack:"minutes"`
}

// Event カレンダーイベントのドメインエンティティ
type Event struct {
	ID        string `msgpack:"id"`
	ClientKey string `msgpack:"client_key"`

	Title       string    `msgpack:"title"`
	Description string    `msgpack:"description"`
	Location    string    `msgpack:"location"`
	Color       string    `msgpack:"color"`
	CalendarID  string    `msgpack:"calendar_id"`
	StartTime   time.Time `msgpack:"start"`
	// 終日イベントは日付境界の排他的終了時刻
	EndTime  time.Time `msgpack:"end"`
	IsAllDay bool      `msgpack:"all_day"`

	Transparency        string     `msgpack:"transparency"`
	Visibility          string     `msgpack:"visibility"`
	Reminders           []Reminder `msgpack:"reminders"`
	UseDefaultReminders bool       `msgpack:"use_default_reminders"`

	Participants         []string   `msgpack:"participants"`
	Attendees            []Attendee `msgpack:"attendees"`
	OrganizerEmail       string     `msgpack:"organizer_email"`
	ViewerIsOrganizer    bool       `msgpack:"viewer_is_organizer"`
	ViewerResponseStatus string     `msgpack:"viewer_response_status"`
	InviteCanRespond     bool       `msgpack:"invite_can_respond"`

	RecurrenceRule    string           `msgpack:"recurrence_rule"`
	RecurrenceSummary string           `msgpack:"recurrence_summary"`
	RecurrenceMeta    *RecurrenceState `msgpack:"recurrence_meta"`
	// RecurringEventID サーバーが返す繰り返しインスタンスの親ID
	RecurringEventID string `msgpack:"recurring_event_id"`
	// ParentRecurrenceID ローカルで展開した仮想インスタンスの親ID
	ParentRecurrenceID string `msgpack:"parent_recurrence_id"`

	TodoID    string `msgpack:"todo_id"`
	IsChecked bool   `msgpack:"is_checked"`

	State           SyncState `msgpack:"state"`
	IsRemoteSourced bool      `msgpack:"remote"`
}

// IsOptimistic ローカル作成でサーバー未確定かどうか
func (e Event) IsOptimistic() bool { return e.State == Optimistic }

// IsPendingSync サーバー確定済みで取得待ちかどうか
func (e Event) IsPendingSync() bool { return e.State == PendingSync }

// IsVirtualOccurrence ローカル展開された繰り返しインスタンスかどうか
func (e Event) IsVirtualOccurrence() bool { return e.ParentRecurrenceID != "" }

// IsRecurring 繰り返しルールを持つシリーズかどうか
func (e Event) IsRecurring() bool {
	return e.RecurrenceRule != "" || (e.RecurrenceMeta != nil && e.RecurrenceMeta.Enabled)
}

// SeriesID シリーズ単位の操作で使う識別子
func (e Event) SeriesID() string {
	switch {
	case e.RecurringEventID != "":
		return e.RecurringEventID
	case e.ParentRecurrenceID != "":
		return e.ParentRecurrenceID
	default:
		return e.ID
	}
}

// Duration 開始から終了までの長さ
func (e Event) Duration() time.Duration { return e.EndTime.Sub(e.StartTime) }

// AsOptimistic 楽観的状態のコピーを返す。サーバー由来の親IDは持てない
func (e Event) AsOptimistic(tempID string) Event {
	out := e.Clone()
	out.ID = tempID
	out.State = Optimistic
	out.RecurringEventID = ""
	out.IsRemoteSourced = false
	return out
}

// AsPendingSync サーバーIDで確定し、取得待ち状態にしたコピーを返す
func (e Event) AsPendingSync(serverID string) Event {
	out := e.Clone()
	out.ID = serverID
	out.State = PendingSync
	out.IsRemoteSourced = true
	return out
}

// AsConfirmed 確定状態のコピーを返す
func (e Event) AsConfirmed() Event {
	out := e.Clone()
	out.State = Confirmed
	return out
}

// Clone スライスとポインタを複製したコピーを返す
func (e Event) Clone() Event {
	out := e
	if e.Reminders != nil {
		out.Reminders = append([]Reminder(nil), e.Reminders...)
	}
	if e.Participants != nil {
		out.Participants = append([]string(nil), e.Participants...)
	}
	if e.Attendees != nil {
		out.Attendees = append([]Attendee(nil), e.Attendees...)
	}
	if e.RecurrenceMeta != nil {
		meta := e.RecurrenceMeta.Clone()
		out.RecurrenceMeta = &meta
	}
	return out
}

// IsTempID 一時IDかどうか
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

const (
	// TempIDPrefix 楽観的作成時の一時IDの接頭辞
	TempIDPrefix = "temp-"
	// TempRecurrencePrefix ローカル展開インスタンスIDの接頭辞
	TempRecurrencePrefix = "temp-rec-"
)
