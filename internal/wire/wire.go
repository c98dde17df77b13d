package wire

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/recurrence"
)

// 拡張プロパティ (private) のキー
const (
	PropCategoryColor     = "categoryColor"
	PropTodoID            = "todoId"
	PropRecurrenceRule    = "recurrenceRule"
	PropRecurrenceSummary = "recurrenceSummary"
	PropRecurrenceMeta    = "recurrenceMeta"
)

const (
	// DefaultTitle タイトル未設定時の表示名
	DefaultTitle = "Untitled"
	// DefaultColor 色未設定時の既定色
	DefaultColor = "blue"

	dateLayout = "2006-01-02"
)

// Item カレンダーIDつきのAPIイベント
type Item struct {
	CalendarID string
	Event      *calendar.Event
}

// Page 1回の取得結果
type Page struct {
	Events    []Item
	Calendars []*calendar.CalendarListEntry
	// Series 展開済みインスタンスの親イベント。繰り返しルールの参照にのみ使う
	Series []Item
}

// Mapper APIイベントとドメインイベントの相互変換
type Mapper struct {
	Location     *time.Location
	ViewerEmails []string
}

type seriesInfo struct {
	rule    string
	summary string
	meta    *domain.RecurrenceState
}

// MapPage 取得結果をドメインイベントに変換する。キャンセル済みと変換できないイベントは除外
func (m Mapper) MapPage(page *Page) []domain.Event {
	if page == nil {
		return nil
	}
	colors := make(map[string]string, len(page.Calendars))
	for _, cal := range page.Calendars {
		if cal != nil && cal.Id != "" && cal.BackgroundColor != "" {
			colors[cal.Id] = cal.BackgroundColor
		}
	}

	// 親イベントの繰り返し情報をインスタンスに引き継ぐ
	series := make(map[string]seriesInfo)
	for _, item := range append(append([]Item(nil), page.Series...), page.Events...) {
		ev := item.Event
		if ev == nil || len(ev.Recurrence) == 0 {
			continue
		}
		rule := firstRRule(ev.Recurrence)
		if rule == "" {
			continue
		}
		info := seriesInfo{rule: rule}
		if anchor, _, err := m.parseBoundary(ev.Start); err == nil {
			if state, ok := recurrence.ParseRule(rule, anchor); ok {
				info.summary = state.Summary
				info.meta = &state
			}
		}
		series[ev.Id] = info
	}

	out := make([]domain.Event, 0, len(page.Events))
	for _, item := range page.Events {
		ev, ok, err := m.toDomain(item, series)
		if err != nil {
			slog.Warn("イベントの変換をスキップしました", "error", err)
			continue
		}
		if !ok {
			continue
		}
		if c, found := colors[ev.CalendarID]; found && (ev.Color == "" || ev.Color == DefaultColor) {
			ev.Color = c
		}
		out = append(out, ev)
	}
	return out
}

// ToDomain 単一のAPIイベントを変換する。キャンセル済みの場合は false
func (m Mapper) ToDomain(calendarID string, ev *calendar.Event) (domain.Event, bool, error) {
	var series map[string]seriesInfo
	if ev != nil && len(ev.Recurrence) > 0 {
		if rule := firstRRule(ev.Recurrence); rule != "" {
			series = map[string]seriesInfo{ev.Id: {rule: rule}}
			if anchor, _, err := m.parseBoundary(ev.Start); err == nil {
				if state, ok := recurrence.ParseRule(rule, anchor); ok {
					series[ev.Id] = seriesInfo{rule: rule, summary: state.Summary, meta: &state}
				}
			}
		}
	}
	return m.toDomain(Item{CalendarID: calendarID, Event: ev}, series)
}

func (m Mapper) toDomain(item Item, series map[string]seriesInfo) (domain.Event, bool, error) {
	ev := item.Event
	if ev == nil {
		return domain.Event{}, false, nil
	}
	if strings.EqualFold(ev.Status, "cancelled") {
		return domain.Event{}, false, nil
	}

	start, allDay, err := m.parseBoundary(ev.Start)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("イベント %s の開始時刻の解析に失敗しました: %w", ev.Id, err)
	}
	end, _, err := m.parseBoundary(ev.End)
	if err != nil {
		return domain.Event{}, false, fmt.Errorf("イベント %s の終了時刻の解析に失敗しました: %w", ev.Id, err)
	}

	var private map[string]string
	if ev.ExtendedProperties != nil {
		private = ev.ExtendedProperties.Private
	}

	out := domain.Event{
		ID:               ev.Id,
		ClientKey:        ev.Id,
		Title:            ev.Summary,
		Description:      ev.Description,
		Location:         meetingLocation(ev),
		Color:            private[PropCategoryColor],
		CalendarID:       item.CalendarID,
		StartTime:        start,
		EndTime:          end,
		IsAllDay:         allDay,
		Transparency:     "opaque",
		Visibility:       ev.Visibility,
		TodoID:           private[PropTodoID],
		RecurringEventID: ev.RecurringEventId,
		State:            domain.Confirmed,
		IsRemoteSourced:  true,
	}
	if out.Title == "" {
		out.Title = DefaultTitle
	}
	if out.Color == "" {
		out.Color = DefaultColor
	}
	if ev.Transparency == "transparent" {
		out.Transparency = "transparent"
	}
	if out.Visibility == "" {
		out.Visibility = "default"
	}
	if ev.Reminders != nil {
		out.UseDefaultReminders = ev.Reminders.UseDefault
		for _, r := range ev.Reminders.Overrides {
			if r != nil {
				out.Reminders = append(out.Reminders, domain.Reminder{Method: r.Method, Minutes: r.Minutes})
			}
		}
	}

	m.applyRecurrence(&out, ev, private, series)
	m.applyAttendees(&out, ev)
	return out, true, nil
}

func (m Mapper) applyRecurrence(out *domain.Event, ev *calendar.Event, private map[string]string, series map[string]seriesInfo) {
	own, hasOwn := series[ev.Id]
	master, hasMaster := series[ev.RecurringEventId]

	switch {
	case hasOwn:
		out.RecurrenceRule, out.RecurrenceSummary, out.RecurrenceMeta = own.rule, own.summary, own.meta
	case ev.RecurringEventId != "" && hasMaster:
		out.RecurrenceRule, out.RecurrenceSummary, out.RecurrenceMeta = master.rule, master.summary, master.meta
	default:
		out.RecurrenceRule = firstRRule(ev.Recurrence)
		if out.RecurrenceRule == "" {
			out.RecurrenceRule = private[PropRecurrenceRule]
		}
	}
	if out.RecurrenceMeta == nil && private[PropRecurrenceMeta] != "" {
		var meta domain.RecurrenceState
		if err := json.Unmarshal([]byte(private[PropRecurrenceMeta]), &meta); err == nil {
			out.RecurrenceMeta = &meta
		}
	}
	if out.RecurrenceSummary == "" {
		out.RecurrenceSummary = private[PropRecurrenceSummary]
	}
	if out.RecurrenceMeta != nil {
		meta := out.RecurrenceMeta.Clone()
		out.RecurrenceMeta = &meta
	}
}

func (m Mapper) applyAttendees(out *domain.Event, ev *calendar.Event) {
	viewers := make(map[string]bool, len(m.ViewerEmails))
	for _, email := range m.ViewerEmails {
		if e := strings.ToLower(strings.TrimSpace(email)); e != "" {
			viewers[e] = true
		}
	}

	viewerIsAttendee := false
	for _, a := range ev.Attendees {
		if a == nil {
			continue
		}
		status := NormalizeResponseStatus(a.ResponseStatus)
		isViewer := a.Self || (a.Email != "" && viewers[strings.ToLower(a.Email)])
		if a.Email != "" {
			out.Participants = append(out.Participants, a.Email)
		}
		out.Attendees = append(out.Attendees, domain.Attendee{
			Email:          a.Email,
			ResponseStatus: status,
			Self:           isViewer,
		})
		if isViewer && !viewerIsAttendee {
			viewerIsAttendee = true
			out.ViewerResponseStatus = status
		}
	}

	if ev.Organizer != nil {
		out.OrganizerEmail = ev.Organizer.Email
		out.ViewerIsOrganizer = ev.Organizer.Self ||
			(ev.Organizer.Email != "" && viewers[strings.ToLower(ev.Organizer.Email)])
	}
	out.InviteCanRespond = viewerIsAttendee && !out.ViewerIsOrganizer
}

// ToWire ドメインイベントをAPIイベントに変換する
func (m Mapper) ToWire(ev domain.Event) *calendar.Event {
	out := &calendar.Event{
		Summary:      ev.Title,
		Description:  ev.Description,
		Location:     ev.Location,
		Transparency: ev.Transparency,
		Visibility:   ev.Visibility,
		Start:        m.boundary(ev.StartTime, ev.IsAllDay),
		End:          m.boundary(ev.EndTime, ev.IsAllDay),
	}
	if !domain.IsTempID(ev.ID) && !ev.IsVirtualOccurrence() {
		out.Id = ev.ID
	}

	private := map[string]string{}
	if ev.Color != "" && ev.Color != DefaultColor {
		private[PropCategoryColor] = ev.Color
	}
	if ev.TodoID != "" {
		private[PropTodoID] = ev.TodoID
	}
	if ev.RecurrenceRule != "" {
		out.Recurrence = []string{ev.RecurrenceRule}
		private[PropRecurrenceRule] = ev.RecurrenceRule
		if ev.RecurrenceSummary != "" {
			private[PropRecurrenceSummary] = ev.RecurrenceSummary
		}
		if ev.RecurrenceMeta != nil {
			if b, err := json.Marshal(ev.RecurrenceMeta); err == nil {
				private[PropRecurrenceMeta] = string(b)
			}
		}
	}
	if len(private) > 0 {
		out.ExtendedProperties = &calendar.EventExtendedProperties{Private: private}
	}

	for _, a := range ev.Attendees {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{
			Email:          a.Email,
			ResponseStatus: a.ResponseStatus,
		})
	}
	if len(ev.Attendees) == 0 {
		for _, p := range ev.Participants {
			out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: p})
		}
	}

	if ev.UseDefaultReminders || len(ev.Reminders) > 0 {
		reminders := &calendar.EventReminders{UseDefault: ev.UseDefaultReminders}
		if !ev.UseDefaultReminders {
			reminders.ForceSendFields = []string{"UseDefault"}
		}
		for _, r := range ev.Reminders {
			reminders.Overrides = append(reminders.Overrides, &calendar.EventReminder{
				Method:          r.Method,
				Minutes:         r.Minutes,
				ForceSendFields: []string{"Minutes"},
			})
		}
		out.Reminders = reminders
	}
	return out
}

func (m Mapper) loc() *time.Location {
	if m.Location == nil {
		return time.UTC
	}
	return m.Location
}

func (m Mapper) boundary(t time.Time, allDay bool) *calendar.EventDateTime {
	if allDay {
		return &calendar.EventDateTime{Date: t.In(m.loc()).Format(dateLayout)}
	}
	return &calendar.EventDateTime{
		DateTime: t.In(m.loc()).Format(time.RFC3339),
		TimeZone: m.loc().String(),
	}
}

// parseBoundary 日時指定は時刻として、日付指定は指定タイムゾーンの0時として解釈する
func (m Mapper) parseBoundary(b *calendar.EventDateTime) (time.Time, bool, error) {
	if b == nil {
		return time.Time{}, false, fmt.Errorf("日時が設定されていません")
	}
	if b.DateTime != "" {
		t, err := time.Parse(time.RFC3339, b.DateTime)
		if err != nil {
			return time.Time{}, false, err
		}
		return t.In(m.loc()), false, nil
	}
	if b.Date != "" {
		t, err := time.ParseInLocation(dateLayout, b.Date, m.loc())
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	return time.Time{}, false, fmt.Errorf("日時が設定されていません")
}

// NormalizeResponseStatus 出欠状態を小文字に揃える (needsAction のみ例外)
func NormalizeResponseStatus(s string) string {
	lower := strings.ToLower(strings.TrimSpace(s))
	if lower == "needsaction" {
		return "needsAction"
	}
	return lower
}

func meetingLocation(ev *calendar.Event) string {
	if ev.HangoutLink != "" {
		return ev.HangoutLink
	}
	if ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep != nil && ep.EntryPointType == "video" && ep.Uri != "" {
				return ep.Uri
			}
		}
	}
	return ev.Location
}

func firstRRule(lines []string) string {
	for _, line := range lines {
		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(line)), "RRULE:") {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

// UpdateRequest 更新リクエスト。Scope が single 以外の場合は SeriesID のシリーズに適用する
type UpdateRequest struct {
	CalendarID        string
	EventID           string
	SeriesID          string
	Scope             domain.EditScope
	From              time.Time
	Body              *calendar.Event
	SendNotifications bool
}
