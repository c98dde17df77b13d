package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/wire"
)

// EventsProvider Google Calendar API呼び出しを抽象化するインターフェース
type EventsProvider interface {
	ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) ([]*calendar.Event, error)
	ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error)
	ListInstances(ctx context.Context, calendarID, eventID, timeMin string) ([]*calendar.Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error)
	InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event, sendUpdates string) (*calendar.Event, error)
	PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event, sendUpdates string) (*calendar.Event, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
}

// serviceProvider calendar.Service を使った EventsProvider の実装
type serviceProvider struct {
	service *calendar.Service
}

func (p *serviceProvider) ListEvents(ctx context.Context, calendarID, timeMin, timeMax string) ([]*calendar.Event, error) {
	var out []*calendar.Event
	err := p.service.Events.List(calendarID).
		TimeMin(timeMin).
		TimeMax(timeMax).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(2500).
		Pages(ctx, func(page *calendar.Events) error {
			out = append(out, page.Items...)
			return nil
		})
	return out, err
}

func (p *serviceProvider) ListCalendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var out []*calendar.CalendarListEntry
	err := p.service.CalendarList.List().Pages(ctx, func(list *calendar.CalendarList) error {
		out = append(out, list.Items...)
		return nil
	})
	return out, err
}

func (p *serviceProvider) ListInstances(ctx context.Context, calendarID, eventID, timeMin string) ([]*calendar.Event, error) {
	var out []*calendar.Event
	err := p.service.Events.Instances(calendarID, eventID).
		TimeMin(timeMin).
		Pages(ctx, func(page *calendar.Events) error {
			out = append(out, page.Items...)
			return nil
		})
	return out, err
}

func (p *serviceProvider) GetEvent(ctx context.Context, calendarID, eventID string) (*calendar.Event, error) {
	return p.service.Events.Get(calendarID, eventID).Context(ctx).Do()
}

func (p *serviceProvider) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	return p.service.Events.Insert(calendarID, ev).SendUpdates(sendUpdates).Context(ctx).Do()
}

func (p *serviceProvider) PatchEvent(ctx context.Context, calendarID, eventID string, ev *calendar.Event, sendUpdates string) (*calendar.Event, error) {
	return p.service.Events.Patch(calendarID, eventID, ev).SendUpdates(sendUpdates).Context(ctx).Do()
}

func (p *serviceProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return p.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
}

// GoogleCalendarRepository Google Calendar APIを使用したバックエンド
type GoogleCalendarRepository struct {
	provider    EventsProvider
	calendarIDs []string
	timezone    *time.Location
	logger      *slog.Logger
}

// NewGoogleCalendarRepository サービスアカウント認証でリポジトリを作成
func NewGoogleCalendarRepository(ctx context.Context, credentialsJSON []byte, calendarIDs []string, timezone *time.Location) (*GoogleCalendarRepository, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("google認証情報の読み込みに失敗しました: %w", err)
	}

	service, err := calendar.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("google Calendar APIサービスの作成に失敗しました: %w", err)
	}

	return NewGoogleCalendarRepositoryWithProvider(&serviceProvider{service: service}, calendarIDs, timezone), nil
}

// NewGoogleCalendarRepositoryWithProvider 任意の EventsProvider でリポジトリを作成
func NewGoogleCalendarRepositoryWithProvider(provider EventsProvider, calendarIDs []string, timezone *time.Location) *GoogleCalendarRepository {
	if len(calendarIDs) == 0 {
		calendarIDs = []string{"primary"}
	}
	if timezone == nil {
		timezone = time.UTC
	}
	return &GoogleCalendarRepository{
		provider:    provider,
		calendarIDs: calendarIDs,
		timezone:    timezone,
		logger:      slog.Default().With("component", "gateway"),
	}
}

// ListEvents 全カレンダーから期間内のイベントを取得する。繰り返しの親イベントも合わせて返す
func (r *GoogleCalendarRepository) ListEvents(ctx context.Context, start, end time.Time) (*wire.Page, error) {
	timeMin := start.In(r.timezone).Format(time.RFC3339)
	timeMax := end.In(r.timezone).Format(time.RFC3339)

	page := &wire.Page{}
	calendars, err := r.provider.ListCalendars(ctx)
	if err != nil {
		// 色が取れないだけなので続行する
		r.logger.Warn("カレンダー一覧の取得に失敗しました", "error", err)
	}
	wanted := make(map[string]bool, len(r.calendarIDs))
	for _, id := range r.calendarIDs {
		wanted[id] = true
	}
	for _, cal := range calendars {
		if cal != nil && (wanted[cal.Id] || (cal.Primary && wanted["primary"])) {
			entry := *cal
			if cal.Primary && wanted["primary"] {
				entry.Id = "primary"
			}
			page.Calendars = append(page.Calendars, &entry)
		}
	}

	masters := make(map[string]bool)
	for _, calendarID := range r.calendarIDs {
		items, err := r.provider.ListEvents(ctx, calendarID, timeMin, timeMax)
		if err != nil {
			return nil, fmt.Errorf("カレンダーイベントの取得に失敗しました: %w", classifyError(err))
		}
		for _, ev := range items {
			if ev == nil {
				continue
			}
			page.Events = append(page.Events, wire.Item{CalendarID: calendarID, Event: ev})
			if ev.RecurringEventId == "" || masters[calendarID+"/"+ev.RecurringEventId] {
				continue
			}
			masters[calendarID+"/"+ev.RecurringEventId] = true
			master, err := r.provider.GetEvent(ctx, calendarID, ev.RecurringEventId)
			if err != nil {
				r.logger.Warn("繰り返しの親イベントの取得に失敗しました", "id", ev.RecurringEventId, "error", err)
				continue
			}
			page.Series = append(page.Series, wire.Item{CalendarID: calendarID, Event: master})
		}
	}
	return page, nil
}

// InsertEvent イベントを作成
func (r *GoogleCalendarRepository) InsertEvent(ctx context.Context, calendarID string, ev *calendar.Event, sendNotifications bool) (*calendar.Event, error) {
	created, err := r.provider.InsertEvent(ctx, calendarID, ev, sendUpdates(sendNotifications))
	if err != nil {
		return nil, classifyError(err)
	}
	return created, nil
}

// UpdateEvent 編集範囲に応じてイベントを更新する。
// all はシリーズ本体の時刻以外を、future は指定時刻以降のインスタンスを個別に更新する
func (r *GoogleCalendarRepository) UpdateEvent(ctx context.Context, req wire.UpdateRequest) (*calendar.Event, error) {
	send := sendUpdates(req.SendNotifications)
	switch req.Scope {
	case domain.EditAll:
		target := req.SeriesID
		if target == "" {
			target = req.EventID
		}
		updated, err := r.provider.PatchEvent(ctx, req.CalendarID, target, withoutTimes(req.Body), send)
		if err != nil {
			return nil, classifyError(err)
		}
		return updated, nil

	case domain.EditFuture:
		if req.SeriesID == "" || req.SeriesID == req.EventID {
			break
		}
		instances, err := r.provider.ListInstances(ctx, req.CalendarID, req.SeriesID, req.From.In(r.timezone).Format(time.RFC3339))
		if err != nil {
			return nil, fmt.Errorf("繰り返しインスタンスの取得に失敗しました: %w", classifyError(err))
		}
		for _, inst := range instances {
			if inst == nil || inst.Id == req.EventID {
				continue
			}
			if _, err := r.provider.PatchEvent(ctx, req.CalendarID, inst.Id, withoutTimes(req.Body), send); err != nil {
				return nil, classifyError(err)
			}
		}
		edited, err := r.provider.PatchEvent(ctx, req.CalendarID, req.EventID, req.Body, send)
		if err != nil {
			return nil, classifyError(err)
		}
		return edited, nil
	}

	updated, err := r.provider.PatchEvent(ctx, req.CalendarID, req.EventID, req.Body, send)
	if err != nil {
		return nil, classifyError(err)
	}
	return updated, nil
}

// DeleteEvent イベントを削除
func (r *GoogleCalendarRepository) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := r.provider.DeleteEvent(ctx, calendarID, eventID); err != nil {
		return classifyError(err)
	}
	return nil
}

// RespondToInvite 自分の出欠を更新する
func (r *GoogleCalendarRepository) RespondToInvite(ctx context.Context, calendarID, eventID, status string) error {
	ev, err := r.provider.GetEvent(ctx, calendarID, eventID)
	if err != nil {
		return classifyError(err)
	}
	found := false
	attendees := make([]*calendar.EventAttendee, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		if a == nil {
			continue
		}
		cp := *a
		if cp.Self {
			cp.ResponseStatus = status
			found = true
		}
		attendees = append(attendees, &cp)
	}
	if !found {
		return fmt.Errorf("イベント %s に自分の出欠がありません: %w", eventID, domain.ErrInvalidEvent)
	}
	if _, err := r.provider.PatchEvent(ctx, calendarID, eventID, &calendar.Event{Attendees: attendees}, "all"); err != nil {
		return classifyError(err)
	}
	return nil
}

func sendUpdates(notify bool) string {
	if notify {
		return "all"
	}
	return "none"
}

// withoutTimes 時刻を除いた更新内容
func withoutTimes(body *calendar.Event) *calendar.Event {
	if body == nil {
		return &calendar.Event{}
	}
	cp := *body
	cp.Id = ""
	cp.Start = nil
	cp.End = nil
	cp.Recurrence = nil
	cp.RecurringEventId = ""
	return &cp
}

// classifyError API エラーをドメインのエラーに分類する
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 403:
			if isNonOrganizerError(apiErr) {
				return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
			}
		case 404, 410:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
	}
	if domain.IsPermissionError(err) {
		return fmt.Errorf("%w: %w", domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrNetwork, err)
}

func isNonOrganizerError(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == "forbiddenForNonOrganizer" || strings.Contains(item.Message, "Shared properties can only be changed") {
			return true
		}
	}
	return strings.Contains(apiErr.Message, "Shared properties can only be changed")
}
