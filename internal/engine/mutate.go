package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/calendar/v3"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/metrics"
	"github.com/k-negishi/calendar-sync-engine/internal/recurrence"
	"github.com/k-negishi/calendar-sync-engine/internal/wire"
)

const (
	defaultTimedLength = 30 * time.Minute
	// cloneAnchorWindow 親と同時刻とみなしてローカル展開しない範囲
	cloneAnchorWindow = 60 * time.Second
	defaultCalendarID = "primary"
)

// CreateOptions 作成オプション
type CreateOptions struct {
	SendNotifications bool
}

// EventPatch 更新内容。nil のフィールドは変更しない
type EventPatch struct {
	Title               *string
	Description         *string
	Location            *string
	Color               *string
	Start               *time.Time
	End                 *time.Time
	IsAllDay            *bool
	Transparency        *string
	Visibility          *string
	Reminders           *[]domain.Reminder
	UseDefaultReminders *bool
	Participants        *[]string
	// Recurrence Enabled=false で繰り返しを解除する
	Recurrence        *domain.RecurrenceState
	SendNotifications bool
}

func (p EventPatch) hasTimeChange() bool {
	return p.Start != nil || p.End != nil || p.IsAllDay != nil
}

// applyFields 時刻以外の項目を反映する
func (p EventPatch) applyFields(ev *domain.Event) {
	if p.Title != nil {
		ev.Title = *p.Title
	}
	if p.Description != nil {
		ev.Description = *p.Description
	}
	if p.Location != nil {
		ev.Location = *p.Location
	}
	if p.Color != nil {
		ev.Color = *p.Color
	}
	if p.Transparency != nil {
		ev.Transparency = normalizeTransparency(*p.Transparency)
	}
	if p.Visibility != nil {
		ev.Visibility = *p.Visibility
	}
	if p.Reminders != nil {
		ev.Reminders = append([]domain.Reminder(nil), (*p.Reminders)...)
	}
	if p.UseDefaultReminders != nil {
		ev.UseDefaultReminders = *p.UseDefaultReminders
	}
	if p.Participants != nil {
		ev.Participants = append([]string(nil), (*p.Participants)...)
	}
}

// --- 作成 ---

// CreateEvent 楽観的にイベントを追加してからバックエンドに作成を依頼する。
// 成功すると一時IDを確定IDに置き換え、同期待ち状態にする
func (e *Engine) CreateEvent(ctx context.Context, draft domain.Event, opts CreateOptions) (domain.Event, error) {
	if draft.StartTime.IsZero() {
		return domain.Event{}, fmt.Errorf("開始時刻がありません: %w", domain.ErrInvalidEvent)
	}
	draft = e.normalizeDraft(draft)

	clientKey := uuid.NewString()
	optimistic := draft.AsOptimistic(domain.TempIDPrefix + clientKey)
	optimistic.ClientKey = clientKey
	optimistic.ViewerIsOrganizer = true
	optimistic.ViewerResponseStatus = domain.ResponseAccepted
	optimistic.InviteCanRespond = false
	if len(e.mapper.ViewerEmails) > 0 && optimistic.OrganizerEmail == "" {
		optimistic.OrganizerEmail = e.mapper.ViewerEmails[0]
	}
	tempID := optimistic.ID

	e.mu.Lock()
	var displaced []string
	if optimistic.TodoID != "" {
		delete(e.suppressedTodos, optimistic.TodoID)
		displaced = e.dropTodoDuplicatesLocked(optimistic.TodoID, tempID)
		e.todoToEvent[optimistic.TodoID] = tempID
		e.eventToTodo[tempID] = optimistic.TodoID
	}
	e.putLocked(optimistic)
	e.materializeClonesLocked(optimistic)
	metrics.LoadedEvents.Set(float64(len(e.events)))
	e.cacheRemoveLocked(displaced...)
	e.cacheUpsertLocked(optimistic)
	e.mu.Unlock()

	created, err := e.backend.InsertEvent(ctx, optimistic.CalendarID, e.mapper.ToWire(optimistic), opts.SendNotifications)
	if err != nil || created == nil || created.Id == "" {
		if err == nil {
			err = fmt.Errorf("作成結果にIDがありません: %w", domain.ErrInvalidEvent)
		}
		e.mu.Lock()
		e.dropLocked(tempID)
		e.clearClonesLocked(tempID)
		if todoID, ok := e.eventToTodo[tempID]; ok {
			delete(e.eventToTodo, tempID)
			if e.todoToEvent[todoID] == tempID {
				delete(e.todoToEvent, todoID)
			}
		}
		metrics.LoadedEvents.Set(float64(len(e.events)))
		e.cacheRemoveLocked(tempID)
		e.mu.Unlock()
		metrics.Mutations.WithLabelValues("create", "rollback").Inc()
		e.logger.Warn("イベントの作成に失敗しました", "title", optimistic.Title, "error", err)
		return domain.Event{}, fmt.Errorf("イベントの作成に失敗しました: %w", err)
	}

	confirmed := e.confirmCreated(optimistic, created)

	e.mu.Lock()
	// 作成中に削除された場合はサーバー側も削除する
	if e.suppressedIDs[tempID] {
		e.suppressedIDs[confirmed.ID] = true
		e.mu.Unlock()
		e.enqueueDelete(ctx, deleteJob{
			calendarID: confirmed.CalendarID,
			eventID:    confirmed.ID,
			suppressed: map[string]time.Time{tempID: {}, confirmed.ID: confirmed.StartTime},
		})
		metrics.Mutations.WithLabelValues("create", "ok").Inc()
		return confirmed, nil
	}

	delete(e.events, tempID)
	e.index.Remove(tempID)
	e.events[confirmed.ID] = confirmed
	e.index.Insert(confirmed)
	e.pending[confirmed.ID] = e.now()
	if e.snapshots != nil {
		e.snapshots.ReplaceID(e.cfg.UserID, tempID, confirmed)
	}
	e.renameClonesLocked(tempID, confirmed.ID)
	e.overrides.Rename(tempID, confirmed.ID)
	e.overrides.ClearIfSynced(confirmed.ID, confirmed.StartTime, confirmed.EndTime)
	if todoID, ok := e.eventToTodo[tempID]; ok {
		delete(e.eventToTodo, tempID)
		e.todoToEvent[todoID] = confirmed.ID
		e.eventToTodo[confirmed.ID] = todoID
	}
	if confirmed.TodoID != "" {
		e.todoToEvent[confirmed.TodoID] = confirmed.ID
		e.eventToTodo[confirmed.ID] = confirmed.TodoID
	}
	e.cacheRemoveLocked(tempID)
	e.cacheUpsertLocked(confirmed)
	e.mu.Unlock()

	if confirmed.TodoID != "" {
		e.persistLink(ctx, confirmed.TodoID, confirmed.ID)
	}
	metrics.Mutations.WithLabelValues("create", "ok").Inc()
	e.logger.Info("イベントを作成しました", "id", confirmed.ID, "title", confirmed.Title)
	return confirmed.Clone(), nil
}

// normalizeDraft 作成内容の既定値を補う
func (e *Engine) normalizeDraft(ev domain.Event) domain.Event {
	ev = ev.Clone()
	if ev.IsAllDay {
		ev.StartTime = domain.StartOfDay(ev.StartTime, e.cfg.Location)
		if !ev.EndTime.After(ev.StartTime) {
			ev.EndTime = ev.StartTime.AddDate(0, 0, 1)
		} else {
			ev.EndTime = domain.StartOfDay(ev.EndTime.Add(-time.Nanosecond), e.cfg.Location).AddDate(0, 0, 1)
		}
	} else if !ev.EndTime.After(ev.StartTime) {
		ev.EndTime = ev.StartTime.Add(defaultTimedLength)
	}
	if ev.Color == "" {
		ev.Color = wire.DefaultColor
	}
	if ev.CalendarID == "" {
		ev.CalendarID = defaultCalendarID
	}
	ev.Transparency = normalizeTransparency(ev.Transparency)
	if ev.Visibility == "" {
		ev.Visibility = "default"
	}
	e.applyRecurrence(&ev, ev.RecurrenceMeta)
	return ev
}

// applyRecurrence ルール文字列と構造化表現を揃える
func (e *Engine) applyRecurrence(ev *domain.Event, state *domain.RecurrenceState) {
	switch {
	case state != nil && state.Enabled:
		rule, ok := recurrence.BuildRule(*state, ev.StartTime)
		if !ok {
			return
		}
		meta := rule.Meta
		ev.RecurrenceRule, ev.RecurrenceSummary, ev.RecurrenceMeta = rule.Text, rule.Summary, &meta
	case state != nil:
		ev.RecurrenceRule, ev.RecurrenceSummary, ev.RecurrenceMeta = "", "", nil
	case ev.RecurrenceRule != "":
		if parsed, ok := recurrence.ParseRule(ev.RecurrenceRule, ev.StartTime); ok {
			ev.RecurrenceMeta = &parsed
			if ev.RecurrenceSummary == "" {
				ev.RecurrenceSummary = parsed.Summary
			}
		}
	}
}

// confirmCreated サーバーの作成結果を同期待ちイベントにする
func (e *Engine) confirmCreated(optimistic domain.Event, server *calendar.Event) domain.Event {
	out := optimistic.AsPendingSync(server.Id)
	if mapped, ok, err := e.mapper.ToDomain(optimistic.CalendarID, server); err == nil && ok {
		out.StartTime, out.EndTime, out.IsAllDay = mapped.StartTime, mapped.EndTime, mapped.IsAllDay
		if mapped.Location != "" {
			out.Location = mapped.Location
		}
		if mapped.RecurrenceRule != "" {
			out.RecurrenceRule = mapped.RecurrenceRule
		}
		if mapped.OrganizerEmail != "" {
			out.OrganizerEmail = mapped.OrganizerEmail
		}
	}
	out.ViewerIsOrganizer = true
	out.ViewerResponseStatus = domain.ResponseAccepted
	return out
}

// --- 更新 ---

// UpdateEvent 楽観的に変更を反映してからバックエンドに更新を依頼する。
// 失敗時は変更前の状態に戻し、権限エラーなら EventBounced を通知する
func (e *Engine) UpdateEvent(ctx context.Context, id string, patch EventPatch, scope domain.EditScope) (domain.Event, error) {
	if scope == "" {
		scope = domain.EditSingle
	}
	if !scope.Valid() {
		return domain.Event{}, fmt.Errorf("編集範囲 %q は不正です: %w", scope, domain.ErrInvalidEvent)
	}

	e.mu.Lock()
	existing, ok := e.events[id]
	if !ok {
		e.mu.Unlock()
		return domain.Event{}, fmt.Errorf("イベント %s: %w", id, domain.ErrUnknownEvent)
	}

	target := existing.Clone()
	patch.applyFields(&target)
	e.applyTimes(&target, existing, patch)
	if patch.Recurrence != nil {
		e.applyRecurrence(&target, patch.Recurrence)
	}

	// 主催者による時刻変更を記録する
	var prevOverride *domain.TimeOverride
	if o, has := e.overrides.Get(id); has {
		prevOverride = &o
	}
	if existing.ViewerIsOrganizer && patch.hasTimeChange() {
		unchanged := domain.TimeOverride{Start: existing.StartTime, End: existing.EndTime}.
			Matches(target.StartTime, target.EndTime, e.overrides.Tolerance())
		if !(unchanged && prevOverride == nil) {
			e.overrides.Record(id, target.StartTime, target.EndTime)
		}
	}

	snapshots := map[string]domain.Event{id: existing.Clone()}
	touched := []domain.Event{target}
	if scope != domain.EditSingle {
		seriesID := existing.SeriesID()
		for otherID, ev := range e.events {
			if otherID == id || ev.SeriesID() != seriesID {
				continue
			}
			if scope == domain.EditFuture && ev.StartTime.Before(existing.StartTime) {
				continue
			}
			snapshots[otherID] = ev.Clone()
			updated := ev.Clone()
			patch.applyFields(&updated)
			touched = append(touched, updated)
		}
	}

	for _, ev := range touched {
		e.putLocked(ev)
	}
	e.clearClonesLocked(id)
	if target.RecurrenceMeta != nil && target.RecurrenceMeta.Enabled && !target.IsVirtualOccurrence() {
		e.materializeClonesLocked(target)
	}
	e.cacheUpsertLocked(touched...)
	e.mu.Unlock()

	// 未確定のイベントはローカルのみ
	if domain.IsTempID(id) {
		metrics.Mutations.WithLabelValues("update", "ok").Inc()
		return target.Clone(), nil
	}

	req := wire.UpdateRequest{
		CalendarID:        target.CalendarID,
		EventID:           id,
		SeriesID:          existing.SeriesID(),
		Scope:             scope,
		From:              existing.StartTime,
		Body:              e.mapper.ToWire(target),
		SendNotifications: patch.SendNotifications,
	}
	if req.CalendarID == "" {
		req.CalendarID = defaultCalendarID
	}
	server, err := e.backend.UpdateEvent(ctx, req)
	if err != nil {
		e.rollbackUpdate(id, snapshots, prevOverride)
		metrics.Mutations.WithLabelValues("update", "rollback").Inc()
		if domain.IsPermissionError(err) {
			metrics.PermissionBounces.Inc()
			e.publish(bus.EventBounced{EventID: id, Title: existing.Title, Err: err})
		}
		e.logger.Warn("イベントの更新に失敗しました", "id", id, "error", err)
		return domain.Event{}, fmt.Errorf("イベント %s の更新に失敗しました: %w", id, err)
	}

	e.mu.Lock()
	cur, ok := e.events[id]
	if !ok {
		e.mu.Unlock()
		metrics.Mutations.WithLabelValues("update", "ok").Inc()
		return target.Clone(), nil
	}
	if server != nil && (server.Id == "" || server.Id == id) {
		if mapped, mok, merr := e.mapper.ToDomain(cur.CalendarID, server); merr == nil && mok {
			cur = mergeServerFields(cur, mapped)
			e.overrides.ClearIfSynced(id, mapped.StartTime, mapped.EndTime)
		}
	}
	e.putLocked(cur)
	e.cacheUpsertLocked(cur)
	e.mu.Unlock()

	metrics.Mutations.WithLabelValues("update", "ok").Inc()
	return cur.Clone(), nil
}

// applyTimes 時刻の変更を反映する。終了が開始以前なら既定の長さにする
func (e *Engine) applyTimes(target *domain.Event, existing domain.Event, patch EventPatch) {
	if patch.IsAllDay != nil {
		target.IsAllDay = *patch.IsAllDay
	}
	start, end := existing.StartTime, existing.EndTime
	if patch.Start != nil {
		start = *patch.Start
		if patch.End == nil {
			end = start.Add(existing.Duration())
		}
	}
	if patch.End != nil {
		end = *patch.End
	}
	if target.IsAllDay {
		start = domain.StartOfDay(start, e.cfg.Location)
		if !end.After(start) {
			end = start.AddDate(0, 0, 1)
		} else {
			end = domain.StartOfDay(end.Add(-time.Nanosecond), e.cfg.Location).AddDate(0, 0, 1)
		}
	} else if !end.After(start) {
		end = start.Add(defaultTimedLength)
	}
	target.StartTime, target.EndTime = start, end
}

// mergeServerFields サーバーが確定させた一部の項目だけを取り込む
func mergeServerFields(cur, server domain.Event) domain.Event {
	if server.Location != "" {
		cur.Location = server.Location
	}
	if server.Transparency != "" {
		cur.Transparency = server.Transparency
	}
	if server.Visibility != "" {
		cur.Visibility = server.Visibility
	}
	cur.Description = server.Description
	if server.Color != "" && server.Color != wire.DefaultColor {
		cur.Color = server.Color
	}
	if server.Reminders != nil || server.UseDefaultReminders {
		cur.Reminders = append([]domain.Reminder(nil), server.Reminders...)
		cur.UseDefaultReminders = server.UseDefaultReminders
	}
	return cur
}

func (e *Engine) rollbackUpdate(id string, snapshots map[string]domain.Event, prevOverride *domain.TimeOverride) {
	e.mu.Lock()
	restored := make([]domain.Event, 0, len(snapshots))
	for _, prev := range snapshots {
		delete(e.pending, prev.ID)
		e.putLocked(prev)
		restored = append(restored, prev)
	}
	e.clearClonesLocked(id)
	e.cacheUpsertLocked(restored...)
	e.mu.Unlock()
	e.overrides.Restore(id, prevOverride)
}

// --- 出欠回答 ---

// RespondToInvite 自分の出欠を楽観的に反映してから回答する。失敗時は元に戻す
func (e *Engine) RespondToInvite(ctx context.Context, id, status string) error {
	status = wire.NormalizeResponseStatus(status)
	switch status {
	case domain.ResponseAccepted, domain.ResponseDeclined, domain.ResponseTentative:
	default:
		return fmt.Errorf("出欠 %q は回答できません: %w", status, domain.ErrInvalidEvent)
	}

	e.mu.Lock()
	existing, ok := e.events[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("イベント %s: %w", id, domain.ErrUnknownEvent)
	}
	prev := existing.Clone()
	updated := existing.Clone()
	updated.ViewerResponseStatus = status
	for i := range updated.Attendees {
		if updated.Attendees[i].Self {
			updated.Attendees[i].ResponseStatus = status
		}
	}
	e.putLocked(updated)
	e.cacheUpsertLocked(updated)
	e.mu.Unlock()

	calendarID := updated.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	if err := e.backend.RespondToInvite(ctx, calendarID, id, status); err != nil {
		e.mu.Lock()
		if _, still := e.events[id]; still {
			e.putLocked(prev)
			e.cacheUpsertLocked(prev)
		}
		e.mu.Unlock()
		metrics.Mutations.WithLabelValues("respond", "rollback").Inc()
		return fmt.Errorf("イベント %s の出欠回答に失敗しました: %w", id, err)
	}
	metrics.Mutations.WithLabelValues("respond", "ok").Inc()
	return nil
}

// --- 同期待ち ---

// SweepPendingSync TTLを過ぎた同期待ちマーカーを外し、確定状態に戻した件数を返す
func (e *Engine) SweepPendingSync() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	swept := 0
	for id, since := range e.pending {
		if now.Sub(since) <= e.cfg.PendingSyncTTL {
			continue
		}
		delete(e.pending, id)
		if ev, ok := e.events[id]; ok && ev.IsPendingSync() {
			e.putLocked(ev.AsConfirmed())
		}
		swept++
	}
	if swept > 0 {
		metrics.PendingSyncExpired.Add(float64(swept))
		e.logger.Debug("同期待ちマーカーを期限切れにしました", "count", swept)
	}
	return swept
}

// --- ローカル展開 ---

// materializeClonesLocked 読み込み済み範囲に繰り返しインスタンスを仮に展開する
func (e *Engine) materializeClonesLocked(parent domain.Event) {
	if e.loaded == nil || !parent.IsRecurring() {
		return
	}
	var meta domain.RecurrenceState
	switch {
	case parent.RecurrenceMeta != nil && parent.RecurrenceMeta.Enabled:
		meta = *parent.RecurrenceMeta
	case parent.RecurrenceRule != "":
		parsed, ok := recurrence.ParseRule(parent.RecurrenceRule, parent.StartTime)
		if !ok {
			return
		}
		meta = parsed
	default:
		return
	}

	occs := recurrence.ExpandInstances(parent, meta, e.loaded.start, e.loaded.end, recurrence.OptimisticMaxInstances)
	for _, occ := range occs {
		if d := occ.Start.Sub(parent.StartTime); d < cloneAnchorWindow && d > -cloneAnchorWindow {
			continue
		}
		clone := parent.Clone()
		clone.ID = fmt.Sprintf("%s%s-%d", domain.TempRecurrencePrefix, parent.ID, occ.Start.UnixMilli())
		clone.ClientKey = clone.ID
		clone.StartTime, clone.EndTime = occ.Start, occ.End
		clone.State = domain.Optimistic
		clone.ParentRecurrenceID = parent.ID
		clone.RecurringEventID = ""
		clone.IsRemoteSourced = false
		clone.TodoID = ""
		e.putLocked(clone)
		e.clones[parent.ID] = append(e.clones[parent.ID], clone.ID)
	}
}

// clearClonesLocked 親に紐づくローカル展開インスタンスを削除する
func (e *Engine) clearClonesLocked(parentID string) {
	for _, id := range e.clones[parentID] {
		e.dropLocked(id)
	}
	delete(e.clones, parentID)
}

// renameClonesLocked 親の一時IDを確定IDに付け替える
func (e *Engine) renameClonesLocked(oldID, newID string) {
	ids, ok := e.clones[oldID]
	if !ok {
		return
	}
	delete(e.clones, oldID)
	for _, id := range ids {
		clone, exists := e.events[id]
		if !exists {
			continue
		}
		clone.ParentRecurrenceID = newID
		e.putLocked(clone)
	}
	e.clones[newID] = ids
}

// dropTodoDuplicatesLocked 同じToDoを参照する他のイベントを取り除く
func (e *Engine) dropTodoDuplicatesLocked(todoID, keepID string) []string {
	var dropped []string
	for id, ev := range e.events {
		if id != keepID && ev.TodoID == todoID {
			e.dropLocked(id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func normalizeTransparency(v string) string {
	if v == "transparent" {
		return v
	}
	return "opaque"
}
