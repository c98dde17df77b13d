package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// LinkTodo ToDoをイベントに紐付ける。ToDo1件につきイベントは1件
func (e *Engine) LinkTodo(ctx context.Context, todoID, eventID string) error {
	if todoID == "" {
		return fmt.Errorf("ToDoIDがありません: %w", domain.ErrInvalidEvent)
	}
	e.mu.Lock()
	ev, ok := e.events[eventID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("イベント %s: %w", eventID, domain.ErrUnknownEvent)
	}
	var cleared []domain.Event
	for id, other := range e.events {
		if id != eventID && other.TodoID == todoID {
			other.TodoID = ""
			e.putLocked(other)
			cleared = append(cleared, other)
		}
	}
	if prev, linked := e.eventToTodo[eventID]; linked && prev != todoID {
		delete(e.todoToEvent, prev)
	}
	if prev, linked := e.todoToEvent[todoID]; linked && prev != eventID {
		delete(e.eventToTodo, prev)
	}
	ev.TodoID = todoID
	delete(e.suppressedTodos, todoID)
	e.putLocked(ev)
	e.todoToEvent[todoID] = eventID
	e.eventToTodo[eventID] = todoID
	e.cacheUpsertLocked(append(cleared, ev)...)
	e.mu.Unlock()

	if e.userState == nil {
		return nil
	}
	if err := e.userState.Link(ctx, todoID, eventID); err != nil {
		return fmt.Errorf("ToDo %s の紐付けの保存に失敗しました: %w", todoID, err)
	}
	return nil
}

// UnlinkTodo ToDoIDまたはイベントIDで紐付けを解除する
func (e *Engine) UnlinkTodo(ctx context.Context, id string) error {
	e.mu.Lock()
	todoID, eventID := id, e.todoToEvent[id]
	if eventID == "" {
		if t, ok := e.eventToTodo[id]; ok {
			todoID, eventID = t, id
		}
	}
	var changed []domain.Event
	if eventID != "" {
		delete(e.eventToTodo, eventID)
		delete(e.todoToEvent, todoID)
		if ev, ok := e.events[eventID]; ok && ev.TodoID != "" {
			ev.TodoID = ""
			e.putLocked(ev)
			changed = append(changed, ev)
		}
	}
	e.cacheUpsertLocked(changed...)
	e.mu.Unlock()

	if e.userState == nil {
		return nil
	}
	if err := e.userState.Unlink(ctx, id); err != nil {
		return fmt.Errorf("紐付けの解除に失敗しました: %w", err)
	}
	return nil
}

// unlinkEventLocked イベントの紐付けを解除し、解除したToDoIDを返す
func (e *Engine) unlinkEventLocked(eventID string) (string, bool) {
	todoID, ok := e.eventToTodo[eventID]
	if !ok {
		return "", false
	}
	delete(e.eventToTodo, eventID)
	if e.todoToEvent[todoID] == eventID {
		delete(e.todoToEvent, todoID)
	}
	return todoID, true
}

// persistUnlinks 紐付け解除を永続化する。失敗はログのみ
func (e *Engine) persistUnlinks(ctx context.Context, todoIDs ...string) {
	if e.userState == nil {
		return
	}
	for _, todoID := range todoIDs {
		if err := e.userState.Unlink(ctx, todoID); err != nil {
			e.logger.Warn("紐付け解除の保存に失敗しました", "todo", todoID, "error", err)
		}
	}
}

func (e *Engine) persistLink(ctx context.Context, todoID, eventID string) {
	if e.userState == nil {
		return
	}
	if err := e.userState.Link(ctx, todoID, eventID); err != nil {
		e.logger.Warn("紐付けの保存に失敗しました", "todo", todoID, "event", eventID, "error", err)
	}
}

// SetChecked 完了チェックを反映する
func (e *Engine) SetChecked(ctx context.Context, eventID string, checked bool) error {
	e.mu.Lock()
	e.checked[eventID] = checked
	ev, ok := e.events[eventID]
	if ok {
		ev.IsChecked = checked
		e.putLocked(ev)
		e.cacheUpsertLocked(ev)
	}
	e.mu.Unlock()

	if e.userState == nil {
		return nil
	}
	if err := e.userState.SetChecked(ctx, eventID, checked); err != nil {
		return fmt.Errorf("チェック状態の保存に失敗しました: %w", err)
	}
	return nil
}

// --- バス ---

func (e *Engine) handleMessage(msg bus.Message) {
	ctx := context.Background()
	switch m := msg.(type) {
	case bus.TodoConverted:
		e.onTodoConverted(ctx, m)
	case bus.TodoDeleted:
		e.onTodoDeleted(ctx, m.TodoID)
	case bus.TodoCompletionChanged:
		e.mu.Lock()
		eventID, ok := e.todoToEvent[m.TodoID]
		e.mu.Unlock()
		if !ok {
			return
		}
		if err := e.SetChecked(ctx, eventID, m.Completed); err != nil {
			e.logger.Warn("完了状態の反映に失敗しました", "todo", m.TodoID, "error", err)
		}
	case bus.EventsRefreshNeeded:
		if e.isClosed() {
			return
		}
		e.queueMu.RLock()
		defer e.queueMu.RUnlock()
		if e.isClosed() {
			return
		}
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			if err := e.Refresh(context.Background()); err != nil {
				e.logger.Warn("再取得に失敗しました", "reason", m.Reason, "error", err)
			}
		}()
	}
}

// onTodoConverted ToDoから変換されたイベントを取り込む。同じToDoの既存イベントは置き換える
func (e *Engine) onTodoConverted(ctx context.Context, m bus.TodoConverted) {
	ev := m.Event.Clone()
	ev.TodoID = m.TodoID
	if ev.ID == "" || ev.IsOptimistic() {
		key := uuid.NewString()
		ev = ev.AsOptimistic(domain.TempIDPrefix + key)
		ev.ClientKey = key
	}
	if ev.ClientKey == "" {
		ev.ClientKey = ev.ID
	}

	e.mu.Lock()
	delete(e.suppressedTodos, m.TodoID)
	delete(e.suppressedIDs, ev.ID)
	displaced := e.dropTodoDuplicatesLocked(m.TodoID, ev.ID)
	if prev, linked := e.todoToEvent[m.TodoID]; linked && prev != ev.ID {
		delete(e.eventToTodo, prev)
	}
	e.todoToEvent[m.TodoID] = ev.ID
	e.eventToTodo[ev.ID] = m.TodoID
	ev = e.overrides.Apply(ev)
	ev.IsChecked = e.checked[ev.ID]
	e.putLocked(ev)
	e.cacheRemoveLocked(displaced...)
	if !ev.IsOptimistic() {
		e.cacheUpsertLocked(ev)
	}
	e.mu.Unlock()

	if ev.IsOptimistic() {
		return
	}
	e.persistLink(ctx, m.TodoID, ev.ID)
}

// onTodoDeleted ToDo削除に合わせて紐付くイベントを削除する
func (e *Engine) onTodoDeleted(ctx context.Context, todoID string) {
	e.mu.Lock()
	e.suppressedTodos[todoID] = true
	var victims []domain.Event
	for id, ev := range e.events {
		if ev.TodoID == todoID || e.todoToEvent[todoID] == id {
			victims = append(victims, ev)
		}
	}
	if eventID, ok := e.todoToEvent[todoID]; ok {
		delete(e.eventToTodo, eventID)
		delete(e.todoToEvent, todoID)
	}
	ids := make([]string, 0, len(victims))
	for _, ev := range victims {
		e.dropLocked(ev.ID)
		e.suppressedIDs[ev.ID] = true
		ids = append(ids, ev.ID)
	}
	e.cacheRemoveLocked(ids...)
	e.mu.Unlock()

	e.persistUnlinks(ctx, todoID)
	for _, ev := range victims {
		if domain.IsTempID(ev.ID) || ev.IsVirtualOccurrence() {
			continue
		}
		calendarID := ev.CalendarID
		if calendarID == "" {
			calendarID = defaultCalendarID
		}
		job := deleteJob{
			calendarID: calendarID,
			eventID:    ev.ID,
			suppressed: map[string]time.Time{ev.ID: ev.StartTime},
			todoID:     todoID,
			title:      ev.Title,
		}
		if err := e.enqueueDelete(ctx, job); err != nil {
			e.logger.Warn("削除の依頼に失敗しました", "id", ev.ID, "error", err)
		}
	}
}
