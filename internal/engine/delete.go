package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/metrics"
)

const deleteTimeout = 30 * time.Second

// deleteJob バックエンド削除の依頼。restore は失敗時に状態へ戻すイベント、
// suppressed は抑止したIDと開始時刻
type deleteJob struct {
	calendarID string
	eventID    string
	restore    []domain.Event
	suppressed map[string]time.Time
	todoID     string
	title      string
}

// tombstone 削除確定済みで抑止を続けているID。after 番目以降に開始した取得が
// start を含む月を読み直したら抑止を外す
type tombstone struct {
	start  time.Time
	todoID string
	after  uint64
}

// ErrClosed エンジン停止後の操作
var ErrClosed = errors.New("エンジンは停止しています")

// DeleteEvent イベントを即座に状態から取り除き、バックエンド削除をキューに積む。
// 削除中のIDとToDoは抑止され、取得結果に含まれても復活しない
func (e *Engine) DeleteEvent(ctx context.Context, id string, scope domain.DeleteScope) error {
	if scope == "" {
		scope = domain.DeleteSingle
	}

	e.mu.Lock()
	target, ok := e.events[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("イベント %s: %w", id, domain.ErrUnknownEvent)
	}

	victims := map[string]domain.Event{id: target}
	series := scope == domain.DeleteSeries ||
		(target.IsRecurring() && target.RecurringEventID == "" && !target.IsVirtualOccurrence())
	backendID := id
	if series {
		seriesID := target.SeriesID()
		backendID = seriesID
		for otherID, ev := range e.events {
			if ev.SeriesID() == seriesID || otherID == seriesID {
				victims[otherID] = ev
			}
		}
		for _, cloneID := range e.clones[seriesID] {
			if ev, exists := e.events[cloneID]; exists {
				victims[cloneID] = ev
			}
		}
	}
	todoID := target.TodoID
	if todoID == "" {
		todoID = e.eventToTodo[id]
	}
	if todoID != "" {
		for otherID, ev := range e.events {
			if ev.TodoID == todoID {
				victims[otherID] = ev
			}
		}
	}

	restore := make([]domain.Event, 0, len(victims))
	ids := make([]string, 0, len(victims))
	suppressed := map[string]time.Time{backendID: target.StartTime}
	for vid, ev := range victims {
		e.dropLocked(vid)
		e.suppressedIDs[vid] = true
		suppressed[vid] = ev.StartTime
		if !ev.IsVirtualOccurrence() {
			restore = append(restore, ev.Clone())
		}
		ids = append(ids, vid)
	}
	e.suppressedIDs[backendID] = true
	if series {
		delete(e.clones, target.SeriesID())
	}
	delete(e.clones, id)
	if todoID != "" {
		e.suppressedTodos[todoID] = true
		if eventID, linked := e.todoToEvent[todoID]; linked {
			delete(e.eventToTodo, eventID)
			delete(e.todoToEvent, todoID)
		}
	}
	metrics.LoadedEvents.Set(float64(len(e.events)))
	e.cacheRemoveLocked(ids...)
	e.mu.Unlock()

	if todoID != "" {
		e.persistUnlinks(ctx, todoID)
	}

	// 一時IDはサーバーに存在しない
	if domain.IsTempID(backendID) {
		metrics.Mutations.WithLabelValues("delete", "ok").Inc()
		return nil
	}

	calendarID := target.CalendarID
	if calendarID == "" {
		calendarID = defaultCalendarID
	}
	job := deleteJob{
		calendarID: calendarID,
		eventID:    backendID,
		restore:    restore,
		suppressed: suppressed,
		todoID:     todoID,
		title:      target.Title,
	}
	if err := e.enqueueDelete(ctx, job); err != nil {
		e.restoreDeleted(job)
		return fmt.Errorf("イベント %s の削除に失敗しました: %w", id, err)
	}
	return nil
}

// enqueueDelete 削除キューに積む。キューが満杯なら空きを待つ
func (e *Engine) enqueueDelete(ctx context.Context, job deleteJob) error {
	e.queueMu.RLock()
	defer e.queueMu.RUnlock()
	if e.isClosed() {
		return ErrClosed
	}
	select {
	case e.deletes <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runDeletes 削除キューを1件ずつ処理する
func (e *Engine) runDeletes() {
	defer e.workers.Done()
	for job := range e.deletes {
		e.processDelete(job)
	}
}

func (e *Engine) processDelete(job deleteJob) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()

	err := e.backend.DeleteEvent(ctx, job.calendarID, job.eventID)
	switch {
	case err == nil:
		metrics.Mutations.WithLabelValues("delete", "ok").Inc()
		e.logger.Debug("イベントを削除しました", "id", job.eventID)
		e.confirmDeleted(job)
	case domain.IsNotFoundError(err):
		// 既に削除済み
		metrics.Mutations.WithLabelValues("delete", "ok").Inc()
		e.confirmDeleted(job)
	default:
		metrics.Mutations.WithLabelValues("delete", "rollback").Inc()
		e.logger.Warn("イベントの削除に失敗しました", "id", job.eventID, "error", err)
		if len(job.restore) == 0 {
			return
		}
		e.restoreDeleted(job)
		e.publish(bus.DeleteFailed{EventID: job.eventID, Title: job.title, Err: err})
	}
}

// confirmDeleted 削除確定を記録する。一時IDはサーバーから返らないのですぐに抑止を外す
func (e *Engine) confirmDeleted(job deleteJob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, start := range job.suppressed {
		if domain.IsTempID(id) {
			delete(e.suppressedIDs, id)
			continue
		}
		e.tombstones[id] = tombstone{start: start, todoID: job.todoID, after: e.fetchSeq}
	}
}

// pruneTombstonesLocked 削除確定後に開始した取得 seq でセグメントを読み直したIDの抑止を外す
func (e *Engine) pruneTombstonesLocked(seg segment, seq uint64) int {
	pruned := 0
	for id, tomb := range e.tombstones {
		if seq < tomb.after {
			continue
		}
		if !tomb.start.IsZero() && (tomb.start.Before(seg.start) || tomb.start.After(seg.end)) {
			continue
		}
		delete(e.tombstones, id)
		delete(e.suppressedIDs, id)
		if tomb.todoID != "" {
			delete(e.suppressedTodos, tomb.todoID)
		}
		pruned++
	}
	return pruned
}

// restoreDeleted 削除を取り消し、抑止を解除して状態に戻す
func (e *Engine) restoreDeleted(job deleteJob) {
	e.mu.Lock()
	delete(e.suppressedIDs, job.eventID)
	for id := range job.suppressed {
		delete(e.suppressedIDs, id)
	}
	for _, ev := range job.restore {
		delete(e.suppressedIDs, ev.ID)
	}
	if job.todoID != "" {
		delete(e.suppressedTodos, job.todoID)
	}
	linkedID := ""
	for _, ev := range job.restore {
		e.putLocked(ev)
		if job.todoID != "" && ev.TodoID == job.todoID && linkedID == "" {
			linkedID = ev.ID
		}
	}
	if linkedID != "" {
		e.todoToEvent[job.todoID] = linkedID
		e.eventToTodo[linkedID] = job.todoID
	}
	metrics.LoadedEvents.Set(float64(len(e.events)))
	e.cacheUpsertLocked(job.restore...)
	e.mu.Unlock()

	if linkedID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		e.persistLink(ctx, job.todoID, linkedID)
	}
}
