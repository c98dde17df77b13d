package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/metrics"
	"github.com/k-negishi/calendar-sync-engine/internal/wire"
)

// LoadOptions 範囲読み込みのオプション
type LoadOptions struct {
	// Background バックグラウンド取得。取得結果にないイベントを削除しない
	Background bool
	// Force 読み込み済みでも対象範囲全体を再取得する
	Force bool
}

type segment struct {
	start time.Time
	end   time.Time
	keys  []string
}

// EnsureRangeLoaded 表示範囲の前後に余裕を持たせた範囲が読み込まれていることを保証する
func (e *Engine) EnsureRangeLoaded(ctx context.Context, visibleStart, visibleEnd time.Time, opts LoadOptions) error {
	loc := e.cfg.Location
	visStart := domain.StartOfDay(visibleStart, loc)
	visEnd := domain.EndOfDay(visibleEnd, loc)
	if visEnd.Before(visStart) {
		return nil
	}

	e.mu.Lock()
	last := e.lastEnsure
	if !opts.Force && last.start.Equal(visStart) && last.end.Equal(visEnd) && e.now().Sub(last.at) < e.cfg.EnsureCooldown {
		e.mu.Unlock()
		return nil
	}
	var current *timeRange
	if e.loaded != nil {
		r := *e.loaded
		current = &r
	}
	e.mu.Unlock()

	targetStart := domain.StartOfMonth(visStart.AddDate(0, -e.cfg.PastMonths, 0), loc)
	targetEnd := domain.EndOfMonth(visEnd.AddDate(0, e.cfg.FutureMonths, 0), loc)

	if current == nil || opts.Force {
		if err := e.FetchForRange(ctx, targetStart, targetEnd, opts.Background, true); err != nil {
			return err
		}
		e.markEnsured(visStart, visEnd)
		return nil
	}

	if targetStart.Before(current.start) {
		fetchEnd := current.start.AddDate(0, 0, -1)
		if fetchEnd.After(targetStart) {
			if err := e.FetchForRange(ctx, targetStart, fetchEnd, opts.Background, false); err != nil {
				return err
			}
		}
	}

	e.mu.Lock()
	if e.loaded != nil {
		current = &timeRange{start: e.loaded.start, end: e.loaded.end}
	}
	e.mu.Unlock()

	if targetEnd.After(current.end) {
		fetchStart := current.end.AddDate(0, 0, 1)
		if targetEnd.After(fetchStart) {
			if err := e.FetchForRange(ctx, fetchStart, targetEnd, opts.Background, false); err != nil {
				return err
			}
		}
	}
	e.markEnsured(visStart, visEnd)
	return nil
}

func (e *Engine) markEnsured(start, end time.Time) {
	e.mu.Lock()
	e.lastEnsure = ensureMark{start: start, end: end, at: e.now()}
	e.mu.Unlock()
}

// FetchForRange 未読み込みの月を連続区間ごとにまとめ、上限月数で分割して1本ずつ取得する。
// 失敗したセグメントのエラーを返すが、それまでに取り込んだセグメントは残る
func (e *Engine) FetchForRange(ctx context.Context, start, end time.Time, background, forceReload bool) error {
	loc := e.cfg.Location
	rangeStart := domain.StartOfDay(start, loc)
	rangeEnd := domain.EndOfDay(end, loc)
	if !rangeEnd.After(rangeStart) {
		return nil
	}

	e.mu.Lock()
	var missing []string
	for _, key := range monthKeys(rangeStart, rangeEnd, loc) {
		if !forceReload && e.loadedMonths[key] {
			continue
		}
		if e.inFlight[key] {
			continue
		}
		missing = append(missing, key)
	}
	if len(missing) == 0 {
		e.mu.Unlock()
		metrics.FetchSkips.Inc()
		return nil
	}
	for _, key := range missing {
		e.inFlight[key] = true
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		for _, key := range missing {
			delete(e.inFlight, key)
		}
		e.mu.Unlock()
	}()

	segments, err := e.buildSegments(missing)
	if err != nil {
		return err
	}

	e.fetchMu.Lock()
	defer e.fetchMu.Unlock()

	for _, seg := range segments {
		if err := e.fetchSegment(ctx, seg, background); err != nil {
			e.persistAll()
			return err
		}
	}
	e.persistAll()
	return nil
}

func (e *Engine) fetchSegment(ctx context.Context, seg segment, background bool) error {
	e.mu.Lock()
	seq := e.fetchSeq
	e.fetchSeq++
	e.mu.Unlock()

	page, err := e.backend.ListEvents(ctx, seg.start, seg.end)
	if err != nil {
		metrics.SegmentFetches.WithLabelValues("error").Inc()
		e.logger.Warn("イベントの取得に失敗しました",
			"start", domain.DateKey(seg.start, e.cfg.Location),
			"end", domain.DateKey(seg.end, e.cfg.Location),
			"error", err)
		return fmt.Errorf("%s から %s のイベント取得に失敗しました: %w",
			domain.MonthKey(seg.start, e.cfg.Location), domain.MonthKey(seg.end, e.cfg.Location), err)
	}
	metrics.SegmentFetches.WithLabelValues("ok").Inc()

	incoming := e.mapper.MapPage(page)
	arrived := seriesArrived(page, incoming)

	e.mu.Lock()
	unlinked := e.mergeSegmentLocked(seg, incoming, arrived, background)
	for _, key := range seg.keys {
		e.loadedMonths[key] = true
	}
	e.extendLoadedLocked(seg.start, seg.end)
	if n := e.pruneTombstonesLocked(seg, seq); n > 0 {
		e.logger.Debug("削除済みIDの抑止を解除しました", "count", n)
	}
	metrics.LoadedEvents.Set(float64(len(e.events)))
	e.mu.Unlock()

	e.persistUnlinks(ctx, unlinked...)
	return nil
}

// seriesArrived 取得結果に親またはインスタンスが含まれる繰り返しイベントのID
func seriesArrived(page *wire.Page, incoming []domain.Event) map[string]bool {
	out := make(map[string]bool)
	if page != nil {
		for _, item := range page.Series {
			if item.Event != nil && item.Event.Id != "" {
				out[item.Event.Id] = true
			}
		}
	}
	for _, ev := range incoming {
		if ev.RecurringEventID != "" {
			out[ev.RecurringEventID] = true
		}
	}
	return out
}

// mergeSegmentLocked 取得結果を状態に取り込み、紐付けを解除したToDoIDを返す。
// arrived はこのセグメントでサーバーから親かインスタンスが届いた繰り返しイベント
func (e *Engine) mergeSegmentLocked(seg segment, incoming []domain.Event, arrived map[string]bool, background bool) []string {
	now := e.now()
	inSegment := func(ev domain.Event) bool {
		return !ev.StartTime.Before(seg.start) && !ev.StartTime.After(seg.end)
	}

	// 抑止中のIDとToDoを除き、時刻オーバーライドを適用する。ToDo1件につきイベントは1件
	byID := make(map[string]domain.Event, len(incoming))
	order := make([]string, 0, len(incoming))
	todoOwner := make(map[string]string)
	for _, ev := range incoming {
		if e.isSuppressedLocked(ev) {
			continue
		}
		if ev.TodoID != "" {
			if owner, dup := todoOwner[ev.TodoID]; dup && owner != ev.ID {
				continue
			}
			todoOwner[ev.TodoID] = ev.ID
		}
		ev = e.overrides.Apply(ev)
		ev.IsChecked = e.checked[ev.ID]
		if _, seen := byID[ev.ID]; !seen {
			order = append(order, ev.ID)
		}
		byID[ev.ID] = ev
	}

	var removed, unlinked []string
	for id, cur := range e.events {
		if !inSegment(cur) {
			continue
		}
		if _, ok := byID[id]; ok {
			continue
		}
		if cur.IsVirtualOccurrence() {
			continue
		}

		pendingSince, hasPending := e.pending[id]
		if hasPending && now.Sub(pendingSince) > e.cfg.PendingSyncTTL {
			delete(e.pending, id)
			hasPending = false
			if cur.IsPendingSync() {
				cur = cur.AsConfirmed()
				e.events[id] = cur
				e.index.Insert(cur)
			}
		}
		if cur.IsOptimistic() || hasPending {
			continue
		}
		if !background && cur.IsRemoteSourced {
			e.dropLocked(id)
			if todoID, ok := e.unlinkEventLocked(id); ok {
				unlinked = append(unlinked, todoID)
			}
			removed = append(removed, id)
		}
	}

	var changed []domain.Event
	for _, id := range order {
		ev := byID[id]
		if cur, ok := e.events[id]; ok && cur.ClientKey != "" {
			ev.ClientKey = cur.ClientKey
		}
		if ev.ClientKey == "" {
			ev.ClientKey = ev.ID
		}
		ev.State = domain.Confirmed
		delete(e.pending, id)
		if ev.TodoID != "" {
			e.claimTodoLocked(ev.TodoID, ev.ID)
		}
		e.putLocked(ev)
		changed = append(changed, ev)
	}

	// 親かインスタンスが届いたシリーズは、ローカルで作った親を初回インスタンスとして扱わない
	for parentID := range arrived {
		if _, listed := byID[parentID]; listed {
			continue
		}
		root, ok := e.events[parentID]
		if !ok || root.IsOptimistic() || root.IsVirtualOccurrence() {
			continue
		}
		delete(e.pending, parentID)
		if !inSegment(root) {
			if root.IsPendingSync() {
				e.putLocked(root.AsConfirmed())
			}
			continue
		}
		e.dropLocked(parentID)
		if todoID, linked := e.unlinkEventLocked(parentID); linked {
			unlinked = append(unlinked, todoID)
		}
		removed = append(removed, parentID)
	}

	// 確定済みの親を持つローカル展開インスタンスは取得結果に置き換える
	for parentID, ids := range e.clones {
		parent, ok := e.events[parentID]
		if ok && parent.State != domain.Confirmed && !arrived[parentID] {
			continue
		}
		scoped := ok || arrived[parentID]
		var keep []string
		for _, cloneID := range ids {
			clone, exists := e.events[cloneID]
			if !exists {
				continue
			}
			if scoped && !inSegment(clone) {
				keep = append(keep, cloneID)
				continue
			}
			e.dropLocked(cloneID)
		}
		if len(keep) == 0 {
			delete(e.clones, parentID)
		} else {
			e.clones[parentID] = keep
		}
	}

	e.cacheRemoveLocked(removed...)
	e.logger.Debug("セグメントを取り込みました",
		"start", domain.DateKey(seg.start, e.cfg.Location),
		"end", domain.DateKey(seg.end, e.cfg.Location),
		"incoming", len(incoming), "changed", len(changed), "removed", len(removed))
	return unlinked
}

// claimTodoLocked ToDoをイベントに割り当て、同じToDoを持つ他のイベントを取り除く
func (e *Engine) claimTodoLocked(todoID, eventID string) {
	for id, other := range e.events {
		if id != eventID && other.TodoID == todoID {
			e.dropLocked(id)
			e.cacheRemoveLocked(id)
		}
	}
	if prev, ok := e.todoToEvent[todoID]; ok && prev != eventID {
		delete(e.eventToTodo, prev)
	}
	e.todoToEvent[todoID] = eventID
	e.eventToTodo[eventID] = todoID
}

func (e *Engine) extendLoadedLocked(start, end time.Time) {
	if e.loaded == nil {
		e.loaded = &timeRange{start: start, end: end}
		return
	}
	if start.Before(e.loaded.start) {
		e.loaded.start = start
	}
	if end.After(e.loaded.end) {
		e.loaded.end = end
	}
}

// persistAll 全件を書き込む。スナップショットと投入を同じロック内で行い、
// 後続の Upsert / Remove より前に並ぶようにする
func (e *Engine) persistAll() {
	if e.cache == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.ReplaceAll(e.persistableLocked())
}

// buildSegments 月キーを連続区間にまとめ、MaxSegmentMonths ごとに分割する
func (e *Engine) buildSegments(keys []string) ([]segment, error) {
	loc := e.cfg.Location
	var runs [][]time.Time
	var prev time.Time
	for i, key := range keys {
		m, err := domain.ParseMonthKey(key, loc)
		if err != nil {
			return nil, fmt.Errorf("月キー %s の解析に失敗しました: %w", key, err)
		}
		if i == 0 || !prev.AddDate(0, 1, 0).Equal(m) {
			runs = append(runs, nil)
		}
		runs[len(runs)-1] = append(runs[len(runs)-1], m)
		prev = m
	}

	var out []segment
	for _, run := range runs {
		for i := 0; i < len(run); i += e.cfg.MaxSegmentMonths {
			j := i + e.cfg.MaxSegmentMonths
			if j > len(run) {
				j = len(run)
			}
			slice := run[i:j]
			seg := segment{
				start: domain.StartOfMonth(slice[0], loc),
				end:   domain.EndOfMonth(slice[len(slice)-1], loc),
			}
			for _, m := range slice {
				seg.keys = append(seg.keys, domain.MonthKey(m, loc))
			}
			out = append(out, seg)
		}
	}
	return out, nil
}

// monthKeys 範囲に含まれる月キーを昇順で返す
func monthKeys(start, end time.Time, loc *time.Location) []string {
	var keys []string
	cursor := domain.StartOfMonth(start, loc)
	last := domain.StartOfMonth(end, loc)
	for !cursor.After(last) {
		keys = append(keys, domain.MonthKey(cursor, loc))
		cursor = cursor.AddDate(0, 1, 0)
	}
	return keys
}
