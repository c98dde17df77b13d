package dayindex

import (
	"sort"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// Index 日付キーからその日のイベント一覧への索引
type Index struct {
	loc      *time.Location
	days     map[string][]domain.Event
	keysByID map[string][]string
	collator *collate.Collator
}

// New 指定タイムゾーンの日付で索引を作成
func New(loc *time.Location) *Index {
	if loc == nil {
		loc = time.UTC
	}
	return &Index{
		loc:      loc,
		days:     make(map[string][]domain.Event),
		keysByID: make(map[string][]string),
		collator: collate.New(language.Und),
	}
}

// DayKeys イベントが掛かる日付キーの一覧
func DayKeys(ev domain.Event, loc *time.Location) []string {
	first := domain.StartOfDay(ev.StartTime, loc)
	var last time.Time
	switch {
	case ev.IsAllDay:
		// 排他的終了日の前日までが対象
		last = domain.StartOfDay(ev.EndTime, loc).AddDate(0, 0, -1)
	case ev.EndTime.After(ev.StartTime):
		last = domain.StartOfDay(ev.EndTime.Add(-time.Nanosecond), loc)
	default:
		last = first
	}
	if last.Before(first) {
		last = first
	}

	var keys []string
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		keys = append(keys, domain.DateKey(d, loc))
	}
	return keys
}

// Rebuild 全イベントから索引を再構築する。skip が true のイベントは除外
func (x *Index) Rebuild(events []domain.Event, skip func(domain.Event) bool) {
	x.days = make(map[string][]domain.Event)
	x.keysByID = make(map[string][]string)
	touched := make(map[string]bool)
	for _, ev := range events {
		if skip != nil && skip(ev) {
			continue
		}
		for _, key := range x.add(ev) {
			touched[key] = true
		}
	}
	for key := range touched {
		x.sortDay(key)
	}
}

// Insert 1件追加する。同じIDが既にあれば置き換える
func (x *Index) Insert(ev domain.Event) {
	x.Remove(ev.ID)
	for _, key := range x.add(ev) {
		x.sortDay(key)
	}
}

// Replace oldID のエントリを ev で置き換える (一時IDの差し替えに使う)
func (x *Index) Replace(oldID string, ev domain.Event) {
	x.Remove(oldID)
	x.Insert(ev)
}

// Remove IDに一致するエントリを全日付から取り除く
func (x *Index) Remove(id string) bool {
	keys, ok := x.keysByID[id]
	if !ok {
		return false
	}
	for _, key := range keys {
		list := x.days[key]
		out := list[:0]
		for _, ev := range list {
			if ev.ID != id {
				out = append(out, ev)
			}
		}
		if len(out) == 0 {
			delete(x.days, key)
		} else {
			x.days[key] = out
		}
	}
	delete(x.keysByID, id)
	return true
}

// EventsForDate 指定日のイベント一覧 (コピー)
func (x *Index) EventsForDate(t time.Time) []domain.Event {
	return x.EventsForKey(domain.DateKey(t, x.loc))
}

// EventsForKey 日付キーのイベント一覧 (コピー)
func (x *Index) EventsForKey(key string) []domain.Event {
	list := x.days[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]domain.Event, len(list))
	copy(out, list)
	return out
}

// Contains IDが索引に含まれるか
func (x *Index) Contains(id string) bool {
	_, ok := x.keysByID[id]
	return ok
}

// Len 索引されている日数
func (x *Index) Len() int { return len(x.days) }

func (x *Index) add(ev domain.Event) []string {
	keys := DayKeys(ev, x.loc)
	for _, key := range keys {
		x.days[key] = append(x.days[key], ev)
	}
	x.keysByID[ev.ID] = keys
	return keys
}

func (x *Index) sortDay(key string) {
	list := x.days[key]
	sort.SliceStable(list, func(i, j int) bool { return x.less(list[i], list[j]) })
}

// less 楽観的 → 同期待ち → 開始時刻 → タイトルの順
func (x *Index) less(a, b domain.Event) bool {
	if ra, rb := rank(a), rank(b); ra != rb {
		return ra < rb
	}
	if !a.StartTime.Equal(b.StartTime) {
		return a.StartTime.Before(b.StartTime)
	}
	if c := x.collator.CompareString(a.Title, b.Title); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func rank(ev domain.Event) int {
	switch ev.State {
	case domain.Optimistic:
		return 0
	case domain.PendingSync:
		return 1
	default:
		return 2
	}
}
