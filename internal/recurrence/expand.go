package recurrence

import (
	"math"
	"time"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

const (
	// DefaultMaxInstances 1シリーズあたりの展開上限
	DefaultMaxInstances = 200
	// OptimisticMaxInstances 楽観的作成時の展開上限
	OptimisticMaxInstances = 400

	// anchorEpsilon 基準日時とみなす誤差
	anchorEpsilon = time.Second

	maxWeeks  = 520
	maxMonths = 240
	maxYears  = 200
)

type expander struct {
	anchor      time.Time
	duration    time.Duration
	allDayDays  int
	windowStart time.Time
	hardEnd     time.Time
	remaining   int
	max         int
	out         []domain.Occurrence
}

// offer 候補を評価し、展開を打ち切るべきなら true を返す
func (x *expander) offer(candidate time.Time) bool {
	if candidate.Sub(x.anchor) <= anchorEpsilon {
		return false
	}
	if candidate.After(x.hardEnd) {
		return true
	}
	// COUNTは表示範囲外の候補も消費する
	x.remaining--
	if !candidate.Before(x.windowStart) {
		x.out = append(x.out, x.occurrence(candidate))
	}
	return x.remaining <= 0 || len(x.out) >= x.max
}

func (x *expander) occurrence(start time.Time) domain.Occurrence {
	if x.allDayDays > 0 {
		return domain.Occurrence{Start: start, End: start.AddDate(0, 0, x.allDayDays)}
	}
	return domain.Occurrence{Start: start, End: start.Add(x.duration)}
}

// ExpandInstances 繰り返しシリーズを表示範囲内のインスタンスに展開する。
// 基準日時のインスタンスはシリーズ本体が担うため含まない。
func ExpandInstances(series domain.Event, meta domain.RecurrenceState, windowStart, windowEnd time.Time, maxInstances int) []domain.Occurrence {
	if !meta.Enabled {
		return nil
	}
	anchor := series.StartTime
	if anchor.IsZero() || series.EndTime.Before(anchor) || windowEnd.Before(windowStart) {
		return nil
	}
	if maxInstances <= 0 {
		maxInstances = DefaultMaxInstances
	}
	loc := anchor.Location()

	hardEnd := windowEnd
	if meta.Ends == domain.EndsUntil && meta.EndDate != "" {
		if d, err := time.ParseInLocation(endDateLayout, meta.EndDate, loc); err == nil {
			if until := domain.EndOfDay(d, loc); until.Before(hardEnd) {
				hardEnd = until
			}
		}
	}
	if !hardEnd.After(anchor) {
		return nil
	}

	remaining := math.MaxInt
	if meta.Ends == domain.EndsCount {
		remaining = meta.Count - 1
		if remaining <= 0 {
			return nil
		}
	}

	interval := meta.Interval
	if interval < 1 {
		interval = 1
	}

	x := &expander{
		anchor:      anchor,
		duration:    series.Duration(),
		windowStart: windowStart,
		hardEnd:     hardEnd,
		remaining:   remaining,
		max:         maxInstances,
	}
	if series.IsAllDay {
		x.allDayDays = int(math.Round(series.Duration().Hours() / 24))
		if x.allDayDays < 1 {
			x.allDayDays = 1
		}
	}

	switch meta.Frequency {
	case domain.Weekly:
		expandWeekly(x, meta, interval)
	case domain.Monthly:
		expandMonthly(x, meta, interval)
	case domain.Yearly:
		expandYearly(x, meta, interval)
	default:
		expandDaily(x, interval)
	}
	return x.out
}

func expandDaily(x *expander, interval int) {
	for i := 1; ; i++ {
		if x.offer(x.anchor.AddDate(0, 0, i*interval)) {
			return
		}
	}
}

func expandWeekly(x *expander, meta domain.RecurrenceState, interval int) {
	days := sortedWeekdays(normalizeDays(meta.DaysOfWeek, []string{codeOf(x.anchor.Weekday())}))
	loc := x.anchor.Location()
	// 日曜始まりの週
	weekStart := domain.StartOfDay(x.anchor, loc).AddDate(0, 0, -int(x.anchor.Weekday()))

	for w := 0; w < maxWeeks; w += interval {
		ws := weekStart.AddDate(0, 0, 7*w)
		if ws.After(x.hardEnd) {
			return
		}
		for _, wd := range days {
			if x.offer(atAnchorTime(ws.AddDate(0, 0, int(wd)), x.anchor)) {
				return
			}
		}
	}
}

func expandMonthly(x *expander, meta domain.RecurrenceState, interval int) {
	loc := x.anchor.Location()
	first := domain.StartOfMonth(x.anchor, loc)

	for m := 0; m < maxMonths; m += interval {
		month := first.AddDate(0, m, 0)
		if month.After(x.hardEnd) {
			return
		}
		var day time.Time
		if meta.MonthlyMode == domain.ByWeekday {
			nth := meta.MonthlyWeek
			if nth == 0 {
				nth = monthlyWeek(x.anchor)
			}
			wd, ok := weekdayOf(meta.MonthlyWeekday)
			if !ok {
				wd = x.anchor.Weekday()
			}
			if day, ok = nthWeekdayOfMonth(month.Year(), month.Month(), wd, nth, loc); !ok {
				continue
			}
		} else {
			target := clamp(meta.MonthlyDay, 1, 31, x.anchor.Day())
			if last := daysIn(month.Year(), month.Month(), loc); target > last {
				target = last
			}
			day = time.Date(month.Year(), month.Month(), target, 0, 0, 0, 0, loc)
		}
		if x.offer(atAnchorTime(day, x.anchor)) {
			return
		}
	}
}

func expandYearly(x *expander, meta domain.RecurrenceState, interval int) {
	loc := x.anchor.Location()
	month := time.Month(clamp(meta.YearlyMonth, 1, 12, int(x.anchor.Month())))

	for y := 0; y < maxYears; y += interval {
		year := x.anchor.Year() + y
		if year > x.hardEnd.Year()+1 {
			return
		}
		var day time.Time
		if meta.YearlyMode == domain.ByWeekday {
			nth := meta.YearlyWeek
			if nth == 0 {
				nth = monthlyWeek(x.anchor)
			}
			wd, ok := weekdayOf(meta.YearlyWeekday)
			if !ok {
				wd = x.anchor.Weekday()
			}
			if day, ok = nthWeekdayOfMonth(year, month, wd, nth, loc); !ok {
				continue
			}
		} else {
			target := clamp(meta.YearlyDay, 1, 31, x.anchor.Day())
			if last := daysIn(year, month, loc); target > last {
				target = last
			}
			day = time.Date(year, month, target, 0, 0, 0, 0, loc)
		}
		if x.offer(atAnchorTime(day, x.anchor)) {
			return
		}
	}
}

// atAnchorTime 日付に基準日時の時刻を設定
func atAnchorTime(day, anchor time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
}
