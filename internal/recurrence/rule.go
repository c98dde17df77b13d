package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

const (
	rulePrefix    = "RRULE:"
	endDateLayout = "2006-01-02"
)

// Rule 構築済みの繰り返しルール
type Rule struct {
	Text    string
	Summary string
	Meta    domain.RecurrenceState
}

// DefaultState 基準日時から初期状態を作る (無効状態)
func DefaultState(anchor time.Time) domain.RecurrenceState {
	weekday := codeOf(anchor.Weekday())
	week := monthlyWeek(anchor)
	return domain.RecurrenceState{
		Enabled:        false,
		Frequency:      domain.Weekly,
		Interval:       1,
		DaysOfWeek:     []string{weekday},
		Ends:           domain.EndsNever,
		Count:          1,
		MonthlyMode:    domain.ByDay,
		MonthlyDay:     anchor.Day(),
		MonthlyWeek:    week,
		MonthlyWeekday: weekday,
		YearlyMode:     domain.ByDay,
		YearlyMonth:    int(anchor.Month()),
		YearlyDay:      anchor.Day(),
		YearlyWeek:     week,
		YearlyWeekday:  weekday,
	}
}

// ParseRule RRULE文字列を構造化表現に変換。解釈できない場合は false
func ParseRule(text string, anchor time.Time) (domain.RecurrenceState, bool) {
	cleaned := strings.ToUpper(strings.TrimSpace(text))
	cleaned = strings.TrimPrefix(cleaned, rulePrefix)
	if cleaned == "" || !strings.Contains(cleaned, "FREQ=") {
		return domain.RecurrenceState{}, false
	}

	opt, err := rrule.StrToROption(cleaned)
	if err != nil {
		return domain.RecurrenceState{}, false
	}

	freq, ok := fromRRuleFreq(opt.Freq)
	if !ok {
		return domain.RecurrenceState{}, false
	}

	defaults := DefaultState(anchor)
	state := defaults.Clone()
	state.Enabled = true
	state.Frequency = freq
	state.Interval = opt.Interval
	if state.Interval < 1 {
		state.Interval = 1
	}

	// 序数付きBYDAY (例: 2TU) もBYSETPOSとして扱う
	setPos, hasSetPos := 0, false
	if len(opt.Byweekday) > 0 {
		codes := make([]string, 0, len(opt.Byweekday))
		for _, wd := range opt.Byweekday {
			codes = append(codes, fromRRuleWeekday(wd))
			if wd.N() != 0 && !hasSetPos {
				setPos, hasSetPos = wd.N(), true
			}
		}
		state.DaysOfWeek = normalizeDays(codes, defaults.DaysOfWeek)
	}
	if len(opt.Bysetpos) > 0 {
		setPos, hasSetPos = opt.Bysetpos[0], true
	}

	if len(opt.Bymonthday) > 0 {
		state.MonthlyMode = domain.ByDay
		state.MonthlyDay = clamp(opt.Bymonthday[0], 1, 31, defaults.MonthlyDay)
	}
	if hasSetPos {
		state.MonthlyMode = domain.ByWeekday
		state.MonthlyWeek = clamp(setPos, -1, 4, defaults.MonthlyWeek)
		state.MonthlyWeekday = state.DaysOfWeek[0]
	}

	if len(opt.Bymonth) > 0 {
		state.YearlyMonth = clamp(opt.Bymonth[0], 1, 12, defaults.YearlyMonth)
	}
	if freq == domain.Yearly {
		switch {
		case hasSetPos:
			state.YearlyMode = domain.ByWeekday
			state.YearlyWeek = clamp(setPos, -1, 4, defaults.YearlyWeek)
			state.YearlyWeekday = state.DaysOfWeek[0]
		case len(opt.Bymonthday) > 0:
			state.YearlyMode = domain.ByDay
			state.YearlyDay = clamp(opt.Bymonthday[0], 1, 31, defaults.YearlyDay)
		}
	}

	switch {
	case opt.Count > 0:
		state.Ends = domain.EndsCount
		state.Count = opt.Count
	case !opt.Until.IsZero():
		state.Ends = domain.EndsUntil
		state.EndDate = untilToEndDate(opt.Until, anchor.Location())
	default:
		state.Ends = domain.EndsNever
	}

	state.Summary = Summary(state, anchor)
	return state, true
}

// BuildRule 構造化表現からRRULE文字列・要約・メタ情報を作る。無効なら false
func BuildRule(state domain.RecurrenceState, anchor time.Time) (Rule, bool) {
	if !state.Enabled {
		return Rule{}, false
	}
	meta := Normalize(state, anchor)

	opt := rrule.ROption{Freq: toRRuleFreq(meta.Frequency)}
	if meta.Interval > 1 {
		opt.Interval = meta.Interval
	}

	switch meta.Frequency {
	case domain.Weekly:
		opt.Byweekday = toRRuleWeekdays(meta.DaysOfWeek)
	case domain.Monthly:
		if meta.MonthlyMode == domain.ByWeekday {
			opt.Byweekday = toRRuleWeekdays([]string{meta.MonthlyWeekday})
			opt.Bysetpos = []int{meta.MonthlyWeek}
		} else {
			opt.Bymonthday = []int{meta.MonthlyDay}
		}
	case domain.Yearly:
		opt.Bymonth = []int{meta.YearlyMonth}
		if meta.YearlyMode == domain.ByWeekday {
			opt.Byweekday = toRRuleWeekdays([]string{meta.YearlyWeekday})
			opt.Bysetpos = []int{meta.YearlyWeek}
		} else {
			opt.Bymonthday = []int{meta.YearlyDay}
		}
	}

	switch meta.Ends {
	case domain.EndsCount:
		opt.Count = meta.Count
	case domain.EndsUntil:
		if d, err := time.ParseInLocation(endDateLayout, meta.EndDate, anchor.Location()); err == nil {
			opt.Until = domain.EndOfDay(d, anchor.Location()).Truncate(time.Second)
		}
	}

	return Rule{
		Text:    rulePrefix + opt.RRuleString(),
		Summary: meta.Summary,
		Meta:    meta,
	}, true
}

// Normalize 値を有効範囲に丸め、未設定の項目を基準日時から補う
func Normalize(state domain.RecurrenceState, anchor time.Time) domain.RecurrenceState {
	defaults := DefaultState(anchor)
	meta := state.Clone()
	meta.Enabled = true

	switch meta.Frequency {
	case domain.Daily, domain.Weekly, domain.Monthly, domain.Yearly:
	default:
		meta.Frequency = domain.Weekly
	}
	if meta.Interval < 1 {
		meta.Interval = 1
	}
	meta.DaysOfWeek = normalizeDays(meta.DaysOfWeek, defaults.DaysOfWeek)
	if meta.Count < 1 {
		meta.Count = 1
	}
	if meta.Ends == "" {
		meta.Ends = domain.EndsNever
	}

	if meta.MonthlyMode != domain.ByWeekday {
		meta.MonthlyMode = domain.ByDay
	}
	meta.MonthlyDay = clamp(meta.MonthlyDay, 1, 31, defaults.MonthlyDay)
	meta.MonthlyWeek = clamp(meta.MonthlyWeek, -1, 4, defaults.MonthlyWeek)
	meta.MonthlyWeekday = normalizeDays([]string{meta.MonthlyWeekday}, []string{defaults.MonthlyWeekday})[0]

	if meta.YearlyMode != domain.ByWeekday {
		meta.YearlyMode = domain.ByDay
	}
	meta.YearlyMonth = clamp(meta.YearlyMonth, 1, 12, defaults.YearlyMonth)
	meta.YearlyDay = clamp(meta.YearlyDay, 1, 31, defaults.YearlyDay)
	meta.YearlyWeek = clamp(meta.YearlyWeek, -1, 4, defaults.YearlyWeek)
	meta.YearlyWeekday = normalizeDays([]string{meta.YearlyWeekday}, []string{defaults.YearlyWeekday})[0]

	meta.Summary = Summary(meta, anchor)
	return meta
}

// Summary 人が読める繰り返しの説明
func Summary(state domain.RecurrenceState, anchor time.Time) string {
	if !state.Enabled {
		return "Does not repeat"
	}
	interval := state.Interval
	if interval < 1 {
		interval = 1
	}

	var summary string
	switch state.Frequency {
	case domain.Daily:
		if interval == 1 {
			summary = "Daily"
		} else {
			summary = fmt.Sprintf("Every %d %s", interval, pluralize("day", interval))
		}
	case domain.Weekly:
		days := formatWeekdayList(normalizeDays(state.DaysOfWeek, []string{codeOf(anchor.Weekday())}))
		if interval == 1 {
			summary = "Weekly on " + days
		} else {
			summary = fmt.Sprintf("Every %d %s on %s", interval, pluralize("week", interval), days)
		}
	case domain.Monthly:
		if state.MonthlyMode == domain.ByWeekday {
			label := ordinalWeekday(state.MonthlyWeek, state.MonthlyWeekday, anchor)
			if interval == 1 {
				summary = "Monthly on the " + label
			} else {
				summary = fmt.Sprintf("Every %d months on the %s", interval, label)
			}
		} else {
			day := clamp(state.MonthlyDay, 1, 31, anchor.Day())
			if interval == 1 {
				summary = fmt.Sprintf("Monthly on day %d", day)
			} else {
				summary = fmt.Sprintf("Every %d months on day %d", interval, day)
			}
		}
	case domain.Yearly:
		month := time.Month(clamp(state.YearlyMonth, 1, 12, int(anchor.Month()))).String()
		if state.YearlyMode == domain.ByWeekday {
			label := ordinalWeekday(state.YearlyWeek, state.YearlyWeekday, anchor)
			if interval == 1 {
				summary = fmt.Sprintf("Annually on the %s in %s", label, month)
			} else {
				summary = fmt.Sprintf("Every %d years on the %s in %s", interval, label, month)
			}
		} else {
			day := clamp(state.YearlyDay, 1, 31, anchor.Day())
			if interval == 1 {
				summary = fmt.Sprintf("Annually on %s %d", month, day)
			} else {
				summary = fmt.Sprintf("Every %d years on %s %d", interval, month, day)
			}
		}
	default:
		summary = "Repeats"
	}

	switch state.Ends {
	case domain.EndsCount:
		count := state.Count
		if count < 1 {
			count = 1
		}
		summary += fmt.Sprintf(", %d %s", count, pluralize("time", count))
	case domain.EndsUntil:
		if d, err := time.Parse(endDateLayout, state.EndDate); err == nil {
			summary += ", until " + d.Format("Jan 2, 2006")
		}
	}
	return summary
}

func ordinalWeekday(week int, code string, anchor time.Time) string {
	label, ok := weekdayLabels[code]
	if !ok {
		label = weekdayLabels[codeOf(anchor.Weekday())]
	}
	return ordinalWords[week] + " " + label
}

func formatWeekdayList(days []string) string {
	labels := make([]string, 0, len(days))
	for _, d := range days {
		labels = append(labels, weekdayLabels[d])
	}
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	case 2:
		return labels[0] + " and " + labels[1]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + ", and " + labels[len(labels)-1]
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// untilToEndDate UNTILを終了日に変換。日付のみ(UTC 0時)はそのままの日付を使う
func untilToEndDate(until time.Time, loc *time.Location) string {
	u := until.UTC()
	if u.Hour() == 0 && u.Minute() == 0 && u.Second() == 0 {
		return u.Format(endDateLayout)
	}
	return until.In(loc).Format(endDateLayout)
}

func toRRuleWeekdays(codes []string) []rrule.Weekday {
	out := make([]rrule.Weekday, 0, len(codes))
	for _, c := range codes {
		if wd, ok := toRRuleWeekday(c); ok {
			out = append(out, wd)
		}
	}
	return out
}

func toRRuleFreq(f domain.Frequency) rrule.Frequency {
	switch f {
	case domain.Daily:
		return rrule.DAILY
	case domain.Monthly:
		return rrule.MONTHLY
	case domain.Yearly:
		return rrule.YEARLY
	default:
		return rrule.WEEKLY
	}
}

func fromRRuleFreq(f rrule.Frequency) (domain.Frequency, bool) {
	switch f {
	case rrule.DAILY:
		return domain.Daily, true
	case rrule.WEEKLY:
		return domain.Weekly, true
	case rrule.MONTHLY:
		return domain.Monthly, true
	case rrule.YEARLY:
		return domain.Yearly, true
	}
	return "", false
}
