package recurrence

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"
)

// weekdayCodes time.Weekday の順 (日曜始まり)
var weekdayCodes = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

var weekdayLabels = map[string]string{
	"SU": "Sunday",
	"MO": "Monday",
	"TU": "Tuesday",
	"WE": "Wednesday",
	"TH": "Thursday",
	"FR": "Friday",
	"SA": "Saturday",
}

var ordinalWords = map[int]string{
	1:  "first",
	2:  "second",
	3:  "third",
	4:  "fourth",
	-1: "last",
}

func codeOf(w time.Weekday) string {
	return weekdayCodes[w]
}

func weekdayOf(code string) (time.Weekday, bool) {
	for i, c := range weekdayCodes {
		if c == code {
			return time.Weekday(i), true
		}
	}
	return 0, false
}

// toRRuleWeekday rrule-go の曜日 (月曜=0) に変換
func toRRuleWeekday(code string) (rrule.Weekday, bool) {
	switch code {
	case "MO":
		return rrule.MO, true
	case "TU":
		return rrule.TU, true
	case "WE":
		return rrule.WE, true
	case "TH":
		return rrule.TH, true
	case "FR":
		return rrule.FR, true
	case "SA":
		return rrule.SA, true
	case "SU":
		return rrule.SU, true
	}
	return rrule.Weekday{}, false
}

// fromRRuleWeekday rrule-go の曜日を曜日コードに変換
func fromRRuleWeekday(wd rrule.Weekday) string {
	// rrule-go は月曜=0、time.Weekday は日曜=0
	return weekdayCodes[(wd.Day()+1)%7]
}

// normalizeDays 不正なコードを除いて重複を除去。空ならfallback
func normalizeDays(days []string, fallback []string) []string {
	seen := make(map[string]bool, len(days))
	out := make([]string, 0, len(days))
	for _, d := range days {
		if _, ok := weekdayOf(d); !ok || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return append([]string(nil), fallback...)
	}
	return out
}

// sortedWeekdays 週内の順序 (日曜始まり) に並べた曜日
func sortedWeekdays(days []string) []time.Weekday {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		if wd, ok := weekdayOf(d); ok {
			out = append(out, wd)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// monthlyWeek 月内の第何週か。最終7日間に含まれる場合は -1
func monthlyWeek(t time.Time) int {
	day := t.Day()
	if day > daysIn(t.Year(), t.Month(), t.Location())-7 {
		return -1
	}
	week := (day + 6) / 7
	if week > 4 {
		week = 4
	}
	return week
}

// nthWeekdayOfMonth 第N曜日 (nth=-1 は最終) の日付
func nthWeekdayOfMonth(year int, month time.Month, wd time.Weekday, nth int, loc *time.Location) (time.Time, bool) {
	if nth == -1 {
		last := time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
		offset := (int(last.Weekday()) - int(wd) + 7) % 7
		return last.AddDate(0, 0, -offset), true
	}
	if nth < 1 {
		nth = 1
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := 1 + offset + (nth-1)*7
	if day > daysIn(year, month, loc) {
		return time.Time{}, false
	}
	return time.Date(year, month, day, 0, 0, 0, 0, loc), true
}

func clamp(v, lo, hi, fallback int) int {
	if v == 0 {
		return fallback
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
