package domain

import "time"

const (
	dateKeyLayout  = "2006-01-02"
	monthKeyLayout = "2006-01"
)

// DateKey YYYY-MM-DD形式のキーを返す
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(dateKeyLayout)
}

// MonthKey YYYY-MM形式のキーを返す
func MonthKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(monthKeyLayout)
}

// ParseMonthKey YYYY-MM形式のキーを月初に変換
func ParseMonthKey(key string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(monthKeyLayout, key, loc)
}

// StartOfDay 指定タイムゾーンでの0時
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// EndOfDay 指定タイムゾーンでのその日の最終時刻
func EndOfDay(t time.Time, loc *time.Location) time.Time {
	return StartOfDay(t, loc).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// StartOfMonth 月初の0時
func StartOfMonth(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
}

// EndOfMonth 月末の最終時刻
func EndOfMonth(t time.Time, loc *time.Location) time.Time {
	return StartOfMonth(t, loc).AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// AllDayRange 終日イベントの開始日と最終日 (両端含む) から内部表現を作る
func AllDayRange(firstDay, lastDay time.Time, loc *time.Location) (start, end time.Time) {
	start = StartOfDay(firstDay, loc)
	end = StartOfDay(lastDay, loc).AddDate(0, 0, 1)
	return start, end
}
