package domain

import "time"

// Frequency 繰り返し頻度
type Frequency string

const (
	Daily   Frequency = "DAILY"
	Weekly  Frequency = "WEEKLY"
	Monthly Frequency = "MONTHLY"
	Yearly  Frequency = "YEARLY"
)

// EndMode 繰り返しの終了条件
type EndMode string

const (
	EndsNever EndMode = "never"
	EndsCount EndMode = "count"
	EndsUntil EndMode = "until"
)

// RepeatMode 月次・年次の指定方法
type RepeatMode string

const (
	// ByDay 日付指定 (BYMONTHDAY)
	ByDay RepeatMode = "day"
	// ByWeekday 第N曜日指定 (BYDAY + BYSETPOS)
	ByWeekday RepeatMode = "weekday"
)

// LastWeek 「最終」週を表すBYSETPOS値
const LastWeek = -1

// RecurrenceState 繰り返しルールの構造化表現
type RecurrenceState struct {
	Enabled    bool      `msgpack:"enabled" json:"enabled"`
	Frequency  Frequency `msgpack:"frequency" json:"frequency"`
	Interval   int       `msgpack:"interval" json:"interval"`
	DaysOfWeek []string  `msgpack:"days_of_week" json:"daysOfWeek"`
	Ends       EndMode   `msgpack:"ends" json:"ends"`
	Count      int       `msgpack:"count" json:"count"`
	// EndDate yyyy-MM-dd
	EndDate string `msgpack:"end_date" json:"endDate"`

	MonthlyMode    RepeatMode `msgpack:"monthly_mode" json:"monthlyMode"`
	MonthlyDay     int        `msgpack:"monthly_day" json:"monthlyDay"`
	MonthlyWeek    int        `msgpack:"monthly_week" json:"monthlyWeek"`
	MonthlyWeekday string     `msgpack:"monthly_weekday" json:"monthlyWeekday"`

	YearlyMode    RepeatMode `msgpack:"yearly_mode" json:"yearlyMode"`
	YearlyMonth   int        `msgpack:"yearly_month" json:"yearlyMonth"`
	YearlyDay     int        `msgpack:"yearly_day" json:"yearlyDay"`
	YearlyWeek    int        `msgpack:"yearly_week" json:"yearlyWeek"`
	YearlyWeekday string     `msgpack:"yearly_weekday" json:"yearlyWeekday"`

	Summary string `msgpack:"summary" json:"summary,omitempty"`
}

// Clone 曜日スライスを複製したコピーを返す
func (s RecurrenceState) Clone() RecurrenceState {
	out := s
	if s.DaysOfWeek != nil {
		out.DaysOfWeek = append([]string(nil), s.DaysOfWeek...)
	}
	return out
}

// Occurrence 展開された繰り返しインスタンスの時間枠
type Occurrence struct {
	Start time.Time
	End   time.Time
}
