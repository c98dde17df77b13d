package domain

import "time"

// TimeOverride サーバー未反映のローカル時刻変更
type TimeOverride struct {
	Start     time.Time `msgpack:"start"`
	End       time.Time `msgpack:"end"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// Matches 開始・終了が許容誤差内で一致するか
func (o TimeOverride) Matches(start, end time.Time, tolerance time.Duration) bool {
	return within(o.Start, start, tolerance) && within(o.End, end, tolerance)
}

// OverrideChange 永続化用の変更。Override が nil の場合は削除
type OverrideChange struct {
	EventID  string
	Override *TimeOverride
}

func within(a, b time.Time, tolerance time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
