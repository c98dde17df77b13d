package domain

// EditScope 繰り返し予定の編集範囲
type EditScope string

const (
	// EditSingle 対象のインスタンスのみ
	EditSingle EditScope = "single"
	// EditFuture 対象以降のインスタンス
	EditFuture EditScope = "future"
	// EditAll シリーズ全体
	EditAll EditScope = "all"
)

// Valid 既知の範囲かどうか
func (s EditScope) Valid() bool {
	switch s {
	case EditSingle, EditFuture, EditAll:
		return true
	}
	return false
}

// DeleteScope 削除範囲
type DeleteScope string

const (
	DeleteSingle DeleteScope = "single"
	DeleteSeries DeleteScope = "series"
)

// 出欠の回答として受け付ける値
const (
	ResponseAccepted  = "accepted"
	ResponseDeclined  = "declined"
	ResponseTentative = "tentative"
)
