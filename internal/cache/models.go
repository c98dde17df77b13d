package cache

import "github.com/uptrace/bun"

// cachedEvent 最後に取得したイベント1件 (msgpack)
type cachedEvent struct {
	bun.BaseModel `bun:"table:cached_events"`

	UserID    string `bun:"user_id,pk"`
	EventID   string `bun:"event_id,pk"`
	StartUnix int64  `bun:"start_unix,notnull"`
	Payload   []byte `bun:"payload,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

// cacheMeta ユーザーごとの保存時刻とスキーマバージョン
type cacheMeta struct {
	bun.BaseModel `bun:"table:cache_meta"`

	UserID  string `bun:"user_id,pk"`
	SavedAt int64  `bun:"saved_at,notnull"`
	Version int    `bun:"version,notnull"`
}

// eventOverride 時刻オーバーライド (ミリ秒)
type eventOverride struct {
	bun.BaseModel `bun:"table:event_overrides"`

	UserID    string `bun:"user_id,pk"`
	EventID   string `bun:"event_id,pk"`
	StartMs   int64  `bun:"start_ms,notnull"`
	EndMs     int64  `bun:"end_ms,notnull"`
	UpdatedAt int64  `bun:"updated_at,notnull"`
}

// eventState イベントごとのユーザー状態 (チェック済みなど)
type eventState struct {
	bun.BaseModel `bun:"table:event_states"`

	UserID  string `bun:"user_id,pk"`
	EventID string `bun:"event_id,pk"`
	Checked bool   `bun:"checked,notnull"`
}

// todoLink ToDoとイベントの紐付け
type todoLink struct {
	bun.BaseModel `bun:"table:todo_links"`

	UserID  string `bun:"user_id,pk"`
	TodoID  string `bun:"todo_id,pk"`
	EventID string `bun:"event_id,notnull"`
}

var models = []interface{}{
	(*cachedEvent)(nil),
	(*cacheMeta)(nil),
	(*eventOverride)(nil),
	(*eventState)(nil),
	(*todoLink)(nil),
}
