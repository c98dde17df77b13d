package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// UserState 1ユーザー分のユーザー状態 (オーバーライド・チェック・ToDo紐付け) の永続化
type UserState struct {
	store  *Store
	userID string
}

// ForUser ユーザー単位のビューを返す
func (s *Store) ForUser(userID string) *UserState {
	return &UserState{store: s, userID: userID}
}

// PersistOverrides 時刻オーバーライドの変更をまとめて反映する
func (u *UserState) PersistOverrides(ctx context.Context, changes []domain.OverrideChange) error {
	if len(changes) == 0 {
		return nil
	}
	var upserts []eventOverride
	var deletes []string
	for _, c := range changes {
		if c.Override == nil {
			deletes = append(deletes, c.EventID)
			continue
		}
		upserts = append(upserts, eventOverride{
			UserID:    u.userID,
			EventID:   c.EventID,
			StartMs:   c.Override.Start.UnixMilli(),
			EndMs:     c.Override.End.UnixMilli(),
			UpdatedAt: c.Override.UpdatedAt.UnixMilli(),
		})
	}

	return retryOp(defaultRetryConfig, func() error {
		return u.store.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if len(deletes) > 0 {
				if _, err := tx.NewDelete().
					Model((*eventOverride)(nil)).
					Where("user_id = ?", u.userID).
					Where("event_id IN (?)", bun.In(deletes)).
					Exec(ctx); err != nil {
					return err
				}
			}
			if len(upserts) > 0 {
				if _, err := tx.NewInsert().
					Model(&upserts).
					On("CONFLICT (user_id, event_id) DO UPDATE").
					Set("start_ms = EXCLUDED.start_ms").
					Set("end_ms = EXCLUDED.end_ms").
					Set("updated_at = EXCLUDED.updated_at").
					Exec(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// LoadOverrides 保存済みの時刻オーバーライドを読み込む
func (u *UserState) LoadOverrides(ctx context.Context, loc *time.Location) (map[string]domain.TimeOverride, error) {
	var rows []eventOverride
	if err := u.store.db.NewSelect().Model(&rows).Where("user_id = ?", u.userID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("時刻オーバーライドの読み込みに失敗しました: %w", err)
	}
	out := make(map[string]domain.TimeOverride, len(rows))
	for _, row := range rows {
		out[row.EventID] = domain.TimeOverride{
			Start:     time.UnixMilli(row.StartMs).In(loc),
			End:       time.UnixMilli(row.EndMs).In(loc),
			UpdatedAt: time.UnixMilli(row.UpdatedAt),
		}
	}
	return out, nil
}

// SetChecked ToDo連携イベントのチェック状態を保存
func (u *UserState) SetChecked(ctx context.Context, eventID string, checked bool) error {
	row := eventState{UserID: u.userID, EventID: eventID, Checked: checked}
	return retryOp(defaultRetryConfig, func() error {
		_, err := u.store.db.NewInsert().
			Model(&row).
			On("CONFLICT (user_id, event_id) DO UPDATE").
			Set("checked = EXCLUDED.checked").
			Exec(ctx)
		return err
	})
}

// LoadChecked チェック済みのイベントIDを読み込む
func (u *UserState) LoadChecked(ctx context.Context) (map[string]bool, error) {
	var rows []eventState
	if err := u.store.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", u.userID).
		Where("checked = ?", true).
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("チェック状態の読み込みに失敗しました: %w", err)
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.EventID] = true
	}
	return out, nil
}

// Link ToDoとイベントを紐付ける。1つのToDoに紐付くイベントは1件のみ
func (u *UserState) Link(ctx context.Context, todoID, eventID string) error {
	row := todoLink{UserID: u.userID, TodoID: todoID, EventID: eventID}
	return retryOp(defaultRetryConfig, func() error {
		_, err := u.store.db.NewInsert().
			Model(&row).
			On("CONFLICT (user_id, todo_id) DO UPDATE").
			Set("event_id = EXCLUDED.event_id").
			Exec(ctx)
		return err
	})
}

// Unlink ToDoID またはイベントIDで紐付けを解除する
func (u *UserState) Unlink(ctx context.Context, id string) error {
	return retryOp(defaultRetryConfig, func() error {
		_, err := u.store.db.NewDelete().
			Model((*todoLink)(nil)).
			Where("user_id = ?", u.userID).
			WhereGroup(" AND ", func(q *bun.DeleteQuery) *bun.DeleteQuery {
				return q.Where("todo_id = ?", id).WhereOr("event_id = ?", id)
			}).
			Exec(ctx)
		return err
	})
}

// LoadLinks ToDoID → イベントID の紐付けを読み込む
func (u *UserState) LoadLinks(ctx context.Context) (map[string]string, error) {
	var rows []todoLink
	if err := u.store.db.NewSelect().Model(&rows).Where("user_id = ?", u.userID).Scan(ctx); err != nil {
		return nil, fmt.Errorf("ToDo紐付けの読み込みに失敗しました: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		out[row.TodoID] = row.EventID
	}
	return out, nil
}
