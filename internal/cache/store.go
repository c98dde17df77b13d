package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

// SchemaVersion 保存形式のバージョン。異なるレコードは読み捨てる
const SchemaVersion = 3

// Record ユーザーごとの保存済みイベント一式
type Record struct {
	Events  []domain.Event
	SavedAt time.Time
	Version int
}

// Store sqliteを使ったローカル永続キャッシュ
type Store struct {
	raw *sql.DB
	db  *bun.DB
	now func() time.Time
}

// Open データベースを開き、テーブルを作成する
func Open(ctx context.Context, path string) (*Store, error) {
	raw, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("キャッシュDBのオープンに失敗しました: %w", err)
	}
	// 書き込みは1本の接続に直列化する
	raw.SetMaxOpenConns(1)
	raw.SetMaxIdleConns(1)

	s := &Store{
		raw: raw,
		db:  bun.NewDB(raw, sqlitedialect.New()),
		now: time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("キャッシュDBの初期化に失敗しました: %w", err)
	}
	return s, nil
}

// Close データベースを閉じる
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*cachedEvent)(nil)).
		Index("idx_cached_events_start").
		IfNotExists().
		Column("user_id", "start_unix").
		Exec(ctx)
	return err
}

// LoadEvents 保存済みのイベント一式を読み込む。存在しない場合は空のRecord
func (s *Store) LoadEvents(ctx context.Context, userID string) (Record, error) {
	var meta cacheMeta
	err := s.db.NewSelect().Model(&meta).Where("user_id = ?", userID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("キャッシュメタ情報の読み込みに失敗しました: %w", err)
	}
	if meta.Version != SchemaVersion {
		return Record{Version: meta.Version}, nil
	}

	var rows []cachedEvent
	if err := s.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Order("start_unix ASC").
		Scan(ctx); err != nil {
		return Record{}, fmt.Errorf("キャッシュイベントの読み込みに失敗しました: %w", err)
	}

	events := make([]domain.Event, 0, len(rows))
	for _, row := range rows {
		var ev domain.Event
		if err := msgpack.Unmarshal(row.Payload, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return Record{
		Events:  events,
		SavedAt: time.UnixMilli(meta.SavedAt),
		Version: meta.Version,
	}, nil
}

// ReplaceEvents ユーザーのイベントを丸ごと置き換える
func (s *Store) ReplaceEvents(ctx context.Context, userID string, events []domain.Event) error {
	rows, err := s.toRows(userID, events)
	if err != nil {
		return err
	}
	return retryOp(defaultRetryConfig, func() error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewDelete().
				Model((*cachedEvent)(nil)).
				Where("user_id = ?", userID).
				Exec(ctx); err != nil {
				return err
			}
			if len(rows) > 0 {
				if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
					return err
				}
			}
			return s.touchMeta(ctx, tx, userID)
		})
	})
}

// UpsertEvents イベントを追加・更新する
func (s *Store) UpsertEvents(ctx context.Context, userID string, events []domain.Event) error {
	rows, err := s.toRows(userID, events)
	if err != nil || len(rows) == 0 {
		return err
	}
	return retryOp(defaultRetryConfig, func() error {
		return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewInsert().
				Model(&rows).
				On("CONFLICT (user_id, event_id) DO UPDATE").
				Set("start_unix = EXCLUDED.start_unix").
				Set("payload = EXCLUDED.payload").
				Set("updated_at = EXCLUDED.updated_at").
				Exec(ctx); err != nil {
				return err
			}
			return s.touchMeta(ctx, tx, userID)
		})
	})
}

// RemoveEvents IDを指定して削除する
func (s *Store) RemoveEvents(ctx context.Context, userID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return retryOp(defaultRetryConfig, func() error {
		_, err := s.db.NewDelete().
			Model((*cachedEvent)(nil)).
			Where("user_id = ?", userID).
			Where("event_id IN (?)", bun.In(ids)).
			Exec(ctx)
		return err
	})
}

func (s *Store) touchMeta(ctx context.Context, db bun.IDB, userID string) error {
	meta := cacheMeta{UserID: userID, SavedAt: s.now().UnixMilli(), Version: SchemaVersion}
	_, err := db.NewInsert().
		Model(&meta).
		On("CONFLICT (user_id) DO UPDATE").
		Set("saved_at = EXCLUDED.saved_at").
		Set("version = EXCLUDED.version").
		Exec(ctx)
	return err
}

func (s *Store) toRows(userID string, events []domain.Event) ([]cachedEvent, error) {
	now := s.now().UnixMilli()
	rows := make([]cachedEvent, 0, len(events))
	pos := make(map[string]int, len(events))
	for _, ev := range events {
		b, err := msgpack.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("イベント %s のエンコードに失敗しました: %w", ev.ID, err)
		}
		row := cachedEvent{
			UserID:    userID,
			EventID:   ev.ID,
			StartUnix: ev.StartTime.Unix(),
			Payload:   b,
			UpdatedAt: now,
		}
		// 同じIDは後勝ち
		if i, ok := pos[ev.ID]; ok {
			rows[i] = row
			continue
		}
		pos[ev.ID] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}
