package snapshot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/k-negishi/calendar-sync-engine/internal/domain"
)

const (
	// SchemaVersion スナップショット形式のバージョン
	SchemaVersion = 3
	// DefaultCapacity 保持するスナップショットの上限
	DefaultCapacity = 64
)

// Key スナップショットのキー
type Key struct {
	UserID string
	View   string
	Start  time.Time
	End    time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%d|%d", k.UserID, k.View, k.Start.Unix(), k.End.Unix())
}

func (k Key) covers(t time.Time) bool {
	return !t.Before(k.Start) && !t.After(k.End)
}

type entry struct {
	key     Key
	payload []byte
}

type payload struct {
	Version int            `msgpack:"v"`
	SavedAt time.Time      `msgpack:"saved_at"`
	Events  []domain.Event `msgpack:"events"`
}

// Store (ユーザー, 表示単位, 期間) ごとのイベント一覧を保持するセッション内キャッシュ
type Store struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, entry]
	version int
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore スナップショットストアを作成
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[string, entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("スナップショットキャッシュの作成に失敗しました: %w", err)
	}
	return &Store{
		cache:   cache,
		version: SchemaVersion,
		now:     time.Now,
		logger:  slog.With("component", "snapshot"),
	}, nil
}

// Put イベント一覧を保存
func (s *Store) Put(key Key, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, events)
}

// Get 保存済みのイベント一覧を取得。バージョン不一致は破棄する
func (s *Store) Get(key Key) ([]domain.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.cache.Get(s.cacheKey(key))
	if !ok {
		return nil, false
	}
	p, err := decode(e.payload)
	if err != nil || p.Version != s.version {
		s.cache.Remove(s.cacheKey(key))
		return nil, false
	}
	return p.Events, true
}

// UpsertEvent 期間がイベントを含むユーザーの全スナップショットを更新
func (s *Store) UpsertEvent(userID string, ev domain.Event) {
	s.patch(userID, func(k Key, events []domain.Event) ([]domain.Event, bool) {
		out := make([]domain.Event, 0, len(events)+1)
		for _, cur := range events {
			if cur.ID != ev.ID {
				out = append(out, cur)
			}
		}
		if k.covers(ev.StartTime) {
			out = append(out, ev)
		}
		return out, true
	})
}

// RemoveEvent ユーザーの全スナップショットからIDを取り除く
func (s *Store) RemoveEvent(userID string, ids ...string) {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	s.patch(userID, func(_ Key, events []domain.Event) ([]domain.Event, bool) {
		out := events[:0]
		changed := false
		for _, cur := range events {
			if drop[cur.ID] {
				changed = true
				continue
			}
			out = append(out, cur)
		}
		return out, changed
	})
}

// ReplaceID 一時IDのイベントを確定イベントに置き換える
func (s *Store) ReplaceID(userID, oldID string, ev domain.Event) {
	s.patch(userID, func(_ Key, events []domain.Event) ([]domain.Event, bool) {
		changed := false
		for i, cur := range events {
			if cur.ID == oldID {
				events[i] = ev
				changed = true
			}
		}
		return events, changed
	})
}

// InvalidateUser ユーザーのスナップショットを全て破棄
func (s *Store) InvalidateUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.cache.Keys() {
		if e, ok := s.cache.Peek(k); ok && e.key.UserID == userID {
			s.cache.Remove(k)
		}
	}
}

// SetVersion スキーマバージョンを変更し、全スナップショットを破棄
func (s *Store) SetVersion(version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if version == s.version {
		return
	}
	s.version = version
	s.cache.Purge()
}

// Len 保持件数
func (s *Store) Len() int {
	return s.cache.Len()
}

func (s *Store) patch(userID string, fn func(Key, []domain.Event) ([]domain.Event, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.cache.Keys() {
		e, ok := s.cache.Peek(k)
		if !ok || e.key.UserID != userID {
			continue
		}
		p, err := decode(e.payload)
		if err != nil || p.Version != s.version {
			s.cache.Remove(k)
			continue
		}
		events, changed := fn(e.key, p.Events)
		if !changed {
			continue
		}
		if err := s.putLocked(e.key, events); err != nil {
			s.logger.Warn("スナップショットの更新に失敗しました", "key", k, "error", err)
			s.cache.Remove(k)
		}
	}
}

func (s *Store) putLocked(key Key, events []domain.Event) error {
	b, err := msgpack.Marshal(payload{Version: s.version, SavedAt: s.now(), Events: events})
	if err != nil {
		return fmt.Errorf("スナップショットのエンコードに失敗しました: %w", err)
	}
	s.cache.Add(s.cacheKey(key), entry{key: key, payload: b})
	return nil
}

func (s *Store) cacheKey(key Key) string {
	return fmt.Sprintf("v%d|%s", s.version, key)
}

func decode(b []byte) (payload, error) {
	var p payload
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return payload{}, fmt.Errorf("スナップショットのデコードに失敗しました: %w", err)
	}
	return p, nil
}
