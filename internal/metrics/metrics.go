package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentFetches 取得したセグメント数 (result=ok|error)
	SegmentFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_segment_fetches_total",
		Help: "Number of range segments fetched from the calendar backend",
	}, []string{"result"})

	// FetchSkips 読み込み済みのため通信を省略した回数
	FetchSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_fetch_skips_total",
		Help: "Number of range fetches skipped because every month was already loaded",
	})

	// Mutations 変更操作の結果 (op=create|update|delete|respond, result=ok|rollback)
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calsync_mutations_total",
		Help: "Number of event mutations by operation and outcome",
	}, []string{"op", "result"})

	// PermissionBounces 権限エラーで元に戻した回数
	PermissionBounces = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_permission_bounces_total",
		Help: "Number of edits reverted because the viewer is not the organizer",
	})

	// CacheWriteFailures ローカルキャッシュへの書き込み失敗回数
	CacheWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_cache_write_failures_total",
		Help: "Number of failed or dropped durable cache writes",
	})

	// PendingSyncExpired 取得で観測されずにTTL切れとなった同期待ちイベント数
	PendingSyncExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calsync_pending_sync_expired_total",
		Help: "Number of pending-sync markers dropped by the TTL sweep",
	})

	// LoadedEvents メモリ上のイベント数
	LoadedEvents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calsync_loaded_events",
		Help: "Number of events currently held in memory",
	})
)
