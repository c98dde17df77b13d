package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/cache"
	"github.com/k-negishi/calendar-sync-engine/internal/config"
	"github.com/k-negishi/calendar-sync-engine/internal/engine"
	"github.com/k-negishi/calendar-sync-engine/internal/gateway"
	"github.com/k-negishi/calendar-sync-engine/internal/logging"
	"github.com/k-negishi/calendar-sync-engine/internal/override"
	"github.com/k-negishi/calendar-sync-engine/internal/scheduler"
	"github.com/k-negishi/calendar-sync-engine/internal/snapshot"
	"github.com/k-negishi/calendar-sync-engine/internal/usecase"
	"github.com/k-negishi/calendar-sync-engine/internal/wire"
)

const shutdownTimeout = 15 * time.Second

// LambdaEvent Lambda実行時のイベント構造体
type LambdaEvent struct {
	// EventBridge Schedulerからの実行なので特に使用しない
}

// LambdaResponse Lambda実行結果のレスポンス
type LambdaResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// runtime 1回の実行で使うコンポーネント一式
type runtime struct {
	location *time.Location
	store    *cache.Store
	writer   *cache.Writer
	ledger   *override.Ledger
	engine   *engine.Engine
	notifier *gateway.LINENotifier
	alerts   *usecase.AlertForwarder
	detach   func()
}

func newRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	backend, err := gateway.NewGoogleCalendarRepository(ctx, []byte(cfg.GoogleCredentials), cfg.CalendarIDs, loc)
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(ctx, cfg.Engine.CachePath)
	if err != nil {
		return nil, err
	}
	snapshots, err := snapshot.NewStore(cfg.Engine.SnapshotCapacity)
	if err != nil {
		store.Close()
		return nil, err
	}

	userState := store.ForUser(cfg.UserID)
	ledger := override.NewLedger(userState, override.WithTolerance(cfg.Engine.OverrideTolerance))
	writer := cache.NewWriter(store, cfg.UserID, cache.DefaultQueueSize)
	b := bus.New()
	notifier := gateway.NewLINENotifier(cfg.LineChannelAccessToken, cfg.LineUserID, loc)

	eng := engine.New(engine.Config{
		UserID:           cfg.UserID,
		Location:         loc,
		PastMonths:       cfg.Engine.PastMonths,
		FutureMonths:     cfg.Engine.FutureMonths,
		MaxSegmentMonths: cfg.Engine.SegmentMonths,
		PendingSyncTTL:   cfg.Engine.PendingSyncTTL,
		EnsureCooldown:   cfg.Engine.EnsureCooldown,
		CacheMaxAge:      cfg.Engine.CacheMaxAge,
	}, engine.Deps{
		Backend:   backend,
		Mapper:    wire.Mapper{Location: loc, ViewerEmails: cfg.ViewerEmails},
		Cache:     writer,
		Snapshots: snapshots,
		Overrides: ledger,
		UserState: userState,
		Bus:       b,
	})

	alerts := usecase.NewAlertForwarder(notifier)
	return &runtime{
		location: loc,
		store:    store,
		writer:   writer,
		ledger:   ledger,
		engine:   eng,
		notifier: notifier,
		alerts:   alerts,
		detach:   alerts.Attach(b),
	}, nil
}

// close 削除キューとキャッシュ書き込みを処理し切ってから閉じる
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	rt.engine.Close()
	rt.detach()
	rt.alerts.Close()
	if _, err := rt.ledger.Flush(ctx); err != nil {
		slog.Warn("オーバーライドの永続化に失敗しました", "error", err)
	}
	if err := rt.writer.Flush(ctx); err != nil {
		slog.Warn("キャッシュの書き込み待ちに失敗しました", "error", err)
	}
	rt.writer.Close()
	if err := rt.store.Close(); err != nil {
		slog.Warn("キャッシュDBのクローズに失敗しました", "error", err)
	}
}

// digest キャッシュから復元し、今日と明日の予定を通知する
func (rt *runtime) digest(ctx context.Context) (LambdaResponse, error) {
	if err := rt.engine.Hydrate(ctx); err != nil {
		slog.Warn("キャッシュからの復元に失敗しました", "error", err)
	}

	now := time.Now().In(rt.location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, rt.location)
	tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, rt.location)

	uc := usecase.NewNotifyScheduleUseCase(rt.engine, rt.notifier)
	skipped, err := uc.Execute(ctx, today, tomorrow)
	if err != nil {
		return LambdaResponse{StatusCode: 500, Message: "予定通知エラー"}, err
	}
	if skipped {
		return LambdaResponse{StatusCode: 200, Message: "予定なしのため通知スキップ"}, nil
	}
	return LambdaResponse{StatusCode: 200, Message: "通知送信完了"}, nil
}

// handler Lambda関数のメインハンドラー
func handler(ctx context.Context, _ LambdaEvent) (LambdaResponse, error) {
	cfg, err := config.Load()
	if err != nil {
		return LambdaResponse{StatusCode: 500, Message: "設定読み込みエラー"}, err
	}
	logging.Setup(cfg.LogLevel)

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return LambdaResponse{StatusCode: 500, Message: "初期化エラー"}, err
	}
	defer rt.close()

	return rt.digest(ctx)
}

// runLocal 通知を1回送り、METRICS_ADDR があれば常駐して定期同期を続ける
func runLocal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel)

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	resp, err := rt.digest(ctx)
	if err != nil {
		return err
	}
	slog.Info(resp.Message)
	if cfg.MetricsAddr == "" {
		return nil
	}

	sched, err := scheduler.New(scheduler.Schedules{
		Flush:   cfg.Engine.FlushSchedule,
		Sweep:   cfg.Engine.SweepSchedule,
		Refresh: cfg.Engine.RefreshSchedule,
	}, rt.ledger, rt.engine)
	if err != nil {
		return err
	}
	sched.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("メトリクスサーバーが停止しました", "error", err)
			stop()
		}
	}()
	slog.Info("常駐モードで起動しました", "metrics", cfg.MetricsAddr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sched.Stop(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}

func main() {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(handler)
		return
	}
	if err := runLocal(); err != nil {
		slog.Error("実行に失敗しました", "error", err)
		os.Exit(1)
	}
}
