package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const taskTimeout = 2 * time.Minute

// OverrideFlusher 時刻オーバーライドの永続化
type OverrideFlusher interface {
	Flush(ctx context.Context) (int, error)
}

// Syncer 同期エンジンの定期処理
type Syncer interface {
	SweepPendingSync() int
	Refresh(ctx context.Context) error
}

// Schedules cron形式の実行間隔
type Schedules struct {
	Flush   string
	Sweep   string
	Refresh string
}

// Scheduler バックグラウンド処理を定期実行する
type Scheduler struct {
	cron    *cron.Cron
	flusher OverrideFlusher
	syncer  Syncer
	logger  *slog.Logger
}

// New スケジューラを作成。空のスケジュールは登録しない
func New(schedules Schedules, flusher OverrideFlusher, syncer Syncer) (*Scheduler, error) {
	logger := slog.Default().With("component", "scheduler")
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		), cron.WithLogger(cl)),
		flusher: flusher,
		syncer:  syncer,
		logger:  logger,
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"flush", schedules.Flush, s.RunFlush},
		{"sweep", schedules.Sweep, s.RunSweep},
		{"refresh", schedules.Refresh, s.RunRefresh},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return nil, fmt.Errorf("%s のスケジュール登録に失敗しました: %w", job.name, err)
		}
	}
	return s, nil
}

// Start 定期実行を開始
func (s *Scheduler) Start() { s.cron.Start() }

// Stop 新規実行を止め、実行中の処理の完了を待つ
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("実行中の処理を待たずに停止しました")
	}
}

// Jobs 登録済みの処理数
func (s *Scheduler) Jobs() int { return len(s.cron.Entries()) }

// RunFlush 未永続化のオーバーライドを書き出す
func (s *Scheduler) RunFlush(ctx context.Context) {
	if s.flusher == nil {
		return
	}
	n, err := s.flusher.Flush(ctx)
	if err != nil {
		s.logger.Warn("オーバーライドの永続化に失敗しました", "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("オーバーライドを永続化しました", "count", n)
	}
}

// RunSweep 期限切れの同期待ちを解除する
func (s *Scheduler) RunSweep(_ context.Context) {
	if s.syncer == nil {
		return
	}
	if n := s.syncer.SweepPendingSync(); n > 0 {
		s.logger.Debug("同期待ちを解除しました", "count", n)
	}
}

// RunRefresh 読み込み済み範囲を再取得する
func (s *Scheduler) RunRefresh(ctx context.Context) {
	if s.syncer == nil {
		return
	}
	if err := s.syncer.Refresh(ctx); err != nil {
		s.logger.Warn("定期再取得に失敗しました", "error", err)
	}
}

// cronLogger cron のログを slog に流す
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
