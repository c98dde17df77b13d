package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Tuning 同期エンジンの調整値。ENGINE_CONFIG_FILE のYAMLで上書きできる
type Tuning struct {
	// PastMonths / FutureMonths 表示範囲の前後に読み込む月数
	PastMonths   int `yaml:"past_months"`
	FutureMonths int `yaml:"future_months"`
	// SegmentMonths 1回の取得で扱う最大月数
	SegmentMonths int `yaml:"segment_months"`

	PendingSyncTTL    time.Duration `yaml:"pending_sync_ttl"`
	OverrideTolerance time.Duration `yaml:"override_tolerance"`
	EnsureCooldown    time.Duration `yaml:"ensure_cooldown"`
	CacheMaxAge       time.Duration `yaml:"cache_max_age"`

	// cron形式のスケジュール
	FlushSchedule   string `yaml:"flush_schedule"`
	SweepSchedule   string `yaml:"sweep_schedule"`
	RefreshSchedule string `yaml:"refresh_schedule"`

	CachePath        string `yaml:"cache_path"`
	SnapshotCapacity int    `yaml:"snapshot_capacity"`
}

// DefaultTuning 既定の調整値
func DefaultTuning() *Tuning {
	return &Tuning{
		PastMonths:        24,
		FutureMonths:      24,
		SegmentMonths:     18,
		PendingSyncTTL:    60 * time.Second,
		OverrideTolerance: 60 * time.Second,
		EnsureCooldown:    10 * time.Second,
		CacheMaxAge:       24 * time.Hour,
		FlushSchedule:     "@every 5s",
		SweepSchedule:     "@every 30s",
		RefreshSchedule:   "*/15 * * * *",
		SnapshotCapacity:  32,
	}
}

// Normalize 未設定・不正な値を既定値で埋める
func (t *Tuning) Normalize() {
	d := DefaultTuning()
	if t.PastMonths < 0 {
		t.PastMonths = d.PastMonths
	}
	if t.FutureMonths < 0 {
		t.FutureMonths = d.FutureMonths
	}
	if t.SegmentMonths <= 0 {
		t.SegmentMonths = d.SegmentMonths
	}
	if t.PendingSyncTTL <= 0 {
		t.PendingSyncTTL = d.PendingSyncTTL
	}
	if t.OverrideTolerance <= 0 {
		t.OverrideTolerance = d.OverrideTolerance
	}
	if t.EnsureCooldown < 0 {
		t.EnsureCooldown = d.EnsureCooldown
	}
	if t.CacheMaxAge <= 0 {
		t.CacheMaxAge = d.CacheMaxAge
	}
	if t.FlushSchedule == "" {
		t.FlushSchedule = d.FlushSchedule
	}
	if t.SweepSchedule == "" {
		t.SweepSchedule = d.SweepSchedule
	}
	if t.RefreshSchedule == "" {
		t.RefreshSchedule = d.RefreshSchedule
	}
	if t.SnapshotCapacity <= 0 {
		t.SnapshotCapacity = d.SnapshotCapacity
	}
}

// Validate スケジュールの書式を検証する
func (t *Tuning) Validate() error {
	for name, spec := range map[string]string{
		"flush_schedule":   t.FlushSchedule,
		"sweep_schedule":   t.SweepSchedule,
		"refresh_schedule": t.RefreshSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s の書式が不正です (%q): %w", name, spec, err)
		}
	}
	return nil
}

// LoadTuning YAMLファイルから調整値を読み込む。パスが空かファイルがなければ既定値を返す
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return t, nil
		}
		return nil, fmt.Errorf("エンジン設定ファイルの読み込みに失敗しました: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("エンジン設定ファイルの解析に失敗しました: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}
