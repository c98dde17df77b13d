package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
)

// SSMParameterGetter Parameter Storeの読み取りに必要な操作
type SSMParameterGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Config アプリケーション設定構造体
type Config struct {
	// Google Calendar設定
	GoogleCredentials string
	CalendarIDs       []string
	ViewerEmails      []string

	// LINE API設定
	LineChannelAccessToken string
	LineUserID             string

	// その他設定
	UserID      string
	LogLevel    string
	Timezone    string
	MetricsAddr string

	// Engine 同期エンジンの調整値
	Engine Tuning

	// AWS関連（本番環境でのみ使用）
	ssmClient SSMParameterGetter
}

// Load 環境に応じて設定を読み込み
func Load() (*Config, error) {
	var (
		cfg *Config
		err error
	)
	// AWS Lambda環境かどうか判定
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		cfg, err = loadAWSConfig()
	} else {
		cfg, err = loadLocalConfig()
	}
	if err != nil {
		return nil, err
	}

	tuning, err := LoadTuning(os.Getenv("ENGINE_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	if tuning.CachePath == "" {
		tuning.CachePath = defaultCachePath()
	}
	cfg.Engine = *tuning
	return cfg, nil
}

// loadLocalConfig ローカル開発環境用の設定読み込み
func loadLocalConfig() (*Config, error) {
	// .envファイルを読み込み（存在する場合のみ）
	if err := godotenv.Load(); err != nil {
		slog.Warn(".envファイルが見つかりません", "error", err)
	}

	cfg := baseConfig()
	cfg.GoogleCredentials = getEnvOrDefault("GOOGLE_CREDENTIALS", "")
	cfg.LineChannelAccessToken = getEnvOrDefault("LINE_CHANNEL_ACCESS_TOKEN", "")
	cfg.LineUserID = getEnvOrDefault("LINE_USER_ID", "")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", "")

	// 必須設定項目の確認
	if cfg.GoogleCredentials == "" {
		return nil, fmt.Errorf("GOOGLE_CREDENTIALS環境変数が設定されていません")
	}
	if cfg.LineChannelAccessToken == "" {
		return nil, fmt.Errorf("LINE_CHANNEL_ACCESS_TOKEN環境変数が設定されていません")
	}
	if cfg.LineUserID == "" {
		return nil, fmt.Errorf("LINE_USER_ID環境変数が設定されていません")
	}

	return cfg, nil
}

// loadAWSConfig AWS Lambda環境用の設定読み込み
func loadAWSConfig() (*Config, error) {
	awsConfig, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		return nil, fmt.Errorf("AWS設定の読み込みに失敗しました: %w", err)
	}

	cfg := baseConfig()
	cfg.ssmClient = ssm.NewFromConfig(awsConfig)

	// Parameter Storeから機密情報を取得
	if err := cfg.loadFromParameterStore(); err != nil {
		return nil, fmt.Errorf("Parameter Storeからの設定読み込みに失敗しました: %w", err)
	}

	return cfg, nil
}

func baseConfig() *Config {
	return &Config{
		CalendarIDs:  splitList(getEnvOrDefault("CALENDAR_ID", "primary")),
		ViewerEmails: splitList(getEnvOrDefault("VIEWER_EMAILS", "")),
		UserID:       getEnvOrDefault("ENGINE_USER_ID", "default"),
		LogLevel:     getEnvOrDefault("LOG_LEVEL", "INFO"),
		Timezone:     getEnvOrDefault("TIMEZONE", "Asia/Tokyo"),
	}
}

// loadFromParameterStore Parameter Storeから機密情報を読み込み
func (c *Config) loadFromParameterStore() error {
	ctx := context.TODO()

	googleCreds, err := c.getParameter(ctx, getEnvOrDefault("SSM_GOOGLE_CREDS_PARAM", "/calendar-sync-engine/google-creds"), true)
	if err != nil {
		return fmt.Errorf("Google認証情報の取得に失敗しました: %w", err)
	}
	c.GoogleCredentials = googleCreds

	lineToken, err := c.getParameter(ctx, getEnvOrDefault("SSM_LINE_TOKEN_PARAM", "/calendar-sync-engine/line-channel-access-token"), true)
	if err != nil {
		return fmt.Errorf("LINE Channel Access Tokenの取得に失敗しました: %w", err)
	}
	c.LineChannelAccessToken = lineToken

	lineUser, err := c.getParameter(ctx, getEnvOrDefault("SSM_LINE_USER_ID_PARAM", "/calendar-sync-engine/line-user-id"), true)
	if err != nil {
		return fmt.Errorf("LINE User IDの取得に失敗しました: %w", err)
	}
	c.LineUserID = lineUser

	// カレンダーIDは環境変数の値で代替できる
	calendarIDs, err := c.getParameter(ctx, getEnvOrDefault("SSM_CALENDAR_ID_PARAM", "/calendar-sync-engine/calendar-id"), false)
	if err != nil {
		slog.Warn("カレンダーIDのパラメータを取得できませんでした", "error", err)
	} else {
		c.CalendarIDs = splitList(calendarIDs)
	}

	return nil
}

// getParameter Parameter Storeから指定されたパラメータを取得
func (c *Config) getParameter(ctx context.Context, paramName string, withDecryption bool) (string, error) {
	input := &ssm.GetParameterInput{
		Name:           aws.String(paramName),
		WithDecryption: aws.Bool(withDecryption),
	}

	result, err := c.ssmClient.GetParameter(ctx, input)
	if err != nil {
		return "", fmt.Errorf("パラメータ %s の取得に失敗しました: %w", paramName, err)
	}

	if result.Parameter == nil || result.Parameter.Value == nil || *result.Parameter.Value == "" {
		return "", fmt.Errorf("パラメータ %s は空の値です", paramName)
	}

	return *result.Parameter.Value, nil
}

// GetGoogleCredentialsJSON Google認証情報をJSONとして解析
func (c *Config) GetGoogleCredentialsJSON() (map[string]interface{}, error) {
	var credentials map[string]interface{}
	if err := json.Unmarshal([]byte(c.GoogleCredentials), &credentials); err != nil {
		return nil, fmt.Errorf("Google認証情報のJSON解析に失敗しました: %w", err)
	}
	return credentials, nil
}

// Location タイムゾーンを読み込む
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("タイムゾーン %s の読み込みに失敗しました: %w", c.Timezone, err)
	}
	return loc, nil
}

func defaultCachePath() string {
	// Lambdaで書き込めるのは /tmp のみ
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		return "/tmp/calsync.db"
	}
	return "calsync.db"
}

// splitList カンマ区切りの値を分割する
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvOrDefault 環境変数を取得し、存在しない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}
