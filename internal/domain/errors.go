package domain

import (
	"errors"
	"strings"
)

var (
	// ErrNetwork バックエンドへのリクエスト失敗
	ErrNetwork = errors.New("バックエンドとの通信に失敗しました")
	// ErrPermissionDenied 主催者以外による変更の拒否
	ErrPermissionDenied = errors.New("この予定を変更する権限がありません")
	// ErrNotFound バックエンドにイベントが存在しない
	ErrNotFound = errors.New("イベントが見つかりません")
	// ErrInvalidEvent 入力イベントが不正
	ErrInvalidEvent = errors.New("イベントの内容が不正です")
	// ErrUnknownEvent ローカル状態にイベントが存在しない
	ErrUnknownEvent = errors.New("ローカルにイベントが存在しません")
)

// IsPermissionError 権限エラーかどうか判定
func IsPermissionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "forbiddenForNonOrganizer") ||
		strings.Contains(msg, "Shared properties can only be changed")
}

// IsNotFoundError 削除済み・存在しないエラーかどうか判定
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "deleted")
}
