package google

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"

	"google.golang.org/api/googleapi"

	"github.com/hitoshi/calrelay/internal/model"
)

// transientReasons は403でも再試行で回復するエラー理由。
var transientReasons = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"backendError":          true,
}

// Classify はGoogle APIのエラーを一時エラーと恒久エラーに分類する。
// nilの場合はnilを返す。
//
//   - 429、5xx、403のレート制限系理由、タイムアウト、ネットワークエラー: 一時エラー
//   - 400、401、403（その他）、404、410: 恒久エラー
func Classify(err error, op, calendarID string) error {
	if err == nil {
		return nil
	}

	var perr *model.ProviderError
	if errors.As(err, &perr) {
		return err
	}

	return &model.ProviderError{
		Kind:     classifyKind(err),
		Op:       op,
		Calendar: calendarID,
		Err:      err,
	}
}

func classifyKind(err error) model.ErrorKind {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			return model.KindTransient
		case gerr.Code >= 500:
			return model.KindTransient
		case gerr.Code == http.StatusForbidden:
			for _, item := range gerr.Errors {
				if transientReasons[item.Reason] {
					return model.KindTransient
				}
			}
			return model.KindPermanent
		default:
			return model.KindPermanent
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return model.KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.KindTransient
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.KindTransient
	}

	// 分類できないエラーは再試行の対象とする
	return model.KindTransient
}

// IsNotFound はリソースが存在しない（404/410）エラーかを返す。
func IsNotFound(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
	}
	return false
}

// IsSyncTokenExpired は同期トークンの失効（410 Gone）かを返す。
// 呼び出し側はトークンを破棄して全件同期をやり直す。
func IsSyncTokenExpired(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusGone
	}
	return false
}

// IsRateLimited はレート制限による拒否かを返す。
func IsRateLimited(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	if gerr.Code == http.StatusForbidden {
		for _, item := range gerr.Errors {
			if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
				return true
			}
		}
	}
	return false
}
