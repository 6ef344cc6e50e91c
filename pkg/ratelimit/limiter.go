// Package ratelimit はクライアント単位の固定ウィンドウ方式のレート制限を提供する。
//
// クライアントキーごとに、最初のリクエストから始まり設定した期間だけ続く
// クォータウィンドウを持つ。拒否されたリクエストもウィンドウの件数に数えるため、
// 制限中に再試行を繰り返してもウィンドウは早まらない。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultWindow は既定のウィンドウ期間。
	DefaultWindow = 15 * time.Minute
	// DefaultMaxRequests は1ウィンドウあたりに許可する既定のリクエスト数。
	DefaultMaxRequests = 100
)

// ErrRateLimited はerrors.Isで任意の *RateLimitedError に一致する。
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitedError は拒否されたこととウィンドウがリセットされるまでの時間を表す。
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// Is はtargetが ErrRateLimited かどうかを返す。
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// Limiter は時刻nowにおけるkeyからのリクエストを許可するかを判定する。
type Limiter interface {
	Admit(ctx context.Context, key string, now time.Time) (Decision, error)
}

// Decision は1回の判定結果。
type Decision struct {
	// Admitted はクォータ内であればtrue。
	Admitted bool
	// Limit は1ウィンドウあたりの上限。
	Limit int
	// Remaining は現在のウィンドウで残り許可される件数。
	Remaining int
	// Count はこのリクエストを数えた後のウィンドウ内の件数。
	Count int64
	// ResetAfter は現在のウィンドウが終わるまでの時間。
	ResetAfter time.Duration
	// RetryAfter は拒否時のみ設定され、常に正の値になる。
	RetryAfter time.Duration
}

// Err は許可なら nil、拒否なら *RateLimitedError を返す。
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return &RateLimitedError{RetryAfter: d.RetryAfter}
}

// Store はウィンドウ内のキーごとのリクエスト数を数える。
type Store interface {
	// Hit はkeyのリクエストを1件アトミックに数え、加算後の件数とウィンドウ開始時刻を返す。
	// ウィンドウが存在しないか now - start >= window の場合は新しいウィンドウを始める。
	Hit(ctx context.Context, key string, now time.Time, window time.Duration) (count int64, start time.Time, err error)

	// Close はストアが保持するリソースを解放する。
	Close() error
}

// Config はFixedWindowの設定。
type Config struct {
	// Window はクォータウィンドウの長さ。
	Window time.Duration
	// MaxRequests は1ウィンドウあたりに許可するリクエスト数。
	MaxRequests int
}

// DefaultConfig は既定値（15分あたり100件）を返す。
func DefaultConfig() Config {
	return Config{
		Window:      DefaultWindow,
		MaxRequests: DefaultMaxRequests,
	}
}

// Validate はウィンドウと上限が正の値であることを検証する。
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("レート制限のウィンドウは正の値である必要があります: %s", c.Window)
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("レート制限の上限は正の値である必要があります: %d", c.MaxRequests)
	}
	return nil
}

// FixedWindow はキーごとの固定ウィンドウカウンタによるLimiterの実装。
type FixedWindow struct {
	store  Store
	limit  int
	window time.Duration
}

// NewFixedWindow はstoreを使うFixedWindowを生成する。
func NewFixedWindow(store Store, cfg Config) (*FixedWindow, error) {
	if store == nil {
		return nil, errors.New("レート制限のストアが必要です")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FixedWindow{
		store:  store,
		limit:  cfg.MaxRequests,
		window: cfg.Window,
	}, nil
}

// Admit はLimiterの実装。
func (l *FixedWindow) Admit(ctx context.Context, key string, now time.Time) (Decision, error) {
	count, start, err := l.store.Hit(ctx, key, now, l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("リクエストの計数に失敗: %w", err)
	}

	resetAfter := start.Add(l.window).Sub(now)
	if resetAfter < 0 {
		resetAfter = 0
	}

	d := Decision{
		Limit:      l.limit,
		Count:      count,
		ResetAfter: resetAfter,
	}
	if count <= int64(l.limit) {
		d.Admitted = true
		d.Remaining = l.limit - int(count)
		return d, nil
	}

	d.RetryAfter = resetAfter
	if d.RetryAfter < time.Millisecond {
		d.RetryAfter = time.Millisecond
	}
	return d, nil
}
