// Package credential はbcryptによるパスワードのハッシュ化と照合を提供する。
//
// bcryptはCPU負荷の高い処理のため、同時実行数をセマフォで制限し、
// 呼び出し側はコンテキストのキャンセルで待機を打ち切れる。
package credential

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultCost は既定のbcryptコスト。
	DefaultCost = 10
	// MinCost は受け付ける最小のコスト。
	MinCost = bcrypt.MinCost
	// MaxCost は受け付ける最大のコスト。
	MaxCost = bcrypt.MaxCost
	// MaxPlaintextLength はbcryptが扱える平文の最大バイト数。
	MaxPlaintextLength = 72
)

var (
	// ErrHashingFailure はハッシュ化または照合の処理自体が失敗した場合に返る。
	ErrHashingFailure = errors.New("credential hashing failed")
	// ErrInvalidCost はコストが MinCost から MaxCost の範囲外の場合に返る。
	ErrInvalidCost = fmt.Errorf("cost must be between %d and %d", MinCost, MaxCost)
	// ErrPlaintextTooLong は平文が MaxPlaintextLength バイトを超える場合に返る。
	ErrPlaintextTooLong = fmt.Errorf("plaintext must be at most %d bytes", MaxPlaintextLength)
)

// Hasher はbcryptによるハッシュ化と照合を行う。
type Hasher struct {
	cost int
	sem  *semaphore.Weighted
}

// Option はHasherの設定を変更する。
type Option func(*hasherOptions)

type hasherOptions struct {
	maxConcurrent int64
}

// WithMaxConcurrent はハッシュ処理の同時実行数の上限を設定する。
// 既定値は runtime.GOMAXPROCS(0)。
func WithMaxConcurrent(n int) Option {
	return func(o *hasherOptions) {
		if n > 0 {
			o.maxConcurrent = int64(n)
		}
	}
}

// NewHasher は指定したコストを既定値とするHasherを生成する。
func NewHasher(cost int, opts ...Option) (*Hasher, error) {
	if err := ValidateCost(cost); err != nil {
		return nil, err
	}

	o := hasherOptions{maxConcurrent: int64(runtime.GOMAXPROCS(0))}
	for _, opt := range opts {
		opt(&o)
	}

	return &Hasher{
		cost: cost,
		sem:  semaphore.NewWeighted(o.maxConcurrent),
	}, nil
}

// ValidateCost はコストがbcryptの許容範囲内かを検証する。
func ValidateCost(cost int) error {
	if cost < MinCost || cost > MaxCost {
		return ErrInvalidCost
	}
	return nil
}

// Cost は既定のコストを返す。
func (h *Hasher) Cost() int {
	return h.cost
}

// Hash は既定のコストで平文をハッシュ化する。
func (h *Hasher) Hash(ctx context.Context, plaintext string) (string, error) {
	return h.HashWithCost(ctx, plaintext, h.cost)
}

// HashWithCost は指定したコストで平文をハッシュ化する。
// ソルトは呼び出しごとにランダムに生成され、出力に埋め込まれる。
func (h *Hasher) HashWithCost(ctx context.Context, plaintext string, cost int) (string, error) {
	if err := ValidateCost(cost); err != nil {
		return "", err
	}
	if len(plaintext) > MaxPlaintextLength {
		return "", ErrPlaintextTooLong
	}

	var hashed []byte
	err := h.run(ctx, func() error {
		buf := []byte(plaintext)
		defer clear(buf)

		var err error
		hashed, err = bcrypt.GenerateFromPassword(buf, cost)
		return err
	})
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// Verify は平文がハッシュと一致するかを照合する。
// 不一致の場合は (false, nil) を返す。比較はbcrypt内部で定数時間で行われる。
func (h *Hasher) Verify(ctx context.Context, plaintext, hashed string) (bool, error) {
	if len(plaintext) > MaxPlaintextLength {
		return false, nil
	}

	var matched bool
	err := h.run(ctx, func() error {
		buf := []byte(plaintext)
		defer clear(buf)

		err := bcrypt.CompareHashAndPassword([]byte(hashed), buf)
		switch {
		case err == nil:
			matched = true
			return nil
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

// run はセマフォを取得した上で別ゴルーチンでfnを実行し、完了かキャンセルを待つ。
// キャンセルされた場合も実行中のfnは最後まで走るが、結果は破棄される。
func (h *Hasher) run(ctx context.Context, fn func() error) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer h.sem.Release(1)
		done <- fn()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHashingFailure, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
