package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval はRunがアイドルなウィンドウを削除する既定の間隔。
const DefaultSweepInterval = time.Minute

// quotaWindow はキーごとのカウンタ。マップ全体ではなく自身のミューテックスで保護する。
type quotaWindow struct {
	mu      sync.Mutex
	start   time.Time
	count   int64
	expires time.Time
	// dead はスイープによりマップから削除済みであることを示す。
	dead bool
}

// MemoryStore はプロセス内メモリに保持するStore。
type MemoryStore struct {
	windows sync.Map
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Hit はStoreの実装。
func (s *MemoryStore) Hit(_ context.Context, key string, now time.Time, window time.Duration) (int64, time.Time, error) {
	for {
		v, ok := s.windows.Load(key)
		if !ok {
			v, _ = s.windows.LoadOrStore(key, &quotaWindow{})
		}
		w := v.(*quotaWindow)

		w.mu.Lock()
		if w.dead {
			// LoadとLockの間に削除された。新しいエントリで再試行する
			w.mu.Unlock()
			continue
		}
		if w.count == 0 || now.Sub(w.start) >= window {
			w.start = now
			w.count = 0
		}
		w.count++
		w.expires = w.start.Add(window)
		count, start := w.count, w.start
		w.mu.Unlock()

		return count, start, nil
	}
}

// Sweep はnow時点で終了しているウィンドウを削除し、削除した件数を返す。
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	s.windows.Range(func(key, value any) bool {
		w := value.(*quotaWindow)
		w.mu.Lock()
		if !w.expires.IsZero() && !now.Before(w.expires) {
			w.dead = true
			s.windows.CompareAndDelete(key, value)
			removed++
		}
		w.mu.Unlock()
		return true
	})
	return removed
}

// Len は保持しているキーの数を返す。
func (s *MemoryStore) Len() int {
	n := 0
	s.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Run はctxが終了するまでinterval毎にアイドルなウィンドウを削除する。
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(time.Now()); n > 0 {
				logger.Debug("アイドルなレート制限ウィンドウを削除しました", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close はStoreの実装。
func (s *MemoryStore) Close() error {
	return nil
}
