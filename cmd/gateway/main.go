// セキュリティゲートウェイのエントリポイント。
// オリジン検査、セキュリティヘッダー付与、レート制限を全リクエストに適用し、
// アカウント認証と上流サービスへの転送を担当する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/internal/config"
	"github.com/nao1215/secgate/internal/gateway"
	"github.com/nao1215/secgate/internal/logging"
	"github.com/nao1215/secgate/internal/metrics"
	"github.com/nao1215/secgate/pkg/credential"
	"github.com/nao1215/secgate/pkg/httpclient"
	"github.com/nao1215/secgate/pkg/middleware"
	"github.com/nao1215/secgate/pkg/ratelimit"
	"github.com/nao1215/secgate/pkg/token"
)

const dbStatsInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("ゲートウェイが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := gateway.OpenDB(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()
	m.StartDBStatsCollector(ctx, db, dbStatsInterval)

	store, err := newLimiterStore(ctx, cfg, m, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	limiter, err := ratelimit.NewFixedWindow(store, cfg.RateLimit())
	if err != nil {
		return fmt.Errorf("レートリミッターの初期化に失敗: %w", err)
	}

	hasher, err := credential.NewHasher(cfg.BcryptCost, credential.WithMaxConcurrent(cfg.HashMaxConcurrent))
	if err != nil {
		return fmt.Errorf("ハッシャーの初期化に失敗: %w", err)
	}

	tokens, err := token.NewService([]byte(cfg.JWTSecret),
		token.WithTTL(cfg.TokenTTL),
		token.WithIssuer(cfg.JWTIssuer),
	)
	if err != nil {
		return fmt.Errorf("トークンサービスの初期化に失敗: %w", err)
	}

	origins := middleware.NewOriginPolicy(cfg.AllowedOrigins)
	if origins.Len() == 0 {
		logger.Warn("許可オリジンが空のため、Originヘッダー付きのリクエストは全て拒否されます")
	}
	gw, err := middleware.NewSecurityGateway(
		origins,
		middleware.NewHeaderHardener(cfg.Headers()),
		limiter,
		middleware.WithLogger(logger),
		middleware.WithRecorder(m),
		middleware.WithTrustForwardedProto(cfg.TrustForwardedProto),
	)
	if err != nil {
		return fmt.Errorf("セキュリティゲートウェイの初期化に失敗: %w", err)
	}

	upstream, err := newUpstream(cfg, m, logger)
	if err != nil {
		return err
	}

	server, err := gateway.NewServer(cfg.Port, gateway.Dependencies{
		Store:          gateway.NewStore(db),
		Hasher:         hasher,
		Tokens:         tokens,
		Gateway:        gw,
		Metrics:        m,
		Upstream:       upstream,
		Logger:         logger,
		TrustedProxies: cfg.TrustedProxies,
	})
	if err != nil {
		return fmt.Errorf("サーバーの初期化に失敗: %w", err)
	}

	logger.Info("ゲートウェイを起動します",
		"port", cfg.Port,
		"env", cfg.Env,
		"allowed_origins", origins.Len(),
		"rate_limit_window", cfg.RateLimitWindow,
		"rate_limit_max", cfg.RateLimitMax,
	)
	return server.Run(ctx, cfg.ShutdownTimeout)
}

// newLimiterStore はREDIS_URLが設定されていればRedis、なければメモリのストアを返す。
// メモリストアの場合はアイドルなウィンドウの掃除を開始する。
func newLimiterStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (ratelimit.Store, error) {
	if cfg.RedisURL != "" {
		store, err := ratelimit.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("Redisストアの初期化に失敗: %w", err)
		}
		logger.Info("レート制限にRedisを使用します")
		return store, nil
	}

	store := ratelimit.NewMemoryStore()
	go store.Run(ctx, cfg.RateLimitSweepInterval, logger)
	if err := m.RegisterGaugeFunc("ratelimit_tracked_clients", "レート制限で追跡中のクライアント数",
		func() float64 { return float64(store.Len()) }); err != nil {
		return nil, fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}
	return store, nil
}

// newUpstream はUPSTREAM_URLが設定されていれば上流クライアントを返す。
func newUpstream(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*httpclient.Client, error) {
	if cfg.UpstreamURL == "" {
		return nil, nil
	}

	client, err := httpclient.New(cfg.UpstreamURL,
		httpclient.WithTimeout(cfg.UpstreamTimeout),
		httpclient.WithCircuitBreaker(httpclient.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.UpstreamBreakerFailures), //nolint:gosec // Validateで0以上を保証
			OpenTimeout:         cfg.UpstreamBreakerTimeout,
			OnStateChange: func(from, to string) {
				logger.Warn("上流のサーキットブレーカーの状態が変わりました", "from", from, "to", to)
			},
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("上流クライアントの初期化に失敗: %w", err)
	}

	if err := m.RegisterGaugeFunc("upstream_circuit_open", "上流のサーキットブレーカーが開いていれば1",
		func() float64 {
			if client.CircuitOpen() {
				return 1
			}
			return 0
		}); err != nil {
		return nil, fmt.Errorf("メトリクスの登録に失敗: %w", err)
	}
	return client, nil
}
