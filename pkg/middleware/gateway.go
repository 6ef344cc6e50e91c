package middleware

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/pkg/ratelimit"
)

// ゲートウェイの判定段階。
const (
	StageOrigin    = "origin"
	StageRateLimit = "rate_limit"
)

// 判定結果。
const (
	OutcomeAllowed  = "allowed"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// クライアントに返す拒否メッセージ。
const (
	MessageOriginRejected = "origin not allowed"
	MessageRateLimited    = "too many requests, please try again later"
	MessageUnavailable    = "service temporarily unavailable"
)

// DecisionRecorder はゲートウェイの判定結果を記録する。
type DecisionRecorder interface {
	RecordDecision(stage, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, string) {}

// SecurityGateway は全リクエストに対してオリジン検査、ヘッダー付与、レート制限を
// 順に適用し、下流のハンドラーに渡すかを決める。
type SecurityGateway struct {
	origins             *OriginPolicy
	headers             *HeaderHardener
	limiter             ratelimit.Limiter
	logger              *slog.Logger
	recorder            DecisionRecorder
	now                 func() time.Time
	keyFunc             func(*gin.Context) string
	trustForwardedProto bool
}

// GatewayOption はSecurityGatewayの設定を変更する。
type GatewayOption func(*SecurityGateway)

// WithLogger は拒否時などに使うロガーを設定する。
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(g *SecurityGateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRecorder は判定結果の記録先を設定する。
func WithRecorder(r DecisionRecorder) GatewayOption {
	return func(g *SecurityGateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock はレート制限に使う現在時刻の取得関数を設定する。
func WithClock(now func() time.Time) GatewayOption {
	return func(g *SecurityGateway) {
		if now != nil {
			g.now = now
		}
	}
}

// WithKeyFunc はレート制限のクライアントキーの算出方法を設定する。
// 既定はgin.Context.ClientIP()。
func WithKeyFunc(fn func(*gin.Context) string) GatewayOption {
	return func(g *SecurityGateway) {
		if fn != nil {
			g.keyFunc = fn
		}
	}
}

// WithTrustForwardedProto はX-Forwarded-Protoでトランスポートを判定するかを設定する。
func WithTrustForwardedProto(trust bool) GatewayOption {
	return func(g *SecurityGateway) {
		g.trustForwardedProto = trust
	}
}

// NewSecurityGateway はSecurityGatewayを生成する。
func NewSecurityGateway(origins *OriginPolicy, headers *HeaderHardener, limiter ratelimit.Limiter, opts ...GatewayOption) (*SecurityGateway, error) {
	if origins == nil {
		return nil, errors.New("オリジンポリシーが必要です")
	}
	if headers == nil {
		return nil, errors.New("ヘッダーポリシーが必要です")
	}
	if limiter == nil {
		return nil, errors.New("レートリミッターが必要です")
	}

	g := &SecurityGateway{
		origins:  origins,
		headers:  headers,
		limiter:  limiter,
		logger:   slog.Default(),
		recorder: nopRecorder{},
		now:      time.Now,
		keyFunc:  func(c *gin.Context) string { return c.ClientIP() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Handler はゲートウェイのGinミドルウェアを返す。
// オリジンの判定結果に関わらずセキュリティヘッダーは必ず付与する。
func (g *SecurityGateway) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		originAllowed := g.origins.IsAllowed(origin)

		c.Writer = g.headers.wrap(c.Writer)
		g.headers.Apply(c.Writer.Header(), isSecureRequest(c.Request, g.trustForwardedProto))

		logger := g.logger
		if id := GetRequestID(c); id != "" {
			logger = logger.With("request_id", id)
		}

		if !originAllowed {
			g.recorder.RecordDecision(StageOrigin, OutcomeRejected)
			logger.Warn("許可されていないオリジンからのリクエストを拒否しました",
				"origin", origin,
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
			)
			_ = c.Error(ErrOriginRejected)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"message": MessageOriginRejected})
			return
		}
		g.recorder.RecordDecision(StageOrigin, OutcomeAllowed)
		g.origins.writeCORSHeaders(c.Writer.Header(), origin)

		key := g.keyFunc(c)
		d, err := g.limiter.Admit(c.Request.Context(), key, g.now())
		if err != nil {
			g.recorder.RecordDecision(StageRateLimit, OutcomeError)
			logger.Error("レート制限の判定に失敗しました", "client", key, "error", err)
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": MessageUnavailable})
			return
		}
		writeRateLimitHeaders(c.Writer.Header(), d)

		if !d.Admitted {
			g.recorder.RecordDecision(StageRateLimit, OutcomeRejected)
			c.Header("Retry-After", strconv.FormatInt(ceilSeconds(d.RetryAfter), 10))
			logger.Warn("レート制限を超過したリクエストを拒否しました",
				"client", key,
				"count", d.Count,
				"limit", d.Limit,
				"retry_after", d.RetryAfter,
			)
			_ = c.Error(d.Err())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": MessageRateLimited})
			return
		}
		g.recorder.RecordDecision(StageRateLimit, OutcomeAllowed)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// writeRateLimitHeaders はクォータの状態をRateLimit-*ヘッダーに書き込む。
func writeRateLimitHeaders(h http.Header, d ratelimit.Decision) {
	h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("RateLimit-Reset", strconv.FormatInt(ceilSeconds(d.ResetAfter), 10))
}

// ceilSeconds はdを秒単位に切り上げる。正の値は最低1秒になる。
func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}
