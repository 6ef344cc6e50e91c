package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/internal/logging"
	"github.com/nao1215/secgate/internal/metrics"
	"github.com/nao1215/secgate/pkg/credential"
	"github.com/nao1215/secgate/pkg/httpclient"
	"github.com/nao1215/secgate/pkg/middleware"
	"github.com/nao1215/secgate/pkg/token"
)

// Dependencies はServerが使用するコンポーネント。
type Dependencies struct {
	// Store はアカウントストア。
	Store *Store
	// Hasher はパスワードのハッシュ化に使う。
	Hasher *credential.Hasher
	// Tokens はアクセストークンの発行と検証に使う。
	Tokens *token.Service
	// Gateway は全リクエストに適用するセキュリティゲートウェイ。
	Gateway *middleware.SecurityGateway
	// Metrics はPrometheusメトリクス。
	Metrics *metrics.Metrics
	// Upstream は転送先の上流サービス。nilの場合は転送しない。
	Upstream *httpclient.Client
	// Logger はアクセスログなどの出力先。
	Logger *slog.Logger
	// TrustedProxies はX-Forwarded-Forを信頼するプロキシ。空の場合は信頼しない。
	TrustedProxies []string
}

// Server はセキュリティゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store はアカウントストア。
	store *Store
	// hasher はパスワードのハッシュ化に使う。
	hasher *credential.Hasher
	// tokens はアクセストークンの発行と検証に使う。
	tokens *token.Service
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// upstream は転送先の上流サービス。
	upstream *httpclient.Client
	// logger はサーバーのロガー。
	logger *slog.Logger
	// dummyHash は存在しないアカウントへのログインでも照合時間を揃えるためのハッシュ。
	dummyHash string
}

// NewServer は新しいServerを生成する。
func NewServer(port string, deps Dependencies) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("アカウントストアが必要です")
	case deps.Hasher == nil:
		return nil, errors.New("ハッシャーが必要です")
	case deps.Tokens == nil:
		return nil, errors.New("トークンサービスが必要です")
	case deps.Gateway == nil:
		return nil, errors.New("セキュリティゲートウェイが必要です")
	case deps.Metrics == nil:
		return nil, errors.New("メトリクスが必要です")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	dummy, err := deps.Hasher.Hash(context.Background(), "secgate-dummy-password")
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼するプロキシの設定に失敗: %w", err)
	}
	router.Use(
		middleware.RequestID(),
		contextLogger(deps.Logger),
		accessLog(deps.Logger),
		deps.Metrics.Middleware(),
		deps.Gateway.Handler(),
		middleware.Recovery(),
	)

	s := &Server{
		router:    router,
		port:      port,
		store:     deps.Store,
		hasher:    deps.Hasher,
		tokens:    deps.Tokens,
		metrics:   deps.Metrics,
		upstream:  deps.Upstream,
		logger:    deps.Logger,
		dummyHash: dummy,
	}
	s.setupRoutes()
	return s, nil
}

// Handler はルーターをhttp.Handlerとして返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終了したらshutdownTimeout以内に停止する。
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("サーバーを起動しました", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("サーバーを停止しています")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("サーバーの停止に失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Hi there"})
	})
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", s.metrics.Handler())

	// 利用者レコードの登録（認証不要）
	s.router.POST("/users", s.handleCreateUserRecord())

	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
	}

	// 認証必須のAPIエンドポイント
	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.tokens))
	{
		api.GET("/me", s.handleGetCurrentAccount())
		api.GET("/me/events", s.handleListAccountEvents())
		api.Any("/upstream/*path", s.handleProxy())
	}
}

// handleHealth はデータベースと上流サービスの状態を返すハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := gin.H{"status": "ok", "service": "gateway", "database": "ok"}
		if err := s.store.Ping(ctx); err != nil {
			s.logger.Error("データベースのヘルスチェックに失敗しました", "error", err)
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = "unavailable"
		}
		if s.upstream != nil {
			body["upstream"] = "ok"
			if err := s.upstream.GetJSON(ctx, "/health", nil); err != nil {
				// 上流の障害はゲートウェイ自体の稼働状態とは分けて報告する
				body["upstream"] = "unavailable"
			}
		}
		c.JSON(status, body)
	}
}

// contextLogger はサーバーのロガーをリクエストコンテキストに設定する。
// ハンドラは logging.L でリクエストID付きのロガーを取り出す。
func contextLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), logger))
		c.Next()
	}
}

// accessLog はリクエストごとにアクセスログを出力するGinミドルウェアを返す。
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http request",
			"request_id", middleware.GetRequestID(c),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"ip", c.ClientIP(),
		)
	}
}
