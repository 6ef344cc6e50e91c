package gateway

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/internal/logging"
	"github.com/nao1215/secgate/pkg/httpclient"
	"github.com/nao1215/secgate/pkg/middleware"
)

// handleProxy は認証済みリクエストを上流サービスへ転送するハンドラを返す。
// /api/v1/upstream/<path> は上流の /<path> に対応する。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.upstream == nil {
			c.JSON(http.StatusBadGateway, gin.H{"message": "no upstream configured"})
			return
		}

		ctx := httpclient.WithUserID(c.Request.Context(), middleware.GetUserID(c))
		ctx = httpclient.WithClientIP(ctx, c.ClientIP())

		resp, err := s.upstream.Forward(ctx, c.Request, c.Param("path"))
		if err != nil {
			if errors.Is(err, c.Request.Context().Err()) {
				// クライアントが切断済み
				c.Abort()
				return
			}
			if errors.Is(err, httpclient.ErrCircuitOpen) {
				logging.L(c.Request.Context()).Warn("サーキットブレーカーが開いているため転送しませんでした",
					"upstream", s.upstream.BaseURL(),
				)
				c.JSON(http.StatusServiceUnavailable, gin.H{"message": "upstream unavailable"})
				return
			}
			logging.L(c.Request.Context()).Error("上流サービスへの転送に失敗しました",
				"upstream", s.upstream.BaseURL(),
				"error", err,
			)
			c.JSON(http.StatusBadGateway, gin.H{"message": "upstream unavailable"})
			return
		}
		defer resp.Body.Close()

		httpclient.CopyResponseHeaders(c.Writer.Header(), resp.Header)
		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, resp.Body); err != nil {
			logging.L(c.Request.Context()).Warn("上流レスポンスの中継に失敗しました", "error", err)
		}
	}
}
