package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/internal/logging"
	"github.com/nao1215/secgate/pkg/token"
)

const (
	ctxKeyUserID = "user_id"
	ctxKeyEmail  = "email"
	ctxKeyClaims = "claims"

	// HeaderUserID は上流サービスへユーザーIDを伝播するHTTPヘッダーキー。
	HeaderUserID = "X-User-ID"
)

// TokenVerifier はBearerトークンを検証してクレームを返す。
// *token.Service が実装する。
type TokenVerifier interface {
	Verify(tokenString string) (token.Claims, error)
}

// JWTAuth はBearerトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "email" を設定する。
// 失敗理由はログにのみ出力し、クライアントには区別せず401を返す。
func JWTAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "authorization header is required",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "authorization header must use the Bearer scheme",
			})
			return
		}

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			logging.L(c.Request.Context()).Info("トークンの検証に失敗しました",
				"reason", tokenFailureReason(err),
				"client", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"message": "invalid token",
			})
			return
		}

		c.Set(ctxKeyClaims, claims)
		c.Set(ctxKeyUserID, claims.Subject())
		if email, ok := claims["email"].(string); ok {
			c.Set(ctxKeyEmail, email)
		}
		c.Next()
	}
}

// tokenFailureReason はログ用に検証失敗の分類を返す。
func tokenFailureReason(err error) string {
	switch {
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, token.ErrMalformed):
		return "malformed"
	default:
		return "unknown"
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(ctxKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	email, _ := c.Get(ctxKeyEmail)
	if s, ok := email.(string); ok {
		return s
	}
	return ""
}

// GetClaims はGinコンテキストから検証済みのクレームを取得する。
func GetClaims(c *gin.Context) token.Claims {
	claims, _ := c.Get(ctxKeyClaims)
	if cl, ok := claims.(token.Claims); ok {
		return cl
	}
	return nil
}
