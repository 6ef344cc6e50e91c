package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/internal/logging"
	"github.com/nao1215/secgate/pkg/credential"
	"github.com/nao1215/secgate/pkg/event"
	"github.com/nao1215/secgate/pkg/middleware"
	"github.com/nao1215/secgate/pkg/token"
)

// credentialsRequest は登録とログインのリクエストボディ。
type credentialsRequest struct {
	Email    string `json:"email" binding:"required,email,max=254"`
	Password string `json:"password" binding:"required,min=8,max=72"`
}

// bind はリクエストボディを読み取る。
// validatorのmaxは文字数で数えるため、bcryptの上限であるバイト長は別に検査する。
func (r *credentialsRequest) bind(c *gin.Context) error {
	if err := c.ShouldBindJSON(r); err != nil {
		return err
	}
	if len(r.Password) > credential.MaxPlaintextLength {
		return credential.ErrPlaintextTooLong
	}
	return nil
}

// userRecordRequest は利用者レコード登録のリクエストボディ。
type userRecordRequest struct {
	Inputs struct {
		Name  string `json:"name" binding:"required,max=200"`
		Email string `json:"email" binding:"required,email,max=254"`
	} `json:"inputs" binding:"required"`
}

const (
	msgInvalidRequest     = "invalid request body"
	msgInvalidCredentials = "invalid email or password"
	msgInternal           = "internal server error"
)

// handleRegister はアカウントを登録するハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.L(ctx)

		var req credentialsRequest
		if err := req.bind(c); err != nil {
			s.metrics.RecordAuth("register", "invalid")
			c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidRequest})
			return
		}

		hashed, err := s.hasher.Hash(ctx, req.Password)
		if err != nil {
			s.metrics.RecordAuth("register", "error")
			logger.Error("パスワードのハッシュ化に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		account, err := s.store.CreateAccount(ctx, req.Email, hashed)
		if errors.Is(err, ErrDuplicateEmail) {
			s.metrics.RecordAuth("register", "duplicate")
			c.JSON(http.StatusConflict, gin.H{"message": "email already registered"})
			return
		}
		if err != nil {
			s.metrics.RecordAuth("register", "error")
			logger.Error("アカウントの作成に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		s.metrics.RecordAuth("register", "success")
		logger.Info("アカウントを登録しました", "account_id", account.ID)
		s.recordEvent(ctx, account.ID, event.AggregateTypeAccount, event.TypeAccountRegistered,
			event.AccountRegisteredData{Email: account.Email, ClientIP: c.ClientIP()})
		c.JSON(http.StatusCreated, gin.H{
			"id":    account.ID,
			"email": account.Email,
		})
	}
}

// handleLogin は資格情報を検証してアクセストークンを発行するハンドラを返す。
// アカウントの有無とパスワードの誤りはクライアントに区別して伝えない。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		logger := logging.L(ctx)

		var req credentialsRequest
		if err := req.bind(c); err != nil {
			s.metrics.RecordAuth("login", "invalid")
			c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidRequest})
			return
		}

		account, err := s.store.GetAccountByEmail(ctx, req.Email)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.metrics.RecordAuth("login", "error")
			logger.Error("アカウントの取得に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		hashed := s.dummyHash
		if account != nil {
			hashed = account.PasswordHash
		}
		ok, err := s.hasher.Verify(ctx, req.Password, hashed)
		if err != nil {
			s.metrics.RecordAuth("login", "error")
			logger.Error("パスワードの照合に失敗しました", "error", err, "hashing_failure", errors.Is(err, credential.ErrHashingFailure))
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}
		if !ok || account == nil {
			s.metrics.RecordAuth("login", "failure")
			logger.Info("ログインに失敗しました", "client", c.ClientIP())
			if account != nil {
				s.recordEvent(ctx, account.ID, event.AggregateTypeAccount, event.TypeLoginFailed,
					event.LoginFailedData{ClientIP: c.ClientIP()})
			}
			c.JSON(http.StatusUnauthorized, gin.H{"message": msgInvalidCredentials})
			return
		}

		issued, err := s.tokens.Issue(token.Claims{
			"sub":   account.ID,
			"email": account.Email,
		}, 0)
		if err != nil {
			s.metrics.RecordAuth("login", "error")
			logger.Error("トークンの発行に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		if err := s.store.UpdateLastLogin(ctx, account.ID); err != nil {
			logger.Warn("最終ログイン日時の更新に失敗しました", "account_id", account.ID, "error", err)
		}

		s.metrics.RecordAuth("login", "success")
		s.recordEvent(ctx, account.ID, event.AggregateTypeAccount, event.TypeLoginSucceeded,
			event.LoginSucceededData{ClientIP: c.ClientIP(), ExpiresAt: issued.ExpiresAt.UTC()})
		c.JSON(http.StatusOK, gin.H{
			"token":      issued.Value,
			"token_type": "Bearer",
			"expires_at": issued.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
}

// handleGetCurrentAccount は認証済みアカウントの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}

		account, err := s.store.GetAccountByID(c.Request.Context(), userID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"message": "account not found"})
			return
		}
		if err != nil {
			logging.L(c.Request.Context()).Error("アカウントの取得に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		body := gin.H{
			"id":         account.ID,
			"email":      account.Email,
			"created_at": account.CreatedAt.UTC().Format(time.RFC3339),
		}
		if account.LastLoginAt != nil {
			body["last_login_at"] = account.LastLoginAt.UTC().Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, body)
	}
}

// handleCreateUserRecord はフォームから送信された利用者レコードを登録するハンドラを返す。
func (s *Server) handleCreateUserRecord() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req userRecordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"message": msgInvalidRequest})
			return
		}

		rec, err := s.store.CreateUserRecord(c.Request.Context(), req.Inputs.Name, req.Inputs.Email)
		if err != nil {
			logging.L(c.Request.Context()).Error("利用者レコードの登録に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		s.recordEvent(c.Request.Context(), rec.ID, event.AggregateTypeUserRecord, event.TypeUserRecordCreated,
			event.UserRecordCreatedData{Name: rec.Name, Email: rec.Email})
		c.JSON(http.StatusCreated, gin.H{
			"id":         rec.ID,
			"name":       rec.Name,
			"email":      rec.Email,
			"created_at": rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
}

// maxEventLimit は /api/v1/me/events で一度に返す最大件数。
const maxEventLimit = 100

// handleListAccountEvents は認証済みアカウントの操作履歴を新しい順に返すハンドラを返す。
func (s *Server) handleListAccountEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "invalid token"})
			return
		}

		limit := DefaultEventLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > maxEventLimit {
				c.JSON(http.StatusBadRequest, gin.H{"message": "limit must be between 1 and 100"})
				return
			}
			limit = n
		}

		events, err := s.store.ListEvents(c.Request.Context(), userID, limit)
		if err != nil {
			logging.L(c.Request.Context()).Error("操作履歴の取得に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

// recordEvent は操作履歴を追記する。失敗してもリクエストは失敗させない。
func (s *Server) recordEvent(ctx context.Context, aggregateID string, aggregateType event.AggregateType, eventType event.Type, data any) {
	if _, err := s.store.AppendEvent(ctx, aggregateID, aggregateType, eventType, data); err != nil {
		logging.L(ctx).Warn("操作履歴の追記に失敗しました",
			"aggregate_id", aggregateID,
			"event_type", eventType,
			"error", err,
		)
	}
}
