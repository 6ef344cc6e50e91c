package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTTL はトークンの既定の有効期間。
	DefaultTTL = time.Hour
	// DefaultIssuer はissクレームに設定する既定の発行者名。
	DefaultIssuer = "secgate"
	// MinSecretLength は署名用シークレットの最小バイト数。
	// HS256のハッシュ長未満の鍵は受け付けない。
	MinSecretLength = 32
)

var (
	// ErrMalformed はトークンの構造が不正な場合に返る。
	ErrMalformed = errors.New("token is malformed")
	// ErrBadSignature は署名が一致しない場合に返る。
	ErrBadSignature = errors.New("token signature is invalid")
	// ErrExpired はトークンの有効期限が切れている場合に返る。
	ErrExpired = errors.New("token is expired")
	// ErrInvalidSecret は署名用シークレットが未設定または短すぎる場合に返る。
	ErrInvalidSecret = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
)

// envelopeClaims はIssueが付与するクレーム。Verifyの戻り値からは取り除く。
var envelopeClaims = []string{"iss", "iat", "exp", "jti"}

// Claims はトークンに格納する任意のクレーム。
type Claims map[string]any

// Subject はsubクレームを文字列として返す。存在しない場合は空文字列。
func (c Claims) Subject() string {
	sub, _ := c["sub"].(string)
	return sub
}

// IdentityToken は発行済みのトークンとその有効期間を表す。
type IdentityToken struct {
	// Value はクライアントに渡す署名済みトークン文字列。
	Value string
	// ID はjtiクレームの値。
	ID string
	// IssuedAt は発行時刻（秒精度）。
	IssuedAt time.Time
	// ExpiresAt は失効時刻（秒精度）。
	ExpiresAt time.Time
}

// Service はHS256で署名されたトークンを発行・検証する。
// 生成後は読み取り専用のため、複数のゴルーチンから同時に利用できる。
type Service struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
	parser *jwt.Parser
}

// Option はServiceの設定を変更する。
type Option func(*Service)

// WithTTL はIssueにttlが指定されなかった場合の有効期間を設定する。
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer はissクレームの値を設定する。
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if issuer != "" {
			s.issuer = issuer
		}
	}
}

// WithClock は発行・検証に使う時計を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService は新しいServiceを生成する。
// シークレットが MinSecretLength バイト未満の場合は ErrInvalidSecret を返す。
func NewService(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrInvalidSecret
	}

	s := &Service{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
		// jwtはnow >= expを失効とみなすため、exp ちょうどの時刻までは有効にする
		jwt.WithLeeway(time.Nanosecond),
	)
	return s, nil
}

// TTL は既定の有効期間を返す。
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Issue はclaimsに発行時刻・失効時刻・jti・発行者を付与して署名したトークンを返す。
// ttlが0以下の場合は既定の有効期間を使う。claims内の同名クレームは上書きされる。
// iatとexpはJWTの仕様どおり秒精度に切り捨てられ、ExpiresAtはトークンに入った値を返す。
func (s *Service) Issue(claims Claims, ttl time.Duration) (IdentityToken, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	now := s.now()
	issuedAt := jwt.NewNumericDate(now)
	expiresAt := jwt.NewNumericDate(now.Add(ttl))
	id := uuid.NewString()

	mapClaims := make(jwt.MapClaims, len(claims)+len(envelopeClaims))
	for k, v := range claims {
		mapClaims[k] = v
	}
	mapClaims["iss"] = s.issuer
	mapClaims["iat"] = issuedAt
	mapClaims["exp"] = expiresAt
	mapClaims["jti"] = id

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mapClaims).SignedString(s.secret)
	if err != nil {
		return IdentityToken{}, fmt.Errorf("トークンの署名に失敗: %w", err)
	}

	return IdentityToken{
		Value:     signed,
		ID:        id,
		IssuedAt:  issuedAt.Time,
		ExpiresAt: expiresAt.Time,
	}, nil
}

// Verify はトークンを検証し、発行時に渡されたクレームを返す。
//
// 失敗時は ErrMalformed、ErrBadSignature、ErrExpired のいずれか一つをラップしたエラーを返す。
// 署名はクレームより先に検証するため、構造を保ったまま改ざんされたトークンは
// 常に ErrBadSignature になる。
func (s *Service) Verify(tokenString string) (Claims, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformed
	}

	sig, err := base64.RawURLEncoding.Strict().DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := jwt.SigningMethodHS256.Verify(parts[0]+"."+parts[1], sig, s.secret); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	mapClaims := jwt.MapClaims{}
	_, err = s.parser.ParseWithClaims(tokenString, mapClaims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	claims := make(Claims, len(mapClaims))
	for k, v := range mapClaims {
		claims[k] = v
	}
	for _, k := range envelopeClaims {
		delete(claims, k)
	}
	return claims, nil
}
