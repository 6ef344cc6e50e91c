package middleware

import (
	"errors"
	"net/http"
	"strings"
)

// ErrOriginRejected は許可リストに無いオリジンからのリクエストを拒否したことを表す。
var ErrOriginRejected = errors.New("origin is not allowed")

// OriginPolicy は許可リストに基づいてクロスオリジンリクエストの可否を判定する。
// 許可リストは生成時に確定し、以降は読み取り専用になる。
type OriginPolicy struct {
	allowed map[string]struct{}
}

// NewOriginPolicy は指定されたオリジンを許可するOriginPolicyを生成する。
// オリジンは完全一致で比較する。"*" もワイルドカードとしては扱わない。
func NewOriginPolicy(allowedOrigins []string) *OriginPolicy {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		originsSet[o] = struct{}{}
	}
	return &OriginPolicy{allowed: originsSet}
}

// IsAllowed はoriginが許可されているかを返す。
// Originヘッダーが無いリクエスト（空文字列）はブラウザ以外のクライアントや
// 同一オリジンからのリクエストとみなして許可する。
func (p *OriginPolicy) IsAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

// Len は許可されているオリジンの数を返す。
func (p *OriginPolicy) Len() int {
	return len(p.allowed)
}

// writeCORSHeaders は許可されたオリジンに対するCORSヘッダーを設定する。
// 資格情報付きリクエストに対応するため、ワイルドカードではなくオリジンをそのまま返す。
func (p *OriginPolicy) writeCORSHeaders(h http.Header, origin string) {
	h.Add("Vary", "Origin")
	if origin == "" {
		return
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Max-Age", "86400")
}
