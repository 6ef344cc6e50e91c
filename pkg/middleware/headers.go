package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	// DefaultHSTSMaxAge はHSTSの既定のmax-age（90日）。
	DefaultHSTSMaxAge = 90 * 24 * time.Hour

	headerPoweredBy = "X-Powered-By"
)

// Header はレスポンスヘッダーの名前と値の組。
type Header struct {
	Name  string
	Value string
}

// SecurityHeaderSet は全レスポンスに付与するセキュリティヘッダーの順序付き集合。
type SecurityHeaderSet []Header

// Get はnameに対応する値を返す。存在しない場合はokがfalseになる。
func (s SecurityHeaderSet) Get(name string) (string, bool) {
	for _, h := range s {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderConfig はセキュリティヘッダーのポリシー設定。
// nilのフィールドは未指定を表し、Mergeでは上書きされない。
type HeaderConfig struct {
	// HidePoweredBy はX-Powered-Byを除去するか。
	HidePoweredBy *bool
	// FrameDeny はX-Frame-Options: DENYを付与するか。
	FrameDeny *bool
	// XSSFilter はX-XSS-Protectionを付与するか。
	XSSFilter *bool
	// NoSniff はX-Content-Type-Options: nosniffを付与するか。
	NoSniff *bool
	// IENoOpen はX-Download-Options: noopenを付与するか。
	IENoOpen *bool

	// HSTS はStrict-Transport-Securityを付与するか。
	HSTS *bool
	// HSTSMaxAge はHSTSのmax-age。
	HSTSMaxAge *time.Duration
	// HSTSIncludeSubDomains はincludeSubDomainsを付与するか。
	HSTSIncludeSubDomains *bool
	// HSTSForce はTLS以外の接続にもHSTSを付与するか。
	HSTSForce *bool

	// CSP はContent-Security-Policyを付与するか。
	CSP *bool
	// CSPDefaultSrc などのソースリストはnilなら未指定、空スライスならディレクティブを出力しない。
	CSPDefaultSrc []string
	CSPScriptSrc  []string
	CSPStyleSrc   []string
	CSPImgSrc     []string

	// DNSPrefetchControl はX-DNS-Prefetch-Controlを付与するか。
	DNSPrefetchControl *bool
	// DNSPrefetchAllow はDNSプリフェッチを許可するか（onを返す）。
	DNSPrefetchAllow *bool
}

// Bool はbool値のポインタを返す。
func Bool(v bool) *bool { return &v }

// Duration はtime.Duration値のポインタを返す。
func Duration(v time.Duration) *time.Duration { return &v }

// DefaultHeaderConfig は既定のセキュリティヘッダーポリシーを返す。
func DefaultHeaderConfig() HeaderConfig {
	return HeaderConfig{
		HidePoweredBy:         Bool(true),
		FrameDeny:             Bool(true),
		XSSFilter:             Bool(true),
		NoSniff:               Bool(true),
		IENoOpen:              Bool(true),
		HSTS:                  Bool(true),
		HSTSMaxAge:            Duration(DefaultHSTSMaxAge),
		HSTSIncludeSubDomains: Bool(true),
		HSTSForce:             Bool(false),
		CSP:                   Bool(true),
		CSPDefaultSrc:         []string{"'self'"},
		CSPScriptSrc:          []string{},
		CSPStyleSrc:           []string{},
		CSPImgSrc:             []string{},
		DNSPrefetchControl:    Bool(true),
		DNSPrefetchAllow:      Bool(false),
	}
}

// Merge はoverrideで明示的に指定されたフィールドだけをcに上書きした設定を返す。
func (c HeaderConfig) Merge(override HeaderConfig) HeaderConfig {
	c.HidePoweredBy = pick(c.HidePoweredBy, override.HidePoweredBy)
	c.FrameDeny = pick(c.FrameDeny, override.FrameDeny)
	c.XSSFilter = pick(c.XSSFilter, override.XSSFilter)
	c.NoSniff = pick(c.NoSniff, override.NoSniff)
	c.IENoOpen = pick(c.IENoOpen, override.IENoOpen)
	c.HSTS = pick(c.HSTS, override.HSTS)
	c.HSTSMaxAge = pick(c.HSTSMaxAge, override.HSTSMaxAge)
	c.HSTSIncludeSubDomains = pick(c.HSTSIncludeSubDomains, override.HSTSIncludeSubDomains)
	c.HSTSForce = pick(c.HSTSForce, override.HSTSForce)
	c.CSP = pick(c.CSP, override.CSP)
	c.CSPDefaultSrc = pickList(c.CSPDefaultSrc, override.CSPDefaultSrc)
	c.CSPScriptSrc = pickList(c.CSPScriptSrc, override.CSPScriptSrc)
	c.CSPStyleSrc = pickList(c.CSPStyleSrc, override.CSPStyleSrc)
	c.CSPImgSrc = pickList(c.CSPImgSrc, override.CSPImgSrc)
	c.DNSPrefetchControl = pick(c.DNSPrefetchControl, override.DNSPrefetchControl)
	c.DNSPrefetchAllow = pick(c.DNSPrefetchAllow, override.DNSPrefetchAllow)
	return c
}

func pick[T any](base, override *T) *T {
	if override != nil {
		return override
	}
	return base
}

func pickList(base, override []string) []string {
	if override != nil {
		return override
	}
	return base
}

func enabled(v *bool) bool {
	return v != nil && *v
}

// ComputeHeaders はcfgとトランスポートの安全性からセキュリティヘッダーを算出する。
// cfgの未指定フィールドには既定値が使われる。副作用は無い。
func ComputeHeaders(cfg HeaderConfig, secure bool) SecurityHeaderSet {
	cfg = DefaultHeaderConfig().Merge(cfg)

	var set SecurityHeaderSet
	if enabled(cfg.CSP) {
		if policy := buildCSP(cfg); policy != "" {
			set = append(set, Header{"Content-Security-Policy", policy})
		}
	}
	if enabled(cfg.DNSPrefetchControl) {
		v := "off"
		if enabled(cfg.DNSPrefetchAllow) {
			v = "on"
		}
		set = append(set, Header{"X-DNS-Prefetch-Control", v})
	}
	if enabled(cfg.FrameDeny) {
		set = append(set, Header{"X-Frame-Options", "DENY"})
	}
	if enabled(cfg.HSTS) && (secure || enabled(cfg.HSTSForce)) {
		v := fmt.Sprintf("max-age=%d", int64(cfg.HSTSMaxAge.Seconds()))
		if enabled(cfg.HSTSIncludeSubDomains) {
			v += "; includeSubDomains"
		}
		set = append(set, Header{"Strict-Transport-Security", v})
	}
	if enabled(cfg.IENoOpen) {
		set = append(set, Header{"X-Download-Options", "noopen"})
	}
	if enabled(cfg.NoSniff) {
		set = append(set, Header{"X-Content-Type-Options", "nosniff"})
	}
	if enabled(cfg.XSSFilter) {
		set = append(set, Header{"X-XSS-Protection", "1; mode=block"})
	}
	return set
}

// buildCSP は設定されたディレクティブからポリシー文字列を組み立てる。
// 未設定のカテゴリは出力せず、ブラウザはdefault-srcにフォールバックする。
func buildCSP(cfg HeaderConfig) string {
	directives := []struct {
		name    string
		sources []string
	}{
		{"default-src", cfg.CSPDefaultSrc},
		{"script-src", cfg.CSPScriptSrc},
		{"style-src", cfg.CSPStyleSrc},
		{"img-src", cfg.CSPImgSrc},
	}

	var parts []string
	for _, d := range directives {
		if len(d.sources) == 0 {
			continue
		}
		parts = append(parts, d.name+" "+strings.Join(d.sources, " "))
	}
	return strings.Join(parts, "; ")
}

// HeaderHardener は算出済みのセキュリティヘッダーをレスポンスに適用する。
type HeaderHardener struct {
	secure        SecurityHeaderSet
	plain         SecurityHeaderSet
	hidePoweredBy bool
}

// NewHeaderHardener はcfgから両トランスポート分のヘッダーを事前計算する。
func NewHeaderHardener(cfg HeaderConfig) *HeaderHardener {
	merged := DefaultHeaderConfig().Merge(cfg)
	return &HeaderHardener{
		secure:        ComputeHeaders(merged, true),
		plain:         ComputeHeaders(merged, false),
		hidePoweredBy: enabled(merged.HidePoweredBy),
	}
}

// Headers はトランスポートに応じたヘッダー集合を返す。
func (h *HeaderHardener) Headers(secure bool) SecurityHeaderSet {
	if secure {
		return h.secure
	}
	return h.plain
}

// Apply はヘッダー集合をdstに書き込む。
func (h *HeaderHardener) Apply(dst http.Header, secure bool) {
	for _, hdr := range h.Headers(secure) {
		dst.Set(hdr.Name, hdr.Value)
	}
	if h.hidePoweredBy {
		dst.Del(headerPoweredBy)
	}
}

// wrap はX-Powered-Byを送信直前に除去するライターを返す。
// 後段のハンドラーやプロキシが設定した値も取り除く。
func (h *HeaderHardener) wrap(w gin.ResponseWriter) gin.ResponseWriter {
	if !h.hidePoweredBy {
		return w
	}
	return &poweredByStripper{ResponseWriter: w}
}

// poweredByStripper はヘッダー送信前にX-Powered-Byを削除する。
type poweredByStripper struct {
	gin.ResponseWriter
}

func (w *poweredByStripper) strip() {
	if !w.Written() {
		w.ResponseWriter.Header().Del(headerPoweredBy)
	}
}

func (w *poweredByStripper) WriteHeader(code int) {
	w.strip()
	w.ResponseWriter.WriteHeader(code)
}

func (w *poweredByStripper) WriteHeaderNow() {
	w.strip()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *poweredByStripper) Write(b []byte) (int, error) {
	w.strip()
	return w.ResponseWriter.Write(b)
}

func (w *poweredByStripper) WriteString(s string) (int, error) {
	w.strip()
	return w.ResponseWriter.WriteString(s)
}

func (w *poweredByStripper) Flush() {
	w.strip()
	w.ResponseWriter.Flush()
}

// Unwrap は元のResponseWriterを返す。
func (w *poweredByStripper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// isSecureRequest はリクエストがTLS経由かを判定する。
// trustForwardedProtoがtrueの場合のみX-Forwarded-Protoを信頼する。
func isSecureRequest(r *http.Request, trustForwardedProto bool) bool {
	if r.TLS != nil {
		return true
	}
	if trustForwardedProto && strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return false
}
