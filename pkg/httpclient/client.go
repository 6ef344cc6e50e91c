package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultTimeout は上流へのリクエストの既定のタイムアウト。
const DefaultTimeout = 30 * time.Second

// ErrCircuitOpen はサーキットブレーカーが開いているため上流を呼び出さなかったことを表す。
var ErrCircuitOpen = errors.New("upstream circuit breaker is open")

// errServerFailure は5xx応答をブレーカーの失敗として数えるための内部エラー。
var errServerFailure = errors.New("upstream returned server error")

// forwardedHeaders はクライアントのリクエストから上流へ引き継ぐヘッダー。
// ゲートウェイのトークンは渡さず、利用者はX-User-IDで伝える。
var forwardedHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Content-Type",
	"X-Request-Id",
}

// hopHeaders は転送時に取り除くホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client は上流サービス用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL *url.URL
	// breaker は上流呼び出しのサーキットブレーカー。nilの場合は使わない。
	breaker *gobreaker.CircuitBreaker
}

// BreakerConfig はサーキットブレーカーの設定。
type BreakerConfig struct {
	// ConsecutiveFailures は連続でこの回数失敗するとブレーカーを開く。
	ConsecutiveFailures uint32
	// OpenTimeout は開いてから試行を再開するまでの時間。
	OpenTimeout time.Duration
	// OnStateChange は状態が変わったときに呼ばれる。
	OnStateChange func(from, to string)
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithTimeout はリクエストのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient は内部で使用するHTTPクライアントを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCircuitBreaker は通信エラーと5xx応答を失敗として数えるサーキットブレーカーを有効にする。
// ConsecutiveFailuresが0の場合は無効のままになる。
func WithCircuitBreaker(cfg BreakerConfig) Option {
	return func(c *Client) {
		if cfg.ConsecutiveFailures == 0 {
			return
		}
		threshold := cfg.ConsecutiveFailures
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        c.baseURL.Host,
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				if cfg.OnStateChange != nil {
					cfg.OnStateChange(from.String(), to.String())
				}
			},
			IsSuccessful: func(err error) bool {
				// クライアント側の切断は上流の障害とみなさない
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
	}
}

// New は新しい上流サービス用HTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://backend:8081"）を指定する。
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ベースURLにはスキームとホストが必要です: %q", baseURL)
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: u,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL はベースURLを文字列で返す。
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// CircuitOpen はサーキットブレーカーが開いているかを返す。
func (c *Client) CircuitOpen() bool {
	return c.breaker != nil && c.breaker.State() == gobreaker.StateOpen
}

// do はブレーカーを通してreqを送信する。
// 5xx応答は失敗として数えるが、レスポンスはそのまま返す。
func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.breaker == nil {
		return c.httpClient.Do(req)
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerFailure
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, c.baseURL.Host)
	}
	resp, _ := out.(*http.Response)
	if errors.Is(err, errServerFailure) {
		return resp, nil
	}
	return resp, err
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolve(path, ""), nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// Forward はクライアントのリクエストをベースURL配下のpathへ転送する。
// 呼び出し側はレスポンスボディを閉じる必要がある。
func (c *Client) Forward(ctx context.Context, in *http.Request, path string) (*http.Response, error) {
	var body io.Reader
	if in.Body != nil && in.Body != http.NoBody {
		body = in.Body
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, c.resolve(path, in.URL.RawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("プロキシリクエストの作成に失敗: %w", err)
	}
	req.ContentLength = in.ContentLength

	for _, h := range forwardedHeaders {
		if v := in.Header.Values(h); len(v) > 0 {
			req.Header[h] = append([]string(nil), v...)
		}
	}
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok && userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if clientIP, ok := ctx.Value(contextKeyClientIP).(string); ok && clientIP != "" {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("上流サービスとの通信に失敗: %w", err)
	}
	return resp, nil
}

// CopyResponseHeaders はホップバイホップヘッダーを除いてsrcをdstにコピーする。
// dstに既に存在するヘッダーは上書きしない。
func CopyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		if _, exists := dst[http.CanonicalHeaderKey(k)]; exists {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

// resolve はベースURLにpathとクエリを結合したURLを返す。
func (c *Client) resolve(p, rawQuery string) string {
	u := *c.baseURL
	// ".." でベースURLの外へ出られないよう正規化してから連結する
	u.Path = strings.TrimSuffix(c.baseURL.Path, "/") + path.Clean("/"+p)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

// StatusError は上流が2xx以外のステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// IsStatus はerrが指定したステータスのStatusErrorかを返す。
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// contextKey はコンテキストキーの型。
type contextKey string

const (
	// contextKeyUserID はコンテキストにユーザーIDを格納するためのキー。
	contextKeyUserID contextKey = "user_id"
	// contextKeyClientIP はコンテキストにクライアントIPを格納するためのキー。
	contextKeyClientIP contextKey = "client_ip"
)

// WithUserID はコンテキストにユーザーIDを設定する。
// 転送時にX-User-IDヘッダーとして上流へ伝播する。
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// WithClientIP はコンテキストにクライアントIPを設定する。
// 転送時にX-Forwarded-Forヘッダーとして上流へ伝播する。
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, contextKeyClientIP, ip)
}
