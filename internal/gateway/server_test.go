package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/secgate/internal/logging"
	"github.com/nao1215/secgate/internal/metrics"
	"github.com/nao1215/secgate/pkg/credential"
	"github.com/nao1215/secgate/pkg/httpclient"
	"github.com/nao1215/secgate/pkg/middleware"
	"github.com/nao1215/secgate/pkg/ratelimit"
	"github.com/nao1215/secgate/pkg/token"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key-for-gateway-tests!"

const allowedOrigin = "http://localhost:3000"

type testServerOptions struct {
	rateLimit   ratelimit.Config
	upstreamURL string
	logger      *slog.Logger
}

// newTestServer はテスト用のGatewayサーバーを生成する。
// インメモリSQLiteと最小コストのハッシャーを使用する。
func newTestServer(t *testing.T, opts testServerOptions) *Server {
	t.Helper()

	ctx := context.Background()
	db, err := OpenDB(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("インメモリDB接続に失敗: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	hasher, err := credential.NewHasher(credential.MinCost)
	if err != nil {
		t.Fatalf("NewHasher()でエラーが発生: %v", err)
	}
	tokens, err := token.NewService([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("NewService()でエラーが発生: %v", err)
	}

	if opts.rateLimit.Window == 0 {
		opts.rateLimit = ratelimit.DefaultConfig()
	}
	limiter, err := ratelimit.NewFixedWindow(ratelimit.NewMemoryStore(), opts.rateLimit)
	if err != nil {
		t.Fatalf("NewFixedWindow()でエラーが発生: %v", err)
	}

	m := metrics.New()
	gw, err := middleware.NewSecurityGateway(
		middleware.NewOriginPolicy([]string{allowedOrigin}),
		middleware.NewHeaderHardener(middleware.HeaderConfig{}),
		limiter,
		middleware.WithRecorder(m),
	)
	if err != nil {
		t.Fatalf("NewSecurityGateway()でエラーが発生: %v", err)
	}

	var upstream *httpclient.Client
	if opts.upstreamURL != "" {
		upstream, err = httpclient.New(opts.upstreamURL, httpclient.WithTimeout(5*time.Second))
		if err != nil {
			t.Fatalf("httpclient.New()でエラーが発生: %v", err)
		}
	}

	s, err := NewServer("0", Dependencies{
		Store:    NewStore(db),
		Hasher:   hasher,
		Tokens:   tokens,
		Gateway:  gw,
		Metrics:  m,
		Upstream: upstream,
		Logger:   opts.logger,
	})
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	return s
}

// doRequest はテスト用のHTTPリクエストを送信する。
func doRequest(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (body=%s)", err, w.Body.String())
	}
	return body
}

func assertSecurityHeaders(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()

	for _, h := range middleware.ComputeHeaders(middleware.HeaderConfig{}, false) {
		if got := w.Header().Get(h.Name); got != h.Value {
			t.Errorf("%s = %q, want %q", h.Name, got, h.Value)
		}
	}
	if got := w.Header().Get("X-Powered-By"); got != "" {
		t.Errorf("X-Powered-By = %q, want empty", got)
	}
}

// registerAndLogin はアカウントを登録してアクセストークンを取得する。
func registerAndLogin(t *testing.T, s *Server, email, password string) string {
	t.Helper()

	creds := map[string]string{"email": email, "password": password}
	if w := doRequest(s, http.MethodPost, "/auth/register", creds, nil); w.Code != http.StatusCreated {
		t.Fatalf("登録のステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
	}
	w := doRequest(s, http.MethodPost, "/auth/login", creds, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ログインのステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
	}
	tok, _ := decodeBody(t, w)["token"].(string)
	if tok == "" {
		t.Fatal("トークンが返されていない")
	}
	return tok
}

// TestNewServer は必須コンポーネントの検証を確認する。
func TestNewServer(t *testing.T) {
	t.Parallel()

	if _, err := NewServer("0", Dependencies{}); err == nil {
		t.Error("依存関係が空でもエラーにならない")
	}
}

// TestRootAndHealth はルートとヘルスチェックを検証する。
func TestRootAndHealth(t *testing.T) {
	t.Parallel()

	t.Run("ルートがメッセージを返しセキュリティヘッダーが付くこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		w := doRequest(s, http.MethodGet, "/", nil, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := decodeBody(t, w)["message"]; got != "Hi there" {
			t.Errorf("message = %v, want %q", got, "Hi there")
		}
		assertSecurityHeaders(t, w)
		if got := w.Header().Get(middleware.HeaderRequestID); got == "" {
			t.Error("X-Request-Idが付与されていない")
		}
	})

	t.Run("ヘルスチェックがokを返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		w := doRequest(s, http.MethodGet, "/health", nil, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body := decodeBody(t, w)
		if body["status"] != "ok" || body["database"] != "ok" {
			t.Errorf("body = %v", body)
		}
		if _, ok := body["upstream"]; ok {
			t.Error("上流未設定なのにupstreamが含まれる")
		}
	})

	t.Run("上流が停止している場合はupstreamがunavailableになること", func(t *testing.T) {
		t.Parallel()

		down := httptest.NewServer(http.NotFoundHandler())
		url := down.URL
		down.Close()

		s := newTestServer(t, testServerOptions{upstreamURL: url})
		w := doRequest(s, http.MethodGet, "/health", nil, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := decodeBody(t, w)["upstream"]; got != "unavailable" {
			t.Errorf("upstream = %v, want %q", got, "unavailable")
		}
	})
}

// TestRegisterAndLogin はアカウント登録とログインを検証する。
func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	t.Run("登録・ログイン・/meが一連で動作すること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		tok := registerAndLogin(t, s, "Alice@Example.com", "password123")

		w := doRequest(s, http.MethodGet, "/api/v1/me", nil, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["email"] != "alice@example.com" {
			t.Errorf("email = %v, want %q", body["email"], "alice@example.com")
		}
		if _, ok := body["last_login_at"]; !ok {
			t.Error("last_login_atが返されていない")
		}
		assertSecurityHeaders(t, w)
	})

	t.Run("ログインのレスポンスに有効期限が含まれること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		creds := map[string]string{"email": "bob@example.com", "password": "password123"}
		doRequest(s, http.MethodPost, "/auth/register", creds, nil)

		before := time.Now()
		w := doRequest(s, http.MethodPost, "/auth/login", creds, nil)
		body := decodeBody(t, w)

		if body["token_type"] != "Bearer" {
			t.Errorf("token_type = %v, want %q", body["token_type"], "Bearer")
		}
		exp, err := time.Parse(time.RFC3339, body["expires_at"].(string))
		if err != nil {
			t.Fatalf("expires_atのパースに失敗: %v", err)
		}
		if d := exp.Sub(before); d < 59*time.Minute || d > 61*time.Minute {
			t.Errorf("有効期間 = %v, want 約1時間", d)
		}
	})

	t.Run("操作履歴が新しい順に返されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		creds := map[string]string{"email": "judy@example.com", "password": "password123"}
		doRequest(s, http.MethodPost, "/auth/register", creds, nil)
		doRequest(s, http.MethodPost, "/auth/login",
			map[string]string{"email": "judy@example.com", "password": "wrong-password"}, nil)
		w := doRequest(s, http.MethodPost, "/auth/login", creds, nil)
		tok, _ := decodeBody(t, w)["token"].(string)

		w = doRequest(s, http.MethodGet, "/api/v1/me/events", nil, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusOK, w.Body.String())
		}

		var body struct {
			Events []struct {
				EventType string `json:"event_type"`
				Version   int64  `json:"version"`
			} `json:"events"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		want := []string{"LoginSucceeded", "LoginFailed", "AccountRegistered"}
		if len(body.Events) != len(want) {
			t.Fatalf("イベント数 = %d, want %d", len(body.Events), len(want))
		}
		for i, ev := range body.Events {
			if ev.EventType != want[i] {
				t.Errorf("events[%d] = %q, want %q", i, ev.EventType, want[i])
			}
			if ev.Version != int64(len(want)-i) {
				t.Errorf("events[%d].version = %d, want %d", i, ev.Version, len(want)-i)
			}
		}

		w = doRequest(s, http.MethodGet, "/api/v1/me/events?limit=0", nil, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if w.Code != http.StatusBadRequest {
			t.Errorf("limit=0のステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("ハンドラのログがサーバーのロガーにリクエストID付きで出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		s := newTestServer(t, testServerOptions{logger: logging.NewWithWriter(&buf, "info", "json")})

		w := doRequest(s, http.MethodPost, "/auth/register", map[string]string{
			"email":    "logged@example.com",
			"password": "password123",
		}, map[string]string{middleware.HeaderRequestID: "req-register-1"})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}

		var found bool
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var entry map[string]any
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				t.Fatalf("ログのパースに失敗: %v (line=%s)", err, line)
			}
			if entry["msg"] == "アカウントを登録しました" {
				found = true
				if entry["request_id"] != "req-register-1" {
					t.Errorf("request_id = %v, want %q", entry["request_id"], "req-register-1")
				}
			}
		}
		if !found {
			t.Errorf("登録のログが出力されていない: %s", buf.String())
		}
	})

	t.Run("同じメールアドレスの登録は409になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		creds := map[string]string{"email": "dup@example.com", "password": "password123"}
		doRequest(s, http.MethodPost, "/auth/register", creds, nil)

		creds["email"] = "DUP@example.com"
		w := doRequest(s, http.MethodPost, "/auth/register", creds, nil)
		if w.Code != http.StatusConflict {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusConflict)
		}
	})

	t.Run("不正なリクエストボディは400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		bodies := []map[string]string{
			{"email": "not-an-email", "password": "password123"},
			{"email": "a@example.com", "password": "short"},
			{"email": "a@example.com", "password": strings.Repeat("x", 73)},
			// 30文字だがUTF-8で90バイト
			{"email": "a@example.com", "password": strings.Repeat("あ", 30)},
			{},
		}
		for _, b := range bodies {
			w := doRequest(s, http.MethodPost, "/auth/register", b, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("body=%v: ステータスコード = %d, want %d", b, w.Code, http.StatusBadRequest)
			}
			if got := decodeBody(t, w)["message"]; got != msgInvalidRequest {
				t.Errorf("message = %v, want %q", got, msgInvalidRequest)
			}
		}
	})

	t.Run("72バイトを超えるマルチバイトのパスワードでのログインは400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		registerAndLogin(t, s, "multibyte@example.com", "password123")

		w := doRequest(s, http.MethodPost, "/auth/login", map[string]string{
			"email":    "multibyte@example.com",
			"password": strings.Repeat("あ", 30),
		}, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusBadRequest, w.Body.String())
		}
		if got := decodeBody(t, w)["message"]; got != msgInvalidRequest {
			t.Errorf("message = %v, want %q", got, msgInvalidRequest)
		}
	})

	t.Run("誤ったパスワードと未登録のメールアドレスは同じ401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		doRequest(s, http.MethodPost, "/auth/register",
			map[string]string{"email": "carol@example.com", "password": "password123"}, nil)

		wrong := doRequest(s, http.MethodPost, "/auth/login",
			map[string]string{"email": "carol@example.com", "password": "password124"}, nil)
		unknown := doRequest(s, http.MethodPost, "/auth/login",
			map[string]string{"email": "nobody@example.com", "password": "password123"}, nil)

		for _, w := range []*httptest.ResponseRecorder{wrong, unknown} {
			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if got := decodeBody(t, w)["message"]; got != msgInvalidCredentials {
				t.Errorf("message = %v, want %q", got, msgInvalidCredentials)
			}
		}
	})

	t.Run("トークンが無い場合は/meが401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		w := doRequest(s, http.MethodGet, "/api/v1/me", nil, nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		assertSecurityHeaders(t, w)
	})

	t.Run("改ざんされたトークンは401になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		tok := registerAndLogin(t, s, "dave@example.com", "password123")
		parts := strings.Split(tok, ".")
		parts[1] = parts[1][:len(parts[1])-2] + "AA"

		w := doRequest(s, http.MethodGet, "/api/v1/me", nil, map[string]string{
			"Authorization": "Bearer " + strings.Join(parts, "."),
		})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestSecurityPipeline はゲートウェイを通したシナリオを検証する。
func TestSecurityPipeline(t *testing.T) {
	t.Parallel()

	t.Run("同一クライアントの101件目は429になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		for i := 0; i < 100; i++ {
			if w := doRequest(s, http.MethodGet, "/", nil, nil); w.Code != http.StatusOK {
				t.Fatalf("%d件目のステータスコード = %d, want %d", i+1, w.Code, http.StatusOK)
			}
		}

		w := doRequest(s, http.MethodGet, "/", nil, nil)
		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if got := decodeBody(t, w)["message"]; got != middleware.MessageRateLimited {
			t.Errorf("message = %v, want %q", got, middleware.MessageRateLimited)
		}
		if got := w.Header().Get("Retry-After"); got == "" || got == "0" {
			t.Errorf("Retry-After = %q, want 正の秒数", got)
		}
		assertSecurityHeaders(t, w)
	})

	t.Run("許可されていないオリジンは403となり処理されないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		creds := map[string]string{"email": "eve@example.com", "password": "password123"}
		w := doRequest(s, http.MethodPost, "/auth/register", creds, map[string]string{
			"Origin": "https://evil.example",
		})

		if w.Code != http.StatusForbidden {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
		if got := decodeBody(t, w)["message"]; got != middleware.MessageOriginRejected {
			t.Errorf("message = %v, want %q", got, middleware.MessageOriginRejected)
		}
		assertSecurityHeaders(t, w)

		// 拒否された登録は保存されていない
		if _, err := s.store.GetAccountByEmail(context.Background(), "eve@example.com"); err != ErrNotFound {
			t.Errorf("GetAccountByEmail()のエラー = %v, want ErrNotFound", err)
		}
	})

	t.Run("許可されたオリジンのプリフライトは204になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		w := doRequest(s, http.MethodOptions, "/auth/login", nil, map[string]string{
			"Origin":                        allowedOrigin,
			"Access-Control-Request-Method": "POST",
		})

		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, allowedOrigin)
		}
	})

	t.Run("判定結果がメトリクスに記録されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		doRequest(s, http.MethodGet, "/", nil, map[string]string{"Origin": "https://evil.example"})
		w := doRequest(s, http.MethodGet, "/metrics", nil, nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		want := `secgate_gateway_decisions_total{outcome="rejected",stage="origin"} 1`
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("メトリクスに %q が含まれない", want)
		}
	})
}

// TestUserRecords は利用者レコードの登録を検証する。
func TestUserRecords(t *testing.T) {
	t.Parallel()

	t.Run("フォームの入力が登録されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		w := doRequest(s, http.MethodPost, "/users", map[string]any{
			"inputs": map[string]string{"name": "Frank", "email": "frank@example.com"},
		}, map[string]string{"Origin": allowedOrigin})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["name"] != "Frank" || body["email"] != "frank@example.com" {
			t.Errorf("body = %v", body)
		}
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != allowedOrigin {
			t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, allowedOrigin)
		}
	})

	t.Run("inputsが無い場合は400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		w := doRequest(s, http.MethodPost, "/users", map[string]string{"name": "Frank"}, nil)

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestProxy は上流サービスへの転送を検証する。
func TestProxy(t *testing.T) {
	t.Parallel()

	t.Run("認証済みリクエストが上流に転送されること", func(t *testing.T) {
		t.Parallel()

		gotUser := make(chan string, 1)
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/items" {
				gotUser <- r.Header.Get("X-User-ID")
			}
			w.Header().Set("X-Powered-By", "Express")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		t.Cleanup(backend.Close)

		s := newTestServer(t, testServerOptions{upstreamURL: backend.URL})
		tok := registerAndLogin(t, s, "grace@example.com", "password123")

		w := doRequest(s, http.MethodPost, "/api/v1/upstream/items", map[string]int{"n": 1}, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d (body=%s)", w.Code, http.StatusCreated, w.Body.String())
		}
		if got := w.Body.String(); got != `{"ok":true}` {
			t.Errorf("body = %q, want %q", got, `{"ok":true}`)
		}
		if got := <-gotUser; got == "" {
			t.Error("X-User-IDが転送されていない")
		}
		assertSecurityHeaders(t, w)
	})

	t.Run("上流が未設定の場合は502になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testServerOptions{})
		tok := registerAndLogin(t, s, "heidi@example.com", "password123")

		w := doRequest(s, http.MethodGet, "/api/v1/upstream/items", nil, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
		}
	})

	t.Run("上流に接続できない場合は502になること", func(t *testing.T) {
		t.Parallel()

		down := httptest.NewServer(http.NotFoundHandler())
		url := down.URL
		down.Close()

		s := newTestServer(t, testServerOptions{upstreamURL: url})
		tok := registerAndLogin(t, s, "ivan@example.com", "password123")

		w := doRequest(s, http.MethodGet, "/api/v1/upstream/items", nil, map[string]string{
			"Authorization": "Bearer " + tok,
		})
		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
		}
		if got := decodeBody(t, w)["message"]; got != "upstream unavailable" {
			t.Errorf("message = %v, want %q", got, "upstream unavailable")
		}
	})

	t.Run("トークンが無い場合は上流に転送されないこと", func(t *testing.T) {
		t.Parallel()

		called := make(chan struct{}, 1)
		backend := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			called <- struct{}{}
		}))
		t.Cleanup(backend.Close)

		s := newTestServer(t, testServerOptions{upstreamURL: backend.URL})
		w := doRequest(s, http.MethodGet, "/api/v1/upstream/items", nil, nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		select {
		case <-called:
			t.Error("未認証のリクエストが上流に転送された")
		default:
		}
	})
}
