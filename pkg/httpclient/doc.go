// Package httpclient はゲートウェイから上流サービスへのHTTP通信を行うクライアントを提供する。
//
// 認証済みリクエストの転送と、上流のヘルスチェックに使用する。
// WithCircuitBreakerを指定すると、上流の障害が続いた間は呼び出しを止めて
// ErrCircuitOpenを返す。
package httpclient
