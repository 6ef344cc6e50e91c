// Package gateway はセキュリティゲートウェイのHTTPサーバーを提供する。
//
// 全リクエストはSecurityGatewayによるオリジン検査、セキュリティヘッダーの付与、
// レート制限を通過した後にルーティングされる。アカウントの登録とログイン、
// Bearerトークンで保護されたAPI、上流サービスへの転送を担当する。
//
// アカウントの登録やログインの成否は操作履歴としてSQLiteに追記され、
// /api/v1/me/events で本人が参照できる。
package gateway
