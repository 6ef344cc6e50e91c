// Package middleware はゲートウェイで使用するGinミドルウェアを提供する。
//
// SecurityGatewayは全リクエストに対してオリジン検査、セキュリティヘッダーの付与、
// クライアント単位のレート制限を順に適用する。そのほかBearerトークンの検証、
// リクエストIDの割り当て、パニックリカバリを含む。
package middleware
