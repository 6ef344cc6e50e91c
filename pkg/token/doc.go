// Package token は署名付きの時限トークン（JWT, HS256）の発行と検証を提供する。
//
// 署名用シークレットは設定から注入する。既定値は持たず、短すぎる鍵では
// Serviceを生成できない。検証結果は成功か、不正な構造・署名不一致・期限切れの
// いずれか一つの理由による失敗のどちらかになる。
package token
