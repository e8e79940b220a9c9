// Package gateway はbookshelfゲートウェイのHTTPサーバーを提供する。
//
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
// ルートごとに宣言したヘッダー契約、認証、ロール要件をパイプラインで検査し、
// 通過したリクエストだけを論理サービス名で解決したバックエンドに転送する。
package gateway
