// Package middleware はゲートウェイのGinルーターで使用する共通ミドルウェアを提供する。
//
// パニックリカバリ、リクエストIDの付与、zapによるアクセスログ、
// CORS設定を含む。認証はパイプラインの段として行うためここには含めない。
package middleware
