// Package httpclient はゲートウェイからバックエンドやIdPへ送るHTTP呼び出しを担う。
//
// 非2xxのステータスはエラーにせず、そのまま Response として返す。
// エラーになるのは接続拒否やタイムアウトなどの通信失敗だけである。
// 呼び出し元のキャンセルは下流へ伝播させず、クライアント自身のタイムアウトで打ち切る。
package httpclient
