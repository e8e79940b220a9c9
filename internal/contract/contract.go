// Package contract はルートごとに宣言するヘッダー契約とロール要件を検査する。
package contract

import (
	"net/http"
	"strings"

	"github.com/nao1215/bookshelf/internal/fault"
	"github.com/nao1215/bookshelf/internal/identity"
)

// RouteContract はルート登録時に宣言する要件。登録後は読み取り専用。
type RouteContract struct {
	// RequiredHeaders は存在しなければならないヘッダー。
	RequiredHeaders []string
	// ForbiddenHeaders は存在してはならないヘッダー。
	ForbiddenHeaders []string
	// RequiredRoles は呼び出し元がすべて保持していなければならないロール。
	RequiredRoles []string
}

// Parse はカンマ区切りの宣言を名前の一覧にする。空要素は捨てる。
func Parse(list string) []string {
	var out []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// EnforceHeaders は必須ヘッダーの欠落と禁止ヘッダーの存在を検査する。
// 値が空文字でもヘッダーが送られていれば存在するとみなす。
func EnforceHeaders(c RouteContract, h http.Header) error {
	for _, name := range c.RequiredHeaders {
		if !present(h, name) {
			return fault.Violation("必須ヘッダーがありません: " + name)
		}
	}
	for _, name := range c.ForbiddenHeaders {
		if present(h, name) {
			return fault.Violation("禁止されたヘッダーが含まれています: " + name)
		}
	}
	return nil
}

// EnforceRoles は呼び出し元が要求ロールをすべて保持しているかを検査する。
func EnforceRoles(c RouteContract, id *identity.Identity) error {
	if len(c.RequiredRoles) == 0 {
		return nil
	}
	if id == nil || !id.HasAllRoles(c.RequiredRoles) {
		return fault.Authz("このリソースへのアクセス権がありません")
	}
	return nil
}

func present(h http.Header, name string) bool {
	if _, ok := h[http.CanonicalHeaderKey(name)]; ok {
		return true
	}
	// 正規化されていないキーで格納されたヘッダー（username など）も探す
	for k := range h {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
