package pipeline

import "strings"

// ParseCookies はCookieヘッダーを名前と値の対応にする。
// "=" を含まない要素は捨て、値の中の "=" はそのまま残す。
func ParseCookies(header string) map[string]string {
	cookies := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		cookies[name] = strings.TrimSpace(value)
	}
	return cookies
}

// BaseCookie はゲートウェイが発行するCookieの Set-Cookie 値を組み立てる。
func BaseCookie(name, value string) string {
	return name + "=" + value + "; Path=/; HttpOnly; SameSite=Strict"
}
