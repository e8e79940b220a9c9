// Package identity はアクセストークンの検証と、検証済みユーザー情報の保持を担う。
package identity

import (
	"sort"
	"strings"
)

// Identity は検証済みトークンから取り出したユーザー情報。
// 生成後は変更されない。ロール集合は読み取り専用メソッド経由でのみ参照できる。
type Identity struct {
	// Subject はIdP上のユーザー識別子（sub）。
	Subject string
	// UserID はバックエンドで使う数値ユーザーID。
	UserID int64
	// Login はログイン名（preferred_username）。
	Login string
	// Email はメールアドレス。
	Email string
	// EmailVerified はメールアドレスが確認済みかどうか。
	EmailVerified bool
	// Nickname は表示名。
	Nickname string

	realmRoles  map[string]struct{}
	clientRoles map[string]struct{}
}

// New はロール一覧を取り込んだIdentityを生成する。
func New(subject string, userID int64, login, email string, emailVerified bool, nickname string, realmRoles, clientRoles []string) *Identity {
	return &Identity{
		Subject:       subject,
		UserID:        userID,
		Login:         login,
		Email:         email,
		EmailVerified: emailVerified,
		Nickname:      nickname,
		realmRoles:    toSet(realmRoles),
		clientRoles:   toSet(clientRoles),
	}
}

func toSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		if r = strings.TrimSpace(r); r != "" {
			set[r] = struct{}{}
		}
	}
	return set
}

// HasRole はレルムロールまたはクライアントロールに指定ロールが含まれるかを返す。
func (i *Identity) HasRole(role string) bool {
	if _, ok := i.realmRoles[role]; ok {
		return true
	}
	_, ok := i.clientRoles[role]
	return ok
}

// HasAllRoles は指定ロールをすべて保持しているかを返す。空の指定は常にtrue。
func (i *Identity) HasAllRoles(roles []string) bool {
	for _, r := range roles {
		if !i.HasRole(r) {
			return false
		}
	}
	return true
}

// RealmRoles はレルムロールを名前順で返す。
func (i *Identity) RealmRoles() []string {
	return sortedKeys(i.realmRoles)
}

// ClientRoles はクライアントロールを名前順で返す。
func (i *Identity) ClientRoles() []string {
	return sortedKeys(i.clientRoles)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
