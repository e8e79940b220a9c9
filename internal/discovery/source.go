package discovery

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Source は論理サービス名とベースURLの対応表を読み込む。
type Source interface {
	Load(ctx context.Context) (map[string]string, error)
}

// StaticSource は設定ファイルで与えた固定の対応表。
type StaticSource map[string]string

// Load は対応表の複製を返す。
func (s StaticSource) Load(context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// RedisSource はRedisのハッシュから対応表を読み込む。
// フィールドが論理サービス名、値がベースURLになる。
type RedisSource struct {
	client redis.Cmdable
	key    string
}

// NewRedisSource は新しいRedisSourceを生成する。
func NewRedisSource(client redis.Cmdable, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

// Load はハッシュ全体をHGETALLで取得する。
func (s *RedisSource) Load(ctx context.Context) (map[string]string, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("Redisからのサービス一覧取得に失敗: %w", err)
	}
	return entries, nil
}
