package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"IRIS-Chain/internal/cursor"
)

// Config 描述 Redis 连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Key      string
}

type kv interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Close() error
}

// CursorStore 把区块游标保存为一个 Redis 字符串键。
type CursorStore struct {
	client kv
	key    string
}

var _ cursor.Store = (*CursorStore)(nil)

// NewCursorStore 连接 Redis 并创建游标存储。
func NewCursorStore(ctx context.Context, cfg Config) (*CursorStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return newCursorStore(client, cfg.Key), nil
}

func newCursorStore(client kv, key string) *CursorStore {
	if key == "" {
		key = "iris:cursor"
	}
	return &CursorStore{client: client, key: key}
}

// Load 实现 cursor.Store。
func (s *CursorStore) Load(ctx context.Context) (uint64, bool, error) {
	raw, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("读取游标失败: %w", err)
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("游标值 %q 无效: %w", raw, err)
	}
	return value, true, nil
}

// Save 实现 cursor.Store。
func (s *CursorStore) Save(ctx context.Context, block uint64) error {
	if err := s.client.Set(ctx, s.key, strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return fmt.Errorf("写入游标失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *CursorStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
