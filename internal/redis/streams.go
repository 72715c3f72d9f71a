package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xiaoxiaolai/http2-node/internal/config"
)

// Client Redis客户端类型别名
type Client = redis.Client

// NewRedisClient 创建Redis客户端
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Ping 测试Redis连接
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func Close(client *redis.Client) error {
	return client.Close()
}

// StreamPublisher 批量写入 Redis Streams
// Each entry carries a "data" field with the JSON body and a unix
// "timestamp". MaxLen > 0 trims the stream approximately.
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
	now    func() time.Time
}

func NewStreamPublisher(client *redis.Client, stream string, maxLen int64) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

func (p *StreamPublisher) Stream() string { return p.stream }

// PublishJSON 发布单条 JSON 消息
func (p *StreamPublisher) PublishJSON(ctx context.Context, data any) (string, error) {
	args, err := p.args(data)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", p.stream, err)
	}
	return id, nil
}

// PublishBatch writes all items in one MULTI/EXEC round trip. Either every
// entry is appended or the call fails.
func PublishBatch[T any](ctx context.Context, p *StreamPublisher, items []T) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	argList := make([]*redis.XAddArgs, 0, len(items))
	for _, item := range items {
		args, err := p.args(item)
		if err != nil {
			return nil, err
		}
		argList = append(argList, args)
	}

	cmds, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, args := range argList {
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish %d entries to stream %s: %w", len(items), p.stream, err)
	}
	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		if xadd, ok := cmd.(*redis.StringCmd); ok {
			ids = append(ids, xadd.Val())
		}
	}
	return ids, nil
}

func (p *StreamPublisher) args(data any) (*redis.XAddArgs, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stream entry: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"data":      string(body),
			"timestamp": strconv.FormatInt(p.now().Unix(), 10),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return args, nil
}
