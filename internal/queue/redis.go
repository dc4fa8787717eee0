package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// HGETALL + DEL 放在同一个脚本里执行，读取与清空之间不会插入其他写入
var drainHashScript = redis.NewScript(`
local data = redis.call('HGETALL', KEYS[1])
if #data > 0 then
	redis.call('DEL', KEYS[1])
end
return data
`)

// 队尾是最早入队的请求：LRANGE -n -1 取出后 LTRIM 保留剩余前缀
var popTailScript = redis.NewScript(`
local n = tonumber(ARGV[1])
local len = redis.call('LLEN', KEYS[1])
if n > len then
	n = len
end
if n <= 0 then
	return {}
end
local items = redis.call('LRANGE', KEYS[1], -n, -1)
redis.call('LTRIM', KEYS[1], 0, -n - 1)
return items
`)

// RedisKeyedQueue 基于 Redis hash 的 KeyedQueue
type RedisKeyedQueue struct {
	client redis.UniversalClient
	name   string
}

// NewRedisKeyedQueue 创建 hash 队列
func NewRedisKeyedQueue(client redis.UniversalClient, name string) *RedisKeyedQueue {
	return &RedisKeyedQueue{client: client, name: name}
}

// Put 写入请求，同一 key 后写覆盖先写
func (q *RedisKeyedQueue) Put(ctx context.Context, key string, payload []byte) error {
	if err := q.client.HSet(ctx, q.name, key, payload).Err(); err != nil {
		return fmt.Errorf("写入队列 %s 失败: %w", q.name, err)
	}
	return nil
}

// Len 当前待处理的订阅数
func (q *RedisKeyedQueue) Len(ctx context.Context) (int64, error) {
	return q.client.HLen(ctx, q.name).Result()
}

// Drain 原子地取出并清空全部请求
func (q *RedisKeyedQueue) Drain(ctx context.Context) ([]Entry, error) {
	// 步骤1：脚本返回 field、value 交替的扁平列表
	raw, err := drainHashScript.Run(ctx, q.client, []string{q.name}).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("取出队列 %s 失败: %w", q.name, err)
	}
	// 步骤2：两两组装为 Entry
	entries := make([]Entry, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		entries = append(entries, Entry{Field: raw[i], Value: []byte(raw[i+1])})
	}
	return entries, nil
}

// RedisOrderedQueue 基于 Redis list 的 OrderedQueue
type RedisOrderedQueue struct {
	client redis.UniversalClient
	name   string
}

// NewRedisOrderedQueue 创建 list 队列
func NewRedisOrderedQueue(client redis.UniversalClient, name string) *RedisOrderedQueue {
	return &RedisOrderedQueue{client: client, name: name}
}

// Push LPUSH 到队头，多条按参数顺序入队
func (q *RedisOrderedQueue) Push(ctx context.Context, payloads ...[]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	values := make([]interface{}, len(payloads))
	for i, p := range payloads {
		values[i] = p
	}
	if err := q.client.LPush(ctx, q.name, values...).Err(); err != nil {
		return fmt.Errorf("写入队列 %s 失败: %w", q.name, err)
	}
	return nil
}

// Len 当前排队的请求数
func (q *RedisOrderedQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// PopOldest 原子地取出至多 max 条最早入队的请求，按入队顺序返回
func (q *RedisOrderedQueue) PopOldest(ctx context.Context, max int) ([][]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := popTailScript.Run(ctx, q.client, []string{q.name}, max).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("取出队列 %s 失败: %w", q.name, err)
	}
	return oldestFirst(raw), nil
}

// Peek 查看至多 max 条最早入队的请求，不移除
func (q *RedisOrderedQueue) Peek(ctx context.Context, max int) ([][]byte, error) {
	if max <= 0 {
		return nil, nil
	}
	raw, err := q.client.LRange(ctx, q.name, int64(-max), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("读取队列 %s 失败: %w", q.name, err)
	}
	return oldestFirst(raw), nil
}

// oldestFirst 队尾在前
func oldestFirst(raw []string) [][]byte {
	items := make([][]byte, len(raw))
	for i, v := range raw {
		items[len(raw)-1-i] = []byte(v)
	}
	return items
}
