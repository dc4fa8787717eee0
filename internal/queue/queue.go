// Package queue 订阅更新/执行请求的缓冲队列。
//
// 更新请求存放在以订阅ID为 field 的 hash 中，同一订阅后写覆盖先写；
// 执行请求存放在 list 中，生产者 LPUSH 到头部，调度器从尾部按入队顺序取出。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"subscription-scheduler/internal/models"
)

// ErrInvalidPayload 请求内容无法编码/解码
var ErrInvalidPayload = errors.New("invalid queue payload")

// Entry hash 中的一项
type Entry struct {
	Field string
	Value []byte
}

// KeyedQueue 按 key 去重的队列（last-write-wins）
type KeyedQueue interface {
	// Put 写入 key 对应的请求，覆盖尚未被取走的旧请求
	Put(ctx context.Context, key string, payload []byte) error
	Len(ctx context.Context) (int64, error)
	// Drain 原子地取出全部请求并清空
	Drain(ctx context.Context) ([]Entry, error)
}

// OrderedQueue 先进先出队列
type OrderedQueue interface {
	// Push 按参数顺序入队，第一个参数最先被取出
	Push(ctx context.Context, payloads ...[]byte) error
	Len(ctx context.Context) (int64, error)
	// PopOldest 原子地取出最早入队的至多 max 个请求，返回顺序为入队顺序
	PopOldest(ctx context.Context, max int) ([][]byte, error)
	// Peek 只读查看最早入队的至多 max 个请求
	Peek(ctx context.Context, max int) ([][]byte, error)
}

// Publisher 订阅请求生产者
type Publisher struct {
	updates KeyedQueue
	runs    OrderedQueue
}

// NewPublisher 创建生产者
func NewPublisher(updates KeyedQueue, runs OrderedQueue) *Publisher {
	return &Publisher{updates: updates, runs: runs}
}

// EnqueueUpdate 缓存订阅更新请求，同一订阅只保留最新一次
func (p *Publisher) EnqueueUpdate(ctx context.Context, req models.UpdateRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.updates.Put(ctx, UpdateField(req.SubscriptionID), data)
}

// EnqueueRun 缓存订阅执行请求
func (p *Publisher) EnqueueRun(ctx context.Context, req models.RunRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return p.runs.Push(ctx, data)
}

// UpdateField 更新请求在 hash 中的 field
func UpdateField(subscriptionID int64) string {
	return strconv.FormatInt(subscriptionID, 10)
}
