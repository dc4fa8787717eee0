// Package storage 订阅及其实例记录的持久化。
//
// 对账器只依赖 SubscriptionStore；后端按配置在 MongoDB 与 PostgreSQL 之间选择。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"subscription-scheduler/internal/config"
	"subscription-scheduler/internal/models"
)

// ErrUnknownBackend 未知的存储后端
var ErrUnknownBackend = errors.New("unknown store backend")

// OriginFilter 订阅来源过滤：AppCodes 非空时按列表匹配，否则匹配 FromSystem
type OriginFilter struct {
	AppCodes   []string
	FromSystem string
}

// NewOriginFilter 根据全局配置的 app_code 列表构造过滤条件
func NewOriginFilter(appCodes []string) OriginFilter {
	if len(appCodes) > 0 {
		return OriginFilter{AppCodes: appCodes}
	}
	return OriginFilter{FromSystem: models.FromSystemMonitor}
}

// Values 过滤条件匹配的 from_system 取值
func (f OriginFilter) Values() []string {
	if len(f.AppCodes) > 0 {
		return f.AppCodes
	}
	return []string{f.FromSystem}
}

func (f OriginFilter) String() string {
	if len(f.AppCodes) > 0 {
		return fmt.Sprintf("from_system in %v", f.AppCodes)
	}
	return "from_system=" + f.FromSystem
}

// SubscriptionStore 对账器使用的订阅存储
type SubscriptionStore interface {
	// NeedCleanAppCodes 全局配置 NEED_CLEAN_SUBSCRIPTION_APP_CODE，未配置时返回空
	NeedCleanAppCodes(ctx context.Context) ([]string, error)
	// ResetDeleted 将 enable=true 且删除时间落在 [from, to] 的订阅重新软删除，不修改删除时间，返回受影响的订阅ID
	ResetDeleted(ctx context.Context, origin OriginFilter, from, to time.Time) ([]int64, error)
	// DeletedSubscriptionIDs 删除时间落在 [from, to] 的软删除订阅
	DeletedSubscriptionIDs(ctx context.Context, origin OriginFilter, from, to time.Time) ([]int64, error)
	// FailedSubscriptionIDs ids 中存在最新实例记录为 FAILED 的订阅
	FailedSubscriptionIDs(ctx context.Context, ids []int64) ([]int64, error)
	// Revive 清空 nodes 并重新启用仍处于软删除状态的订阅，返回更新数量
	Revive(ctx context.Context, ids []int64) (int64, error)
	Close(ctx context.Context) error
}

// Open 按配置打开存储后端
func Open(ctx context.Context, cfg *config.Config) (SubscriptionStore, error) {
	switch cfg.Store.Backend {
	case "mongo":
		return NewMongoStore(ctx, &cfg.Mongo)
	case "postgres":
		return NewPostgresStore(ctx, &cfg.Postgres)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Store.Backend)
	}
}
