package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"subscription-scheduler/internal/config"
	"subscription-scheduler/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgxPool pgxpool.Pool 中用到的方法
type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

const (
	selectAppCodesSQL = `SELECT v FROM node_man_globalsettings WHERE key = $1`

	resetDeletedSQL = `UPDATE node_man_subscription
SET enable = false, is_deleted = true
WHERE enable = true AND from_system = ANY($3) AND deleted_time BETWEEN $1 AND $2
RETURNING id`

	selectDeletedSQL = `SELECT id FROM node_man_subscription
WHERE is_deleted = true AND from_system = ANY($3) AND deleted_time BETWEEN $1 AND $2
ORDER BY id`

	selectFailedSQL = `SELECT DISTINCT subscription_id FROM node_man_subscriptioninstancerecord
WHERE subscription_id = ANY($1) AND is_latest = true AND status = $2
ORDER BY subscription_id`

	reviveSQL = `UPDATE node_man_subscription
SET nodes = '[]'::jsonb, is_deleted = false, enable = true
WHERE id = ANY($1) AND is_deleted = true`
)

// PostgresStore 基于 PostgreSQL 的 SubscriptionStore
type PostgresStore struct {
	pool pgxPool
}

var _ SubscriptionStore = (*PostgresStore)(nil)

// NewPostgresStore 创建连接池并检查连通性
func NewPostgresStore(ctx context.Context, cfg *config.PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("解析PostgreSQL连接串失败: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("创建PostgreSQL连接池失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("PostgreSQL不可用: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// NeedCleanAppCodes 读取 JSON 数组形式的 app_code 配置，未配置时返回空
func (s *PostgresStore) NeedCleanAppCodes(ctx context.Context) ([]string, error) {
	// 步骤1：读取配置原文
	var raw []byte
	if err := s.pool.QueryRow(ctx, selectAppCodesSQL, models.KeyNeedCleanSubscriptionAppCode).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取全局配置失败: %w", err)
	}

	// 步骤2：解析为字符串列表
	var codes []string
	if len(raw) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(raw, &codes); err != nil {
		return nil, fmt.Errorf("解析全局配置 %s 失败: %w", models.KeyNeedCleanSubscriptionAppCode, err)
	}
	return codes, nil
}

// ResetDeleted 单条 UPDATE ... RETURNING，选取与更新在同一语句内完成
func (s *PostgresStore) ResetDeleted(ctx context.Context, origin OriginFilter, from, to time.Time) ([]int64, error) {
	ids, err := s.queryIDs(ctx, resetDeletedSQL, from, to, origin.Values())
	if err != nil {
		return nil, fmt.Errorf("重新删除订阅失败: %w", err)
	}
	return ids, nil
}

// DeletedSubscriptionIDs 删除时间在 [from, to] 内的已删除订阅ID
func (s *PostgresStore) DeletedSubscriptionIDs(ctx context.Context, origin OriginFilter, from, to time.Time) ([]int64, error) {
	ids, err := s.queryIDs(ctx, selectDeletedSQL, from, to, origin.Values())
	if err != nil {
		return nil, fmt.Errorf("查询已删除订阅失败: %w", err)
	}
	return ids, nil
}

// FailedSubscriptionIDs ids 中存在最新执行记录为失败的订阅ID
func (s *PostgresStore) FailedSubscriptionIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	failed, err := s.queryIDs(ctx, selectFailedSQL, ids, models.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("查询失败实例记录失败: %w", err)
	}
	return failed, nil
}

// Revive 清空节点并恢复订阅，返回实际修改的行数
func (s *PostgresStore) Revive(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, reviveSQL, ids)
	if err != nil {
		return 0, fmt.Errorf("恢复订阅失败: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close 关闭连接池
func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}

// queryIDs 执行只返回一列 id 的查询
func (s *PostgresStore) queryIDs(ctx context.Context, sql string, args ...any) ([]int64, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}
