package storage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"subscription-scheduler/internal/config"
	"subscription-scheduler/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	subscriptionColl   = "subscriptions"
	instanceRecordColl = "subscription_instance_records"
	globalSettingsColl = "global_settings"
)

// MongoStore 基于 MongoDB 的 SubscriptionStore
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ SubscriptionStore = (*MongoStore)(nil)

// NewMongoStore 连接 MongoDB 并创建索引
func NewMongoStore(ctx context.Context, cfg *config.MongoConfig) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.Timeout))
	if err != nil {
		return nil, fmt.Errorf("连接MongoDB失败: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("MongoDB不可用: %w", err)
	}

	s := newMongoStore(client.Database(cfg.Database))
	if err := s.createIndexes(connectCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("创建索引失败: %w", err)
	}
	return s, nil
}

// newMongoStore 基于已有的数据库句柄创建，测试中直接使用
func newMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{client: db.Client(), db: db}
}

// createIndexes 对账查询用到的索引
func (s *MongoStore) createIndexes(ctx context.Context) error {
	_, err := s.db.Collection(subscriptionColl).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{
			{Key: "is_deleted", Value: 1},
			{Key: "from_system", Value: 1},
			{Key: "deleted_time", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "enable", Value: 1},
			{Key: "from_system", Value: 1},
			{Key: "deleted_time", Value: 1},
		}},
	})
	if err != nil {
		return err
	}

	_, err = s.db.Collection(instanceRecordColl).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{
			{Key: "subscription_id", Value: 1},
			{Key: "is_latest", Value: 1},
			{Key: "status", Value: 1},
		}},
	})
	if err != nil {
		return err
	}

	_, err = s.db.Collection(globalSettingsColl).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// NeedCleanAppCodes 读取全局配置中需要清理的订阅来源，未配置时返回空
func (s *MongoStore) NeedCleanAppCodes(ctx context.Context) ([]string, error) {
	var setting struct {
		Value []string `bson:"v"`
	}
	filter := bson.D{{Key: "key", Value: models.KeyNeedCleanSubscriptionAppCode}}
	if err := s.db.Collection(globalSettingsColl).FindOne(ctx, filter).Decode(&setting); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取全局配置失败: %w", err)
	}
	return setting.Value, nil
}

// ResetDeleted 将删除时间在 [from, to] 内仍启用的订阅重新标记为删除，返回受影响的订阅ID
func (s *MongoStore) ResetDeleted(ctx context.Context, origin OriginFilter, from, to time.Time) ([]int64, error) {
	// 步骤1：组装过滤条件
	coll := s.db.Collection(subscriptionColl)
	filter := bson.D{
		{Key: "enable", Value: true},
		originCondition(origin),
		deletedTimeCondition(from, to),
	}

	// 步骤2：先取ID再更新，更新后 enable=false 不再命中过滤条件
	ids, err := distinctInt64(ctx, coll, "id", filter)
	if err != nil {
		return nil, fmt.Errorf("查询待重新删除的订阅失败: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// 步骤3：只更新已取出的订阅
	filter = append(filter, bson.E{Key: "id", Value: bson.D{{Key: "$in", Value: ids}}})
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "enable", Value: false},
		{Key: "is_deleted", Value: true},
	}}}
	if _, err := coll.UpdateMany(ctx, filter, update); err != nil {
		return nil, fmt.Errorf("重新删除订阅失败: %w", err)
	}
	return ids, nil
}

// DeletedSubscriptionIDs 删除时间在 [from, to] 内的已删除订阅ID
func (s *MongoStore) DeletedSubscriptionIDs(ctx context.Context, origin OriginFilter, from, to time.Time) ([]int64, error) {
	filter := bson.D{
		{Key: "is_deleted", Value: true},
		originCondition(origin),
		deletedTimeCondition(from, to),
	}
	ids, err := distinctInt64(ctx, s.db.Collection(subscriptionColl), "id", filter)
	if err != nil {
		return nil, fmt.Errorf("查询已删除订阅失败: %w", err)
	}
	return ids, nil
}

// FailedSubscriptionIDs ids 中存在最新执行记录为失败的订阅ID
func (s *MongoStore) FailedSubscriptionIDs(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	filter := bson.D{
		{Key: "subscription_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "is_latest", Value: true},
		{Key: "status", Value: models.StatusFailed},
	}
	failed, err := distinctInt64(ctx, s.db.Collection(instanceRecordColl), "subscription_id", filter)
	if err != nil {
		return nil, fmt.Errorf("查询失败实例记录失败: %w", err)
	}
	return failed, nil
}

// Revive 清空节点并恢复订阅，返回实际修改的数量
func (s *MongoStore) Revive(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.D{
		{Key: "id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "is_deleted", Value: true},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "nodes", Value: bson.A{}},
		{Key: "is_deleted", Value: false},
		{Key: "enable", Value: true},
	}}}
	res, err := s.db.Collection(subscriptionColl).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("恢复订阅失败: %w", err)
	}
	return res.ModifiedCount, nil
}

// Close 断开 MongoDB 连接
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// originCondition 订阅来源过滤：配置了 app_code 时按列表匹配
func originCondition(origin OriginFilter) bson.E {
	if len(origin.AppCodes) > 0 {
		return bson.E{Key: "from_system", Value: bson.D{{Key: "$in", Value: origin.AppCodes}}}
	}
	return bson.E{Key: "from_system", Value: origin.FromSystem}
}

// deletedTimeCondition 删除时间闭区间
func deletedTimeCondition(from, to time.Time) bson.E {
	return bson.E{Key: "deleted_time", Value: bson.D{
		{Key: "$gte", Value: from},
		{Key: "$lte", Value: to},
	}}
}

// distinctInt64 Distinct 返回的数值类型取决于写入方，统一转成 int64
func distinctInt64(ctx context.Context, coll *mongo.Collection, field string, filter bson.D) ([]int64, error) {
	values, err := coll.Distinct(ctx, field, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		switch n := v.(type) {
		case int64:
			ids = append(ids, n)
		case int32:
			ids = append(ids, int64(n))
		case float64:
			if n != math.Trunc(n) || n < math.MinInt64 || n >= math.MaxInt64 {
				return nil, fmt.Errorf("字段 %s 不是整数: %v", field, n)
			}
			ids = append(ids, int64(n))
		default:
			return nil, fmt.Errorf("字段 %s 类型不支持: %T", field, v)
		}
	}
	return ids, nil
}
