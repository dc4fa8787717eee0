// Package reconciler 清理被删除且有卸载残留的订阅。
//
// 订阅删除后若卸载失败，会在 H 小时内被恢复（清空 nodes 并开启巡检）以便重新卸载；
// 恢复后的订阅在删除后的 [2H, 3H] 窗口内再次被软删除。
package reconciler

import (
	"context"
	"fmt"
	"time"

	"subscription-scheduler/internal/metrics"
	"subscription-scheduler/internal/notify"
	"subscription-scheduler/internal/storage"

	"github.com/sirupsen/logrus"
)

// DefaultSubscriptionDeleteHours 默认删除窗口（小时）
const DefaultSubscriptionDeleteHours = 6

// Report 一次对账的结果
type Report struct {
	ResetIDs   []int64 `json:"reset_ids"`
	RevivedIDs []int64 `json:"revived_ids"`
}

// Changed 是否有订阅被修改
func (r Report) Changed() bool {
	return len(r.ResetIDs) > 0 || len(r.RevivedIDs) > 0
}

// Reconciler 删除订阅对账
type Reconciler struct {
	store    storage.SubscriptionStore
	window   time.Duration
	metrics  metrics.Recorder
	notifier notify.Notifier
	now      func() time.Time
}

// Option Reconciler 可选项
type Option func(*Reconciler)

// WithClock 替换当前时间来源
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithMetrics 指标记录
func WithMetrics(rec metrics.Recorder) Option {
	return func(r *Reconciler) { r.metrics = rec }
}

// WithNotifier 有订阅被修改时发送摘要
func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// New 创建对账器，window 即 SUBSCRIPTION_DELETE_HOURS
func New(store storage.SubscriptionStore, window time.Duration, opts ...Option) *Reconciler {
	if window <= 0 {
		window = DefaultSubscriptionDeleteHours * time.Hour
	}
	r := &Reconciler{
		store:    store,
		window:   window,
		metrics:  metrics.Nop{},
		notifier: notify.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CleanDeletedSubscription 执行一次对账。
// 步骤1：删除时间在 [now-3H, now-2H] 且仍启用的订阅重新软删除；
// 步骤2：删除时间在 [now-H, now] 且最新实例记录为 FAILED 的订阅恢复并清空 nodes。
func (r *Reconciler) CleanDeletedSubscription(ctx context.Context) (Report, error) {
	var report Report
	now := r.now()
	h := r.window

	appCodes, err := r.store.NeedCleanAppCodes(ctx)
	if err != nil {
		return report, err
	}
	origin := storage.NewOriginFilter(appCodes)

	// 步骤1：再次软删除，不刷新删除时间
	resetIDs, err := r.store.ResetDeleted(ctx, origin, now.Add(-3*h), now.Add(-2*h))
	if err != nil {
		return report, err
	}
	if len(resetIDs) > 0 {
		report.ResetIDs = resetIDs
		r.metrics.Reconciled("reset", len(resetIDs))
		logrus.WithFields(logrus.Fields{
			"method": "CleanDeletedSubscription",
			"origin": origin.String(),
			"length": len(resetIDs),
		}).Infof("reset subscription%v is_deleted", resetIDs)
	}

	// 步骤2：H 小时内被删除的订阅
	deletedIDs, err := r.store.DeletedSubscriptionIDs(ctx, origin, now.Add(-h), now)
	if err != nil {
		return report, err
	}
	if len(deletedIDs) == 0 {
		r.notify(ctx, report, now)
		return report, nil
	}

	failedIDs, err := r.store.FailedSubscriptionIDs(ctx, deletedIDs)
	if err != nil {
		return report, err
	}
	if len(failedIDs) == 0 {
		r.notify(ctx, report, now)
		return report, nil
	}

	revived, err := r.store.Revive(ctx, failedIDs)
	if err != nil {
		return report, err
	}
	report.RevivedIDs = failedIDs
	r.metrics.Reconciled("revive", int(revived))
	logrus.WithFields(logrus.Fields{
		"method":  "CleanDeletedSubscription",
		"origin":  origin.String(),
		"length":  len(failedIDs),
		"updated": revived,
	}).Infof("set %v nodes be null and enable auto trigger", failedIDs)

	r.notify(ctx, report, now)
	return report, nil
}

func (r *Reconciler) notify(ctx context.Context, report Report, now time.Time) {
	if !report.Changed() {
		return
	}
	if err := r.notifier.Notify(ctx, notify.ReconcileSummary(report.ResetIDs, report.RevivedIDs, now)); err != nil {
		logrus.WithField("method", "CleanDeletedSubscription").Warnf("发送对账通知失败: %v", err)
	}
}

// Run 适配周期任务
func (r *Reconciler) Run(ctx context.Context) error {
	if _, err := r.CleanDeletedSubscription(ctx); err != nil {
		return fmt.Errorf("清理删除订阅失败: %w", err)
	}
	return nil
}
