// Package scheduler 周期性地从队列取出订阅更新/执行请求并交给订阅处理方。
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"subscription-scheduler/internal/handler"
	"subscription-scheduler/internal/metrics"
	"subscription-scheduler/internal/models"
	"subscription-scheduler/internal/notify"
	"subscription-scheduler/internal/queue"

	"github.com/sirupsen/logrus"
)

// 周期任务名称
const (
	TaskScheduleUpdateSubscription = "schedule_update_subscription"
	TaskScheduleRunSubscription    = "schedule_run_subscription"
	TaskCleanDeletedSubscription   = "clean_deleted_subscription"
)

const (
	laneUpdate = "update"
	laneRun    = "run"
)

// DefaultMaxRunSubscriptionTaskCount 每次最多取出的执行请求数
const DefaultMaxRunSubscriptionTaskCount = 50

// Drainer 取出队列中的请求并逐条调用订阅处理方
type Drainer struct {
	updates  queue.KeyedQueue
	runs     queue.OrderedQueue
	handler  handler.SubscriptionHandler
	maxRun   int
	metrics  metrics.Recorder
	notifier notify.Notifier
	now      func() time.Time
}

// Option Drainer 可选项
type Option func(*Drainer)

// WithMaxRunCount 每次最多取出的执行请求数
func WithMaxRunCount(n int) Option {
	return func(d *Drainer) {
		if n > 0 {
			d.maxRun = n
		}
	}
}

// WithMetrics 指标记录
func WithMetrics(rec metrics.Recorder) Option {
	return func(d *Drainer) { d.metrics = rec }
}

// WithFailureNotifier 有失败项时发送摘要
func WithFailureNotifier(n notify.Notifier) Option {
	return func(d *Drainer) { d.notifier = n }
}

// NewDrainer 创建 Drainer
func NewDrainer(updates queue.KeyedQueue, runs queue.OrderedQueue, h handler.SubscriptionHandler, opts ...Option) *Drainer {
	d := &Drainer{
		updates:  updates,
		runs:     runs,
		handler:  h,
		maxRun:   DefaultMaxRunSubscriptionTaskCount,
		metrics:  metrics.Nop{},
		notifier: notify.Nop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ScheduleUpdateSubscription 取出全部更新请求并逐条更新订阅。
// 单条失败（包括无法解析）只记录为 update_result=false，不影响其他请求。
func (d *Drainer) ScheduleUpdateSubscription(ctx context.Context) ([]models.UpdateResult, error) {
	entries, err := d.updates.Drain(ctx)
	if err != nil {
		return nil, err
	}
	d.observeQueues(ctx)
	if len(entries) == 0 {
		return nil, nil
	}
	d.metrics.Drained(laneUpdate, len(entries))
	sortByField(entries)

	// 已从队列取出的请求必须处理完，不随周期取消而中断，由处理方自身超时约束
	work := context.WithoutCancel(ctx)
	results := make([]models.UpdateResult, 0, len(entries))
	for _, entry := range entries {
		result := d.updateOne(work, entry)
		d.metrics.Result(laneUpdate, result.UpdateResult)
		results = append(results, result)
	}

	logrus.WithFields(logrus.Fields{
		"method": "ScheduleUpdateSubscription",
		"length": len(results),
	}).Infof("update subscription with results: %+v", results)
	return results, nil
}

// updateOne 处理单条更新请求，错误与 panic 都转为失败结果
func (d *Drainer) updateOne(ctx context.Context, entry queue.Entry) models.UpdateResult {
	var req models.UpdateRequest
	if err := json.Unmarshal(entry.Value, &req); err != nil || req.SubscriptionID <= 0 {
		id, _ := strconv.ParseInt(entry.Field, 10, 64)
		err = invalidPayload(err)
		logrus.WithFields(logrus.Fields{
			"method":          "ScheduleUpdateSubscription",
			"subscription_id": id,
		}).Errorf("%d update subscription failed with error: %v", id, err)
		return models.UpdateResult{SubscriptionID: id, Error: err.Error()}
	}
	req.Scope = nullToNil(req.Scope)
	req.Steps = nullToNil(req.Steps)
	req.OperateInfo = nullToNil(req.OperateInfo)

	var result models.UpdateResult
	err := protect(func() (err error) {
		result, err = d.handler.UpdateSubscription(ctx, req)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"method":          "ScheduleUpdateSubscription",
			"subscription_id": req.SubscriptionID,
		}).Errorf("%d update subscription failed with error: %v", req.SubscriptionID, err)
		return models.UpdateResult{SubscriptionID: req.SubscriptionID, Error: err.Error()}
	}
	return result
}

// ScheduleRunSubscription 按入队顺序取出至多 maxRun 个执行请求并逐条执行订阅，
// 剩余请求保持原有顺序留给后续周期。
func (d *Drainer) ScheduleRunSubscription(ctx context.Context) ([]models.RunResult, error) {
	items, err := d.runs.PopOldest(ctx, d.maxRun)
	if err != nil {
		return nil, err
	}
	d.observeQueues(ctx)
	if len(items) == 0 {
		return nil, nil
	}
	d.metrics.Drained(laneRun, len(items))

	// 同上，取出后即使收到停止信号或失去 leader 也要逐条处理完
	work := context.WithoutCancel(ctx)
	results := make([]models.RunResult, 0, len(items))
	for _, item := range items {
		result := d.runOne(work, item)
		d.metrics.Result(laneRun, result.RunResult)
		results = append(results, result)
	}

	logrus.WithFields(logrus.Fields{
		"method": "ScheduleRunSubscription",
		"length": len(results),
	}).Infof("run subscription with results: %+v", results)
	return results, nil
}

// runOne 处理单条执行请求
func (d *Drainer) runOne(ctx context.Context, item []byte) models.RunResult {
	var req models.RunRequest
	if err := json.Unmarshal(item, &req); err != nil || req.SubscriptionID <= 0 {
		id := peekSubscriptionID(item)
		err = invalidPayload(err)
		logrus.WithFields(logrus.Fields{
			"method":          "ScheduleRunSubscription",
			"subscription_id": id,
		}).Errorf("%d run subscription failed with error: %v", id, err)
		return models.RunResult{SubscriptionID: id, Error: err.Error()}
	}
	scope := nullToNil(req.Scope)

	var result models.RunResult
	err := protect(func() (err error) {
		result, err = d.handler.Run(ctx, req.SubscriptionID, scope, req.Actions)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"method":          "ScheduleRunSubscription",
			"subscription_id": req.SubscriptionID,
		}).Errorf("%d run subscription failed with error: %v", req.SubscriptionID, err)
		return models.RunResult{SubscriptionID: req.SubscriptionID, Error: err.Error()}
	}
	return result
}

// UpdateTask 更新队列的周期任务
func (d *Drainer) UpdateTask(interval time.Duration) Task {
	return Task{
		Name:     TaskScheduleUpdateSubscription,
		Interval: interval,
		Run: func(ctx context.Context) error {
			results, err := d.ScheduleUpdateSubscription(ctx)
			if err != nil {
				return err
			}
			var failed []int64
			for _, r := range results {
				if !r.UpdateResult {
					failed = append(failed, r.SubscriptionID)
				}
			}
			d.notifyFailures(ctx, TaskScheduleUpdateSubscription, failed, len(results))
			return nil
		},
	}
}

// RunTask 执行队列的周期任务
func (d *Drainer) RunTask(interval time.Duration) Task {
	return Task{
		Name:     TaskScheduleRunSubscription,
		Interval: interval,
		Run: func(ctx context.Context) error {
			results, err := d.ScheduleRunSubscription(ctx)
			if err != nil {
				return err
			}
			var failed []int64
			for _, r := range results {
				if !r.RunResult {
					failed = append(failed, r.SubscriptionID)
				}
			}
			d.notifyFailures(ctx, TaskScheduleRunSubscription, failed, len(results))
			return nil
		},
	}
}

func (d *Drainer) notifyFailures(ctx context.Context, task string, failed []int64, total int) {
	if len(failed) == 0 {
		return
	}
	if err := d.notifier.Notify(ctx, notify.FailureSummary(task, failed, total, d.now())); err != nil {
		logrus.WithFields(logrus.Fields{
			"method": "notifyFailures",
			"task":   task,
		}).Warnf("发送失败通知失败: %v", err)
	}
}

// observeQueues 上报队列长度
func (d *Drainer) observeQueues(ctx context.Context) {
	if n, err := d.updates.Len(ctx); err == nil {
		d.metrics.QueueLength(laneUpdate, n)
	}
	if n, err := d.runs.Len(ctx); err == nil {
		d.metrics.QueueLength(laneRun, n)
	}
}

// protect 单条请求内的 panic 转为错误
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}

func invalidPayload(err error) error {
	if err == nil {
		return fmt.Errorf("%w: missing subscription_id", queue.ErrInvalidPayload)
	}
	return fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err)
}

// peekSubscriptionID 整体解析失败时尽量取出 subscription_id 用于记录
func peekSubscriptionID(raw []byte) int64 {
	var partial struct {
		SubscriptionID int64 `json:"subscription_id"`
	}
	_ = json.Unmarshal(raw, &partial)
	return partial.SubscriptionID
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return raw
}

// sortByField 按订阅ID排序，hash 本身无序
func sortByField(entries []queue.Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, errA := strconv.ParseInt(entries[i].Field, 10, 64)
		b, errB := strconv.ParseInt(entries[j].Field, 10, 64)
		if errA != nil || errB != nil {
			return entries[i].Field < entries[j].Field
		}
		return a < b
	})
}
