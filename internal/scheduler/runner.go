package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"subscription-scheduler/internal/lock"
	"subscription-scheduler/internal/metrics"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Task 周期任务
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner 每个任务一个 ticker，启动时立即执行一次。
// 同名任务通过 Locker 保证同一时刻只有一个实例在执行。
type Runner struct {
	locker  lock.Locker
	lockTTL time.Duration
	metrics metrics.Recorder

	mu    sync.Mutex
	tasks []Task
}

// NewRunner 创建 Runner；lockTTL 为 0 时每个任务使用两倍间隔
func NewRunner(locker lock.Locker, lockTTL time.Duration, rec metrics.Recorder) *Runner {
	if locker == nil {
		locker = lock.NopLocker{}
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Runner{locker: locker, lockTTL: lockTTL, metrics: rec}
}

// Add 注册任务，需在 Run 之前调用
func (r *Runner) Add(tasks ...Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, tasks...)
}

// Run 运行全部任务直到 ctx 取消
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	tasks := append([]Task(nil), r.tasks...)
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() error {
			r.loop(ctx, task)
			return nil
		})
	}

	logrus.WithFields(logrus.Fields{
		"method": "Runner.Run",
		"tasks":  len(tasks),
	}).Info(color.GreenString("周期任务已启动"))
	err := g.Wait()
	logrus.WithField("method", "Runner.Run").Info(color.YellowString("周期任务已停止"))
	return err
}

func (r *Runner) loop(ctx context.Context, task Task) {
	r.RunOnce(ctx, task)
	if task.Interval <= 0 {
		logrus.WithField("task", task.Name).Warn("任务间隔未配置，仅执行一次")
		return
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx, task)
		}
	}
}

// RunOnce 执行一次任务：获取锁、执行、恢复 panic、记录耗时。
// 返回任务是否真正执行。
func (r *Runner) RunOnce(ctx context.Context, task Task) (ran bool) {
	entry := logrus.WithFields(logrus.Fields{
		"method": "RunOnce",
		"task":   task.Name,
	})

	lease, err := r.locker.TryLock(ctx, task.Name, r.ttlFor(task))
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			r.metrics.TickSkipped(task.Name)
			entry.Debug("任务正在其他实例执行，跳过本次")
		} else {
			entry.Warnf("获取任务锁失败，跳过本次: %v", err)
		}
		return false
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			entry.Warnf("释放任务锁失败: %v", err)
		}
	}()

	start := time.Now()
	defer func() {
		took := time.Since(start)
		r.metrics.TickDuration(task.Name, took)
		if p := recover(); p != nil {
			ran = true
			entry.WithField("took", took).Errorf("%s: %v\n%s", color.RedString("任务执行异常"), p, debug.Stack())
		}
	}()

	if err := task.Run(ctx); err != nil {
		entry.WithField("took", time.Since(start)).Errorf("%s: %v", color.RedString("任务执行失败"), err)
		return true
	}
	entry.WithField("took", time.Since(start)).Debug("任务执行完成")
	return true
}

// ttlFor 任务锁的过期时间，持有期间由 Lease 续期
func (r *Runner) ttlFor(task Task) time.Duration {
	if r.lockTTL > 0 {
		return r.lockTTL
	}
	if task.Interval > 0 {
		return 2 * task.Interval
	}
	return time.Minute
}
