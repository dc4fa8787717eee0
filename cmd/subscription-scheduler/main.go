package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subscription-scheduler/internal/api"
	"subscription-scheduler/internal/client"
	"subscription-scheduler/internal/config"
	"subscription-scheduler/internal/election"
	"subscription-scheduler/internal/handler"
	"subscription-scheduler/internal/k8s"
	"subscription-scheduler/internal/lock"
	"subscription-scheduler/internal/metrics"
	"subscription-scheduler/internal/notify"
	"subscription-scheduler/internal/queue"
	"subscription-scheduler/internal/reconciler"
	"subscription-scheduler/internal/scheduler"
	"subscription-scheduler/internal/storage"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	startTime := time.Now()

	// 步骤1：解析命令行参数
	configFile := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// 步骤2：加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.Fatal(color.RedString("加载配置失败: %v", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 步骤3：初始化 Redis 队列
	rdb, err := client.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		logrus.Fatal(color.RedString("Redis 连接失败: %v", err))
	}
	updates := queue.NewRedisKeyedQueue(rdb, cfg.Queue.UpdateKey)
	runs := queue.NewRedisOrderedQueue(rdb, cfg.Queue.RunKey)

	// 步骤4：初始化订阅存储
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logrus.Fatal(color.RedString("订阅存储连接失败: %v", err))
	}

	// 步骤5：通知、指标、锁
	notifier, err := notify.New(&cfg.Telegram)
	if err != nil {
		logrus.Fatal(color.RedString("初始化通知失败: %v", err))
	}
	if !cfg.Telegram.Enabled {
		logrus.Warn(color.YellowString("Telegram 未启用，通知功能将禁用"))
	}
	recorder := metrics.NewPrometheus(nil)

	var locker lock.Locker = lock.NopLocker{}
	if cfg.Lock.Backend == "redis" {
		locker = lock.NewRedisLocker(rdb, cfg.Lock.Prefix)
	}

	// 步骤6：组装周期任务
	var failureNotifier notify.Notifier = notify.Nop{}
	if cfg.Schedule.NotifyOnFailure {
		failureNotifier = notifier
	}
	drainer := scheduler.NewDrainer(updates, runs, handler.NewHTTPHandler(&cfg.Handler),
		scheduler.WithMaxRunCount(cfg.Schedule.MaxRunSubscriptionTaskCount),
		scheduler.WithMetrics(recorder),
		scheduler.WithFailureNotifier(failureNotifier),
	)
	cleaner := reconciler.New(store, cfg.SubscriptionDeleteWindow(),
		reconciler.WithMetrics(recorder),
		reconciler.WithNotifier(notifier),
	)

	runner := scheduler.NewRunner(locker, cfg.Lock.TTL, recorder)
	runner.Add(
		drainer.UpdateTask(cfg.Schedule.UpdateSubscriptionInterval),
		drainer.RunTask(cfg.Schedule.RunSubscriptionInterval),
		scheduler.Task{
			Name:     scheduler.TaskCleanDeletedSubscription,
			Interval: cfg.Schedule.HandleUninstallRestInterval,
			Run:      cleaner.Run,
		},
	)

	// 步骤7：启动入队接口与调度
	server := api.NewServer(updates, runs, cfg.API.WhitelistIPs, nil)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx, cfg.API.Listen)
	})
	g.Go(func() error {
		if !cfg.Election.Enabled {
			return runner.Run(gctx)
		}
		kube, err := k8s.NewClientset(&cfg.Kubernetes)
		if err != nil {
			return err
		}
		elector := election.New(kube, cfg.Election, cfg.Kubernetes.Namespace)
		return elector.Run(gctx, func(leadCtx context.Context) {
			if err := runner.Run(leadCtx); err != nil {
				logrus.Errorf("周期任务退出: %v", err)
			}
		})
	})

	logrus.WithFields(logrus.Fields{
		"method":   "main",
		"listen":   cfg.API.Listen,
		"store":    cfg.Store.Backend,
		"lock":     cfg.Lock.Backend,
		"election": cfg.Election.Enabled,
		"took":     time.Since(startTime),
	}).Info(color.GreenString("subscription-scheduler 已启动，等待中断信号..."))

	// 步骤8：等待退出并释放资源
	runErr := g.Wait()
	logrus.Info(color.YellowString("收到关闭信号，开始优雅关闭..."))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Close(shutdownCtx); err != nil {
		logrus.Error(color.RedString("关闭订阅存储失败: %v", err))
	}
	if err := rdb.Close(); err != nil {
		logrus.Error(color.RedString("关闭 Redis 连接失败: %v", err))
	}

	if runErr != nil {
		logrus.Error(color.RedString("服务异常退出: %v", runErr))
		os.Exit(1)
	}
	logrus.WithField("took", time.Since(startTime)).Info(color.GreenString("subscription-scheduler 关闭完成"))
}
