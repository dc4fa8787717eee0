// Package election 基于 Kubernetes Lease 的主节点选举，保证只有一个副本运行周期任务。
package election

import (
	"context"
	"fmt"
	"os"
	"time"

	"subscription-scheduler/internal/config"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"
)

// Elector Lease 选举
type Elector struct {
	client    kubernetes.Interface
	cfg       config.ElectionConfig
	namespace string
	identity  string
}

// New 创建选举器，identity 为 hostname_uuid
func New(client kubernetes.Interface, cfg config.ElectionConfig, namespace string) *Elector {
	host, _ := os.Hostname()
	return &Elector{
		client:    client,
		cfg:       cfg,
		namespace: namespace,
		identity:  fmt.Sprintf("%s_%s", host, uuid.NewString()),
	}
}

// Identity 本副本在 Lease 中的标识
func (e *Elector) Identity() string {
	return e.identity
}

// Run 竞选直到 ctx 取消。成为主节点后调用 lead，失去主节点时 lead 的 ctx 被取消，
// 随后重新参与竞选。
func (e *Elector) Run(ctx context.Context, lead func(ctx context.Context)) error {
	for {
		le, err := leaderelection.NewLeaderElector(e.electionConfig(lead))
		if err != nil {
			return fmt.Errorf("创建选举器失败: %w", err)
		}
		le.Run(ctx)

		if ctx.Err() != nil {
			return nil
		}
		logrus.WithField("identity", e.identity).Warn(color.YellowString("失去主节点身份，重新参与选举"))
	}
}

// electionConfig 组装 leaderelection 配置
func (e *Elector) electionConfig(lead func(ctx context.Context)) leaderelection.LeaderElectionConfig {
	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      e.cfg.LeaseName,
			Namespace: e.namespace,
		},
		Client:     e.client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: e.identity},
	}

	return leaderelection.LeaderElectionConfig{
		Lock:            lock,
		ReleaseOnCancel: true,
		LeaseDuration:   orDefault(e.cfg.LeaseDuration, 15*time.Second),
		RenewDeadline:   orDefault(e.cfg.RenewDeadline, 10*time.Second),
		RetryPeriod:     orDefault(e.cfg.RetryPeriod, 2*time.Second),
		Name:            e.cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logrus.WithFields(logrus.Fields{
					"lease":    e.cfg.LeaseName,
					"identity": e.identity,
				}).Info(color.GreenString("成为主节点，开始运行周期任务"))
				lead(ctx)
			},
			OnStoppedLeading: func() {
				logrus.WithField("identity", e.identity).Info("停止主节点工作")
			},
			OnNewLeader: func(identity string) {
				if identity != e.identity {
					logrus.WithField("leader", identity).Info("当前主节点")
				}
			},
		},
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
