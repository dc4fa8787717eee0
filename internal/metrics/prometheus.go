package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "subscription_scheduler"

// Prometheus Recorder 的 Prometheus 实现
type Prometheus struct {
	drained    *prometheus.CounterVec
	results    *prometheus.CounterVec
	tickTime   *prometheus.HistogramVec
	skipped    *prometheus.CounterVec
	reconciled *prometheus.CounterVec
	queueLen   *prometheus.GaugeVec
}

var _ Recorder = (*Prometheus)(nil)

// NewPrometheus 创建并注册指标，reg 为空时使用默认注册表
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &Prometheus{
		drained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drained_items_total",
			Help:      "Requests removed from the queue store by lane.",
		}, []string{"lane"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Handler outcomes by lane and result (success,failure).",
		}, []string{"lane", "result"}),
		tickTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of a periodic task tick.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"task"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_skipped_total",
			Help:      "Ticks skipped because another instance of the task held the lock.",
		}, []string{"task"}),
		reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_subscriptions_total",
			Help:      "Subscriptions changed by the deletion reconciler by phase (reset,revive).",
		}, []string{"phase"}),
		queueLen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Pending requests per queue observed at the last tick.",
		}, []string{"queue"}),
	}

	reg.MustRegister(p.drained, p.results, p.tickTime, p.skipped, p.reconciled, p.queueLen)
	return p
}

// Drained 累加取出的请求数
func (p *Prometheus) Drained(lane string, n int) {
	p.drained.WithLabelValues(lane).Add(float64(n))
}

// Result 按成功/失败累加处理结果
func (p *Prometheus) Result(lane string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.results.WithLabelValues(lane, result).Inc()
}

// TickDuration 记录一次周期任务耗时
func (p *Prometheus) TickDuration(task string, d time.Duration) {
	p.tickTime.WithLabelValues(task).Observe(d.Seconds())
}

// TickSkipped 锁被其他实例持有而跳过的次数
func (p *Prometheus) TickSkipped(task string) {
	p.skipped.WithLabelValues(task).Inc()
}

// Reconciled 对账各阶段影响的订阅数
func (p *Prometheus) Reconciled(phase string, n int) {
	p.reconciled.WithLabelValues(phase).Add(float64(n))
}

// QueueLength 队列当前长度
func (p *Prometheus) QueueLength(queue string, n int64) {
	p.queueLen.WithLabelValues(queue).Set(float64(n))
}
