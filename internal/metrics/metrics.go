// Package metrics 调度器指标。
package metrics

import "time"

// Recorder 调度与对账指标
type Recorder interface {
	Drained(lane string, n int)
	Result(lane string, ok bool)
	TickDuration(task string, d time.Duration)
	TickSkipped(task string)
	Reconciled(phase string, n int)
	QueueLength(queue string, n int64)
}

// Nop 不记录任何指标
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) Drained(string, int) {}
func (Nop) Result(string, bool) {}
func (Nop) TickDuration(string, time.Duration) {}
func (Nop) TickSkipped(string) {}
func (Nop) Reconciled(string, int) {}
func (Nop) QueueLength(string, int64) {}
