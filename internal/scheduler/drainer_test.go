package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"subscription-scheduler/internal/models"
	"subscription-scheduler/internal/queue"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type runCall struct {
	ID      int64
	Scope   json.RawMessage
	Actions map[string]string
}

type fakeHandler struct {
	mu      sync.Mutex
	updates []models.UpdateRequest
	runs    []runCall
	fail    map[int64]bool
	panicOn map[int64]bool
}

func (h *fakeHandler) UpdateSubscription(_ context.Context, req models.UpdateRequest) (models.UpdateResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.updates = append(h.updates, req)
	if h.panicOn[req.SubscriptionID] {
		panic("handler exploded")
	}
	if h.fail[req.SubscriptionID] {
		return models.UpdateResult{}, errors.New("update rejected")
	}
	return models.UpdateResult{SubscriptionID: req.SubscriptionID, UpdateResult: true}, nil
}

func (h *fakeHandler) Run(_ context.Context, id int64, scope json.RawMessage, actions map[string]string) (models.RunResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, runCall{ID: id, Scope: scope, Actions: actions})
	if h.panicOn[id] {
		panic("handler exploded")
	}
	if h.fail[id] {
		return models.RunResult{}, errors.New("run rejected")
	}
	return models.RunResult{SubscriptionID: id, RunResult: true}, nil
}

func (h *fakeHandler) runIDs() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]int64, len(h.runs))
	for i, c := range h.runs {
		ids[i] = c.ID
	}
	return ids
}

type fakeNotifier struct {
	messages []string
}

func (n *fakeNotifier) Notify(_ context.Context, text string) error {
	n.messages = append(n.messages, text)
	return nil
}

type fixture struct {
	mr      *miniredis.Miniredis
	updates *queue.RedisKeyedQueue
	runs    *queue.RedisOrderedQueue
	pub     *queue.Publisher
	handler *fakeHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	updates := queue.NewRedisKeyedQueue(rdb, "node_man:backend:update_subscription")
	runs := queue.NewRedisOrderedQueue(rdb, "node_man:backend:run_subscription")
	return &fixture{
		mr:      mr,
		updates: updates,
		runs:    runs,
		pub:     queue.NewPublisher(updates, runs),
		handler: &fakeHandler{fail: map[int64]bool{}, panicOn: map[int64]bool{}},
	}
}

func (f *fixture) drainer(opts ...Option) *Drainer {
	return NewDrainer(f.updates, f.runs, f.handler, opts...)
}

func TestScheduleRunSubscription_CapsEachTick(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: id}))
	}
	d := f.drainer(WithMaxRunCount(2))

	results, err := d.ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, []int64{1, 2}, f.handler.runIDs())

	n, err := f.runs.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	_, err = d.ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	_, err = d.ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3, 4, 5}, f.handler.runIDs())
}

func TestScheduleRunSubscription_LeftoversKeepOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for id := int64(1); id <= 4; id++ {
		require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: id}))
	}
	d := f.drainer(WithMaxRunCount(3))

	_, err := d.ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 5}))
	_, err = d.ScheduleRunSubscription(ctx)
	require.NoError(t, err)

	require.Equal(t, []int64{1, 2, 3, 4, 5}, f.handler.runIDs())
}

func TestScheduleRunSubscription_SoleEntryWithNullScopeAndActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.runs.Push(ctx, []byte(`{"subscription_id": 7, "scope": null, "actions": null}`)))

	results, err := f.drainer().ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.RunResult{{SubscriptionID: 7, RunResult: true}}, results)
	require.Equal(t, []runCall{{ID: 7}}, f.handler.runs)
}

func TestScheduleRunSubscription_PassesScopeAndActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	req := models.RunRequest{
		SubscriptionID: 8,
		Scope:          json.RawMessage(`{"nodes":[{"bk_host_id":1}]}`),
		Actions:        map[string]string{"host_agent": "REINSTALL"},
	}
	require.NoError(t, f.pub.EnqueueRun(ctx, req))

	_, err := f.drainer().ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, f.handler.runs, 1)
	require.JSONEq(t, `{"nodes":[{"bk_host_id":1}]}`, string(f.handler.runs[0].Scope))
	require.Equal(t, req.Actions, f.handler.runs[0].Actions)
}

func TestScheduleRunSubscription_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.handler.fail[2] = true
	f.handler.panicOn[4] = true

	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 1}))
	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 2}))
	require.NoError(t, f.runs.Push(ctx, []byte(`not json`)))
	require.NoError(t, f.runs.Push(ctx, []byte(`{"subscription_id":3,"actions":"oops"}`)))
	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 4}))
	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 5}))

	results, err := f.drainer().ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, results, 6)

	outcome := make([]string, len(results))
	for i, r := range results {
		outcome[i] = fmt.Sprintf("%d:%t", r.SubscriptionID, r.RunResult)
	}
	require.Equal(t, []string{"1:true", "2:false", "0:false", "3:false", "4:false", "5:true"}, outcome)
	require.Contains(t, results[2].Error, "invalid queue payload")
	require.Contains(t, results[4].Error, "panic")
	require.Equal(t, []int64{1, 2, 4, 5}, f.handler.runIDs())
}

func TestScheduleRunSubscription_Empty(t *testing.T) {
	f := newFixture(t)
	results, err := f.drainer().ScheduleRunSubscription(context.Background())
	require.NoError(t, err)
	require.Nil(t, results)
	require.Empty(t, f.handler.runs)
}

func TestScheduleUpdateSubscription_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.pub.EnqueueUpdate(ctx, models.UpdateRequest{SubscriptionID: 1, Steps: json.RawMessage(`[{"id":"v1"}]`)}))
	require.NoError(t, f.pub.EnqueueUpdate(ctx, models.UpdateRequest{SubscriptionID: 2}))
	require.NoError(t, f.pub.EnqueueUpdate(ctx, models.UpdateRequest{SubscriptionID: 1, Steps: json.RawMessage(`[{"id":"v2"}]`), RunImmediately: true}))

	results, err := f.drainer().ScheduleUpdateSubscription(ctx)
	require.NoError(t, err)
	require.Equal(t, []models.UpdateResult{
		{SubscriptionID: 1, UpdateResult: true},
		{SubscriptionID: 2, UpdateResult: true},
	}, results)

	require.Len(t, f.handler.updates, 2)
	require.JSONEq(t, `[{"id":"v2"}]`, string(f.handler.updates[0].Steps))
	require.True(t, f.handler.updates[0].RunImmediately)
	require.False(t, f.mr.Exists("node_man:backend:update_subscription"))
}

func TestScheduleUpdateSubscription_OneFailureAmongMany(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.handler.fail[2] = true
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, f.pub.EnqueueUpdate(ctx, models.UpdateRequest{SubscriptionID: id}))
	}

	results, err := f.drainer().ScheduleUpdateSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.True(t, results[0].UpdateResult)
	require.Equal(t, int64(2), results[1].SubscriptionID)
	require.False(t, results[1].UpdateResult)
	require.True(t, results[2].UpdateResult)
}

func TestScheduleUpdateSubscription_MalformedPayload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.updates.Put(ctx, "5", []byte(`{broken`)))
	require.NoError(t, f.pub.EnqueueUpdate(ctx, models.UpdateRequest{SubscriptionID: 6}))

	results, err := f.drainer().ScheduleUpdateSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, int64(5), results[0].SubscriptionID)
	require.False(t, results[0].UpdateResult)
	require.True(t, results[1].UpdateResult)
	require.Len(t, f.handler.updates, 1)
}

func TestScheduleUpdateSubscription_Empty(t *testing.T) {
	f := newFixture(t)
	results, err := f.drainer().ScheduleUpdateSubscription(context.Background())
	require.NoError(t, err)
	require.Nil(t, results)
	require.Empty(t, f.handler.updates)
}

func TestScheduleUpdateSubscription_QueueError(t *testing.T) {
	f := newFixture(t)
	f.mr.SetError("LOADING")
	_, err := f.drainer().ScheduleUpdateSubscription(context.Background())
	require.Error(t, err)
}

func TestRunTask_NotifiesFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.handler.fail[9] = true
	n := &fakeNotifier{}
	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 8}))
	require.NoError(t, f.pub.EnqueueRun(ctx, models.RunRequest{SubscriptionID: 9}))

	task := f.drainer(WithFailureNotifier(n)).RunTask(0)
	require.Equal(t, TaskScheduleRunSubscription, task.Name)
	require.NoError(t, task.Run(ctx))

	require.Len(t, n.messages, 1)
	require.True(t, strings.HasPrefix(n.messages[0], "[schedule_run_subscription] 1/2"))
	require.Contains(t, n.messages[0], "subscription_id: 9")
}

func TestUpdateTask_NoFailureNoNotification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	n := &fakeNotifier{}
	require.NoError(t, f.pub.EnqueueUpdate(ctx, models.UpdateRequest{SubscriptionID: 1}))

	require.NoError(t, f.drainer(WithFailureNotifier(n)).UpdateTask(0).Run(ctx))
	require.Empty(t, n.messages)
}

// cancelingHandler 在第一次调用时取消周期 context，模拟处理中途收到停止信号
type cancelingHandler struct {
	cancel context.CancelFunc
	mu     sync.Mutex
	seen   []int64
}

func (h *cancelingHandler) record(ctx context.Context, id int64) error {
	h.mu.Lock()
	h.seen = append(h.seen, id)
	first := len(h.seen) == 1
	h.mu.Unlock()
	if first {
		h.cancel()
	}
	return ctx.Err()
}

func (h *cancelingHandler) UpdateSubscription(ctx context.Context, req models.UpdateRequest) (models.UpdateResult, error) {
	if err := h.record(ctx, req.SubscriptionID); err != nil {
		return models.UpdateResult{}, err
	}
	return models.UpdateResult{SubscriptionID: req.SubscriptionID, UpdateResult: true}, nil
}

func (h *cancelingHandler) Run(ctx context.Context, id int64, _ json.RawMessage, _ map[string]string) (models.RunResult, error) {
	if err := h.record(ctx, id); err != nil {
		return models.RunResult{}, err
	}
	return models.RunResult{SubscriptionID: id, RunResult: true}, nil
}

func TestScheduleRunSubscription_CancelMidTickFinishesDrainedItems(t *testing.T) {
	f := newFixture(t)
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, f.pub.EnqueueRun(context.Background(), models.RunRequest{SubscriptionID: id}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &cancelingHandler{cancel: cancel}

	results, err := NewDrainer(f.updates, f.runs, h).ScheduleRunSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for _, r := range results {
		require.True(t, r.RunResult, "subscription %d", r.SubscriptionID)
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, h.seen)
	require.Error(t, ctx.Err())
}

func TestScheduleUpdateSubscription_CancelMidTickFinishesDrainedItems(t *testing.T) {
	f := newFixture(t)
	for id := int64(1); id <= 3; id++ {
		require.NoError(t, f.pub.EnqueueUpdate(context.Background(), models.UpdateRequest{SubscriptionID: id}))
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := &cancelingHandler{cancel: cancel}

	results, err := NewDrainer(f.updates, f.runs, h).ScheduleUpdateSubscription(ctx)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		require.True(t, r.UpdateResult, "subscription %d", r.SubscriptionID)
	}
	require.Equal(t, []int64{1, 2, 3}, h.seen)
}
