package workqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue(opts ...QueueOption) *Queue {
	return New(context.Background(), zap.NewNop(), opts...)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// concurrencyTracker returns a task body that records the peak number of
// bodies running at once.
func concurrencyTracker(peak *int32) func(ctx context.Context, enqueuer TaskEnqueuer) error {
	var running int32
	var mu sync.Mutex
	return func(ctx context.Context, enqueuer TaskEnqueuer) error {
		current := atomic.AddInt32(&running, 1)
		mu.Lock()
		if current > *peak {
			*peak = current
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := newTestQueue()

	var executed atomic.Bool
	q.Enqueue(NewFuncTask("solve public.orders", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed.Store(true)
		return nil
	}))

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !executed.Load() {
		t.Error("task was not executed")
	}
	if p := q.Progress(); p.Completed != 1 || p.Percentage() != 100 {
		t.Errorf("unexpected progress %+v", p)
	}
}

func TestQueue_FirstFailureReturned(t *testing.T) {
	q := newTestQueue()

	errFirst := errors.New("first")
	q.Enqueue(NewFuncTask("a", false, func(ctx context.Context, enqueuer TaskEnqueuer) error { return errFirst }))
	q.Enqueue(NewFuncTask("b", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		time.Sleep(10 * time.Millisecond)
		return errors.New("second")
	}))

	err := q.Wait(waitCtx(t))
	if !errors.Is(err, errFirst) {
		t.Fatalf("expected %v, got %v", errFirst, err)
	}
	if p := q.Progress(); p.Failed != 2 {
		t.Errorf("expected 2 failed tasks, got %+v", p)
	}
}

func TestQueue_FailFastCancelsRunningTasks(t *testing.T) {
	q := newTestQueue(WithFailFast(), WithStrategy(NewParallelStrategy()))

	started := make(chan struct{})
	q.Enqueue(NewFuncTask("long", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started
	errBoom := errors.New("boom")
	q.Enqueue(NewFuncTask("fails", true, func(ctx context.Context, enqueuer TaskEnqueuer) error { return errBoom }))

	if err := q.Wait(waitCtx(t)); !errors.Is(err, errBoom) {
		t.Fatalf("expected %v, got %v", errBoom, err)
	}
	tasks := q.GetTasks()
	if tasks[0].Status != TaskStatusCancelled {
		t.Errorf("expected long task cancelled, got %s", tasks[0].Status)
	}
}

func TestSerializedStrategy_OneSolverAtATime(t *testing.T) {
	q := newTestQueue()

	var peak int32
	track := concurrencyTracker(&peak)
	for i := 0; i < 4; i++ {
		q.Enqueue(NewFuncTask("solver", true, track))
	}
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak != 1 {
		t.Errorf("solver tasks ran concurrently: peak was %d", peak)
	}
}

func TestSerializedStrategy_DataTasksRunAlongside(t *testing.T) {
	q := newTestQueue()

	var peak int32
	track := concurrencyTracker(&peak)
	for i := 0; i < 4; i++ {
		q.Enqueue(NewFuncTask("evaluate", false, track))
	}
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak < 2 {
		t.Errorf("data tasks should run concurrently: peak was %d", peak)
	}
}

func TestThrottledSolverStrategy_RespectsLimit(t *testing.T) {
	const limit = 3
	q := newTestQueue(WithStrategy(NewThrottledSolverStrategy(limit)))

	var peak int32
	track := concurrencyTracker(&peak)
	for i := 0; i < 10; i++ {
		q.Enqueue(NewFuncTask("solver", true, track))
	}
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if peak > limit {
		t.Errorf("throttled strategy exceeded limit: peak %d, limit %d", peak, limit)
	}
	if peak < 2 {
		t.Errorf("throttled strategy should allow some concurrency: peak was %d", peak)
	}
}

func TestQueue_TaskEnqueuesFollowUp(t *testing.T) {
	q := newTestQueue()

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}
	q.Enqueue(NewFuncTask("evaluate", false, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		record("evaluate")
		enqueuer.Enqueue(NewFuncTask("solve", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			record("solve")
			return nil
		}))
		return nil
	}))

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "evaluate" || order[1] != "solve" {
		t.Errorf("unexpected order %v", order)
	}
}

func TestQueue_WaitContextCancelled(t *testing.T) {
	q := newTestQueue()
	q.Enqueue(NewFuncTask("blocks", true, func(ctx context.Context, enqueuer TaskEnqueuer) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	q.Enqueue(NewFuncTask("ignored", false, func(ctx context.Context, enqueuer TaskEnqueuer) error { return nil }))
	if n := len(q.GetTasks()); n != 1 {
		t.Errorf("cancelled queue accepted a task: %d tasks", n)
	}
}

func TestQueue_OnUpdateCallback(t *testing.T) {
	q := newTestQueue()

	var mu sync.Mutex
	var last []TaskSnapshot
	calls := 0
	q.SetOnUpdate(func(snapshots []TaskSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		last = append([]TaskSnapshot(nil), snapshots...)
	})
	q.Enqueue(NewFuncTask("solve", true, func(ctx context.Context, enqueuer TaskEnqueuer) error { return nil }))

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls < 3 {
		t.Errorf("expected enqueue, start and completion updates, got %d", calls)
	}
	if len(last) != 1 || last[0].Status != TaskStatusCompleted || !last[0].RequiresSolver {
		t.Errorf("unexpected final snapshot %+v", last)
	}
}

func TestQueue_EmptyQueue(t *testing.T) {
	if err := newTestQueue().Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestNewStrategy(t *testing.T) {
	if _, ok := NewStrategy("parallel", 0).(*ParallelStrategy); !ok {
		t.Error("expected parallel strategy")
	}
	if s, ok := NewStrategy("throttled", 4).(*ThrottledSolverStrategy); !ok || s.maxConcurrent != 4 {
		t.Error("expected throttled strategy with limit 4")
	}
	if _, ok := NewStrategy("", 0).(*SerializedStrategy); !ok {
		t.Error("expected serialized default")
	}
}

func TestProgress_Percentage(t *testing.T) {
	p := Progress{Total: 4, Completed: 1, Failed: 1, Running: 2}
	if got := p.Percentage(); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}

func TestSummarize(t *testing.T) {
	p := Summarize([]TaskSnapshot{
		{Status: TaskStatusCompleted},
		{Status: TaskStatusRunning},
		{Status: TaskStatusPending},
		{Status: TaskStatusFailed},
	})
	if p.Total != 4 || p.Completed != 1 || p.Running != 1 || p.Pending != 1 || p.Failed != 1 {
		t.Errorf("unexpected progress %+v", p)
	}
}
