package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-swarm/internal/agent"
	"github.com/nidhogg/nuka-swarm/internal/event"
	"github.com/nidhogg/nuka-swarm/internal/provider"
	"go.uber.org/zap"
)

// fakeExecutor returns scripted results in order, repeating the last one.
type fakeExecutor struct {
	results  []*agent.Result
	err      error
	block    chan struct{} // when set, Execute waits for it to close
	started  chan struct{}
	calls    int32
	cleanups int32
	pricing  *agent.Pricing
	once     sync.Once
}

func (f *fakeExecutor) ID() string { return "fake" }

func (f *fakeExecutor) Execute(ctx context.Context, req *agent.Request) (*agent.Result, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	i := int(n) - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i], nil
}

func (f *fakeExecutor) Cleanup() { atomic.AddInt32(&f.cleanups, 1) }

type pricedExecutor struct{ *fakeExecutor }

func (p pricedExecutor) Pricing() agent.Pricing { return *p.pricing }

func fastRetry(n int) RetryPolicy {
	return RetryPolicy{MaxAttempts: n, BackoffMultiplier: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BackoffMultiplier: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{3, 900 * time.Millisecond},
		{4, 2 * time.Second},
		{40, 2 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Delay(tc.attempt); got != tc.want {
			t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestFirstRetryWaitsInitialDelay(t *testing.T) {
	exec := &fakeExecutor{results: []*agent.Result{{Success: false, Error: "bad"}}}
	task := New(Config{Retry: RetryPolicy{MaxAttempts: 2, BackoffMultiplier: 3, InitialDelay: 20 * time.Millisecond, MaxDelay: time.Second}}, nil)
	task.Bind(exec)

	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Metrics.RetryCount != 1 || res.Metrics.TotalRetryDelayMs != 20 {
		t.Errorf("metrics = %+v, want one retry after 20ms", res.Metrics)
	}
}

func TestRunSucceeds(t *testing.T) {
	exec := &fakeExecutor{results: []*agent.Result{{Success: true, Output: "Y", ToolsUsed: []string{"t"}}}}
	task := New(Config{Input: Input{Prompt: "summarize X"}}, zap.NewNop())
	if err := task.Bind(exec); err != nil {
		t.Fatal(err)
	}
	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusCompleted || res.Output != "Y" || !res.Completed() {
		t.Errorf("result = %+v", res)
	}
	if res.Metrics.RetryCount != 0 || res.Metrics.Usage != nil || res.Metrics.Cost != nil {
		t.Errorf("metrics = %+v", res.Metrics)
	}
	if res.CompletedAt.Before(res.StartedAt) || res.ExecutorID != "fake" {
		t.Errorf("timestamps or executor wrong: %+v", res)
	}
}

func TestRunAlwaysFailing(t *testing.T) {
	for _, n := range []int{1, 2, 4} {
		exec := &fakeExecutor{results: []*agent.Result{{Success: false, Error: "bad"}}}
		task := New(Config{Retry: fastRetry(n)}, nil)
		task.Bind(exec)

		res, err := task.Run(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if res.Status != StatusFailed || res.Error != "bad" {
			t.Errorf("n=%d: result = %+v", n, res)
		}
		if res.Metrics.RetryCount != n-1 {
			t.Errorf("n=%d: retry count = %d", n, res.Metrics.RetryCount)
		}
		if got := atomic.LoadInt32(&exec.calls); int(got) != n {
			t.Errorf("n=%d: calls = %d", n, got)
		}
		var want int64
		for k := 1; k < n; k++ {
			want += task.Retry().Delay(k).Milliseconds()
		}
		if res.Metrics.TotalRetryDelayMs != want {
			t.Errorf("n=%d: total delay = %d, want %d", n, res.Metrics.TotalRetryDelayMs, want)
		}
	}
}

func TestRunRecoversAfterRetry(t *testing.T) {
	exec := &fakeExecutor{results: []*agent.Result{
		{Success: false, Error: "flaky"},
		{Success: true, Output: "ok"},
	}}
	task := New(Config{Retry: fastRetry(3)}, nil)
	task.Bind(exec)
	res, _ := task.Run(context.Background())
	if res.Status != StatusCompleted || res.Metrics.RetryCount != 1 {
		t.Errorf("result = %+v", res)
	}
}

func TestRunExecutorError(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("network down")}
	task := New(Config{Retry: fastRetry(2)}, nil)
	task.Bind(exec)
	res, _ := task.Run(context.Background())
	if res.Status != StatusFailed || res.Error != "network down" {
		t.Errorf("result = %+v", res)
	}
}

func TestTimeoutDuringExecution(t *testing.T) {
	exec := &fakeExecutor{
		results: []*agent.Result{{Success: true, Output: "late"}},
		block:   make(chan struct{}),
	}
	bus := event.NewBus(nil)
	var completed int32
	bus.Subscribe(func(e event.Event) { atomic.AddInt32(&completed, 1) }, event.TaskCompleted)

	task := New(Config{Timeout: 20 * time.Millisecond, Events: bus}, nil)
	task.Bind(exec)
	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusTimeout || !errors.Is(task.Err(), ErrTimeout) {
		t.Fatalf("result = %+v, err = %v", res, task.Err())
	}
	if got := atomic.LoadInt32(&exec.cleanups); got != 1 {
		t.Errorf("cleanups = %d, want 1", got)
	}

	close(exec.block)
	time.Sleep(20 * time.Millisecond)
	if task.Status() != StatusTimeout {
		t.Errorf("late result changed status to %s", task.Status())
	}
	after, _ := task.BuildResult()
	if after.Output != "" {
		t.Errorf("late output kept: %q", after.Output)
	}
	if task.Cancel() {
		t.Error("cancel after timeout should be a no-op")
	}
	if got := atomic.LoadInt32(&completed); got != 1 {
		t.Errorf("task.completed events = %d, want 1", got)
	}
}

func TestTimeoutDuringBackoff(t *testing.T) {
	exec := &fakeExecutor{results: []*agent.Result{{Success: false, Error: "bad"}}}
	task := New(Config{
		Timeout: 30 * time.Millisecond,
		Retry:   RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour},
	}, nil)
	task.Bind(exec)

	start := time.Now()
	res, _ := task.Run(context.Background())
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not pre-empt the backoff")
	}
	if res.Status != StatusTimeout || res.Metrics.RetryCount != 1 {
		t.Errorf("result = %+v", res)
	}
	if got := atomic.LoadInt32(&exec.calls); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestCancelWhileRunning(t *testing.T) {
	exec := &fakeExecutor{
		results: []*agent.Result{{Success: true, Output: "late"}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	defer close(exec.block)
	task := New(Config{}, nil)
	task.Bind(exec)

	go func() {
		<-exec.started
		task.Cancel()
	}()
	res, err := task.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != StatusCancelled || res.Error != ErrCancelled.Error() {
		t.Errorf("result = %+v", res)
	}
	if atomic.LoadInt32(&exec.cleanups) != 1 {
		t.Error("cleanup not signalled")
	}
}

func TestCancelViaContext(t *testing.T) {
	exec := &fakeExecutor{
		results: []*agent.Result{{Success: true, Output: "x"}},
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	defer close(exec.block)
	task := New(Config{}, nil)
	task.Bind(exec)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-exec.started
		cancel()
	}()
	res, _ := task.Run(ctx)
	if res.Status != StatusCancelled {
		t.Errorf("status = %s", res.Status)
	}
}

func TestCancelPending(t *testing.T) {
	task := New(Config{}, nil)
	task.Bind(&fakeExecutor{results: []*agent.Result{{Success: true, Output: "x"}}})
	if !task.Cancel() {
		t.Fatal("cancel of pending task had no effect")
	}
	if task.Cancel() {
		t.Error("second cancel should be a no-op")
	}
	if _, err := task.Run(context.Background()); !errors.Is(err, ErrNotPending) {
		t.Errorf("err = %v, want ErrNotPending", err)
	}
	if _, err := task.BuildResult(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
	if err := task.Bind(&fakeExecutor{}); !errors.Is(err, ErrNotPending) {
		t.Errorf("bind err = %v", err)
	}
}

func TestRunWithoutExecutor(t *testing.T) {
	task := New(Config{}, nil)
	if _, err := task.Run(context.Background()); !errors.Is(err, ErrNoExecutor) {
		t.Errorf("err = %v, want ErrNoExecutor", err)
	}
	if task.Status() != StatusPending {
		t.Errorf("status = %s", task.Status())
	}
}

func TestUsageAndCost(t *testing.T) {
	base := &fakeExecutor{
		results: []*agent.Result{{
			Success: true,
			Output:  "done",
			Usage:   provider.Usage{PromptTokens: 1000, CompletionTokens: 500},
		}},
		pricing: &agent.Pricing{PromptPer1K: 0.01, CompletionPer1K: 0.02},
	}
	task := New(Config{}, nil)
	task.Bind(pricedExecutor{base})
	res, _ := task.Run(context.Background())

	u := res.Usage()
	if u.TotalTokens != 1500 {
		t.Errorf("usage = %+v", u)
	}
	if res.Metrics.Cost == nil || *res.Metrics.Cost < 0.0199 || *res.Metrics.Cost > 0.0201 {
		t.Errorf("cost = %v", res.Metrics.Cost)
	}
}
