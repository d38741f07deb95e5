package taskpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type op struct {
	value int
	sleep time.Duration
	block chan struct{}
	panic bool
	exit  bool
	fail  string
}

func runOp(ctx context.Context, caps Capabilities, in op) (int, error) {
	switch {
	case in.panic:
		panic("boom")
	case in.exit:
		runtime.Goexit()
	case in.fail != "":
		return 0, errors.New(in.fail)
	case in.block != nil:
		select {
		case <-in.block:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	case in.sleep > 0:
		select {
		case <-time.After(in.sleep):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if caps.Accelerated {
		return in.value * 10, nil
	}
	return in.value, nil
}

func newTestPool(t *testing.T, cfg Config) *Pool[op, int] {
	t.Helper()
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New[op, int](cfg, nil, runOp)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestNew_Defaults(t *testing.T) {
	p := New[op, int](Config{}, nil, runOp)

	assert.Equal(t, max(runtime.NumCPU()-1, 1), p.cfg.Concurrency)
	assert.Equal(t, DefaultTaskTimeout, p.cfg.TaskTimeout)
	assert.Equal(t, DefaultInitTimeout, p.cfg.InitTimeout)
	assert.NotNil(t, p.cfg.Logger)
}

func TestPool_ExecuteAllSucceed(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]Result[int], 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = p.Execute(ctx, op{value: i, sleep: 20 * time.Millisecond})
		}()
	}
	wg.Wait()

	for i, r := range results {
		assert.True(t, r.OK(), "call %d: %s", i, r.Err)
		assert.Equal(t, i, r.Value)
	}

	inputs := make([]op, 5)
	for i := range inputs {
		inputs[i] = op{value: i, sleep: 10 * time.Millisecond}
	}
	batch := p.ExecuteBatch(ctx, inputs)
	require.Len(t, batch, 5)
	for i, r := range batch {
		assert.True(t, r.OK())
		assert.Equal(t, i, r.Value)
	}
}

func TestPool_ExecuteBatchPreservesOrder(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 4})

	inputs := []op{
		{value: 1, sleep: 40 * time.Millisecond},
		{value: 2, sleep: 5 * time.Millisecond},
		{value: 3, fail: "bad input"},
		{value: 4, sleep: 20 * time.Millisecond},
		{value: 5},
	}
	results := p.ExecuteBatch(context.Background(), inputs)

	require.Len(t, results, len(inputs))
	assert.Equal(t, 1, results[0].Value)
	assert.Equal(t, 2, results[1].Value)
	assert.False(t, results[2].OK())
	assert.Equal(t, "bad input", results[2].Err)
	assert.Equal(t, 4, results[3].Value)
	assert.Equal(t, 5, results[4].Value)
}

func TestPool_ExecuteBatchWithProgress(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 3})

	inputs := make([]op, 10)
	for i := range inputs {
		inputs[i] = op{value: i}
	}

	var calls []int
	results := p.ExecuteBatchWithProgress(context.Background(), inputs, func(done, total int) {
		assert.Equal(t, 10, total)
		calls = append(calls, done)
	})

	assert.Len(t, results, 10)
	require.Len(t, calls, 10)
	for i, done := range calls {
		assert.Equal(t, i+1, done)
	}
}

func TestPool_ExecuteBatchEmpty(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1})
	assert.Empty(t, p.ExecuteBatch(context.Background(), nil))
}

func TestPool_TaskTimeoutKeepsWorker(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1, TaskTimeout: 50 * time.Millisecond})

	block := make(chan struct{})
	defer close(block)

	r := p.Execute(context.Background(), op{block: block})
	assert.False(t, r.OK())
	assert.Equal(t, ErrTaskTimeout.Error(), r.Err)

	r = p.Execute(context.Background(), op{value: 7})
	assert.True(t, r.OK(), r.Err)
	assert.Equal(t, 7, r.Value)
	assert.Equal(t, 1, p.Stats().Workers)
}

func TestPool_TaskTimeoutReportedConsistently(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 2, TaskTimeout: 5 * time.Millisecond})

	block := make(chan struct{})
	defer close(block)

	// runOp returns ctx.Err() as soon as the deadline passes, racing the
	// caller side; the reported error must still be the timeout.
	for i := range 20 {
		r := p.Execute(context.Background(), op{block: block})
		require.False(t, r.OK(), "call %d", i)
		require.Equal(t, ErrTaskTimeout.Error(), r.Err, "call %d", i)
	}
}

func TestPool_CallerCancelWhileRunning(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1})

	block := make(chan struct{})
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := p.Execute(ctx, op{block: block})
	assert.False(t, r.OK())
	assert.Equal(t, context.DeadlineExceeded.Error(), r.Err)
}

func TestPool_WorkerIgnoringContextDoesNotWedgeExecute(t *testing.T) {
	release := make(chan struct{})
	stuck := func(_ context.Context, _ Capabilities, in int) (int, error) {
		if in < 0 {
			<-release
		}
		return in, nil
	}

	p := New[int, int](Config{
		Concurrency: 2,
		TaskTimeout: 20 * time.Millisecond,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil, stuck)
	require.NoError(t, p.Start(context.Background()))

	// Every call lands on a worker stuck in fn; mailboxes fill with expired
	// tasks well past their capacity.
	for i := range 10 {
		done := make(chan Result[int], 1)
		go func() { done <- p.Execute(context.Background(), -1) }()

		select {
		case r := <-done:
			require.Equal(t, ErrTaskTimeout.Error(), r.Err, "call %d", i)
		case <-time.After(time.Second):
			t.Fatalf("call %d never resolved; stats=%+v", i, p.Stats())
		}
	}
	assert.Zero(t, p.Stats().PendingTasks)

	close(release)

	require.Eventually(t, func() bool {
		r := p.Execute(context.Background(), 5)
		return r.OK() && r.Value == 5
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestPool_CrashIsReplaced(t *testing.T) {
	tests := []struct {
		name  string
		input op
		want  string
	}{
		{name: "panic", input: op{panic: true}, want: "panic: boom"},
		{name: "goexit", input: op{exit: true}, want: "worker exited unexpectedly"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, Config{Concurrency: 1})

			r := p.Execute(context.Background(), tt.input)
			assert.False(t, r.OK())
			assert.Contains(t, r.Err, ErrWorkerCrashed.Error())
			assert.Contains(t, r.Err, tt.want)

			require.Eventually(t, func() bool {
				return p.Stats().Workers == 1
			}, 2*time.Second, 5*time.Millisecond)

			r = p.Execute(context.Background(), op{value: 3})
			assert.True(t, r.OK(), r.Err)
			assert.Equal(t, 3, r.Value)
		})
	}
}

func TestPool_CrashFailsOnlyThatWorkersTasks(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 2})

	block := make(chan struct{})
	var wg sync.WaitGroup
	var slow Result[int]
	wg.Add(1)
	go func() {
		defer wg.Done()
		slow = p.Execute(context.Background(), op{value: 9, block: block})
	}()
	require.Eventually(t, func() bool {
		return p.Stats().PendingTasks == 1
	}, time.Second, time.Millisecond)

	// Round-robin sends this one to the other worker.
	r := p.Execute(context.Background(), op{panic: true})
	assert.Contains(t, r.Err, ErrWorkerCrashed.Error())

	close(block)
	wg.Wait()
	assert.True(t, slow.OK(), slow.Err)
	assert.Equal(t, 9, slow.Value)
}

func TestPool_DisableRestart(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1, DisableRestart: true})

	r := p.Execute(context.Background(), op{panic: true})
	assert.False(t, r.OK())

	require.Eventually(t, func() bool {
		return p.Stats().Workers == 0
	}, time.Second, time.Millisecond)

	r = p.Execute(context.Background(), op{value: 1})
	assert.Equal(t, ErrNoWorkers.Error(), r.Err)
}

func TestPool_Start(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name    string
		probe   ProbeFunc
		wantErr error
	}{
		{
			name:  "probe error",
			probe: func(context.Context) (Capabilities, error) { return Capabilities{}, errors.New("no cpu") },
		},
		{
			name: "probe timeout",
			probe: func(ctx context.Context) (Capabilities, error) {
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				return Capabilities{}, nil
			},
			wantErr: ErrInitTimeout,
		},
		{
			name:  "probe panic",
			probe: func(context.Context) (Capabilities, error) { panic("probe") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New[op, int](Config{Concurrency: 2, InitTimeout: 20 * time.Millisecond, Logger: quiet}, tt.probe, runOp)

			err := p.Start(context.Background())
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}

			r := p.Execute(context.Background(), op{value: 1})
			assert.Equal(t, ErrPoolClosed.Error(), r.Err)
			assert.NoError(t, p.Shutdown(context.Background()))
		})
	}

	t.Run("twice", func(t *testing.T) {
		p := newTestPool(t, Config{Concurrency: 1})
		assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("capabilities reach tasks", func(t *testing.T) {
		probe := func(context.Context) (Capabilities, error) { return Capabilities{Accelerated: true}, nil }
		p := New[op, int](Config{Concurrency: 1, Logger: quiet}, probe, runOp)
		require.NoError(t, p.Start(context.Background()))
		defer p.Shutdown(context.Background())

		r := p.Execute(context.Background(), op{value: 4})
		assert.Equal(t, 40, r.Value)
	})
}

func TestPool_ExecuteBeforeStart(t *testing.T) {
	p := New[op, int](Config{Concurrency: 1}, nil, runOp)
	r := p.Execute(context.Background(), op{value: 1})
	assert.Equal(t, ErrNoWorkers.Error(), r.Err)
}

func TestPool_AdmissionHonoursContext(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 1})

	block := make(chan struct{})
	done := make(chan Result[int], 1)
	go func() { done <- p.Execute(context.Background(), op{value: 1, block: block}) }()
	require.Eventually(t, func() bool {
		return p.Stats().QueuePending == 1
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	waiting := make(chan Result[int], 1)
	go func() { waiting <- p.Execute(ctx, op{value: 2}) }()
	require.Eventually(t, func() bool {
		return p.Stats().QueueDepth == 1
	}, time.Second, time.Millisecond)

	cancel()
	r := <-waiting
	assert.False(t, r.OK())
	assert.Contains(t, r.Err, context.Canceled.Error())

	close(block)
	assert.True(t, (<-done).OK())
}

func TestPool_Stats(t *testing.T) {
	p := newTestPool(t, Config{Concurrency: 2})

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Execute(context.Background(), op{block: block})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return p.Stats().PendingTasks == 1
	}, time.Second, time.Millisecond)
	stats := p.Stats()
	assert.Equal(t, Stats{Workers: 2, PendingTasks: 1, QueueDepth: 0, QueuePending: 1}, stats)

	close(block)
	<-done
	assert.Equal(t, Stats{Workers: 2}, p.Stats())
}

func TestPool_Shutdown(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("drains in-flight work", func(t *testing.T) {
		p := New[op, int](Config{Concurrency: 2, Logger: quiet}, nil, runOp)
		require.NoError(t, p.Start(context.Background()))

		results := make(chan Result[int], 2)
		for i := 0; i < 2; i++ {
			go func() { results <- p.Execute(context.Background(), op{value: i, sleep: 30 * time.Millisecond}) }()
		}
		require.Eventually(t, func() bool {
			return p.Stats().QueuePending == 2
		}, time.Second, time.Millisecond)

		require.NoError(t, p.Shutdown(context.Background()))
		for i := 0; i < 2; i++ {
			r := <-results
			assert.True(t, r.OK(), r.Err)
		}
		assert.Equal(t, 0, p.Stats().Workers)

		r := p.Execute(context.Background(), op{value: 1})
		assert.Equal(t, ErrPoolClosed.Error(), r.Err)
		assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
	})

	t.Run("deadline fails outstanding tasks", func(t *testing.T) {
		p := New[op, int](Config{Concurrency: 1, Logger: quiet}, nil, runOp)
		require.NoError(t, p.Start(context.Background()))

		block := make(chan struct{})
		defer close(block)
		result := make(chan Result[int], 1)
		go func() { result <- p.Execute(context.Background(), op{block: block}) }()
		require.Eventually(t, func() bool {
			return p.Stats().PendingTasks == 1
		}, time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := p.Shutdown(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		r := <-result
		assert.Equal(t, ErrPoolClosed.Error(), r.Err)
	})
}

func ExamplePool() {
	double := func(_ context.Context, _ Capabilities, n int) (int, error) { return n * 2, nil }

	p := New[int, int](Config{Concurrency: 2, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, nil, double)
	if err := p.Start(context.Background()); err != nil {
		panic(err)
	}
	defer p.Shutdown(context.Background())

	for _, r := range p.ExecuteBatch(context.Background(), []int{1, 2, 3}) {
		fmt.Println(r.Value)
	}
	// Output:
	// 2
	// 4
	// 6
}
