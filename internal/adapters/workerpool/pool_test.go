package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/threat-thinker/ttserve/internal/analysis"
	"github.com/threat-thinker/ttserve/internal/core"
	"github.com/threat-thinker/ttserve/internal/data"
	"github.com/threat-thinker/ttserve/internal/domain/model"
	"github.com/threat-thinker/ttserve/internal/mocks"
	"github.com/threat-thinker/ttserve/internal/observability/notify"
	"github.com/threat-thinker/ttserve/internal/testutil"
)

type engineFunc func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error)

func (f engineFunc) Analyze(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
	return f(ctx, req)
}

func markdownEngine(content string) engineFunc {
	return func(_ context.Context, _ *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		return &model.AnalysisOutcome{
			Reports:    []model.Report{{Format: model.ReportFormatMarkdown, Content: content}},
			DurationMS: 12,
			Model:      "stub-model",
		}, nil
	}
}

type poolFixture struct {
	srv   *miniredis.Miniredis
	store *data.RedisJobStore
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	srv, client := testutil.NewMiniRedis(t)
	store := data.NewRedisJobStore(data.RedisJobStoreOptions{
		Client: client,
		JobTTL: 15 * time.Minute,
	})
	return &poolFixture{srv: srv, store: store}
}

func (f *poolFixture) newPool(t *testing.T, engine core.AnalysisEngine, mutate func(*Options)) *Pool {
	t.Helper()
	opts := Options{
		Queue:             f.store,
		Engine:            engine,
		WorkerID:          "test-worker",
		MaxInFlight:       1,
		DequeueTimeout:    time.Second,
		HeartbeatInterval: time.Second,
		AnalyzeTimeout:    5 * time.Second,
		ErrorBackoff:      10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	pool, err := New(opts)
	require.NoError(t, err)
	return pool
}

// start runs pool until the test ends.
func start(t *testing.T, pool *Pool) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("pool did not stop")
		}
	})
	return cancel
}

func (f *poolFixture) enqueue(t *testing.T) string {
	t.Helper()
	id, err := f.store.Enqueue(context.Background(), testutil.NewAnalyzeRequest().Build())
	require.NoError(t, err)
	return id
}

func (f *poolFixture) waitForStatus(t *testing.T, id string, want model.JobStatus, within time.Duration) *model.JobStatusView {
	t.Helper()
	var last *model.JobStatusView
	require.Eventually(t, func() bool {
		view, err := f.store.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		last = view
		return view.Status == want
	}, within, 20*time.Millisecond, "job %s never reached %s", id, want)
	return last
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Engine: markdownEngine("x")})
	require.Error(t, err)

	f := newPoolFixture(t)
	_, err = New(Options{Queue: f.store})
	require.Error(t, err)

	pool, err := New(Options{Queue: f.store, Engine: markdownEngine("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, pool.capacity)
	assert.NotEmpty(t, pool.workerID)
}

func TestPool_RoundTrip(t *testing.T) {
	f := newPoolFixture(t)
	start(t, f.newPool(t, markdownEngine("# Threats"), nil))

	id := f.enqueue(t)
	f.waitForStatus(t, id, model.JobStatusSucceeded, 5*time.Second)

	res, err := f.store.GetResult(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "# Threats", res.Reports[0].Content)
	assert.Equal(t, int64(12), res.DurationMS)
	assert.Equal(t, "stub-model", res.Model)
}

func TestPool_EachJobAnalyzedOnce(t *testing.T) {
	f := newPoolFixture(t)
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockAnalysisEngine(ctrl)
	engine.EXPECT().
		Analyze(gomock.Any(), gomock.Any()).
		Return(&model.AnalysisOutcome{
			Reports: []model.Report{{Format: model.ReportFormatMarkdown, Content: "ok"}},
			Model:   "mock",
		}, nil).
		Times(3)
	start(t, f.newPool(t, engine, func(o *Options) { o.MaxInFlight = 2 }))

	ids := []string{f.enqueue(t), f.enqueue(t), f.enqueue(t)}
	for _, id := range ids {
		f.waitForStatus(t, id, model.JobStatusSucceeded, 5*time.Second)
	}
}

func TestPool_EngineReceivesStoredPayload(t *testing.T) {
	f := newPoolFixture(t)
	seen := make(chan *model.AnalyzeRequest, 1)
	engine := engineFunc(func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		seen <- req
		return markdownEngine("ok")(ctx, req)
	})
	start(t, f.newPool(t, engine, nil))

	want := testutil.NewAnalyzeRequest().WithTopN(7).Build()
	_, err := f.store.Enqueue(context.Background(), want)
	require.NoError(t, err)

	select {
	case got := <-seen:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("engine never called")
	}
}

func TestPool_TimeoutWhenEngineIgnoresContext(t *testing.T) {
	f := newPoolFixture(t)
	engine := engineFunc(func(_ context.Context, _ *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		time.Sleep(5 * time.Second)
		return &model.AnalysisOutcome{}, nil
	})
	start(t, f.newPool(t, engine, func(o *Options) { o.AnalyzeTimeout = time.Second }))

	id := f.enqueue(t)
	view := f.waitForStatus(t, id, model.JobStatusFailed, 4*time.Second)
	assert.Equal(t, MsgAnalysisTimedOut, view.Error)
}

func TestPool_TimeoutWhenEngineHonoursContext(t *testing.T) {
	f := newPoolFixture(t)
	engine := engineFunc(func(ctx context.Context, _ *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		<-ctx.Done()
		return nil, fmt.Errorf("engine call: %w", ctx.Err())
	})
	start(t, f.newPool(t, engine, func(o *Options) { o.AnalyzeTimeout = 200 * time.Millisecond }))

	id := f.enqueue(t)
	view := f.waitForStatus(t, id, model.JobStatusFailed, 4*time.Second)
	assert.Equal(t, MsgAnalysisTimedOut, view.Error)
}

func TestPool_FailureMessages(t *testing.T) {
	tests := []struct {
		name   string
		engine engineFunc
		want   string
	}{
		{
			name: "declared error is stored verbatim",
			engine: func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				return nil, analysis.Errorf("OPENAI_API_KEY is required for analysis.")
			},
			want: "OPENAI_API_KEY is required for analysis.",
		},
		{
			name: "wrapped declared error",
			engine: func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				return nil, fmt.Errorf("engine: %w", &analysis.Error{Message: "Diagram could not be parsed."})
			},
			want: "Diagram could not be parsed.",
		},
		{
			name: "unexpected error is reduced to its kind",
			engine: func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				return nil, errors.New("secret internal detail")
			},
			want: "Unhandled error: error",
		},
		{
			name: "panic is recovered",
			engine: func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				panic("nil map write")
			},
			want: "Unhandled error: panic",
		},
		{
			name: "nil outcome",
			engine: func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				return nil, nil
			},
			want: "Unhandled error: error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPoolFixture(t)
			start(t, f.newPool(t, tt.engine, nil))

			id := f.enqueue(t)
			view := f.waitForStatus(t, id, model.JobStatusFailed, 5*time.Second)
			assert.Equal(t, tt.want, view.Error)
		})
	}
}

func TestPool_MissingPayload(t *testing.T) {
	f := newPoolFixture(t)
	id := f.enqueue(t)
	f.srv.HDel("tt:job:"+id, "payload")

	called := atomic.Bool{}
	engine := engineFunc(func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		called.Store(true)
		return markdownEngine("x")(ctx, req)
	})
	start(t, f.newPool(t, engine, nil))

	view := f.waitForStatus(t, id, model.JobStatusFailed, 5*time.Second)
	assert.Equal(t, MsgPayloadMissing, view.Error)
	assert.False(t, called.Load())
}

func TestPool_NeverDequeuesBeyondCapacity(t *testing.T) {
	f := newPoolFixture(t)
	release := make(chan struct{})
	var running atomic.Int32
	engine := engineFunc(func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		running.Add(1)
		defer running.Add(-1)
		<-release
		return markdownEngine("done")(ctx, req)
	})
	pool := f.newPool(t, engine, func(o *Options) {
		o.MaxInFlight = 2
		o.AnalyzeTimeout = 30 * time.Second
	})
	start(t, pool)

	ids := []string{f.enqueue(t), f.enqueue(t), f.enqueue(t)}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 5*time.Second, 20*time.Millisecond)

	// The third job stays queued while both slots are busy.
	time.Sleep(1500 * time.Millisecond)
	assert.Equal(t, int32(2), running.Load())
	assert.Equal(t, 2, pool.InUse())
	depth, err := f.store.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	view, err := f.store.GetStatus(context.Background(), ids[2])
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, view.Status)

	close(release)
	for _, id := range ids {
		f.waitForStatus(t, id, model.JobStatusSucceeded, 5*time.Second)
	}
}

func TestPool_TwoPoolsNeverShareAJob(t *testing.T) {
	f := newPoolFixture(t)

	var mu sync.Mutex
	runs := map[string]int{}
	engineFor := func(worker string) engineFunc {
		return func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			runs[req.Input.Content]++
			mu.Unlock()
			return markdownEngine(worker)(ctx, req)
		}
	}

	const jobs = 20
	ids := make([]string, 0, jobs)
	for i := range jobs {
		req := testutil.NewAnalyzeRequest().WithContent(model.InputTypeMermaid, fmt.Sprintf("graph LR; N%d-->M", i)).Build()
		id, err := f.store.Enqueue(context.Background(), req)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	start(t, f.newPool(t, engineFor("a"), func(o *Options) { o.WorkerID = "a"; o.MaxInFlight = 3 }))
	start(t, f.newPool(t, engineFor("b"), func(o *Options) { o.WorkerID = "b"; o.MaxInFlight = 3 }))

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			deadline := time.Now().Add(10 * time.Second)
			for time.Now().Before(deadline) {
				view, err := f.store.GetStatus(context.Background(), id)
				if err != nil {
					return err
				}
				if view.Status == model.JobStatusSucceeded {
					return nil
				}
				time.Sleep(20 * time.Millisecond)
			}
			return fmt.Errorf("job %s did not succeed", id)
		})
	}
	require.NoError(t, g.Wait())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, jobs)
	for content, n := range runs {
		assert.Equal(t, 1, n, "job %q ran %d times", content, n)
	}
}

func TestPool_ShutdownWaitsForInFlight(t *testing.T) {
	f := newPoolFixture(t)
	started := make(chan struct{})
	engine := engineFunc(func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		return markdownEngine("finished")(ctx, req)
	})
	pool := f.newPool(t, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	id := f.enqueue(t)
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	view, err := f.store.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusSucceeded, view.Status)
}

func TestPool_LostLeaseCancelsRunAndDiscardsOutcome(t *testing.T) {
	f := newPoolFixture(t)
	var calls atomic.Int32
	firstCancelled := make(chan struct{})
	engine := engineFunc(func(ctx context.Context, req *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			close(firstCancelled)
			return nil, ctx.Err()
		}
		return markdownEngine("second attempt")(ctx, req)
	})
	start(t, f.newPool(t, engine, func(o *Options) {
		o.HeartbeatInterval = 50 * time.Millisecond
		o.AnalyzeTimeout = 30 * time.Second
	}))

	id := f.enqueue(t)
	f.waitForStatus(t, id, model.JobStatusRunning, 5*time.Second)

	// Reclaim the job as if its heartbeat had lapsed.
	res, err := f.store.RequeueStale(context.Background(), core.RequeueStaleParams{
		StaleBefore: time.Now().Add(time.Hour),
		Limit:       10,
		MaxRequeues: 3,
	})
	require.NoError(t, err)
	require.Equal(t, []string{id}, res.Requeued)

	select {
	case <-firstCancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("first run was not cancelled")
	}

	f.waitForStatus(t, id, model.JobStatusSucceeded, 5*time.Second)
	result, err := f.store.GetResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "second attempt", result.Reports[0].Content)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "Bad diagram.", failureMessage(analysis.Errorf("Bad diagram.")))
	assert.Equal(t, "Unhandled error: panic", failureMessage(&PanicError{Value: "x"}))
	assert.Equal(t, "Unhandled error: deadline_exceeded", failureMessage(context.DeadlineExceeded))
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []notify.JobFailurePayload
}

func (r *recordingNotifier) NotifyJobFailure(_ context.Context, payload notify.JobFailurePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
}

func (r *recordingNotifier) snapshot() []notify.JobFailurePayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.JobFailurePayload(nil), r.payloads...)
}

func TestPool_NotifiesOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		engine    engineFunc
		timeout   time.Duration
		wantMsg   string
		wantClass string
	}{
		{
			name: "timeout",
			engine: func(ctx context.Context, _ *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:   200 * time.Millisecond,
			wantMsg:   MsgAnalysisTimedOut,
			wantClass: "timeout",
		},
		{
			name: "panic",
			engine: func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
				panic("boom")
			},
			wantMsg:   "Unhandled error: panic",
			wantClass: "panic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPoolFixture(t)
			rec := &recordingNotifier{}
			start(t, f.newPool(t, tt.engine, func(o *Options) {
				o.Notifier = rec
				if tt.timeout > 0 {
					o.AnalyzeTimeout = tt.timeout
				}
			}))

			id := f.enqueue(t)
			f.waitForStatus(t, id, model.JobStatusFailed, 4*time.Second)
			require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)

			got := rec.snapshot()[0]
			assert.Equal(t, id, got.JobID)
			assert.Equal(t, string(model.InputTypeMermaid), got.InputType)
			assert.Equal(t, notify.StageAnalyze, got.Stage)
			assert.Equal(t, "test-worker", got.WorkerID)
			assert.Equal(t, tt.wantMsg, got.Error)
			assert.Equal(t, notify.SeverityCritical, got.Severity)
			assert.Equal(t, tt.wantClass, got.ErrorClass)
		})
	}
}

func TestPool_DeclaredErrorDoesNotNotify(t *testing.T) {
	f := newPoolFixture(t)
	rec := &recordingNotifier{}
	engine := engineFunc(func(context.Context, *model.AnalyzeRequest) (*model.AnalysisOutcome, error) {
		return nil, analysis.Errorf("Diagram could not be parsed.")
	})
	start(t, f.newPool(t, engine, func(o *Options) { o.Notifier = rec }))

	id := f.enqueue(t)
	f.waitForStatus(t, id, model.JobStatusFailed, 4*time.Second)

	// A second job proves the first finished processing.
	next := f.enqueue(t)
	f.waitForStatus(t, next, model.JobStatusFailed, 4*time.Second)
	assert.Empty(t, rec.snapshot())
}

// flakyClaimQueue fails the first MarkRunning as a dropped connection would.
type flakyClaimQueue struct {
	*data.RedisJobStore
	failed atomic.Bool
}

func (q *flakyClaimQueue) MarkRunning(ctx context.Context, jobID, owner string) error {
	if q.failed.CompareAndSwap(false, true) {
		return errors.New("read tcp: connection reset by peer")
	}
	return q.RedisJobStore.MarkRunning(ctx, jobID, owner)
}

func TestPool_FailedClaimIsRecoveredByReaper(t *testing.T) {
	f := newPoolFixture(t)
	queue := &flakyClaimQueue{RedisJobStore: f.store}
	start(t, f.newPool(t, markdownEngine("# ok"), func(o *Options) { o.Queue = queue }))

	id := f.enqueue(t)
	require.Eventually(t, queue.failed.Load, 5*time.Second, 10*time.Millisecond)

	claiming, err := f.srv.List("tt:claiming")
	require.NoError(t, err)
	assert.Equal(t, []string{id}, claiming)
	f.waitForStatus(t, id, model.JobStatusQueued, time.Second)

	ctx := context.Background()
	params := core.RequeueStaleParams{StaleBefore: time.Now().Add(-time.Minute), Limit: 10, MaxRequeues: 3}
	_, err = f.store.RequeueStale(ctx, params)
	require.NoError(t, err)

	params.StaleBefore = time.Now().Add(time.Minute)
	res, err := f.store.RequeueStale(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.Requeued)

	f.waitForStatus(t, id, model.JobStatusSucceeded, 5*time.Second)
}
