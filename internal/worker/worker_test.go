package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	_ "modernc.org/sqlite"

	"github.com/rcliao/character-memory/internal/queue"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestQueue(t *testing.T) *queue.SQLiteQueue {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "jobs.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	q, err := queue.NewSQLiteQueue(db)
	if err != nil {
		t.Fatalf("NewSQLiteQueue: %v", err)
	}
	return q
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPool(t *testing.T, q queue.Queue, maxAttempts int) (*Pool, *clock) {
	t.Helper()
	log, _ := test.NewNullLogger()
	p := New(q, Config{
		Workers:      2,
		MaxAttempts:  maxAttempts,
		BaseBackoff:  time.Second,
		MaxBackoff:   4 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}, log)
	c := &clock{now: t0}
	p.SetClock(c.Now)
	return p, c
}

func extractJob(ref string) queue.Job {
	return queue.Job{
		ID:            queue.JobID(queue.KindExtract, ref),
		Kind:          queue.KindExtract,
		UserID:        "u1",
		CharacterName: "Aria",
		ExchangeID:    ref,
		CreatedAt:     t0,
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{64, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(time.Second, 5*time.Second, tt.attempt); got != tt.want {
			t.Errorf("Backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad input")
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Error("expected permanent error")
	}
	if !errors.Is(err, base) {
		t.Error("permanent error should unwrap to its cause")
	}
	if IsPermanent(base) {
		t.Error("plain error reported as permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestDrainCompletesJobs(t *testing.T) {
	q := newTestQueue(t)
	p, _ := newTestPool(t, q, 3)
	ctx := context.Background()

	var ran []string
	var settled int
	p.Handle(queue.KindExtract, func(ctx context.Context, job queue.Job) error {
		ran = append(ran, job.ExchangeID)
		return nil
	})
	p.OnSettled(func(queue.Job) { settled++ })

	if err := q.Enqueue(ctx, extractJob("ex1"), extractJob("ex2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	n, err := p.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n != 2 || len(ran) != 2 || ran[0] != "ex1" || ran[1] != "ex2" {
		t.Errorf("ran %d jobs: %v", n, ran)
	}
	if settled != 2 {
		t.Errorf("settled = %d, want 2", settled)
	}
	if left, _ := q.Len(ctx); left != 0 {
		t.Errorf("queue still has %d jobs", left)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q := newTestQueue(t)
	p, c := newTestPool(t, q, 3)
	ctx := context.Background()

	calls := 0
	p.Handle(queue.KindExtract, func(ctx context.Context, job queue.Job) error {
		calls++
		if calls == 1 {
			return errors.New("model timeout")
		}
		return nil
	})

	if err := q.Enqueue(ctx, extractJob("ex1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if n, _ := p.Drain(ctx); n != 1 {
		t.Fatalf("first drain ran %d jobs", n)
	}
	// backed off: nothing ready yet
	if n, _ := p.Drain(ctx); n != 0 {
		t.Fatalf("job ran before its backoff elapsed")
	}
	c.Advance(time.Second)
	if n, _ := p.Drain(ctx); n != 1 {
		t.Fatalf("retry did not run")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	dead, _ := q.Dead(ctx)
	if len(dead) != 0 {
		t.Errorf("unexpected dead jobs: %v", dead)
	}
}

func TestExhaustedJobQuarantined(t *testing.T) {
	q := newTestQueue(t)
	p, c := newTestPool(t, q, 3)
	ctx := context.Background()

	p.Handle(queue.KindExtract, func(ctx context.Context, job queue.Job) error {
		return errors.New("unparseable output")
	})
	var deadJobs []queue.Job
	p.OnDead(func(ctx context.Context, job queue.Job, err error) {
		deadJobs = append(deadJobs, job)
	})

	if err := q.Enqueue(ctx, extractJob("ex1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := p.Drain(ctx); err != nil {
			t.Fatalf("Drain: %v", err)
		}
		c.Advance(time.Minute)
	}

	if len(deadJobs) != 1 {
		t.Fatalf("OnDead called %d times, want 1", len(deadJobs))
	}
	if deadJobs[0].Attempts != 3 {
		t.Errorf("quarantined after %d attempts, want 3", deadJobs[0].Attempts)
	}
	dead, err := q.Dead(ctx)
	if err != nil {
		t.Fatalf("Dead: %v", err)
	}
	if len(dead) != 1 || dead[0].LastError != "unparseable output" {
		t.Errorf("unexpected dead jobs: %+v", dead)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	q := newTestQueue(t)
	p, _ := newTestPool(t, q, 5)
	ctx := context.Background()

	calls := 0
	p.Handle(queue.KindExtract, func(ctx context.Context, job queue.Job) error {
		calls++
		return Permanent(errors.New("exchange missing"))
	})
	if err := q.Enqueue(ctx, extractJob("ex1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Drain(ctx)
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if dead, _ := q.Dead(ctx); len(dead) != 1 {
		t.Errorf("expected job quarantined, got %v", dead)
	}
}

func TestUnknownKindQuarantined(t *testing.T) {
	q := newTestQueue(t)
	p, _ := newTestPool(t, q, 5)
	ctx := context.Background()

	if err := q.Enqueue(ctx, extractJob("ex1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Drain(ctx)
	if dead, _ := q.Dead(ctx); len(dead) != 1 {
		t.Errorf("expected job without handler to be quarantined")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	q := newTestQueue(t)
	p, _ := newTestPool(t, q, 3)

	var done atomic.Int32
	p.Handle(queue.KindExtract, func(ctx context.Context, job queue.Job) error {
		done.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.Enqueue(ctx, extractJob("ex1"), extractJob("ex2"), extractJob("ex3")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for done.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if done.Load() != 3 {
		t.Errorf("processed %d jobs, want 3", done.Load())
	}
}

func TestPoolsSharingRedisQueueKeepPairOrder(t *testing.T) {
	addr := os.Getenv("CHARMEM_TEST_REDIS")
	if addr == "" {
		t.Skip("CHARMEM_TEST_REDIS not set")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// done records expire on their own; the prefix keeps runs apart
	q, err := queue.NewRedisQueue(ctx, queue.RedisOptions{
		Addr:   addr,
		Prefix: "charmem-worker-test-" + time.Now().Format("150405.000000000"),
	})
	if err != nil {
		t.Fatalf("NewRedisQueue: %v", err)
	}
	defer q.Close()

	const jobs = 20
	var (
		mu      sync.Mutex
		order   []string
		running atomic.Int32
		maxSeen atomic.Int32
	)
	handler := func(ctx context.Context, job queue.Job) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxSeen.Load()
			if n <= m || maxSeen.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		order = append(order, job.ExchangeID)
		mu.Unlock()
		return nil
	}

	var want []string
	for i := 0; i < jobs; i++ {
		ref := fmt.Sprintf("ex%02d", i)
		want = append(want, ref)
		if err := q.Enqueue(ctx, extractJob(ref)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		p, _ := newTestPool(t, q, 3)
		p.SetClock(time.Now)
		p.Handle(queue.KindExtract, handler)
		go func() { errc <- p.Run(ctx) }()
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == jobs {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	for i := 0; i < 2; i++ {
		<-errc
	}

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent jobs for one pair = %d, want 1", maxSeen.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != jobs {
		t.Fatalf("ran %d jobs, want %d", len(order), jobs)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}
}
