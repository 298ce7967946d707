package worker_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/logging"
	"dpas/internal/queue"
	"dpas/internal/results"
	"dpas/internal/services"
	"dpas/internal/testsupport"
	"dpas/internal/worker"
)

var person = detection.Detection{TagName: "person", Confidence: 0.9, XMin: 2, YMin: 3, XMax: 20, YMax: 30}

func fixture(t *testing.T, opts ...testsupport.ConfigOption) (*config.Config, *queue.Store, *results.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	return cfg, testsupport.MustOpenQueue(t, cfg), testsupport.MustOpenResults(t, cfg)
}

func quietSettings(cfg *config.Config) worker.Settings {
	s := worker.SettingsFromConfig(cfg)
	s.HeartbeatInterval = 0
	s.ErrorBackoff = 10 * time.Millisecond
	return s
}

func enqueue(t *testing.T, q *queue.Store, payload []byte) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func mustJob(t *testing.T, q *queue.Store, id string) *queue.Job {
	t.Helper()
	job, err := q.Get(context.Background(), id)
	if err != nil || job == nil {
		t.Fatalf("Get %s: job=%v err=%v", id, job, err)
	}
	return job
}

func waitForDone(t *testing.T, q *queue.Store, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		summary, err := q.Summarize(context.Background())
		if err != nil {
			t.Fatalf("Summarize failed: %v", err)
		}
		if summary.Done >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d completed jobs", want)
}

func drain(t *testing.T, w *worker.Worker) int {
	t.Helper()
	processed := 0
	for range 20 {
		ok, err := w.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext failed: %v", err)
		}
		if !ok {
			return processed
		}
		processed++
	}
	t.Fatal("queue did not drain")
	return processed
}

func TestPoolProcessesJobsEndToEnd(t *testing.T) {
	cfg, q, store := fixture(t, testsupport.WithWorkers(2))
	ids := []string{
		enqueue(t, q, testsupport.JPEG(t, 64, 48)),
		enqueue(t, q, testsupport.PNG(t, 32, 32)),
		enqueue(t, q, testsupport.JPEG(t, 16, 16)),
	}

	pool := worker.NewPoolWithSettings(2, q, store, detection.StaticLoader(person), quietSettings(cfg), logging.NewNop())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForDone(t, q, len(ids))
	pool.Stop()

	records, err := store.List(detection.RecordPrefix)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != len(ids) {
		t.Fatalf("expected %d records, got %d", len(ids), len(records))
	}
	for _, id := range ids {
		rec, err := store.GetByJob(id)
		if err != nil {
			t.Fatalf("GetByJob %s: %v", id, err)
		}
		if len(rec.Detections) != 1 {
			t.Fatalf("expected one detection, got %#v", rec.Detections)
		}
		d := rec.Detections[0]
		if !d.Valid(rec.Width, rec.Height) {
			t.Fatalf("stored detection violates bounds: %#v in %dx%d", d, rec.Width, rec.Height)
		}
		if _, err := store.ImagePath(rec.RecordID); err != nil {
			t.Fatalf("expected stored image for %s: %v", rec.RecordID, err)
		}
	}
	if stats := pool.Stats(); stats.Completed != int64(len(ids)) || stats.Failed != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestLoaderCalledOncePerWorker(t *testing.T) {
	cfg, q, store := fixture(t)
	for range 6 {
		enqueue(t, q, testsupport.JPEG(t, 8, 8))
	}

	var (
		mu      sync.Mutex
		loaded  []*detection.Static
		counter atomic.Int32
	)
	loader := func(context.Context) (detection.Capability, error) {
		counter.Add(1)
		s := &detection.Static{Detections: []detection.Detection{person}}
		mu.Lock()
		loaded = append(loaded, s)
		mu.Unlock()
		return s, nil
	}

	pool := worker.NewPoolWithSettings(3, q, store, loader, quietSettings(cfg), logging.NewNop())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForDone(t, q, 6)
	pool.Stop()

	if got := counter.Load(); got != 3 {
		t.Fatalf("expected loader to run once per worker, ran %d times", got)
	}
	var calls int64
	for _, s := range loaded {
		if !s.Closed() {
			t.Fatal("expected every capability to be closed on Stop")
		}
		calls += s.Calls()
	}
	if calls != 6 {
		t.Fatalf("expected 6 detect calls across workers, got %d", calls)
	}
}

func TestPoolStartFailsWhenLoaderFails(t *testing.T) {
	cfg, q, store := fixture(t)
	first := &detection.Static{}
	calls := 0
	loader := func(context.Context) (detection.Capability, error) {
		calls++
		if calls == 1 {
			return first, nil
		}
		return nil, errors.New("model missing")
	}

	pool := worker.NewPoolWithSettings(2, q, store, loader, quietSettings(cfg), logging.NewNop())
	err := pool.Start(context.Background())
	if !errors.Is(err, services.ErrCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
	if !first.Closed() {
		t.Fatal("expected already loaded capability to be closed")
	}
	pool.Stop()
}

func TestMalformedJobDoesNotBlockNextJob(t *testing.T) {
	cfg, q, store := fixture(t, testsupport.WithQueue(60, 3))
	bad := enqueue(t, q, []byte("definitely not an image"))
	good := enqueue(t, q, testsupport.JPEG(t, 40, 30))

	w := worker.New("worker-1", &detection.Static{Detections: []detection.Detection{person}}, q, store, quietSettings(cfg), logging.NewNop())
	if processed := drain(t, w); processed != 4 {
		t.Fatalf("expected 3 attempts on the bad job plus the good job, processed %d", processed)
	}

	badJob := mustJob(t, q, bad)
	if badJob.Status != queue.StatusDead || badJob.Attempts != 3 {
		t.Fatalf("expected bad job dead-lettered after 3 attempts, got %s/%d", badJob.Status, badJob.Attempts)
	}
	if !strings.Contains(badJob.LastError, "decode error") {
		t.Fatalf("expected decode failure recorded, got %q", badJob.LastError)
	}
	if goodJob := mustJob(t, q, good); goodJob.Status != queue.StatusDone {
		t.Fatalf("expected good job done, got %s", goodJob.Status)
	}
	if _, err := store.GetByJob(good); err != nil {
		t.Fatalf("expected record for good job: %v", err)
	}
	if _, err := store.GetByJob(bad); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected no record for bad job, got %v", err)
	}
}

type panicOnce struct {
	calls atomic.Int32
}

func (p *panicOnce) Detect(_ context.Context, _ detection.Image) ([]detection.Detection, error) {
	if p.calls.Add(1) == 1 {
		panic("tensor shape mismatch")
	}
	return []detection.Detection{person}, nil
}

func (p *panicOnce) Close() error { return nil }

func TestCapabilityPanicIsRecovered(t *testing.T) {
	cfg, q, store := fixture(t)
	id := enqueue(t, q, testsupport.JPEG(t, 32, 32))

	w := worker.New("worker-1", &panicOnce{}, q, store, quietSettings(cfg), logging.NewNop())
	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	job := mustJob(t, q, id)
	if job.Status != queue.StatusPending || !strings.Contains(job.LastError, "capability panicked") {
		t.Fatalf("expected job returned to pending after panic, got %s %q", job.Status, job.LastError)
	}

	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("second ProcessNext: ok=%v err=%v", ok, err)
	}
	if job := mustJob(t, q, id); job.Status != queue.StatusDone {
		t.Fatalf("expected job done on second attempt, got %s", job.Status)
	}
	if stats := w.Stats(); stats.Failed != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type flakyAck struct {
	*queue.Store
	failures atomic.Int32
}

func (f *flakyAck) Ack(ctx context.Context, id string) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return f.Store.Ack(ctx, id)
}

func TestRedeliveryStoresSingleRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueue(30, 3))
	clock := testsupport.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	q := testsupport.MustOpenQueueWithClock(t, cfg, clock)
	store := testsupport.MustOpenResults(t, cfg)
	id := enqueue(t, q, testsupport.JPEG(t, 32, 32))

	flaky := &flakyAck{Store: q}
	flaky.failures.Store(1)
	settings := quietSettings(cfg)
	settings.Now = clock.Now
	w := worker.New("worker-1", &detection.Static{Detections: []detection.Detection{person}}, flaky, store, settings, logging.NewNop())

	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	if job := mustJob(t, q, id); job.Status != queue.StatusLeased {
		t.Fatalf("expected job still leased after failed ack, got %s", job.Status)
	}

	clock.Advance(cfg.LeaseDuration() + time.Second)
	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("redelivery ProcessNext: ok=%v err=%v", ok, err)
	}

	if job := mustJob(t, q, id); job.Status != queue.StatusDone || job.Attempts != 2 {
		t.Fatalf("expected job done after redelivery, got %s/%d", job.Status, job.Attempts)
	}
	records, err := store.List(detection.RecordPrefix)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one record, got %v", records)
	}
	if stats := w.Stats(); stats.Duplicates != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type failingStore struct {
	calls atomic.Int32
}

func (f *failingStore) Append(context.Context, detection.Record, []byte, string) (detection.Record, error) {
	f.calls.Add(1)
	return detection.Record{}, services.Wrap(services.ErrStoreWrite, "results", "append", "disk full", nil)
}

func TestStoreWriteFailureLeavesJobUnacked(t *testing.T) {
	cfg, q, _ := fixture(t)
	id := enqueue(t, q, testsupport.JPEG(t, 16, 16))

	store := &failingStore{}
	settings := quietSettings(cfg)
	settings.StoreWriteRetries = 2
	w := worker.New("worker-1", &detection.Static{}, q, store, settings, logging.NewNop())
	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}

	if got := store.calls.Load(); got != 3 {
		t.Fatalf("expected 3 write attempts, got %d", got)
	}
	job := mustJob(t, q, id)
	if job.Status != queue.StatusPending || !strings.Contains(job.LastError, "store write error") {
		t.Fatalf("expected job pending with store error, got %s %q", job.Status, job.LastError)
	}
	if !job.CompletedAt.IsZero() {
		t.Fatal("job must not be completed when the write failed")
	}
}

type blockingCapability struct{}

func (blockingCapability) Detect(ctx context.Context, _ detection.Image) ([]detection.Detection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingCapability) Close() error { return nil }

func TestInferenceTimeoutFailsJob(t *testing.T) {
	cfg, q, store := fixture(t)
	id := enqueue(t, q, testsupport.JPEG(t, 16, 16))

	settings := quietSettings(cfg)
	settings.InferenceTimeout = 50 * time.Millisecond
	w := worker.New("worker-1", blockingCapability{}, q, store, settings, logging.NewNop())
	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	job := mustJob(t, q, id)
	if job.Status != queue.StatusPending || !strings.Contains(job.LastError, "inference exceeded") {
		t.Fatalf("expected timed out job back in pending, got %s %q", job.Status, job.LastError)
	}
}

type slowCapability struct {
	delay time.Duration
}

func (s slowCapability) Detect(ctx context.Context, _ detection.Image) ([]detection.Detection, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
		return nil, nil
	}
}

func (slowCapability) Close() error { return nil }

type countingExtend struct {
	*queue.Store
	extends atomic.Int32
}

func (c *countingExtend) Extend(ctx context.Context, id, consumer string) (time.Time, error) {
	c.extends.Add(1)
	return c.Store.Extend(ctx, id, consumer)
}

func TestHeartbeatExtendsLeaseDuringInference(t *testing.T) {
	cfg, q, store := fixture(t)
	id := enqueue(t, q, testsupport.JPEG(t, 16, 16))

	counting := &countingExtend{Store: q}
	settings := quietSettings(cfg)
	settings.HeartbeatInterval = 20 * time.Millisecond
	w := worker.New("worker-1", slowCapability{delay: 200 * time.Millisecond}, counting, store, settings, logging.NewNop())
	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	if counting.extends.Load() == 0 {
		t.Fatal("expected lease to be extended while inference ran")
	}
	if job := mustJob(t, q, id); job.Status != queue.StatusDone {
		t.Fatalf("expected job done, got %s", job.Status)
	}
}

// stuckCapability ignores its context, like a native inference call.
type stuckCapability struct {
	delay    time.Duration
	returned atomic.Bool
	closed   atomic.Bool
}

func (s *stuckCapability) Detect(context.Context, detection.Image) ([]detection.Detection, error) {
	time.Sleep(s.delay)
	s.returned.Store(true)
	return []detection.Detection{person}, nil
}

func (s *stuckCapability) Close() error {
	if !s.returned.Load() {
		panic("closed while a call was still running")
	}
	s.closed.Store(true)
	return nil
}

func TestTimeoutAbandonsCapabilityThatIgnoresContext(t *testing.T) {
	cfg, q, store := fixture(t)
	id := enqueue(t, q, testsupport.JPEG(t, 16, 16))

	counting := &countingExtend{Store: q}
	stuck := &stuckCapability{delay: 400 * time.Millisecond}
	settings := quietSettings(cfg)
	settings.InferenceTimeout = 50 * time.Millisecond
	settings.HeartbeatInterval = 20 * time.Millisecond
	w := worker.New("worker-1", stuck, counting, store, settings, logging.NewNop())

	start := time.Now()
	if ok, err := w.ProcessNext(context.Background()); err != nil || !ok {
		t.Fatalf("ProcessNext: ok=%v err=%v", ok, err)
	}
	if elapsed := time.Since(start); elapsed >= stuck.delay {
		t.Fatalf("expected ProcessNext to return at the deadline, took %s", elapsed)
	}
	job := mustJob(t, q, id)
	if job.Status != queue.StatusPending || !strings.Contains(job.LastError, "inference exceeded") {
		t.Fatalf("expected timed out job back in pending, got %s %q", job.Status, job.LastError)
	}
	if _, err := store.GetByJob(id); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected no record for timed out job, got %v", err)
	}

	extends := counting.extends.Load()
	time.Sleep(100 * time.Millisecond)
	if got := counting.extends.Load(); got != extends {
		t.Fatalf("heartbeat kept extending after the deadline: %d -> %d", extends, got)
	}

	if _, err := w.ProcessNext(context.Background()); !errors.Is(err, services.ErrCapability) {
		t.Fatalf("expected abandoned capability to be withheld, got %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !stuck.closed.Load() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !stuck.closed.Load() {
		t.Fatal("expected abandoned capability closed after its call returned")
	}
}

func TestPoolReloadsCapabilityAfterTimeout(t *testing.T) {
	cfg, q, store := fixture(t)
	id := enqueue(t, q, testsupport.JPEG(t, 16, 16))

	var loads atomic.Int32
	stuck := &stuckCapability{delay: 300 * time.Millisecond}
	loader := func(context.Context) (detection.Capability, error) {
		if loads.Add(1) == 1 {
			return stuck, nil
		}
		return &detection.Static{Detections: []detection.Detection{person}}, nil
	}
	settings := quietSettings(cfg)
	settings.InferenceTimeout = 50 * time.Millisecond
	settings.PollInterval = 10 * time.Millisecond

	pool := worker.NewPoolWithSettings(1, q, store, loader, settings, logging.NewNop())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitForDone(t, q, 1)
	pool.Stop()

	if got := loads.Load(); got != 2 {
		t.Fatalf("expected one reload after the timeout, loader ran %d times", got)
	}
	if job := mustJob(t, q, id); job.Attempts != 2 {
		t.Fatalf("expected job done on second attempt, got %d attempts", job.Attempts)
	}
	if stats := pool.Stats(); stats.Failed != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestProcessNextOnEmptyQueue(t *testing.T) {
	cfg, q, store := fixture(t)
	w := worker.New("worker-1", &detection.Static{}, q, store, quietSettings(cfg), logging.NewNop())
	ok, err := w.ProcessNext(context.Background())
	if err != nil || ok {
		t.Fatalf("expected no work, got ok=%v err=%v", ok, err)
	}
}
