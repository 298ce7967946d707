package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dpas/internal/config"
	"dpas/internal/detection"
	"dpas/internal/logging"
	"dpas/internal/queue"
	"dpas/internal/services"
)

// Queue is the part of the dispatch queue a worker consumes.
type Queue interface {
	Dequeue(ctx context.Context, consumer string) (*queue.Job, error)
	Ack(ctx context.Context, id string) error
	Fail(ctx context.Context, id, consumer string, cause error, retry bool) (queue.Status, error)
	Extend(ctx context.Context, id, consumer string) (time.Time, error)
}

// Store is the part of the result store a worker writes to.
type Store interface {
	Append(ctx context.Context, rec detection.Record, image []byte, imageExt string) (detection.Record, error)
}

// Settings carries per-job budgets and timing.
type Settings struct {
	InferenceTimeout  time.Duration
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ErrorBackoff      time.Duration
	StoreWriteRetries int
	MinConfidence     float64
	// Now stamps record completion times; defaults to time.Now.
	Now func() time.Time
}

// SettingsFromConfig derives worker settings from configuration.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		InferenceTimeout:  cfg.InferenceTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		PollInterval:      cfg.PollInterval(),
		ErrorBackoff:      time.Second,
		StoreWriteRetries: cfg.Worker.StoreWriteRetries,
		MinConfidence:     cfg.Detector.ConfidenceThreshold,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
	if s.ErrorBackoff <= 0 {
		s.ErrorBackoff = s.PollInterval
	}
	if s.StoreWriteRetries < 0 {
		s.StoreWriteRetries = 0
	}
	return s
}

// Pool runs a fixed set of workers against one queue and store.
type Pool struct {
	count    int
	queue    Queue
	store    Store
	loader   detection.Loader
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*Worker
}

// NewPool constructs a pool sized by cfg.Worker.Count.
func NewPool(cfg *config.Config, q Queue, store Store, loader detection.Loader, logger *slog.Logger) *Pool {
	return NewPoolWithSettings(cfg.Worker.Count, q, store, loader, SettingsFromConfig(cfg), logger)
}

// NewPoolWithSettings constructs a pool with explicit settings.
func NewPoolWithSettings(count int, q Queue, store Store, loader detection.Loader, settings Settings, logger *slog.Logger) *Pool {
	if count < 1 {
		count = 1
	}
	return &Pool{
		count:    count,
		queue:    q,
		store:    store,
		loader:   loader,
		settings: settings.withDefaults(),
		logger:   logging.NewComponentLogger(logger, "worker-pool"),
	}
}

// Start loads one capability per worker and begins draining the queue. If any
// capability fails to load, those already loaded are closed and nothing runs.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	if p.loader == nil {
		return services.Wrap(services.ErrConfiguration, "worker", "start", "capability loader is required", nil)
	}

	workers := make([]*Worker, 0, p.count)
	for i := range p.count {
		name := fmt.Sprintf("worker-%d", i+1)
		capability, err := p.loader(ctx)
		if err != nil {
			closeWorkers(workers)
			return services.Wrap(services.ErrCapability, "worker", "load capability", name, err)
		}
		w := New(name, capability, p.queue, p.store, p.settings, p.logger)
		w.loader = p.loader
		workers = append(workers, w)
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.workers = workers
	p.wg.Add(len(workers))
	for _, w := range workers {
		go func() {
			defer p.wg.Done()
			w.Run(runCtx)
		}()
	}
	p.logger.Info("worker pool started", logging.Int("workers", len(workers)))
	return nil
}

// Stop cancels the workers, waits for in-flight jobs to settle, and closes
// every capability.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	workers := p.workers
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	closeWorkers(workers)
	p.logger.Info("worker pool stopped")
}

// Stats sums the counters of the pool's workers, including after Stop.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total Stats
	for _, w := range p.workers {
		s := w.Stats()
		total.Completed += s.Completed
		total.Duplicates += s.Duplicates
		total.Failed += s.Failed
	}
	return total
}

func closeWorkers(workers []*Worker) {
	for _, w := range workers {
		if err := w.Close(); err != nil {
			w.logger.Warn("capability close failed", logging.Error(err))
		}
	}
}
