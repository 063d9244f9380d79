package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/toolmeter/internal/jobs"
	"github.com/cuongbtq/toolmeter/internal/processor"
	"golang.org/x/time/rate"
)

// Config holds worker configuration
type Config struct {
	// ID prefixes the claim owner recorded on every job this process picks up
	ID                string
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	// ClaimRate bounds claim attempts per second across all goroutines
	ClaimRate  float64
	ClaimBurst int
	Backoff    jobs.Backoff
	// PrefetchCount is the RabbitMQ QoS applied to the notice consumer
	PrefetchCount int
}

// Dependencies are the collaborators a Worker drives
type Dependencies struct {
	Store    jobs.Store
	Registry *processor.Registry
	Catalog  processor.Catalog
	Settler  *jobs.Settler
	// Notices is optional; without it workers rely on polling alone
	Notices NoticeSource
	Logger  *slog.Logger
}

// Worker claims PENDING jobs and runs them through their processor
type Worker struct {
	logger            *slog.Logger
	store             jobs.Store
	registry          *processor.Registry
	catalog           processor.Catalog
	settler           *jobs.Settler
	notices           NoticeSource
	workerID          string
	concurrency       int
	pollInterval      time.Duration
	heartbeatInterval time.Duration
	prefetchCount     int
	backoff           jobs.Backoff
	limiter           *rate.Limiter
	wake              chan struct{}
	wg                sync.WaitGroup
	stopChan          chan struct{}
	stopOnce          sync.Once
	now               func() time.Time
}

// NewWorker creates a new worker instance
func NewWorker(cfg Config, deps Dependencies) (*Worker, error) {
	if deps.Store == nil || deps.Registry == nil || deps.Settler == nil {
		return nil, fmt.Errorf("worker requires a job store, a processor registry and a settler")
	}
	if err := deps.Registry.MustCover(deps.Catalog.Slugs()); err != nil {
		return nil, err
	}
	if cfg.ID == "" {
		cfg.ID = "worker"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = cfg.Concurrency
	}

	limit := rate.Inf
	if cfg.ClaimRate > 0 {
		limit = rate.Limit(cfg.ClaimRate)
	}
	burst := cfg.ClaimBurst
	if burst <= 0 {
		burst = cfg.Concurrency
	}

	return &Worker{
		logger:            deps.Logger,
		store:             deps.Store,
		registry:          deps.Registry,
		catalog:           deps.Catalog,
		settler:           deps.Settler,
		notices:           deps.Notices,
		workerID:          cfg.ID,
		concurrency:       cfg.Concurrency,
		pollInterval:      cfg.PollInterval,
		heartbeatInterval: cfg.HeartbeatInterval,
		prefetchCount:     cfg.PrefetchCount,
		backoff:           cfg.Backoff,
		limiter:           rate.NewLimiter(limit, burst),
		wake:              make(chan struct{}, cfg.Concurrency),
		stopChan:          make(chan struct{}),
		now:               time.Now,
	}, nil
}

// Start runs the worker pool until ctx is canceled or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("poll_interval", w.pollInterval),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.notices != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			return err
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.startMessageDispatcher(ctx, deliveries)
		}()
	}

	w.spawnWorkerPool(ctx)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
	case <-w.stopChan:
	}
	cancel()
	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// Stop signals every goroutine to finish its current job and exit
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopChan)
	})
}

// Wake nudges one idle goroutine to try a claim now instead of at its next poll
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}
