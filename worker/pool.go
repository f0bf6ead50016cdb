// Package worker runs the background side of the gateway: the pool that
// processes accepted webhook records and the periodic retry and sweep jobs.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace-gateway/failure"
	"marketplace-gateway/intake"
	"marketplace-gateway/logging"
	"marketplace-gateway/models"
	"marketplace-gateway/store"
)

// Handler processes one claimed record. A nil error completes the record;
// otherwise failure.Retryable decides between FAILED and FAILED_PERMANENT.
type Handler func(ctx context.Context, rec *models.WebhookRecord) error

// PoolConfig sizes a Pool.
type PoolConfig struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	PollBatch    int
}

// Pool processes PENDING webhook records. Ids arrive through Enqueue (fast
// path after intake) and through a poller over the table, so a full queue or
// a restart loses nothing. Each record is claimed before it is handled; a
// record queued twice is processed once.
type Pool struct {
	intake *intake.Intake
	store  *store.Store
	handle Handler
	cfg    PoolConfig
	logger *slog.Logger

	queue chan string
	wg    sync.WaitGroup
}

// Option configures the jobs of this package.
type Option func(*options)

type options struct {
	logger *slog.Logger
	now    func() time.Time
}

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func buildOptions(opts []Option) options {
	o := options{logger: logging.Discard(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewPool(in *intake.Intake, st *store.Store, handle Handler, cfg PoolConfig, opts ...Option) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = cfg.QueueSize
	}
	o := buildOptions(opts)
	return &Pool{
		intake: in,
		store:  st,
		handle: handle,
		cfg:    cfg,
		logger: o.logger,
		queue:  make(chan string, cfg.QueueSize),
	}
}

// Start launches the workers and the poller. They stop when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.work(ctx)
		}()
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		every(ctx, p.cfg.PollInterval, func(ctx context.Context) {
			if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("polling pending webhooks failed", "error", err)
			}
		})
	}()
}

// Wait blocks until every goroutine started by Start has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Enqueue offers a record id to the workers without blocking. A false
// result is harmless: the poller picks the record up later.
func (p *Pool) Enqueue(id string) bool {
	if id == "" {
		return false
	}
	select {
	case p.queue <- id:
		return true
	default:
		return false
	}
}

// Poll enqueues PENDING records, lowest priority value first, and returns
// how many were queued.
func (p *Pool) Poll(ctx context.Context) (int, error) {
	free := cap(p.queue) - len(p.queue)
	if free <= 0 {
		return 0, nil
	}
	recs, err := p.store.ListWebhooks(ctx, models.WebhookPending, time.Time{}, min(free, p.cfg.PollBatch))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range recs {
		if p.Enqueue(rec.ID) {
			n++
		}
	}
	return n, nil
}

func (p *Pool) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-p.queue:
			if err := p.Process(ctx, id); err != nil && ctx.Err() == nil {
				p.logger.Error("webhook processing failed", "record_id", id, "error", err)
			}
		}
	}
}

// Process claims record id and runs the handler on it. A record that is not
// PENDING any more is skipped.
func (p *Pool) Process(ctx context.Context, id string) error {
	claimed, err := p.intake.MarkProcessing(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	rec, err := p.store.WebhookByID(ctx, id)
	if err != nil {
		return err
	}

	herr := p.run(ctx, rec)
	if herr == nil {
		return p.intake.MarkCompleted(ctx, id)
	}
	retry := failure.Retryable(herr)
	p.logger.Info("webhook handler failed", "record_id", id, "topic", rec.Topic, "retry", retry, "error", herr)
	return p.intake.MarkFailed(ctx, id, herr, retry)
}

// run calls the handler, turning a panic into a transient failure so the
// record can be retried instead of staying PROCESSING.
func (p *Pool) run(ctx context.Context, rec *models.WebhookRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.Transient, "worker.handle", fmt.Errorf("panic: %v", r))
		}
	}()
	return p.handle(ctx, rec)
}

// every runs fn at each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}
