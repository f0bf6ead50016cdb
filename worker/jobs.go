package worker

import (
	"context"
	"log/slog"
	"time"

	"marketplace-gateway/intake"
	"marketplace-gateway/models"
	"marketplace-gateway/question"
	"marketplace-gateway/store"
)

// QuestionRetrier advances one question left behind by the main flow.
type QuestionRetrier interface {
	RetryQuestion(ctx context.Context, q *models.Question) error
}

type RetrierConfig struct {
	// FailedAfter is how long a FAILED question rests before a retry.
	FailedAfter time.Duration
	// StaleAfter is how long a PENDING or PROCESSING question may sit
	// untouched before it is considered stuck.
	StaleAfter time.Duration
	Batch      int
}

// Retrier is the periodic retry job over FAILED and stuck questions.
type Retrier struct {
	store  *store.Store
	target QuestionRetrier
	cfg    RetrierConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewRetrier(st *store.Store, target QuestionRetrier, cfg RetrierConfig, opts ...Option) *Retrier {
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	o := buildOptions(opts)
	return &Retrier{store: st, target: target, cfg: cfg, logger: o.logger, now: o.now}
}

// RunOnce retries every due question once and returns how many were handed
// to the target. A failing question does not stop the batch. Due are FAILED
// questions older than FailedAfter, and PENDING, PROCESSING and decided but
// unsent REVIEWING questions older than StaleAfter.
func (r *Retrier) RunOnce(ctx context.Context) (int, error) {
	now := r.now().UTC()
	stale := now.Add(-r.cfg.StaleAfter)
	lists := []func() ([]models.Question, error){
		func() ([]models.Question, error) {
			return r.store.ListRetryableFailed(ctx, string(question.Failed), now.Add(-r.cfg.FailedAfter), r.cfg.Batch)
		},
		func() ([]models.Question, error) {
			return r.store.ListQuestions(ctx, string(question.Pending), stale, r.cfg.Batch)
		},
		func() ([]models.Question, error) {
			return r.store.ListQuestions(ctx, string(question.Processing), stale, r.cfg.Batch)
		},
		func() ([]models.Question, error) {
			return r.store.ListDecidedUnsent(ctx, string(question.Reviewing), stale, r.cfg.Batch)
		},
	}

	n := 0
	for _, list := range lists {
		qs, err := list()
		if err != nil {
			return n, err
		}
		for i := range qs {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			n++
			if err := r.target.RetryQuestion(ctx, &qs[i]); err != nil {
				r.logger.Warn("question retry failed", "question_id", qs[i].ID, "status", qs[i].Status, "error", err)
			}
		}
	}
	if n > 0 {
		r.logger.Info("retry job finished", "questions", n)
	}
	return n, nil
}

// Run calls RunOnce every interval until ctx is done.
func (r *Retrier) Run(ctx context.Context, interval time.Duration) {
	every(ctx, interval, func(ctx context.Context) {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("retry job failed", "error", err)
		}
	})
}

type SweeperConfig struct {
	// SweepAfter is how long a FAILED record waits for a redelivery before
	// the sweeper re-queues it.
	SweepAfter time.Duration
	// LeaseDuration bounds how long a record may stay PROCESSING.
	LeaseDuration time.Duration
	Batch         int
}

// SweepResult counts what a sweep changed.
type SweepResult struct {
	Requeued int
	Expired  int
}

// Sweeper is the safety net for webhook records: senders that stopped
// redelivering and workers that died mid-record.
type Sweeper struct {
	store  *store.Store
	intake *intake.Intake
	cfg    SweeperConfig
	logger *slog.Logger
	now    func() time.Time
}

func NewSweeper(st *store.Store, in *intake.Intake, cfg SweeperConfig, opts ...Option) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = 500
	}
	o := buildOptions(opts)
	return &Sweeper{store: st, intake: in, cfg: cfg, logger: o.logger, now: o.now}
}

// RunOnce expires stale leases first, then re-queues FAILED records. A
// record expired in this run is not re-queued until a later one.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.now().UTC()

	stale, err := s.store.ListWebhooks(ctx, models.WebhookProcessing, now.Add(-s.cfg.LeaseDuration), s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, rec := range stale {
		ok, err := s.intake.ExpireLease(ctx, rec.ID)
		if err != nil {
			return res, err
		}
		if ok {
			res.Expired++
			s.logger.Warn("webhook lease expired", "record_id", rec.ID, "topic", rec.Topic)
		}
	}

	// Expiry touches updated_at, so records failed above are not due yet.
	failed, err := s.store.ListWebhooks(ctx, models.WebhookFailed, now.Add(-s.cfg.SweepAfter), s.cfg.Batch)
	if err != nil {
		return res, err
	}
	for _, rec := range failed {
		ok, err := s.intake.Requeue(ctx, rec.ID)
		if err != nil {
			return res, err
		}
		if ok {
			res.Requeued++
		}
	}
	if res.Requeued+res.Expired > 0 {
		s.logger.Info("sweep finished", "requeued", res.Requeued, "expired", res.Expired)
	}
	return res, nil
}

// Run calls RunOnce every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	every(ctx, interval, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
		}
	})
}
