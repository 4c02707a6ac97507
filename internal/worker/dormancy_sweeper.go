package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/clinic-support/internal/config"
	"github.com/spec-kit/clinic-support/internal/domain"
	"github.com/spec-kit/clinic-support/internal/observability"
	"github.com/spec-kit/clinic-support/internal/repository"
	apperrors "github.com/spec-kit/clinic-support/pkg/util"
)

// ErrSweepInProgress is returned by Sweep while another run holds the guard.
var ErrSweepInProgress = errors.New("dormancy sweep already running")

// DormantCloser closes one ticket if it is still dormant.
type DormantCloser interface {
	CloseDormant(ctx context.Context, ticketID string, threshold time.Duration) (bool, error)
}

// DormantLister pages through candidate tickets.
type DormantLister interface {
	ListDormant(ctx context.Context, cutoff time.Time, afterID string, limit int) ([]domain.Ticket, error)
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Closed  int `json:"closed"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// DormancySweeper auto-closes resolved tickets that outlived the dormancy threshold.
type DormancySweeper struct {
	tickets DormantLister
	closer  DormantCloser
	cfg     config.WorkflowConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
	running atomic.Bool
}

// SweeperDependencies bundles collaborators for the sweeper.
type SweeperDependencies struct {
	Tickets repository.TicketRepository
	Closer  DormantCloser
	Metrics *observability.Metrics
	Logger  *zap.Logger
	Clock   func() time.Time
}

// NewDormancySweeper constructs a sweeper.
func NewDormancySweeper(cfg config.WorkflowConfig, deps SweeperDependencies) *DormancySweeper {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	return &DormancySweeper{
		tickets: deps.Tickets,
		closer:  deps.Closer,
		cfg:     cfg,
		metrics: deps.Metrics,
		logger:  logger.Named("dormancy-sweeper"),
		now:     func() time.Time { return clock().UTC() },
	}
}

// Start runs a sweep every SweepInterval until ctx is done. It blocks.
func (s *DormancySweeper) Start(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("dormancy sweeper started",
		zap.Duration("interval", interval),
		zap.Duration("threshold", s.cfg.DormancyThreshold))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("dormancy sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) && ctx.Err() == nil {
				s.logger.Error("dormancy sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep is RunOnce behind a guard that rejects overlapping runs.
func (s *DormancySweeper) Sweep(ctx context.Context) (SweepResult, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous dormancy sweep still running, skipping tick")
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.running.Store(false)
	return s.RunOnce(ctx)
}

// RunOnce scans every dormant ticket once. A failure on one ticket is logged and
// counted; only a failed page scan aborts the run.
func (s *DormancySweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var result SweepResult
	cutoff := s.now().Add(-s.cfg.DormancyThreshold)

	afterID := ""
	for {
		page, err := s.nextPage(ctx, cutoff, afterID)
		if err != nil {
			s.finish(result, true, time.Since(start))
			return result, err
		}
		for _, ticket := range page {
			result.Scanned++
			s.closeOne(ctx, ticket.ID, &result)
		}
		if len(page) < s.cfg.SweepBatchSize || ctx.Err() != nil {
			break
		}
		afterID = page[len(page)-1].ID
	}

	s.finish(result, false, time.Since(start))
	return result, ctx.Err()
}

func (s *DormancySweeper) nextPage(ctx context.Context, cutoff time.Time, afterID string) ([]domain.Ticket, error) {
	if s.cfg.SweepBatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SweepBatchTimeout)
		defer cancel()
	}
	return s.tickets.ListDormant(ctx, cutoff, afterID, s.cfg.SweepBatchSize)
}

func (s *DormancySweeper) closeOne(ctx context.Context, ticketID string, result *SweepResult) {
	if s.cfg.SweepBatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SweepBatchTimeout)
		defer cancel()
	}
	closed, err := s.closer.CloseDormant(ctx, ticketID, s.cfg.DormancyThreshold)
	switch {
	case err == nil && closed:
		result.Closed++
	case err == nil:
		result.Skipped++
	case errors.Is(err, apperrors.ErrNotFound):
		// Deleted between the scan and the close.
		result.Skipped++
	default:
		result.Failed++
		s.logger.Warn("dormant ticket close failed",
			zap.String("ticket_id", ticketID),
			zap.Bool("retryable", apperrors.IsRetryable(err)),
			zap.Error(err))
	}
}

func (s *DormancySweeper) finish(result SweepResult, aborted bool, took time.Duration) {
	s.metrics.RecordSweep(result.Closed, result.Skipped, result.Failed, aborted, took)
	s.logger.Info("dormancy sweep finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("closed", result.Closed),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Bool("aborted", aborted),
		zap.Duration("took", took))
}
