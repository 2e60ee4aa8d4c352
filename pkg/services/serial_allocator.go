package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/metrics"
	"github.com/ekaya-inc/docucert/pkg/models"
	"github.com/ekaya-inc/docucert/pkg/repositories"
	"github.com/ekaya-inc/docucert/pkg/retry"
)

// SerialAllocator hands out per-project serial numbers. Concurrent callers
// always receive distinct values; gaps are acceptable.
type SerialAllocator interface {
	NextSerial(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error)
}

type serialAllocator struct {
	counters repositories.SerialCounterRepository
	retryCfg *retry.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewSerialAllocator creates an allocator that retries contention up to
// maxRetries times before returning ErrAllocationConflict.
func NewSerialAllocator(counters repositories.SerialCounterRepository, maxRetries int, m *metrics.Metrics, logger *zap.Logger) SerialAllocator {
	a := &serialAllocator{
		counters: counters,
		metrics:  m,
		logger:   logger.Named("serial_allocator"),
	}
	cfg := retry.WithMaxRetries(maxRetries)
	cfg.InitialDelay = 20 * time.Millisecond
	cfg.MaxDelay = time.Second
	// Contention always surfaces as the same error class; only the budget bounds it.
	cfg.MaxSameErrorType = 0
	cfg.OnRetry = func(attempt int, err error) {
		a.metrics.RecordAllocationRetry()
		a.logger.Debug("Serial allocation contended, retrying",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	a.retryCfg = cfg
	return a
}

func (a *serialAllocator) NextSerial(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error) {
	if projectID == uuid.Nil {
		return 0, apperrors.Wrap(apperrors.ErrValidation, "project id is required")
	}

	var serial models.SerialNumber
	err := retry.DoIfRetryable(ctx, a.retryCfg, func() error {
		var err error
		serial, err = a.counters.Next(ctx, projectID)
		return err
	})
	if err != nil {
		if retry.IsRetryable(err) {
			a.logger.Warn("Serial allocation exhausted retries",
				zap.String("project_id", projectID.String()),
				zap.Error(err))
			return 0, apperrors.WrapCause(apperrors.ErrAllocationConflict,
				"could not allocate a serial number, try again", err)
		}
		return 0, fmt.Errorf("failed to allocate serial: %w", err)
	}
	return serial, nil
}

var _ SerialAllocator = (*serialAllocator)(nil)
