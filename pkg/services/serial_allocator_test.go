package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/docucert/pkg/apperrors"
	"github.com/ekaya-inc/docucert/pkg/models"
)

func TestSerialAllocator_ConcurrentCallsAreDistinct(t *testing.T) {
	counters := newMockSerialCounterRepository()
	alloc := NewSerialAllocator(counters, 3, nil, zap.NewNop())
	pid := uuid.New()

	const workers = 64
	results := make(chan models.SerialNumber, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := alloc.NextSerial(context.Background(), pid)
			if !assert.NoError(t, err) {
				return
			}
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	seen := map[models.SerialNumber]bool{}
	for n := range results {
		require.False(t, seen[n], "serial %d issued twice", n)
		seen[n] = true
	}
	assert.Len(t, seen, workers)
}

func TestSerialAllocator_ProjectsAreIndependent(t *testing.T) {
	alloc := NewSerialAllocator(newMockSerialCounterRepository(), 0, nil, zap.NewNop())
	a, b := uuid.New(), uuid.New()
	ctx := context.Background()

	first, err := alloc.NextSerial(ctx, a)
	require.NoError(t, err)
	other, err := alloc.NextSerial(ctx, b)
	require.NoError(t, err)
	second, err := alloc.NextSerial(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, []models.SerialNumber{1, 1, 2}, []models.SerialNumber{first, other, second})
}

func TestSerialAllocator_RetriesContention(t *testing.T) {
	counters := newMockSerialCounterRepository()
	counters.failures = 2
	counters.failErr = &pgconn.PgError{Code: "40001", Message: "could not serialize access"}

	alloc := NewSerialAllocator(counters, 3, nil, zap.NewNop())
	n, err := alloc.NextSerial(context.Background(), uuid.New())
	require.NoError(t, err, "expected success after retries")
	assert.Equal(t, models.SerialNumber(1), n)
	assert.Equal(t, 3, counters.calls)
}

func TestSerialAllocator_ExhaustionIsAllocationConflict(t *testing.T) {
	counters := newMockSerialCounterRepository()
	counters.failures = 100
	counters.failErr = &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}

	alloc := NewSerialAllocator(counters, 2, nil, zap.NewNop())
	_, err := alloc.NextSerial(context.Background(), uuid.New())
	require.ErrorIs(t, err, apperrors.ErrAllocationConflict)
	assert.Equal(t, 3, counters.calls, "one attempt plus two retries")
}

func TestSerialAllocator_PermanentErrorNotRetried(t *testing.T) {
	counters := newMockSerialCounterRepository()
	counters.failures = 1
	counters.failErr = errors.New("permission denied for table serial_counters")

	alloc := NewSerialAllocator(counters, 5, nil, zap.NewNop())
	_, err := alloc.NextSerial(context.Background(), uuid.New())
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrAllocationConflict, "permanent failure is not contention")
	assert.Equal(t, 1, counters.calls)
}
