package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ekaya-inc/docucert/pkg/database"
	"github.com/ekaya-inc/docucert/pkg/models"
)

// SerialCounterRepository advances the per-project serial counter.
type SerialCounterRepository interface {
	// Next atomically increments and returns the project's counter, starting at 1.
	Next(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error)
	// Current returns the last issued value, 0 if none.
	Current(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error)
}

type serialCounterRepository struct{}

// NewSerialCounterRepository creates a new serial counter repository.
func NewSerialCounterRepository() SerialCounterRepository {
	return &serialCounterRepository{}
}

// Next is a single upsert statement; the row lock taken by ON CONFLICT DO
// UPDATE serializes concurrent callers, so two calls never see the same value.
func (r *serialCounterRepository) Next(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	query := `
		INSERT INTO serial_counters (project_id, last_value)
		VALUES ($1, 1)
		ON CONFLICT (project_id) DO UPDATE
		SET last_value = serial_counters.last_value + 1
		RETURNING last_value`

	var next int64
	if err := scope.Conn.QueryRow(ctx, query, projectID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to allocate serial: %w", err)
	}
	return models.SerialNumber(next), nil
}

func (r *serialCounterRepository) Current(ctx context.Context, projectID uuid.UUID) (models.SerialNumber, error) {
	scope, ok := database.GetTenantScope(ctx)
	if !ok {
		return 0, fmt.Errorf("no tenant scope in context")
	}

	var current int64
	err := scope.Conn.QueryRow(ctx,
		`SELECT COALESCE(MAX(last_value), 0) FROM serial_counters WHERE project_id = $1`,
		projectID).Scan(&current)
	if err != nil {
		return 0, fmt.Errorf("failed to read serial counter: %w", err)
	}
	return models.SerialNumber(current), nil
}
