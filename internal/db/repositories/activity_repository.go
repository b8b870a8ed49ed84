// activity_repository.go implements ActivityRepository, the insert-only store behind the audit
// logger, with filtered listing for a contract's activity history.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/membershiphub/esign/internal/db/models"
)

// ActivityRepository handles activity log database operations
type ActivityRepository struct {
	db *sql.DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *sql.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// ActivityFilters contains filters for querying activity logs
type ActivityFilters struct {
	UserID       *string
	ActionType   *string
	ResourceType *string
	ResourceID   *string
	StartDate    *time.Time
	EndDate      *time.Time
}

// CreateActivityLog appends a new activity log entry. There is no update or delete.
func (r *ActivityRepository) CreateActivityLog(ctx context.Context, entry *models.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detailsJSON []byte
	if entry.Details != nil {
		var err error
		detailsJSON, err = json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal activity details: %w", err)
		}
	}

	query := `
		INSERT INTO activity_logs (id, user_id, action_type, resource_type, resource_id, details, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.UserID,
		entry.ActionType,
		entry.ResourceType,
		entry.ResourceID,
		detailsJSON,
		entry.IPAddress,
		entry.UserAgent,
		entry.CreatedAt,
	)
	return err
}

// ListActivityLogs retrieves activity logs with optional filters and pagination
func (r *ActivityRepository) ListActivityLogs(ctx context.Context, filters ActivityFilters, limit, offset int) ([]*models.ActivityLog, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	paramIndex := 1

	addFilter := func(column string, value interface{}, op string) {
		where += fmt.Sprintf(` AND %s %s $%d`, column, op, paramIndex)
		args = append(args, value)
		paramIndex++
	}

	if filters.UserID != nil {
		addFilter("user_id", *filters.UserID, "=")
	}
	if filters.ActionType != nil {
		addFilter("action_type", *filters.ActionType, "=")
	}
	if filters.ResourceType != nil {
		addFilter("resource_type", *filters.ResourceType, "=")
	}
	if filters.ResourceID != nil {
		addFilter("resource_id", *filters.ResourceID, "=")
	}
	if filters.StartDate != nil {
		addFilter("created_at", *filters.StartDate, ">=")
	}
	if filters.EndDate != nil {
		addFilter("created_at", *filters.EndDate, "<=")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activity_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, action_type, resource_type, resource_id, details, ip_address, user_agent, created_at
		FROM activity_logs` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	logs := make([]*models.ActivityLog, 0)
	for rows.Next() {
		entry := &models.ActivityLog{}
		var detailsJSON []byte

		err := rows.Scan(
			&entry.ID,
			&entry.UserID,
			&entry.ActionType,
			&entry.ResourceType,
			&entry.ResourceID,
			&detailsJSON,
			&entry.IPAddress,
			&entry.UserAgent,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, 0, err
		}

		if detailsJSON != nil {
			if err := json.Unmarshal(detailsJSON, &entry.Details); err != nil {
				return nil, 0, err
			}
		}

		logs = append(logs, entry)
	}

	return logs, total, rows.Err()
}
