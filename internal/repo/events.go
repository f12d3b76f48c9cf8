package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"portalsync/internal/domain"
)

const eventColumns = `id,ts,type,tenant_id,job_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts string
		var jobID sql.NullString
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.TenantID, &jobID, &e.Payload); err != nil {
			return nil, err
		}
		t, err := parseTime(ts)
		if err != nil {
			return nil, err
		}
		e.TS = t
		e.JobID = jobID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventsFrom returns events newest first, starting below cursor when it is positive.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, tenantID, evtType, jobID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if jobID != "" {
		clauses = append(clauses, "job_id=?")
		args = append(args, jobID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, tenantID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID for a tenant, or overall when empty.
func (r Repo) LatestEventID(ctx context.Context, tenantID string) (int64, error) {
	var id int64
	var err error
	if tenantID == "" {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	} else {
		err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE tenant_id=?`, tenantID).Scan(&id)
	}
	return id, err
}
