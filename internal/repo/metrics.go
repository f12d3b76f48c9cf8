package repo

import (
	"context"
	"database/sql"
	"errors"

	"portalsync/internal/domain"
)

// UpsertMetrics overwrites the counters stored for m.JobID.
func (r Repo) UpsertMetrics(ctx context.Context, tenantID string, m domain.PropertyMetrics) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO listing_metrics(job_id,tenant_id,portal,external_id,views,inquiries,favorites,last_updated)
VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(job_id) DO UPDATE SET portal=excluded.portal, external_id=excluded.external_id, views=excluded.views,
inquiries=excluded.inquiries, favorites=excluded.favorites, last_updated=excluded.last_updated`,
		m.JobID, tenantID, m.Portal, m.ExternalID, m.Views, m.Inquiries, m.Favorites, fmtTime(m.LastUpdated))
	return err
}

func scanMetrics(row *sql.Row) (domain.PropertyMetrics, error) {
	var m domain.PropertyMetrics
	var updated string
	err := row.Scan(&m.JobID, &m.Portal, &m.ExternalID, &m.Views, &m.Inquiries, &m.Favorites, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.LastUpdated, err = parseTime(updated)
	return m, err
}

// MetricsByExternalID returns the most recently updated metrics for a portal listing id.
func (r Repo) MetricsByExternalID(ctx context.Context, tenantID, externalID string) (domain.PropertyMetrics, error) {
	return scanMetrics(r.DB.QueryRowContext(ctx, `SELECT job_id,portal,external_id,views,inquiries,favorites,last_updated
FROM listing_metrics WHERE tenant_id=? AND external_id=? ORDER BY last_updated DESC LIMIT 1`, tenantID, externalID))
}

func (r Repo) MetricsByJob(ctx context.Context, jobID string) (domain.PropertyMetrics, error) {
	return scanMetrics(r.DB.QueryRowContext(ctx, `SELECT job_id,portal,external_id,views,inquiries,favorites,last_updated
FROM listing_metrics WHERE job_id=?`, jobID))
}
