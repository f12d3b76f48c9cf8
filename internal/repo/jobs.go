package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"portalsync/internal/domain"
)

const jobColumns = `id,tenant_id,property_id,portal,state,portal_listing_id,portal_url,error_kind,error_message,validation_json,attempt_count,max_attempts,run_at,created_at,last_transition,published_at,unpublished_at,expires_at`

func scanJob(s scanner) (domain.PublishJob, error) {
	var (
		j                                           domain.PublishJob
		state, runAt, createdAt, lastTransition     string
		listingID, url, errKind, errMsg, validation sql.NullString
		publishedAt, unpublishedAt, expiresAt       sql.NullString
	)
	err := s.Scan(&j.ID, &j.TenantID, &j.PropertyID, &j.Portal, &state, &listingID, &url, &errKind, &errMsg, &validation,
		&j.AttemptCount, &j.MaxAttempts, &runAt, &createdAt, &lastTransition, &publishedAt, &unpublishedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	if j.State, err = domain.ParseJobState(state); err != nil {
		return j, err
	}
	j.PortalListingID = listingID.String
	j.PortalURL = url.String
	if errKind.Valid && errKind.String != "" {
		j.Error = &domain.JobError{Kind: domain.ErrorKind(errKind.String), Message: errMsg.String}
	}
	if validation.Valid && validation.String != "" {
		var v domain.PortalValidation
		if err := json.Unmarshal([]byte(validation.String), &v); err != nil {
			return j, fmt.Errorf("decode validation for job %s: %w", j.ID, err)
		}
		j.Validation = &v
	}
	if j.RunAt, err = parseTime(runAt); err != nil {
		return j, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return j, err
	}
	if j.LastTransition, err = parseTime(lastTransition); err != nil {
		return j, err
	}
	if j.PublishedAt, err = parseTimePtr(publishedAt); err != nil {
		return j, err
	}
	if j.UnpublishedAt, err = parseTimePtr(unpublishedAt); err != nil {
		return j, err
	}
	if j.ExpiresAt, err = parseTimePtr(expiresAt); err != nil {
		return j, err
	}
	return j, nil
}

func scanJobs(rows *sql.Rows) ([]domain.PublishJob, error) {
	defer rows.Close()
	var res []domain.PublishJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

func jobArgs(j domain.PublishJob) (errKind, errMsg, validation any, err error) {
	if j.Error != nil {
		errKind, errMsg = string(j.Error.Kind), j.Error.Message
	}
	if j.Validation != nil {
		b, merr := json.Marshal(j.Validation)
		if merr != nil {
			return nil, nil, nil, fmt.Errorf("encode validation: %w", merr)
		}
		validation = string(b)
	}
	return errKind, errMsg, validation, nil
}

// InsertJobTx creates a job. It fails with ActiveJobError when the job is active
// and another active job holds the same (tenant, property, portal).
func (r Repo) InsertJobTx(ctx context.Context, tx *sql.Tx, j domain.PublishJob) error {
	if j.State.Active() {
		existing, err := r.ActiveJobTx(ctx, tx, j.TenantID, j.PropertyID, j.Portal)
		if err == nil {
			return ActiveJobError{JobID: existing.ID}
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	errKind, errMsg, validation, err := jobArgs(j)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO publish_jobs(`+jobColumns+`) VALUES (`+placeholders(18)+`)`,
		j.ID, j.TenantID, j.PropertyID, j.Portal, string(j.State), nullable(j.PortalListingID), nullable(j.PortalURL),
		errKind, errMsg, validation, j.AttemptCount, j.MaxAttempts, fmtTime(j.RunAt), fmtTime(j.CreatedAt),
		fmtTime(j.LastTransition), fmtTimePtr(j.PublishedAt), fmtTimePtr(j.UnpublishedAt), fmtTimePtr(j.ExpiresAt))
	if isUniqueViolation(err) {
		return r.activeConflict(ctx, tx, j)
	}
	return err
}

func (r Repo) activeConflict(ctx context.Context, tx *sql.Tx, j domain.PublishJob) error {
	existing, err := r.ActiveJobTx(ctx, tx, j.TenantID, j.PropertyID, j.Portal)
	if err != nil {
		return ActiveJobError{}
	}
	return ActiveJobError{JobID: existing.ID}
}

// ActiveJobTx returns the job in pending, validating or publishing for the pair.
func (r Repo) ActiveJobTx(ctx context.Context, tx *sql.Tx, tenantID, propertyID, portal string) (domain.PublishJob, error) {
	return scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM publish_jobs
WHERE tenant_id=? AND property_id=? AND portal=? AND state IN ('pending','validating','publishing') LIMIT 1`,
		tenantID, propertyID, portal))
}

// GetJob loads a job; an empty tenantID matches any tenant.
func (r Repo) GetJob(ctx context.Context, tenantID, id string) (domain.PublishJob, error) {
	return getJob(ctx, r.DB, tenantID, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, tenantID, id string) (domain.PublishJob, error) {
	return getJob(ctx, tx, tenantID, id)
}

func getJob(ctx context.Context, q queryer, tenantID, id string) (domain.PublishJob, error) {
	if tenantID == "" {
		return scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id=?`, id))
	}
	return scanJob(q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id=? AND tenant_id=?`, id, tenantID))
}

// UpdateJobTx writes every mutable column of j provided the stored state is still from.
func (r Repo) UpdateJobTx(ctx context.Context, tx *sql.Tx, j domain.PublishJob, from domain.JobState) error {
	errKind, errMsg, validation, err := jobArgs(j)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE publish_jobs SET state=?, portal_listing_id=?, portal_url=?, error_kind=?, error_message=?,
validation_json=?, attempt_count=?, max_attempts=?, run_at=?, last_transition=?, published_at=?, unpublished_at=?, expires_at=?
WHERE id=? AND state=?`,
		string(j.State), nullable(j.PortalListingID), nullable(j.PortalURL), errKind, errMsg, validation,
		j.AttemptCount, j.MaxAttempts, fmtTime(j.RunAt), fmtTime(j.LastTransition),
		fmtTimePtr(j.PublishedAt), fmtTimePtr(j.UnpublishedAt), fmtTimePtr(j.ExpiresAt),
		j.ID, string(from))
	if isUniqueViolation(err) {
		return r.activeConflict(ctx, tx, j)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

type JobFilter struct {
	TenantID   string
	PropertyID string
	Portal     string
	States     []domain.JobState
	Limit      int
}

func (r Repo) ListJobs(ctx context.Context, f JobFilter) ([]domain.PublishJob, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, f.TenantID)
	}
	if f.PropertyID != "" {
		clauses = append(clauses, "property_id=?")
		args = append(args, f.PropertyID)
	}
	if f.Portal != "" {
		clauses = append(clauses, "portal=?")
		args = append(args, f.Portal)
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, string(s))
		}
	}
	query := `SELECT ` + jobColumns + ` FROM publish_jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// DueJobIDs returns pending jobs whose run_at has passed, oldest first.
func (r Repo) DueJobIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.ids(ctx, `SELECT id FROM publish_jobs WHERE state='pending' AND run_at<=? ORDER BY run_at ASC LIMIT ?`, fmtTime(now), limit)
}

// StaleJobIDs returns jobs stuck in validating or publishing since before cutoff.
func (r Repo) StaleJobIDs(ctx context.Context, cutoff time.Time) ([]string, error) {
	return r.ids(ctx, `SELECT id FROM publish_jobs WHERE state IN ('validating','publishing') AND last_transition<? ORDER BY last_transition ASC`, fmtTime(cutoff))
}

// ExpiredListingIDs returns published jobs whose listing expiry has passed.
func (r Repo) ExpiredListingIDs(ctx context.Context, now time.Time) ([]string, error) {
	return r.ids(ctx, `SELECT id FROM publish_jobs WHERE state='published' AND expires_at IS NOT NULL AND expires_at<=? ORDER BY expires_at ASC`, fmtTime(now))
}

func (r Repo) ids(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// CountJobsByState returns job counts per state for a tenant, or all tenants when empty.
func (r Repo) CountJobsByState(ctx context.Context, tenantID string) (map[domain.JobState]int, error) {
	query := `SELECT state, COUNT(*) FROM publish_jobs GROUP BY state`
	var args []any
	if tenantID != "" {
		query = `SELECT state, COUNT(*) FROM publish_jobs WHERE tenant_id=? GROUP BY state`
		args = append(args, tenantID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.JobState]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[domain.JobState(s)] = n
	}
	return res, rows.Err()
}
