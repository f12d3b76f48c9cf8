// Package engine is the publish job orchestrator: it creates jobs, drives them
// through validation and the portal call, and schedules retries.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"portalsync/internal/config"
	"portalsync/internal/domain"
	"portalsync/internal/events"
	"portalsync/internal/portal"
	"portalsync/internal/repo"
	"portalsync/internal/validate"
)

// TokenProvider supplies portal credentials.
type TokenProvider interface {
	GetValidToken(ctx context.Context, tenantID, portalID string) (domain.PortalCredential, error)
	Invalidate(ctx context.Context, tenantID, portalID string) error
}

// Scheduler re-delivers a job id to a worker at runAt.
type Scheduler interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Sink    events.Sink
	Portals *portal.Registry
	Creds   TokenProvider
	Queue   Scheduler
	Config  config.Orchestrator
	// Requirements overrides adapter schema requirement levels per portal.
	Requirements map[string]map[string]domain.Requirement
	Now          func() time.Time
	Logger       *zap.Logger
	Jitter       func() float64
}

func New(db *sql.DB, cfg config.Orchestrator, portals *portal.Registry, creds TokenProvider) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{},
		Portals: portals,
		Creds:   creds,
		Config:  cfg,
		Now:     time.Now,
		Logger:  zap.NewNop(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) maxAttempts() int {
	if e.Config.MaxAttempts > 0 {
		return e.Config.MaxAttempts
	}
	return 3
}

func (e Engine) callTimeout() time.Duration {
	if e.Config.CallTimeout > 0 {
		return e.Config.CallTimeout
	}
	return 30 * time.Second
}

// Schema returns the effective field schema of a portal.
func (e Engine) Schema(portalID string) (validate.Schema, portal.Adapter, error) {
	a, err := e.Portals.Get(portalID)
	if err != nil {
		return validate.Schema{}, nil, ValidationError{Field: "portal", Message: err.Error()}
	}
	return a.Schema().WithRequirements(e.Requirements[portalID]), a, nil
}

// PublishOptions identify the property and portal of a publish request.
type PublishOptions struct {
	TenantID   string
	PropertyID string
	Portal     string
}

// Publish creates a pending job and hands it to the queue. It fails with
// ConflictError when an active job already exists for the pair.
func (e Engine) Publish(ctx context.Context, opts PublishOptions) (domain.PublishJob, error) {
	if opts.TenantID == "" {
		return domain.PublishJob{}, ValidationError{Field: "tenant", Message: "tenant is required"}
	}
	if opts.PropertyID == "" {
		return domain.PublishJob{}, ValidationError{Field: "property_id", Message: "property_id is required"}
	}
	if _, _, err := e.Schema(opts.Portal); err != nil {
		return domain.PublishJob{}, err
	}
	if _, err := e.Repo.GetProperty(ctx, opts.TenantID, opts.PropertyID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.PublishJob{}, fmt.Errorf("property %s: %w", opts.PropertyID, repo.ErrNotFound)
		}
		return domain.PublishJob{}, err
	}

	now := e.now()
	j := domain.PublishJob{
		ID:             newJobID(),
		TenantID:       opts.TenantID,
		PropertyID:     opts.PropertyID,
		Portal:         opts.Portal,
		State:          domain.JobPending,
		MaxAttempts:    e.maxAttempts(),
		RunAt:          now,
		CreatedAt:      now,
		LastTransition: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PublishJob{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertJobTx(ctx, tx, j); err != nil {
		var active repo.ActiveJobError
		if errors.As(err, &active) {
			return domain.PublishJob{}, ConflictError{PropertyID: j.PropertyID, Portal: j.Portal, ActiveJobID: active.JobID}
		}
		return domain.PublishJob{}, fmt.Errorf("insert job: %w", err)
	}
	evt, err := e.Events.Append(ctx, tx, events.TypeJobTransition, j.TenantID, j.ID, events.TransitionPayload("", domain.JobPending, ""))
	if err != nil {
		return domain.PublishJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PublishJob{}, err
	}
	e.emit(ctx, evt)
	e.log().Info("job created", zap.String("job_id", j.ID), zap.String("property_id", j.PropertyID), zap.String("portal", j.Portal))
	e.schedule(ctx, j)
	return j, nil
}

// Retry moves a failed job back to pending. Attempts are reset only when force is set.
func (e Engine) Retry(ctx context.Context, tenantID, jobID string, force bool) (domain.PublishJob, error) {
	now := e.now()
	j, err := e.apply(ctx, tenantID, jobID, domain.TriggerRetry, func(j *domain.PublishJob) error {
		if force {
			j.AttemptCount = 0
		}
		j.RunAt = now
		j.Error = nil
		return nil
	})
	if err != nil {
		return j, err
	}
	e.schedule(ctx, j)
	return j, nil
}

// Cancel withdraws a job that no worker has claimed yet.
func (e Engine) Cancel(ctx context.Context, tenantID, jobID string) (domain.PublishJob, error) {
	return e.apply(ctx, tenantID, jobID, domain.TriggerCancel, nil)
}

// Unpublish removes a published listing from its portal. It is idempotent for
// already unpublished jobs; on failure the job stays published and the error is returned.
func (e Engine) Unpublish(ctx context.Context, tenantID, jobID string) (domain.PublishJob, error) {
	j, err := e.Repo.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return j, err
	}
	switch j.State {
	case domain.JobUnpublished:
		return j, nil
	case domain.JobPublished:
	default:
		return j, domain.TransitionError{From: j.State, Trigger: domain.TriggerUnpublish}
	}
	adapter, err := e.Portals.Get(j.Portal)
	if err != nil {
		return j, err
	}
	cred, err := e.Creds.GetValidToken(ctx, j.TenantID, j.Portal)
	if err != nil {
		return j, err
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	err = adapter.Unpublish(callCtx, j.PortalListingID, cred.AccessToken)
	cancel()
	if err != nil {
		pe := portal.Classify(err)
		if pe.Kind == portal.KindAuth {
			e.invalidate(ctx, j)
		}
		e.log().Warn("unpublish failed", zap.String("job_id", j.ID), zap.String("kind", string(pe.Kind)), zap.Error(err))
		return j, pe
	}
	// the listing is gone from the portal; record that even if the caller left
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	out, err := e.apply(ctx, tenantID, jobID, domain.TriggerUnpublish, func(j *domain.PublishJob) error {
		j.PortalListingID = ""
		j.PortalURL = ""
		j.UnpublishedAt = &now
		return nil
	})
	var te domain.TransitionError
	if errors.As(err, &te) && te.From == domain.JobUnpublished {
		return e.Repo.GetJob(ctx, tenantID, jobID)
	}
	return out, err
}

// Preview validates a property against a portal without creating a job.
func (e Engine) Preview(ctx context.Context, tenantID, propertyID, portalID string) (domain.PortalValidation, error) {
	schema, _, err := e.Schema(portalID)
	if err != nil {
		return domain.PortalValidation{}, err
	}
	p, err := e.Repo.GetProperty(ctx, tenantID, propertyID)
	if err != nil {
		return domain.PortalValidation{}, fmt.Errorf("property %s: %w", propertyID, err)
	}
	return validate.Validate(p, schema), nil
}

// TestConnection obtains a valid token and, when the adapter supports it, checks the portal connection.
func (e Engine) TestConnection(ctx context.Context, tenantID, portalID string) error {
	adapter, err := e.Portals.Get(portalID)
	if err != nil {
		return err
	}
	cred, err := e.Creds.GetValidToken(ctx, tenantID, portalID)
	if err != nil {
		return err
	}
	tester, ok := adapter.(portal.Tester)
	if !ok {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	defer cancel()
	if err := tester.TestConnection(callCtx, cred.AccessToken); err != nil {
		pe := portal.Classify(err)
		if pe.Kind == portal.KindAuth {
			e.invalidate(ctx, domain.PublishJob{TenantID: tenantID, Portal: portalID})
		}
		return pe
	}
	return nil
}

// apply runs one state machine step on the stored job inside a transaction.
// mutate may adjust fields or abort by returning an error.
func (e Engine) apply(ctx context.Context, tenantID, jobID string, trig domain.Trigger, mutate func(*domain.PublishJob) error) (domain.PublishJob, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PublishJob{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, tenantID, jobID)
	if err != nil {
		return j, err
	}
	from := j.State
	to, err := from.Next(trig)
	if err != nil {
		return j, err
	}
	j.State = to
	if mutate != nil {
		if err := mutate(&j); err != nil {
			return j, err
		}
	}
	j.LastTransition = e.now()
	if err := e.Repo.UpdateJobTx(ctx, tx, j, from); err != nil {
		var active repo.ActiveJobError
		if errors.As(err, &active) {
			return j, ConflictError{PropertyID: j.PropertyID, Portal: j.Portal, ActiveJobID: active.JobID}
		}
		return j, err
	}
	var kind domain.ErrorKind
	if j.Error != nil {
		kind = j.Error.Kind
	}
	evt, err := e.Events.Append(ctx, tx, events.TypeJobTransition, j.TenantID, j.ID, events.TransitionPayload(from, to, kind))
	if err != nil {
		return j, err
	}
	if err := tx.Commit(); err != nil {
		return j, err
	}
	e.emit(ctx, evt)

	fields := []zap.Field{zap.String("job_id", j.ID), zap.String("from", string(from)), zap.String("to", string(to))}
	if kind != "" {
		fields = append(fields, zap.String("error_kind", string(kind)))
	}
	if to == domain.JobFailed {
		e.log().Warn("job transition", fields...)
	} else {
		e.log().Info("job transition", fields...)
	}
	return j, nil
}

func (e Engine) emit(ctx context.Context, evt domain.Event) {
	if e.Sink != nil {
		e.Sink.Deliver(ctx, evt)
	}
}

func (e Engine) schedule(ctx context.Context, j domain.PublishJob) {
	if e.Queue == nil {
		return
	}
	if err := e.Queue.Enqueue(ctx, j.ID, j.RunAt); err != nil {
		// the reconcile loop picks due jobs up from the store
		e.log().Warn("enqueue job", zap.String("job_id", j.ID), zap.Error(err))
	}
}

func (e Engine) invalidate(ctx context.Context, j domain.PublishJob) {
	if err := e.Creds.Invalidate(ctx, j.TenantID, j.Portal); err != nil {
		e.log().Error("invalidate credential", zap.String("tenant_id", j.TenantID), zap.String("portal", j.Portal), zap.Error(err))
	}
}

func (e Engine) jitter() float64 {
	if e.Jitter != nil {
		return e.Jitter()
	}
	return rand.Float64()
}
