package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"portalsync/internal/credentials"
	"portalsync/internal/domain"
	"portalsync/internal/portal"
	"portalsync/internal/repo"
	"portalsync/internal/validate"
)

var errNotDue = errors.New("job not due yet")

// Process claims a due pending job and drives it through validation and the
// portal call. Jobs that are not pending or not due are left alone. Cancelling
// ctx stops a claim but not an attempt already in flight.
func (e Engine) Process(ctx context.Context, jobID string) error {
	now := e.now()
	var runAt time.Time
	j, err := e.apply(ctx, "", jobID, domain.TriggerValidate, func(j *domain.PublishJob) error {
		if j.RunAt.After(now) {
			runAt = j.RunAt
			return errNotDue
		}
		return nil
	})
	switch {
	case errors.Is(err, errNotDue):
		e.schedule(ctx, domain.PublishJob{ID: jobID, RunAt: runAt})
		return nil
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, repo.ErrStale):
		return nil
	case err != nil:
		var te domain.TransitionError
		if errors.As(err, &te) {
			return nil
		}
		return fmt.Errorf("claim job %s: %w", jobID, err)
	}
	// A claimed job runs to a recorded outcome even when the worker is stopping;
	// only the portal call below is bounded, by the call timeout.
	ctx = context.WithoutCancel(ctx)

	schema, adapter, err := e.Schema(j.Portal)
	if err != nil {
		_, ferr := e.fail(ctx, j, domain.KindPermanent, err.Error())
		return ferr
	}
	prop, err := e.Repo.GetProperty(ctx, j.TenantID, j.PropertyID)
	if errors.Is(err, repo.ErrNotFound) {
		_, ferr := e.fail(ctx, j, domain.KindPermanent, fmt.Sprintf("property %s no longer exists", j.PropertyID))
		return ferr
	}
	if err != nil {
		return fmt.Errorf("load property %s: %w", j.PropertyID, err)
	}

	v := validate.Validate(prop, schema)
	if !v.IsValid {
		_, err := e.apply(ctx, "", j.ID, domain.TriggerInvalid, func(j *domain.PublishJob) error {
			j.Validation = &v
			j.Error = &domain.JobError{Kind: domain.KindValidationFailed, Message: blockingSummary(v)}
			return nil
		})
		return err
	}
	j, err = e.apply(ctx, "", j.ID, domain.TriggerValid, func(j *domain.PublishJob) error {
		j.Validation = &v
		j.AttemptCount++
		j.Error = nil
		return nil
	})
	if err != nil {
		return err
	}

	cred, err := e.Creds.GetValidToken(ctx, j.TenantID, j.Portal)
	if errors.Is(err, credentials.ErrAuthRequired) {
		_, ferr := e.fail(ctx, j, domain.KindAuthRequired, err.Error())
		return ferr
	}
	if err != nil {
		return e.handleFailure(ctx, j, portal.Classify(err))
	}

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout())
	listing, err := adapter.Publish(callCtx, prop, validate.Payload(prop, schema), cred.AccessToken)
	cancel()
	if err != nil {
		return e.handleFailure(ctx, j, portal.Classify(err))
	}

	published := e.now()
	_, err = e.apply(ctx, "", j.ID, domain.TriggerSucceed, func(j *domain.PublishJob) error {
		j.PortalListingID = listing.ExternalID
		j.PortalURL = listing.URL
		j.PublishedAt = &published
		j.ExpiresAt = listing.ExpiresAt
		j.UnpublishedAt = nil
		j.Error = nil
		return nil
	})
	return err
}

func (e Engine) handleFailure(ctx context.Context, j domain.PublishJob, pe *portal.Error) error {
	kind := pe.JobKind()
	switch kind {
	case domain.KindAuthRequired:
		e.invalidate(ctx, j)
	case domain.KindTransient, domain.KindRateLimited:
		if j.AttemptCount < j.MaxAttempts {
			delay := e.retryDelay(j.AttemptCount, pe)
			runAt := e.now().Add(delay)
			next, err := e.apply(ctx, "", j.ID, domain.TriggerRetryLater, func(j *domain.PublishJob) error {
				j.RunAt = runAt
				return nil
			})
			if err != nil {
				return err
			}
			e.log().Info("retry scheduled", zap.String("job_id", j.ID), zap.Int("attempt", j.AttemptCount),
				zap.Duration("delay", delay), zap.String("kind", string(kind)), zap.String("reason", pe.Message))
			e.schedule(ctx, next)
			return nil
		}
	}
	_, err := e.fail(ctx, j, kind, pe.Message)
	return err
}

func (e Engine) fail(ctx context.Context, j domain.PublishJob, kind domain.ErrorKind, msg string) (domain.PublishJob, error) {
	return e.apply(ctx, "", j.ID, domain.TriggerFail, func(j *domain.PublishJob) error {
		j.Error = &domain.JobError{Kind: kind, Message: msg}
		return nil
	})
}

func (e Engine) retryDelay(attempt int, pe *portal.Error) time.Duration {
	if pe.Kind == portal.KindRateLimited {
		if pe.RetryAfter > 0 {
			return pe.RetryAfter
		}
		if e.Config.RateLimitBackoff > 0 {
			return e.Config.RateLimitBackoff
		}
	}
	base, max := e.Config.BackoffBase, e.Config.BackoffMax
	if base <= 0 {
		base = 2 * time.Second
	}
	if max < base {
		max = base
	}
	return Backoff(attempt, base, max, e.jitter())
}

// Backoff returns base*2^(attempt-1) capped at max, jittered into [d/2, d] by r in [0,1).
func Backoff(attempt int, base, max time.Duration, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	half := d / 2
	return half + time.Duration(r*float64(d-half))
}

func blockingSummary(v domain.PortalValidation) string {
	var parts []string
	for _, m := range v.Blocking() {
		parts = append(parts, fmt.Sprintf("%s (%s)", m.Field, m.Status))
	}
	return "required fields missing or invalid: " + strings.Join(parts, ", ")
}

// ExpireListings moves published jobs whose portal listing expired to expired.
func (e Engine) ExpireListings(ctx context.Context) (int, error) {
	now := e.now()
	ids, err := e.Repo.ExpiredListingIDs(ctx, now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, err := e.apply(ctx, "", id, domain.TriggerExpire, func(j *domain.PublishJob) error {
			if j.ExpiresAt == nil || j.ExpiresAt.After(now) {
				return errNotDue
			}
			return nil
		})
		if err == nil {
			n++
			continue
		}
		if !skippable(err) {
			return n, err
		}
	}
	return n, nil
}

// FailStale fails jobs whose worker stopped mid-attempt. The outcome of an
// interrupted portal call is unknown, so they are not retried automatically.
func (e Engine) FailStale(ctx context.Context) (int, error) {
	if e.Config.StaleAfter <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-e.Config.StaleAfter)
	ids, err := e.Repo.StaleJobIDs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		_, err := e.apply(ctx, "", id, domain.TriggerFail, func(j *domain.PublishJob) error {
			if j.LastTransition.After(cutoff) {
				return errNotDue
			}
			j.Error = &domain.JobError{Kind: domain.KindTransient, Message: "attempt interrupted before completion"}
			return nil
		})
		if err == nil {
			n++
			continue
		}
		if !skippable(err) {
			return n, err
		}
	}
	return n, nil
}

func skippable(err error) bool {
	var te domain.TransitionError
	return errors.Is(err, errNotDue) || errors.Is(err, repo.ErrStale) || errors.Is(err, repo.ErrNotFound) || errors.As(err, &te)
}
