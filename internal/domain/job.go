// Package domain holds the publishing orchestrator's core types.
//
// Publish job state graph:
//
//	pending ──validate──► validating ──valid──► publishing ──succeed──► published ──unpublish──► unpublished
//	   │  ▲                   │                   │    │                    │
//	   │  └────retry_later────┼───────────────────┘    │                    └──expire──► expired
//	   │                      └─invalid/fail─► failed ◄┘ fail
//	   └──cancel──► cancelled                  │
//	                 pending ◄──────retry──────┘
//
// unpublished, expired and cancelled have no outgoing transitions.
package domain

import (
	"fmt"
	"time"
)

// JobState is the lifecycle state of a PublishJob.
type JobState string

const (
	JobPending     JobState = "pending"
	JobValidating  JobState = "validating"
	JobPublishing  JobState = "publishing"
	JobPublished   JobState = "published"
	JobFailed      JobState = "failed"
	JobUnpublished JobState = "unpublished"
	JobExpired     JobState = "expired"
	JobCancelled   JobState = "cancelled"
)

// ActiveStates are the states in which a job counts as an in-flight attempt.
var ActiveStates = []JobState{JobPending, JobValidating, JobPublishing}

// Trigger is an input to the job state machine.
type Trigger string

const (
	TriggerValidate   Trigger = "validate"
	TriggerInvalid    Trigger = "invalid"
	TriggerValid      Trigger = "valid"
	TriggerSucceed    Trigger = "succeed"
	TriggerRetryLater Trigger = "retry_later"
	TriggerFail       Trigger = "fail"
	TriggerUnpublish  Trigger = "unpublish"
	TriggerRetry      Trigger = "retry"
	TriggerCancel     Trigger = "cancel"
	TriggerExpire     Trigger = "expire"
)

var jobTransitions = map[JobState]map[Trigger]JobState{
	JobPending: {
		TriggerValidate: JobValidating,
		TriggerCancel:   JobCancelled,
	},
	JobValidating: {
		TriggerInvalid: JobFailed,
		TriggerValid:   JobPublishing,
		TriggerFail:    JobFailed,
	},
	JobPublishing: {
		TriggerSucceed:    JobPublished,
		TriggerRetryLater: JobPending,
		TriggerFail:       JobFailed,
	},
	JobPublished: {
		TriggerUnpublish: JobUnpublished,
		TriggerExpire:    JobExpired,
	},
	JobFailed: {
		TriggerRetry: JobPending,
	},
}

// TransitionError reports a trigger the state machine does not accept.
type TransitionError struct {
	From    JobState
	Trigger Trigger
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("cannot %s a %s job", e.Trigger, e.From)
}

// ParseJobState converts a stored string to a JobState.
func ParseJobState(s string) (JobState, error) {
	st := JobState(s)
	switch st {
	case JobPending, JobValidating, JobPublishing, JobPublished, JobFailed, JobUnpublished, JobExpired, JobCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Next returns the state reached by applying t, or a TransitionError.
func (s JobState) Next(t Trigger) (JobState, error) {
	to, ok := jobTransitions[s][t]
	if !ok {
		return "", TransitionError{From: s, Trigger: t}
	}
	return to, nil
}

// Active reports whether s is one of ActiveStates.
func (s JobState) Active() bool {
	return s == JobPending || s == JobValidating || s == JobPublishing
}

// Terminal reports whether no trigger leads out of s.
func (s JobState) Terminal() bool {
	return len(jobTransitions[s]) == 0
}

// ErrorKind classifies a failure; it drives the retry decision.
type ErrorKind string

const (
	KindValidationFailed ErrorKind = "validation_failed"
	KindAuthRequired     ErrorKind = "auth_required"
	KindRateLimited      ErrorKind = "rate_limited"
	KindTransient        ErrorKind = "transient"
	KindPermanent        ErrorKind = "permanent"
)

// Retryable reports whether the orchestrator schedules automatic retries for k.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient || k == KindRateLimited
}

// JobError is the structured error recorded on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

type PublishJob struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	PropertyID      string            `json:"property_id"`
	Portal          string            `json:"portal"`
	State           JobState          `json:"state"`
	PortalListingID string            `json:"portal_listing_id,omitempty"`
	PortalURL       string            `json:"portal_url,omitempty"`
	Error           *JobError         `json:"error,omitempty"`
	Validation      *PortalValidation `json:"validation,omitempty"`
	AttemptCount    int               `json:"attempt_count"`
	MaxAttempts     int               `json:"max_attempts"`
	RunAt           time.Time         `json:"run_at"`
	CreatedAt       time.Time         `json:"created_at"`
	LastTransition  time.Time         `json:"last_transition"`
	PublishedAt     *time.Time        `json:"published_at,omitempty"`
	UnpublishedAt   *time.Time        `json:"unpublished_at,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
}

// Event is one entry of the transition log.
type Event struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	Type     string    `json:"type"`
	TenantID string    `json:"tenant_id"`
	JobID    string    `json:"job_id"`
	Payload  string    `json:"payload_json"`
}
