package domain_test

import (
	"errors"
	"testing"

	"portalsync/internal/domain"
)

var allStates = []domain.JobState{
	domain.JobPending, domain.JobValidating, domain.JobPublishing, domain.JobPublished,
	domain.JobFailed, domain.JobUnpublished, domain.JobExpired, domain.JobCancelled,
}

var allTriggers = []domain.Trigger{
	domain.TriggerValidate, domain.TriggerInvalid, domain.TriggerValid, domain.TriggerSucceed,
	domain.TriggerRetryLater, domain.TriggerFail, domain.TriggerUnpublish, domain.TriggerRetry,
	domain.TriggerCancel, domain.TriggerExpire,
}

func TestParseJobState(t *testing.T) {
	for _, s := range allStates {
		got, err := domain.ParseJobState(string(s))
		if err != nil {
			t.Errorf("ParseJobState(%q) returned unexpected error: %v", s, err)
		}
		if got != s {
			t.Errorf("ParseJobState(%q) = %q", s, got)
		}
	}
	for _, bad := range []string{"", "PUBLISHED", "queued"} {
		if _, err := domain.ParseJobState(bad); err == nil {
			t.Errorf("ParseJobState(%q) expected error", bad)
		}
	}
}

func TestNext_AllowedTransitions(t *testing.T) {
	cases := []struct {
		from    domain.JobState
		trigger domain.Trigger
		to      domain.JobState
	}{
		{domain.JobPending, domain.TriggerValidate, domain.JobValidating},
		{domain.JobPending, domain.TriggerCancel, domain.JobCancelled},
		{domain.JobValidating, domain.TriggerInvalid, domain.JobFailed},
		{domain.JobValidating, domain.TriggerValid, domain.JobPublishing},
		{domain.JobValidating, domain.TriggerFail, domain.JobFailed},
		{domain.JobPublishing, domain.TriggerSucceed, domain.JobPublished},
		{domain.JobPublishing, domain.TriggerRetryLater, domain.JobPending},
		{domain.JobPublishing, domain.TriggerFail, domain.JobFailed},
		{domain.JobPublished, domain.TriggerUnpublish, domain.JobUnpublished},
		{domain.JobPublished, domain.TriggerExpire, domain.JobExpired},
		{domain.JobFailed, domain.TriggerRetry, domain.JobPending},
	}
	for _, c := range cases {
		got, err := c.from.Next(c.trigger)
		if err != nil {
			t.Errorf("%s --%s--> unexpected error: %v", c.from, c.trigger, err)
			continue
		}
		if got != c.to {
			t.Errorf("%s --%s--> %s, want %s", c.from, c.trigger, got, c.to)
		}
	}
}

func TestNext_TerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []domain.JobState{domain.JobUnpublished, domain.JobExpired, domain.JobCancelled} {
		if !from.Terminal() {
			t.Errorf("%s should be terminal", from)
		}
		for _, trig := range allTriggers {
			_, err := from.Next(trig)
			var te domain.TransitionError
			if !errors.As(err, &te) {
				t.Errorf("%s --%s--> expected TransitionError, got %v", from, trig, err)
			}
		}
	}
}

func TestNext_NoShortcuts(t *testing.T) {
	cases := []struct {
		from    domain.JobState
		trigger domain.Trigger
	}{
		{domain.JobPending, domain.TriggerSucceed},
		{domain.JobPending, domain.TriggerValid},
		{domain.JobValidating, domain.TriggerSucceed},
		{domain.JobPublishing, domain.TriggerCancel},
		{domain.JobPublished, domain.TriggerRetry},
		{domain.JobFailed, domain.TriggerUnpublish},
		{domain.JobPublishing, domain.TriggerUnpublish},
	}
	for _, c := range cases {
		if _, err := c.from.Next(c.trigger); err == nil {
			t.Errorf("%s --%s--> should be rejected", c.from, c.trigger)
		}
	}
}

func TestActiveStates(t *testing.T) {
	for _, s := range allStates {
		want := false
		for _, a := range domain.ActiveStates {
			if a == s {
				want = true
			}
		}
		if s.Active() != want {
			t.Errorf("%s.Active() = %v, want %v", s, s.Active(), want)
		}
	}
}

func TestErrorKindRetryable(t *testing.T) {
	retryable := map[domain.ErrorKind]bool{
		domain.KindTransient:        true,
		domain.KindRateLimited:      true,
		domain.KindPermanent:        false,
		domain.KindAuthRequired:     false,
		domain.KindValidationFailed: false,
	}
	for k, want := range retryable {
		if k.Retryable() != want {
			t.Errorf("%s.Retryable() = %v, want %v", k, k.Retryable(), want)
		}
	}
}
