// Package events records job transitions and fans them out after commit.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"portalsync/internal/domain"
)

const TypeJobTransition = "job.transition"

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts an event inside tx and returns it with its assigned id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, tenantID, jobID string, payload EventPayload) (domain.Event, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC()
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,tenant_id,job_id,payload_json) VALUES (?,?,?,?,?)`,
		ts.Format("2006-01-02T15:04:05.000000000Z"), evtType, tenantID, nullable(jobID), string(data))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{ID: id, TS: ts, Type: evtType, TenantID: tenantID, JobID: jobID, Payload: string(data)}, nil
}

// TransitionPayload is the payload of a job.transition event.
func TransitionPayload(from, to domain.JobState, kind domain.ErrorKind) EventPayload {
	p := EventPayload{"from": string(from), "to": string(to)}
	if kind != "" {
		p["error_kind"] = string(kind)
	}
	return p
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
