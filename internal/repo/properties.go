package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"portalsync/internal/domain"
)

// GetProperty is the read-only accessor the orchestrator publishes from.
func (r Repo) GetProperty(ctx context.Context, tenantID, id string) (domain.Property, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT data_json FROM properties WHERE id=? AND tenant_id=?`, id, tenantID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Property{}, ErrNotFound
	}
	if err != nil {
		return domain.Property{}, err
	}
	var p domain.Property
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return p, fmt.Errorf("decode property %s: %w", id, err)
	}
	p.ID, p.TenantID = id, tenantID
	return p, nil
}

// UpsertProperty mirrors a property record from the dashboard backend.
// Property ids are scoped to their tenant.
func (r Repo) UpsertProperty(ctx context.Context, p domain.Property) error {
	if p.ID == "" || p.TenantID == "" {
		return fmt.Errorf("property id and tenant are required")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO properties(id,tenant_id,data_json,updated_at) VALUES (?,?,?,?)
ON CONFLICT(tenant_id, id) DO UPDATE SET data_json=excluded.data_json, updated_at=excluded.updated_at`,
		p.ID, p.TenantID, string(data), fmtTime(p.UpdatedAt))
	return err
}
