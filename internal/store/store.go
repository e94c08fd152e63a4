// Package store is the Postgres persistence layer: organizations, delivery
// endpoints, delivery receipts, and audit records. Session, server, and
// rate-limit state live in the KV substrate, not here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/models"
)

// Store wraps the persistent database.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// GetOrganization fetches one organization with its limits.
func (s *Store) GetOrganization(ctx context.Context, orgID string) (*models.Organization, error) {
	var org models.Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, slug, is_active,
		       max_users, max_connections, max_events_per_hour,
		       max_channels, max_storage_bytes, max_api_calls_hour,
		       created_at, updated_at
		FROM organizations WHERE id = $1
	`, orgID).Scan(&org.ID, &org.Slug, &org.IsActive,
		&org.Limits.MaxUsers, &org.Limits.MaxConnections, &org.Limits.MaxEventsPerHour,
		&org.Limits.MaxChannels, &org.Limits.MaxStorageBytes, &org.Limits.MaxAPICallsHour,
		&org.CreatedAt, &org.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &org, nil
}

// GetOrgLimits returns an organization's limits, or an error when unknown.
func (s *Store) GetOrgLimits(ctx context.Context, orgID string) (models.OrgLimits, error) {
	org, err := s.GetOrganization(ctx, orgID)
	if err != nil {
		return models.OrgLimits{}, err
	}
	if org == nil {
		return models.OrgLimits{}, fmt.Errorf("organization %s not found", orgID)
	}
	return org.Limits, nil
}

// endpointRow marshals the JSON-typed endpoint columns.
func scanEndpoint(scan func(dest ...interface{}) error) (*models.DeliveryEndpoint, error) {
	var ep models.DeliveryEndpoint
	var headersJSON, retryJSON, filterJSON []byte
	var timeoutMS int64
	err := scan(&ep.ID, &ep.OrgID, &ep.Name, &ep.URL, &ep.Method,
		&headersJSON, &ep.Secret, &timeoutMS, &retryJSON, &ep.Semantics,
		&filterJSON, &ep.Active, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ep.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &ep.Headers); err != nil {
			return nil, fmt.Errorf("decode endpoint headers: %w", err)
		}
	}
	if len(retryJSON) > 0 {
		if err := json.Unmarshal(retryJSON, &ep.Retry); err != nil {
			return nil, fmt.Errorf("decode endpoint retry policy: %w", err)
		}
	}
	if len(filterJSON) > 0 {
		if err := json.Unmarshal(filterJSON, &ep.Filter); err != nil {
			return nil, fmt.Errorf("decode endpoint filter: %w", err)
		}
	}
	return &ep, nil
}

const endpointColumns = `id, org_id, name, url, method, headers, secret, timeout_ms,
	retry_policy, semantics, filter, active, created_at, updated_at`

// CreateEndpoint inserts a new delivery endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, ep *models.DeliveryEndpoint) error {
	if ep.ID == "" {
		ep.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	ep.CreatedAt = now
	ep.UpdatedAt = now

	headersJSON, err := json.Marshal(ep.Headers)
	if err != nil {
		return fmt.Errorf("encode endpoint headers: %w", err)
	}
	retryJSON, err := json.Marshal(ep.Retry)
	if err != nil {
		return fmt.Errorf("encode endpoint retry policy: %w", err)
	}
	filterJSON, err := json.Marshal(ep.Filter)
	if err != nil {
		return fmt.Errorf("encode endpoint filter: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO delivery_endpoints
			(id, org_id, name, url, method, headers, secret, timeout_ms,
			 retry_policy, semantics, filter, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, ep.ID, ep.OrgID, ep.Name, ep.URL, ep.Method, headersJSON, ep.Secret,
		ep.Timeout.Milliseconds(), retryJSON, string(ep.Semantics), filterJSON,
		ep.Active, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

// UpdateEndpoint rewrites a delivery endpoint, scoped to its organization.
func (s *Store) UpdateEndpoint(ctx context.Context, ep *models.DeliveryEndpoint) error {
	ep.UpdatedAt = time.Now().UTC()

	headersJSON, err := json.Marshal(ep.Headers)
	if err != nil {
		return fmt.Errorf("encode endpoint headers: %w", err)
	}
	retryJSON, err := json.Marshal(ep.Retry)
	if err != nil {
		return fmt.Errorf("encode endpoint retry policy: %w", err)
	}
	filterJSON, err := json.Marshal(ep.Filter)
	if err != nil {
		return fmt.Errorf("encode endpoint filter: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_endpoints
		SET name = $3, url = $4, method = $5, headers = $6, secret = $7,
		    timeout_ms = $8, retry_policy = $9, semantics = $10, filter = $11,
		    active = $12, updated_at = $13
		WHERE id = $1 AND org_id = $2
	`, ep.ID, ep.OrgID, ep.Name, ep.URL, ep.Method, headersJSON, ep.Secret,
		ep.Timeout.Milliseconds(), retryJSON, string(ep.Semantics), filterJSON,
		ep.Active, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Invalid("endpoint not found")
	}
	return nil
}

// DeactivateEndpoint soft-deletes an endpoint (active=false).
func (s *Store) DeactivateEndpoint(ctx context.Context, orgID, endpointID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delivery_endpoints SET active = FALSE, updated_at = $3
		WHERE id = $1 AND org_id = $2
	`, endpointID, orgID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deactivate endpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.Invalid("endpoint not found")
	}
	return nil
}

// GetEndpoint fetches one endpoint scoped to an organization.
func (s *Store) GetEndpoint(ctx context.Context, orgID, endpointID string) (*models.DeliveryEndpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM delivery_endpoints WHERE id = $1 AND org_id = $2
	`, endpointID, orgID)
	ep, err := scanEndpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return ep, nil
}

// ListEndpoints returns all endpoints of one organization.
func (s *Store) ListEndpoints(ctx context.Context, orgID string) ([]*models.DeliveryEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM delivery_endpoints WHERE org_id = $1
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.DeliveryEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// ListActiveEndpoints returns every active endpoint across organizations.
// The delivery engine refreshes its matching set from this.
func (s *Store) ListActiveEndpoints(ctx context.Context) ([]*models.DeliveryEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+endpointColumns+`
		FROM delivery_endpoints WHERE active = TRUE
		ORDER BY org_id, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*models.DeliveryEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// UpsertReceipt records one delivery attempt's outcome. Terminal receipts are
// immutable: a succeeded or dead row is never downgraded.
func (s *Store) UpsertReceipt(ctx context.Context, r *models.DeliveryReceipt) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_receipts
			(id, event_id, endpoint_id, org_id, status, attempts,
			 first_attempt_at, last_attempt_at, response_code, response_time_ms,
			 error, reason, reconciled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (event_id, endpoint_id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			last_attempt_at = EXCLUDED.last_attempt_at,
			response_code = EXCLUDED.response_code,
			response_time_ms = EXCLUDED.response_time_ms,
			error = EXCLUDED.error,
			reason = EXCLUDED.reason,
			reconciled = EXCLUDED.reconciled
		WHERE delivery_receipts.status NOT IN ('succeeded', 'dead')
	`, r.ID, r.EventID, r.EndpointID, r.OrgID, r.Status, r.Attempts,
		r.FirstAttemptAt, r.LastAttemptAt, r.ResponseCode, r.ResponseTime.Milliseconds(),
		r.Error, r.Reason, r.Reconciled)
	if err != nil {
		return fmt.Errorf("upsert receipt: %w", err)
	}
	return nil
}

// GetReceipt fetches the receipt for one (event, endpoint) pair.
func (s *Store) GetReceipt(ctx context.Context, eventID, endpointID string) (*models.DeliveryReceipt, error) {
	var r models.DeliveryReceipt
	var responseTimeMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, endpoint_id, org_id, status, attempts,
		       first_attempt_at, last_attempt_at, response_code, response_time_ms,
		       error, reason, reconciled
		FROM delivery_receipts WHERE event_id = $1 AND endpoint_id = $2
	`, eventID, endpointID).Scan(&r.ID, &r.EventID, &r.EndpointID, &r.OrgID,
		&r.Status, &r.Attempts, &r.FirstAttemptAt, &r.LastAttemptAt,
		&r.ResponseCode, &responseTimeMS, &r.Error, &r.Reason, &r.Reconciled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r.ResponseTime = time.Duration(responseTimeMS) * time.Millisecond
	return &r, nil
}

// ListEndpointReceipts returns the most recent receipts for one endpoint.
func (s *Store) ListEndpointReceipts(ctx context.Context, orgID, endpointID string, limit int) ([]*models.DeliveryReceipt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, endpoint_id, org_id, status, attempts,
		       first_attempt_at, last_attempt_at, response_code, response_time_ms,
		       error, reason, reconciled
		FROM delivery_receipts
		WHERE org_id = $1 AND endpoint_id = $2
		ORDER BY last_attempt_at DESC
		LIMIT $3
	`, orgID, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*models.DeliveryReceipt
	for rows.Next() {
		var r models.DeliveryReceipt
		var responseTimeMS int64
		if err := rows.Scan(&r.ID, &r.EventID, &r.EndpointID, &r.OrgID,
			&r.Status, &r.Attempts, &r.FirstAttemptAt, &r.LastAttemptAt,
			&r.ResponseCode, &responseTimeMS, &r.Error, &r.Reason, &r.Reconciled); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		r.ResponseTime = time.Duration(responseTimeMS) * time.Millisecond
		receipts = append(receipts, &r)
	}
	return receipts, rows.Err()
}

// InsertAudit appends one audit record.
func (s *Store) InsertAudit(ctx context.Context, record models.AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records
			(id, org_id, actor_id, action, resource, before_state, after_state, severity, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.OrgID, record.ActorID, record.Action, record.Resource,
		record.Before, record.After, record.Severity, record.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}
