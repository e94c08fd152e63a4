// Package enforce applies per-frame tenant enforcement: channel isolation,
// permission checks, rate limiting, quota accounting, and audit emission.
package enforce

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/AxonStream/core/pkg/auth"
	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/logging"
	"github.com/AxonStream/core/pkg/models"
	pkgredis "github.com/AxonStream/core/pkg/redis"
)

// Permissions required per frame action.
const (
	PermPublish     = "events:publish"
	PermSubscribe   = "channels:subscribe"
	PermUnsubscribe = "channels:subscribe"
)

// Audit actions emitted by the enforcement pipeline.
const (
	AuditUnauthorizedChannel = "UNAUTHORIZED_CHANNEL"
	AuditPermissionDenied    = "PERMISSION_DENIED"
	AuditRateLimited         = "RATE_LIMITED"
	AuditQuotaExceeded       = "QUOTA_EXCEEDED"
	AuditAuthFailure         = "AUTH_FAILURE"
	AuditSubscribe           = "CHANNEL_SUBSCRIBE"
	AuditUnsubscribe         = "CHANNEL_UNSUBSCRIBE"
	AuditPublish             = "EVENT_PUBLISH"
)

// AuditSink receives enforcement audit records.
type AuditSink interface {
	Emit(record models.AuditRecord)
}

// LimitsFunc resolves an organization's configured limits. A nil func or an
// error falls back to the defaults.
type LimitsFunc func(ctx context.Context, orgID string) (models.OrgLimits, error)

// Enforcer runs the per-frame enforcement pipeline.
type Enforcer struct {
	client   goredis.UniversalClient
	keys     pkgredis.Keyspace
	tenant   *TenantLimiter
	audit    AuditSink
	logger   logging.Logger
	defaults models.OrgLimits
	limits   LimitsFunc
}

// New creates an Enforcer.
func New(client goredis.UniversalClient, keys pkgredis.Keyspace, tenant *TenantLimiter, audit AuditSink, defaults models.OrgLimits, limits LimitsFunc, logger logging.Logger) *Enforcer {
	return &Enforcer{
		client:   client,
		keys:     keys,
		tenant:   tenant,
		audit:    audit,
		logger:   logger,
		defaults: defaults,
		limits:   limits,
	}
}

// OrgLimits resolves the effective limits for an organization.
func (e *Enforcer) OrgLimits(ctx context.Context, orgID string) models.OrgLimits {
	if e.limits == nil {
		return e.defaults
	}
	limits, err := e.limits(ctx, orgID)
	if err != nil {
		e.logger.WithError(err).WithField("org_id", orgID).Warn("Org limits lookup failed; using defaults")
		return e.defaults
	}
	return limits
}

// AuthorizeChannel rejects any channel outside the identity's organization.
func (e *Enforcer) AuthorizeChannel(id *auth.Identity, channel string) error {
	if models.ChannelAllowed(id.OrgID, channel) {
		return nil
	}
	e.emit(id, AuditUnauthorizedChannel, channel, models.SeverityWarning)
	return errs.Newf(errs.CodeForbidden, "channel %q is outside your organization", channel).WithOrg(id.OrgID)
}

// RequirePermission rejects identities missing the action's permission.
func (e *Enforcer) RequirePermission(id *auth.Identity, perm string) error {
	if id.HasPermission(perm) {
		return nil
	}
	e.emit(id, AuditPermissionDenied, perm, models.SeverityWarning)
	return errs.Newf(errs.CodeForbidden, "missing permission %q", perm).WithOrg(id.OrgID)
}

// CheckMessageRate applies both rate-limit layers. The per-connection counter
// always decides first; the distributed counter fails open when the substrate
// is unreachable.
func (e *Enforcer) CheckMessageRate(ctx context.Context, id *auth.Identity, conn *ConnLimiter) error {
	if conn != nil {
		if ok, retryAfter := conn.Allow(time.Now()); !ok {
			e.emit(id, AuditRateLimited, "connection", models.SeverityWarning)
			return errs.RateLimited("connection message limit exceeded", retryAfter).WithOrg(id.OrgID)
		}
	}
	if e.tenant != nil {
		if err := e.tenant.Allow(ctx, id.OrgID); err != nil {
			e.emit(id, AuditRateLimited, "tenant", models.SeverityWarning)
			return err
		}
	}
	return nil
}

// DebitAPIQuota charges one API call against the organization's hour bucket.
func (e *Enforcer) DebitAPIQuota(ctx context.Context, id *auth.Identity) error {
	limits := e.OrgLimits(ctx, id.OrgID)
	if limits.MaxAPICallsHour <= 0 {
		return nil
	}

	bucket := time.Now().UTC().Truncate(time.Hour).Unix()
	key := e.keys.QuotaCounter(id.OrgID, "api_calls", bucket)
	count, err := e.client.Incr(ctx, key).Result()
	if err != nil {
		// Quota accounting is advisory when the substrate is down; the rate
		// limiter's fail-open logging already covers the outage.
		e.logger.WithError(err).WithField("org_id", id.OrgID).Warn("API quota counter unreachable")
		return nil
	}
	if count == 1 {
		e.client.Expire(ctx, key, 2*time.Hour)
	}
	if count > int64(limits.MaxAPICallsHour) {
		e.emit(id, AuditQuotaExceeded, "api_calls", models.SeverityWarning)
		return errs.Newf(errs.CodeQuotaExceeded, "hourly API call quota of %d exhausted", limits.MaxAPICallsHour).WithOrg(id.OrgID)
	}
	return nil
}

// SubstrateHealthy reports whether the shared substrate is trusted. While the
// breaker is open the gateway refuses new sessions instead of registering
// connections it cannot enforce.
func (e *Enforcer) SubstrateHealthy() bool {
	return e.tenant.Healthy()
}

// EventQuota returns the stream's QuotaFunc bound to this enforcer's limits.
func (e *Enforcer) EventQuota() func(ctx context.Context, orgID string) (int, error) {
	return func(ctx context.Context, orgID string) (int, error) {
		return e.OrgLimits(ctx, orgID).MaxEventsPerHour, nil
	}
}

// RecordAction audits a successful sensitive action.
func (e *Enforcer) RecordAction(id *auth.Identity, action, resource string) {
	e.emit(id, action, resource, models.SeverityInfo)
}

func (e *Enforcer) emit(id *auth.Identity, action, resource, severity string) {
	if e.audit == nil {
		return
	}
	e.audit.Emit(models.AuditRecord{
		OrgID:     id.OrgID,
		ActorID:   id.UserID,
		Action:    action,
		Resource:  resource,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	})
}
