package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/AxonStream/core/pkg/models"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock setup failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestGetOrgLimits(t *testing.T) {
	s, mock := testStore(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id, slug, is_active").
		WithArgs("org1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "slug", "is_active",
			"max_users", "max_connections", "max_events_per_hour",
			"max_channels", "max_storage_bytes", "max_api_calls_hour",
			"created_at", "updated_at",
		}).AddRow("org1", "acme", true, 50, 1000, 100000, 100, int64(1<<30), 10000, now, now))

	limits, err := s.GetOrgLimits(context.Background(), "org1")
	if err != nil {
		t.Fatalf("GetOrgLimits failed: %v", err)
	}
	if limits.MaxConnections != 1000 || limits.MaxEventsPerHour != 100000 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetOrganizationMissing(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery("SELECT id, slug, is_active").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	org, err := s.GetOrganization(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetOrganization failed: %v", err)
	}
	if org != nil {
		t.Fatalf("expected nil for unknown org, got %+v", org)
	}
}

func TestCreateEndpointAssignsID(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec("INSERT INTO delivery_endpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ep := &models.DeliveryEndpoint{
		OrgID:     "org1",
		Name:      "primary",
		URL:       "https://example.com/hook",
		Method:    "POST",
		Timeout:   30 * time.Second,
		Semantics: models.AtLeastOnce,
		Active:    true,
	}
	if err := s.CreateEndpoint(context.Background(), ep); err != nil {
		t.Fatalf("CreateEndpoint failed: %v", err)
	}
	if ep.ID == "" {
		t.Fatal("CreateEndpoint should assign an id")
	}
	if ep.CreatedAt.IsZero() || ep.UpdatedAt.IsZero() {
		t.Fatal("CreateEndpoint should stamp timestamps")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeactivateEndpointNotFound(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec("UPDATE delivery_endpoints SET active").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeactivateEndpoint(context.Background(), "org1", "missing")
	if err == nil {
		t.Fatal("expected error for unknown endpoint")
	}
}

func TestUpsertReceipt(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec("INSERT INTO delivery_receipts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := &models.DeliveryReceipt{
		EventID:        "1-1",
		EndpointID:     "ep1",
		OrgID:          "org1",
		Status:         models.ReceiptSucceeded,
		Attempts:       2,
		FirstAttemptAt: time.Now(),
		LastAttemptAt:  time.Now(),
		ResponseCode:   200,
		ResponseTime:   120 * time.Millisecond,
	}
	if err := s.UpsertReceipt(context.Background(), r); err != nil {
		t.Fatalf("UpsertReceipt failed: %v", err)
	}
	if r.ID == "" {
		t.Fatal("UpsertReceipt should assign an id")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertAudit(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectExec("INSERT INTO audit_records").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.InsertAudit(context.Background(), models.AuditRecord{
		OrgID:     "org1",
		ActorID:   "u1",
		Action:    "EVENT_PUBLISH",
		Resource:  "org:org1:orders",
		Severity:  models.SeverityInfo,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("InsertAudit failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListEndpointReceiptsClampsLimit(t *testing.T) {
	s, mock := testStore(t)
	mock.ExpectQuery("FROM delivery_receipts").
		WithArgs("org1", "ep1", 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "endpoint_id", "org_id", "status", "attempts",
			"first_attempt_at", "last_attempt_at", "response_code", "response_time_ms",
			"error", "reason", "reconciled",
		}).AddRow("r1", "1-1", "ep1", "org1", "dead", 6, time.Now(), time.Now(), 502, int64(250), "endpoint returned 502", "retries_exhausted", false))

	receipts, err := s.ListEndpointReceipts(context.Background(), "org1", "ep1", -5)
	if err != nil {
		t.Fatalf("ListEndpointReceipts failed: %v", err)
	}
	if len(receipts) != 1 || receipts[0].Status != models.ReceiptDead {
		t.Fatalf("unexpected receipts: %+v", receipts)
	}
	if receipts[0].ResponseTime != 250*time.Millisecond {
		t.Fatalf("response time = %v", receipts[0].ResponseTime)
	}
}
