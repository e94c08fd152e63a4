package gateway

import (
	"errors"
	"testing"
	"time"

	"github.com/AxonStream/core/pkg/errs"
)

func TestErrorFrameEchoesCorrelation(t *testing.T) {
	frame := errorFrame("c-1", errs.Forbidden("channel outside organization"))
	if frame.Type != FrameError {
		t.Fatalf("frame type = %s", frame.Type)
	}
	if frame.CorrelationID != "c-1" {
		t.Fatalf("correlation id = %q", frame.CorrelationID)
	}
	if frame.Code != string(errs.CodeForbidden) {
		t.Fatalf("code = %s", frame.Code)
	}
	if frame.Message != "channel outside organization" {
		t.Fatalf("message = %q", frame.Message)
	}
}

func TestErrorFrameCarriesRetryAfter(t *testing.T) {
	frame := errorFrame("", errs.RateLimited("slow down", 30*time.Second))
	if frame.RetryAfterMS != 30000 {
		t.Fatalf("retry_after_ms = %d", frame.RetryAfterMS)
	}
}

func TestMatchFilter(t *testing.T) {
	cases := []struct {
		filter    string
		eventType string
		want      bool
	}{
		{"", "order.created", true},
		{"*", "order.created", true},
		{"order.created", "order.created", true},
		{"order.created", "order.updated", false},
		{"order.*", "order.created", true},
		{"order.*", "invoice.sent", false},
		{"order*", "order", true},
	}
	for _, tc := range cases {
		if got := matchFilter(tc.filter, tc.eventType); got != tc.want {
			t.Fatalf("matchFilter(%q, %q) = %v, want %v", tc.filter, tc.eventType, got, tc.want)
		}
	}
}

func TestErrorFrameHidesInternalDetail(t *testing.T) {
	frame := errorFrame("c-2", errors.New("pq: connection reset at 10.0.0.3:5432"))
	if frame.Code != string(errs.CodeInternal) {
		t.Fatalf("code = %s", frame.Code)
	}
	if frame.Message != "internal error" {
		t.Fatalf("internal detail leaked: %q", frame.Message)
	}
}
