package templates

import (
	"testing"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/models"
)

func TestListIsStable(t *testing.T) {
	list := List()
	if len(list) == 0 {
		t.Fatal("expected built-in templates")
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].ID >= list[i].ID {
			t.Fatalf("templates not ordered: %s before %s", list[i-1].ID, list[i].ID)
		}
	}
}

func TestInstantiateSubstitutesVariables(t *testing.T) {
	ep, err := Instantiate("generic-json", map[string]string{
		"TARGET_URL":     "https://example.com/hooks",
		"SIGNING_SECRET": "topsecret",
	})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if ep.URL != "https://example.com/hooks" {
		t.Fatalf("URL = %q", ep.URL)
	}
	if ep.Secret != "topsecret" {
		t.Fatalf("Secret = %q", ep.Secret)
	}
	if ep.Semantics != models.AtLeastOnce || !ep.Active {
		t.Fatalf("unexpected config: %+v", ep)
	}
}

func TestInstantiateAppliesDefaults(t *testing.T) {
	ep, err := Instantiate("slack-notification", map[string]string{
		"SLACK_WEBHOOK_URL": "https://hooks.slack.com/services/T0/B0/x",
	})
	if err != nil {
		t.Fatalf("Instantiate failed: %v", err)
	}
	if len(ep.Filter.EventTypes) != 1 || ep.Filter.EventTypes[0] != "alert.raised" {
		t.Fatalf("default EVENT_TYPE not applied: %+v", ep.Filter.EventTypes)
	}
}

func TestInstantiateRejectsMissingRequired(t *testing.T) {
	_, err := Instantiate("generic-json", map[string]string{"TARGET_URL": "https://example.com"})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID for missing SIGNING_SECRET, got %v", err)
	}
}

func TestInstantiateValidatesPattern(t *testing.T) {
	_, err := Instantiate("generic-json", map[string]string{
		"TARGET_URL":     "ftp://example.com",
		"SIGNING_SECRET": "s",
	})
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID for non-https URL, got %v", err)
	}
}

func TestInstantiateUnknownTemplate(t *testing.T) {
	_, err := Instantiate("no-such-template", nil)
	if !errs.Is(err, errs.CodeInvalid) {
		t.Fatalf("expected INVALID, got %v", err)
	}
}

func TestSubstituteLeavesUnknownTokens(t *testing.T) {
	got := substitute("a {{KNOWN}} and {{UNKNOWN}}", map[string]string{"KNOWN": "x"})
	if got != "a x and {{UNKNOWN}}" {
		t.Fatalf("substitute = %q", got)
	}
}
