package delivery

import (
	"encoding/json"
	"testing"

	"github.com/AxonStream/core/pkg/models"
)

func endpoint(org string, filter models.EndpointFilter) *models.DeliveryEndpoint {
	return &models.DeliveryEndpoint{ID: "ep1", OrgID: org, Active: true, Filter: filter}
}

func event(org, channel, typ string, payload string) *models.Event {
	return &models.Event{
		OrgID:   org,
		Channel: channel,
		Type:    typ,
		Payload: json.RawMessage(payload),
	}
}

func TestMatchesIsolatesOrganizations(t *testing.T) {
	ep := endpoint("org1", models.EndpointFilter{})
	if !Matches(ep, event("org1", "org:org1:c", "t", `{}`)) {
		t.Fatal("empty filter should match any own-org event")
	}
	if Matches(ep, event("org2", "org:org2:c", "t", `{}`)) {
		t.Fatal("endpoint must never match another organization's event")
	}

	ep.Active = false
	if Matches(ep, event("org1", "org:org1:c", "t", `{}`)) {
		t.Fatal("inactive endpoint must not match")
	}
}

func TestMatchesEventTypeAndChannelLists(t *testing.T) {
	ep := endpoint("org1", models.EndpointFilter{
		EventTypes: []string{"order.created", "order.updated"},
		Channels:   []string{"org:org1:orders"},
	})
	if !Matches(ep, event("org1", "org:org1:orders", "order.created", `{}`)) {
		t.Fatal("listed type and channel should match")
	}
	if Matches(ep, event("org1", "org:org1:orders", "order.deleted", `{}`)) {
		t.Fatal("unlisted type must not match")
	}
	if Matches(ep, event("org1", "org:org1:other", "order.created", `{}`)) {
		t.Fatal("unlisted channel must not match")
	}
}

func TestMatchesPayloadEquality(t *testing.T) {
	ep := endpoint("org1", models.EndpointFilter{
		PayloadEq: map[string]string{"status": "paid"},
	})
	if !Matches(ep, event("org1", "c", "t", `{"status":"paid","total":10}`)) {
		t.Fatal("matching payload field should match")
	}
	if Matches(ep, event("org1", "c", "t", `{"status":"open"}`)) {
		t.Fatal("mismatching payload field must not match")
	}
	if Matches(ep, event("org1", "c", "t", `{}`)) {
		t.Fatal("absent payload field must not match")
	}
}

func TestCompoundConditionsAnd(t *testing.T) {
	ep := endpoint("org1", models.EndpointFilter{
		Logic: "and",
		Conditions: []models.FilterCondition{
			{Field: "type", Operator: "startsWith", Value: "order."},
			{Field: "payload.total", Operator: "gt", Value: "100"},
		},
	})
	if !Matches(ep, event("org1", "c", "order.created", `{"total":150}`)) {
		t.Fatal("both conditions hold, should match")
	}
	if Matches(ep, event("org1", "c", "order.created", `{"total":50}`)) {
		t.Fatal("second condition fails, must not match")
	}
}

func TestCompoundConditionsOr(t *testing.T) {
	ep := endpoint("org1", models.EndpointFilter{
		Logic: "or",
		Conditions: []models.FilterCondition{
			{Field: "type", Operator: "equals", Value: "alert.critical"},
			{Field: "payload.severity", Operator: "equals", Value: "high"},
		},
	})
	if !Matches(ep, event("org1", "c", "alert.minor", `{"severity":"high"}`)) {
		t.Fatal("second branch holds, should match")
	}
	if Matches(ep, event("org1", "c", "alert.minor", `{"severity":"low"}`)) {
		t.Fatal("no branch holds, must not match")
	}
}

func TestConditionOperators(t *testing.T) {
	cases := []struct {
		cond  models.FilterCondition
		event *models.Event
		want  bool
	}{
		{models.FilterCondition{Field: "channel", Operator: "contains", Value: "orders"}, event("o", "org:o:orders", "t", `{}`), true},
		{models.FilterCondition{Field: "channel", Operator: "endsWith", Value: ":orders"}, event("o", "org:o:orders", "t", `{}`), true},
		{models.FilterCondition{Field: "type", Operator: "regex", Value: `^order\.\w+$`}, event("o", "c", "order.created", `{}`), true},
		{models.FilterCondition{Field: "type", Operator: "regex", Value: `^(`}, event("o", "c", "order.created", `{}`), false},
		{models.FilterCondition{Field: "payload.count", Operator: "lt", Value: "10"}, event("o", "c", "t", `{"count":3}`), true},
		{models.FilterCondition{Field: "payload.count", Operator: "gt", Value: "10"}, event("o", "c", "t", `{"count":"nan"}`), false},
		{models.FilterCondition{Field: "nope", Operator: "equals", Value: "x"}, event("o", "c", "t", `{}`), false},
		{models.FilterCondition{Field: "type", Operator: "unknown", Value: "t"}, event("o", "c", "t", `{}`), false},
	}
	for i, tc := range cases {
		if got := evalCondition(tc.cond, tc.event); got != tc.want {
			t.Fatalf("case %d: evalCondition(%+v) = %v, want %v", i, tc.cond, got, tc.want)
		}
	}
}

func TestMatchEndpointsFansOut(t *testing.T) {
	endpoints := []*models.DeliveryEndpoint{
		{ID: "a", OrgID: "org1", Active: true},
		{ID: "b", OrgID: "org1", Active: true, Filter: models.EndpointFilter{EventTypes: []string{"other"}}},
		{ID: "c", OrgID: "org2", Active: true},
	}
	matched := MatchEndpoints(endpoints, event("org1", "c", "t", `{}`))
	if len(matched) != 1 || matched[0].ID != "a" {
		t.Fatalf("expected only endpoint a, got %+v", matched)
	}
}
