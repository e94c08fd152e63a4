package delivery

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/AxonStream/core/pkg/models"
)

// Matches reports whether an endpoint should receive an event. Organization
// scoping is absolute: an endpoint never sees another tenant's events.
func Matches(ep *models.DeliveryEndpoint, ev *models.Event) bool {
	if !ep.Active || ep.OrgID != ev.OrgID {
		return false
	}
	f := ep.Filter
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, ev.Type) {
		return false
	}
	if len(f.Channels) > 0 && !containsString(f.Channels, ev.Channel) {
		return false
	}
	if len(f.PayloadEq) > 0 {
		fields := payloadFields(ev.Payload)
		for k, want := range f.PayloadEq {
			if fields[k] != want {
				return false
			}
		}
	}
	if len(f.Conditions) > 0 {
		return evalConditions(f, ev)
	}
	return true
}

// MatchEndpoints returns the subset of endpoints an event fans out to.
func MatchEndpoints(endpoints []*models.DeliveryEndpoint, ev *models.Event) []*models.DeliveryEndpoint {
	var matched []*models.DeliveryEndpoint
	for _, ep := range endpoints {
		if Matches(ep, ev) {
			matched = append(matched, ep)
		}
	}
	return matched
}

func evalConditions(f models.EndpointFilter, ev *models.Event) bool {
	anyMode := strings.EqualFold(f.Logic, "or")
	for _, cond := range f.Conditions {
		ok := evalCondition(cond, ev)
		if anyMode && ok {
			return true
		}
		if !anyMode && !ok {
			return false
		}
	}
	return !anyMode
}

func evalCondition(cond models.FilterCondition, ev *models.Event) bool {
	val, ok := fieldValue(cond.Field, ev)
	if !ok {
		return false
	}
	switch cond.Operator {
	case "equals":
		return val == cond.Value
	case "contains":
		return strings.Contains(val, cond.Value)
	case "startsWith":
		return strings.HasPrefix(val, cond.Value)
	case "endsWith":
		return strings.HasSuffix(val, cond.Value)
	case "regex":
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false
		}
		return re.MatchString(val)
	case "gt", "lt":
		a, errA := strconv.ParseFloat(val, 64)
		b, errB := strconv.ParseFloat(cond.Value, 64)
		if errA != nil || errB != nil {
			return false
		}
		if cond.Operator == "gt" {
			return a > b
		}
		return a < b
	default:
		return false
	}
}

// fieldValue resolves a condition field against the event. Top-level names
// address the event itself; "payload.x" addresses a payload field.
func fieldValue(field string, ev *models.Event) (string, bool) {
	switch field {
	case "type", "eventType":
		return ev.Type, true
	case "channel":
		return ev.Channel, true
	case "org_id", "organizationId":
		return ev.OrgID, true
	case "user_id", "userId":
		return ev.SourceUserID, true
	}
	if name, ok := strings.CutPrefix(field, "payload."); ok {
		fields := payloadFields(ev.Payload)
		v, ok := fields[name]
		return v, ok
	}
	if name, ok := strings.CutPrefix(field, "metadata."); ok {
		v, ok := ev.Metadata[name]
		return v, ok
	}
	return "", false
}

// payloadFields flattens the top level of a JSON object payload to strings.
func payloadFields(payload json.RawMessage) map[string]string {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err == nil {
			out[k] = strconv.FormatFloat(f, 'f', -1, 64)
			continue
		}
		var b bool
		if err := json.Unmarshal(v, &b); err == nil {
			out[k] = strconv.FormatBool(b)
			continue
		}
		out[k] = string(v)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
