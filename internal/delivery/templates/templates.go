// Package templates holds the built-in webhook configuration templates and
// the variable substitution used to instantiate them.
package templates

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/AxonStream/core/pkg/errs"
	"github.com/AxonStream/core/pkg/models"
)

// Variable declares one substitutable token in a template.
type Variable struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
}

// Template is a named, read-only webhook configuration skeleton. Config holds
// {{VAR}} tokens that Instantiate replaces.
type Template struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description"`
	Variables      []Variable              `json:"variables"`
	Config         models.DeliveryEndpoint `json:"config"`
	ExamplePayload json.RawMessage         `json:"example_payload,omitempty"`
}

var builtins = map[string]*Template{
	"slack-notification": {
		ID:          "slack-notification",
		Name:        "Slack Notification",
		Description: "Post matched events to a Slack incoming webhook.",
		Variables: []Variable{
			{Name: "SLACK_WEBHOOK_URL", Description: "Slack incoming webhook URL", Required: true,
				Pattern: `^https://hooks\.slack\.com/services/.+$`},
			{Name: "EVENT_TYPE", Description: "Event type to forward", Required: false, Default: "alert.raised"},
		},
		Config: models.DeliveryEndpoint{
			Name:      "Slack notifications",
			URL:       "{{SLACK_WEBHOOK_URL}}",
			Method:    "POST",
			Semantics: models.AtLeastOnce,
			Filter:    models.EndpointFilter{EventTypes: []string{"{{EVENT_TYPE}}"}},
			Active:    true,
		},
		ExamplePayload: json.RawMessage(`{"text":"alert raised in channel org:acme:alerts"}`),
	},
	"generic-json": {
		ID:          "generic-json",
		Name:        "Generic JSON Endpoint",
		Description: "Deliver every organization event to an HTTPS endpoint with HMAC signing.",
		Variables: []Variable{
			{Name: "TARGET_URL", Description: "Destination URL", Required: true, Pattern: `^https://.+$`},
			{Name: "SIGNING_SECRET", Description: "HMAC signing secret", Required: true},
		},
		Config: models.DeliveryEndpoint{
			Name:      "Generic endpoint",
			URL:       "{{TARGET_URL}}",
			Method:    "POST",
			Secret:    "{{SIGNING_SECRET}}",
			Semantics: models.AtLeastOnce,
			Active:    true,
		},
	},
	"audit-mirror": {
		ID:          "audit-mirror",
		Name:        "Audit Mirror",
		Description: "Forward audit-relevant events exactly once to a compliance sink.",
		Variables: []Variable{
			{Name: "SINK_URL", Description: "Compliance sink URL", Required: true, Pattern: `^https://.+$`},
			{Name: "CHANNEL", Description: "Audit channel to mirror", Required: true},
		},
		Config: models.DeliveryEndpoint{
			Name:      "Audit mirror",
			URL:       "{{SINK_URL}}",
			Method:    "POST",
			Semantics: models.ExactlyOnce,
			Filter:    models.EndpointFilter{Channels: []string{"{{CHANNEL}}"}},
			Active:    true,
		},
	},
}

// List returns all built-in templates, ordered by id.
func List() []*Template {
	out := make([]*Template, 0, len(builtins))
	for _, t := range builtins {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one template by id, or nil.
func Get(id string) *Template {
	return builtins[id]
}

// Instantiate validates the supplied variables against the template and
// returns an endpoint config with every {{VAR}} token substituted.
func Instantiate(id string, vars map[string]string) (*models.DeliveryEndpoint, error) {
	t := builtins[id]
	if t == nil {
		return nil, errs.Invalid(fmt.Sprintf("unknown template %q", id))
	}

	resolved := make(map[string]string, len(t.Variables))
	for _, v := range t.Variables {
		val, ok := vars[v.Name]
		if !ok || val == "" {
			if v.Required {
				return nil, errs.Invalid(fmt.Sprintf("missing required variable %q", v.Name))
			}
			val = v.Default
		}
		if v.Pattern != "" && val != "" {
			re, err := regexp.Compile(v.Pattern)
			if err != nil {
				return nil, fmt.Errorf("template %s variable %s: %w", id, v.Name, err)
			}
			if !re.MatchString(val) {
				return nil, errs.Invalid(fmt.Sprintf("variable %q does not match pattern %s", v.Name, v.Pattern))
			}
		}
		resolved[v.Name] = val
	}

	cfg := t.Config
	cfg.Name = substitute(cfg.Name, resolved)
	cfg.URL = substitute(cfg.URL, resolved)
	cfg.Method = substitute(cfg.Method, resolved)
	cfg.Secret = substitute(cfg.Secret, resolved)
	if len(cfg.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			headers[substitute(k, resolved)] = substitute(v, resolved)
		}
		cfg.Headers = headers
	}
	cfg.Filter.EventTypes = substituteAll(cfg.Filter.EventTypes, resolved)
	cfg.Filter.Channels = substituteAll(cfg.Filter.Channels, resolved)
	return &cfg, nil
}

// substitute replaces {{NAME}} tokens. Unknown tokens are left verbatim so a
// misconfigured template surfaces in the stored config instead of vanishing.
func substitute(s string, vars map[string]string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		end += start
		name := s[start+2 : end]
		b.WriteString(s[:start])
		if v, ok := vars[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[start : end+2])
		}
		s = s[end+2:]
	}
}

func substituteAll(list []string, vars map[string]string) []string {
	if len(list) == 0 {
		return list
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = substitute(s, vars)
	}
	return out
}
