package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Endpoint names, relative to the public URL.
const (
	EndpointStart  = "twilio-ivr/start"
	EndpointNext   = "twilio-ivr/next"
	EndpointStatus = "twilio-ivr/status"
	EndpointFile   = "twilio-ivr/file"
)

// DefaultTopicBase is the relay channel prefix used when none is configured.
const DefaultTopicBase = "TWILIO_IVR"

// InboundTopic is the channel carrying webhook receiver -> controller events.
func InboundTopic(base string) string {
	return topicBase(base) + "_INBOUND"
}

// OutboundTopic is the channel carrying controller -> webhook receiver events.
func OutboundTopic(base string) string {
	return topicBase(base) + "_OUTBOUND"
}

// SessionTopic is the retained topic holding the session for sid. Pass "+"
// to get a subscription filter covering all sessions.
func SessionTopic(base, sid string) string {
	return topicBase(base) + "_SESSION/" + sid
}

func topicBase(base string) string {
	if base == "" {
		return DefaultTopicBase
	}
	return base
}

// QueryParams are extra query parameters appended to every generated
// callback URL. They are configured either as a mapping or as a raw,
// already encoded query string.
type QueryParams struct {
	Raw    string
	Values map[string]string
}

// Encode returns the query string without a leading "?". Mapping keys are
// emitted in sorted order.
func (p *QueryParams) Encode() string {
	if p == nil {
		return ""
	}
	if p.Raw != "" {
		return strings.TrimPrefix(p.Raw, "?")
	}
	if len(p.Values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(p.Values[k]))
	}
	return strings.Join(parts, "&")
}

// Empty reports whether p adds nothing to a URL.
func (p *QueryParams) Empty() bool {
	return p.Encode() == ""
}

func (p QueryParams) MarshalJSON() ([]byte, error) {
	if p.Raw != "" {
		return json.Marshal(p.Raw)
	}
	if p.Values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.Values)
}

func (p *QueryParams) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err == nil {
		*p = QueryParams{Raw: raw}
		return nil
	}
	var values map[string]string
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("query params must be a string or an object: %w", err)
	}
	*p = QueryParams{Values: values}
	return nil
}

func (p *QueryParams) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = QueryParams{Raw: node.Value}
		return nil
	case yaml.MappingNode:
		var values map[string]string
		if err := node.Decode(&values); err != nil {
			return err
		}
		*p = QueryParams{Values: values}
		return nil
	default:
		return fmt.Errorf("line %d: query params must be a string or a mapping", node.Line)
	}
}

// SpeechTimeout is the carrier's speech end timeout, "auto" or a number of
// seconds, kept as the text handed to the carrier. JSON strings and numbers
// are both accepted; null leaves it unset.
type SpeechTimeout string

func (t *SpeechTimeout) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = SpeechTimeout(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("speech timeout must be a string or a number: %w", err)
	}
	*t = SpeechTimeout(n.String())
	return nil
}

// CallbackURL joins base and endpoint with exactly one "/" and appends the
// encoded params, if any.
func CallbackURL(base, endpoint string, params *QueryParams) string {
	u := NormalizeBaseURL(base) + strings.TrimPrefix(endpoint, "/")
	if q := params.Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// NormalizeBaseURL makes sure base ends with a single "/".
func NormalizeBaseURL(base string) string {
	return strings.TrimRight(base, "/") + "/"
}
