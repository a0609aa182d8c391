package extractor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"voice-jobs-go/internal/types"
)

var errNoJSON = errors.New("no JSON object in model output")

// parsedResponse is the validated model output before the quality gate.
type parsedResponse struct {
	HasAppointment bool
	Confidence     float64
	Appointments   []types.AppointmentDetails
	Issues         []string
}

// parseResponse decodes model output leniently: every field is optional,
// wrong types and unknown enum values become unset, unknown keys are ignored.
func parseResponse(raw string) (*parsedResponse, error) {
	candidate := extractJSON(raw)
	if candidate == "" {
		return nil, errNoJSON
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &top); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	fields := normalizeKeys(top)

	p := &parsedResponse{}
	p.Confidence, _ = asConfidence(fields["confidence"])

	if list, ok := asArray(fields["appointments"]); ok {
		for _, item := range list {
			if obj, ok := asObject(item); ok {
				p.Appointments = append(p.Appointments, parseDetails(obj))
			}
		}
	} else if obj, ok := asObject(fields["appointment"]); ok {
		p.Appointments = append(p.Appointments, parseDetails(obj))
	} else if looksLikeFlatAppointment(fields) {
		p.Appointments = append(p.Appointments, parseDetails(fields))
	}

	hasAppt, set := asBool(fields["hasappointment"])
	if !set {
		hasAppt = len(p.Appointments) > 0
	}
	p.HasAppointment = hasAppt && len(p.Appointments) > 0

	p.Issues = asStrings(fields["issues"])
	return p, nil
}

var detailKeys = []string{"customername", "customerphone", "servicetype", "serviceaddress", "jobdescription"}

func looksLikeFlatAppointment(fields map[string]json.RawMessage) bool {
	for _, k := range detailKeys {
		if s := asString(fields[k]); s != "" {
			return true
		}
	}
	return false
}

func parseDetails(obj map[string]json.RawMessage) types.AppointmentDetails {
	addrConf, _ := asConfidence(obj["addressconfidence"])
	return types.AppointmentDetails{
		CustomerName:      asString(obj["customername"]),
		CustomerPhone:     asString(obj["customerphone"]),
		CustomerEmail:     asString(obj["customeremail"]),
		ServiceType:       strings.ToLower(asString(obj["servicetype"])),
		JobDescription:    asString(obj["jobdescription"]),
		Urgency:           types.ParseUrgency(asString(obj["urgency"])),
		PreferredDate:     asString(obj["preferreddate"]),
		PreferredTime:     asString(obj["preferredtime"]),
		TimeFlexibility:   types.ParseFlexibility(asString(obj["timeflexibility"])),
		ServiceAddress:    asString(obj["serviceaddress"]),
		AddressConfidence: addrConf,
		QuotedPrice:       asPrice(obj["quotedprice"]),
		BudgetMentioned:   asPrice(obj["budgetmentioned"]),
		Notes:             asString(obj["notes"]),
	}
}

// normalizeKeys folds snake_case and camelCase keys onto one spelling.
func normalizeKeys(in map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(in))
	for k, v := range in {
		nk := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(k))
		if _, dup := out[nk]; !dup {
			out[nk] = v
		}
	}
	return out
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return normalizeKeys(obj), true
}

func asArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	return list, true
}

func asString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		switch strings.ToLower(s) {
		case "null", "none", "n/a", "unknown":
			return ""
		}
		return s
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func asStrings(raw json.RawMessage) []string {
	if list, ok := asArray(raw); ok {
		var out []string
		for _, item := range list {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	if s := asString(raw); s != "" {
		return []string{s}
	}
	return nil
}

func asBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 {
		return false, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, false
	}
	switch t := v.(type) {
	case bool:
		return t, true
	case float64:
		return t != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0":
			return false, true
		}
	}
	return false, false
}

func asFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return t, true
	case string:
		return parseNumber(t)
	}
	return 0, false
}

// parseNumber accepts "150", "$1,200.50", "85%" (as 0.85) and "200 USD".
func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	s = strings.NewReplacer("$", "", ",", "", "%", "", "USD", "", "usd", "").Replace(s)
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	if percent {
		f /= 100
	}
	return f, true
}

func asConfidence(raw json.RawMessage) (float64, bool) {
	f, ok := asFloat(raw)
	if !ok {
		return 0, false
	}
	return clamp(f, 0, 1), true
}

func asPrice(raw json.RawMessage) *float64 {
	f, ok := asFloat(raw)
	if !ok || f < 0 {
		return nil
	}
	return &f
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first and ignores braces inside string literals.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```JSON", "```"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
