package extractor

import (
	"testing"

	"voice-jobs-go/internal/types"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"prose around", `Sure! Here you go: {"a":{"b":2}} hope that helps`, `{"a":{"b":2}}`},
		{"brace in string", `{"note":"use } carefully","a":1}`, `{"note":"use } carefully","a":1}`},
		{"escaped quote", `{"note":"say \"}\" now"}`, `{"note":"say \"}\" now"}`},
		{"no object", `I could not find anything`, ``},
		{"unbalanced", `{"a":1`, ``},
		{"empty", ``, ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSON(tc.in); got != tc.want {
				t.Fatalf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseResponseWellFormed(t *testing.T) {
	raw := `{
	  "has_appointment": true,
	  "confidence": 0.92,
	  "appointments": [{
	    "customer_name": "Ana Ruiz",
	    "customer_phone": "555-123-4567",
	    "service_type": "Plumbing",
	    "urgency": "urgent",
	    "time_flexibility": "any_time",
	    "service_address": "9 Elm Rd",
	    "address_confidence": 0.7,
	    "quoted_price": 150
	  }],
	  "issues": ["caller unsure of date"]
	}`
	p, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if !p.HasAppointment || p.Confidence != 0.92 || len(p.Appointments) != 1 {
		t.Fatalf("unexpected parse: %+v", p)
	}
	a := p.Appointments[0]
	if a.ServiceType != "plumbing" || a.Urgency != types.UrgencyUrgent || a.TimeFlexibility != types.FlexibilityAnyTime {
		t.Fatalf("unexpected details: %+v", a)
	}
	if a.QuotedPrice == nil || *a.QuotedPrice != 150 {
		t.Fatalf("quoted price not decoded: %v", a.QuotedPrice)
	}
	if len(p.Issues) != 1 || p.Issues[0] != "caller unsure of date" {
		t.Fatalf("issues not decoded: %v", p.Issues)
	}
}

func TestParseResponseLenientCoercion(t *testing.T) {
	raw := `{
	  "hasAppointment": "yes",
	  "confidence": "1.7",
	  "appointments": [{
	    "customerName": 42,
	    "service_type": ["not", "a", "string"],
	    "urgency": "whenever you can",
	    "time_flexibility": "ANY TIME",
	    "address_confidence": -3,
	    "quoted_price": "$1,250.50",
	    "budget_mentioned": "a few hundred",
	    "unknown_field": {"deep": true}
	  }, "garbage", 7],
	  "issues": "single issue string",
	  "extra": [1,2,3]
	}`
	p, err := parseResponse(raw)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if !p.HasAppointment {
		t.Fatal("yes should coerce to true")
	}
	if p.Confidence != 1 {
		t.Fatalf("confidence should clamp to 1, got %v", p.Confidence)
	}
	if len(p.Appointments) != 1 {
		t.Fatalf("non-object entries should be skipped, got %d", len(p.Appointments))
	}
	a := p.Appointments[0]
	if a.CustomerName != "42" {
		t.Fatalf("number name should stringify, got %q", a.CustomerName)
	}
	if a.ServiceType != "" {
		t.Fatalf("array service type should be unset, got %q", a.ServiceType)
	}
	if a.Urgency != "" {
		t.Fatalf("malformed urgency should be unset, got %q", a.Urgency)
	}
	if a.TimeFlexibility != types.FlexibilityAnyTime {
		t.Fatalf("flexibility should normalize, got %q", a.TimeFlexibility)
	}
	if a.AddressConfidence != 0 {
		t.Fatalf("address confidence should clamp to 0, got %v", a.AddressConfidence)
	}
	if a.QuotedPrice == nil || *a.QuotedPrice != 1250.5 {
		t.Fatalf("price string should parse, got %v", a.QuotedPrice)
	}
	if a.BudgetMentioned != nil {
		t.Fatalf("unparseable budget should be unset, got %v", *a.BudgetMentioned)
	}
	if len(p.Issues) != 1 {
		t.Fatalf("single issue string should become a list, got %v", p.Issues)
	}
}

func TestParseResponseFlatAppointment(t *testing.T) {
	p, err := parseResponse(`{"confidence": "85%", "customer_name": "Lee", "service_type": "hvac"}`)
	if err != nil {
		t.Fatalf("parseResponse: %v", err)
	}
	if !p.HasAppointment || len(p.Appointments) != 1 {
		t.Fatalf("flat appointment should be accepted: %+v", p)
	}
	if p.Confidence != 0.85 {
		t.Fatalf("percent confidence should be 0.85, got %v", p.Confidence)
	}
	if p.Appointments[0].ServiceType != "hvac" {
		t.Fatalf("unexpected service %q", p.Appointments[0].ServiceType)
	}
}

func TestParseResponseHasAppointmentInference(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"missing flag with entries", `{"appointments":[{"service_type":"roofing"}]}`, true},
		{"missing flag no entries", `{"appointments":[]}`, false},
		{"explicit false wins", `{"has_appointment":false,"appointments":[{"service_type":"roofing"}]}`, false},
		{"true without entries", `{"has_appointment":true,"appointments":[]}`, false},
		{"malformed flag", `{"has_appointment":"maybe","appointments":[{"service_type":"roofing"}]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := parseResponse(tc.raw)
			if err != nil {
				t.Fatalf("parseResponse: %v", err)
			}
			if p.HasAppointment != tc.want {
				t.Fatalf("HasAppointment = %v, want %v", p.HasAppointment, tc.want)
			}
		})
	}
}

func TestParseResponseRejectsNonJSON(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"a": }`, "[1,2,3]"} {
		if _, err := parseResponse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
