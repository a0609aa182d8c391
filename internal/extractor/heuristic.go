package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"voice-jobs-go/internal/completion"
)

// HeuristicCompleter answers extraction prompts offline with keyword and
// pattern matching. It backs USE_MOCK_LLM and local demos.
type HeuristicCompleter struct{}

var _ completion.Completer = HeuristicCompleter{}

var (
	nameRe    = regexp.MustCompile(`\b(?i:this is|my name is|name's)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	phoneRe   = regexp.MustCompile(`(?:\+?1[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}`)
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	addressRe = regexp.MustCompile(`\b\d{1,6}\s+(?:[A-Z][a-z]*\.?\s+){1,4}(?:St|Street|Ave|Avenue|Rd|Road|Blvd|Boulevard|Dr|Drive|Ln|Lane|Way|Ct|Court|Pl|Place|Ter|Terrace)\b\.?`)
	timeRe    = regexp.MustCompile(`(?i)\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	clauseRe  = regexp.MustCompile(`[.,;!?]+`)
)

type serviceKeyword struct {
	word    string
	service string
}

// Checked in order; the first keyword per service wins.
var serviceKeywords = []serviceKeyword{
	{"leak", "plumbing"}, {"sink", "plumbing"}, {"pipe", "plumbing"}, {"toilet", "plumbing"},
	{"drain", "plumbing"}, {"faucet", "plumbing"}, {"water heater", "plumbing"},
	{"outlet", "electrical"}, {"wiring", "electrical"}, {"breaker", "electrical"},
	{"light switch", "electrical"}, {"sparking", "electrical"},
	{"furnace", "hvac"}, {"air condition", "hvac"}, {"a/c", "hvac"}, {"thermostat", "hvac"}, {"no heat", "hvac"},
	{"roof", "roofing"}, {"shingle", "roofing"}, {"gutter", "roofing"},
	{"dishwasher", "appliance_repair"}, {"washer", "appliance_repair"}, {"dryer", "appliance_repair"},
	{"fridge", "appliance_repair"}, {"refrigerator", "appliance_repair"},
	{"termite", "pest_control"}, {"roach", "pest_control"}, {"mice", "pest_control"}, {"ants", "pest_control"},
	{"lawn", "landscaping"}, {"hedge", "landscaping"}, {"tree", "landscaping"},
	{"cleaning", "cleaning"}, {"carpet", "cleaning"},
}

var urgencyKeywords = []struct {
	word    string
	urgency string
}{
	{"emergency", "emergency"}, {"flooding", "emergency"}, {"burst", "emergency"}, {"gas smell", "emergency"},
	{"asap", "urgent"}, {"urgent", "urgent"}, {"right away", "urgent"}, {"today", "urgent"},
	{"whenever", "routine"}, {"no rush", "routine"},
}

var dateWords = []string{"today", "tomorrow", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

var requestPhrases = []string{"come out", "come by", "can someone come", "send someone", "schedule", "appointment", "book"}

type heuristicAppointment struct {
	CustomerName    string  `json:"customer_name"`
	CustomerPhone   string  `json:"customer_phone"`
	CustomerEmail   string  `json:"customer_email"`
	ServiceType     string  `json:"service_type"`
	JobDescription  string  `json:"job_description"`
	Urgency         string  `json:"urgency"`
	PreferredDate   string  `json:"preferred_date"`
	PreferredTime   string  `json:"preferred_time"`
	TimeFlexibility string  `json:"time_flexibility"`
	ServiceAddress  string  `json:"service_address"`
	AddressConf     float64 `json:"address_confidence"`
}

type heuristicResponse struct {
	HasAppointment bool                   `json:"has_appointment"`
	Confidence     float64                `json:"confidence"`
	Appointments   []heuristicAppointment `json:"appointments"`
	Issues         []string               `json:"issues"`
}

func (HeuristicCompleter) Complete(ctx context.Context, req completion.Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := json.Marshal(analyze(transcriptFromPrompt(req.Prompt)))
	if err != nil {
		return "", fmt.Errorf("encode heuristic extraction: %w", err)
	}
	return string(out), nil
}

func analyze(transcript string) heuristicResponse {
	lower := strings.ToLower(transcript)

	base := heuristicAppointment{
		CustomerName:    firstGroup(nameRe, transcript),
		CustomerPhone:   phoneRe.FindString(transcript),
		CustomerEmail:   emailRe.FindString(transcript),
		Urgency:         matchUrgency(lower),
		PreferredDate:   matchDate(lower),
		PreferredTime:   matchTime(transcript),
		ServiceAddress:  strings.TrimSpace(addressRe.FindString(transcript)),
		TimeFlexibility: "flexible",
	}
	if base.PreferredTime != "" {
		base.TimeFlexibility = "strict"
	}
	if base.ServiceAddress != "" {
		base.AddressConf = 0.8
	}

	resp := heuristicResponse{Appointments: []heuristicAppointment{}}
	for _, svc := range matchServices(lower) {
		appt := base
		appt.ServiceType = svc.service
		appt.JobDescription = clauseContaining(transcript, svc.word)
		resp.Appointments = append(resp.Appointments, appt)
	}
	if len(resp.Appointments) == 0 && containsAny(lower, requestPhrases) {
		resp.Appointments = append(resp.Appointments, base)
		resp.Issues = append(resp.Issues, "service requested but trade unclear")
	}
	resp.HasAppointment = len(resp.Appointments) > 0

	conf := 0.4
	if resp.HasAppointment && resp.Appointments[0].ServiceType != "" {
		conf += 0.15
	}
	if base.ServiceAddress != "" {
		conf += 0.15
	}
	if base.CustomerName != "" || base.CustomerPhone != "" {
		conf += 0.1
	}
	if base.PreferredDate != "" || base.PreferredTime != "" {
		conf += 0.1
	}
	if !resp.HasAppointment {
		conf = 0.8
	}
	resp.Confidence = math.Round(conf*100) / 100
	return resp
}

func matchServices(lower string) []serviceKeyword {
	var out []serviceKeyword
	seen := map[string]bool{}
	for _, kw := range serviceKeywords {
		if seen[kw.service] || !hasWordPrefix(lower, kw.word) {
			continue
		}
		seen[kw.service] = true
		out = append(out, kw)
	}
	return out
}

func matchUrgency(lower string) string {
	for _, kw := range urgencyKeywords {
		if hasWordPrefix(lower, kw.word) {
			return kw.urgency
		}
	}
	return "normal"
}

func matchDate(lower string) string {
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool { return r < 'a' || r > 'z' }) {
		for _, d := range dateWords {
			if w == d {
				return strings.ToUpper(d[:1]) + d[1:]
			}
		}
	}
	return ""
}

// matchTime converts "2pm" or "10:30 am" to 24-hour "14:00".
func matchTime(s string) string {
	m := timeRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	hour, _ := strconv.Atoi(m[1])
	if hour < 1 || hour > 12 {
		return ""
	}
	minute := 0
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if strings.EqualFold(m[3], "pm") && hour != 12 {
		hour += 12
	}
	if strings.EqualFold(m[3], "am") && hour == 12 {
		hour = 0
	}
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

func clauseContaining(s, word string) string {
	for _, clause := range clauseRe.Split(s, -1) {
		if strings.Contains(strings.ToLower(clause), word) {
			return strings.TrimSpace(clause)
		}
	}
	return ""
}

func firstGroup(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return ""
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if hasWordPrefix(s, w) {
			return true
		}
	}
	return false
}

// hasWordPrefix reports whether w occurs in s at the start of a word, so
// "leak" matches "leaking" but "tree" does not match "street".
func hasWordPrefix(s, w string) bool {
	for i := 0; i < len(s); {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		j += i
		if j == 0 || !isWordByte(s[j-1]) {
			return true
		}
		i = j + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
