package extractor

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	transcriptOpen  = "<<<TRANSCRIPT"
	transcriptClose = "TRANSCRIPT>>>"
)

// SystemPrompt frames the completion service as a field extractor.
const SystemPrompt = `You extract service appointment requests from phone call transcripts for a home-services business.
Return only JSON. Never invent details that are not in the transcript.`

// Schema is the extraction contract with the completion service.
var Schema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "has_appointment": {"type": "boolean"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "appointments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "customer_name": {"type": "string"},
          "customer_phone": {"type": "string"},
          "customer_email": {"type": "string"},
          "service_type": {"type": "string"},
          "job_description": {"type": "string"},
          "urgency": {"type": "string", "enum": ["emergency", "urgent", "normal", "routine"]},
          "preferred_date": {"type": "string"},
          "preferred_time": {"type": "string"},
          "time_flexibility": {"type": "string", "enum": ["strict", "flexible", "any_time"]},
          "service_address": {"type": "string"},
          "address_confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "quoted_price": {"type": ["number", "null"]},
          "budget_mentioned": {"type": ["number", "null"]},
          "notes": {"type": "string"}
        }
      }
    },
    "issues": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["has_appointment", "confidence", "appointments"]
}`)

// BuildPrompt embeds the transcript between fixed markers.
func BuildPrompt(transcript string) string {
	prompt := `Read the call transcript below and report every service appointment the caller asks for.

RULES:
1. One entry in "appointments" per distinct job the caller wants scheduled. Do not merge separate jobs.
2. has_appointment is false when the caller does not ask for service (wrong numbers, sales calls, questions only).
3. service_type is a short lowercase trade name such as "plumbing", "electrical", "hvac", "roofing",
   "appliance_repair", "pest_control", "landscaping", "cleaning", "handyman".
4. Leave a field empty (or null for prices) when the transcript does not state it.
5. confidence is your probability, between 0 and 1, that the extracted fields are correct.
6. address_confidence is your probability that service_address is complete and correct.
7. Put anything ambiguous or contradictory into "issues" as a short sentence.
8. Do not wrap the JSON in backticks and do not add commentary.

%s
%s
%s
`
	return fmt.Sprintf(prompt, transcriptOpen, strings.TrimSpace(transcript), transcriptClose)
}

// transcriptFromPrompt recovers the transcript embedded by BuildPrompt.
func transcriptFromPrompt(prompt string) string {
	start := strings.Index(prompt, transcriptOpen)
	end := strings.LastIndex(prompt, transcriptClose)
	if start == -1 || end == -1 || end < start {
		return prompt
	}
	return strings.TrimSpace(prompt[start+len(transcriptOpen) : end])
}
