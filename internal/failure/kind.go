package failure

// Kind classifies where and how a call's processing went wrong.
type Kind string

const (
	KindAudioQuality         Kind = "audio_quality"
	KindNoAppointment        Kind = "no_appointment"
	KindTranscriptionFailed  Kind = "transcription_failed"
	KindExtractionFailed     Kind = "extraction_failed"
	KindCallDropped          Kind = "call_dropped"
	KindAPIError             Kind = "api_error"
	KindProcessingTimeout    Kind = "processing_timeout"
	KindMultipleAppointments Kind = "multiple_appointments"
	KindInsufficientData     Kind = "insufficient_data"
)

// Kinds lists the full taxonomy in declaration order.
var Kinds = []Kind{
	KindAudioQuality, KindNoAppointment, KindTranscriptionFailed,
	KindExtractionFailed, KindCallDropped, KindAPIError,
	KindProcessingTimeout, KindMultipleAppointments, KindInsufficientData,
}

// IsFailure is false for classifications that are valid outcomes rather than faults.
func (k Kind) IsFailure() bool {
	return k != KindNoAppointment && k != KindInsufficientData
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alerts reports whether a terminal error of this severity pages the operator.
func (s Severity) Alerts() bool {
	return s == SeverityHigh || s == SeverityCritical
}

// Policy is the default handling for one kind.
type Policy struct {
	Severity   Severity
	MaxRetries int
}

func defaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindAudioQuality:         {Severity: SeverityMedium, MaxRetries: 0},
		KindNoAppointment:        {Severity: SeverityLow, MaxRetries: 0},
		KindTranscriptionFailed:  {Severity: SeverityHigh, MaxRetries: 3},
		KindExtractionFailed:     {Severity: SeverityHigh, MaxRetries: 2},
		KindCallDropped:          {Severity: SeverityHigh, MaxRetries: 2},
		KindAPIError:             {Severity: SeverityHigh, MaxRetries: 3},
		KindProcessingTimeout:    {Severity: SeverityHigh, MaxRetries: 2},
		KindMultipleAppointments: {Severity: SeverityMedium, MaxRetries: 0},
		KindInsufficientData:     {Severity: SeverityLow, MaxRetries: 0},
	}
}

// Policies resolves the handling for each kind.
type Policies struct {
	byKind map[Kind]Policy
}

// NewPolicies starts from the default table and applies retry budget overrides
// keyed by kind name. Unknown names are ignored.
func NewPolicies(maxRetries map[string]int) Policies {
	p := Policies{byKind: defaultPolicies()}
	for name, n := range maxRetries {
		k := Kind(name)
		pol, ok := p.byKind[k]
		if !ok || n < 0 {
			continue
		}
		pol.MaxRetries = n
		p.byKind[k] = pol
	}
	return p
}

func (p Policies) For(k Kind) Policy {
	if p.byKind == nil {
		p.byKind = defaultPolicies()
	}
	if pol, ok := p.byKind[k]; ok {
		return pol
	}
	return Policy{Severity: SeverityHigh}
}
