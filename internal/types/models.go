package types

import "time"

// --------------------------------------------
// Inbound call, owned by the pipeline
// --------------------------------------------
type CallRecord struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	CallerPhone      string     `json:"caller_phone,omitempty"`
	Transcript       string     `json:"transcript,omitempty"`
	TranscriptRef    string     `json:"transcript_ref,omitempty"`
	RecordingURL     string     `json:"recording_url,omitempty"`
	RecordingSeconds int        `json:"recording_seconds,omitempty"`
	Dropped          bool       `json:"dropped,omitempty"`
	Status           CallStatus `json:"status"`
	ProcessingNotes  string     `json:"processing_notes,omitempty"`
	ResumeCount      int        `json:"resume_count"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
}

// HasUsableRecording reports whether enough audio survived for a partial reprocess.
func (c *CallRecord) HasUsableRecording(minSeconds int) bool {
	return c.RecordingURL != "" && c.RecordingSeconds >= minSeconds
}

// --------------------------------------------
// Extraction produced from one transcript
// --------------------------------------------

// AppointmentDetails is the per-appointment field set the model is asked for.
type AppointmentDetails struct {
	CustomerName      string      `json:"customer_name,omitempty"`
	CustomerPhone     string      `json:"customer_phone,omitempty"`
	CustomerEmail     string      `json:"customer_email,omitempty"`
	ServiceType       string      `json:"service_type,omitempty"`
	JobDescription    string      `json:"job_description,omitempty"`
	Urgency           Urgency     `json:"urgency,omitempty"`
	PreferredDate     string      `json:"preferred_date,omitempty"`
	PreferredTime     string      `json:"preferred_time,omitempty"`
	TimeFlexibility   Flexibility `json:"time_flexibility,omitempty"`
	ServiceAddress    string      `json:"service_address,omitempty"`
	AddressConfidence float64     `json:"address_confidence"`
	QuotedPrice       *float64    `json:"quoted_price,omitempty"`
	BudgetMentioned   *float64    `json:"budget_mentioned,omitempty"`
	Notes             string      `json:"notes,omitempty"`
}

type ExtractedAppointment struct {
	ID       string `json:"id"`
	CallID   string `json:"call_id"`
	TenantID string `json:"tenant_id"`

	HasAppointment bool `json:"has_appointment"`
	AppointmentDetails

	ConfidenceScore float64  `json:"confidence_score"`
	ModelConfidence float64  `json:"model_confidence"`
	HasIssues       bool     `json:"has_issues"`
	Issues          []string `json:"issues,omitempty"`

	MultipleAppointments bool                 `json:"multiple_appointments"`
	SubAppointments      []AppointmentDetails `json:"sub_appointments,omitempty"`

	CustomerID     string `json:"customer_id,omitempty"`
	RawModelOutput string `json:"raw_model_output,omitempty"`

	IsManualOverride bool   `json:"is_manual_override"`
	OverrideReason   string `json:"override_reason,omitempty"`
	FeedbackCount    int    `json:"feedback_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// --------------------------------------------
// Deduplicated customer, one per tenant phone/email
// --------------------------------------------
type Customer struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Email         string    `json:"email,omitempty"`
	Address       string    `json:"address,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	TotalJobs     int       `json:"total_jobs"`
	TotalSpend    float64   `json:"total_spend"`
	LastContactAt time.Time `json:"last_contact_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type MatchedBy string

const (
	MatchedByPhone MatchedBy = "phone"
	MatchedByEmail MatchedBy = "email"
	MatchedByName  MatchedBy = "name"
	MatchedByNone  MatchedBy = "none"
)

// --------------------------------------------
// Human correction events (append-only)
// --------------------------------------------
type FeedbackRecord struct {
	ID                 string       `json:"id"`
	CallID             string       `json:"call_id"`
	ExtractionID       string       `json:"extraction_id"`
	Type               FeedbackType `json:"type"`
	OriginalValue      string       `json:"original_value,omitempty"`
	CorrectedValue     *string      `json:"corrected_value,omitempty"`
	Rating             Rating       `json:"rating"`
	ConfidenceDelta    float64      `json:"confidence_delta"`
	ConfidenceBefore   float64      `json:"confidence_before"`
	ConfidenceAfter    float64      `json:"confidence_after"`
	IsManualOverride   bool         `json:"is_manual_override"`
	IsModelImprovement bool         `json:"is_model_improvement"`
	Comment            string       `json:"comment,omitempty"`
	SubmittedBy        string       `json:"submitted_by,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
}

// ModelImprovement is a queued signal for prompt tuning or retraining.
type ModelImprovement struct {
	ID             string       `json:"id"`
	FeedbackID     string       `json:"feedback_id"`
	CallID         string       `json:"call_id"`
	Type           FeedbackType `json:"type"`
	Rating         Rating       `json:"rating"`
	OriginalValue  string       `json:"original_value,omitempty"`
	CorrectedValue string       `json:"corrected_value,omitempty"`
	RawModelOutput string       `json:"raw_model_output,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	ProcessedAt    *time.Time   `json:"processed_at,omitempty"`
}

// FeedbackChange is one feedback event as written: the edited extraction, its
// record and the optional improvement signal.
type FeedbackChange struct {
	Appointment *ExtractedAppointment
	Record      *FeedbackRecord
	Improvement *ModelImprovement
}

// --------------------------------------------
// Job created by the auto-creation gate
// --------------------------------------------
type Job struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	CallID        string    `json:"call_id"`
	ExtractionID  string    `json:"extraction_id"`
	CustomerID    string    `json:"customer_id,omitempty"`
	ServiceType   string    `json:"service_type"`
	Description   string    `json:"description,omitempty"`
	Urgency       Urgency   `json:"urgency,omitempty"`
	ScheduledDate string    `json:"scheduled_date,omitempty"`
	ScheduledTime string    `json:"scheduled_time,omitempty"`
	Address       string    `json:"address,omitempty"`
	QuotedPrice   *float64  `json:"quoted_price,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

const JobStatusScheduled = "scheduled"

// JobFromExtraction copies the scheduling fields of an appointment into a new job.
func JobFromExtraction(appt *ExtractedAppointment) *Job {
	return &Job{
		TenantID:      appt.TenantID,
		CallID:        appt.CallID,
		ExtractionID:  appt.ID,
		CustomerID:    appt.CustomerID,
		ServiceType:   appt.ServiceType,
		Description:   appt.JobDescription,
		Urgency:       appt.Urgency,
		ScheduledDate: appt.PreferredDate,
		ScheduledTime: appt.PreferredTime,
		Address:       appt.ServiceAddress,
		QuotedPrice:   appt.QuotedPrice,
		Status:        JobStatusScheduled,
	}
}
