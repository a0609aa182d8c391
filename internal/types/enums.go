package types

import (
	"fmt"
	"strconv"
	"strings"
)

// CallStatus is the lifecycle state of a CallRecord.
type CallStatus string

const (
	StatusPending               CallStatus = "PENDING"
	StatusProcessing            CallStatus = "PROCESSING"
	StatusCompleted             CallStatus = "COMPLETED"
	StatusCompletedWithWarnings CallStatus = "COMPLETED_WITH_WARNINGS"
	StatusNoAppointmentDetected CallStatus = "NO_APPOINTMENT_DETECTED"
	StatusRequiresReview        CallStatus = "REQUIRES_REVIEW"
	StatusInterrupted           CallStatus = "INTERRUPTED"
	StatusFailed                CallStatus = "FAILED"
)

// Terminal reports whether no pipeline transition leaves the status.
func (s CallStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusNoAppointmentDetected,
		StatusRequiresReview, StatusFailed:
		return true
	}
	return false
}

// CanTransition validates a move in the call state machine. resumeCount is
// the number of times the call already left INTERRUPTED.
func CanTransition(from, to CallStatus, resumeCount int) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to.Terminal() || to == StatusInterrupted
	case StatusInterrupted:
		return to == StatusProcessing && resumeCount == 0
	}
	return false
}

// Urgency of the requested service. The zero value is unset.
type Urgency string

const (
	UrgencyEmergency Urgency = "emergency"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyNormal    Urgency = "normal"
	UrgencyRoutine   Urgency = "routine"
)

// ParseUrgency maps free text onto an Urgency, returning "" when unrecognized.
func ParseUrgency(s string) Urgency {
	switch Urgency(normalizeEnum(s)) {
	case UrgencyEmergency:
		return UrgencyEmergency
	case UrgencyUrgent:
		return UrgencyUrgent
	case UrgencyNormal:
		return UrgencyNormal
	case UrgencyRoutine:
		return UrgencyRoutine
	}
	return ""
}

// Flexibility of the preferred time window. The zero value is unset.
type Flexibility string

const (
	FlexibilityStrict   Flexibility = "strict"
	FlexibilityFlexible Flexibility = "flexible"
	FlexibilityAnyTime  Flexibility = "any_time"
)

func ParseFlexibility(s string) Flexibility {
	switch normalizeEnum(s) {
	case "strict":
		return FlexibilityStrict
	case "flexible":
		return FlexibilityFlexible
	case "any_time", "anytime":
		return FlexibilityAnyTime
	}
	return ""
}

// FeedbackType is the correction category of a FeedbackRecord.
type FeedbackType string

const (
	FeedbackCustomerName         FeedbackType = "customer_name"
	FeedbackCustomerPhone        FeedbackType = "customer_phone"
	FeedbackCustomerEmail        FeedbackType = "customer_email"
	FeedbackServiceType          FeedbackType = "service_type"
	FeedbackServiceAddress       FeedbackType = "service_address"
	FeedbackAppointmentDate      FeedbackType = "appointment_date"
	FeedbackAppointmentTime      FeedbackType = "appointment_time"
	FeedbackUrgency              FeedbackType = "urgency"
	FeedbackJobDescription       FeedbackType = "job_description"
	FeedbackPricing              FeedbackType = "pricing"
	FeedbackAppointmentExists    FeedbackType = "appointment_exists"
	FeedbackNoAppointment        FeedbackType = "no_appointment"
	FeedbackMultipleAppointments FeedbackType = "multiple_appointments"
	FeedbackGeneral              FeedbackType = "general"
	FeedbackManualOverride       FeedbackType = "manual_override"
)

// FeedbackTypes lists the categories a reviewer may submit.
var FeedbackTypes = []FeedbackType{
	FeedbackCustomerName, FeedbackCustomerPhone, FeedbackCustomerEmail,
	FeedbackServiceType, FeedbackServiceAddress, FeedbackAppointmentDate,
	FeedbackAppointmentTime, FeedbackUrgency, FeedbackJobDescription,
	FeedbackPricing, FeedbackAppointmentExists, FeedbackNoAppointment,
	FeedbackMultipleAppointments, FeedbackGeneral,
}

func ParseFeedbackType(s string) (FeedbackType, error) {
	v := FeedbackType(normalizeEnum(s))
	for _, t := range FeedbackTypes {
		if t == v {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown feedback type %q", s)
}

// Rating is a 1-5 reviewer score.
type Rating int

const (
	RatingVeryPoor  Rating = 1
	RatingPoor      Rating = 2
	RatingFair      Rating = 3
	RatingGood      Rating = 4
	RatingExcellent Rating = 5
)

var ratingNames = map[Rating]string{
	RatingVeryPoor:  "very_poor",
	RatingPoor:      "poor",
	RatingFair:      "fair",
	RatingGood:      "good",
	RatingExcellent: "excellent",
}

func (r Rating) Valid() bool {
	_, ok := ratingNames[r]
	return ok
}

func (r Rating) String() string {
	if name, ok := ratingNames[r]; ok {
		return name
	}
	return "rating(" + strconv.Itoa(int(r)) + ")"
}

// ParseRating accepts either the number or the name.
func ParseRating(s string) (Rating, error) {
	v := normalizeEnum(s)
	if n, err := strconv.Atoi(v); err == nil {
		if r := Rating(n); r.Valid() {
			return r, nil
		}
		return 0, fmt.Errorf("rating %d out of range", n)
	}
	for r, name := range ratingNames {
		if name == v {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown rating %q", s)
}

func normalizeEnum(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}
