package feedback

import (
	"fmt"
	"strconv"
	"strings"

	"voice-jobs-go/internal/extractor"
	"voice-jobs-go/internal/types"
)

// currentValue renders the field a feedback type targets, for the record's original_value.
func currentValue(a *types.ExtractedAppointment, t types.FeedbackType) string {
	switch t {
	case types.FeedbackCustomerName:
		return a.CustomerName
	case types.FeedbackCustomerPhone:
		return a.CustomerPhone
	case types.FeedbackCustomerEmail:
		return a.CustomerEmail
	case types.FeedbackServiceType:
		return a.ServiceType
	case types.FeedbackServiceAddress:
		return a.ServiceAddress
	case types.FeedbackAppointmentDate:
		return a.PreferredDate
	case types.FeedbackAppointmentTime:
		return a.PreferredTime
	case types.FeedbackUrgency:
		return string(a.Urgency)
	case types.FeedbackJobDescription:
		return a.JobDescription
	case types.FeedbackPricing:
		if a.QuotedPrice == nil {
			return ""
		}
		return strconv.FormatFloat(*a.QuotedPrice, 'f', -1, 64)
	case types.FeedbackAppointmentExists, types.FeedbackNoAppointment:
		return strconv.FormatBool(a.HasAppointment)
	case types.FeedbackMultipleAppointments:
		return strconv.FormatBool(a.MultipleAppointments)
	}
	return ""
}

// applyCorrection writes value into the field t targets.
func applyCorrection(a *types.ExtractedAppointment, t types.FeedbackType, value string) error {
	value = strings.TrimSpace(value)
	switch t {
	case types.FeedbackCustomerName:
		a.CustomerName = value
	case types.FeedbackCustomerPhone:
		a.CustomerPhone = value
	case types.FeedbackCustomerEmail:
		a.CustomerEmail = strings.ToLower(value)
	case types.FeedbackServiceType:
		a.ServiceType = strings.ToLower(value)
	case types.FeedbackServiceAddress:
		a.ServiceAddress = value
		if value != "" {
			a.AddressConfidence = 1
		}
	case types.FeedbackAppointmentDate:
		a.PreferredDate = value
	case types.FeedbackAppointmentTime:
		a.PreferredTime = value
	case types.FeedbackUrgency:
		u := types.ParseUrgency(value)
		if u == "" && value != "" {
			return fmt.Errorf("%w: unknown urgency %q", ErrInvalidFeedback, value)
		}
		a.Urgency = u
	case types.FeedbackJobDescription:
		a.JobDescription = value
	case types.FeedbackPricing:
		p, err := parsePrice(value)
		if err != nil {
			return err
		}
		a.QuotedPrice = p
	case types.FeedbackAppointmentExists:
		v, err := parseFlag(value, true)
		if err != nil {
			return err
		}
		a.HasAppointment = v
	case types.FeedbackNoAppointment:
		v, err := parseFlag(value, true)
		if err != nil {
			return err
		}
		a.HasAppointment = !v
	case types.FeedbackMultipleAppointments:
		v, err := parseFlag(value, true)
		if err != nil {
			return err
		}
		a.MultipleAppointments = v
	case types.FeedbackGeneral:
	default:
		return fmt.Errorf("%w: feedback type %q takes no correction", ErrInvalidFeedback, t)
	}
	refreshIssues(a)
	return nil
}

// refreshIssues drops gate issues a correction has fixed.
func refreshIssues(a *types.ExtractedAppointment) {
	resolved := map[string]bool{
		extractor.IssueMissingService: a.ServiceType != "",
		extractor.IssueMissingAddress: a.ServiceAddress != "",
		extractor.IssueMissingContact: a.CustomerName != "" || a.CustomerPhone != "",
		extractor.IssueNoAppointment:  a.HasAppointment,
	}
	kept := a.Issues[:0]
	for _, issue := range a.Issues {
		if !resolved[issue] {
			kept = append(kept, issue)
		}
	}
	if len(kept) == 0 {
		kept = nil
	}
	a.Issues = kept
	a.HasIssues = len(kept) > 0
}

func parsePrice(value string) (*float64, error) {
	if value == "" {
		return nil, nil
	}
	clean := strings.NewReplacer("$", "", ",", "", "USD", "", "usd", "", " ", "").Replace(value)
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil || f < 0 {
		return nil, fmt.Errorf("%w: invalid price %q", ErrInvalidFeedback, value)
	}
	return &f, nil
}

func parseFlag(value string, empty bool) (bool, error) {
	switch strings.ToLower(value) {
	case "":
		return empty, nil
	case "true", "yes", "y", "1":
		return true, nil
	case "false", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: expected yes or no, got %q", ErrInvalidFeedback, value)
}
