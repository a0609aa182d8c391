package notify

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"voice-jobs-go/internal/logger"
)

// LogSink writes events as structured log lines. Operator alerts log at error level.
type LogSink struct {
	log *logger.Logger
}

func NewLogSink(log *logger.Logger) *LogSink {
	return &LogSink{log: log.Component("events")}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	fields := logrus.Fields{
		"event":     ev.Type,
		"call_id":   ev.CallID,
		"tenant_id": ev.TenantID,
	}
	for k, v := range ev.Payload {
		fields["p_"+k] = v
	}
	entry := s.log.WithFields(fields)
	switch {
	case ev.Type == EventOperatorAlert:
		entry.Error("operator alert")
	case strings.HasPrefix(ev.Type, EventProcessingErrorPrefix):
		entry.Info("processing error transition")
	default:
		entry.Info("event")
	}
	return nil
}
