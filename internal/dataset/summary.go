package dataset

import (
	"sort"

	"voice-jobs-go/internal/types"
)

type TenantCount struct {
	TenantID string `json:"tenant_id"`
	Calls    int    `json:"calls"`
}

// Summary describes a loaded batch before it is imported.
type Summary struct {
	TotalCalls       int           `json:"total_calls"`
	WithTranscript   int           `json:"with_transcript"`
	WithRecording    int           `json:"with_recording"`
	Dropped          int           `json:"dropped"`
	RecordingSeconds int           `json:"recording_seconds"`
	ByTenant         []TenantCount `json:"by_tenant"`
}

// Summarize counts the batch, with tenants ordered by call count then id.
func Summarize(calls []*types.CallRecord) Summary {
	s := Summary{TotalCalls: len(calls)}
	byTenant := map[string]int{}
	for _, c := range calls {
		if c.Transcript != "" {
			s.WithTranscript++
		}
		if c.RecordingURL != "" {
			s.WithRecording++
		}
		if c.Dropped {
			s.Dropped++
		}
		s.RecordingSeconds += c.RecordingSeconds
		byTenant[c.TenantID]++
	}
	for id, n := range byTenant {
		s.ByTenant = append(s.ByTenant, TenantCount{TenantID: id, Calls: n})
	}
	sort.Slice(s.ByTenant, func(i, j int) bool {
		if s.ByTenant[i].Calls != s.ByTenant[j].Calls {
			return s.ByTenant[i].Calls > s.ByTenant[j].Calls
		}
		return s.ByTenant[i].TenantID < s.ByTenant[j].TenantID
	})
	return s
}
