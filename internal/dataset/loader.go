// Package dataset imports calls from spreadsheet exports.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"

	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/types"
)

// ErrNoCallColumns means the header has neither a transcript nor a recording column.
var ErrNoCallColumns = errors.New("sheet has no transcript or recording column")

type Options struct {
	// Sheet defaults to the first sheet of the workbook.
	Sheet string
	// TenantID is used for rows without a tenant column value.
	TenantID string
}

// Skipped is a data row that did not become a call. Row is 1-based as shown
// in a spreadsheet.
type Skipped struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

type Report struct {
	Rows    int       `json:"rows"`
	Calls   int       `json:"calls"`
	Skipped []Skipped `json:"skipped,omitempty"`
}

type columns struct {
	id, tenant, phone, transcript, recording, seconds, dropped int
}

// detectColumns maps header names onto call fields. The more specific
// patterns are checked first, and the first matching column wins.
func detectColumns(header []string) columns {
	c := columns{-1, -1, -1, -1, -1, -1, -1}
	set := func(dst *int, i int) {
		if *dst == -1 {
			*dst = i
		}
	}
	for i, h := range header {
		l := strings.ToLower(strings.TrimSpace(h))
		switch {
		case l == "":
		case strings.Contains(l, "transcript") || l == "text":
			set(&c.transcript, i)
		case strings.Contains(l, "duration") || strings.Contains(l, "second") || strings.Contains(l, "length"):
			set(&c.seconds, i)
		case strings.Contains(l, "audio") || strings.Contains(l, "record") || strings.Contains(l, "url") || strings.Contains(l, "link"):
			set(&c.recording, i)
		case strings.Contains(l, "dropped") || strings.Contains(l, "disconnect") || strings.Contains(l, "abandon"):
			set(&c.dropped, i)
		case strings.Contains(l, "tenant") || strings.Contains(l, "account") || strings.Contains(l, "company"):
			set(&c.tenant, i)
		case strings.Contains(l, "phone") || strings.Contains(l, "caller") || strings.Contains(l, "from") || l == "ani":
			set(&c.phone, i)
		case strings.Contains(l, "call id") || strings.Contains(l, "callid") || strings.Contains(l, "call_id") || l == "id":
			set(&c.id, i)
		}
	}
	return c
}

// Load reads calls from the xlsx file at path.
func Load(path string, opts Options) ([]*types.CallRecord, Report, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, Report{}, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	return load(f, opts)
}

// LoadReader reads calls from an xlsx stream, such as an upload.
func LoadReader(r io.Reader, opts Options) ([]*types.CallRecord, Report, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, Report{}, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()
	return load(f, opts)
}

func load(f *excelize.File, opts Options) ([]*types.CallRecord, Report, error) {
	sheet := opts.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, Report{}, errors.New("no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, Report{}, fmt.Errorf("read rows: %w", err)
	}
	if len(rows) <= 1 {
		return nil, Report{}, errors.New("no data rows")
	}
	cols := detectColumns(rows[0])
	if cols.transcript == -1 && cols.recording == -1 {
		return nil, Report{}, ErrNoCallColumns
	}

	var (
		out  []*types.CallRecord
		rep  = Report{Rows: len(rows) - 1}
		seen = map[string]bool{}
	)
	for i, r := range rows[1:] {
		rowNum := i + 2
		cell := func(idx int) string {
			if idx < 0 || idx >= len(r) {
				return ""
			}
			return strings.TrimSpace(r[idx])
		}

		c := &types.CallRecord{
			ID:          cell(cols.id),
			TenantID:    cell(cols.tenant),
			CallerPhone: cell(cols.phone),
			Transcript:  cell(cols.transcript),
			Dropped:     parseFlag(cell(cols.dropped)),
		}
		if c.TenantID == "" {
			c.TenantID = opts.TenantID
		}
		if u := cell(cols.recording); u != "" {
			lower := strings.ToLower(u)
			if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
				c.RecordingURL = u
			}
		}
		if s := cell(cols.seconds); s != "" {
			secs, err := parseSeconds(s)
			if err != nil {
				rep.Skipped = append(rep.Skipped, Skipped{Row: rowNum, Reason: err.Error()})
				continue
			}
			c.RecordingSeconds = secs
		}

		switch {
		case c.Transcript == "" && c.RecordingURL == "":
			rep.Skipped = append(rep.Skipped, Skipped{Row: rowNum, Reason: "no transcript or recording url"})
			continue
		case c.TenantID == "":
			rep.Skipped = append(rep.Skipped, Skipped{Row: rowNum, Reason: "no tenant"})
			continue
		case c.ID != "" && seen[c.ID]:
			rep.Skipped = append(rep.Skipped, Skipped{Row: rowNum, Reason: "duplicate call id " + c.ID})
			continue
		}
		if c.ID != "" {
			seen[c.ID] = true
		}
		out = append(out, c)
	}
	rep.Calls = len(out)
	return out, rep, nil
}

// parseSeconds accepts plain seconds ("42", "42.5") and clock durations ("1:30", "0:01:30").
func parseSeconds(s string) (int, error) {
	if strings.Contains(s, ":") {
		total := 0
		for _, part := range strings.Split(s, ":") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || n < 0 {
				return 0, fmt.Errorf("bad recording duration %q", s)
			}
			total = total*60 + n
		}
		return total, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("bad recording seconds %q", s)
	}
	return int(v), nil
}

func parseFlag(s string) bool {
	switch strings.ToLower(s) {
	case "1", "y", "yes", "true", "dropped":
		return true
	}
	return false
}

// CallCreator is the store side of an import.
type CallCreator interface {
	CreateCall(ctx context.Context, c *types.CallRecord) error
}

type Failed struct {
	CallID string `json:"call_id,omitempty"`
	Error  string `json:"error"`
}

type ImportResult struct {
	Created []string `json:"created"`
	Failed  []Failed `json:"failed,omitempty"`
}

// Import inserts calls with up to workers concurrent writes. One failed row
// never aborts the rest.
func Import(ctx context.Context, st CallCreator, calls []*types.CallRecord, workers int, log *logger.Logger) (ImportResult, error) {
	if workers <= 0 {
		workers = 4
	}
	if log == nil {
		log = logger.Discard()
	}
	log = log.Component("dataset")

	var (
		mu  sync.Mutex
		res ImportResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, c := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := st.CreateCall(gctx, c)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithError(err).WithField("call_id", c.ID).Warn("import row failed")
				res.Failed = append(res.Failed, Failed{CallID: c.ID, Error: err.Error()})
				return nil
			}
			res.Created = append(res.Created, c.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("import calls: %w", err)
	}
	log.WithField("created", len(res.Created)).WithField("failed", len(res.Failed)).Info("import finished")
	return res, nil
}
