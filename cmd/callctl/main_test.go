package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

const scenarioTranscript = "Hi, this is John Smith, kitchen sink is leaking, I'm at 123 Oak St, can someone come Tuesday at 2pm?"

func runCLI(t *testing.T, db string, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("VOICEJOBS_CONFIG", t.TempDir())
	root, cc := newRootCommand()
	defer cc.close()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--db", db, "--mock"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

func requireContains(t *testing.T, out, want string) {
	t.Helper()
	if !strings.Contains(out, want) {
		t.Fatalf("output missing %q:\n%s", want, out)
	}
}

func writeWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	rows := [][]any{
		{"Call ID", "Tenant", "Caller Phone", "Transcript"},
		{"c1", "acme", "555-123-4567", scenarioTranscript},
		{"c2", "acme", "555-987-6543", strings.Replace(scenarioTranscript, "John Smith", "Mary Jones", 1)},
		{"c3", "", "555-000-0000", scenarioTranscript},
	}
	for i, r := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		if err := f.SetSheetRow("Sheet1", cell, &r); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "calls.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
	return path
}

func TestImportProcessAndReport(t *testing.T) {
	db := filepath.Join(t.TempDir(), "voicejobs.db")
	book := writeWorkbook(t)

	out, _, err := runCLI(t, db, "import", book, "--dry-run")
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	requireContains(t, out, "3 rows, 3 usable calls")
	requireContains(t, out, "Dry run")

	out, _, err = runCLI(t, db, "import", book)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	requireContains(t, out, "Imported 3 calls")
	requireContains(t, out, "acme")

	out, _, err = runCLI(t, db, "calls", "--tenant", "acme")
	if err != nil {
		t.Fatalf("calls: %v", err)
	}
	requireContains(t, out, "c1")
	requireContains(t, out, "Pending")

	out, _, err = runCLI(t, db, "process", "--pending", "--events")
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	requireContains(t, out, "Completed")
	requireContains(t, out, "appointmentExtracted")

	out, _, err = runCLI(t, db, "process", "c1")
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	requireContains(t, out, "already processed")

	out, _, err = runCLI(t, db, "calls", "--status", "completed")
	if err != nil {
		t.Fatalf("calls by status: %v", err)
	}
	requireContains(t, out, "c2")

	out, _, err = runCLI(t, db, "errors", "c1")
	if err != nil {
		t.Fatalf("errors: %v", err)
	}
	requireContains(t, out, "No processing errors for c1")

	out, _, err = runCLI(t, db, "feedback-summary")
	if err != nil {
		t.Fatalf("feedback summary: %v", err)
	}
	requireContains(t, out, "No reviewer feedback")

	out, _, err = runCLI(t, db, "improvements")
	if err != nil {
		t.Fatalf("improvements: %v", err)
	}
	requireContains(t, out, "No pending model improvements")

	out, _, err = runCLI(t, db, "retry-due")
	if err != nil {
		t.Fatalf("retry-due: %v", err)
	}
	requireContains(t, out, "0 calls resumed")
}

func TestCommandErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "voicejobs.db")
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"process without ids", []string{"process"}, "--pending"},
		{"watch without redis", []string{"watch"}, "redis.addr"},
		{"cancel unknown call", []string{"cancel", "nope"}, "nope"},
		{"mark unknown improvement", []string{"improvements", "--mark", "nope"}, "unknown or already processed"},
		{"missing workbook", []string{"import", filepath.Join(t.TempDir(), "none.xlsx")}, "none.xlsx"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := runCLI(t, db, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLabel(t *testing.T) {
	cases := map[string]string{
		"COMPLETED_WITH_WARNINGS": "Completed With Warnings",
		"service_address":         "Service Address",
		"":                        "-",
	}
	for in, want := range cases {
		if got := label(in); got != want {
			t.Fatalf("label(%q) = %q, want %q", in, got, want)
		}
	}
}
