package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"voice-jobs-go/internal/config"
	"voice-jobs-go/internal/logger"
	"voice-jobs-go/internal/notify"
	"voice-jobs-go/internal/transcription"
	"voice-jobs-go/internal/types"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "voicejobs.db")
	cfg.LLM.UseMock = true
	cfg.Transcription.UseMock = true
	return cfg
}

func TestBuildProcessesWithMocks(t *testing.T) {
	a, err := Build(context.Background(), localConfig(t), logger.Discard())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	events := a.Bus.Subscribe()
	ctx := context.Background()
	call := &types.CallRecord{TenantID: "tenant-1", RecordingURL: "https://example.com/a.wav"}
	if err := a.Store.CreateCall(ctx, call); err != nil {
		t.Fatalf("create call: %v", err)
	}
	res, err := a.Pipeline.ProcessCall(ctx, call.ID)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Status != types.StatusCompleted || res.Job == nil {
		t.Fatalf("result = %+v", res)
	}
	stored, _ := a.Store.GetCall(ctx, call.ID)
	if stored.Transcript != transcription.MockTranscript {
		t.Fatalf("transcript = %q", stored.Transcript)
	}

	select {
	case ev := <-events:
		if ev.Type != notify.EventAppointmentExtracted || ev.CallID != call.ID {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on the bus")
	}
}

func TestBuildRequiresLLMKey(t *testing.T) {
	cfg := localConfig(t)
	cfg.LLM.UseMock = false
	cfg.LLM.APIKey = ""
	_, err := Build(context.Background(), cfg, logger.Discard())
	if err == nil || !strings.Contains(err.Error(), "llm.use_mock") {
		t.Fatalf("err = %v", err)
	}
}

func TestBuildRejectsUnknownFeedbackWeight(t *testing.T) {
	cfg := localConfig(t)
	cfg.Feedback.TypeWeights["colour"] = 0.5
	if _, err := Build(context.Background(), cfg, logger.Discard()); err == nil {
		t.Fatal("expected weight error")
	}
}
