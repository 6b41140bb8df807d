package models

import (
	"testing"
	"time"
)

func TestCanTransitionRunStatus(t *testing.T) {
	tests := []struct {
		from string
		to   string
		want bool
	}{
		{RunStatusPending, RunStatusProcessing, true},
		{RunStatusPending, RunStatusFailed, true},
		{RunStatusPending, RunStatusCompleted, false},
		{RunStatusProcessing, RunStatusCompleted, true},
		{RunStatusProcessing, RunStatusFailed, true},
		{RunStatusProcessing, RunStatusPending, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusCompleted, RunStatusProcessing, false},
		{RunStatusFailed, RunStatusCompleted, false},
		{RunStatusFailed, RunStatusProcessing, false},
	}
	for _, tt := range tests {
		if got := CanTransitionRunStatus(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionRunStatus(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsTerminalRunStatus(t *testing.T) {
	terminal := map[string]bool{
		RunStatusPending:    false,
		RunStatusProcessing: false,
		RunStatusCompleted:  true,
		RunStatusFailed:     true,
	}
	for status, want := range terminal {
		if got := IsTerminalRunStatus(status); got != want {
			t.Errorf("IsTerminalRunStatus(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestRunDedupWindow(t *testing.T) {
	if RunDedupWindow != 5*time.Minute {
		t.Errorf("RunDedupWindow = %v, want 5m", RunDedupWindow)
	}
}

func TestRunHoldsSlot(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		status string
		age    time.Duration
		want   bool
	}{
		{"processing just triggered", RunStatusProcessing, time.Minute, true},
		{"pending inside window", RunStatusPending, 4 * time.Minute, true},
		{"processing past window is stale", RunStatusProcessing, 6 * time.Minute, false},
		{"pending past window is stale", RunStatusPending, 6 * time.Minute, false},
		{"completed never blocks", RunStatusCompleted, time.Minute, false},
		{"failed never blocks", RunStatusFailed, time.Minute, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &ReconciliationRun{Status: tt.status, CreatedAt: now.Add(-tt.age)}
			if got := runHoldsSlot(run, now); got != tt.want {
				t.Errorf("runHoldsSlot(%s, age %v) = %v, want %v", tt.status, tt.age, got, tt.want)
			}
		})
	}
}

func TestApplyCallbackVerdictOverwritesTerminal(t *testing.T) {
	now := time.Now()
	key := "7"
	count := 2

	// A run the sweeper already failed; the real result arrives late.
	run := &ReconciliationRun{Status: RunStatusFailed, ErrorMessage: "timed out waiting for engine callback"}
	applyCallbackVerdict(run, true, "https://sheets.example/abc", &count, "", now)
	if run.Status != RunStatusCompleted {
		t.Errorf("status = %q, want completed", run.Status)
	}
	if run.StatusColor != StatusColorYellow {
		t.Errorf("color = %q, want yellow", run.StatusColor)
	}
	if run.SheetUrl != "https://sheets.example/abc" {
		t.Errorf("sheet url not applied: %q", run.SheetUrl)
	}
	if run.ErrorMessage != "" {
		t.Errorf("error message not cleared: %q", run.ErrorMessage)
	}
	if run.CompletedAt == nil || !run.CompletedAt.Equal(now) {
		t.Errorf("completed_at = %v, want %v", run.CompletedAt, now)
	}

	// Duplicate delivery with the opposite verdict: last write wins.
	run = &ReconciliationRun{Status: RunStatusCompleted, ActiveKey: &key, SheetUrl: "https://sheets.example/old"}
	applyCallbackVerdict(run, false, "", nil, "engine gave up", now)
	if run.Status != RunStatusFailed {
		t.Errorf("status = %q, want failed", run.Status)
	}
	if run.ActiveKey != nil {
		t.Error("active key not cleared")
	}
	if run.SheetUrl != "https://sheets.example/old" {
		t.Errorf("empty sheet url must not clobber the stored one, got %q", run.SheetUrl)
	}
	if run.ErrorMessage != "engine gave up" {
		t.Errorf("error message = %q", run.ErrorMessage)
	}
}

func TestActiveKeyForClient(t *testing.T) {
	key := activeKeyForClient(42)
	if key == nil || *key != "42" {
		t.Fatalf("activeKeyForClient(42) = %v, want \"42\"", key)
	}
}
