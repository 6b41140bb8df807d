package qbosync

import "testing"

func intPtr(n int) *int { return &n }

func TestNormalizeCallback(t *testing.T) {
	tests := []struct {
		name string
		body string
		want CallbackPayload
	}{
		{
			name: "canonical keys",
			body: `{"run_id":"r1","status":"completed","sheet_url":"https://sheets/x","action_items_count":2}`,
			want: CallbackPayload{RunId: "r1", Success: true, SheetUrl: "https://sheets/x", ActionItemsCount: intPtr(2)},
		},
		{
			name: "legacy keys",
			body: `{"review_id":"r2","status":"done","google_sheet_url":"https://sheets/y","unreconciled_count":"7"}`,
			want: CallbackPayload{RunId: "r2", Success: true, SheetUrl: "https://sheets/y", ActionItemsCount: intPtr(7)},
		},
		{
			name: "explicit success flag beats status",
			body: `{"run_id":"r3","success":false,"status":"completed","error_message":"sheet quota"}`,
			want: CallbackPayload{RunId: "r3", Success: false, ErrorMessage: "sheet quota"},
		},
		{
			name: "failure via error only",
			body: `{"run_id":"r4","error":"realm unreachable"}`,
			want: CallbackPayload{RunId: "r4", Success: false, ErrorMessage: "realm unreachable"},
		},
		{
			name: "no verdict and no error means success",
			body: `{"run_id":"r5","sheet_url":"https://sheets/z"}`,
			want: CallbackPayload{RunId: "r5", Success: true, SheetUrl: "https://sheets/z"},
		},
		{
			name: "null count stays nil",
			body: `{"run_id":"r6","status":"completed","action_items_count":null}`,
			want: CallbackPayload{RunId: "r6", Success: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCallback([]byte(tt.body))
			if err != nil {
				t.Fatalf("NormalizeCallback: %v", err)
			}
			assertPayload(t, got, tt.want)
		})
	}
}

func TestNormalizeCallbackRejectsGarbage(t *testing.T) {
	if _, err := NormalizeCallback([]byte("not json")); err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

func TestNormalizeCallbackQuery(t *testing.T) {
	values := map[string]string{
		"review_id":          "r9",
		"status":             "success",
		"google_sheet_url":   "https://sheets/q",
		"unreconciled_count": "4",
	}
	got := NormalizeCallbackQuery(func(k string) string { return values[k] })
	assertPayload(t, got, CallbackPayload{
		RunId:            "r9",
		Success:          true,
		SheetUrl:         "https://sheets/q",
		ActionItemsCount: intPtr(4),
	})
}

func assertPayload(t *testing.T, got CallbackPayload, want CallbackPayload) {
	t.Helper()
	if got.RunId != want.RunId {
		t.Errorf("RunId = %q, want %q", got.RunId, want.RunId)
	}
	if got.Success != want.Success {
		t.Errorf("Success = %v, want %v", got.Success, want.Success)
	}
	if got.SheetUrl != want.SheetUrl {
		t.Errorf("SheetUrl = %q, want %q", got.SheetUrl, want.SheetUrl)
	}
	if got.ErrorMessage != want.ErrorMessage {
		t.Errorf("ErrorMessage = %q, want %q", got.ErrorMessage, want.ErrorMessage)
	}
	switch {
	case got.ActionItemsCount == nil && want.ActionItemsCount == nil:
	case got.ActionItemsCount == nil || want.ActionItemsCount == nil:
		t.Errorf("ActionItemsCount = %v, want %v", got.ActionItemsCount, want.ActionItemsCount)
	case *got.ActionItemsCount != *want.ActionItemsCount:
		t.Errorf("ActionItemsCount = %d, want %d", *got.ActionItemsCount, *want.ActionItemsCount)
	}
}
