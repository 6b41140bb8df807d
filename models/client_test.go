package models

import "testing"

func TestStatusColorForCount(t *testing.T) {
	intPtr := func(n int) *int { return &n }

	tests := []struct {
		name  string
		count *int
		want  string
	}{
		{"nil means nothing outstanding", nil, StatusColorGreen},
		{"zero", intPtr(0), StatusColorGreen},
		{"negative clamps to green", intPtr(-1), StatusColorGreen},
		{"one", intPtr(1), StatusColorYellow},
		{"three", intPtr(3), StatusColorYellow},
		{"four", intPtr(4), StatusColorRed},
		{"large", intPtr(250), StatusColorRed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusColorForCount(tt.count); got != tt.want {
				t.Errorf("StatusColorForCount(%v) = %q, want %q", tt.count, got, tt.want)
			}
		})
	}
}
