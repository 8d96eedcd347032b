package main

import (
	"testing"
	"time"
)

func TestParseDue(t *testing.T) {
	now := time.Date(2026, 5, 13, 10, 0, 0, 0, time.UTC) // a Wednesday

	tests := []struct {
		in       string
		want     time.Time
		dateOnly bool
		wantErr  bool
	}{
		{in: "2026-06-01", want: time.Date(2026, 6, 1, 23, 59, 0, 0, time.UTC)},
		{in: "2026-06-01 08:30", want: time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)},
		{in: "2026-06-01T08:30:00Z", want: time.Date(2026, 6, 1, 8, 30, 0, 0, time.UTC)},
		{in: "tomorrow", want: time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC), dateOnly: true},
		{in: "", wantErr: true},
		{in: "whenever you like", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseDue(tt.in, now)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseDue(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDue(%q) failed: %v", tt.in, err)
			}
			if tt.dateOnly {
				gy, gm, gd := got.Date()
				wy, wm, wd := tt.want.Date()
				if gy != wy || gm != wm || gd != wd {
					t.Errorf("parseDue(%q) = %v, want the date %v", tt.in, got, tt.want.Format("2006-01-02"))
				}
				return
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseDue(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
