package timeparsing

import (
	"testing"
	"time"
)

func TestParseCompactDuration(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "default insight lookback",
			input: "-150d",
			want:  time.Date(2025, 1, 16, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "one week back",
			input: "-1w",
			want:  time.Date(2025, 6, 8, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "six hours forward",
			input: "+6h",
			want:  time.Date(2025, 6, 15, 18, 0, 0, 0, time.UTC),
		},
		{
			name:  "no sign means forward",
			input: "3m",
			want:  time.Date(2025, 9, 15, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "year unit",
			input: "-1y",
			want:  time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC),
		},
		{name: "sign at end", input: "6h+", wantErr: true},
		{name: "double sign", input: "--1d", wantErr: true},
		{name: "unknown unit", input: "1x", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "bare number", input: "7", wantErr: true},
		{name: "bare unit", input: "d", wantErr: true},
		{name: "inner space", input: "- 7d", wantErr: true},
		{name: "iso date is not a duration", input: "2025-01-15", wantErr: true},
		{name: "words are not a duration", input: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCompactDuration(tt.input, now)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseCompactDuration(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && !got.Equal(tt.want) {
				t.Errorf("ParseCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsCompactDuration(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"-150d", true},
		{"+6h", true},
		{"2w", true},
		{"1y", true},
		{"", false},
		{"yesterday", false},
		{"2025-01-15", false},
		{"7", false},
		{"1x", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := IsCompactDuration(tt.input); got != tt.want {
				t.Errorf("IsCompactDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseCompactDurationLeapDay(t *testing.T) {
	feb28 := time.Date(2024, 2, 28, 12, 0, 0, 0, time.UTC)
	got, err := ParseCompactDuration("+1d", feb28)
	if err != nil {
		t.Fatalf("ParseCompactDuration() error = %v", err)
	}
	want := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Feb 28 + 1d = %v, want %v", got, want)
	}
}

func TestParseCompactDurationKeepsLocation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tz database unavailable")
	}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, loc)
	got, err := ParseCompactDuration("-7d", now)
	if err != nil {
		t.Fatalf("ParseCompactDuration() error = %v", err)
	}
	if got.Location() != loc {
		t.Errorf("location = %v, want %v", got.Location(), loc)
	}
}
