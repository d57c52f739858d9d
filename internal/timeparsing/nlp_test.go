package timeparsing

import (
	"testing"
	"time"
)

// Reference: Wednesday, January 15, 2025, 10:00 local.
var refNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.Local)

func TestParseNaturalLanguage(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantYear  int
		wantMonth time.Month
		wantDay   int
		wantHour  int // -1 skips the hour check
		wantErr   bool
	}{
		{"yesterday", "yesterday", 2025, time.January, 14, -1, false},
		{"tomorrow", "tomorrow", 2025, time.January, 16, -1, false},
		{"next monday", "next monday", 2025, time.January, 20, -1, false},
		{"three days ago", "3 days ago", 2025, time.January, 12, -1, false},
		{"in one week", "in 1 week", 2025, time.January, 22, -1, false},
		{"with clock time", "tomorrow at 9am", 2025, time.January, 16, 9, false},
		{"gibberish", "purple monkey dishwasher", 0, 0, 0, 0, true},
		{"empty", "", 0, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNaturalLanguage(tt.input, refNow)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseNaturalLanguage(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Year() != tt.wantYear || got.Month() != tt.wantMonth || got.Day() != tt.wantDay {
				t.Errorf("ParseNaturalLanguage(%q) = %v, want %d-%02d-%02d",
					tt.input, got, tt.wantYear, tt.wantMonth, tt.wantDay)
			}
			if tt.wantHour >= 0 && got.Hour() != tt.wantHour {
				t.Errorf("ParseNaturalLanguage(%q) hour = %d, want %d", tt.input, got.Hour(), tt.wantHour)
			}
		})
	}
}

func TestParseRelativeTimeLayers(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantYear  int
		wantMonth time.Month
		wantDay   int
		wantErr   bool
	}{
		{"compact lookback", "-7d", 2025, time.January, 8, false},
		{"compact forward", "+1d", 2025, time.January, 16, false},
		{"absolute date", "2025-02-01", 2025, time.February, 1, false},
		{"absolute rfc3339", "2025-03-15T14:30:00Z", 2025, time.March, 15, false},
		{"absolute with clock", "2025-03-15 14:30:00", 2025, time.March, 15, false},
		{"natural language", "yesterday", 2025, time.January, 14, false},
		{"unparseable", "not-a-date", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRelativeTime(tt.input, refNow)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRelativeTime(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Year() != tt.wantYear || got.Month() != tt.wantMonth || got.Day() != tt.wantDay {
				t.Errorf("ParseRelativeTime(%q) = %v, want %d-%02d-%02d",
					tt.input, got, tt.wantYear, tt.wantMonth, tt.wantDay)
			}
		})
	}
}

func TestParseRelativeTimeCompactWinsOverNatural(t *testing.T) {
	got, err := ParseRelativeTime("-1d", refNow)
	if err != nil {
		t.Fatalf("ParseRelativeTime() error = %v", err)
	}
	want := refNow.AddDate(0, 0, -1)
	if !got.Equal(want) {
		t.Errorf("-1d = %v, want %v (exact clock time preserved)", got, want)
	}
}

func TestParseRelativeTimeAbsoluteWinsOverNatural(t *testing.T) {
	got, err := ParseRelativeTime("2025-01-20", refNow)
	if err != nil {
		t.Fatalf("ParseRelativeTime() error = %v", err)
	}
	if got.Year() != 2025 || got.Month() != time.January || got.Day() != 20 ||
		got.Hour() != 0 || got.Minute() != 0 {
		t.Errorf("2025-01-20 = %v, want midnight Jan 20 2025", got)
	}
}
