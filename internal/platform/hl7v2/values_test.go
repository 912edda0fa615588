package hl7v2

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{"2024", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), true},
		{"20240115", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), true},
		{"202401151430", time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC), true},
		{"20240115143025", time.Date(2024, 1, 15, 14, 30, 25, 0, time.UTC), true},
		{"20240115143025.5", time.Date(2024, 1, 15, 14, 30, 25, 500000000, time.UTC), true},
		{"20240115143025-0500", time.Date(2024, 1, 15, 19, 30, 25, 0, time.UTC), true},
		{"", time.Time{}, false},
		{"2024011", time.Time{}, false},
		{"notadate", time.Time{}, false},
		{"20241315", time.Time{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseTimestamp(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseTimestamp(%q): ok=%v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDecimal(t *testing.T) {
	if v, ok := ParseDecimal(" 150.25 "); !ok || v != 150.25 {
		t.Errorf("expected 150.25, got %v %v", v, ok)
	}
	if _, ok := ParseDecimal("abc"); ok {
		t.Error("expected ok=false for non-numeric")
	}
	if _, ok := ParseDecimal(""); ok {
		t.Error("expected ok=false for blank")
	}
}

func TestParseInt(t *testing.T) {
	if v, ok := ParseInt("3"); !ok || v != 3 {
		t.Errorf("expected 3, got %v %v", v, ok)
	}
	if _, ok := ParseInt("3.5"); ok {
		t.Error("expected ok=false for decimal")
	}
}

func TestSegmentBuilder_RoundTrip(t *testing.T) {
	raw := BuildMessage("ADT", "A01", "RT1",
		NewSegment("PID").Set(3, "MRN|1").Set(5, "Doe", "Jane"),
		NewSegment("PV1").Set(2, "I").Set(19, "V1"),
	)
	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.ControlID != "RT1" || msg.Code != "ADT" || msg.Event != "A01" {
		t.Errorf("unexpected header %q %q %q", msg.ControlID, msg.Code, msg.Event)
	}
	if got := msg.PatientID(); got != "MRN|1" {
		t.Errorf("expected escaped value to round-trip, got %q", got)
	}
	if got := msg.VisitNumber(); got != "V1" {
		t.Errorf("expected visit V1, got %q", got)
	}
}
