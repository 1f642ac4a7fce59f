package lsn

import (
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
)

func TestLag(t *testing.T) {
	tests := []struct {
		current, latest pglogrepl.LSN
		want            uint64
	}{
		{0, 0, 0},
		{100, 50, 0},
		{50, 100, 50},
		{0x16B3748, 0x16B3748, 0},
	}
	for _, tt := range tests {
		if got := Lag(tt.current, tt.latest); got != tt.want {
			t.Errorf("Lag(%d, %d) = %d, want %d", tt.current, tt.latest, got, tt.want)
		}
	}
}

func TestFormatLag(t *testing.T) {
	tests := []struct {
		bytes uint64
		want  string
	}{
		{512, "512 B (latency: 100ms)"},
		{2048, "2.00 KB (latency: 100ms)"},
		{3 << 20, "3.00 MB (latency: 100ms)"},
		{5 << 30, "5.00 GB (latency: 100ms)"},
	}
	for _, tt := range tests {
		got := FormatLag(tt.bytes, 100*time.Millisecond)
		if got != tt.want {
			t.Errorf("FormatLag(%d) = %q, want %q", tt.bytes, got, tt.want)
		}
	}
}

func TestSegmentName(t *testing.T) {
	tests := []struct {
		in       string
		timeline uint32
		want     string
	}{
		{"0/0", 1, "000000010000000000000000"},
		{"0/16B3748", 1, "000000010000000000000001"},
		{"0/FFFFFFFF", 1, "0000000100000000000000FF"},
		{"1/0", 1, "000000010000000100000000"},
		{"A/2B000000", 2, "000000020000000A0000002B"},
	}
	for _, tt := range tests {
		l, err := pglogrepl.ParseLSN(tt.in)
		if err != nil {
			t.Fatalf("ParseLSN(%q): %v", tt.in, err)
		}
		if got := SegmentName(l, tt.timeline); got != tt.want {
			t.Errorf("SegmentName(%s, %d) = %q, want %q", tt.in, tt.timeline, got, tt.want)
		}
	}
}

func TestSegmentStart(t *testing.T) {
	l, _ := pglogrepl.ParseLSN("0/16B3748")
	got := SegmentStart(l)
	want, _ := pglogrepl.ParseLSN("0/1000000")
	if got != want {
		t.Errorf("SegmentStart = %s, want %s", got, want)
	}
}
