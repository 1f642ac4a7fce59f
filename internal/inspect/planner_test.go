package inspect

import (
	"strings"
	"testing"
)

func TestPartCount(t *testing.T) {
	tests := []struct {
		size, threshold int64
		maxParts        int
		want            int
	}{
		{0, 0, 128, 1},
		{1 << 20, 0, 128, 1},              // splitting disabled
		{100 * 1024, 200 * 1024, 128, 1},  // under threshold
		{200 * 1024, 200 * 1024, 128, 1},  // exactly one threshold
		{1224 * 1024, 200 * 1024, 128, 7}, // the 1224 kB rental table
		{10 << 30, 1 << 20, 16, 16},       // capped by max parts
	}
	for _, tt := range tests {
		got := PartCount(tt.size, tt.threshold, tt.maxParts)
		if got != tt.want {
			t.Errorf("PartCount(%d, %d, %d) = %d, want %d", tt.size, tt.threshold, tt.maxParts, got, tt.want)
		}
	}
}

func TestSplitRange_CoversDomainDisjointly(t *testing.T) {
	tests := []struct {
		lo, hi int64
		n      int
	}{
		{1, 16045, 7},
		{0, 100, 3},
		{0, 7, 7},
		{5, 6, 4}, // narrower than n
		{-50, 50, 4},
	}
	for _, tt := range tests {
		parts := SplitRange(tt.lo, tt.hi, tt.n)
		if len(parts) == 0 {
			t.Fatalf("SplitRange(%d, %d, %d) returned no parts", tt.lo, tt.hi, tt.n)
		}
		if parts[0][0] != tt.lo {
			t.Errorf("first part starts at %d, want %d", parts[0][0], tt.lo)
		}
		if parts[len(parts)-1][1] != tt.hi {
			t.Errorf("last part ends at %d, want %d", parts[len(parts)-1][1], tt.hi)
		}
		var total int64
		for i, p := range parts {
			if p[1] <= p[0] {
				t.Errorf("part %d is empty: [%d, %d)", i, p[0], p[1])
			}
			if i > 0 && p[0] != parts[i-1][1] {
				t.Errorf("parts %d and %d not adjacent: %d != %d", i-1, i, parts[i-1][1], p[0])
			}
			total += p[1] - p[0]
		}
		if total != tt.hi-tt.lo {
			t.Errorf("ranges cover %d values, want %d", total, tt.hi-tt.lo)
		}
	}
}

func TestSplitRange_Degenerate(t *testing.T) {
	if parts := SplitRange(10, 10, 4); parts != nil {
		t.Errorf("empty range should yield nil, got %v", parts)
	}
	if parts := SplitRange(10, 5, 4); parts != nil {
		t.Errorf("inverted range should yield nil, got %v", parts)
	}
	if parts := SplitRange(0, 10, 0); parts != nil {
		t.Errorf("zero parts should yield nil, got %v", parts)
	}
}

func TestIdempotentIndexDef(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{
			"CREATE UNIQUE INDEX film_pkey ON public.film USING btree (film_id)",
			"CREATE UNIQUE INDEX IF NOT EXISTS film_pkey ON public.film USING btree (film_id)",
		},
		{
			"CREATE INDEX idx_title ON public.film USING btree (title)",
			"CREATE INDEX IF NOT EXISTS idx_title ON public.film USING btree (title)",
		},
		{
			"CREATE INDEX IF NOT EXISTS idx_title ON public.film USING btree (title)",
			"CREATE INDEX IF NOT EXISTS idx_title ON public.film USING btree (title)",
		},
	}
	for _, tt := range tests {
		if got := IdempotentIndexDef(tt.in); got != tt.want {
			t.Errorf("IdempotentIndexDef(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConstraintFromIndex(t *testing.T) {
	got := ConstraintFromIndex(`"public"."film"`, "film_pkey", "p", "film_pkey", "PRIMARY KEY (film_id)")
	if !strings.Contains(got, "PRIMARY KEY USING INDEX") {
		t.Errorf("primary key promotion = %q", got)
	}
	got = ConstraintFromIndex(`"rental"`, "rental_ux", "u", "rental_ux_idx", "UNIQUE (rental_id)")
	if !strings.Contains(got, "ADD CONSTRAINT \"rental_ux\" UNIQUE USING INDEX \"rental_ux_idx\"") {
		t.Errorf("unique promotion = %q", got)
	}

	// Exclusion constraints cannot adopt an index; the full definition is
	// replayed and builds the index itself.
	def := "EXCLUDE USING gist (room_id WITH =, booked WITH &&)"
	got = ConstraintFromIndex(`"public"."booking"`, "booking_no_overlap", "x", "booking_no_overlap", def)
	want := `ALTER TABLE "public"."booking" ADD CONSTRAINT "booking_no_overlap" ` + def
	if got != want {
		t.Errorf("exclusion promotion = %q, want %q", got, want)
	}
	if strings.Contains(got, "USING INDEX") {
		t.Errorf("exclusion promotion must not adopt an index: %q", got)
	}
}

func TestPartID(t *testing.T) {
	if got := PartID(16388, 3); got != "16388.3" {
		t.Errorf("PartID = %q", got)
	}
}
