package models

import "testing"

func TestOverlap_Basic(t *testing.T) {
	stroke := Bounds{MinY: 12, MaxY: 18}
	line := Bounds{MinY: 10, MaxY: 15}
	ov := stroke.Overlap(line, 0)
	if ov != 3 {
		t.Errorf("overlap = %v, want 3", ov)
	}
}

func TestOverlap_ToleranceWidensLine(t *testing.T) {
	stroke := Bounds{MinY: 16, MaxY: 20}
	line := Bounds{MinY: 10, MaxY: 15}
	if ov := stroke.Overlap(line, 0); ov > 0 {
		t.Errorf("no-tolerance overlap = %v, want <= 0", ov)
	}
	if ov := stroke.Overlap(line, 5); ov != 4 {
		t.Errorf("tolerance overlap = %v, want 4", ov)
	}
}

func TestOverlap_Disjoint(t *testing.T) {
	stroke := Bounds{MinY: 40, MaxY: 45}
	line := Bounds{MinY: 10, MaxY: 15}
	if ov := stroke.Overlap(line, 5); ov > 0 {
		t.Errorf("overlap = %v, want <= 0", ov)
	}
}

func TestUnion(t *testing.T) {
	u := Bounds{MinY: 10, MaxY: 15}.Union(Bounds{MinY: 12, MaxY: 22})
	if u.MinY != 10 || u.MaxY != 22 {
		t.Errorf("union = %+v, want {10 22}", u)
	}
}

func TestFormatParseYBounds_RoundTrip(t *testing.T) {
	cases := []Bounds{
		{MinY: 10, MaxY: 15},
		{MinY: 10.5, MaxY: 15.25},
		{MinY: 0, MaxY: 0},
		{MinY: -3.5, MaxY: 12},
	}
	for _, b := range cases {
		s := FormatYBounds(b)
		got, err := ParseYBounds(s)
		if err != nil {
			t.Fatalf("ParseYBounds(%q): %v", s, err)
		}
		if got != b {
			t.Errorf("round-trip %q = %+v, want %+v", s, got, b)
		}
	}
}

func TestFormatYBounds_Deterministic(t *testing.T) {
	b := Bounds{MinY: 10.5, MaxY: 15.25}
	if FormatYBounds(b) != FormatYBounds(b) {
		t.Error("formatting is not deterministic")
	}
	if s := FormatYBounds(Bounds{MinY: 10, MaxY: 15}); s != "10-15" {
		t.Errorf("format = %q, want %q", s, "10-15")
	}
}

func TestParseYBounds_Malformed(t *testing.T) {
	for _, s := range []string{"", "10", "a-b", "10-", "-15"} {
		if _, err := ParseYBounds(s); err == nil {
			t.Errorf("ParseYBounds(%q) should fail", s)
		}
	}
}

func TestYSpan(t *testing.T) {
	s := Stroke{Points: []Point{{X: 1, Y: 12, T: 1}, {X: 2, Y: 9, T: 2}, {X: 3, Y: 14, T: 3}}}
	span, ok := s.YSpan()
	if !ok {
		t.Fatal("expected a span")
	}
	if span.MinY != 9 || span.MaxY != 14 {
		t.Errorf("span = %+v, want {9 14}", span)
	}

	empty := Stroke{}
	if _, ok := empty.YSpan(); ok {
		t.Error("empty stroke should have no span")
	}
}
