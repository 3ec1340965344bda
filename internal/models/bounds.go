package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Bounds is a vertical extent in page-local units.
type Bounds struct {
	MinY float64 `json:"minY"`
	MaxY float64 `json:"maxY"`
}

// Overlap returns the length of the vertical overlap between b and
// other after widening other by tolerance on both sides. A zero or
// negative result means the two ranges do not overlap.
func (b Bounds) Overlap(other Bounds, tolerance float64) float64 {
	lo := b.MinY
	if v := other.MinY - tolerance; v > lo {
		lo = v
	}
	hi := b.MaxY
	if v := other.MaxY + tolerance; v < hi {
		hi = v
	}
	return hi - lo
}

// Union returns the smallest bounds covering both b and other.
func (b Bounds) Union(other Bounds) Bounds {
	u := b
	if other.MinY < u.MinY {
		u.MinY = other.MinY
	}
	if other.MaxY > u.MaxY {
		u.MaxY = other.MaxY
	}
	return u
}

// FormatYBounds renders bounds as "<minY>-<maxY>". The rendering is
// deterministic, so re-applying a previously stored value keeps the
// block property bit-identical.
func FormatYBounds(b Bounds) string {
	return formatCoord(b.MinY) + "-" + formatCoord(b.MaxY)
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseYBounds parses the "<minY>-<maxY>" property format. The
// separator is the first '-' that follows a digit, so negative
// coordinates survive a round-trip.
func ParseYBounds(s string) (Bounds, error) {
	for i := 1; i < len(s); i++ {
		if s[i] != '-' {
			continue
		}
		prev := s[i-1]
		if prev != '.' && (prev < '0' || prev > '9') {
			continue
		}
		minY, errMin := strconv.ParseFloat(strings.TrimSpace(s[:i]), 64)
		maxY, errMax := strconv.ParseFloat(strings.TrimSpace(s[i+1:]), 64)
		if errMin != nil || errMax != nil {
			continue
		}
		return Bounds{MinY: minY, MaxY: maxY}, nil
	}
	return Bounds{}, fmt.Errorf("models: malformed y-bounds %q", s)
}
