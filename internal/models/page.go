package models

import (
	"fmt"
	"strconv"
	"strings"
)

// PageID addresses one physical notebook page. The four coordinates
// come from the pen's page encoding and together identify the page
// globally.
type PageID struct {
	Section int `json:"section"`
	Owner   int `json:"owner"`
	Book    int `json:"book"`
	Page    int `json:"page"`
}

// Key returns the canonical page key, e.g. "s3.o27.b603.p57".
func (p PageID) Key() string {
	return fmt.Sprintf("s%d.o%d.b%d.p%d", p.Section, p.Owner, p.Book, p.Page)
}

// String implements fmt.Stringer.
func (p PageID) String() string { return p.Key() }

// OutlinePage returns the tree-store page name holding the page's
// transcribed outline.
func (p PageID) OutlinePage() string { return "Pen/" + p.Key() }

// DataPage returns the tree-store page name holding the page's chunked
// raw ink.
func (p PageID) DataPage() string { return "Pen-Data/" + p.Key() }

// ParsePageKey parses a canonical page key produced by Key.
func ParsePageKey(key string) (PageID, error) {
	parts := strings.Split(key, ".")
	if len(parts) != 4 {
		return PageID{}, fmt.Errorf("models: malformed page key %q", key)
	}
	var id PageID
	for i, field := range []struct {
		prefix string
		dst    *int
	}{
		{"s", &id.Section},
		{"o", &id.Owner},
		{"b", &id.Book},
		{"p", &id.Page},
	} {
		raw, ok := strings.CutPrefix(parts[i], field.prefix)
		if !ok {
			return PageID{}, fmt.Errorf("models: malformed page key %q", key)
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return PageID{}, fmt.Errorf("models: malformed page key %q", key)
		}
		*field.dst = n
	}
	return id, nil
}
