package models

import "strings"

// checkboxTokens are the glyphs and ASCII renderings a recognizer may
// emit for a drawn checkbox. They carry no semantic weight for change
// detection.
var checkboxTokens = []string{"[ ]", "[x]", "[X]", "☐", "☑", "☒", "□", "■", "◻", "◼"}

// Canonicalize normalizes recognized text for change detection:
// checkbox glyphs are dropped, whitespace is collapsed, and case is
// folded. Two lines with equal canonical forms are treated as the same
// content.
func Canonicalize(text string) string {
	for _, tok := range checkboxTokens {
		text = strings.ReplaceAll(text, tok, " ")
	}
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
