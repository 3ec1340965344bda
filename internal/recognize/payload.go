package recognize

import (
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/ansuz/internal/models"
)

// wireLine is one recognized line as the service reports it. Pointer
// fields distinguish "absent" from zero values.
type wireLine struct {
	Text                 string         `json:"text"`
	Canonical            string         `json:"canonical"`
	IndentLevel          *int           `json:"indentLevel"`
	YBounds              *models.Bounds `json:"yBounds"`
	TranscribedStrokeIDs []string       `json:"transcribedStrokeIds"`
}

// Validate rejects lines the engine cannot use at all. Everything else
// is repairable by coercion.
func (l wireLine) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Text, validation.Required, validation.By(notBlank)),
	)
}

func notBlank(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("is blank")
	}
	return nil
}

// coerceLines turns raw recognizer lines into well-formed models.Line
// values. Unusable lines are dropped; every repair or drop produces a
// warning so the pass report shows what the boundary did.
func coerceLines(wire []wireLine, submitted []string) ([]models.Line, []string) {
	var lines []models.Line
	var warnings []string

	for i, w := range wire {
		if err := w.Validate(); err != nil {
			warnings = append(warnings, fmt.Sprintf("line %d dropped: %v", i, err))
			continue
		}

		line := models.Line{Text: strings.TrimSpace(w.Text)}

		line.Canonical = w.Canonical
		if line.Canonical == "" {
			line.Canonical = models.Canonicalize(line.Text)
		}

		switch {
		case w.IndentLevel == nil:
			line.IndentLevel = 0
		case *w.IndentLevel < 0:
			warnings = append(warnings, fmt.Sprintf("line %d indent %d clamped to 0", i, *w.IndentLevel))
			line.IndentLevel = 0
		default:
			line.IndentLevel = *w.IndentLevel
		}

		if w.YBounds != nil {
			b := *w.YBounds
			if b.MaxY < b.MinY {
				warnings = append(warnings, fmt.Sprintf("line %d has inverted bounds %v: discarded", i, b))
			} else {
				line.Bounds = &b
			}
		}

		line.StrokeIDs = w.TranscribedStrokeIDs
		if len(line.StrokeIDs) == 0 {
			warnings = append(warnings, fmt.Sprintf("line %d carries no stroke attribution: assuming all submitted strokes", i))
			line.StrokeIDs = append([]string(nil), submitted...)
		}

		lines = append(lines, line)
	}
	return lines, warnings
}
