package ink

import "github.com/starford/ansuz/internal/models"

// Partition splits strokes into those already associated with an
// outline block and those still awaiting recognition. Strokes marked
// deleted belong to neither set.
func Partition(strokes []models.Stroke) (associated, unassociated []models.Stroke) {
	for i := range strokes {
		s := strokes[i]
		if s.Deleted {
			continue
		}
		if s.Associated() {
			associated = append(associated, s)
		} else {
			unassociated = append(unassociated, s)
		}
	}
	return associated, unassociated
}

// ApplyExplicitDeletions removes exactly the strokes whose ids appear
// in deletedIDs. Ids with no matching stroke are ignored; nothing else
// is ever removed implicitly.
func ApplyExplicitDeletions(base []models.Stroke, deletedIDs []string) (survivors []models.Stroke, removed int) {
	if len(deletedIDs) == 0 {
		return base, 0
	}
	doomed := make(map[string]struct{}, len(deletedIDs))
	for _, id := range deletedIDs {
		doomed[id] = struct{}{}
	}
	for i := range base {
		if _, gone := doomed[base[i].ID]; gone {
			removed++
			continue
		}
		survivors = append(survivors, base[i])
	}
	return survivors, removed
}
