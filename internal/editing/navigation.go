package editing

import "github.com/AnibalFR/devocionales4.0-sub000/internal/schema"

// FindNextEditableCell returns the index of the first field after currentIndex that can be
// activated. It never wraps to the start of the row.
func FindNextEditableCell(fields []schema.FieldDescriptor, currentIndex int) (int, bool) {
	start := currentIndex + 1
	if start < 0 {
		start = 0
	}
	for index := start; index < len(fields); index++ {
		if fields[index].Activatable() {
			return index, true
		}
	}
	return -1, false
}
