package export

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"dpas/internal/dataset"
)

// tagRegistry assigns stable 1-based ids to tag names.
type tagRegistry struct {
	fold  cases.Caser
	ids   map[string]int
	names []string
}

func newTagRegistry() *tagRegistry {
	return &tagRegistry{fold: cases.Fold(), ids: make(map[string]int)}
}

// CanonicalName normalizes a tag name for display.
func CanonicalName(name string) string {
	return norm.NFC.String(strings.Join(strings.Fields(name), " "))
}

// id returns the id for name, registering it when new. Empty names get 0.
func (r *tagRegistry) id(name string) int {
	display := CanonicalName(name)
	if display == "" {
		return 0
	}
	key := r.fold.String(display)
	if id, ok := r.ids[key]; ok {
		return id
	}
	r.names = append(r.names, display)
	id := len(r.names)
	r.ids[key] = id
	return id
}

func (r *tagRegistry) manifest() []dataset.Tag {
	tags := make([]dataset.Tag, 0, len(r.names))
	for i, name := range r.names {
		tags = append(tags, dataset.Tag{ID: i + 1, Name: name})
	}
	return tags
}
