package etc

import (
	"strings"

	"github.com/nrednav/cuid2"
)

func NewFreshID() string {
	return cuid2.Generate()
}

// JoinFinals renders finalized transcript pieces the way they are
// displayed and persisted: trimmed and separated by single spaces.
func JoinFinals(finals []string) string {
	parts := make([]string, 0, len(finals))
	for _, f := range finals {
		f = strings.TrimSpace(f)
		if f != "" {
			parts = append(parts, f)
		}
	}
	return strings.Join(parts, " ")
}
