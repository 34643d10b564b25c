// Package lotid derives human-readable batch identifiers for new lots.
package lotid

import (
	"fmt"
	"strings"
	"time"

	"tokoatuy/backend/internal/domain"
)

// Generate builds "<base>-<ddmmyyyy>" and, when that id is already taken,
// appends "-02", "-03", ... until the id is absent from existing. The caller
// must pass the complete set of current lot ids; two writers scanning before
// either appends can still mint the same id, which is an accepted limitation
// of the id scheme rather than something this package papers over.
func Generate(productID string, receivedDate time.Time, existing map[string]bool) string {
	base := strings.TrimSpace(productID)
	if base == "" {
		base = "LOT"
	}
	id := fmt.Sprintf("%s-%s", base, receivedDate.Format(domain.LotDateLayout))
	if !existing[id] {
		return id
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%02d", id, n)
		if !existing[candidate] {
			return candidate
		}
	}
}

// GenerateFromName is Generate for products without an id: the base is the
// condensed upper-cased name key, so batch ids stay readable.
func GenerateFromName(name string, receivedDate time.Time, existing map[string]bool) string {
	return Generate(condenseName(name), receivedDate, existing)
}

func condenseName(name string) string {
	key := domain.NormalizeName(name)
	var b strings.Builder
	for _, r := range key {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	condensed := strings.ToUpper(b.String())
	if condensed == "" {
		return "LOT"
	}
	if len(condensed) > 12 {
		condensed = condensed[:12]
	}
	return condensed
}
