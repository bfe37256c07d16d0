package consensus

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/schema"
)

// slotBucketWidth controls how far apart two slot numbers may drift while
// still counting as the same physical product. Executors frequently disagree
// by one slot when facings are miscounted upstream.
const slotBucketWidth = 3

// normalizeToken reduces a field value to a comparison form: NFKC so that
// full-width and ligature variants collapse, case folding, then everything
// except letters and digits dropped. "Coca-Cola" and "COCA COLA" key equal.
func normalizeToken(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// groupKey assigns a candidate item to an identity group. Items whose
// schema declares identity fields key on the normalized identity values plus
// a coarse slot bucket, so the same product reported one slot apart still
// lands in one group. Schemas without identity fields (the details stage,
// where positions are fixed inputs) key on the exact position.
func groupKey(sch *schema.StageSchema, it model.CandidateItem) (string, bool) {
	ids := sch.IdentityKeys()
	if len(ids) == 0 {
		if _, _, ok := model.SplitPosition(it.Position); !ok {
			return "", false
		}
		return "pos:" + it.Position, true
	}
	shelf, slot, ok := model.SplitPosition(it.Position)
	if !ok {
		return "", false
	}
	canonical := sch.Canonical(it.Payload)
	parts := make([]string, 0, len(ids)+1)
	for _, key := range ids {
		v, present := canonical[key]
		if !present {
			return "", false
		}
		parts = append(parts, normalizeToken(fmt.Sprintf("%v", v)))
	}
	parts = append(parts, fmt.Sprintf("s%db%d", shelf, slot/slotBucketWidth))
	return strings.Join(parts, "|"), true
}
