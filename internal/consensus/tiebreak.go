package consensus

import (
	"strings"

	"github.com/shelfsight/shelfscan/internal/schema"
)

// Vote is one distinct payload proposed for an identity group, together with
// the executors backing it. Supporters are listed in executor priority order.
type Vote struct {
	Payload        map[string]any
	Fingerprint    string
	Supporters     []string
	Violations     []schema.Violation
	SelfConfidence float64

	bestRank int
}

// Group is the full disagreement picture for one identity key, handed to a
// TieBreaker when the leading votes have equal support. Votes arrive sorted
// by the default policy, strongest first.
type Group struct {
	Key      string
	Position string
	Votes    []Vote
}

// TieBreaker picks the winning vote when majority voting alone cannot.
// Implementations must be deterministic: the same Group must always yield
// the same pick regardless of the order candidates arrived in.
type TieBreaker interface {
	Pick(g Group) Vote
}

// policyTieBreaker resolves ties in three deterministic steps: fewest schema
// violations first, then the highest self-reported confidence, then the
// executor priority from configuration. Votes are pre-sorted by exactly this
// policy, so the first entry wins.
type policyTieBreaker struct{}

func (policyTieBreaker) Pick(g Group) Vote { return g.Votes[0] }

// lessVote is the total order behind the default policy. Support count is
// compared first so a strict majority always wins outright; the remaining
// steps only matter between equally supported votes. The fingerprint is the
// final fallback, which keeps the order total even between votes from
// executors with identical standing.
func lessVote(a, b Vote) bool {
	if len(a.Supporters) != len(b.Supporters) {
		return len(a.Supporters) > len(b.Supporters)
	}
	if len(a.Violations) != len(b.Violations) {
		return len(a.Violations) < len(b.Violations)
	}
	if ak, bk := violationsKey(a.Violations), violationsKey(b.Violations); ak != bk {
		return ak < bk
	}
	if a.SelfConfidence != b.SelfConfidence {
		return a.SelfConfidence > b.SelfConfidence
	}
	if a.bestRank != b.bestRank {
		return a.bestRank < b.bestRank
	}
	return a.Fingerprint < b.Fingerprint
}

func violationsKey(vs []schema.Violation) string {
	if len(vs) == 0 {
		return ""
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, ";")
}
