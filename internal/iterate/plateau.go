package iterate

// Plateau watches accuracy and lock progress across iterations and reports
// when a run has stopped improving: over the configured window the accuracy
// gain stays under epsilon and no additional positions locked. A plateaued
// run escalates instead of burning budget on identical re-extractions.
type Plateau struct {
	window  int
	epsilon float64
	history []sample
}

type sample struct {
	accuracy float64 // 0-100
	locked   int
}

func NewPlateau(window int, epsilon float64) *Plateau {
	if window < 1 {
		window = 1
	}
	return &Plateau{window: window, epsilon: epsilon}
}

// Observe records one compare round. Call it once per iteration, after the
// comparator verdict.
func (p *Plateau) Observe(accuracy float64, lockedCount int) {
	p.history = append(p.history, sample{accuracy: accuracy, locked: lockedCount})
}

// Stalled reports whether the run plateaued: the newest sample is no more
// than epsilon accuracy points above the sample window iterations back, and
// the lock count has not grown since then. Needs window+1 samples before it
// can trigger.
func (p *Plateau) Stalled() bool {
	if len(p.history) <= p.window {
		return false
	}
	cur := p.history[len(p.history)-1]
	ref := p.history[len(p.history)-1-p.window]
	return cur.accuracy-ref.accuracy < p.epsilon && cur.locked <= ref.locked
}
