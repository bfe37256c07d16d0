package model

import "time"

// CandidateItem is one layout entry as a single executor reported it, before
// consensus. Confidence is the executor's own estimate, used only for
// tie-breaking; consensus confidence is computed from agreement.
type CandidateItem struct {
	Position        string             `json:"position"`
	Payload         map[string]any     `json:"payload"`
	Confidence      float64            `json:"confidence,omitempty"`
	FieldConfidence map[string]float64 `json:"field_confidence,omitempty"`
}

// Candidate is one executor's complete answer for one WorkUnit.
type Candidate struct {
	Executor     string          `json:"executor"`
	Stage        Stage           `json:"stage"`
	UnitID       string          `json:"unit_id"`
	Items        []CandidateItem `json:"items"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	CostUSD      float64         `json:"cost_usd"`
	Elapsed      time.Duration   `json:"elapsed"`
}
