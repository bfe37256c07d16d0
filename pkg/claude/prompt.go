package claude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/schema"
)

const systemPrompt = `You are a retail shelf auditor. You read photographs of store shelving and report the layout as structured JSON.

Answer with a single JSON object of the form {"items": [...]} and nothing else. Each item has:
  "position": a location label, "shelf:<n>" for a whole shelf band (counted top to bottom starting at 1) or "shelf:<n>/slot:<m>" for a product slot (counted left to right starting at 1)
  "payload": an object with the fields requested in the task
  "confidence": your overall confidence in this item, 0.0 to 1.0
  "field_confidence": per-field confidence, 0.0 to 1.0

Only report what is visible. If a requested field cannot be read from the image, omit it rather than guessing.`

var stageTask = map[model.Stage]string{
	model.StageStructure: "Identify every shelf band in the image. Report one item per band at position \"shelf:<n>\".",
	model.StageItems:     "Identify every distinct product slot. Report one item per slot at position \"shelf:<n>/slot:<m>\".",
	model.StageDetails:   "Read the fine print for the listed product slots: price labels, pack sizes, barcodes, promotions.",
}

// buildPrompt renders the user message for one work unit: the stage task, the
// payload fields from the stage schema, the unit's scope, and any
// re-extraction feedback.
func buildPrompt(unit model.WorkUnit, sch *schema.StageSchema, retry *model.RetryContext) string {
	var b strings.Builder

	b.WriteString(stageTask[unit.Stage])
	b.WriteString("\n\nPayload fields:\n")
	for _, f := range sch.Fields {
		b.WriteString("  - ")
		b.WriteString(f.Key)
		fmt.Fprintf(&b, " (%s", f.Type)
		if f.Required {
			b.WriteString(", required")
		}
		if f.Min != nil {
			fmt.Fprintf(&b, ", min %v", *f.Min)
		}
		if f.Max != nil {
			fmt.Fprintf(&b, ", max %v", *f.Max)
		}
		if f.Pattern != "" {
			fmt.Fprintf(&b, ", matching %s", f.Pattern)
		}
		b.WriteString(")\n")
	}

	writeScope(&b, unit.Scope)

	if retry != nil && len(retry.Targets) > 0 {
		writeRetry(&b, retry)
	}

	return b.String()
}

func writeScope(b *strings.Builder, scope model.Scope) {
	switch {
	case scope.Scoped():
		b.WriteString("\nExamine ONLY these positions and report one item for each that is visible:\n")
		for _, p := range scope.Positions {
			b.WriteString("  - ")
			b.WriteString(p)
			b.WriteString("\n")
		}
		b.WriteString("Do not report any other position.\n")
	case scope.Shelf > 0:
		fmt.Fprintf(b, "\nExamine ONLY shelf band %d (%s). Report positions on that band only.\n",
			scope.Shelf, model.ShelfPosition(scope.Shelf))
	default:
		b.WriteString("\nExamine the whole frame.\n")
	}
}

// writeRetry turns comparator feedback into prompt text. Prior answers are
// shown so the model can correct them instead of repeating them.
func writeRetry(b *strings.Builder, retry *model.RetryContext) {
	fmt.Fprintf(b, "\nThis is extraction round %d. A visual check disputed these positions:\n", retry.Iteration)
	for _, t := range retry.Targets {
		fmt.Fprintf(b, "  - %s: %s", t.Position, t.Kind)
		if t.Reason != "" {
			fmt.Fprintf(b, " (%s)", t.Reason)
		}
		if t.Prior != nil {
			if prior, err := json.Marshal(t.Prior); err == nil {
				fmt.Fprintf(b, "; previous answer: %s", prior)
			}
		}
		b.WriteString("\n")
	}
	b.WriteString("Look at these positions again carefully and report what is actually there.\n")
}
