package workflow

import (
	"context"
	"fmt"
	"strings"
)

// RubricScorer judges proof with a local heuristic rubric: substance of the
// description, attached evidence, and completion language. Deterministic and
// offline; deployments wanting model-graded proof plug in their own
// QualityScorer.
type RubricScorer struct {
	passThreshold int
}

// NewRubricScorer creates the default scorer. Proof scoring 70 or above
// passes.
func NewRubricScorer() *RubricScorer {
	return &RubricScorer{passThreshold: 70}
}

var completionWords = []string{"done", "deployed", "tested", "verified", "fixed", "completed", "merged", "shipped"}

func (s *RubricScorer) Score(ctx context.Context, taskID string, proof Proof) (Decision, error) {
	score := 40
	var notes []string

	if len(strings.TrimSpace(proof.Text)) >= 30 {
		score += 30
		notes = append(notes, "detailed description")
	} else if proof.Text != "" {
		score += 10
		notes = append(notes, "brief description")
	}

	if len(proof.Attachments) > 0 {
		score += 20
		notes = append(notes, fmt.Sprintf("%d attachment(s)", len(proof.Attachments)))
	}

	lowered := strings.ToLower(proof.Text)
	for _, w := range completionWords {
		if strings.Contains(lowered, w) {
			score += 10
			notes = append(notes, "completion language")
			break
		}
	}

	if score > 100 {
		score = 100
	}
	summary := "No supporting detail provided."
	if len(notes) > 0 {
		summary = "Evidence: " + strings.Join(notes, ", ") + "."
	}
	return Decision{Score: score, Summary: summary, Passed: score >= s.passThreshold}, nil
}
