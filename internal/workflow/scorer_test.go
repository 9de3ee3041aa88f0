package workflow

import (
	"context"
	"testing"

	"taskpilot/internal/types"
)

func TestRubricScorer(t *testing.T) {
	s := NewRubricScorer()
	ctx := context.Background()

	cases := []struct {
		name     string
		proof    Proof
		wantPass bool
	}{
		{
			name:     "detailed proof with completion language",
			proof:    Proof{Text: "deployed to production and verified the smoke tests pass"},
			wantPass: true,
		},
		{
			name:     "brief proof with photo",
			proof:    Proof{Text: "done", Attachments: []types.Attachment{{Kind: "photo", Ref: "https://x/p.jpg"}}},
			wantPass: true,
		},
		{
			name:     "vague one-liner",
			proof:    Proof{Text: "it works"},
			wantPass: false,
		},
		{
			name:     "attachment only",
			proof:    Proof{Attachments: []types.Attachment{{Kind: "link", Ref: "https://x"}}},
			wantPass: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := s.Score(ctx, "task-1", tc.proof)
			if err != nil {
				t.Fatalf("Score failed: %v", err)
			}
			if d.Passed != tc.wantPass {
				t.Errorf("Passed = %v (score %d), want %v", d.Passed, d.Score, tc.wantPass)
			}
			if d.Score < 0 || d.Score > 100 {
				t.Errorf("score %d out of range", d.Score)
			}
			if d.Summary == "" {
				t.Error("summary must not be empty")
			}
		})
	}
}
