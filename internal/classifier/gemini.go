package classifier

import (
	"context"
	"fmt"
	"strings"

	"taskpilot/internal/logging"
	"taskpilot/internal/types"

	"google.golang.org/genai"
)

// =============================================================================
// GEMINI PROVIDER
// =============================================================================

const classifyPrompt = `You label chat messages sent to a task-management bot.
Reply with exactly one label and nothing else:

TASK_CREATION        the user wants a new task created
DELEGATION           the user wants a task assigned or handed to someone
CREATE_FROM_TEMPLATE the user wants a task built from a known template or checklist
STATUS_QUERY         the user asks about task state or progress
UNKNOWN              none of the above

Message:
%s`

// Gemini classifies intents with the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates the Gemini intent classifier.
func NewGemini(apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return fmt.Sprintf("gemini:%s", g.model) }

// Classify sends the message to Gemini and maps the reply onto the closed
// label set. Any reply outside the set maps to UNKNOWN.
func (g *Gemini) Classify(ctx context.Context, text string) (types.Intent, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(fmt.Sprintf(classifyPrompt, text), genai.RoleUser),
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	})
	if err != nil {
		return types.IntentUnknown, fmt.Errorf("gemini classify failed: %w", err)
	}

	label := strings.TrimSpace(resp.Text())
	// Models occasionally wrap the label in formatting; take the first token.
	if fields := strings.Fields(label); len(fields) > 0 {
		label = strings.Trim(fields[0], "`*.")
	}

	intent := types.ParseIntent(label)
	logging.ClassifierDebug("gemini reply %q -> %s", label, intent)
	return intent, nil
}
