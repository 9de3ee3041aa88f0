// Package classifier resolves the intent of messages no deterministic rule
// matched. Providers are pluggable; the Gemini provider is the production
// default and the static provider serves offline runs and tests. Every call
// is bounded: a slow or hung provider degrades to UNKNOWN, never a stall.
package classifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/logging"
	"taskpilot/internal/types"
)

// IntentClassifier resolves free-form text to an intent label.
// Implementations return types.IntentUnknown (not an error) when the text
// fits no label; errors are reserved for provider failures.
type IntentClassifier interface {
	Classify(ctx context.Context, text string) (types.Intent, error)
	Name() string
}

// New builds the classifier stack for the configured provider, wrapped with
// the call timeout.
func New(cfg *config.Config) (IntentClassifier, error) {
	var inner IntentClassifier
	var err error

	switch cfg.LLM.Provider {
	case "gemini":
		inner, err = NewGemini(cfg.LLM.APIKey, cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
	case "static", "":
		inner = NewStatic()
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s (use 'gemini' or 'static')", cfg.LLM.Provider)
	}

	logging.Classifier("classifier provider=%s timeout=%v", inner.Name(), cfg.ClassifierTimeout())
	return NewBounded(inner, cfg.ClassifierTimeout()), nil
}

// =============================================================================
// BOUNDED WRAPPER
// =============================================================================

// Bounded enforces a hard deadline on an inner classifier. When the deadline
// passes the call degrades to UNKNOWN and the in-flight provider call is
// abandoned; a provider that ignores its context leaks that one goroutine.
type Bounded struct {
	inner   IntentClassifier
	timeout time.Duration
}

// NewBounded wraps inner with a per-call timeout.
func NewBounded(inner IntentClassifier, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Bounded{inner: inner, timeout: timeout}
}

func (b *Bounded) Name() string { return b.inner.Name() }

type classifyResult struct {
	intent types.Intent
	err    error
}

// Classify runs the inner classifier under the deadline. Timeouts and
// provider errors both degrade to UNKNOWN so routing always gets an answer.
func (b *Bounded) Classify(ctx context.Context, text string) (types.Intent, error) {
	timer := logging.StartTimer(logging.CategoryClassifier, "Classify")
	defer timer.StopWithThreshold(b.timeout / 2)

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	ch := make(chan classifyResult, 1)
	go func() {
		intent, err := b.inner.Classify(ctx, text)
		ch <- classifyResult{intent, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			logging.Get(logging.CategoryClassifier).Warn("provider %s failed, degrading to UNKNOWN: %v", b.inner.Name(), res.err)
			return types.IntentUnknown, nil
		}
		return res.intent, nil
	case <-ctx.Done():
		logging.Get(logging.CategoryClassifier).Warn("provider %s timed out after %v, degrading to UNKNOWN", b.inner.Name(), b.timeout)
		return types.IntentUnknown, nil
	}
}

// =============================================================================
// STATIC PROVIDER
// =============================================================================

// Static classifies by keyword lookup. No network, deterministic; the
// provider for offline runs and the test suite.
type Static struct {
	rules []staticRule
}

type staticRule struct {
	keywords []string
	intent   types.Intent
}

// NewStatic creates the keyword classifier.
func NewStatic() *Static {
	return &Static{
		rules: []staticRule{
			{[]string{"delegate", "assign", "hand off", "hand over"}, types.IntentDelegation},
			{[]string{"template", "checklist", "from the usual"}, types.IntentCreateFromTemplate},
			{[]string{"create", "add a task", "new task", "need to", "remind me"}, types.IntentTaskCreation},
			{[]string{"status", "progress", "how is", "where are we"}, types.IntentStatusQuery},
		},
	}
}

func (s *Static) Name() string { return "static" }

func (s *Static) Classify(ctx context.Context, text string) (types.Intent, error) {
	lowered := strings.ToLower(text)
	for _, rule := range s.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(lowered, kw) {
				logging.ClassifierDebug("static match %q -> %s", kw, rule.intent)
				return rule.intent, nil
			}
		}
	}
	return types.IntentUnknown, nil
}
