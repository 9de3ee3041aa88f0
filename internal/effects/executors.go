package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/logging"
	"taskpilot/internal/task"
	"taskpilot/internal/types"
)

// =============================================================================
// WEBHOOK EXECUTORS
// =============================================================================

// webhookExecutor posts a JSON body to a fixed URL. Discord, the sheet
// bridge, and the calendar bridge all speak this shape; only the payload
// translation differs.
type webhookExecutor struct {
	name   string
	url    string
	client *http.Client
	build  func(payload map[string]interface{}) interface{}
}

func (w *webhookExecutor) Execute(ctx context.Context, eff types.SideEffect) error {
	if w.url == "" {
		return fmt.Errorf("%s webhook not configured", w.name)
	}

	body, err := json.Marshal(w.build(eff.Payload))
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", w.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s webhook call failed: %w", w.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s webhook returned %d", w.name, resp.StatusCode)
	}
	logging.Effects("%s delivered", w.name)
	return nil
}

// NewDiscordExecutor posts notifications to a Discord webhook.
// Payload key "text" becomes the message content.
func NewDiscordExecutor(url string, timeout time.Duration) Executor {
	return &webhookExecutor{
		name:   "discord",
		url:    url,
		client: &http.Client{Timeout: timeout},
		build: func(payload map[string]interface{}) interface{} {
			return map[string]interface{}{"content": payload["text"]}
		},
	}
}

// NewSheetExecutor appends a row through the sheet bridge webhook.
// The effect payload is forwarded as the row.
func NewSheetExecutor(url string, timeout time.Duration) Executor {
	return &webhookExecutor{
		name:   "sheet",
		url:    url,
		client: &http.Client{Timeout: timeout},
		build: func(payload map[string]interface{}) interface{} {
			return map[string]interface{}{"row": payload}
		},
	}
}

// NewCalendarExecutor creates an event through the calendar bridge webhook.
func NewCalendarExecutor(url string, timeout time.Duration) Executor {
	return &webhookExecutor{
		name:   "calendar",
		url:    url,
		client: &http.Client{Timeout: timeout},
		build: func(payload map[string]interface{}) interface{} {
			return map[string]interface{}{"event": payload}
		},
	}
}

// =============================================================================
// LOCAL EXECUTORS
// =============================================================================

// NewPersistExecutor writes tasks to the repository. The effect payload is
// the task record itself.
func NewPersistExecutor(repo task.Repository) Executor {
	return ExecutorFunc(func(ctx context.Context, eff types.SideEffect) error {
		raw, err := json.Marshal(eff.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode task payload: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return fmt.Errorf("failed to decode task payload: %w", err)
		}
		if t.Title == "" {
			return fmt.Errorf("persist_task payload has no title")
		}
		return repo.Create(ctx, &t)
	})
}

// ReplySink delivers reply text back to a conversation. The chat surface
// (REPL, one-shot command) implements this.
type ReplySink interface {
	Reply(ctx context.Context, conversationID, text string) error
}

// NewReplyExecutor routes send_reply effects to the sink.
// Payload keys: "conversation_id", "text".
func NewReplyExecutor(sink ReplySink) Executor {
	return ExecutorFunc(func(ctx context.Context, eff types.SideEffect) error {
		conv, _ := eff.Payload["conversation_id"].(string)
		text, _ := eff.Payload["text"].(string)
		if text == "" {
			return fmt.Errorf("send_reply payload has no text")
		}
		return sink.Reply(ctx, conv, text)
	})
}

// NewRunnerFromConfig wires a runner with every executor the configuration
// enables. Webhook executors with no URL are left unregistered; emitting
// such an effect reports a per-effect failure, not a crash.
func NewRunnerFromConfig(cfg *config.Config, repo task.Repository, sink ReplySink) *Runner {
	r := NewRunner(cfg.EffectTimeout(), cfg.Effects.MaxRetries)

	if repo != nil {
		r.Register(types.EffectPersistTask, NewPersistExecutor(repo))
	}
	if sink != nil {
		r.Register(types.EffectSendReply, NewReplyExecutor(sink))
	}
	if cfg.Effects.DiscordWebhookURL != "" {
		r.Register(types.EffectNotifyDiscord, NewDiscordExecutor(cfg.Effects.DiscordWebhookURL, cfg.EffectTimeout()))
	}
	if cfg.Effects.SheetWebhookURL != "" {
		r.Register(types.EffectAppendSheet, NewSheetExecutor(cfg.Effects.SheetWebhookURL, cfg.EffectTimeout()))
	}
	if cfg.Effects.CalendarURL != "" {
		r.Register(types.EffectCalendarEvent, NewCalendarExecutor(cfg.Effects.CalendarURL, cfg.EffectTimeout()))
	}
	return r
}
