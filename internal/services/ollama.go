package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"github.com/shopmate/chat-web-ui/internal/models"
)

// Ollama provides an assistant backend served by a local Ollama instance. It
// is used when no upstream chatbot service is configured. Ollama streams
// deltas, so the accumulated text is re-emitted on every chunk to match the
// replacement semantics of the chatbot's event vocabulary.
type Ollama struct {
	host         string
	model        string
	systemPrompt string

	client *api.Client
}

// NewOllama creates a new Ollama instance with the specified host URL and
// model name. If the provided host URL is invalid, the function will panic.
func NewOllama(host, model, systemPrompt string) Ollama {
	u, err := url.Parse(host)
	if err != nil {
		panic(err)
	}

	return Ollama{
		host:         host,
		model:        model,
		systemPrompt: systemPrompt,
		client:       api.NewClient(u, &http.Client{}),
	}
}

// Stream implements the assistant backend interface by streaming a response
// from the Ollama model. Each yielded content event carries the full text so
// far with is_partial set; the final chunk becomes a complete event.
func (o Ollama) Stream(ctx context.Context, sreq models.StreamRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		msgs := make([]api.Message, 0, len(sreq.History)+1)
		msgs = append(msgs, api.Message{
			Role:    "system",
			Content: o.systemPrompt,
		})
		for _, msg := range promptHistory(sreq.History) {
			msgs = append(msgs, api.Message{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}

		t := true
		req := api.ChatRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   &t,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var full strings.Builder
		var stopped bool
		if err := o.client.Chat(ctx, &req, func(res api.ChatResponse) error {
			// Chunks can still arrive between cancel and the client noticing.
			if stopped {
				return nil
			}
			full.WriteString(res.Message.Content)

			ev := models.StreamEvent{
				Type:      models.EventContent,
				Content:   full.String(),
				IsPartial: true,
			}
			if res.Done {
				ev.Type = models.EventComplete
				ev.IsPartial = false
			}
			if !yield(ev, nil) {
				stopped = true
				cancel()
			}
			return nil
		}); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
		}
	}
}

// promptHistory filters the transcript down to the entries a model should
// see: UI error surrogates and the empty placeholder under construction are
// skipped.
func promptHistory(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem || msg.Failed {
			continue
		}
		if msg.Role == models.RoleAssistant && msg.Content == "" {
			continue
		}
		out = append(out, msg)
	}
	return out
}
