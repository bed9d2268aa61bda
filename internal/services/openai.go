package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"
	"github.com/shopmate/chat-web-ui/internal/models"
)

// OpenAI provides an assistant backend using OpenAI's chat completion API, or
// any OpenAI-compatible endpoint when a base URL is configured. Like Ollama,
// deltas are folded into full-text replacement events.
type OpenAI struct {
	model        string
	systemPrompt string

	client *goopenai.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI instance. An empty baseURL targets the
// official API; setting it allows OpenAI-compatible providers such as
// OpenRouter.
func NewOpenAI(apiKey, baseURL, model, systemPrompt string, logger *slog.Logger) OpenAI {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return OpenAI{
		model:        model,
		systemPrompt: systemPrompt,
		client:       goopenai.NewClientWithConfig(cfg),
		logger:       logger.With(slog.String("module", "openai")),
	}
}

// Stream implements the assistant backend interface by streaming a chat
// completion. Each yielded content event carries the accumulated text so far;
// the EOF of the completion stream becomes the terminal complete event.
func (o OpenAI) Stream(ctx context.Context, sreq models.StreamRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		history := promptHistory(sreq.History)
		msgs := make([]goopenai.ChatCompletionMessage, 0, len(history)+1)
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: o.systemPrompt,
		})
		for _, msg := range history {
			msgs = append(msgs, goopenai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}

		req := goopenai.ChatCompletionRequest{
			Model:    o.model,
			Messages: msgs,
			Stream:   true,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stream, err := o.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer stream.Close()

		var full strings.Builder
		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					yield(models.StreamEvent{
						Type:    models.EventComplete,
						Content: full.String(),
					}, nil)
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error receiving response: %w", err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}

			full.WriteString(delta)
			if !yield(models.StreamEvent{
				Type:      models.EventContent,
				Content:   full.String(),
				IsPartial: true,
			}, nil) {
				return
			}
		}
	}
}
