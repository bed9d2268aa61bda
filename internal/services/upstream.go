package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopmate/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Upstream is a client for the storefront's chatbot service. It consumes the
// service's SSE streaming endpoint for submitted messages and wraps its
// history read and delete calls.
type Upstream struct {
	baseURL string

	client *http.Client
	logger *slog.Logger
}

// NewUpstream creates an Upstream client rooted at the given base URL, which
// should point at the host serving the /api/chatbot routes.
func NewUpstream(baseURL string, logger *slog.Logger) Upstream {
	return Upstream{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{},
		logger:  logger.With(slog.String("module", "upstream")),
	}
}

// Stream opens the chatbot's streaming endpoint for one submitted message and
// yields the typed events it emits, in server order. The server sends the
// full accumulated text in each content event rather than deltas. A single
// malformed event is logged and skipped without aborting the stream; the
// iterator stops after the first terminal event. Cancelling the context
// closes the connection and ends the iteration without an error.
func (u Upstream) Stream(ctx context.Context, sreq models.StreamRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		q := url.Values{}
		q.Set("message", sreq.Message)
		q.Set("session_id", sreq.SessionKey)
		if sreq.UserID != "" {
			q.Set("user_id", sreq.UserID)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			u.baseURL+"/api/chatbot/chat/stream?"+q.Encode(), nil)
		if err != nil {
			yield(models.StreamEvent{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")

		resp, err := u.client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.StreamEvent{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(models.StreamEvent{}, fmt.Errorf("unexpected status: %s", resp.Status))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				yield(models.StreamEvent{}, fmt.Errorf("error reading response: %w", err))
				return
			}

			var se models.StreamEvent
			if err := json.Unmarshal([]byte(ev.Data), &se); err != nil {
				u.logger.Error("Failed to parse stream event",
					slog.String("data", ev.Data),
					slog.String("err", err.Error()))
				continue
			}

			if !yield(se, nil) {
				return
			}
			if se.Type.Terminal() {
				return
			}
		}
	}
}

// History fetches the stored transcript for a session key. The returned
// order is the server's, assumed chronological.
func (u Upstream) History(ctx context.Context, sessionKey string) ([]models.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		u.historyURL(sessionKey), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	var body struct {
		Messages []models.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return body.Messages, nil
}

// Clear deletes the stored transcript for a session key.
func (u Upstream) Clear(ctx context.Context, sessionKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		u.historyURL(sessionKey), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}

func (u Upstream) historyURL(sessionKey string) string {
	return u.baseURL + "/api/chatbot/history/" + url.PathEscape(sessionKey)
}
