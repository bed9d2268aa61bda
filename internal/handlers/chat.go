package handlers

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopmate/chat-web-ui/internal/chat"
	"github.com/shopmate/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

type messageView struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	Streaming     bool
	NeedsApproval bool
	Failed        bool
}

// requestUserID extracts the authenticated user id the storefront forwards
// with the request. The form value wins for submissions; page loads carry it
// in the uid cookie. An empty result means an anonymous shopper.
func requestUserID(r *http.Request) string {
	if uid := r.FormValue("user_id"); uid != "" {
		return uid
	}
	if c, err := r.Cookie("uid"); err == nil {
		return c.Value
	}
	return ""
}

// HandleChats processes message submissions through HTTP POST requests. It
// expects a "message" form field and an optional "user_id" field identifying
// the shopper; the session key is resolved from the latter.
//
// A submission appends the user message and a streaming assistant placeholder
// to the session's conversation, starts the asynchronous stream that fills
// the placeholder, and responds with rendered fragments for both messages.
// While a response is still in flight the submission is rejected with 409 so
// at most one stream runs per conversation.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	text := strings.TrimSpace(r.FormValue("message"))
	if text == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	userID := requestUserID(r)
	sessionKey := chat.ResolveSessionKey(userID)
	conv := m.conversation(r.Context(), sessionKey)

	userMsg, placeholder, err := conv.Submit(text)
	if err != nil {
		if errors.Is(err, chat.ErrBusy) {
			http.Error(w, "A response is still in flight", http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Store failures degrade the cache, not the conversation, so they are
	// logged rather than surfaced. The stream must start regardless or the
	// guard acquired by Submit would never be released.
	if err := m.store.AppendMessage(r.Context(), sessionKey, userMsg); err != nil {
		m.logger.Error("Failed to store user message",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
	}
	if err := m.store.AppendMessage(r.Context(), sessionKey, placeholder); err != nil {
		m.logger.Error("Failed to store placeholder",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
	}

	go m.stream(conv, placeholder.ID, text, userID)

	uv, err := m.viewOf(userMsg)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "user_message", uv); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	av, err := m.viewOf(placeholder)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := m.templates.ExecuteTemplate(w, "ai_message", av); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// stream drives one assistant response. It owns the context whose
// cancellation both closes the backend connection and releases the in-flight
// guard, so the wall-clock safety timeout cannot leave a dangling connection
// behind a re-enabled input. Each event is folded into the conversation,
// persisted, and pushed to the browser on the placeholder's topic.
func (m Main) stream(conv *chat.Conversation, messageID, text, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.streamTimeout)
	defer cancel()
	conv.BindCancel(cancel)

	// Ensure guard release and SSE connection cleanup on function exit
	defer func() {
		conv.Release()
		e := &sse.Message{Type: closeMessageSSEType}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, messageIDTopic(messageID))
	}()

	req := models.StreamRequest{
		Message:    text,
		SessionKey: conv.SessionKey(),
		UserID:     userID,
		History:    conv.Messages(),
	}

	for ev, err := range m.assistant.Stream(ctx, req) {
		if err != nil {
			m.logger.Error("Error from assistant backend",
				slog.String("sessionKey", conv.SessionKey()),
				slog.String(errLoggerKey, err.Error()))
			if msg, changed := conv.Fail(); changed {
				m.persistAndPublish(conv.SessionKey(), msg)
			}
			return
		}

		msg, changed := conv.Apply(ev)
		if !changed {
			continue
		}
		m.persistAndPublish(conv.SessionKey(), msg)
	}
}

func (m Main) persistAndPublish(sessionKey string, msg models.Message) {
	if err := m.store.UpdateMessage(context.Background(), sessionKey, msg); err != nil {
		m.logger.Error("Failed to update message",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
	}

	mv, err := m.viewOf(msg)
	if err != nil {
		m.logger.Error("Failed to render message", slog.String(errLoggerKey, err.Error()))
		return
	}

	var sb strings.Builder
	if err := m.templates.ExecuteTemplate(&sb, "ai_message", mv); err != nil {
		m.logger.Error("Failed to execute ai_message template",
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(sb.String())
	if err := m.sseSrv.Publish(&e, messageIDTopic(msg.ID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("messageID", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleClearChat clears the current session's conversation: exactly one
// upstream deletion call when an upstream history exists, plus the local
// cache and the in-memory transcript. Any in-flight stream is cancelled. It
// responds with an empty chatbox and notifies other views of the session.
func (m Main) HandleClearChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := requestUserID(r)
	sessionKey := chat.ResolveSessionKey(userID)

	if m.history != nil {
		if err := m.history.Clear(r.Context(), sessionKey); err != nil {
			m.logger.Error("Failed to clear upstream history",
				slog.String("sessionKey", sessionKey),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
	}

	if conv, ok := m.convs.lookup(sessionKey); ok {
		conv.Clear()
	}
	if err := m.store.ClearSession(r.Context(), sessionKey); err != nil {
		m.logger.Error("Failed to clear cached transcript",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
	}

	e := sse.Message{Type: sessionSSEType}
	e.AppendData("cleared")
	_ = m.sseSrv.Publish(&e, sessionTopic(sessionKey))

	data := chatboxData{
		SessionKey: sessionKey,
		UserID:     userID,
	}
	if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (m Main) viewOf(msg models.Message) (messageView, error) {
	content := template.HTML(template.HTMLEscapeString(msg.Content))
	if msg.Role == models.RoleAssistant && !msg.Failed {
		rendered, err := models.RenderMarkdown(msg.Content)
		if err != nil {
			return messageView{}, err
		}
		content = template.HTML(rendered)
	}

	return messageView{
		ID:            msg.ID,
		Role:          string(msg.Role),
		Content:       content,
		Timestamp:     msg.Timestamp,
		Streaming:     msg.Streaming,
		NeedsApproval: msg.NeedsApproval,
		Failed:        msg.Failed,
	}, nil
}

func (m Main) viewsOf(messages []models.Message) ([]messageView, error) {
	views := make([]messageView, len(messages))
	for i, msg := range messages {
		mv, err := m.viewOf(msg)
		if err != nil {
			return nil, err
		}
		views[i] = mv
	}
	return views, nil
}
