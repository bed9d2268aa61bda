package handlers

import (
	"context"
	"fmt"
	"html/template"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chatwebui "github.com/shopmate/chat-web-ui"
	"github.com/shopmate/chat-web-ui/internal/chat"
	"github.com/shopmate/chat-web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// Assistant produces the event stream for one submitted user message. The
// upstream chatbot client and the local model backends all satisfy this; the
// conversation reducer is agnostic to which one is wired in.
type Assistant interface {
	Stream(ctx context.Context, req models.StreamRequest) iter.Seq2[models.StreamEvent, error]
}

// HistorySource is the chatbot service's authoritative view of stored
// transcripts. It is nil when the configured assistant backend keeps no
// history of its own, in which case the local store is authoritative.
type HistorySource interface {
	History(ctx context.Context, sessionKey string) ([]models.Message, error)
	Clear(ctx context.Context, sessionKey string) error
}

// Store defines local transcript persistence. It acts as a cache of the
// upstream history, and as the history itself for local assistant backends.
type Store interface {
	Sessions(ctx context.Context) ([]string, error)
	Messages(ctx context.Context, sessionKey string) ([]models.Message, error)
	AppendMessage(ctx context.Context, sessionKey string, message models.Message) error
	UpdateMessage(ctx context.Context, sessionKey string, message models.Message) error
	ReplaceMessages(ctx context.Context, sessionKey string, messages []models.Message) error
	ClearSession(ctx context.Context, sessionKey string) error
}

// Main handles the core functionality of the chat UI, managing server-sent
// events, HTML templates, and the interactions between the assistant backend,
// the transcript store, and the per-session conversation state machines.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	assistant Assistant
	history   HistorySource
	store     Store

	streamTimeout time.Duration

	convs *conversationRegistry

	logger *slog.Logger
}

const errLoggerKey = "err"

// SSE event types for real-time updates.
var (
	messagesSSEType     = sse.Type("messages")
	closeMessageSSEType = sse.Type("closeMessage")
	sessionSSEType      = sse.Type("session")
)

// NewMain creates a new Main instance with the provided assistant backend,
// optional upstream history source, and transcript store. It initializes the
// SSE server and parses the HTML templates from the embedded filesystem. A
// non-positive streamTimeout falls back to chat.DefaultStreamTimeout.
func NewMain(
	assistant Assistant,
	history HistorySource,
	store Store,
	streamTimeout time.Duration,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		chatwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	if streamTimeout <= 0 {
		streamTimeout = chat.DefaultStreamTimeout
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic}

				// We create a message-specific topic if the client requests updates for a particular message
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				// Session-level topics carry transcript-wide updates such as a clear
				sessionKey := s.Req.URL.Query().Get("session")
				if sessionKey != "" {
					topics = append(topics, sessionTopic(sessionKey))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates:     tmpl,
		assistant:     assistant,
		history:       history,
		store:         store,
		streamTimeout: streamTimeout,
		convs: &conversationRegistry{
			convs: make(map[string]*chat.Conversation),
		},
		logger: logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

func sessionTopic(sessionKey string) string {
	return fmt.Sprintf("session-%s", sessionKey)
}

// conversationRegistry holds one conversation state machine per session key.
// The in-flight guard lives in the conversation itself, so the full page and
// the floating widget mounted against the same session share a single guard.
type conversationRegistry struct {
	mu    sync.Mutex
	convs map[string]*chat.Conversation
}

func (r *conversationRegistry) lookup(sessionKey string) (*chat.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.convs[sessionKey]
	return conv, ok
}

func (r *conversationRegistry) getOrCreate(sessionKey string) (*chat.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conv, ok := r.convs[sessionKey]; ok {
		return conv, false
	}
	conv := chat.NewConversation(sessionKey)
	r.convs[sessionKey] = conv
	return conv, true
}

// conversation returns the state machine for a session key, loading its
// history exactly once on first sight of the key.
func (m Main) conversation(ctx context.Context, sessionKey string) *chat.Conversation {
	conv, created := m.convs.getOrCreate(sessionKey)
	if created {
		m.loadHistory(ctx, conv)
	}
	return conv
}

// loadHistory fills a fresh conversation with the stored transcript. The
// upstream history is authoritative when available; if the read fails the
// local cache is served instead and the failure is only logged, keeping the
// passive load quiet for the user.
func (m Main) loadHistory(ctx context.Context, conv *chat.Conversation) {
	sessionKey := conv.SessionKey()

	if m.history != nil {
		messages, err := m.history.History(ctx, sessionKey)
		if err == nil {
			if err := m.store.ReplaceMessages(ctx, sessionKey, messages); err != nil {
				m.logger.Error("Failed to cache history",
					slog.String("sessionKey", sessionKey),
					slog.String(errLoggerKey, err.Error()))
			}
			if err := conv.ReplaceHistory(messages); err != nil {
				m.logger.Error("Failed to replace history",
					slog.String("sessionKey", sessionKey),
					slog.String(errLoggerKey, err.Error()))
			}
			return
		}
		m.logger.Error("Failed to load history, serving cached transcript",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
	}

	messages, err := m.store.Messages(ctx, sessionKey)
	if err != nil {
		m.logger.Error("Failed to read cached transcript",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	if err := conv.ReplaceHistory(messages); err != nil {
		m.logger.Error("Failed to replace history",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
	}
}

// HandleSSE serves the push endpoint the browser subscribes to for message
// and session updates.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It
// broadcasts a close message to all connected clients and waits up to 5
// seconds for connections to terminate. After the timeout, any remaining
// connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
