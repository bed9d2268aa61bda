package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/shopmate/chat-web-ui/internal/chat"
)

type chatboxData struct {
	SessionKey string
	UserID     string
	LoggedIn   bool
	Messages   []messageView
}

// HandleHome renders the full chat page for the current session, loading the
// session's history on first sight of its key.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	m.renderPage(w, r, "chat.html")
}

// HandleWidget renders the compact floating-widget variant of the chat. It
// shares the conversation, and therefore the in-flight guard, with the full
// page for the same session.
func (m Main) HandleWidget(w http.ResponseWriter, r *http.Request) {
	m.renderPage(w, r, "widget.html")
}

func (m Main) renderPage(w http.ResponseWriter, r *http.Request, page string) {
	userID := requestUserID(r)
	sessionKey := chat.ResolveSessionKey(userID)
	conv := m.conversation(r.Context(), sessionKey)

	views, err := m.viewsOf(conv.Messages())
	if err != nil {
		m.logger.Error("Failed to render messages",
			slog.String("sessionKey", sessionKey),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := chatboxData{
		SessionKey: sessionKey,
		UserID:     userID,
		LoggedIn:   userID != "",
		Messages:   views,
	}
	if err := m.templates.ExecuteTemplate(w, page, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSessions lists the session keys with a locally stored transcript as
// JSON, mirroring the chatbot service's own sessions endpoint for operators.
func (m Main) HandleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	keys, err := m.store.Sessions(r.Context())
	if err != nil {
		m.logger.Error("Failed to list sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Sessions []string `json:"sessions"`
	}{Sessions: keys}); err != nil {
		m.logger.Error("Failed to encode sessions", slog.String(errLoggerKey, err.Error()))
	}
}
