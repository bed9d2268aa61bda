package handlers_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopmate/chat-web-ui/internal/chat"
	"github.com/shopmate/chat-web-ui/internal/handlers"
	"github.com/shopmate/chat-web-ui/internal/models"
)

type mockAssistant struct {
	mu       sync.Mutex
	events   []models.StreamEvent
	err      error
	requests []models.StreamRequest

	done chan struct{}
}

type blockingAssistant struct {
	started chan struct{}
	release chan struct{}
}

type waitingAssistant struct {
	done chan struct{}
}

type mockStore struct {
	mu       sync.Mutex
	messages map[string][]models.Message
	cleared  []string
	err      error
}

type mockHistory struct {
	mu           sync.Mutex
	messages     map[string][]models.Message
	historyCalls []string
	clearCalls   []string
	err          error
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func postForm(target, form string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestNewMain(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()

	m, err := handlers.NewMain(assistant, nil, store, 0, discardLogger())
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}

	if m.Shutdown(context.Background()) != nil {
		t.Error("Shutdown() should not return error")
	}
}

func TestHandleHomeLoadsHistoryOncePerSession(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()
	history := &mockHistory{
		messages: map[string][]models.Message{
			"u123": {
				{ID: "1", Role: models.RoleUser, Content: "any laptops?"},
				{ID: "2", Role: models.RoleAssistant, Content: "plenty in stock"},
			},
		},
	}

	m, err := handlers.NewMain(assistant, history, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	get := func(uid string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if uid != "" {
			req.AddCookie(&http.Cookie{Name: "uid", Value: uid})
		}
		w := httptest.NewRecorder()
		m.HandleHome(w, req)
		return w
	}

	w := get("u123")
	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "plenty in stock") {
		t.Errorf("HandleHome() body does not contain the loaded history")
	}
	if calls := history.historyCallsFor(); len(calls) != 1 || calls[0] != "u123" {
		t.Fatalf("history calls = %v, want exactly one for u123", calls)
	}

	// A repeated mount of the same session must not reload.
	get("u123")
	if calls := history.historyCallsFor(); len(calls) != 1 {
		t.Errorf("history calls after second mount = %v, want still one", calls)
	}

	// A new identity resolves to a new session key and triggers exactly one
	// reload for it.
	get("u456")
	if calls := history.historyCallsFor(); len(calls) != 2 || calls[1] != "u456" {
		t.Errorf("history calls after identity switch = %v, want a single new call for u456", calls)
	}
}

func TestHandleHomeServesCacheWhenHistoryFails(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()
	store.messages["default"] = []models.Message{
		{ID: "1", Role: models.RoleAssistant, Content: "cached answer"},
	}
	history := &mockHistory{err: errors.New("upstream down")}

	m, err := handlers.NewMain(assistant, history, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	m.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "cached answer") {
		t.Errorf("HandleHome() body must fall back to the cached transcript")
	}
}

func TestHandleHomeFinalizesInterruptedStream(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()
	// A placeholder persisted mid-stream before a restart.
	store.messages["default"] = []models.Message{
		{ID: "1", Role: models.RoleUser, Content: "hello"},
		{ID: "2", Role: models.RoleAssistant, Streaming: true},
	}

	m, err := handlers.NewMain(assistant, nil, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	m.HandleHome(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleHome() status = %v, want %v", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	if strings.Contains(body, `data-streaming="true"`) {
		t.Error("a reloaded transcript must not render an active stream")
	}
	if !strings.Contains(body, "Sorry, I encountered an error") {
		t.Error("an empty interrupted placeholder must render as the error surrogate")
	}

	// The dead placeholder must not hold the guard either.
	w = httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", "message=hello again"))
	if w.Code != http.StatusOK {
		t.Errorf("HandleChats() after reload status = %v, want %v", w.Code, http.StatusOK)
	}
}

func TestHandleChats(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		form       string
		wantStatus int
	}{
		{
			name:       "Invalid method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Empty message",
			method:     http.MethodPost,
			form:       "message=",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Valid message",
			method:     http.MethodPost,
			form:       "message=hello",
			wantStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assistant := newMockAssistant([]models.StreamEvent{
				{Type: models.EventContent, Content: "Hi there", IsPartial: true},
				{Type: models.EventComplete, Content: "Hi there!"},
			}, nil)
			store := newMockStore()

			m, err := handlers.NewMain(assistant, nil, store, 0, discardLogger())
			if err != nil {
				t.Fatal(err)
			}

			req := httptest.NewRequest(tt.method, "/chats", strings.NewReader(tt.form))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			w := httptest.NewRecorder()

			m.HandleChats(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("HandleChats() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			if !strings.Contains(w.Body.String(), "hello") {
				t.Errorf("HandleChats() body must contain the rendered user message")
			}

			select {
			case <-assistant.done:
			case <-time.After(2 * time.Second):
				t.Fatal("stream did not finish")
			}

			waitUntil(t, func() bool {
				msgs := store.messagesFor("default")
				if len(msgs) != 2 {
					return false
				}
				last := msgs[1]
				return last.Content == "Hi there!" && !last.Streaming
			})

			msgs := store.messagesFor("default")
			if msgs[0].Role != models.RoleUser || msgs[0].Content != "hello" {
				t.Errorf("stored transcript[0] = %+v, want the user message", msgs[0])
			}
			if msgs[1].Role != models.RoleAssistant {
				t.Errorf("stored transcript[1] = %+v, want the finalized assistant message", msgs[1])
			}

			reqs := assistant.requestsSeen()
			if len(reqs) != 1 || reqs[0].Message != "hello" || reqs[0].SessionKey != "default" {
				t.Errorf("assistant requests = %+v, want a single request for %q", reqs, "hello")
			}
		})
	}
}

func TestHandleChatsRejectsConcurrentSubmission(t *testing.T) {
	assistant := &blockingAssistant{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	store := newMockStore()

	m, err := handlers.NewMain(assistant, nil, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer close(assistant.release)

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", "message=first"))
	if w.Code != http.StatusOK {
		t.Fatalf("first HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	select {
	case <-assistant.started:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not start")
	}

	w = httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", "message=second"))
	if w.Code != http.StatusConflict {
		t.Fatalf("second HandleChats() status = %v, want %v", w.Code, http.StatusConflict)
	}
}

func TestHandleChatsStreamTimeout(t *testing.T) {
	assistant := &waitingAssistant{done: make(chan struct{}, 8)}
	store := newMockStore()

	m, err := handlers.NewMain(assistant, nil, store, 100*time.Millisecond, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", "message=hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	// The backend never produces an event; only the timeout can cancel its
	// context and unblock it.
	select {
	case <-assistant.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout did not cancel the stream context")
	}

	waitUntil(t, func() bool {
		msgs := store.messagesFor("default")
		if len(msgs) != 2 {
			return false
		}
		last := msgs[1]
		return last.Role == models.RoleSystem &&
			last.Content == chat.TransportErrorMessage &&
			!last.Streaming && last.Failed
	})

	// The guard must be released with the connection, so the next submission
	// goes through.
	waitUntil(t, func() bool {
		w := httptest.NewRecorder()
		m.HandleChats(w, postForm("/chats", "message=again"))
		return w.Code == http.StatusOK
	})
}

func TestHandleChatsTransportFailure(t *testing.T) {
	assistant := newMockAssistant(nil, errors.New("connection refused"))
	store := newMockStore()

	m, err := handlers.NewMain(assistant, nil, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", "message=hello"))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleChats() status = %v, want %v", w.Code, http.StatusOK)
	}

	select {
	case <-assistant.done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}

	waitUntil(t, func() bool {
		msgs := store.messagesFor("default")
		if len(msgs) != 2 {
			return false
		}
		last := msgs[1]
		return last.Role == models.RoleSystem &&
			last.Content == chat.TransportErrorMessage &&
			!last.Streaming && last.Failed
	})
}

func TestHandleClearChat(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()
	history := &mockHistory{
		messages: map[string][]models.Message{
			"u123": {{ID: "1", Role: models.RoleUser, Content: "hello"}},
		},
	}

	m, err := handlers.NewMain(assistant, history, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Mount the page first so the conversation exists and holds history.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "uid", Value: "u123"})
	m.HandleHome(httptest.NewRecorder(), req)

	w := httptest.NewRecorder()
	m.HandleClearChat(w, postForm("/chats/clear", "user_id=u123"))
	if w.Code != http.StatusOK {
		t.Fatalf("HandleClearChat() status = %v, want %v", w.Code, http.StatusOK)
	}

	if calls := history.clearCallsFor(); len(calls) != 1 || calls[0] != "u123" {
		t.Errorf("upstream clear calls = %v, want exactly one for u123", calls)
	}
	if msgs := store.messagesFor("u123"); len(msgs) != 0 {
		t.Errorf("stored transcript after clear = %+v, want empty", msgs)
	}

	// The page rendered after clearing must show an empty conversation.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "uid", Value: "u123"})
	w = httptest.NewRecorder()
	m.HandleHome(w, req)
	if strings.Contains(w.Body.String(), "hello") {
		t.Error("cleared conversation must not render old messages")
	}
}

func TestHandleClearChatUpstreamFailure(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()
	store.messages["u123"] = []models.Message{{ID: "1", Content: "hello"}}
	history := &mockHistory{err: errors.New("upstream down")}

	m, err := handlers.NewMain(assistant, history, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	m.HandleClearChat(w, postForm("/chats/clear", "user_id=u123"))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("HandleClearChat() status = %v, want %v", w.Code, http.StatusBadGateway)
	}
	if msgs := store.messagesFor("u123"); len(msgs) != 1 {
		t.Errorf("local transcript must survive a failed upstream clear, got %+v", msgs)
	}
}

func TestHandleSessions(t *testing.T) {
	assistant := newMockAssistant(nil, nil)
	store := newMockStore()
	store.messages["u123"] = []models.Message{{ID: "1", Content: "hello"}}

	m, err := handlers.NewMain(assistant, nil, store, 0, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	w := httptest.NewRecorder()
	m.HandleSessions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("HandleSessions() status = %v, want %v", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "u123") {
		t.Errorf("HandleSessions() body = %v, want it to list u123", w.Body.String())
	}
}

func newMockAssistant(events []models.StreamEvent, err error) *mockAssistant {
	return &mockAssistant{
		events: events,
		err:    err,
		done:   make(chan struct{}, 8),
	}
}

func (a *mockAssistant) Stream(_ context.Context, req models.StreamRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		a.mu.Lock()
		a.requests = append(a.requests, req)
		a.mu.Unlock()
		defer func() { a.done <- struct{}{} }()

		if a.err != nil {
			yield(models.StreamEvent{}, a.err)
			return
		}
		for _, ev := range a.events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (a *mockAssistant) requestsSeen() []models.StreamRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.StreamRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

func (a *blockingAssistant) Stream(context.Context, models.StreamRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		close(a.started)
		<-a.release
		yield(models.StreamEvent{Type: models.EventComplete, Content: "done"}, nil)
	}
}

func (a *waitingAssistant) Stream(ctx context.Context, _ models.StreamRequest) iter.Seq2[models.StreamEvent, error] {
	return func(yield func(models.StreamEvent, error) bool) {
		defer func() { a.done <- struct{}{} }()
		<-ctx.Done()
		yield(models.StreamEvent{}, ctx.Err())
	}
}

func newMockStore() *mockStore {
	return &mockStore{messages: map[string][]models.Message{}}
}

func (m *mockStore) Sessions(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var keys []string
	for key := range m.messages {
		keys = append(keys, key)
	}
	return keys, nil
}

func (m *mockStore) Messages(_ context.Context, sessionKey string) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]models.Message, len(m.messages[sessionKey]))
	copy(out, m.messages[sessionKey])
	return out, nil
}

func (m *mockStore) AppendMessage(_ context.Context, sessionKey string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages[sessionKey] = append(m.messages[sessionKey], msg)
	return nil
}

func (m *mockStore) UpdateMessage(_ context.Context, sessionKey string, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for i := range m.messages[sessionKey] {
		if m.messages[sessionKey][i].ID == msg.ID {
			m.messages[sessionKey][i] = msg
			return nil
		}
	}
	return nil
}

func (m *mockStore) ReplaceMessages(_ context.Context, sessionKey string, msgs []models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	m.messages[sessionKey] = out
	return nil
}

func (m *mockStore) ClearSession(_ context.Context, sessionKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.messages, sessionKey)
	m.cleared = append(m.cleared, sessionKey)
	return nil
}

func (m *mockStore) messagesFor(sessionKey string) []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, len(m.messages[sessionKey]))
	copy(out, m.messages[sessionKey])
	return out
}

func (h *mockHistory) History(_ context.Context, sessionKey string) ([]models.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.historyCalls = append(h.historyCalls, sessionKey)
	if h.err != nil {
		return nil, h.err
	}
	return h.messages[sessionKey], nil
}

func (h *mockHistory) Clear(_ context.Context, sessionKey string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clearCalls = append(h.clearCalls, sessionKey)
	return h.err
}

func (h *mockHistory) historyCallsFor() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.historyCalls))
	copy(out, h.historyCalls)
	return out
}

func (h *mockHistory) clearCallsFor() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.clearCalls))
	copy(out, h.clearCalls)
	return out
}
