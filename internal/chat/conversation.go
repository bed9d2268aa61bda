package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopmate/chat-web-ui/internal/models"
)

// Phase describes where a conversation is in its streaming lifecycle.
type Phase int

const (
	// PhaseIdle means no assistant response is in flight.
	PhaseIdle Phase = iota
	// PhaseSending means a submission was accepted but no content event has
	// arrived yet. Status events keep the conversation in this phase.
	PhaseSending
	// PhaseStreaming means at least one content event has been folded into
	// the placeholder.
	PhaseStreaming
	// PhaseDone means the last response finished with a complete event.
	PhaseDone
	// PhaseFailed means the last response ended in an error event or a
	// transport failure.
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseStreaming:
		return "streaming"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// ErrBusy is returned by Submit while another response is still in flight.
var ErrBusy = errors.New("a response is already in flight")

// DefaultStreamTimeout bounds how long a submission may hold the in-flight
// guard before it is forcibly released along with its connection.
const DefaultStreamTimeout = 30 * time.Second

// TransportErrorMessage replaces the placeholder when the stream fails before
// any content arrived.
const TransportErrorMessage = "Sorry, I encountered an error while processing your request. Please try again."

// Conversation holds the ordered transcript of one chat session and the
// lifecycle state of the single in-flight assistant response. The transcript
// is append-only except for the in-place mutation of the current placeholder.
// All methods are safe for concurrent use; HTTP handlers and the stream
// goroutine share one instance per session key.
type Conversation struct {
	sessionKey string

	mu       sync.Mutex
	phase    Phase
	messages []models.Message
	streamID string
	cancel   context.CancelFunc
}

// NewConversation creates an empty conversation bound to the given session
// key.
func NewConversation(sessionKey string) *Conversation {
	return &Conversation{sessionKey: sessionKey}
}

// SessionKey returns the history key this conversation belongs to.
func (c *Conversation) SessionKey() string {
	return c.sessionKey
}

// Phase returns the current lifecycle phase.
func (c *Conversation) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// InFlight reports whether the in-flight guard is held, i.e. whether a new
// submission would be rejected.
func (c *Conversation) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID != ""
}

// Messages returns a copy of the transcript.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Len returns the number of messages in the transcript.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

// ReplaceHistory swaps the transcript for the server-provided one. The server
// order is authoritative. Rejected while a response is in flight, so a
// history reload can never clobber an active placeholder.
//
// A loaded message can still carry the streaming flag when a placeholder was
// persisted mid-stream and the process restarted before it was finalized.
// Nothing will ever finish such a stream, so it is finalized here: an empty
// placeholder becomes the error surrogate, a partial one keeps its text.
func (c *Conversation) ReplaceHistory(messages []models.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID != "" {
		return ErrBusy
	}
	c.messages = make([]models.Message, len(messages))
	copy(c.messages, messages)
	for i := range c.messages {
		if !c.messages[i].Streaming {
			continue
		}
		c.messages[i].Streaming = false
		if c.messages[i].Content == "" {
			c.messages[i].Role = models.RoleSystem
			c.messages[i].Content = TransportErrorMessage
			c.messages[i].Failed = true
		}
	}
	return nil
}

// Submit appends an immutable user message followed by a streaming assistant
// placeholder, and acquires the in-flight guard. It returns both messages, or
// ErrBusy while another response is in flight.
func (c *Conversation) Submit(text string) (models.Message, models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID != "" {
		return models.Message{}, models.Message{}, ErrBusy
	}

	now := time.Now()
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: now,
	}
	placeholder := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Timestamp: now,
		Streaming: true,
	}

	c.messages = append(c.messages, userMsg, placeholder)
	c.streamID = placeholder.ID
	c.phase = PhaseSending
	return userMsg, placeholder, nil
}

// BindCancel attaches the cancel func that owns the current stream's
// connection. The guard and the connection share this one token: releasing
// the guard for any reason also cancels the stream, so the safety-net timeout
// cannot leave a dangling connection behind.
func (c *Conversation) BindCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == "" {
		// The stream already ended before the runner got here.
		cancel()
		return
	}
	c.cancel = cancel
}

// Apply folds one stream event into the current placeholder and returns the
// updated message along with whether anything changed. Events arriving after
// a terminal event, or with no placeholder in flight, are ignored.
func (c *Conversation) Apply(ev models.StreamEvent) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == "" {
		return models.Message{}, false
	}

	idx := c.indexOfLocked(c.streamID)
	if idx < 0 {
		return models.Message{}, false
	}
	msg := &c.messages[idx]

	switch ev.Type {
	case models.EventStatus:
		msg.Content = ev.Content
		msg.Streaming = true
	case models.EventContent:
		msg.Content = ev.Content
		msg.Streaming = ev.IsPartial
		msg.NeedsApproval = ev.NeedsApproval
		c.phase = PhaseStreaming
	case models.EventComplete:
		msg.Content = ev.Content
		msg.Streaming = false
		msg.NeedsApproval = ev.NeedsApproval
		c.phase = PhaseDone
		c.releaseLocked()
	case models.EventError:
		msg.Content = ev.Content
		msg.Role = models.RoleSystem
		msg.Streaming = false
		msg.Failed = true
		c.phase = PhaseFailed
		c.releaseLocked()
	case models.EventEnd:
		if msg.Streaming {
			msg.Streaming = false
		}
		c.phase = PhaseIdle
		c.releaseLocked()
	default:
		return models.Message{}, false
	}

	return *msg, true
}

// Fail handles a transport-level failure. If no content event arrived yet the
// placeholder is converted into a system error surrogate; a partially
// streamed placeholder keeps its text and is merely finalized. Either way the
// guard is released. The second return value reports whether the placeholder
// changed.
func (c *Conversation) Fail() (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == "" {
		return models.Message{}, false
	}

	idx := c.indexOfLocked(c.streamID)
	c.phase = PhaseFailed
	c.releaseLocked()
	if idx < 0 {
		return models.Message{}, false
	}

	msg := &c.messages[idx]
	if msg.Content == "" {
		msg.Role = models.RoleSystem
		msg.Content = TransportErrorMessage
		msg.Failed = true
	}
	msg.Streaming = false
	return *msg, true
}

// Release clears the in-flight guard and cancels the stream without touching
// the transcript.
func (c *Conversation) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamID == "" {
		return
	}
	if c.phase == PhaseSending || c.phase == PhaseStreaming {
		c.phase = PhaseIdle
	}
	c.releaseLocked()
}

// Clear empties the transcript and aborts any in-flight stream.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = nil
	c.phase = PhaseIdle
	c.releaseLocked()
}

func (c *Conversation) releaseLocked() {
	c.streamID = ""
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

func (c *Conversation) indexOfLocked(id string) int {
	// The placeholder is nearly always the last message; scan backwards.
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}
