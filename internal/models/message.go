package models

import "time"

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the shopper. User messages are
	// immutable once created.
	RoleUser Role = "user"
	// RoleAssistant represents a response from the shopping assistant. While a
	// response is being streamed, its content is mutated in place.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a message produced by the UI itself, such as the
	// surrogate shown when a stream fails before any content arrived.
	RoleSystem Role = "system"
)

// Message represents an individual entry in a conversation transcript. The
// json tags follow the chatbot service's history payload so stored and fetched
// transcripts share one shape.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Streaming is true from placeholder creation until a terminal stream
	// event arrives. Once it flips to false the content is frozen.
	Streaming bool `json:"isStreaming,omitempty"`
	// NeedsApproval is surfaced by the chatbot service when a response
	// requires human review before it should be trusted.
	NeedsApproval bool `json:"needs_approval,omitempty"`
	// Failed marks the message as an error surrogate rather than real
	// assistant output.
	Failed bool `json:"error,omitempty"`
}

// EventType discriminates the events carried by the chatbot's SSE stream.
type EventType string

const (
	// EventStatus is an intermediate progress note emitted before real
	// content, e.g. "Searching products...".
	EventStatus EventType = "status"
	// EventContent carries the full accumulated response text so far, not a
	// delta. Consumers replace, never append.
	EventContent EventType = "content"
	// EventComplete is the normal terminal event carrying the final text.
	EventComplete EventType = "complete"
	// EventError is the terminal event emitted when the agent fails.
	EventError EventType = "error"
	// EventEnd is a defensive terminal event that only releases the stream.
	EventEnd EventType = "end"
)

// Terminal reports whether no further event may mutate the associated message
// after this one.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError || t == EventEnd
}

// StreamEvent is the decoded payload of one SSE frame from the chatbot
// service's streaming endpoint.
type StreamEvent struct {
	Type          EventType `json:"type"`
	Content       string    `json:"content"`
	IsPartial     bool      `json:"is_partial"`
	NeedsApproval bool      `json:"needs_approval"`
	SessionID     string    `json:"session_id,omitempty"`
}

// StreamRequest carries one submitted user message to an assistant backend.
// History holds the transcript up to and including the new user message;
// backends that keep their own history (the upstream chatbot service) ignore
// it.
type StreamRequest struct {
	Message    string
	SessionKey string
	UserID     string
	History    []Message
}
