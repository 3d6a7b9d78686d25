package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of event flowing through the system.
type EventType string

const (
	SessionStarted    EventType = "session.started"
	SessionEnded      EventType = "session.ended"
	StateTransition   EventType = "state.transition"
	IntentDispatched  EventType = "intent.dispatched"
	IntentIntercepted EventType = "intent.intercepted"
	IntentFailed      EventType = "intent.failed"
	FallbackInvoked   EventType = "fallback.invoked"
	HookResult        EventType = "hook.result"
	HookError         EventType = "hook.error"
	DialogReloaded    EventType = "dialog.reloaded"
	TurnCompleted     EventType = "turn.completed"
)

// Envelope is the standard event wrapper published to the event bus.
type Envelope struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Source    string            `json:"source"`
	SessionID string            `json:"session_id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionData is the payload for session.started and session.ended events.
type SessionData struct {
	DialogName string `json:"dialog_name"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
}

// StateTransitionData is the payload for state.transition events.
type StateTransitionData struct {
	FromState  string `json:"from_state"`
	ToState    string `json:"to_state"`
	Trigger    string `json:"trigger"`
	DialogName string `json:"dialog_name"`
}

// DispatchData is the payload for intent.* and fallback.invoked events.
type DispatchData struct {
	DialogName string `json:"dialog_name"`
	State      string `json:"state"`
	Method     string `json:"method"`
	Original   string `json:"original,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// HookResultData is the payload for hook.result events.
type HookResultData struct {
	HookURL    string         `json:"hook_url"`
	Phase      string         `json:"phase"`
	StatusCode int            `json:"status_code"`
	Intercept  bool           `json:"intercept"`
	Response   map[string]any `json:"response,omitempty"`
}

// HookErrorData is the payload for hook.error events.
type HookErrorData struct {
	HookURL string `json:"hook_url"`
	Error   string `json:"error"`
}

// DialogReloadedData is the payload for dialog.reloaded events.
type DialogReloadedData struct {
	Dialogs []string `json:"dialogs"`
	Error   string   `json:"error,omitempty"`
}

// TurnCompletedData is the payload for turn.completed events, emitted for
// turns that arrived over the queue.
type TurnCompletedData struct {
	DialogName    string   `json:"dialog_name"`
	PreviousState string   `json:"previous_state"`
	CurrentState  string   `json:"current_state"`
	Method        string   `json:"method"`
	Intercepted   bool     `json:"intercepted,omitempty"`
	Replies       []string `json:"replies,omitempty"`
	Ended         bool     `json:"ended,omitempty"`
	Error         string   `json:"error,omitempty"`
}
