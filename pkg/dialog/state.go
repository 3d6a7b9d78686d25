package dialog

import (
	"context"
	"fmt"
	"strings"
)

// Well-known method names.
const (
	intentSuffix        = "Intent"
	genericIntentSuffix = "GenericIntent"

	// UnhandledMethod is invoked when a state has no handler for an intent.
	UnhandledMethod = "unhandledGenericIntent"
	// ErrorFallbackMethod is reported to after-hooks when the error fallback ran.
	ErrorFallbackMethod = "errorFallback"
)

// IntentHandler handles one intent for a state. Handlers receive the machine
// that dispatched them and may call TransitionTo or RedirectTo on it.
type IntentHandler func(ctx context.Context, m *Machine, args ...any) error

// Failure describes a handler error passed to a state's error fallback.
// State and StateName refer to the state that was current when the failing
// handler was invoked, even if the handler transitioned away before failing.
type Failure struct {
	Err       error
	State     *State
	StateName string
	Method    string
}

// FallbackHandler recovers from a failed intent handler. args are exactly
// the arguments the failed handler received.
type FallbackHandler func(ctx context.Context, f Failure, m *Machine, args ...any) error

// State bundles the intent handlers for one phase of a conversation.
type State struct {
	Name string

	// Intents maps canonical method names ("orderIntent",
	// "helpGenericIntent") to handlers.
	Intents map[string]IntentHandler

	ErrorFallback FallbackHandler
}

// Factory builds a fresh State instance.
type Factory func() *State

// NewState creates an empty state with the given name.
func NewState(name string) *State {
	return &State{
		Name:    name,
		Intents: make(map[string]IntentHandler),
	}
}

// On registers a handler for a platform intent ("order" -> "orderIntent").
func (s *State) On(intent string, h IntentHandler) *State {
	return s.OnMethod(MethodName(intent), h)
}

// OnGeneric registers a handler for a generic intent.
func (s *State) OnGeneric(g GenericIntent, h IntentHandler) *State {
	return s.OnMethod(g.MethodName(), h)
}

// OnUnhandled registers the generic unhandled-intent handler.
func (s *State) OnUnhandled(h IntentHandler) *State {
	return s.OnMethod(UnhandledMethod, h)
}

// OnError registers the error fallback.
func (s *State) OnError(h FallbackHandler) *State {
	s.ErrorFallback = h
	return s
}

// OnMethod registers a handler under an already canonical method name.
func (s *State) OnMethod(method string, h IntentHandler) *State {
	if s.Intents == nil {
		s.Intents = make(map[string]IntentHandler)
	}
	s.Intents[method] = h
	return s
}

// Method returns the handler registered under method.
func (s *State) Method(method string) (IntentHandler, bool) {
	h, ok := s.Intents[method]
	return h, ok && h != nil
}

// MethodName returns the canonical handler name for a platform intent.
func MethodName(intent string) string {
	return intent + intentSuffix
}

// GenericPrefix marks an intent name as generic, e.g. "generic:help".
const GenericPrefix = "generic:"

// IntentMethod maps an intent name to its handler method. Names carrying
// GenericPrefix map to generic intent methods.
func IntentMethod(name string) (string, error) {
	if rest, ok := strings.CutPrefix(name, GenericPrefix); ok {
		g, ok := ParseGenericIntent(rest)
		if !ok {
			return "", fmt.Errorf("unknown generic intent %q", rest)
		}
		if !g.Requestable() {
			return "", fmt.Errorf("generic intent %q cannot be requested directly", rest)
		}
		return g.MethodName(), nil
	}
	return MethodName(name), nil
}

// GenericIntent identifies a platform-independent intent.
type GenericIntent int

const (
	GenericInvoke GenericIntent = iota
	GenericUnanswered
	GenericUnhandled
	GenericHelp
	GenericYes
	GenericNo
	GenericCancel
	GenericStop
)

var genericIntentNames = [...]string{
	GenericInvoke:     "invoke",
	GenericUnanswered: "unanswered",
	GenericUnhandled:  "unhandled",
	GenericHelp:       "help",
	GenericYes:        "yes",
	GenericNo:         "no",
	GenericCancel:     "cancel",
	GenericStop:       "stop",
}

func (g GenericIntent) String() string {
	if g < 0 || int(g) >= len(genericIntentNames) {
		return "unknown"
	}
	return genericIntentNames[g]
}

// MethodName returns the canonical handler name, e.g. "helpGenericIntent".
func (g GenericIntent) MethodName() string {
	return g.String() + genericIntentSuffix
}

// Requestable reports whether callers may name the intent. Unhandled is
// only reached through resolution, which appends the original method.
func (g GenericIntent) Requestable() bool {
	return g != GenericUnhandled
}

// ParseGenericIntent looks up a generic intent by its lowercase name.
func ParseGenericIntent(name string) (GenericIntent, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range genericIntentNames {
		if n == name {
			return GenericIntent(i), true
		}
	}
	return 0, false
}
