package dialog

// Dialog is a YAML-mappable dialog definition. Each state maps intents to
// action lists that are compiled into intent handlers.
type Dialog struct {
	Name         string               `yaml:"name"          json:"name"`
	Version      string               `yaml:"version"       json:"version"`
	Description  string               `yaml:"description"   json:"description"`
	Variables    map[string]string    `yaml:"variables"     json:"variables"`
	InitialState string               `yaml:"initial_state" json:"initial_state"`
	States       map[string]StateSpec `yaml:"states"        json:"states"`
}

// StateSpec declares the handlers of one state.
type StateSpec struct {
	// Intents is keyed by platform intent name ("order" handles orderIntent).
	Intents map[string][]Action `yaml:"intents"        json:"intents,omitempty"`
	// Generic is keyed by generic intent name ("help", "cancel").
	Generic       map[string][]Action `yaml:"generic"        json:"generic,omitempty"`
	Unhandled     []Action            `yaml:"unhandled"      json:"unhandled,omitempty"`
	ErrorFallback []Action            `yaml:"error_fallback" json:"error_fallback,omitempty"`
}

// Action is one step executed by a compiled handler.
type Action struct {
	Type   string            `yaml:"type"   json:"type"`
	When   string            `yaml:"when"   json:"when,omitempty"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// Action types.
const (
	ActionSay         = "say"
	ActionSetVariable = "set_variable"
	ActionTransition  = "transition"
	ActionRedirect    = "redirect"
	ActionCallHook    = "call_hook"
	ActionFail        = "fail"
	ActionEndSession  = "end_session"
)

var knownActions = map[string]bool{
	ActionSay:         true,
	ActionSetVariable: true,
	ActionTransition:  true,
	ActionRedirect:    true,
	ActionCallHook:    true,
	ActionFail:        true,
	ActionEndSession:  true,
}
