package hooks

// Hook phases.
const (
	PhaseBefore = "before"
	PhaseAfter  = "after"
)

// HookConfig describes how to call an external hook endpoint.
type HookConfig struct {
	URL        string            `yaml:"url"         json:"url"`
	AuthType   string            `yaml:"auth_type"   json:"auth_type"`   // "bearer", "hmac", "none"
	AuthSecret string            `yaml:"auth_secret" json:"auth_secret"` // token or HMAC key
	TimeoutSec int               `yaml:"timeout_sec" json:"timeout_sec"`
	Headers    map[string]string `yaml:"headers"     json:"headers,omitempty"`
}

// HookRequest is the payload sent to a hook endpoint.
type HookRequest struct {
	SessionID string            `json:"session_id"`
	Phase     string            `json:"phase"`
	State     string            `json:"state"`
	Method    string            `json:"method"`
	Args      []string          `json:"args,omitempty"`
	Variables map[string]string `json:"variables"`
}

// HookResponse is the expected response from a hook endpoint.
type HookResponse struct {
	// Intercept asks the dialog runtime to skip the intent handler.
	// It is only honoured for before-hooks.
	Intercept bool              `json:"intercept,omitempty"`
	Reply     string            `json:"reply,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
	Data      map[string]any    `json:"data,omitempty"`
}
