package config

import (
	"fmt"
	"time"

	"github.com/pitabwire/frame/config"

	"github.com/voicetyped/intentflow/pkg/hooks"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreDatabase = "database"
)

// DialogConfig holds configuration for the dialog service.
type DialogConfig struct {
	config.ConfigurationDefault

	DialogDir     string `envDefault:"./dialogs" env:"DIALOG_DIR"`
	DefaultDialog string `envDefault:"example"   env:"DEFAULT_DIALOG"`
	WatchDialogs  bool   `envDefault:"true"      env:"WATCH_DIALOGS"`

	// Sessions
	StoreBackend   string `envDefault:"memory"          env:"SESSION_STORE"`
	RedisAddr      string `envDefault:"localhost:6379"  env:"REDIS_ADDR"`
	RedisPassword  string `envDefault:""                env:"REDIS_PASSWORD"`
	RedisDB        int    `envDefault:"0"               env:"REDIS_DB"`
	RedisPrefix    string `envDefault:"intentflow:session:" env:"REDIS_PREFIX"`
	SessionTTLSec  int    `envDefault:"1800"            env:"SESSION_TTL_SEC"`
	TurnTimeoutSec int    `envDefault:"10"              env:"TURN_TIMEOUT_SEC"`

	// Service-wide remote hooks around every dispatch.
	HookURL           string `envDefault:""      env:"HOOK_URL"`
	HookAuthType      string `envDefault:"none"  env:"HOOK_AUTH_TYPE"`
	HookAuthSecret    string `envDefault:""      env:"HOOK_AUTH_SECRET"`
	HookTimeoutSec    int    `envDefault:"5"     env:"HOOK_TIMEOUT_SEC"`
	HookAfter         bool   `envDefault:"false" env:"HOOK_AFTER"`
	CBFailThreshold   int    `envDefault:"5"     env:"CB_FAILURE_THRESHOLD"`
	CBResetTimeoutSec int    `envDefault:"60"    env:"CB_RESET_TIMEOUT_SEC"`

	// Hosts exempt from the private address check, e.g. in-cluster hook services.
	HookAllowedHosts []string `env:"HOOK_ALLOWED_HOSTS" envSeparator:","`

	// Queue-driven turns. Empty disables the subscriber.
	TurnQueueName string `envDefault:""  env:"TURN_QUEUE_NAME"`
	TurnQueueURL  string `envDefault:""  env:"TURN_QUEUE_URL"`
}

// SessionTTL returns the session expiry, zero when disabled.
func (c *DialogConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

// TurnTimeout returns the per-turn deadline, zero when disabled.
func (c *DialogConfig) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// HookConfig returns the service-wide hook endpoint, or false if none is set.
func (c *DialogConfig) HookConfig() (hooks.HookConfig, bool) {
	if c.HookURL == "" {
		return hooks.HookConfig{}, false
	}
	return hooks.HookConfig{
		URL:        c.HookURL,
		AuthType:   c.HookAuthType,
		AuthSecret: c.HookAuthSecret,
		TimeoutSec: c.HookTimeoutSec,
	}, true
}

// Validate checks values the env parser cannot.
func (c *DialogConfig) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreRedis, StoreDatabase:
	default:
		return fmt.Errorf("unknown session store %q", c.StoreBackend)
	}
	switch c.HookAuthType {
	case "", "none", "bearer", "hmac":
	default:
		return fmt.Errorf("unknown hook auth type %q", c.HookAuthType)
	}
	if c.HookAuthType == "hmac" && c.HookAuthSecret == "" {
		return fmt.Errorf("hook auth type hmac requires HOOK_AUTH_SECRET")
	}
	if (c.TurnQueueName == "") != (c.TurnQueueURL == "") {
		return fmt.Errorf("TURN_QUEUE_NAME and TURN_QUEUE_URL must be set together")
	}
	return nil
}
