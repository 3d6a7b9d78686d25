package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/voicetyped/intentflow/pkg/hooks"
)

// ErrActionFailed is wrapped by errors raised from "fail" actions.
var ErrActionFailed = errors.New("dialog action failed")

// ActionRunner executes declarative actions on behalf of compiled handlers.
type ActionRunner struct {
	hooks *hooks.Executor
}

// NewActionRunner creates a runner. hookExec may be nil, in which case
// call_hook actions are skipped.
func NewActionRunner(hookExec *hooks.Executor) *ActionRunner {
	return &ActionRunner{hooks: hookExec}
}

// Compile validates d and builds a registry whose states run d's actions.
func (r *ActionRunner) Compile(d *Dialog) (*Registry, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}

	reg := NewRegistry()
	for name, spec := range d.States {
		if err := reg.Register(name, func() *State { return r.buildState(name, spec) }); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func (r *ActionRunner) buildState(name string, spec StateSpec) *State {
	s := NewState(name)
	for intent, actions := range spec.Intents {
		s.On(intent, r.handler(MethodName(intent), actions))
	}
	for gname, actions := range spec.Generic {
		g, _ := ParseGenericIntent(gname)
		s.OnGeneric(g, r.handler(g.MethodName(), actions))
	}
	if len(spec.Unhandled) > 0 {
		s.OnUnhandled(r.handler(UnhandledMethod, spec.Unhandled))
	}
	if len(spec.ErrorFallback) > 0 {
		actions := spec.ErrorFallback
		s.OnError(func(ctx context.Context, f Failure, m *Machine, args ...any) error {
			sc := newScope(m, f.Method, args)
			sc.State = f.StateName
			sc.Error = f.Err.Error()
			sc.Original = trailingName(f.Method, args)
			return r.Run(ctx, m, actions, sc)
		})
	}
	return s
}

func (r *ActionRunner) handler(method string, actions []Action) IntentHandler {
	return func(ctx context.Context, m *Machine, args ...any) error {
		sc := newScope(m, method, args)
		sc.Original = trailingName(method, args)
		return r.Run(ctx, m, actions, sc)
	}
}

// trailingName returns the original intent name the unhandled handler
// receives as its last argument.
func trailingName(method string, args []any) string {
	if method != UnhandledMethod || len(args) == 0 {
		return ""
	}
	s, _ := args[len(args)-1].(string)
	return s
}

// Run executes actions in order, stopping at the first error.
func (r *ActionRunner) Run(ctx context.Context, m *Machine, actions []Action, sc Scope) error {
	for _, a := range actions {
		ok, err := EvalCondition(a.When, sc)
		if err != nil {
			return fmt.Errorf("eval condition %q: %w", a.When, err)
		}
		if !ok {
			continue
		}
		if err := r.runAction(ctx, m, a, sc); err != nil {
			return err
		}
		// Later actions see variables written by earlier ones.
		if s := m.Session(); s != nil {
			sc.Variables = s.CopyVariables()
		}
	}
	return nil
}

func (r *ActionRunner) runAction(ctx context.Context, m *Machine, a Action, sc Scope) error {
	switch a.Type {
	case ActionSay:
		text, err := RenderParam(a.Params["text"], sc)
		if err != nil {
			return fmt.Errorf("render say text: %w", err)
		}
		m.Reply(text)

	case ActionSetVariable:
		s := m.Session()
		if s == nil {
			return nil
		}
		for k, v := range a.Params {
			rendered, err := RenderParam(v, sc)
			if err != nil {
				return fmt.Errorf("render variable %q: %w", k, err)
			}
			s.SetVariable(k, rendered)
		}

	case ActionTransition:
		return m.TransitionTo(ctx, a.Params["state"])

	case ActionRedirect:
		intent, err := RenderParam(a.Params["intent"], sc)
		if err != nil {
			return fmt.Errorf("render redirect intent: %w", err)
		}
		method, err := IntentMethod(intent)
		if err != nil {
			return err
		}
		if err := m.TransitionTo(ctx, a.Params["state"]); err != nil {
			return err
		}
		_, err = m.HandleMethod(ctx, method, sc.Args...)
		return err

	case ActionCallHook:
		r.callHook(ctx, m, a, sc)

	case ActionFail:
		msg, err := RenderParam(a.Params["message"], sc)
		if err != nil {
			return fmt.Errorf("render fail message: %w", err)
		}
		return fmt.Errorf("%w: %s", ErrActionFailed, msg)

	case ActionEndSession:
		m.EndSession()

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	return nil
}

// callHook invokes a remote hook. Hook errors are non-fatal for actions.
func (r *ActionRunner) callHook(ctx context.Context, m *Machine, a Action, sc Scope) {
	if r.hooks == nil {
		return
	}
	timeout, _ := strconv.Atoi(a.Params["timeout_sec"])
	cfg := hooks.HookConfig{
		URL:        a.Params["url"],
		AuthType:   a.Params["auth_type"],
		AuthSecret: a.Params["auth_secret"],
		TimeoutSec: timeout,
	}
	req := hooks.HookRequest{
		Phase:     "action",
		State:     sc.State,
		Method:    sc.Method,
		Args:      stringArgs(sc.Args),
		Variables: sc.Variables,
	}
	if s := m.Session(); s != nil {
		req.SessionID = s.ID()
	}

	resp, err := r.hooks.Execute(ctx, cfg, req)
	if err != nil {
		slog.WarnContext(ctx, "dialog: call_hook failed",
			slog.String("url", cfg.URL),
			slog.String("state", sc.State),
			slog.String("error", err.Error()))
		return
	}
	applyHookResponse(m, resp)
}

func applyHookResponse(m *Machine, resp *hooks.HookResponse) {
	if resp == nil {
		return
	}
	if s := m.Session(); s != nil {
		for k, v := range resp.Variables {
			s.SetVariable(k, v)
		}
	}
	if resp.Reply != "" {
		m.Reply(resp.Reply)
	}
}

func stringArgs(args []any) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, fmt.Sprint(a))
	}
	return out
}

// Validate checks the dialog definition for consistency.
func Validate(d *Dialog) error {
	if d.InitialState == "" {
		return fmt.Errorf("dialog %q: initial_state is required", d.Name)
	}
	if _, ok := d.States[d.InitialState]; !ok {
		return fmt.Errorf("dialog %q: initial_state %q not found in states",
			d.Name, d.InitialState)
	}

	for name, spec := range d.States {
		for gname := range spec.Generic {
			if _, ok := ParseGenericIntent(gname); !ok {
				return fmt.Errorf("dialog %q state %q: unknown generic intent %q", d.Name, name, gname)
			}
		}
		groups := map[string][]Action{
			"unhandled":      spec.Unhandled,
			"error_fallback": spec.ErrorFallback,
		}
		for intent, actions := range spec.Intents {
			groups["intent "+intent] = actions
		}
		for gname, actions := range spec.Generic {
			groups["generic "+gname] = actions
		}
		for where, actions := range groups {
			for i, a := range actions {
				if err := validateAction(d, a); err != nil {
					return fmt.Errorf("dialog %q state %q %s action %d: %w", d.Name, name, where, i, err)
				}
			}
		}
	}
	return nil
}

func validateAction(d *Dialog, a Action) error {
	if !knownActions[a.Type] {
		return fmt.Errorf("unknown action type %q", a.Type)
	}
	switch a.Type {
	case ActionTransition, ActionRedirect:
		target := a.Params["state"]
		if target == "" {
			return fmt.Errorf("%s: state is required", a.Type)
		}
		if _, ok := d.States[target]; !ok {
			return fmt.Errorf("%s: target %q not found", a.Type, target)
		}
		if a.Type == ActionRedirect {
			intent := a.Params["intent"]
			if intent == "" {
				return fmt.Errorf("redirect: intent is required")
			}
			if !strings.Contains(intent, "{{") {
				if _, err := IntentMethod(intent); err != nil {
					return fmt.Errorf("redirect: %w", err)
				}
			}
		}
	case ActionCallHook:
		if a.Params["url"] == "" {
			return fmt.Errorf("call_hook: url is required")
		}
	}

	for _, tmpl := range append([]string{a.When}, paramValues(a.Params)...) {
		if _, err := parseTemplate(tmpl); err != nil {
			return fmt.Errorf("template %q: %w", tmpl, err)
		}
	}
	return nil
}

func paramValues(params map[string]string) []string {
	out := make([]string, 0, len(params))
	for _, v := range params {
		out = append(out, v)
	}
	return out
}
