package dialog

import (
	"context"
	"fmt"

	"github.com/voicetyped/intentflow/pkg/hooks"
)

// RemoteBeforeHook calls an HTTP hook before every dispatch. A response with
// intercept set stops the handler from running; reply and variables in the
// response are applied either way.
func RemoteBeforeHook(exec *hooks.Executor, cfg hooks.HookConfig) BeforeHook {
	return func(ctx context.Context, state *State, method string, m *Machine, args ...any) (Verdict, error) {
		resp, err := exec.Execute(ctx, cfg, hookRequest(hooks.PhaseBefore, state.Name, method, m, args))
		if err != nil {
			return Continue, fmt.Errorf("before hook: %w", err)
		}
		applyHookResponse(m, resp)
		if resp.Intercept {
			return Intercept, nil
		}
		return Continue, nil
	}
}

// RemoteAfterHook calls an HTTP hook after every dispatch.
func RemoteAfterHook(exec *hooks.Executor, cfg hooks.HookConfig) AfterHook {
	return func(ctx context.Context, method string, m *Machine, args ...any) error {
		resp, err := exec.Execute(ctx, cfg, hookRequest(hooks.PhaseAfter, m.CurrentStateName(), method, m, args))
		if err != nil {
			return fmt.Errorf("after hook: %w", err)
		}
		applyHookResponse(m, resp)
		return nil
	}
}

func hookRequest(phase, state, method string, m *Machine, args []any) hooks.HookRequest {
	req := hooks.HookRequest{
		Phase:  phase,
		State:  state,
		Method: method,
		Args:   stringArgs(args),
	}
	if s := m.Session(); s != nil {
		req.SessionID = s.ID()
		req.Variables = s.CopyVariables()
	}
	return req
}
