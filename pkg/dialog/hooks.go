package dialog

import "context"

// Verdict is a before-hook's decision about the pending dispatch.
type Verdict int

const (
	// Continue lets dispatch proceed to the next hook and the handler.
	Continue Verdict = iota
	// Intercept stops the pipeline; the intent handler is not invoked.
	Intercept
)

func (v Verdict) String() string {
	if v == Intercept {
		return "intercept"
	}
	return "continue"
}

// BeforeHook runs before an intent handler. method is the resolved method
// name and args are the arguments the handler would receive.
type BeforeHook func(ctx context.Context, state *State, method string, m *Machine, args ...any) (Verdict, error)

// AfterHook runs once per dispatch with the name of the method that executed,
// or that would have executed when a before-hook intercepted.
type AfterHook func(ctx context.Context, method string, m *Machine, args ...any) error

// Pipeline is an ordered set of before and after hooks. It is assembled before
// a turn and must not be modified while a dispatch is running.
type Pipeline struct {
	before []BeforeHook
	after  []AfterHook
}

// NewPipeline creates an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// Before appends before-hooks in registration order.
func (p *Pipeline) Before(hooks ...BeforeHook) *Pipeline {
	p.before = append(p.before, hooks...)
	return p
}

// After appends after-hooks in registration order.
func (p *Pipeline) After(hooks ...AfterHook) *Pipeline {
	p.after = append(p.after, hooks...)
	return p
}

// RunBefore executes before-hooks in order and reports whether dispatch may
// continue. The first Intercept stops evaluation; the first error aborts it.
func (p *Pipeline) RunBefore(ctx context.Context, state *State, method string, m *Machine, args []any) (bool, error) {
	if p == nil {
		return true, nil
	}
	for _, h := range p.before {
		v, err := h(ctx, state, method, m, args...)
		if err != nil {
			return false, err
		}
		if v == Intercept {
			return false, nil
		}
	}
	return true, nil
}

// RunAfter executes every after-hook in order. The first error aborts the rest.
func (p *Pipeline) RunAfter(ctx context.Context, method string, m *Machine, args []any) error {
	if p == nil {
		return nil
	}
	for _, h := range p.after {
		if err := h(ctx, method, m, args...); err != nil {
			return err
		}
	}
	return nil
}
