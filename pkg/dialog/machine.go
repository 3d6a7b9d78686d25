package dialog

import (
	"context"
	"errors"
	"time"
)

// Outcome describes a completed HandleIntent call.
type Outcome struct {
	// State is the state that was current when the intent arrived.
	State string
	// Method is the method that executed: the intent handler, the unhandled
	// handler or errorFallback. For interceptions it is the target that
	// would have run.
	Method string
	// Original is set when the unhandled handler was selected.
	Original string
	// Unsupported is set when the state had no handler for the intent.
	Unsupported bool
	Intercepted bool
	FellBack    bool
	Duration    time.Duration
}

// Observer is notified of transitions and dispatches. Observers must not
// call back into the machine.
type Observer interface {
	Transitioned(ctx context.Context, from, to, trigger string)
	Dispatched(ctx context.Context, out Outcome, err error)
}

// Machine routes intents to the handlers of the current state for one
// conversational turn. It is owned by a single goroutine; at most one
// HandleIntent may be in flight, although handlers may re-enter it through
// RedirectTo.
type Machine struct {
	registry  *Registry
	hooks     *Pipeline
	session   *Session
	observers []Observer

	current string
	trigger string

	replies []string
	ended   bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithHooks attaches the hook pipeline.
func WithHooks(p *Pipeline) Option {
	return func(m *Machine) { m.hooks = p }
}

// WithSession records transitions into the session history.
func WithSession(s *Session) Option {
	return func(m *Machine) { m.session = s }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// NewMachine creates a machine positioned at initial, which must be registered.
func NewMachine(registry *Registry, initial string, opts ...Option) (*Machine, error) {
	if !registry.Exists(initial) {
		return nil, &UnknownStateError{Name: initial}
	}
	m := &Machine{
		registry: registry,
		current:  initial,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// CurrentStateName returns the name of the current state.
func (m *Machine) CurrentStateName() string {
	return m.current
}

// GetCurrentState returns a fresh instance of the current state.
func (m *Machine) GetCurrentState() (*State, error) {
	return m.registry.Resolve(m.current)
}

// StateExists reports whether name is a registered state.
func (m *Machine) StateExists(name string) bool {
	return m.registry.Exists(name)
}

// Session returns the attached session, if any.
func (m *Machine) Session() *Session {
	return m.session
}

// TransitionTo makes name the current state. It does not run hooks or
// handlers. Unknown names fail without changing the current state.
func (m *Machine) TransitionTo(ctx context.Context, name string) error {
	if !m.registry.Exists(name) {
		return &UnknownStateError{Name: name}
	}
	from := m.current
	m.current = name

	trigger := m.trigger
	if trigger == "" {
		trigger = "transition"
	}
	if m.session != nil {
		m.session.RecordTransition(from, name, trigger)
	}
	for _, o := range m.observers {
		o.Transitioned(ctx, from, name, trigger)
	}
	return nil
}

// RedirectTo transitions to state and then handles intent there.
func (m *Machine) RedirectTo(ctx context.Context, state, intent string, args ...any) (Outcome, error) {
	if err := m.TransitionTo(ctx, state); err != nil {
		return Outcome{}, err
	}
	return m.HandleIntent(ctx, intent, args...)
}

// HandleIntent dispatches a platform intent to the current state.
func (m *Machine) HandleIntent(ctx context.Context, intent string, args ...any) (Outcome, error) {
	return m.HandleMethod(ctx, MethodName(intent), args...)
}

// HandleGenericIntent dispatches a generic intent to the current state.
func (m *Machine) HandleGenericIntent(ctx context.Context, g GenericIntent, args ...any) (Outcome, error) {
	return m.HandleMethod(ctx, g.MethodName(), args...)
}

// HandleMethod dispatches an already canonical method name.
func (m *Machine) HandleMethod(ctx context.Context, method string, args ...any) (out Outcome, err error) {
	start := time.Now()
	stateName := m.current

	ctx, span := startDispatchSpan(ctx, stateName, method)
	defer func() {
		out.Duration = time.Since(start)
		endDispatchSpan(span, out, err)
		for _, o := range m.observers {
			o.Dispatched(ctx, out, err)
		}
	}()

	state, err := m.registry.Resolve(stateName)
	if err != nil {
		return Outcome{State: stateName, Method: method}, err
	}

	d, err := Resolve(state, method)
	if err != nil {
		// Nothing was resolved, so there is nothing for before-hooks to
		// intercept. The failure still gets the fallback and after-hooks.
		out = Outcome{State: stateName, Method: method, Unsupported: true}
		if state.ErrorFallback != nil {
			err = m.runFallback(ctx, state, stateName, method, &out, err, args)
		}
		return out, m.runAfter(ctx, out.Method, args, err)
	}
	out = Outcome{State: stateName, Method: d.Method, Original: d.Original}
	callArgs := d.Args(args)

	proceed, err := m.hooks.RunBefore(ctx, state, d.Method, m, callArgs)
	if err != nil {
		return out, err
	}
	if !proceed {
		out.Intercepted = true
		return out, m.hooks.RunAfter(ctx, d.Method, m, callArgs)
	}

	prevTrigger := m.trigger
	m.trigger = d.Method
	runErr := d.handler(ctx, m, callArgs...)
	m.trigger = prevTrigger

	if runErr != nil {
		if state.ErrorFallback != nil {
			runErr = m.runFallback(ctx, state, stateName, d.Method, &out, runErr, callArgs)
		} else {
			runErr = &IntentExecutionError{State: stateName, Method: d.Method, Err: runErr}
		}
	}
	return out, m.runAfter(ctx, out.Method, callArgs, runErr)
}

// runFallback hands a failed dispatch to the error fallback of state, the
// state that was current before the dispatch.
func (m *Machine) runFallback(ctx context.Context, state *State, stateName, method string, out *Outcome, cause error, args []any) error {
	out.FellBack = true
	out.Method = ErrorFallbackMethod
	return state.ErrorFallback(ctx, Failure{
		Err:       cause,
		State:     state,
		StateName: stateName,
		Method:    method,
	}, m, args...)
}

// runAfter runs the after-hooks once. A hook error is joined with the
// dispatch error.
func (m *Machine) runAfter(ctx context.Context, method string, args []any, dispatchErr error) error {
	if err := m.hooks.RunAfter(ctx, method, m, args); err != nil {
		return errors.Join(dispatchErr, err)
	}
	return dispatchErr
}

// Reply queues text for the response of the current turn.
func (m *Machine) Reply(text string) {
	m.replies = append(m.replies, text)
}

// Replies returns the text queued during this turn.
func (m *Machine) Replies() []string {
	out := make([]string, len(m.replies))
	copy(out, m.replies)
	return out
}

// EndSession marks the conversation as finished after this turn.
func (m *Machine) EndSession() {
	m.ended = true
}

// Ended reports whether a handler ended the session.
func (m *Machine) Ended() bool {
	return m.ended
}
