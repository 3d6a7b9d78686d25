package dialog

// Dispatch is the resolved target of an intent.
type Dispatch struct {
	// Method is the handler that will run.
	Method string
	// Original is the canonical intent method name when the unhandled
	// handler was selected, empty otherwise.
	Original string
	Unhandled bool

	handler IntentHandler
}

// Args returns the arguments the selected handler receives after the machine.
// The unhandled handler gets the original method name appended.
func (d Dispatch) Args(args []any) []any {
	if !d.Unhandled {
		return args
	}
	out := make([]any, 0, len(args)+1)
	out = append(out, args...)
	return append(out, d.Original)
}

// Resolve picks the handler for method on state: the direct handler, then the
// unhandled handler, else IntentNotSupportedError.
func Resolve(state *State, method string) (Dispatch, error) {
	if h, ok := state.Method(method); ok {
		return Dispatch{Method: method, handler: h}, nil
	}
	if h, ok := state.Method(UnhandledMethod); ok {
		return Dispatch{
			Method:    UnhandledMethod,
			Original:  method,
			Unhandled: true,
			handler:   h,
		}, nil
	}
	return Dispatch{}, &IntentNotSupportedError{State: state.Name, Method: method}
}
