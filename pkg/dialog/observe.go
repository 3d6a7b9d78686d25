package dialog

import (
	"context"
	"log/slog"

	"github.com/voicetyped/intentflow/pkg/events"
)

// EventObserver publishes transitions and dispatch outcomes as events.
type EventObserver struct {
	publisher *events.Publisher
	dialog    string
	sessionID string
}

// NewEventObserver creates an observer for one session of a dialog.
func NewEventObserver(pub *events.Publisher, dialogName, sessionID string) *EventObserver {
	return &EventObserver{publisher: pub, dialog: dialogName, sessionID: sessionID}
}

func (o *EventObserver) Transitioned(ctx context.Context, from, to, trigger string) {
	o.emit(ctx, events.StateTransition, &events.StateTransitionData{
		FromState:  from,
		ToState:    to,
		Trigger:    trigger,
		DialogName: o.dialog,
	})
}

func (o *EventObserver) Dispatched(ctx context.Context, out Outcome, err error) {
	data := &events.DispatchData{
		DialogName: o.dialog,
		State:      out.State,
		Method:     out.Method,
		Original:   out.Original,
		DurationMs: out.Duration.Milliseconds(),
	}

	eventType := events.IntentDispatched
	switch {
	case err != nil:
		eventType = events.IntentFailed
		data.Error = err.Error()
	case out.Intercepted:
		eventType = events.IntentIntercepted
	case out.FellBack:
		eventType = events.FallbackInvoked
	}
	o.emit(ctx, eventType, data)
}

func (o *EventObserver) emit(ctx context.Context, t events.EventType, data any) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Emit(ctx, t, o.sessionID, data); err != nil {
		slog.WarnContext(ctx, "dialog: emit event failed",
			slog.String("event_type", string(t)),
			slog.String("session_id", o.sessionID),
			slog.String("error", err.Error()))
	}
}
