package handler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pitabwire/util"

	"github.com/voicetyped/intentflow/pkg/events"
)

// TurnSubscriber implements queue.SubscribeWorker to run turns that arrive
// on a queue. Results are published as turn.completed events.
type TurnSubscriber struct {
	Handler   *DialogHandler
	Publisher *events.Publisher
}

// Handle is called by frame's pub/sub for each turn message.
func (s *TurnSubscriber) Handle(ctx context.Context, _ map[string]string, message []byte) error {
	var req TurnRequest
	if err := json.Unmarshal(message, &req); err != nil {
		util.Log(ctx).WithError(err).Error("turn subscriber: unmarshal request")
		return nil
	}

	result, err := s.Handler.HandleTurn(ctx, req)
	if err != nil && result == nil {
		util.Log(ctx).WithError(err).Error("turn subscriber: handle turn")
		if errors.Is(err, ErrInvalidTurn) || errors.Is(err, ErrDialogNotFound) {
			// Redelivery cannot fix these.
			return nil
		}
		return err
	}

	data := &events.TurnCompletedData{
		DialogName:    result.DialogName,
		PreviousState: result.PreviousState,
		CurrentState:  result.CurrentState,
		Method:        result.Method,
		Intercepted:   result.Intercepted,
		Replies:       result.Replies,
		Ended:         result.Ended,
	}
	if err != nil {
		data.Error = err.Error()
	}

	if s.Publisher == nil {
		return nil
	}
	if err := s.Publisher.Emit(ctx, events.TurnCompleted, result.SessionID, data); err != nil {
		util.Log(ctx).WithError(err).Error("turn subscriber: emit result")
		return err
	}
	return nil
}
