package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/voicetyped/intentflow/pkg/dialog"
	"github.com/voicetyped/intentflow/pkg/sessionstore"
)

// ServiceName is the fully-qualified name of the dialog service.
const ServiceName = "intentflow.dialog.v1.DialogService"

// Procedure paths.
const (
	HandleTurnProcedure  = "/" + ServiceName + "/HandleTurn"
	EndSessionProcedure  = "/" + ServiceName + "/EndSession"
	GetSessionProcedure  = "/" + ServiceName + "/GetSession"
	ListDialogsProcedure = "/" + ServiceName + "/ListDialogs"
)

type sessionRef struct {
	SessionID string `json:"session_id"`
}

// Mount registers the dialog service procedures on mux. Request and response
// bodies are google.protobuf.Struct messages.
func (h *DialogHandler) Mount(mux *http.ServeMux, opts ...connect.HandlerOption) {
	mux.Handle(HandleTurnProcedure, connect.NewUnaryHandler(HandleTurnProcedure, h.handleTurnRPC, opts...))
	mux.Handle(EndSessionProcedure, connect.NewUnaryHandler(EndSessionProcedure, h.endSessionRPC, opts...))
	mux.Handle(GetSessionProcedure, connect.NewUnaryHandler(GetSessionProcedure, h.getSessionRPC, opts...))
	mux.Handle(ListDialogsProcedure, connect.NewUnaryHandler(ListDialogsProcedure, h.listDialogsRPC, opts...))
}

func (h *DialogHandler) handleTurnRPC(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var turn TurnRequest
	if err := decodeStruct(req.Msg, &turn); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	result, err := h.HandleTurn(ctx, turn)
	if err != nil {
		return nil, toConnectError(err)
	}
	return encodeResponse(result)
}

func (h *DialogHandler) endSessionRPC(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var ref sessionRef
	if err := decodeStruct(req.Msg, &ref); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if ref.SessionID == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("session_id is required"))
	}
	if err := h.EndSession(ctx, ref.SessionID); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&structpb.Struct{}), nil
}

func (h *DialogHandler) getSessionRPC(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var ref sessionRef
	if err := decodeStruct(req.Msg, &ref); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	snap, err := h.GetSession(ctx, ref.SessionID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return encodeResponse(snap)
}

func (h *DialogHandler) listDialogsRPC(_ context.Context, _ *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	return encodeResponse(map[string]any{"dialogs": h.ListDialogs()})
}

func decodeStruct(msg *structpb.Struct, v any) error {
	raw, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func encodeResponse(v any) (*connect.Response[structpb.Struct], error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	var out structpb.Struct
	if err := protojson.Unmarshal(raw, &out); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&out), nil
}

func toConnectError(err error) error {
	code := connect.CodeInternal
	switch {
	case errors.Is(err, ErrInvalidTurn):
		code = connect.CodeInvalidArgument
	case errors.Is(err, ErrDialogNotFound), errors.Is(err, sessionstore.ErrSessionNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, dialog.ErrIntentNotSupported):
		code = connect.CodeUnimplemented
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	}
	return connect.NewError(code, err)
}
