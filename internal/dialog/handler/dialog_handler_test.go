package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/voicetyped/intentflow/pkg/dialog"
	"github.com/voicetyped/intentflow/pkg/events"
	"github.com/voicetyped/intentflow/pkg/sessionstore"
)

const testDialogYAML = `
name: pizza
version: "1.0"
variables:
  size: medium
initial_state: welcome
states:
  welcome:
    intents:
      order:
        - type: set_variable
          params:
            topping: "{{index .Args 0}}"
        - type: say
          params:
            text: "One {{.Variables.size}} {{.Variables.topping}} pizza?"
        - type: transition
          params:
            state: confirm
  confirm:
    intents:
      explode:
        - type: fail
          params:
            message: boom
    generic:
      "yes":
        - type: say
          params:
            text: "Ordered"
        - type: end_session
`

type testEnv struct {
	handler *DialogHandler
	store   *sessionstore.MemoryStore
	pub     *events.Publisher
	events  <-chan events.Envelope
}

func counterRegistry() *dialog.Registry {
	reg := dialog.NewRegistry()
	reg.MustRegister("Count", func() *dialog.State {
		return dialog.NewState("Count").
			On("inc", func(_ context.Context, m *dialog.Machine, _ ...any) error {
				s := m.Session()
				n, _ := strconv.Atoi(s.GetVariable("n"))
				s.SetVariable("n", strconv.Itoa(n+1))
				return nil
			}).
			On("wait", func(ctx context.Context, _ *dialog.Machine, _ ...any) error {
				<-ctx.Done()
				return ctx.Err()
			})
	})
	return reg
}

func setupHandler(t *testing.T, opts Options) *testEnv {
	t.Helper()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pizza.yaml"), []byte(testDialogYAML), 0644); err != nil {
		t.Fatalf("write test dialog: %v", err)
	}

	loader := dialog.NewLoader(dir, nil)
	if err := loader.Register("counter", "Count", counterRegistry()); err != nil {
		t.Fatalf("register counter dialog: %v", err)
	}
	if _, err := loader.LoadAll(); err != nil {
		t.Fatalf("load dialogs: %v", err)
	}

	if opts.DefaultDialog == "" {
		opts.DefaultDialog = "pizza"
	}
	store := sessionstore.NewMemoryStore()
	pub := events.NewLocalPublisher("test")
	ch := pub.Subscribe("test", 256)
	t.Cleanup(func() { pub.Unsubscribe("test") })

	return &testEnv{
		handler: NewDialogHandler(loader, store, pub, opts),
		store:   store,
		pub:     pub,
		events:  ch,
	}
}

func drainTypes(ch <-chan events.Envelope) []events.EventType {
	var out []events.EventType
	for len(ch) > 0 {
		out = append(out, (<-ch).Type)
	}
	return out
}

func containsType(types []events.EventType, want events.EventType) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}

func TestHandleTurnConversation(t *testing.T) {
	env := setupHandler(t, Options{})
	ctx := t.Context()

	res, err := env.handler.HandleTurn(ctx, TurnRequest{
		SessionID: "session-1",
		Intent:    "order",
		Args:      []string{"pepperoni"},
	})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.SessionID != "session-1" || res.DialogName != "pizza" {
		t.Errorf("result = %+v", res)
	}
	if res.PreviousState != "welcome" || res.CurrentState != "confirm" {
		t.Errorf("states = %q -> %q", res.PreviousState, res.CurrentState)
	}
	if res.Method != "orderIntent" {
		t.Errorf("method = %q", res.Method)
	}
	if !reflect.DeepEqual(res.Replies, []string{"One medium pepperoni pizza?"}) {
		t.Errorf("replies = %q", res.Replies)
	}

	snap, err := env.store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("session not saved: %v", err)
	}
	if snap.CurrentState != "confirm" || snap.Variables["topping"] != "pepperoni" || snap.LastIntent != "orderIntent" {
		t.Errorf("snapshot = %+v", snap)
	}
	types := drainTypes(env.events)
	if !containsType(types, events.SessionStarted) || !containsType(types, events.StateTransition) {
		t.Errorf("events = %v", types)
	}

	res, err = env.handler.HandleTurn(ctx, TurnRequest{SessionID: "session-1", Intent: "generic:yes"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !res.Ended || res.Method != "yesGenericIntent" {
		t.Errorf("result = %+v", res)
	}
	if _, err := env.store.Load(ctx, "session-1"); !errors.Is(err, sessionstore.ErrSessionNotFound) {
		t.Errorf("ended session still stored: %v", err)
	}
	if types := drainTypes(env.events); !containsType(types, events.SessionEnded) {
		t.Errorf("events = %v, want session.ended", types)
	}
}

func TestHandleTurnGeneratesSessionID(t *testing.T) {
	env := setupHandler(t, Options{})

	res, err := env.handler.HandleTurn(t.Context(), TurnRequest{Intent: "order", Args: []string{"ham"}})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.SessionID == "" {
		t.Fatal("expected generated session id")
	}
	if _, err := env.store.Load(t.Context(), res.SessionID); err != nil {
		t.Errorf("Load: %v", err)
	}
}

func TestHandleTurnVariables(t *testing.T) {
	env := setupHandler(t, Options{})

	res, err := env.handler.HandleTurn(t.Context(), TurnRequest{
		Intent:    "order",
		Args:      []string{"ham"},
		Variables: map[string]string{"size": "large"},
	})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if !reflect.DeepEqual(res.Replies, []string{"One large ham pizza?"}) {
		t.Errorf("replies = %q", res.Replies)
	}
}

func TestHandleTurnErrors(t *testing.T) {
	tests := []struct {
		name string
		req  TurnRequest
		want error
	}{
		{"missing intent", TurnRequest{}, ErrInvalidTurn},
		{"unknown generic", TurnRequest{Intent: "generic:dance"}, ErrInvalidTurn},
		{"unhandled requested directly", TurnRequest{Intent: "generic:unhandled"}, ErrInvalidTurn},
		{"unknown dialog", TurnRequest{Dialog: "nope", Intent: "order"}, ErrDialogNotFound},
		{"unknown state override", TurnRequest{Intent: "order", State: "nowhere"}, dialog.ErrUnknownState},
		{"intent not supported", TurnRequest{Intent: "pay"}, dialog.ErrIntentNotSupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandler(t, Options{})
			_, err := env.handler.HandleTurn(t.Context(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHandleTurnUnknownOverrideStartsNothing(t *testing.T) {
	env := setupHandler(t, Options{})
	ctx := t.Context()

	_, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "ghost", Intent: "order", State: "nowhere"})
	if !errors.Is(err, ErrInvalidTurn) {
		t.Fatalf("err = %v, want ErrInvalidTurn", err)
	}
	if types := drainTypes(env.events); len(types) != 0 {
		t.Errorf("events = %v, want none", types)
	}
	if _, err := env.store.Load(ctx, "ghost"); !errors.Is(err, sessionstore.ErrSessionNotFound) {
		t.Errorf("Load err = %v, want ErrSessionNotFound", err)
	}
}

func TestHandleTurnStateOverride(t *testing.T) {
	env := setupHandler(t, Options{})

	res, err := env.handler.HandleTurn(t.Context(), TurnRequest{Intent: "generic:yes", State: "confirm"})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if res.PreviousState != "welcome" || !res.Ended {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleTurnDispatchErrorSavesState(t *testing.T) {
	env := setupHandler(t, Options{})
	ctx := t.Context()

	if _, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "s", Intent: "order", Args: []string{"x"}}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}

	res, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "s", Intent: "explode"})
	if !errors.Is(err, dialog.ErrActionFailed) {
		t.Fatalf("err = %v, want ErrActionFailed", err)
	}
	var ee *dialog.IntentExecutionError
	if !errors.As(err, &ee) || ee.Method != "explodeIntent" {
		t.Errorf("err = %v, want IntentExecutionError for explodeIntent", err)
	}
	if res == nil || res.CurrentState != "confirm" {
		t.Errorf("result = %+v", res)
	}
	snap, err := env.store.Load(ctx, "s")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.LastIntent != "explodeIntent" {
		t.Errorf("last intent = %q", snap.LastIntent)
	}
}

func TestHandleTurnSerializesSession(t *testing.T) {
	env := setupHandler(t, Options{})
	ctx := t.Context()

	const turns = 20
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "c", Dialog: "counter", Intent: "inc"}); err != nil {
				t.Errorf("HandleTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	snap, err := env.store.Load(ctx, "c")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Variables["n"] != strconv.Itoa(turns) {
		t.Errorf("n = %q, want %d", snap.Variables["n"], turns)
	}
}

func TestHandleTurnTimeout(t *testing.T) {
	env := setupHandler(t, Options{TurnTimeout: 20 * time.Millisecond})

	_, err := env.handler.HandleTurn(t.Context(), TurnRequest{Dialog: "counter", Intent: "wait"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHandleTurnHooks(t *testing.T) {
	var seen []string
	hooks := dialog.NewPipeline().Before(func(_ context.Context, _ *dialog.State, method string, _ *dialog.Machine, _ ...any) (dialog.Verdict, error) {
		seen = append(seen, method)
		if method == "explodeIntent" {
			return dialog.Intercept, nil
		}
		return dialog.Continue, nil
	})
	env := setupHandler(t, Options{Hooks: hooks})
	ctx := t.Context()

	if _, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "h", Intent: "order", Args: []string{"x"}}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	res, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "h", Intent: "explode"})
	if err != nil {
		t.Fatalf("intercepted turn failed: %v", err)
	}
	if !res.Intercepted {
		t.Error("expected intercepted turn")
	}
	if !reflect.DeepEqual(seen, []string{"orderIntent", "explodeIntent"}) {
		t.Errorf("seen = %v", seen)
	}
}

func TestEndSession(t *testing.T) {
	env := setupHandler(t, Options{})
	ctx := t.Context()

	if err := env.handler.EndSession(ctx, "missing"); !errors.Is(err, sessionstore.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}

	if _, err := env.handler.HandleTurn(ctx, TurnRequest{SessionID: "e", Intent: "order", Args: []string{"x"}}); err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	drainTypes(env.events)

	if err := env.handler.EndSession(ctx, "e"); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if _, err := env.handler.GetSession(ctx, "e"); !errors.Is(err, sessionstore.ErrSessionNotFound) {
		t.Errorf("session still present: %v", err)
	}
	if types := drainTypes(env.events); !reflect.DeepEqual(types, []events.EventType{events.SessionEnded}) {
		t.Errorf("events = %v", types)
	}
}

func TestListDialogs(t *testing.T) {
	env := setupHandler(t, Options{})

	got := env.handler.ListDialogs()
	want := []DialogInfo{
		{Name: "counter", InitialState: "Count", States: []string{"Count"}},
		{Name: "pizza", InitialState: "welcome", States: []string{"confirm", "welcome"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ListDialogs = %+v, want %+v", got, want)
	}
}

func setupRPCServer(t *testing.T) (*testEnv, string) {
	t.Helper()
	env := setupHandler(t, Options{})
	mux := http.NewServeMux()
	env.handler.Mount(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return env, server.URL
}

func call(t *testing.T, baseURL, procedure string, body map[string]any) (*structpb.Struct, error) {
	t.Helper()
	msg, err := structpb.NewStruct(body)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	client := connect.NewClient[structpb.Struct, structpb.Struct](http.DefaultClient, baseURL+procedure)
	resp, err := client.CallUnary(t.Context(), connect.NewRequest(msg))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func TestRPCHandleTurn(t *testing.T) {
	_, url := setupRPCServer(t)

	resp, err := call(t, url, HandleTurnProcedure, map[string]any{
		"session_id": "rpc-1",
		"intent":     "order",
		"args":       []any{"olive"},
	})
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	fields := resp.GetFields()
	if got := fields["current_state"].GetStringValue(); got != "confirm" {
		t.Errorf("current_state = %q", got)
	}
	replies := fields["replies"].GetListValue().GetValues()
	if len(replies) != 1 || replies[0].GetStringValue() != "One medium olive pizza?" {
		t.Errorf("replies = %v", replies)
	}

	resp, err = call(t, url, GetSessionProcedure, map[string]any{"session_id": "rpc-1"})
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got := resp.GetFields()["dialog_name"].GetStringValue(); got != "pizza" {
		t.Errorf("dialog_name = %q", got)
	}

	if _, err := call(t, url, EndSessionProcedure, map[string]any{"session_id": "rpc-1"}); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
}

func TestRPCErrorCodes(t *testing.T) {
	_, url := setupRPCServer(t)

	tests := []struct {
		name      string
		procedure string
		body      map[string]any
		code      connect.Code
	}{
		{"missing intent", HandleTurnProcedure, map[string]any{}, connect.CodeInvalidArgument},
		{"unknown dialog", HandleTurnProcedure, map[string]any{"dialog": "nope", "intent": "x"}, connect.CodeNotFound},
		{"unsupported intent", HandleTurnProcedure, map[string]any{"intent": "pay"}, connect.CodeUnimplemented},
		{"bad field type", HandleTurnProcedure, map[string]any{"intent": 5.0}, connect.CodeInvalidArgument},
		{"end without id", EndSessionProcedure, map[string]any{}, connect.CodeInvalidArgument},
		{"end unknown", EndSessionProcedure, map[string]any{"session_id": "nope"}, connect.CodeNotFound},
		{"get unknown", GetSessionProcedure, map[string]any{"session_id": "nope"}, connect.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, url, tt.procedure, tt.body)
			if got := connect.CodeOf(err); got != tt.code {
				t.Errorf("code = %v, want %v (err %v)", got, tt.code, err)
			}
		})
	}
}

func TestRPCListDialogs(t *testing.T) {
	_, url := setupRPCServer(t)

	resp, err := call(t, url, ListDialogsProcedure, map[string]any{})
	if err != nil {
		t.Fatalf("ListDialogs: %v", err)
	}
	dialogs := resp.GetFields()["dialogs"].GetListValue().GetValues()
	if len(dialogs) != 2 {
		t.Fatalf("dialogs = %v", dialogs)
	}
	if name := dialogs[1].GetStructValue().GetFields()["name"].GetStringValue(); name != "pizza" {
		t.Errorf("second dialog = %q", name)
	}
}

func TestTurnSubscriber(t *testing.T) {
	env := setupHandler(t, Options{})
	sub := &TurnSubscriber{Handler: env.handler, Publisher: env.pub}
	ctx := t.Context()

	msg, _ := json.Marshal(TurnRequest{SessionID: "q1", Intent: "order", Args: []string{"corn"}})
	if err := sub.Handle(ctx, nil, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var completed *events.Envelope
	for len(env.events) > 0 {
		e := <-env.events
		if e.Type == events.TurnCompleted {
			completed = &e
		}
	}
	if completed == nil {
		t.Fatal("no turn.completed event")
	}
	var data events.TurnCompletedData
	if err := json.Unmarshal(completed.Data, &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if completed.SessionID != "q1" || data.CurrentState != "confirm" || len(data.Replies) != 1 {
		t.Errorf("event = %+v data = %+v", completed, data)
	}

	if err := sub.Handle(ctx, nil, []byte("{not json")); err != nil {
		t.Errorf("malformed message should be dropped, got %v", err)
	}
	bad, _ := json.Marshal(TurnRequest{Dialog: "nope", Intent: "x"})
	if err := sub.Handle(ctx, nil, bad); err != nil {
		t.Errorf("unknown dialog should be dropped, got %v", err)
	}
}
