package handler

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/frame/workerpool"
	"github.com/rs/xid"

	"github.com/voicetyped/intentflow/pkg/dialog"
	"github.com/voicetyped/intentflow/pkg/events"
	"github.com/voicetyped/intentflow/pkg/sessionstore"
)

const (
	reaperInterval = 1 * time.Minute
	sessionStripes = 64
)

var (
	// ErrDialogNotFound is returned when a turn names an unknown dialog.
	ErrDialogNotFound = errors.New("dialog not found")
	// ErrInvalidTurn is returned for malformed turn requests.
	ErrInvalidTurn = errors.New("invalid turn request")
)

// TurnRequest is one user turn: an intent and its arguments for a session.
type TurnRequest struct {
	// SessionID selects an existing session. Empty starts a new one.
	SessionID string `json:"session_id,omitempty"`
	// Dialog is used when a new session starts. Defaults to the service default.
	Dialog string `json:"dialog,omitempty"`
	// Intent is a platform intent name, or "generic:<name>" for generic intents.
	Intent string   `json:"intent"`
	Args   []string `json:"args,omitempty"`
	// State forces a transition before dispatch.
	State     string            `json:"state,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// TurnResult is what a turn produced.
type TurnResult struct {
	SessionID     string   `json:"session_id"`
	DialogName    string   `json:"dialog_name"`
	PreviousState string   `json:"previous_state"`
	CurrentState  string   `json:"current_state"`
	Method        string   `json:"method"`
	Intercepted   bool     `json:"intercepted,omitempty"`
	FellBack      bool     `json:"fell_back,omitempty"`
	Replies       []string `json:"replies,omitempty"`
	Ended         bool     `json:"ended,omitempty"`
}

// DialogInfo describes a loaded dialog.
type DialogInfo struct {
	Name         string   `json:"name"`
	InitialState string   `json:"initial_state"`
	States       []string `json:"states"`
}

// Options configures a DialogHandler.
type Options struct {
	DefaultDialog string
	TurnTimeout   time.Duration
	// Hooks run around every dispatch of every dialog.
	Hooks *dialog.Pipeline
	Pool  workerpool.WorkerPool
}

// DialogHandler runs turns against persisted dialog sessions.
type DialogHandler struct {
	loader    *dialog.Loader
	store     sessionstore.Store
	publisher *events.Publisher
	opts      Options

	locks [sessionStripes]sync.Mutex
}

// NewDialogHandler creates a new dialog service handler. pub may be nil.
func NewDialogHandler(loader *dialog.Loader, store sessionstore.Store, pub *events.Publisher, opts Options) *DialogHandler {
	return &DialogHandler{
		loader:    loader,
		store:     store,
		publisher: pub,
		opts:      opts,
	}
}

func (h *DialogHandler) lock(sessionID string) func() {
	f := fnv.New32a()
	_, _ = f.Write([]byte(sessionID))
	mu := &h.locks[f.Sum32()%sessionStripes]
	mu.Lock()
	return mu.Unlock
}

// HandleTurn loads or starts the session, dispatches the intent and saves
// the resulting state. Turns for one session are serialized.
func (h *DialogHandler) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Intent == "" {
		return nil, fmt.Errorf("%w: intent is required", ErrInvalidTurn)
	}
	method, err := dialog.IntentMethod(req.Intent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTurn, err)
	}

	if h.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opts.TurnTimeout)
		defer cancel()
	}

	if req.SessionID == "" {
		req.SessionID = xid.New().String()
	}
	unlock := h.lock(req.SessionID)
	defer unlock()

	sess, compiled, started, err := h.openSession(ctx, req)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Variables {
		sess.SetVariable(k, v)
	}

	m, err := dialog.NewMachine(compiled.Registry, sess.GetCurrentState(),
		dialog.WithSession(sess),
		dialog.WithHooks(h.opts.Hooks),
		dialog.WithObserver(dialog.NewMetricsObserver(compiled.Name)),
		dialog.WithObserver(dialog.NewEventObserver(h.publisher, compiled.Name, sess.ID())),
	)
	if err != nil {
		return nil, err
	}

	if req.State != "" && !m.StateExists(req.State) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTurn, &dialog.UnknownStateError{Name: req.State})
	}
	if started {
		h.emit(ctx, events.SessionStarted, sess.ID(), &events.SessionData{
			DialogName: compiled.Name,
			State:      sess.GetCurrentState(),
		})
	}

	result := &TurnResult{
		SessionID:     sess.ID(),
		DialogName:    compiled.Name,
		PreviousState: m.CurrentStateName(),
	}

	if req.State != "" {
		if err := m.TransitionTo(ctx, req.State); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidTurn, err)
		}
	}

	sess.SetLastIntent(method)
	out, runErr := m.HandleMethod(ctx, method, stringsToArgs(req.Args)...)

	result.CurrentState = m.CurrentStateName()
	result.Method = out.Method
	result.Intercepted = out.Intercepted
	result.FellBack = out.FellBack
	result.Replies = m.Replies()
	result.Ended = m.Ended()

	if result.Ended {
		if err := h.finish(ctx, sess, compiled.Name, "ended by dialog"); err != nil {
			return nil, errors.Join(runErr, err)
		}
	} else if err := h.store.Save(ctx, sess.Snapshot()); err != nil {
		return nil, errors.Join(runErr, fmt.Errorf("save session: %w", err))
	}

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// openSession restores the session named in req or starts a new one.
func (h *DialogHandler) openSession(ctx context.Context, req TurnRequest) (*dialog.Session, *dialog.Compiled, bool, error) {
	snap, err := h.store.Load(ctx, req.SessionID)
	switch {
	case err == nil:
		compiled, ok := h.loader.Get(snap.DialogName)
		if !ok {
			return nil, nil, false, fmt.Errorf("%w: %q", ErrDialogNotFound, snap.DialogName)
		}
		sess := dialog.RestoreSession(*snap)
		if !compiled.Registry.Exists(sess.GetCurrentState()) {
			slog.WarnContext(ctx, "session state no longer exists, restarting dialog",
				slog.String("session_id", sess.ID()),
				slog.String("state", sess.GetCurrentState()),
				slog.String("dialog", compiled.Name))
			sess.SetCurrentState(compiled.InitialState)
		}
		return sess, compiled, false, nil

	case errors.Is(err, sessionstore.ErrSessionNotFound):
		name := req.Dialog
		if name == "" {
			name = h.opts.DefaultDialog
		}
		compiled, ok := h.loader.Get(name)
		if !ok {
			return nil, nil, false, fmt.Errorf("%w: %q", ErrDialogNotFound, name)
		}
		sess := dialog.NewSession(req.SessionID, compiled.Name, compiled.InitialState)
		for k, v := range compiled.Variables {
			sess.SetVariable(k, v)
		}
		return sess, compiled, true, nil

	default:
		return nil, nil, false, fmt.Errorf("load session: %w", err)
	}
}

// EndSession deletes a session and emits session.ended.
func (h *DialogHandler) EndSession(ctx context.Context, sessionID string) error {
	unlock := h.lock(sessionID)
	defer unlock()

	snap, err := h.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	return h.finish(ctx, dialog.RestoreSession(*snap), snap.DialogName, "ended by client")
}

func (h *DialogHandler) finish(ctx context.Context, sess *dialog.Session, dialogName, reason string) error {
	if err := h.store.Delete(ctx, sess.ID()); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	h.emit(ctx, events.SessionEnded, sess.ID(), &events.SessionData{
		DialogName: dialogName,
		State:      sess.GetCurrentState(),
		Reason:     reason,
	})
	return nil
}

// GetSession returns the stored snapshot of a session.
func (h *DialogHandler) GetSession(ctx context.Context, sessionID string) (*dialog.Snapshot, error) {
	return h.store.Load(ctx, sessionID)
}

// ListDialogs returns the loaded dialogs sorted by name.
func (h *DialogHandler) ListDialogs() []DialogInfo {
	all := h.loader.All()
	out := make([]DialogInfo, 0, len(all))
	for _, c := range all {
		out = append(out, DialogInfo{
			Name:         c.Name,
			InitialState: c.InitialState,
			States:       c.Registry.Names(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// StartReaper periodically removes expired sessions from stores that need it.
func (h *DialogHandler) StartReaper(ctx context.Context) {
	exp, ok := h.store.(sessionstore.Expirer)
	if !ok {
		return
	}
	reap := func() {
		ticker := time.NewTicker(reaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := exp.DeleteExpired(ctx)
				if err != nil {
					slog.WarnContext(ctx, "session reaper failed", slog.String("error", err.Error()))
					continue
				}
				if n > 0 {
					slog.DebugContext(ctx, "reaped expired sessions", slog.Int64("count", n))
				}
			}
		}
	}
	if h.opts.Pool != nil {
		if err := h.opts.Pool.Submit(ctx, reap); err == nil {
			return
		}
	}
	go reap()
}

func (h *DialogHandler) emit(ctx context.Context, t events.EventType, sessionID string, data any) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Emit(ctx, t, sessionID, data); err != nil {
		slog.WarnContext(ctx, "emit event failed",
			slog.String("event_type", string(t)),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

func stringsToArgs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
