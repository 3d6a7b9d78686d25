package connectutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/pitabwire/frame/security"
	connectInterceptors "github.com/pitabwire/frame/security/interceptors/connect"
	"google.golang.org/protobuf/types/known/structpb"
)

// errPanic is returned to clients when a handler panics.
var errPanic = errors.New("internal error")

// DefaultOptions returns handler options without authentication.
func DefaultOptions() []connect.HandlerOption {
	return []connect.HandlerOption{
		connect.WithInterceptors(NewLoggingInterceptor()),
		connect.WithRecover(recoverPanic),
	}
}

// AuthenticatedOptions returns handler options with frame's security
// interceptor chain followed by turn logging.
func AuthenticatedOptions(ctx context.Context, authenticator security.Authenticator) ([]connect.HandlerOption, error) {
	interceptors, err := connectInterceptors.DefaultList(ctx, authenticator)
	if err != nil {
		return nil, err
	}
	interceptors = append(interceptors, NewLoggingInterceptor())

	return []connect.HandlerOption{
		connect.WithInterceptors(interceptors...),
		connect.WithRecover(recoverPanic),
	}, nil
}

// NewLoggingInterceptor logs each unary call with its procedure, duration
// and, when the message carries one, the dialog session id.
func NewLoggingInterceptor() connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			attrs := []any{
				slog.String("procedure", req.Spec().Procedure),
				slog.Duration("duration", time.Since(start)),
			}
			id := sessionID(req.Any())
			if id == "" && err == nil && resp != nil {
				// A failing handler hands back a typed nil response.
				id = sessionID(resp.Any())
			}
			if id != "" {
				attrs = append(attrs, slog.String("session_id", id))
			}

			if err != nil {
				attrs = append(attrs,
					slog.String("code", connect.CodeOf(err).String()),
					slog.String("error", err.Error()))
				slog.WarnContext(ctx, "rpc error", attrs...)
			} else {
				slog.DebugContext(ctx, "rpc ok", attrs...)
			}
			return resp, err
		}
	}
}

func sessionID(msg any) string {
	s, ok := msg.(*structpb.Struct)
	if !ok {
		return ""
	}
	return s.GetFields()["session_id"].GetStringValue()
}

func recoverPanic(ctx context.Context, spec connect.Spec, _ http.Header, p any) error {
	slog.ErrorContext(ctx, "rpc handler panic",
		slog.String("procedure", spec.Procedure),
		slog.String("panic", fmt.Sprint(p)))
	return connect.NewError(connect.CodeInternal, errPanic)
}
