package hooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"

	"github.com/voicetyped/intentflow/pkg/events"
	"github.com/voicetyped/intentflow/pkg/urlvalidation"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseSize = 1 << 20

	// SignatureHeader carries the HMAC-SHA256 of the request body.
	SignatureHeader = "X-Hook-Signature"
)

var (
	tracer = otel.Tracer("github.com/voicetyped/intentflow/pkg/hooks")

	hookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intentflow",
		Subsystem: "hooks",
		Name:      "request_duration_seconds",
		Help:      "Latency of remote hook calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase", "outcome"})
)

// Executor calls external hook endpoints around intent dispatch.
type Executor struct {
	httpClient   *http.Client
	publisher    *events.Publisher
	validateOpts []urlvalidation.Option

	breakerMu        sync.Mutex
	breakers         map[string]*gobreaker.CircuitBreaker[*HookResponse]
	breakerThreshold uint32
	breakerReset     time.Duration
}

// NewExecutor creates a new hook executor. publisher may be nil.
func NewExecutor(publisher *events.Publisher, validateOpts ...urlvalidation.Option) *Executor {
	return &Executor{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		publisher:    publisher,
		validateOpts: validateOpts,
		breakers:     make(map[string]*gobreaker.CircuitBreaker[*HookResponse]),
	}
}

// WithCircuitBreaker stops calling an endpoint for reset after threshold
// consecutive failures. A zero threshold disables breaking.
func (e *Executor) WithCircuitBreaker(threshold int, reset time.Duration) *Executor {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	if threshold < 0 {
		threshold = 0
	}
	e.breakerThreshold = uint32(threshold)
	e.breakerReset = reset
	return e
}

func (e *Executor) breaker(url string) *gobreaker.CircuitBreaker[*HookResponse] {
	e.breakerMu.Lock()
	defer e.breakerMu.Unlock()
	if e.breakerThreshold == 0 {
		return nil
	}
	if cb, ok := e.breakers[url]; ok {
		return cb
	}
	threshold := e.breakerThreshold
	cb := gobreaker.NewCircuitBreaker[*HookResponse](gobreaker.Settings{
		Name:    url,
		Timeout: e.breakerReset,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	})
	e.breakers[url] = cb
	return cb
}

// Execute posts req to the hook endpoint and decodes its response.
func (e *Executor) Execute(ctx context.Context, cfg HookConfig, req HookRequest) (resp *HookResponse, err error) {
	if err := urlvalidation.ValidateHookURL(cfg.URL, e.validateOpts...); err != nil {
		return nil, fmt.Errorf("hook URL validation: %w", err)
	}

	ctx, span := tracer.Start(ctx, "hook."+req.Phase)
	span.SetAttributes(
		attribute.String("hook.url", cfg.URL),
		attribute.String("dialog.state", req.State),
		attribute.String("dialog.method", req.Method),
	)
	start := time.Now()
	outcome := "ok"
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		hookDuration.WithLabelValues(req.Phase, outcome).Observe(time.Since(start).Seconds())
	}()

	cb := e.breaker(cfg.URL)
	if cb == nil {
		resp, err = e.execute(ctx, cfg, req)
	} else {
		resp, err = cb.Execute(func() (*HookResponse, error) {
			return e.execute(ctx, cfg, req)
		})
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = "open"
		e.emitError(ctx, cfg, req, err.Error())
		return nil, fmt.Errorf("hook %s: %w", cfg.URL, err)
	case err != nil:
		outcome = "error"
	}
	return resp, err
}

func (e *Executor) execute(ctx context.Context, cfg HookConfig, req HookRequest) (*HookResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal hook request: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := newSignedRequest(ctx, cfg, body)
	if err != nil {
		return nil, err
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		e.emitError(ctx, cfg, req, err.Error())
		return nil, fmt.Errorf("hook request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	// Drain remainder for connection reuse.
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read hook response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("hook returned HTTP %d: %s", resp.StatusCode, string(respBody))
		e.emitError(ctx, cfg, req, msg)
		return nil, fmt.Errorf("%s", msg)
	}

	var hookResp HookResponse
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, &hookResp); err != nil {
			return nil, fmt.Errorf("unmarshal hook response: %w", err)
		}
	}

	if e.publisher != nil {
		_ = e.publisher.Emit(ctx, events.HookResult, req.SessionID, &events.HookResultData{
			HookURL:    cfg.URL,
			Phase:      req.Phase,
			StatusCode: resp.StatusCode,
			Intercept:  hookResp.Intercept,
			Response:   hookResp.Data,
		})
	}

	return &hookResp, nil
}

func newSignedRequest(ctx context.Context, cfg HookConfig, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create hook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	switch cfg.AuthType {
	case "bearer":
		httpReq.Header.Set("Authorization", "Bearer "+cfg.AuthSecret)
	case "hmac":
		httpReq.Header.Set(SignatureHeader, Sign(cfg.AuthSecret, body))
	}

	for k, v := range cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (e *Executor) emitError(ctx context.Context, cfg HookConfig, req HookRequest, msg string) {
	if e.publisher == nil {
		return
	}
	_ = e.publisher.Emit(ctx, events.HookError, req.SessionID, &events.HookErrorData{
		HookURL: cfg.URL,
		Error:   msg,
	})
}

// Sign returns the "sha256=<hex>" HMAC signature of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%x", mac.Sum(nil))
}
