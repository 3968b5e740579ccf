// Package httpapi exposes the peer RPC and client endpoints of a peersetd
// node over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/core"
	"pkt.systems/peersetd/internal/correlation"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/gpac"
	"pkt.systems/peersetd/internal/ids"
	"pkt.systems/peersetd/internal/svcfields"
	"pkt.systems/peersetd/internal/twopc"
	"pkt.systems/pslog"
)

// DefaultJSONMaxBytes bounds request bodies.
const DefaultJSONMaxBytes = 1 << 20

// Config wires a Handler.
type Config struct {
	Service *core.Service
	GPAC    *gpac.Protocol
	TwoPC   *twopc.Protocol
	// JSONMaxBytes bounds request bodies (DefaultJSONMaxBytes when zero).
	JSONMaxBytes int64
	// SyncTimeout bounds synchronous submissions; zero waits for the
	// protocol's own terminal result.
	SyncTimeout        time.Duration
	HTTPTracingEnabled bool
	Logger             pslog.Logger
}

// Handler serves every peersetd route.
type Handler struct {
	svc                *core.Service
	gpac               *gpac.Protocol
	twopc              *twopc.Protocol
	jsonMaxBytes       int64
	syncTimeout        time.Duration
	httpTracingEnabled bool
	tracer             trace.Tracer
	logger             pslog.Logger
}

// New builds a Handler.
func New(cfg Config) *Handler {
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Handler{
		svc:                cfg.Service,
		gpac:               cfg.GPAC,
		twopc:              cfg.TwoPC,
		jsonMaxBytes:       maxBytes,
		syncTimeout:        cfg.SyncTimeout,
		httpTracingEnabled: cfg.HTTPTracingEnabled,
		tracer:             otel.Tracer("pkt.systems/peersetd/httpapi"),
		logger:             logger,
	}
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(api.PathGPACElect, h.wrap("gpac.elect", http.MethodPost, h.handleGPACElect))
	mux.Handle(api.PathGPACAgree, h.wrap("gpac.agree", http.MethodPost, h.handleGPACAgree))
	mux.Handle(api.PathGPACApply, h.wrap("gpac.apply", http.MethodPost, h.handleGPACApply))
	mux.Handle(api.PathTwoPCAccept, h.wrap("twopc.accept", http.MethodPost, h.handleTwoPCAccept))
	mux.Handle(api.PathTwoPCDecision, h.wrap("twopc.decision", http.MethodPost, h.handleTwoPCDecision))
	mux.Handle(api.PathTwoPCAsk, h.wrap("twopc.ask", http.MethodGet, h.handleTwoPCAsk))
	mux.Handle(api.PathProposeChange, h.wrap("consensus.propose", http.MethodPost, h.handleProposeChange))
	mux.Handle(api.PathChange, h.wrap("change.submit", http.MethodPost, h.handleChange))
	mux.Handle(api.PathChangeStatus, h.wrap("change.status", http.MethodGet, h.handleChangeStatus))
	mux.Handle(api.PathHistoryHead, h.wrap("history.head", http.MethodGet, h.handleHistoryHead))
	mux.Handle(api.PathHistoryEntry, h.wrap("history.entry", http.MethodGet, h.handleHistoryEntry))
	mux.Handle(api.PathHistory, h.wrap("history.walk", http.MethodGet, h.handleHistory))
	mux.Handle(api.PathTransactionLock, h.wrap("transaction.blocked", http.MethodGet, h.handleTransactionBlocked))
	mux.Handle(api.PathHealth, h.wrap("healthz", http.MethodGet, h.handleHealth))
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

func (h *Handler) wrap(operation, method string, fn handlerFunc) http.Handler {
	sys := "api.http." + operation
	spanName := "peersetd.http." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := correlation.FromRequest(r)
		span := trace.SpanFromContext(ctx)
		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", ids.NewRequest(),
			"method", r.Method,
			"path", r.URL.Path,
			"cid", correlation.ID(ctx),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		w.Header().Set(correlation.HeaderName, correlation.ID(ctx))
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if r.Method != method {
			w.Header().Set("Allow", method)
			h.handleError(ctx, w, failure.Failure{
				Code:       "method_not_allowed",
				Detail:     r.Method + " is not supported on " + r.URL.Path,
				HTTPStatus: http.StatusMethodNotAllowed,
			})
			return
		}
		if err := fn(w, r); err != nil {
			if h.httpTracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
				if f, ok := failure.As(err); ok {
					span.SetAttributes(attribute.String("peersetd.error_code", f.Code))
				}
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, err)
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.httpTracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	f, ok := failure.As(err)
	switch {
	case ok:
	case errors.Is(err, context.DeadlineExceeded):
		f = failure.Failure{Code: failure.CodeTimeout, Detail: err.Error()}
	case errors.Is(err, context.Canceled):
		f = failure.Failure{Code: failure.CodeUnavailable, Detail: "request canceled"}
	default:
		logger.Error("http.request.internal_error", "error", err)
		f = failure.Failure{Code: failure.CodeInternal, Detail: "internal server error"}
	}
	logger.Debug("http.request.failure", "status", f.Status(), "code", f.Code, "detail", f.Detail, "leader", f.Leader)
	if f.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(f.RetryAfter, 10))
	}
	h.writeJSON(w, f.Status(), f.ToResponse())
}
