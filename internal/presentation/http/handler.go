package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	appOrder "github.com/openstall/marketplace-payments/internal/application/order"
	appPayment "github.com/openstall/marketplace-payments/internal/application/payment"
	domainClient "github.com/openstall/marketplace-payments/internal/domain/client"
	domainSubOrder "github.com/openstall/marketplace-payments/internal/domain/suborder"
	domainVendor "github.com/openstall/marketplace-payments/internal/domain/vendor"
	"github.com/openstall/marketplace-payments/internal/observability"
	"github.com/openstall/marketplace-payments/internal/observability/logctx"
)

type Handler struct {
	confirmOrder *appOrder.ConfirmOrderUseCase
	authorize    *appPayment.AuthorizeUseCase
	capture      *appPayment.CaptureUseCase
	log          observability.Logger
	tel          observability.Observability
}

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
)

func NewHandler(
	confirmOrder *appOrder.ConfirmOrderUseCase,
	authorize *appPayment.AuthorizeUseCase,
	capture *appPayment.CaptureUseCase,
	tel observability.Observability,
) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		confirmOrder: confirmOrder,
		authorize:    authorize,
		capture:      capture,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:          tel,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// Wire each route with middlewares:
	// Trace → ObservabilityMiddleware (request logger) → HTTP metrics → Access log → Handler
	h.muxHandle(mux, http.MethodPost, "/orders/confirm", h.handleConfirmOrder)
	h.muxHandle(mux, http.MethodPost, "/payments/authorize", h.handleAuthorize)
	h.muxHandle(mux, http.MethodPost, "/payments/capture", h.handleCapture)
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)

	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// Store stable route template for low-cardinality labels
		ctx := contextWithRoute(r.Context(), route)
		r = r.WithContext(ctx)

		wrapped := h.withTrace(
			ObservabilityMiddleware(
				logctx.FromOr(ctx, h.log),
				func(r *http.Request) string {
					return r.Header.Get(headerRequestID)
				},
			)(
				h.withAccessLog(
					h.withHTTPMetrics(http.HandlerFunc(handler)),
				),
			),
		)
		wrapped.ServeHTTP(w, r)
	})
}

type confirmOrderRequest struct {
	OrderID string `json:"order_id"`
}

type subOrderOutcomeResponse struct {
	SubOrderID       string `json:"sub_order_id"`
	Success          bool   `json:"success"`
	AuthorizationRef string `json:"authorization_ref,omitempty"`
	ErrorMessage     string `json:"error_message,omitempty"`
	Retryable        bool   `json:"retryable"`
}

type confirmOrderResponse struct {
	OrderID       string                    `json:"order_id"`
	AllAuthorized bool                      `json:"all_authorized"`
	SubOrders     []subOrderOutcomeResponse `json:"sub_orders"`
}

func (h *Handler) handleConfirmOrder(w http.ResponseWriter, r *http.Request) {
	var req confirmOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := h.confirmOrder.Execute(r.Context(), appOrder.ConfirmOrderInput{
		OrderID: req.OrderID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := confirmOrderResponse{
		OrderID:       result.OrderID,
		AllAuthorized: result.AllAuthorized,
		SubOrders:     make([]subOrderOutcomeResponse, 0, len(result.Outcomes)),
	}
	for _, o := range result.Outcomes {
		resp.SubOrders = append(resp.SubOrders, subOrderOutcomeResponse{
			SubOrderID:       o.SubOrderID,
			Success:          o.Success,
			AuthorizationRef: o.AuthorizationRef,
			ErrorMessage:     o.ErrorMessage,
			Retryable:        o.Retryable,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type authorizeRequest struct {
	SubOrderID string `json:"sub_order_id"`
}

type authorizeResponse struct {
	SubOrderID       string `json:"sub_order_id"`
	Success          bool   `json:"success"`
	AuthorizationRef string `json:"authorization_ref,omitempty"`
	PaymentStatus    string `json:"payment_status"`
	ErrorMessage     string `json:"error_message,omitempty"`
	Retryable        bool   `json:"retryable"`
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SubOrderID == "" {
		writeError(w, http.StatusBadRequest, errors.New("sub_order_id is required"))
		return
	}

	result, err := h.authorize.Execute(r.Context(), appPayment.AuthorizeInput{
		SubOrderID: req.SubOrderID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, authorizeResponse{
		SubOrderID:       req.SubOrderID,
		Success:          result.Success,
		AuthorizationRef: result.AuthorizationRef,
		PaymentStatus:    string(result.PaymentStatus),
		ErrorMessage:     result.ErrorMessage,
		Retryable:        result.Retryable,
	})
}

type captureRequest struct {
	SubOrderID string `json:"sub_order_id"`
}

type captureResponse struct {
	SubOrderID          string `json:"sub_order_id"`
	Success             bool   `json:"success"`
	AuthorizationRef    string `json:"authorization_ref,omitempty"`
	AmountCapturedCents int64  `json:"amount_captured_cents"`
	ErrorMessage        string `json:"error_message,omitempty"`
	Retryable           bool   `json:"retryable"`
}

func (h *Handler) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SubOrderID == "" {
		writeError(w, http.StatusBadRequest, errors.New("sub_order_id is required"))
		return
	}

	result, err := h.capture.Execute(r.Context(), appPayment.CaptureInput{
		SubOrderID: req.SubOrderID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, captureResponse{
		SubOrderID:          req.SubOrderID,
		Success:             result.Success,
		AuthorizationRef:    result.AuthorizationRef,
		AmountCapturedCents: result.AmountCapturedCents,
		ErrorMessage:        result.ErrorMessage,
		Retryable:           result.Retryable,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("marketplace-payments.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		spanName := route
		if spanName == "unknown" {
			spanName = r.Method + " " + r.URL.Path
		}
		template := route
		if idx := strings.Index(template, " "); idx >= 0 {
			template = template[idx+1:]
		}
		if template == "unknown" || template == "" {
			template = r.URL.Path
		}

		ctxWithSpan, span := tracer.Start(parentCtx,
			spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", template),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using injected vectors.
// DO NOT new metrics inside the middleware.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		route := routeFromContext(r.Context())
		h.tel.Metrics().Counter(observability.MHTTPRequests).Add(1,
			observability.L("route", route),
			observability.L("method", r.Method),
			observability.L("status", strconv.Itoa(lrw.status)),
		)
		h.tel.Metrics().Histogram(observability.MHTTPRequestDuration).Observe(time.Since(start).Seconds(),
			observability.L("route", route),
			observability.L("method", r.Method),
		)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domainSubOrder.ErrNotFound),
		errors.Is(err, domainVendor.ErrNotFound),
		errors.Is(err, domainClient.ErrNotFound),
		errors.Is(err, appOrder.ErrNoSubOrders):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domainSubOrder.ErrNoAuthorization),
		errors.Is(err, domainSubOrder.ErrInvalidStateTransition),
		errors.Is(err, domainSubOrder.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
