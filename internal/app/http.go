package app

import (
	"net/http"
	"strings"

	"github.com/cam3ron2/scm-dev-kpi/internal/telemetry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const httpTracerName = "scm-dev-kpi/internal/app"

// NewHTTPHandler serves /metrics, the health endpoints and, when apiHandler is set, the
// JSON API under /api.
func NewHTTPHandler(metricsHandler, healthHandler, apiHandler http.Handler) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(traceRequests(telemetry.TraceMode(), otel.GetTracerProvider()))

	router.Handle("/metrics", orNotFound(metricsHandler))
	for _, path := range []string{"/livez", "/readyz", "/healthz"} {
		router.Handle(path, orNotFound(healthHandler))
	}
	if apiHandler != nil {
		router.Mount("/api", apiHandler)
	}
	return router
}

func orNotFound(handler http.Handler) http.Handler {
	if handler == nil {
		return http.NotFoundHandler()
	}
	return handler
}

// traceRequests opens one server span per request. The span is renamed after the
// matched chi route once the handler returns.
func traceRequests(traceMode string, provider trace.TracerProvider) func(http.Handler) http.Handler {
	if strings.EqualFold(strings.TrimSpace(traceMode), telemetry.TraceModeOff) || provider == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	tracer := provider.Tracer(httpTracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), "http.server",
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.target", r.URL.Path),
				),
			)
			defer span.End()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			if routeCtx := chi.RouteContext(ctx); routeCtx != nil {
				if pattern := routeCtx.RoutePattern(); pattern != "" {
					span.SetName("http.server " + pattern)
					span.SetAttributes(attribute.String("http.route", pattern))
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			span.SetAttributes(attribute.Int("http.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
				return
			}
			span.SetStatus(codes.Ok, "")
		})
	}
}
