package api

import (
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"

	"github.com/clearhold-labs/clearhold/core/pkg/observability"
)

// Telemetry wraps every request in a span with duration and error metrics
// from the observability provider. Gate transitions all cross this
// boundary, so each decide/verify/resume/reversal carries its own span.
func Telemetry(obs *observability.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, done := obs.TrackOperation(r.Context(), r.Method+" "+r.URL.Path,
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))
			if rec.status >= http.StatusInternalServerError {
				done(fmt.Errorf("request failed with status %d", rec.status))
				return
			}
			done(nil)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
