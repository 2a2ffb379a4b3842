// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware records a span and a duration sample for every
// request. The histogram's path label uses the chi route pattern when
// one matched, so path parameters do not explode label cardinality.
// tracer and metrics may each be nil to record only the other.
func HTTPMiddleware(tracer trace.Tracer, metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var span trace.Span
			ctx := r.Context()
			if tracer != nil {
				ctx, span = tracer.Start(ctx, SpanHTTPRequest,
					trace.WithAttributes(
						attribute.String(AttrHTTPMethod, r.Method),
						attribute.String(AttrHTTPPath, r.URL.Path),
					),
				)
				defer span.End()
			}

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			duration := time.Since(start)

			if span != nil {
				span.SetAttributes(
					attribute.Int(AttrHTTPStatusCode, wrapped.statusCode),
					attribute.Int64(AttrHTTPResponseSize, int64(wrapped.bytesWritten)),
				)
				if wrapped.statusCode >= 400 {
					span.SetAttributes(attribute.String(AttrErrorType, fmt.Sprintf("HTTP %d", wrapped.statusCode)))
				}
			}

			metrics.RecordHTTPRequest(r.Method, routeLabel(r), wrapped.statusCode, duration)
		})
	}
}

// routeLabel prefers the matched chi pattern ("/v1/servers/{id}") over
// the raw request path.
func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *responseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Hijack implements http.Hijacker.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("ResponseWriter does not implement http.Hijacker")
}

// Flush implements http.Flusher. SSE streaming depends on this passing
// through to the underlying writer.
func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
