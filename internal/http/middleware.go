package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	HeaderResponseTime = "X-Response-Time"
	HeaderRequestID    = "X-Request-Id"
)

// timingWriter stamps X-Response-Time when the status line is written, so
// streamed responses carry the header before their first body byte.
type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
	bytes       int64
	elapsed     time.Duration
}

func (tw *timingWriter) WriteHeader(code int) {
	if tw.wroteHeader {
		return
	}
	tw.wroteHeader = true
	tw.status = code
	tw.elapsed = time.Since(tw.start)
	tw.Header().Set(HeaderResponseTime, formatResponseTime(tw.elapsed))
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *timingWriter) Write(b []byte) (int, error) {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	n, err := tw.ResponseWriter.Write(b)
	tw.bytes += int64(n)
	return n, err
}

func (tw *timingWriter) Flush() {
	if !tw.wroteHeader {
		tw.WriteHeader(http.StatusOK)
	}
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *timingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}

func formatResponseTime(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}

// Timing 请求计时与访问日志
// Every request gets an X-Request-Id and X-Response-Time header and one log
// line with method, path, status and response time. Aborted streams are
// logged and the abort is re-raised for the server.
//
// X-Response-Time is the time until the status line was written, not until
// the response completed: headers cannot follow body bytes, so a streamed
// export can only report time to first byte. The log line's "duration"
// field covers the whole response.
func Timing(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &timingWriter{ResponseWriter: w, start: time.Now(), status: http.StatusOK}
			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(HeaderRequestID, requestID)

			aborted := true
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.RequestURI()),
					zap.Int("status", tw.status),
					zap.String("response_time", formatResponseTime(tw.elapsed)),
					zap.Duration("duration", time.Since(tw.start)),
					zap.Int64("bytes", tw.bytes),
					zap.String("request_id", requestID),
				}
				if aborted {
					logger.Warn("HTTP request aborted", fields...)
					return
				}
				logger.Info("HTTP request", fields...)
			}()

			next.ServeHTTP(tw, r)
			if !tw.wroteHeader {
				tw.WriteHeader(http.StatusOK)
			}
			aborted = false
		})
	}
}
