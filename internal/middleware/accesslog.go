package middleware

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// AccessLog returns a middleware emitting one line per request:
// remote address, UTC timestamp, method, path, status, response
// length, transaction id, referer, user agent and elapsed seconds.
// POST (replication RPC) lines go at debug, everything else at info.
func AccessLog(logger *logrus.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriterWrapper{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			length := "-"
			if wrapped.bytes > 0 {
				length = fmt.Sprintf("%d", wrapped.bytes)
			}
			line := fmt.Sprintf("%s - - [%s] \"%s %s\" %d %s \"%s\" \"%s\" \"%s\" %.4f",
				remoteAddr(r),
				start.UTC().Format("02/Jan/2006:15:04:05 +0000"),
				r.Method, r.URL.Path,
				wrapped.statusCode, length,
				headerOrDash(r, "X-Cf-Trans-Id"),
				headerOrDash(r, "Referer"),
				headerOrDash(r, "User-Agent"),
				time.Since(start).Seconds())
			if r.Method == http.MethodPost {
				logger.Debug(line)
			} else {
				logger.Info(line)
			}
		})
	}
}

func remoteAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func headerOrDash(r *http.Request, name string) string {
	if v := r.Header.Get(name); v != "" {
		return v
	}
	return "-"
}

// responseWriterWrapper captures the status code and body length.
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *responseWriterWrapper) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}
