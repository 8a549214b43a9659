package capture

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/apitrail/internal/domain"
)

const (
	DefaultMaxBodyBytes = 64 << 10
	redactedValue       = "[REDACTED]"
)

// Enqueuer — вход конвейера. Реализуется pipeline.Coordinator.
type Enqueuer interface {
	Enqueue(rec domain.Record)
}

type options struct {
	maxBodyBytes int64
	redact       map[string]struct{}
	logger       *zap.Logger
	now          func() time.Time
}

type Option func(*options)

// WithMaxBodyBytes ограничивает объем тела, попадающего в запись.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxBodyBytes = n
		}
	}
}

// WithRedactedHeaders заменяет значения перечисленных заголовков на [REDACTED].
func WithRedactedHeaders(names ...string) Option {
	return func(o *options) {
		for _, n := range names {
			o.redact[http.CanonicalHeaderKey(strings.TrimSpace(n))] = struct{}{}
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// responseWriter перехватывает код ответа.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.status = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Unwrap нужен http.ResponseController (Flush, Hijack и т.п.)
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware захватывает метаданные каждого запроса и отдает запись в конвейер.
// В горутине запроса нет сетевых вызовов: Enqueue только кладет запись в буфер.
func Middleware(serviceName string, sink Enqueuer, opts ...Option) func(http.Handler) http.Handler {
	o := &options{
		maxBodyBytes: DefaultMaxBodyBytes,
		redact:       make(map[string]struct{}),
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With(zap.String("mod", "capture"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := o.now()

			body, truncated := peekBody(r, o.maxBodyBytes)
			wrapped := wrapResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := o.now().Sub(start)

			// Сбой сборки записи не должен задеть ответ клиенту
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("capture failed", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				}
			}()

			sink.Enqueue(domain.Record{
				ServiceName: serviceName,
				Timestamp:   start.UnixMilli(),
				Method:      r.Method,
				URL:         r.URL.RequestURI(),
				StatusCode:  wrapped.status,
				Duration:    float64(duration.Microseconds()) / 1000,
				IP:          clientIP(r),
				UserAgent:   r.UserAgent(),
				Query:       queryFields(r.URL.RawQuery),
				Params:      routeParams(r),
				Headers:     headerFields(r, o.redact),
				Body:        classifyBody(r.Header.Get("Content-Type"), body, truncated),
			})
		})
	}
}

// peekBody читает начало тела и возвращает его обработчику нетронутым.
func peekBody(r *http.Request, limit int64) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody || limit == 0 {
		return nil, false
	}

	prefix, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	truncated := int64(len(prefix)) > limit

	orig := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(prefix), orig), orig}

	if err != nil {
		return nil, false
	}
	if truncated {
		prefix = prefix[:limit]
	}
	return prefix, truncated
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func headerFields(r *http.Request, redact map[string]struct{}) domain.Fields {
	keys := make([]string, 0, len(r.Header)+1)
	for k := range r.Header {
		keys = append(keys, k)
	}
	if r.Host != "" && r.Header.Get("Host") == "" {
		keys = append(keys, "Host")
	}
	sort.Strings(keys)

	out := make(domain.Fields, 0, len(keys))
	for _, k := range keys {
		val := strings.Join(r.Header.Values(k), ", ")
		if k == "Host" && val == "" {
			val = r.Host
		}
		if _, ok := redact[k]; ok {
			val = redactedValue
		}
		out = append(out, domain.Field{Key: k, Value: val})
	}
	return out
}
