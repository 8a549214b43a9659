package capture

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type traceKey struct{}

const (
	HeaderTraceID = "X-Trace-ID"

	// MaxTraceIDLen: более длинный входящий id не принимается и заменяется новым
	MaxTraceIDLen = 128
)

// TracingMiddleware назначает запросу trace id. Входящий X-Trace-ID или
// X-Request-Id принимается, только если это короткая печатная ASCII-строка,
// иначе генерируется uuid. Итоговый id пишется в заголовок запроса, поэтому
// попадает в захваченную запись, и возвращается клиенту.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := incomingTraceID(r)
		if id == "" {
			id = uuid.NewString()
		}

		r.Header.Set(HeaderTraceID, id)
		w.Header().Set(HeaderTraceID, id)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey{}, id)))
	})
}

// TraceID возвращает id, назначенный TracingMiddleware, или пустую строку.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

func incomingTraceID(r *http.Request) string {
	for _, h := range []string{HeaderTraceID, middleware.RequestIDHeader} {
		if v := strings.TrimSpace(r.Header.Get(h)); validTraceID(v) {
			return v
		}
	}
	return ""
}

func validTraceID(s string) bool {
	if s == "" || len(s) > MaxTraceIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
