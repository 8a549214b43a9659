package capture

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/valyala/fastjson"

	"github.com/xela07ax/apitrail/internal/domain"
)

// queryFields разбирает query в исходном порядке. При повторе ключа побеждает первое значение.
func queryFields(raw string) domain.Fields {
	out := domain.Fields{}
	if raw == "" {
		return out
	}

	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		k = unescape(k)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, domain.Field{Key: k, Value: unescape(v)})
	}
	return out
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// routeParams достает параметры маршрута chi в порядке объявления.
func routeParams(r *http.Request) domain.Fields {
	out := domain.Fields{}
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return out
	}
	for i, k := range rctx.URLParams.Keys {
		if k == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		out = append(out, domain.Field{Key: k, Value: rctx.URLParams.Values[i]})
	}
	return out
}

// classifyBody: валидный JSON — структурированное тело; невалидный JSON
// или другой текст — сырая строка; пустое или бинарное тело — отсутствует.
func classifyBody(contentType string, body []byte, truncated bool) domain.Body {
	if len(body) == 0 {
		return domain.NoBody()
	}

	if isJSONContent(contentType) && !truncated {
		if err := fastjson.ValidateBytes(body); err == nil {
			return domain.JSONBody(json.RawMessage(body))
		}
	}

	if !utf8.Valid(body) {
		return domain.NoBody()
	}
	return domain.RawBody(string(body))
}

func isJSONContent(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}
